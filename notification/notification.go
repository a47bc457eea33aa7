// Package notification defines the normalized event shape and the classifier
// that produces it.
//
// Upstream payloads are duck-typed JSON with inconsistent casing (UserContext
// vs userContext, Type vs type). Classify normalizes them into one strongly
// typed Event at the boundary; all downstream code operates only on the
// normalized shape.
package notification

import (
	"encoding/json"
	"time"
)

// Kind is the closed set of notification classifications.
type Kind int

const (
	// KindUnknown is a payload carrying neither marker.
	KindUnknown Kind = iota
	// KindDecision is a feature-flag decision notification.
	KindDecision
	// KindTrack is a conversion-tracking notification.
	KindTrack
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindDecision:
		return "decision"
	case KindTrack:
		return "track"
	default:
		return "unknown"
	}
}

// Event is a decoded, normalized notification. It is read-only once
// constructed; sinks and the dispatch queue never mutate it.
type Event struct {
	// ID is the wire event id, or a synthetic id when the frame had none.
	ID   string `json:"id"`
	Kind Kind   `json:"-"`

	// UserID is the resolved user identity, "anonymous" when absent.
	UserID     string         `json:"user_id"`
	Attributes map[string]any `json:"attributes,omitempty"`

	// Decision fields
	FlagKey      string         `json:"flag_key,omitempty"`
	RuleKey      string         `json:"rule_key,omitempty"`
	VariationKey string         `json:"variation_key,omitempty"`
	Enabled      bool           `json:"enabled,omitempty"`
	Variables    map[string]any `json:"variables,omitempty"`

	// Track fields
	EventKey      string         `json:"event_key,omitempty"`
	ExperimentIDs []string       `json:"experiment_ids,omitempty"`
	EventTags     map[string]any `json:"event_tags,omitempty"`
	Revenue       *float64       `json:"revenue,omitempty"`

	// Raw is the original payload for sinks that need fields the
	// normalization does not carry.
	Raw json.RawMessage `json:"raw,omitempty"`

	// ConnectionID identifies the slot that received the event.
	ConnectionID string    `json:"connection_id"`
	ReceivedAt   time.Time `json:"received_at"`
}

// MarshalJSON includes the kind as its string name.
func (e *Event) MarshalJSON() ([]byte, error) {
	type alias Event
	return json.Marshal(struct {
		Kind string `json:"kind"`
		*alias
	}{
		Kind:  e.Kind.String(),
		alias: (*alias)(e),
	})
}
