package notification

import (
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/c360/flagrelay/errors"
)

// AnonymousUser is the sentinel user id when no identity field resolves.
const AnonymousUser = "anonymous"

// Classify parses a JSON payload and normalizes it into an Event.
// A DecisionInfo (or decision) marker object classifies as KindDecision, a
// ConversionEvent marker or eventKey field as KindTrack, anything else as
// KindUnknown. Malformed JSON returns an invalid classified error.
//
// The caller fills in ID, ConnectionID, and ReceivedAt; Classify only
// derives fields from the payload itself.
func Classify(payload []byte) (*Event, error) {
	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, errors.WrapInvalid(err, "notification", "Classify", "decode payload")
	}

	ev := &Event{
		Raw:    json.RawMessage(payload),
		UserID: resolveUserID(data),
	}

	if attrs := userAttributes(data); attrs != nil {
		ev.Attributes = attrs
	}

	if decision := lookupMap(data, "DecisionInfo", "decisionInfo", "decision"); decision != nil {
		ev.Kind = KindDecision
		classifyDecision(ev, decision)
		return ev, nil
	}

	if _, ok := lookupAny(data, "ConversionEvent", "conversionEvent"); ok {
		ev.Kind = KindTrack
		classifyTrack(ev, data)
		return ev, nil
	}
	if _, ok := lookupAny(data, "eventKey"); ok {
		ev.Kind = KindTrack
		classifyTrack(ev, data)
		return ev, nil
	}

	ev.Kind = KindUnknown
	return ev, nil
}

func classifyDecision(ev *Event, decision map[string]any) {
	ev.FlagKey = lookupString(decision, "flagKey", "featureKey")
	ev.RuleKey = lookupString(decision, "ruleKey")
	ev.VariationKey = lookupString(decision, "variationKey")
	if enabled, ok := lookupAny(decision, "enabled"); ok {
		if b, ok := enabled.(bool); ok {
			ev.Enabled = b
		}
	}
	if variables := lookupMap(decision, "variables"); variables != nil {
		ev.Variables = variables
	}
}

func classifyTrack(ev *Event, data map[string]any) {
	ev.EventKey = lookupString(data, "eventKey")
	if ev.EventKey == "" {
		if conv := lookupMap(data, "ConversionEvent", "conversionEvent"); conv != nil {
			ev.EventKey = lookupString(conv, "eventKey", "key")
		}
	}

	if ids, ok := lookupAny(data, "experimentIds"); ok {
		if list, ok := ids.([]any); ok {
			for _, id := range list {
				switch v := id.(type) {
				case string:
					ev.ExperimentIDs = append(ev.ExperimentIDs, v)
				case float64:
					ev.ExperimentIDs = append(ev.ExperimentIDs, strconv.FormatInt(int64(v), 10))
				}
			}
		}
	}

	if tags := lookupMap(data, "eventTags"); tags != nil {
		ev.EventTags = tags
		if raw, ok := tags["revenue"]; ok {
			if revenue, ok := coerceFloat(raw); ok {
				ev.Revenue = &revenue
			} else {
				slog.Warn("invalid revenue tag, omitting",
					"component", "notification", "revenue", raw)
			}
		}
	}
}

// resolveUserID checks, in order: a direct user-id field, the nested
// user-context object, the nested user object. Falls back to AnonymousUser.
func resolveUserID(data map[string]any) string {
	if id := lookupString(data, "userId", "UserID", "userID"); id != "" {
		return id
	}

	if uc := lookupMap(data, "UserContext", "userContext"); uc != nil {
		if id := lookupString(uc, "ID", "userId", "id"); id != "" {
			return id
		}
	}

	if user := lookupMap(data, "user", "User"); user != nil {
		if id := lookupString(user, "id", "ID"); id != "" {
			return id
		}
	}

	return AnonymousUser
}

func userAttributes(data map[string]any) map[string]any {
	if uc := lookupMap(data, "UserContext", "userContext"); uc != nil {
		if attrs := lookupMap(uc, "attributes", "Attributes"); attrs != nil {
			return attrs
		}
	}
	if attrs := lookupMap(data, "attributes"); attrs != nil {
		return attrs
	}
	return nil
}

// coerceFloat converts a JSON number or numeric string to float64.
func coerceFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func lookupAny(m map[string]any, keys ...string) (any, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			return v, true
		}
	}
	return nil, false
}

func lookupMap(m map[string]any, keys ...string) map[string]any {
	if v, ok := lookupAny(m, keys...); ok {
		if sub, ok := v.(map[string]any); ok {
			return sub
		}
	}
	return nil
}

func lookupString(m map[string]any, keys ...string) string {
	if v, ok := lookupAny(m, keys...); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
