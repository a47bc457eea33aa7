// Package config loads and validates the process configuration.
//
// Configuration comes from an optional JSON file, with environment
// variables overriding credentials. Credentials that are missing or still
// carry sample placeholder values disable the affected sink instead of
// failing startup; only the upstream SDK key is mandatory.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c360/flagrelay/dedup"
	"github.com/c360/flagrelay/dispatch"
	"github.com/c360/flagrelay/errors"
	"github.com/c360/flagrelay/input/agentstream"
	"github.com/c360/flagrelay/output/amplitude"
	"github.com/c360/flagrelay/output/ga4"
	"github.com/c360/flagrelay/output/natsrelay"
)

// Config is the complete process configuration.
type Config struct {
	LogLevel    string `json:"log_level"`
	LogFormat   string `json:"log_format"`
	MetricsPort int    `json:"metrics_port"`

	Agent     agentstream.Config `json:"agent"`
	Dedup     dedup.Config       `json:"dedup"`
	Dispatch  dispatch.Config    `json:"dispatch"`
	Amplitude amplitude.Config   `json:"amplitude"`
	GA4       ga4.Config         `json:"ga4"`
	NATS      natsrelay.Config   `json:"nats"`
}

// Default returns the configuration used when no file or overrides are
// present. Sink credentials start empty, leaving every sink disabled.
func Default() *Config {
	return &Config{
		LogLevel:    "info",
		LogFormat:   "json",
		MetricsPort: 9090,
		Agent:       agentstream.DefaultConfig(),
		Dedup:       dedup.DefaultConfig(),
		Dispatch:    dispatch.DefaultConfig(),
		Amplitude:   amplitude.DefaultConfig(),
		GA4:         ga4.DefaultConfig(),
		NATS:        natsrelay.DefaultConfig(),
	}
}

// Load builds the configuration from defaults, the optional JSON file at
// path, and environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "config", "Load", "read config file")
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.WrapInvalid(err, "config", "Load", "parse config file")
	}
	parseDurations(raw)

	normalized, err := json.Marshal(raw)
	if err != nil {
		return errors.Wrap(err, "config", "Load", "normalize config")
	}
	if err := json.Unmarshal(normalized, c); err != nil {
		return errors.WrapInvalid(err, "config", "Load", "decode config file")
	}
	return nil
}

// durationKey reports whether a JSON key holds a duration, so file values
// like "30s" can be converted for the time.Duration fields.
func durationKey(key string) bool {
	switch key {
	case "ttl", "timeout":
		return true
	}
	for _, suffix := range []string{
		"_interval", "_timeout", "_wait", "_base", "_max", "_backoff",
	} {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

func parseDurations(m map[string]any) {
	for key, value := range m {
		switch v := value.(type) {
		case map[string]any:
			parseDurations(v)
		case string:
			if !durationKey(key) {
				continue
			}
			if d, err := time.ParseDuration(v); err == nil {
				m[key] = float64(d)
			}
		}
	}
}

// applyEnv layers environment variables over the loaded values. Credential
// variables keep the names the upstream integrations document.
func (c *Config) applyEnv() {
	setString(&c.LogLevel, "FLAGRELAY_LOG_LEVEL")
	setString(&c.LogFormat, "FLAGRELAY_LOG_FORMAT")
	setInt(&c.MetricsPort, "FLAGRELAY_METRICS_PORT")

	setString(&c.Agent.BaseURL, "OPTIMIZELY_AGENT_URL")
	setString(&c.Agent.SDKKey, "OPTIMIZELY_SDK_KEY")
	setString(&c.Agent.Filter, "FLAGRELAY_NOTIFICATION_FILTER")

	setString(&c.Amplitude.APIKey, "AMPLITUDE_API_KEY")
	setString(&c.Amplitude.Endpoint, "AMPLITUDE_TRACKING_URL")
	setString(&c.GA4.MeasurementID, "GA_MEASUREMENT_ID")
	setString(&c.GA4.APISecret, "GA_API_SECRET")
	setString(&c.GA4.Endpoint, "GA_ENDPOINT_URL")
	setString(&c.NATS.URL, "NATS_URL")
}

func setString(target *string, name string) {
	if value := os.Getenv(name); value != "" {
		*target = value
	}
}

func setInt(target *int, name string) {
	if value := os.Getenv(name); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			*target = n
		}
	}
}

// placeholderPatterns match sample values copied from .env templates.
var placeholderPatterns = []string{
	"your_",
	"_here",
	"example",
	"placeholder",
}

// IsPlaceholder reports whether a credential is empty or still carries a
// sample placeholder value.
func IsPlaceholder(value string) bool {
	if value == "" {
		return true
	}
	lower := strings.ToLower(value)
	for _, pattern := range placeholderPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// AmplitudeEnabled reports whether the Amplitude sink has a usable key.
func (c *Config) AmplitudeEnabled() bool {
	return !IsPlaceholder(c.Amplitude.APIKey)
}

// GA4Enabled reports whether the GA4 sink has usable credentials.
func (c *Config) GA4Enabled() bool {
	return !IsPlaceholder(c.GA4.MeasurementID) && !IsPlaceholder(c.GA4.APISecret)
}

// NATSEnabled reports whether the NATS relay sink is configured.
func (c *Config) NATSEnabled() bool {
	return c.NATS.URL != ""
}

// Validate checks the startup-critical parts of the configuration. A
// missing or placeholder SDK key is the only fatal credential error; sink
// credentials merely disable their sink.
func (c *Config) Validate() error {
	if IsPlaceholder(c.Agent.SDKKey) {
		return errors.WrapFatal(errors.ErrMissingConfig, "config", "Validate",
			"OPTIMIZELY_SDK_KEY is required and cannot be a placeholder value")
	}
	if c.Agent.BaseURL == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "config", "Validate",
			"agent base_url is required")
	}
	if !strings.HasPrefix(c.Agent.BaseURL, "http://") && !strings.HasPrefix(c.Agent.BaseURL, "https://") {
		return errors.WrapFatal(
			fmt.Errorf("%w: %q", errors.ErrInvalidConfig, c.Agent.BaseURL),
			"config", "Validate", "agent base_url must start with http:// or https://")
	}
	if err := c.Agent.Validate(); err != nil {
		return err
	}
	return nil
}
