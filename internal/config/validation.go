package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// FieldError is a single invalid setting.
type FieldError struct {
	Key     string
	Problem string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	Fields []FieldError
}

func (e *ValidationErrors) add(key, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Key: key, Problem: fmt.Sprintf(format, args...)})
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Fields) > 0
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, f := range e.Fields {
		sb.WriteString(fmt.Sprintf("  - %s: %s\n", f.Key, f.Problem))
	}
	return sb.String()
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	if port, err := strconv.Atoi(c.Server.Port); err != nil || port < 1 || port > 65535 {
		errs.add("server.port", "must be a TCP port, got %q", c.Server.Port)
	}
	if c.Server.PublicURL != "" {
		validateURL(errs, "server.public_url", c.Server.PublicURL)
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs.add("server.shutdown_timeout", "must be > 0")
	}

	if c.Feed.Capacity < 1 {
		errs.add("feed.capacity", "must be >= 1")
	}
	if c.Feed.ReplayLimit < 0 || c.Feed.ReplayLimit > c.Feed.Capacity {
		errs.add("feed.replay_limit", "must be between 0 and feed.capacity (%d)", c.Feed.Capacity)
	}
	if c.Feed.HeartbeatInterval <= 0 {
		errs.add("feed.heartbeat_interval", "must be > 0")
	}
	if c.Feed.SessionBuffer < 1 {
		errs.add("feed.session_buffer", "must be >= 1")
	}

	validateTwitch(errs, c.Twitch)

	if c.Forward.Enabled {
		if c.Forward.URL == "" {
			errs.add("forward.url", "is required when forwarding is enabled (set FORWARD_URL)")
		} else {
			validateURL(errs, "forward.url", c.Forward.URL)
		}
		if c.Forward.RatePerSecond <= 0 {
			errs.add("forward.rate_per_second", "must be > 0")
		}
	}

	if c.Keepalive.URL != "" {
		validateURL(errs, "keepalive.url", c.Keepalive.URL)
		if c.Keepalive.Interval <= 0 {
			errs.add("keepalive.interval", "must be > 0 when keepalive.url is set")
		}
	}

	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs.add("logging.level", "must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs.add("logging.format", "must be 'json' or 'console', got %q", c.Logging.Format)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateTwitch(errs *ValidationErrors, t TwitchConfig) {
	// Twitch only accepts webhook secrets of 10 to 100 ASCII characters.
	if n := len(t.WebhookSecret); n > 0 && (n < 10 || n > 100) {
		errs.add("twitch.webhook_secret", "must be 10-100 characters, got %d", n)
	}
	if (t.ClientID == "") != (t.ClientSecret == "") {
		errs.add("twitch.client_id", "TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET must be set together")
	}
	// EventSub only delivers to https callbacks.
	if t.CanRegister() {
		if u, err := url.Parse(t.CallbackURL); err != nil || u.Scheme != "https" || u.Host == "" {
			errs.add("twitch.callback_url", "must be an https URL, got %q", t.CallbackURL)
		}
	}
	if t.MaxMessageAge < 0 {
		errs.add("twitch.max_message_age", "must be >= 0")
	}
	if t.RatePerSecond < 1 {
		errs.add("twitch.rate_per_second", "must be >= 1")
	}
	if t.RetryCount < 0 {
		errs.add("twitch.retry_count", "must be >= 0")
	}
}

func validateURL(errs *ValidationErrors, key, raw string) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs.add(key, "must be an absolute http(s) URL, got %q", raw)
	}
}
