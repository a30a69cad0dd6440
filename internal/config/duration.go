package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses one of the config's duration strings
// (portal.timeout, retry.base, storage.busy_timeout, ...). Empty means unset
// and parses to 0 so callers can apply their own default; negative values are
// rejected because no relay timeout or backoff is meaningful below zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for unset
// fields, e.g. ParseDurationOrDefault("portal.timeout", cfg.Portal.Timeout, 30*time.Second).
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
