package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration knobs (heartbeat intervals, backoff bounds, poll timeouts)
// are strings like "250ms" or "1m30s" so the yaml and json forms share
// one representation. Empty means unset.

// ParseDurationField parses one duration knob; path names the field in
// error messages. Empty input is reported as zero, not as an error.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for
// unset knobs.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
