package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDuration reads an optional Go duration such as "1s" or "5m".
// Empty or zero yields def; negative values are rejected. Errors name the
// config field.
func ParseDuration(field, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q", field, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: must be >= 0, got %s", field, d)
	case d == 0:
		return def, nil
	}
	return d, nil
}
