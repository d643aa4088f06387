package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration is a config field holding a Go duration string ("90s", "30m").
// The empty string means unset; components substitute their own default
// through Or.
type Duration string

// Value parses the field. field names the config key in error messages.
func (d Duration) Value(field string) (time.Duration, error) {
	s := strings.TrimSpace(string(d))
	if s == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, string(d), err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return v, nil
}

// Or parses the field, substituting def when it is unset or zero.
func (d Duration) Or(field string, def time.Duration) (time.Duration, error) {
	v, err := d.Value(field)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return def, nil
	}
	return v, nil
}
