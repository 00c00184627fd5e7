package config

import (
	"fmt"
	"strconv"
	"time"
)

// ParseInactivePeriod parses a compact duration of the form "<n><unit>"
// where unit is m (minutes), h (hours), d (days), or y (years).
func ParseInactivePeriod(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid inactive period %q", s)
	}
	num, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || num < 0 {
		return 0, fmt.Errorf("invalid inactive period %q", s)
	}
	switch s[len(s)-1] {
	case 'm', 'M':
		return time.Duration(num) * time.Minute, nil
	case 'h', 'H':
		return time.Duration(num) * time.Hour, nil
	case 'd', 'D':
		return time.Duration(num) * 24 * time.Hour, nil
	case 'y', 'Y':
		return time.Duration(num) * 365 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid inactive period unit in %q", s)
	}
}

// InactivePeriod returns the configured inactivity threshold, falling
// back to seven days when the field does not parse.
func (cfg *Config) InactivePeriod() time.Duration {
	d, err := ParseInactivePeriod(cfg.Notify.InactivePeriod)
	if err != nil {
		return 7 * 24 * time.Hour
	}
	return d
}
