package config

import (
	"fmt"
	"strings"
	"time"
)

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

// Window is a resolved [min, max] delay range.
type Window struct {
	Min time.Duration
	Max time.Duration
}

// ParseWindow resolves w, falling back to def when both bounds are omitted.
func ParseWindow(path string, w WindowConfig, def Window) (Window, error) {
	if strings.TrimSpace(w.Min) == "" && strings.TrimSpace(w.Max) == "" {
		return def, nil
	}
	lo, err := ParseDurationField(path+".min", w.Min)
	if err != nil {
		return Window{}, err
	}
	hi, err := ParseDurationField(path+".max", w.Max)
	if err != nil {
		return Window{}, err
	}
	if hi == 0 {
		hi = lo
	}
	if hi < lo {
		return Window{}, fmt.Errorf("%s: max %s is below min %s", path, hi, lo)
	}
	return Window{Min: lo, Max: hi}, nil
}
