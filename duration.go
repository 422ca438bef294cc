package waitpoint

import (
	"math"
	"strconv"
	"strings"
	"time"
)

var periodUnits = map[string]time.Duration{
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  24 * time.Hour,
	"w":  7 * 24 * time.Hour,
	"y":  365 * 24 * time.Hour,
}

// ParsePeriod parses compound period strings such as "10s", "1h30m", "7d" or "2w".
func ParsePeriod(value string) (time.Duration, error) {
	raw := strings.ToLower(strings.TrimSpace(value))
	if raw == "" {
		return 0, invalidInput("period is empty", nil)
	}

	var total time.Duration
	rest := raw
	for rest != "" {
		i := 0
		for i < len(rest) && (rest[i] >= '0' && rest[i] <= '9' || rest[i] == '.') {
			i++
		}
		if i == 0 {
			return 0, invalidInput("invalid period", map[string]any{"period": value})
		}
		amount, err := strconv.ParseFloat(rest[:i], 64)
		if err != nil {
			return 0, invalidInput("invalid period", map[string]any{"period": value})
		}
		rest = rest[i:]

		j := 0
		for j < len(rest) && rest[j] >= 'a' && rest[j] <= 'z' {
			j++
		}
		unit, ok := periodUnits[rest[:j]]
		if !ok {
			return 0, invalidInput("invalid period unit", map[string]any{"period": value})
		}
		rest = rest[j:]
		part := amount * float64(unit)
		if part >= float64(math.MaxInt64-total) {
			return 0, invalidInput("period too large", map[string]any{"period": value})
		}
		total += time.Duration(part)
	}
	return total, nil
}

// ParseDeadline resolves either a period relative to now or an absolute RFC3339 date.
func ParseDeadline(value string, now time.Time) (time.Time, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return time.Time{}, invalidInput("deadline is empty", nil)
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts.UTC(), nil
	}
	d, err := ParsePeriod(raw)
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(d).UTC(), nil
}
