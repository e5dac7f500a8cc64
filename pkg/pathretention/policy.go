package pathretention

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Approximations used by the policy grammar.
const (
	day   = 24 * time.Hour
	month = 30 * day
	year  = 365 * day
)

var unitDurations = map[string]time.Duration{
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    day,
	"week":   7 * day,
	"month":  month,
	"year":   year,
}

// keepForever lists the policy values that never expire. N/A is the default
// of records created without an explicit policy.
var keepForever = map[string]bool{
	"":             true,
	"n/a":          true,
	"none":         true,
	"forever":      true,
	"keep_forever": true,
}

// Policy is a parsed retention policy such as "30_days".
type Policy struct {
	Raw      string
	Duration time.Duration
	Forever  bool
}

// ParsePolicy parses "<N>_<unit>" where unit is minute, hour, day, week,
// month or year, singular or plural.
func ParsePolicy(s string) (Policy, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	if keepForever[norm] {
		return Policy{Raw: s, Forever: true}, nil
	}

	count, unit, ok := strings.Cut(norm, "_")
	if !ok {
		return Policy{}, fmt.Errorf("invalid retention policy: %q. Expected <N>_<unit>, e.g. '30_days'", s)
	}
	if !isDigits(count) {
		return Policy{}, fmt.Errorf("invalid retention policy: %q. Count must be a positive integer", s)
	}
	n, err := strconv.ParseInt(count, 10, 64)
	if err != nil || n <= 0 {
		return Policy{}, fmt.Errorf("invalid retention policy: %q. Count must be a positive integer", s)
	}
	d, ok := unitDurations[strings.TrimSuffix(unit, "s")]
	if !ok {
		return Policy{}, fmt.Errorf("invalid retention policy: %q. Unit must be minutes, hours, days, weeks, months or years", s)
	}
	// A wrapped duration would be negative and expire every backup at once.
	if n > math.MaxInt64/int64(d) {
		return Policy{}, fmt.Errorf("invalid retention policy: %q. Duration is too long, use 'N/A' to keep forever", s)
	}
	return Policy{Raw: s, Duration: time.Duration(n) * d}, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Expired reports whether a backup taken at ts has outlived the policy at now.
func (p Policy) Expired(ts, now time.Time) bool {
	if p.Forever {
		return false
	}
	return now.Sub(ts) > p.Duration
}

func (p Policy) String() string {
	if p.Forever {
		return "forever"
	}
	return p.Raw
}
