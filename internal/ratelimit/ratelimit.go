// Package ratelimit enforces click velocity ceilings per visitor
// fingerprint. Limits are an ordered list of count/window pairs; every
// window must pass for a click to be allowed, and counters advance only
// on allowed clicks so rejected retries cannot amplify a lockout.
//
// Windows are fixed buckets aligned to the Unix epoch. That trades a
// little burstiness at bucket edges for deterministic behavior and O(1)
// state per fingerprint.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is one count/duration ceiling, e.g. 3 clicks per 10 minutes.
type Window struct {
	Count    int64
	Duration time.Duration
	Label    string // original spec string, e.g. "3/10m"
}

// bucket returns the epoch-aligned bucket index for now.
func (w Window) bucket(now time.Time) int64 {
	return now.Unix() / int64(w.Duration/time.Second)
}

// ParseLimits parses an ordered limit list in "count/window" syntax:
// "1/m", "3/10m", "10/h", "25/d". The window part is an optional
// multiple followed by a unit (s, m, h, d).
func ParseLimits(specs []string) ([]Window, error) {
	windows := make([]Window, 0, len(specs))
	for _, spec := range specs {
		countPart, windowPart, ok := strings.Cut(strings.TrimSpace(spec), "/")
		if !ok {
			return nil, fmt.Errorf("invalid rate limit %q: missing '/'", spec)
		}

		count, err := strconv.ParseInt(countPart, 10, 64)
		if err != nil || count <= 0 {
			return nil, fmt.Errorf("invalid rate limit %q: bad count", spec)
		}

		d, err := parseWindow(windowPart)
		if err != nil {
			return nil, fmt.Errorf("invalid rate limit %q: %w", spec, err)
		}

		windows = append(windows, Window{Count: count, Duration: d, Label: spec})
	}
	if len(windows) == 0 {
		return nil, fmt.Errorf("at least one rate limit is required")
	}
	return windows, nil
}

func parseWindow(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty window")
	}

	unit := s[len(s)-1]
	multiple := int64(1)
	if rest := s[:len(s)-1]; rest != "" {
		n, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("bad window multiple %q", rest)
		}
		multiple = n
	}

	var base time.Duration
	switch unit {
	case 's':
		base = time.Second
	case 'm':
		base = time.Minute
	case 'h':
		base = time.Hour
	case 'd':
		base = 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown window unit %q", string(unit))
	}

	return time.Duration(multiple) * base, nil
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed bool
	// Violated is the label of the first window that rejected the
	// click, empty when allowed.
	Violated string
}

// Limiter gates click events per visitor fingerprint.
type Limiter interface {
	// Allow checks every configured window and, only if all pass,
	// consumes one unit of quota in each. The check and increment are
	// atomic with respect to concurrent calls for the same fingerprint.
	Allow(ctx context.Context, fingerprint string) (Result, error)
}
