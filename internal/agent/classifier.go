// Package agent classifies user agent strings so bot and blacklisted
// traffic can be excluded from billable impression writes. Bot traffic
// is still served ads; classification only gates accounting.
package agent

import (
	"regexp"
	"strings"
)

// Classification is the result of inspecting a user agent string.
type Classification struct {
	Bot    bool
	Reason string
}

// Classifier matches user agents against a configured blacklist plus a
// built-in set of crawler heuristics. Classification is pure: the same
// input always yields the same result and nothing is recorded.
type Classifier struct {
	exact      map[string]bool
	substrings []string
	regexes    []*regexp.Regexp
}

// Built-in markers found in virtually every crawler and library UA.
var crawlerMarkers = []string{
	"bot", "crawl", "spider", "slurp", "scrape",
	"curl/", "wget/", "python-requests", "go-http-client",
	"headlesschrome", "phantomjs",
}

// NewClassifier builds a classifier from blacklist patterns. A pattern
// prefixed with "regex:" is compiled as a regular expression, one
// prefixed with "exact:" must match the whole string, and anything else
// is a case-insensitive substring match. Invalid regexes are skipped.
func NewClassifier(patterns []string) *Classifier {
	c := &Classifier{exact: make(map[string]bool)}
	for _, p := range patterns {
		switch {
		case strings.HasPrefix(p, "regex:"):
			if re, err := regexp.Compile(strings.TrimPrefix(p, "regex:")); err == nil {
				c.regexes = append(c.regexes, re)
			}
		case strings.HasPrefix(p, "exact:"):
			c.exact[strings.ToLower(strings.TrimPrefix(p, "exact:"))] = true
		default:
			c.substrings = append(c.substrings, strings.ToLower(p))
		}
	}
	return c
}

// Classify inspects a raw user agent string. An empty UA is treated as
// a bot: legitimate browsers always send one.
func (c *Classifier) Classify(ua string) Classification {
	if strings.TrimSpace(ua) == "" {
		return Classification{Bot: true, Reason: "empty user agent"}
	}

	lower := strings.ToLower(ua)

	if c.exact[lower] {
		return Classification{Bot: true, Reason: "blacklisted user agent"}
	}
	for _, sub := range c.substrings {
		if strings.Contains(lower, sub) {
			return Classification{Bot: true, Reason: "blacklisted user agent"}
		}
	}
	for _, re := range c.regexes {
		if re.MatchString(ua) {
			return Classification{Bot: true, Reason: "blacklisted user agent"}
		}
	}

	for _, marker := range crawlerMarkers {
		if strings.Contains(lower, marker) {
			return Classification{Bot: true, Reason: "crawler: " + marker}
		}
	}

	return Classification{}
}
