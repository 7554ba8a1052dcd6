package aqualink

import (
	"regexp"
	"strings"
)

// regionPattern matches the preferred `c-<aaa>[<digits>]-` shape, e.g.
// "c-gru20-abc" → "gru".
var regionPattern = regexp.MustCompile(`^c-([a-z]{3})[0-9]*-`)

// regionFallbackPattern matches any `-aaa[digits]-` token anywhere in the
// label.
var regionFallbackPattern = regexp.MustCompile(`-([a-z]{3})[0-9]*-`)

// regionTrailingDigits strips trailing digits from the first label.
var regionTrailingDigits = regexp.MustCompile(`^([a-z]+)[0-9]*$`)

// extractRegion derives a region code from a voice server endpoint
// hostname (§4.6). Unknown inputs return "unknown".
func extractRegion(endpoint string) string {
	if endpoint == "" {
		return "unknown"
	}
	host := endpoint
	if idx := strings.Index(host, "://"); idx != -1 {
		host = host[idx+3:]
	}
	if idx := strings.IndexAny(host, "/:"); idx != -1 {
		host = host[:idx]
	}
	host = strings.ToLower(host)
	if host == "" {
		return "unknown"
	}
	label := strings.SplitN(host, ".", 2)[0]

	if m := regionPattern.FindStringSubmatch(label); m != nil {
		return m[1]
	}
	if m := regionFallbackPattern.FindStringSubmatch(label); m != nil {
		return m[1]
	}
	if m := regionTrailingDigits.FindStringSubmatch(label); m != nil && m[1] != "" {
		return m[1]
	}
	return "unknown"
}
