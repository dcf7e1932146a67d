// severity.go maps raw failure data to severity tiers and applies the
// drop-before-classification allow-list.

package errpipe

import "strings"

// ClassifyStatus maps an HTTP status code to a severity tier.
//
// Rate limiting (429) is expected under load and not actionable per instance.
// 401 and 404 are expected outcomes of normal navigation and auth-check
// flows; they are recorded for correlation, not escalated.
func ClassifyStatus(status int) Severity {
	switch {
	case status >= 500:
		return SeverityCritical
	case status == 429:
		return SeverityWarning
	case status == 401, status == 404:
		return SeverityInfo
	case status >= 400:
		return SeverityError
	default:
		return SeverityInfo
	}
}

// DropPolicy suppresses events that are not telemetry at all: expected
// failures on allow-listed endpoints and known-benign message phrases.
// Matched events are discarded before classification, not down-graded.
type DropPolicy struct {
	// EndpointPatterns are substring patterns matched against the request
	// path with any query string removed.
	EndpointPatterns []string

	// BenignMessages are substrings of messages that are recognized as
	// expected behavior rather than failures.
	BenignMessages []string
}

// DefaultDropPolicy returns the allow-list shipped with the pipeline.
func DefaultDropPolicy() DropPolicy {
	return DropPolicy{
		BenignMessages: []string{
			"resource not found",
			"cross-origin request blocked",
		},
	}
}

// DropURL reports whether failures for the given URL are suppressed.
func (d DropPolicy) DropURL(url string) bool {
	path := url
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	for _, pattern := range d.EndpointPatterns {
		if pattern != "" && strings.Contains(path, pattern) {
			return true
		}
	}
	return false
}

// DropMessage reports whether the message matches a known-benign phrase.
func (d DropPolicy) DropMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, phrase := range d.BenignMessages {
		if phrase != "" && strings.Contains(lower, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}
