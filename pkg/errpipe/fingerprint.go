// fingerprint.go derives stable identities for grouping repeated failures.

package errpipe

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
)

// stackExcerptLines bounds how much of a stack trace contributes to identity.
// Deeper frames vary with call sites that are irrelevant to the root cause.
const stackExcerptLines = 4

// Match query strings attached to URL-ish substrings, so "same error,
// different cache-buster" collapses to one fingerprint.
var urlQueryPattern = regexp.MustCompile(`\?[^\s'"()\[\]>]*`)

// Fingerprint computes a deterministic identity for a failure from its
// normalized message, originating component, and top stack frames.
//
// The hash is order-sensitive and deterministic across processes; it is not
// cryptographic, only collision-resistant enough for deduplication.
func Fingerprint(message, component, stackTrace string) string {
	if component == "" {
		component = "unknown"
	}

	input := strings.Join([]string{
		normalizeMessage(message),
		component,
		stackExcerpt(stackTrace),
	}, "|")

	h := fnv.New64a()
	h.Write([]byte(input))
	return fmt.Sprintf("%016x", h.Sum64())
}

// normalizeMessage strips query-string fragments from any URL substrings.
func normalizeMessage(msg string) string {
	return urlQueryPattern.ReplaceAllString(msg, "")
}

// stackExcerpt takes at most the first stackExcerptLines non-empty lines.
func stackExcerpt(trace string) string {
	if trace == "" {
		return ""
	}

	var lines []string
	for _, line := range strings.Split(trace, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) >= stackExcerptLines {
			break
		}
	}

	return strings.Join(lines, "\n")
}
