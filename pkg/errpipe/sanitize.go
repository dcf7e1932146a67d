// sanitize.go bounds every outbound field and strips events to the explicit
// safe-field allow-list before transmission. Oversized or malformed events
// are truncated defensively, never rejected.

package errpipe

import (
	"fmt"
	"sort"
	"strings"
)

// Field limits applied before an event leaves the pipeline.
const (
	MaxMessageLen  = 500
	MaxStackLen    = 2000
	MaxBodyLen     = 512
	MaxDetailLen   = 256
	maxDetailKeys  = 20
	maxHostnameLen = 256
)

// sanitizeEvent returns a transmission-safe copy of the event. The ErrorEvent
// struct itself is the safe-field allow-list; sanitization bounds every
// string field, prunes the details map, and recomputes a missing fingerprint.
func sanitizeEvent(e ErrorEvent) ErrorEvent {
	e.Message = truncate(e.Message, MaxMessageLen)
	e.StackTrace = truncate(e.StackTrace, MaxStackLen)
	e.EnvInfo.Hostname = truncate(e.EnvInfo.Hostname, maxHostnameLen)

	if e.Component == "" {
		e.Component = "unknown"
	}
	if e.Fingerprint == "" {
		e.Fingerprint = Fingerprint(e.Message, e.Component, e.StackTrace)
	}

	if e.RequestInfo != nil {
		req := *e.RequestInfo
		req.URL = truncate(req.URL, MaxDetailLen)
		req.ResponseBody = truncate(req.ResponseBody, MaxBodyLen)
		e.RequestInfo = &req
	}

	e.Context.Details = sanitizeDetails(e.Context.Details)

	return e
}

// sanitizeDetails flattens detail values to bounded strings, numbers, and
// booleans, capping the key count. Keys are selected in sorted order so an
// oversized map always transmits the same detail set.
func sanitizeDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}

	keys := make([]string, 0, len(details))
	for key := range details {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if len(keys) > maxDetailKeys {
		keys = keys[:maxDetailKeys]
	}

	out := make(map[string]any, len(keys))
	for _, key := range keys {
		value := details[key]
		key = truncate(key, MaxDetailLen)
		switch v := value.(type) {
		case nil, bool, int, int32, int64, uint, uint32, uint64, float32, float64:
			out[key] = v
		case string:
			out[key] = truncate(v, MaxDetailLen)
		default:
			out[key] = truncate(fmt.Sprintf("%v", v), MaxDetailLen)
		}
	}
	return out
}

// truncate bounds a string, marking the cut.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	marker := "...[truncated]"
	if maxLen <= len(marker) {
		return s[:maxLen]
	}
	cut := maxLen - len(marker)
	// Avoid splitting a multi-byte rune at the boundary.
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + marker
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// truncateBody bounds a network response body at capture time.
func truncateBody(body string) string {
	body = strings.ToValidUTF8(body, "")
	return truncate(body, MaxBodyLen)
}
