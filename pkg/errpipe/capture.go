// capture.go is the producer-facing capture API: a generic entry point plus
// typed convenience wrappers for each failure surface.

package errpipe

import (
	"fmt"
	"net/http"
)

// Capture carries optional context for CaptureError.
type Capture struct {
	// Component is the subsystem that produced the failure.
	Component string

	// Severity overrides the default (error) tier.
	Severity Severity

	// StackTrace is attached and contributes to the fingerprint.
	StackTrace string

	// Description is a user-supplied note, carried in details so it never
	// affects the fingerprint.
	Description string

	// Details is type-specific metadata.
	Details map[string]any
}

// CaptureError is the generic capture entry point.
func (p *Pipeline) CaptureError(err error, c Capture) {
	if err == nil {
		return
	}

	details := c.Details
	if c.Description != "" {
		details = cloneDetails(details)
		details["userDescription"] = c.Description
	}

	p.capture(ErrorEvent{
		Message:    err.Error(),
		Component:  c.Component,
		Severity:   c.Severity,
		StackTrace: c.StackTrace,
		Context: EventContext{
			ErrorType: "error",
			Details:   details,
		},
	})
}

// CaptureAPIError records a failed network call. The endpoint allow-list and
// status-based severity rules are applied before the event is admitted.
func (p *Pipeline) CaptureAPIError(url, method string, status int, responseBody string, headers http.Header) {
	if p.dropPolicy.DropURL(url) {
		eventsDropped.WithLabelValues(dropReasonPolicy).Inc()
		p.log.Debug("errpipe: dropped allow-listed endpoint failure", "url", url, "status", status)
		return
	}

	body := truncateBody(responseBody)
	details := map[string]any{
		"url":    url,
		"method": method,
		"status": status,
	}
	if ct := headers.Get("Content-Type"); ct != "" {
		details["contentType"] = ct
	}

	message := fmt.Sprintf("%s %s failed with status %d", method, url, status)
	if body != "" {
		message = fmt.Sprintf("%s: %s", message, body)
	}

	p.capture(ErrorEvent{
		Message:   message,
		Component: "api",
		Severity:  ClassifyStatus(status),
		Context: EventContext{
			ErrorType: "api",
			Details:   details,
		},
		RequestInfo: &RequestInfo{
			URL:            url,
			Method:         method,
			ResponseStatus: status,
			ResponseBody:   body,
		},
	})
}

// CaptureResourceError records a broken resource load (image, script,
// stylesheet, asset fetch).
func (p *Pipeline) CaptureResourceError(url, resourceType string, details map[string]any) {
	details = cloneDetails(details)
	details["url"] = url
	details["resourceType"] = resourceType

	p.capture(ErrorEvent{
		Message:   fmt.Sprintf("failed to load %s: %s", resourceType, url),
		Component: "resource",
		Severity:  SeverityWarning,
		Context: EventContext{
			ErrorType: "resource",
			Details:   details,
		},
	})
}

// CaptureWebSocketError records a realtime-connection failure. Reconnect
// attempts are expected churn (warning); details["terminal"] marks a
// connection given up on (critical).
func (p *Pipeline) CaptureWebSocketError(err error, details map[string]any) {
	if err == nil {
		return
	}

	severity := SeverityError
	if details != nil {
		if reconnecting, ok := details["reconnecting"].(bool); ok && reconnecting {
			severity = SeverityWarning
		}
		if terminal, ok := details["terminal"].(bool); ok && terminal {
			severity = SeverityCritical
		}
	}

	p.capture(ErrorEvent{
		Message:   fmt.Sprintf("websocket error: %s", err.Error()),
		Component: "websocket",
		Severity:  severity,
		Context: EventContext{
			ErrorType: "websocket",
			Details:   details,
		},
	})
}

// CaptureValidationError records a schema or shape validation failure raised
// by application code.
func (p *Pipeline) CaptureValidationError(err error, schemaName string, details map[string]any) {
	if err == nil {
		return
	}

	details = cloneDetails(details)
	details["schema"] = schemaName

	p.capture(ErrorEvent{
		Message:   fmt.Sprintf("validation failed for %s: %s", schemaName, err.Error()),
		Component: "validation",
		Severity:  SeverityError,
		Context: EventContext{
			ErrorType: "validation",
			Details:   details,
		},
	})
}

// CapturePerformanceIssue records long-running work or slow load timing.
func (p *Pipeline) CapturePerformanceIssue(issueType string, metrics map[string]any) {
	p.capture(ErrorEvent{
		Message:   fmt.Sprintf("performance issue: %s", issueType),
		Component: "performance",
		Severity:  SeverityWarning,
		Context: EventContext{
			ErrorType: "performance",
			Details:   metrics,
		},
	})
}

// CaptureSecurityViolation records a security-policy violation.
func (p *Pipeline) CaptureSecurityViolation(violationType string, details map[string]any) {
	p.capture(ErrorEvent{
		Message:   fmt.Sprintf("security violation: %s", violationType),
		Component: "security",
		Severity:  SeverityError,
		Context: EventContext{
			ErrorType: "security",
			Details:   details,
		},
	})
}

func cloneDetails(details map[string]any) map[string]any {
	out := make(map[string]any, len(details)+2)
	for k, v := range details {
		out[k] = v
	}
	return out
}
