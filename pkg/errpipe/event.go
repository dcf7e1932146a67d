// event.go defines the canonical error event data structure for errpipe.

package errpipe

import (
	"os"
	"runtime"
	"time"
)

// Severity indicates the severity tier of an error event.
type Severity string

const (
	// SeverityCritical indicates a failure that needs immediate operator attention.
	SeverityCritical Severity = "critical"

	// SeverityError indicates a failure that caused an operation to fail.
	SeverityError Severity = "error"

	// SeverityWarning indicates a non-fatal issue that may need attention.
	SeverityWarning Severity = "warning"

	// SeverityInfo indicates an expected outcome recorded for correlation only.
	SeverityInfo Severity = "info"
)

// EventContext carries the session-scoped context attached to every event.
type EventContext struct {
	// SessionID identifies the pipeline instance lifetime. Always populated.
	SessionID string `json:"sessionId"`

	// Route is the application route or code path active at capture time.
	Route string `json:"route,omitempty"`

	// ErrorType categorizes the failure surface (api, resource, websocket,
	// validation, performance, security, panic, log).
	ErrorType string `json:"errorType"`

	// UserID is an optional identity attached to events after SetUserID.
	// Never part of the fingerprint.
	UserID string `json:"userId,omitempty"`

	// Details contains type-specific metadata (request info, validation
	// issues, performance metrics). Values are sanitized before transmission.
	Details map[string]any `json:"details,omitempty"`
}

// EnvInfo is the environment fingerprint attached to every event.
// It is static for the lifetime of the process and exists for correlation.
type EnvInfo struct {
	GoVersion string `json:"goVersion"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Hostname  string `json:"hostname,omitempty"`
	PID       int    `json:"pid"`
	NumCPU    int    `json:"numCpu"`
}

// RequestInfo is populated only for network-originated failures.
type RequestInfo struct {
	URL            string `json:"url"`
	Method         string `json:"method"`
	ResponseStatus int    `json:"responseStatus"`

	// ResponseBody is truncated at capture time and again before transmission.
	ResponseBody string `json:"responseBody,omitempty"`
}

// ErrorEvent is the unit of telemetry.
// All fields are populated by the pipeline before the event is queued:
// no partially constructed event (missing severity or session ID) is ever
// admitted to the pending queue.
type ErrorEvent struct {
	// Fingerprint is a stable identity derived from the normalized message,
	// component, and top stack frames. Identical failures always produce
	// identical fingerprints, across sessions.
	Fingerprint string `json:"fingerprint"`

	// Message is the human-readable description, bounded before transmission.
	Message string `json:"message"`

	// Component is the subsystem that produced the failure, "unknown" when
	// it cannot be inferred.
	Component string `json:"component"`

	Severity Severity `json:"severity"`

	// StackTrace is optional and truncated before transmission.
	StackTrace string `json:"stackTrace,omitempty"`

	Context EventContext `json:"context"`

	EnvInfo EnvInfo `json:"envInfo"`

	RequestInfo *RequestInfo `json:"requestInfo,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// CaptureEnvInfo snapshots the process environment once at pipeline init.
func CaptureEnvInfo() EnvInfo {
	hostname, _ := os.Hostname() // empty hostname is acceptable

	return EnvInfo{
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Hostname:  hostname,
		PID:       os.Getpid(),
		NumCPU:    runtime.NumCPU(),
	}
}
