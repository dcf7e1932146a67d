// recover.go captures panics: the Go analogue of an uncaught exception.

package errpipe

import (
	"fmt"
	"runtime/debug"
)

// Recover captures an in-flight panic as a critical event and returns the
// recovered value. It does not re-panic; default behavior for callers that
// need the panic to propagate is to re-panic themselves with the returned
// value.
//
// Use in defer:
//
//	func handler() {
//	    defer errpipe.Recover(pipeline, "checkout")
//	    // code that might panic
//	}
func Recover(p *Pipeline, component string) any {
	r := recover()
	if r == nil {
		return nil
	}

	p.capture(ErrorEvent{
		Message:    formatRecovered(r),
		Component:  component,
		Severity:   SeverityCritical,
		StackTrace: string(debug.Stack()),
		Context: EventContext{
			ErrorType: "panic",
		},
	})

	return r
}

// Go runs fn on a new goroutine with panic capture attached. A panicking fn
// is recorded and the panic swallowed; the rest of the process keeps running.
func Go(p *Pipeline, component string, fn func()) {
	go func() {
		defer Recover(p, component)
		fn()
	}()
}

func formatRecovered(recovered any) string {
	if recovered == nil {
		return "<nil>"
	}
	if err, ok := recovered.(error); ok {
		return "panic: " + err.Error()
	}
	return fmt.Sprintf("panic: %v", recovered)
}
