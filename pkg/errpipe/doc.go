// Package errpipe is a client-resident error telemetry pipeline: it
// intercepts runtime failures, converts them to structured events,
// deduplicates and batches them, and ships them to a collection endpoint -
// without ever becoming a source of cascading failure itself.
//
// # Core Components
//
//   - ErrorEvent: the unit of telemetry, with severity, fingerprint,
//     session context, and environment info
//   - Pipeline: the service object owning the pending queue, dedup
//     registry, circuit breaker, and flush/retry scheduling
//   - Store: a durable single-slot mirror of the pending queue so a
//     process restart does not lose in-flight data
//   - Capture hooks: slog handler wrapping, http.RoundTripper wrapping,
//     socket event hooks, panic recovery - all install/uninstall, wrapping
//     rather than replacing prior behavior
//
// # Quick Start
//
//	pipeline := errpipe.New(
//	    errpipe.WithEndpoint("https://collector.example.com/errors"),
//	    errpipe.WithStore(fileslot.New("/var/lib/app/errpipe.json")),
//	)
//	defer pipeline.Close()
//
//	restore := pipeline.InstallLogHook()
//	defer restore()
//
//	client := &http.Client{Transport: pipeline.WrapTransport(nil)}
//
// # Design Principles
//
//   - Capture never throws: every capture path is panic-guarded, and any
//     internal failure is logged locally and swallowed
//   - Duplicate root causes are reported once per dedup TTL window
//   - The collector is protected before telemetry is complete: repeated
//     overload signals open a circuit breaker that drops the backlog
//   - Persistence is best-effort: store failures never affect correctness
package errpipe
