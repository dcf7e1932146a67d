// hooks.go attaches the pipeline to the host environment's failure surfaces.
// Every hook wraps rather than replaces prior behavior and returns a restore
// function; the pipeline invokes all restores on teardown.

package errpipe

import (
	"context"
	"fmt"
	"log/slog"
)

// InstallLogHook wraps the process default slog handler so Warn and Error
// records are captured as telemetry. The previous handler still receives
// every record; this hook only observes. The returned restore function puts
// the prior default back exactly.
func (p *Pipeline) InstallLogHook() func() {
	prev := slog.Default()
	slog.SetDefault(slog.New(NewLogCaptureHandler(prev.Handler(), p)))

	restore := func() { slog.SetDefault(prev) }
	p.trackRestore(restore)
	return restore
}

// LogCaptureHandler is an slog.Handler that forwards warning- and
// error-level records into a pipeline and always delegates to the inner
// handler.
type LogCaptureHandler struct {
	inner    slog.Handler
	pipeline *Pipeline
}

// NewLogCaptureHandler wraps an existing handler with log capture.
func NewLogCaptureHandler(inner slog.Handler, p *Pipeline) *LogCaptureHandler {
	return &LogCaptureHandler{inner: inner, pipeline: p}
}

// Enabled observes Warn and above even when the inner handler is quieter.
func (h *LogCaptureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= slog.LevelWarn {
		return true
	}
	return h.inner.Enabled(ctx, level)
}

// Handle captures Warn/Error records, then delegates. Capture happens first
// so a failing inner handler cannot hide the record from telemetry.
func (h *LogCaptureHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Level >= slog.LevelWarn {
		severity := SeverityWarning
		if record.Level >= slog.LevelError {
			severity = SeverityError
		}

		details := make(map[string]any)
		record.Attrs(func(attr slog.Attr) bool {
			details[attr.Key] = attr.Value.Any()
			return len(details) < maxDetailKeys
		})

		h.pipeline.capture(ErrorEvent{
			Message:   record.Message,
			Component: "log",
			Severity:  severity,
			Context: EventContext{
				ErrorType: "log",
				Details:   details,
			},
		})
	}

	if !h.inner.Enabled(ctx, record.Level) {
		return nil
	}
	return h.inner.Handle(ctx, record)
}

func (h *LogCaptureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogCaptureHandler{inner: h.inner.WithAttrs(attrs), pipeline: h.pipeline}
}

func (h *LogCaptureHandler) WithGroup(name string) slog.Handler {
	return &LogCaptureHandler{inner: h.inner.WithGroup(name), pipeline: h.pipeline}
}

// SocketHandle is the realtime-connection surface the pipeline can observe:
// an object that exposes subscription to named lifecycle events. The wshook
// adapter provides an implementation for gorilla/websocket connections.
type SocketHandle interface {
	// ID distinguishes connections so hooking is idempotent.
	ID() string

	// OnEvent subscribes to a named event ("error", "timeout", "reconnect",
	// "failed"). Subscribing must not displace existing subscribers.
	OnEvent(name string, fn func(err error, details map[string]any))
}

// HookSocket attaches capture to a realtime connection's error, timeout,
// reconnect, and terminal-failure events. Hooking the same handle twice is
// a no-op.
func (p *Pipeline) HookSocket(h SocketHandle) {
	p.mu.Lock()
	if _, hooked := p.hookedSockets[h.ID()]; hooked {
		p.mu.Unlock()
		return
	}
	p.hookedSockets[h.ID()] = struct{}{}
	p.mu.Unlock()

	id := h.ID()

	h.OnEvent("error", func(err error, details map[string]any) {
		p.CaptureWebSocketError(err, socketDetails(id, details))
	})
	h.OnEvent("timeout", func(err error, details map[string]any) {
		if err == nil {
			err = fmt.Errorf("socket timeout")
		}
		p.CaptureWebSocketError(err, socketDetails(id, details))
	})
	h.OnEvent("reconnect", func(err error, details map[string]any) {
		if err == nil {
			err = fmt.Errorf("socket reconnecting")
		}
		d := socketDetails(id, details)
		d["reconnecting"] = true
		p.CaptureWebSocketError(err, d)
	})
	h.OnEvent("failed", func(err error, details map[string]any) {
		if err == nil {
			err = fmt.Errorf("socket connection failed")
		}
		d := socketDetails(id, details)
		d["terminal"] = true
		p.CaptureWebSocketError(err, d)
	})
}

func socketDetails(id string, details map[string]any) map[string]any {
	out := cloneDetails(details)
	out["socketId"] = id
	return out
}
