// slowop.go times long-running synchronous work.

package errpipe

import "time"

// TrackSlowOp times a region of work and captures a performance issue when
// it runs past the threshold.
//
//	defer pipeline.TrackSlowOp("render_catalog", 200*time.Millisecond)()
func (p *Pipeline) TrackSlowOp(name string, threshold time.Duration) func() {
	start := p.clock.Now()
	return func() {
		elapsed := p.clock.Now().Sub(start)
		if elapsed <= threshold {
			return
		}
		p.CapturePerformanceIssue("slow_operation", map[string]any{
			"operation":   name,
			"durationMs":  elapsed.Milliseconds(),
			"thresholdMs": threshold.Milliseconds(),
		})
	}
}
