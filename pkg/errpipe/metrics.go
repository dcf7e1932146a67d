// metrics.go exposes Prometheus counters for pipeline health.

package errpipe

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errpipe_events_captured_total",
		Help: "Events admitted to the pending queue",
	}, []string{"severity"})

	eventsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "errpipe_events_deduplicated_total",
		Help: "Events suppressed as duplicates of a known fingerprint",
	})

	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errpipe_events_dropped_total",
		Help: "Events discarded without transmission",
	}, []string{"reason"})

	chunksSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errpipe_chunks_sent_total",
		Help: "Chunk transmission attempts by outcome",
	}, []string{"outcome"})

	batchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "errpipe_batch_retries_total",
		Help: "Batch retry transmissions scheduled",
	})

	breakerOpens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "errpipe_breaker_opens_total",
		Help: "Circuit breaker activations",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "errpipe_queue_depth",
		Help: "Current pending queue length",
	})
)

// Drop reasons for errpipe_events_dropped_total.
const (
	dropReasonPolicy   = "policy"
	dropReasonDisabled = "disabled"
	dropReasonBreaker  = "breaker"
	dropReasonRetry    = "retry_exhausted"
	dropReasonFailed   = "send_failed"
)
