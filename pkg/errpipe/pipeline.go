// pipeline.go owns all pipeline state: the pending queue, the dedup
// registry, the circuit breaker, and flush/retry scheduling.

package errpipe

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithConfig applies a full configuration; zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(p *Pipeline) { p.cfg = cfg.withDefaults() }
}

// WithEndpoint sets the collection endpoint URL.
func WithEndpoint(url string) Option {
	return func(p *Pipeline) { p.cfg.Endpoint = url }
}

// WithStore sets the durable queue mirror.
func WithStore(store Store) Option {
	return func(p *Pipeline) {
		if store != nil {
			p.store = store
		}
	}
}

// WithClock injects a clock for deterministic testing.
func WithClock(clock Clock) Option {
	return func(p *Pipeline) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithLogger sets the logger for local diagnostics. Nothing from the
// pipeline is ever surfaced to users; this is the operator-visibility path.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.log = logger
		}
	}
}

// WithHTTPClient sets the client used for chunk transmission.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Pipeline) { p.httpClient = client }
}

// WithRetryPolicy overrides the transmission backoff policy. It takes
// precedence over the config's RetryBaseDelay and MaxRetries fields.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(p *Pipeline) {
		p.retryPolicy = policy
		p.retryPolicySet = true
	}
}

// WithDropPolicy overrides the drop-before-classification allow-list.
func WithDropPolicy(policy DropPolicy) Option {
	return func(p *Pipeline) { p.dropPolicy = policy }
}

// Pipeline is the error telemetry service object. All mutable state (queue,
// registry, breaker, timers) is owned exclusively by the instance; external
// code interacts only through the capture API.
type Pipeline struct {
	cfg            Config
	log            *slog.Logger
	clock          Clock
	store          Store
	sender         sender
	httpClient     *http.Client
	retryPolicy    RetryPolicy
	retryPolicySet bool
	dropPolicy     DropPolicy

	sessionID string
	env       EnvInfo

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	queue          []ErrorEvent
	pending        map[string]int // fingerprints queued or in flight
	registry       *Registry
	breaker        *Breaker
	flushTimer     Timer
	retryTimer     Timer
	failedAttempts int
	enabled        bool
	closed         bool
	userID         string
	route          string
	restores       []func()
	hookedSockets  map[string]struct{}
}

// New constructs a pipeline, restores any persisted queue from the store,
// and schedules a flush for restored events.
func New(opts ...Option) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pipeline{
		cfg:           DefaultConfig(),
		log:           slog.Default(),
		clock:         systemClock{},
		store:         noopStoreInternal{},
		retryPolicy:   DefaultRetryPolicy(),
		dropPolicy:    DefaultDropPolicy(),
		sessionID:     uuid.NewString(),
		env:           CaptureEnvInfo(),
		pending:       make(map[string]int),
		hookedSockets: make(map[string]struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}

	for _, opt := range opts {
		opt(p)
	}

	p.cfg = p.cfg.withDefaults()
	if !p.retryPolicySet {
		p.retryPolicy.BaseDelay = p.cfg.RetryBaseDelay
		p.retryPolicy.MaxAttempts = p.cfg.MaxRetries
	}
	p.registry = NewRegistry(p.cfg.DedupTTL)
	p.breaker = NewBreaker(p.cfg.BreakerThreshold, p.cfg.BreakerCooldown)
	p.enabled = !p.cfg.Disabled

	if p.sender == nil {
		if p.cfg.Endpoint != "" {
			p.sender = newHTTPSender(p.cfg.Endpoint, p.httpClient, p.cfg.RequestTimeout)
		} else {
			p.log.Warn("errpipe: no collection endpoint configured, events will be discarded on flush")
			p.sender = noopSender{}
		}
	}

	p.restorePersisted()

	return p
}

// SessionID returns the identifier attached to every event from this
// pipeline instance. Distinct each process lifetime.
func (p *Pipeline) SessionID() string { return p.sessionID }

// SetEnabled is the global kill switch; when disabled all capture calls are
// no-ops.
func (p *Pipeline) SetEnabled(enabled bool) {
	p.mu.Lock()
	p.enabled = enabled
	p.mu.Unlock()
}

// IsEnabled reports whether capture is active.
func (p *Pipeline) IsEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled && !p.closed
}

// SetUserID attaches an identity to subsequent events. The identity is never
// part of the fingerprint.
func (p *Pipeline) SetUserID(id string) {
	p.mu.Lock()
	p.userID = id
	p.mu.Unlock()
}

// GetUserID returns the currently attached identity.
func (p *Pipeline) GetUserID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userID
}

// SetRoute records the application route attached to subsequent events.
func (p *Pipeline) SetRoute(route string) {
	p.mu.Lock()
	p.route = route
	p.mu.Unlock()
}

// capture is the common admission path for every hook and capture call.
// It completes the event, fingerprints it, deduplicates, and enqueues.
// Internal failures are swallowed: the pipeline never re-throws into the
// application it is monitoring.
func (p *Pipeline) capture(e ErrorEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Debug("errpipe: capture path failure", "panic", r)
		}
	}()

	if p.dropPolicy.DropMessage(e.Message) {
		eventsDropped.WithLabelValues(dropReasonPolicy).Inc()
		p.log.Debug("errpipe: dropped benign event", "message", e.Message)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || !p.enabled {
		eventsDropped.WithLabelValues(dropReasonDisabled).Inc()
		return
	}

	if e.Severity == "" {
		e.Severity = SeverityError
	}
	if e.Component == "" {
		e.Component = "unknown"
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = p.clock.Now()
	}
	e.Context.SessionID = p.sessionID
	if e.Context.UserID == "" {
		e.Context.UserID = p.userID
	}
	if e.Context.Route == "" {
		e.Context.Route = p.route
	}
	e.EnvInfo = p.env
	if e.Fingerprint == "" {
		e.Fingerprint = Fingerprint(e.Message, e.Component, e.StackTrace)
	}

	now := p.clock.Now()
	if !p.registry.Admitted(e.Fingerprint, now) || p.pending[e.Fingerprint] > 0 {
		eventsDeduplicated.Inc()
		return
	}

	p.queue = append(p.queue, e)
	p.pending[e.Fingerprint]++
	queueDepth.Set(float64(len(p.queue)))
	eventsCaptured.WithLabelValues(string(e.Severity)).Inc()

	if len(p.queue) >= p.cfg.BatchSize {
		p.flushLocked()
	} else {
		p.scheduleFlushLocked()
	}
}

// Flush sends the pending queue now. A no-op when the queue is empty or,
// silently, while the circuit breaker is open.
func (p *Pipeline) Flush() {
	p.mu.Lock()
	p.flushLocked()
	p.mu.Unlock()
}

// scheduleFlushLocked debounces bursts into one round-trip. A single idle
// timer is outstanding at most; a pending retry timer owns the next flush.
func (p *Pipeline) scheduleFlushLocked() {
	if p.flushTimer != nil || p.retryTimer != nil || p.closed {
		return
	}
	p.flushTimer = p.clock.AfterFunc(p.cfg.FlushDelay, func() {
		p.mu.Lock()
		p.flushTimer = nil
		p.flushLocked()
		p.mu.Unlock()
	})
}

// flushLocked swaps the queue out before the asynchronous send begins, so
// events captured during a send land in a fresh queue rather than being lost
// or duplicated.
func (p *Pipeline) flushLocked() {
	if p.flushTimer != nil {
		p.flushTimer.Stop()
		p.flushTimer = nil
	}
	if len(p.queue) == 0 || p.closed {
		return
	}
	if p.breaker.Open(p.clock.Now()) {
		p.purgeLocked()
		return
	}

	batch := p.queue
	p.queue = nil
	queueDepth.Set(0)

	p.wg.Add(1)
	go p.transmit(batch)
}

// transmit sanitizes, chunks, and sends one batch. Each chunk is an
// independent request; a failing chunk does not stop the rest.
func (p *Pipeline) transmit(batch []ErrorEvent) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.log.Debug("errpipe: transmit failure", "panic", r)
		}
	}()

	sanitized := make([]ErrorEvent, len(batch))
	for i, e := range batch {
		sanitized[i] = sanitizeEvent(e)
	}

	var sentFPs []string
	allOK := true
	sawOverload := false
	sawTransportErr := false

	for _, chunk := range chunkEvents(sanitized, p.cfg.ChunkSize) {
		err := p.sender.send(p.ctx, chunk)
		if err == nil {
			chunksSent.WithLabelValues("ok").Inc()
			for _, e := range chunk {
				sentFPs = append(sentFPs, e.Fingerprint)
			}
			continue
		}

		allOK = false
		if se := asSendError(err); se != nil {
			if se.Overload() {
				sawOverload = true
				chunksSent.WithLabelValues("overload").Inc()
			} else {
				chunksSent.WithLabelValues("rejected").Inc()
				p.log.Warn("errpipe: collector rejected chunk",
					"status", se.Status, "events", len(chunk))
			}
		} else {
			sawTransportErr = true
			chunksSent.WithLabelValues("network_error").Inc()
			p.log.Warn("errpipe: chunk send failed", "error", err)
		}
	}

	p.finishBatch(batch, sentFPs, allOK, sawOverload, sawTransportErr)
}

// finishBatch classifies the aggregate outcome of a batch send.
func (p *Pipeline) finishBatch(batch []ErrorEvent, sentFPs []string, allOK, sawOverload, sawTransportErr bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()

	switch {
	case allOK:
		for _, fp := range sentFPs {
			p.registry.MarkSent(fp, now)
			p.releasePending(fp)
		}
		p.failedAttempts = 0
		p.breaker.RecordSuccess()
		p.clearStoreLocked()

	case sawOverload:
		if p.breaker.RecordOverload(now) {
			breakerOpens.Inc()
			p.log.Warn("errpipe: circuit breaker open, dropping pending telemetry",
				"cooldown", p.cfg.BreakerCooldown)
			p.dropBatchLocked(batch, dropReasonBreaker)
			p.purgeLocked()
		} else {
			p.requeueLocked(batch)
		}

	case sawTransportErr:
		p.requeueLocked(batch)

	default:
		// Some chunks landed, the rest were rejected outright. Rejected
		// events are logged above and dropped; they are not retried.
		sent := make(map[string]struct{}, len(sentFPs))
		for _, fp := range sentFPs {
			sent[fp] = struct{}{}
			p.registry.MarkSent(fp, now)
			p.releasePending(fp)
		}
		for _, e := range batch {
			if _, ok := sent[e.Fingerprint]; !ok {
				p.releasePending(e.Fingerprint)
				eventsDropped.WithLabelValues(dropReasonFailed).Inc()
			}
		}
		p.failedAttempts = 0
		p.breaker.RecordSuccess()
	}
}

// requeueLocked puts a failed batch back at the front of the pending queue,
// persists the queue, and schedules a backoff retry - unless the retry
// budget for this batch is exhausted, in which case the batch is dropped.
func (p *Pipeline) requeueLocked(batch []ErrorEvent) {
	p.failedAttempts++
	if p.retryPolicy.Exhausted(p.failedAttempts) {
		p.log.Warn("errpipe: retry budget exhausted, dropping batch",
			"events", len(batch), "attempts", p.failedAttempts)
		p.dropBatchLocked(batch, dropReasonRetry)
		p.failedAttempts = 0
		p.persistLocked()
		return
	}

	p.queue = append(batch, p.queue...)
	queueDepth.Set(float64(len(p.queue)))
	p.persistLocked()
	p.scheduleRetryLocked()
}

// scheduleRetryLocked arms the single retry timer. Two independent retry
// timers must never chase the same re-queued batch.
func (p *Pipeline) scheduleRetryLocked() {
	if p.retryTimer != nil || p.closed {
		return
	}
	delay := p.retryPolicy.Delay(p.failedAttempts)
	batchRetries.Inc()
	p.retryTimer = p.clock.AfterFunc(delay, func() {
		p.mu.Lock()
		p.retryTimer = nil
		p.flushLocked()
		p.mu.Unlock()
	})
}

// purgeLocked drops the whole pending queue and the durable mirror. Called
// when the breaker opens (or a flush runs while it is open): a deliberate
// data-loss tradeoff that protects the collector during an overload episode.
func (p *Pipeline) purgeLocked() {
	for _, e := range p.queue {
		p.releasePending(e.Fingerprint)
		eventsDropped.WithLabelValues(dropReasonBreaker).Inc()
	}
	p.queue = nil
	queueDepth.Set(0)
	if p.retryTimer != nil {
		p.retryTimer.Stop()
		p.retryTimer = nil
	}
	p.failedAttempts = 0
	p.clearStoreLocked()
}

func (p *Pipeline) dropBatchLocked(batch []ErrorEvent, reason string) {
	for _, e := range batch {
		p.releasePending(e.Fingerprint)
		eventsDropped.WithLabelValues(reason).Inc()
	}
}

func (p *Pipeline) releasePending(fingerprint string) {
	if n := p.pending[fingerprint]; n > 1 {
		p.pending[fingerprint] = n - 1
	} else {
		delete(p.pending, fingerprint)
	}
}

// persistLocked mirrors the pending queue to the durable slot. Best-effort:
// any store failure is logged locally and ignored.
func (p *Pipeline) persistLocked() {
	data, err := json.Marshal(p.queue)
	if err != nil {
		p.log.Debug("errpipe: encode queue mirror", "error", err)
		return
	}
	if err := p.store.Write(data); err != nil {
		p.log.Debug("errpipe: write queue mirror", "error", err)
	}
}

func (p *Pipeline) clearStoreLocked() {
	if err := p.store.Clear(); err != nil {
		p.log.Debug("errpipe: clear queue mirror", "error", err)
	}
}

// restorePersisted recovers the pending queue a previous process left in the
// durable slot, clears the slot, and schedules a flush.
func (p *Pipeline) restorePersisted() {
	data, err := p.store.Read()
	if err != nil || len(data) == 0 {
		return
	}

	var restored []ErrorEvent
	if err := json.Unmarshal(data, &restored); err != nil {
		p.log.Debug("errpipe: decode queue mirror", "error", err)
		p.clearStoreLocked()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range restored {
		if e.Fingerprint == "" {
			continue
		}
		p.queue = append(p.queue, e)
		p.pending[e.Fingerprint]++
	}
	queueDepth.Set(float64(len(p.queue)))
	p.clearStoreLocked()
	if len(p.queue) > 0 {
		p.scheduleFlushLocked()
	}
}

// trackRestore records a hook restore function for teardown.
func (p *Pipeline) trackRestore(restore func()) {
	p.mu.Lock()
	p.restores = append(p.restores, restore)
	p.mu.Unlock()
}

// Close tears the pipeline down: timers are cancelled, every capture hook is
// detached (restoring prior handlers), and whatever remains in the queue is
// flushed synchronously on a best-effort basis.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.flushTimer != nil {
		p.flushTimer.Stop()
		p.flushTimer = nil
	}
	if p.retryTimer != nil {
		p.retryTimer.Stop()
		p.retryTimer = nil
	}
	restores := p.restores
	p.restores = nil
	p.mu.Unlock()

	for i := len(restores) - 1; i >= 0; i-- {
		restores[i]()
	}

	// Let in-flight sends settle; their failure paths may re-queue events
	// that the final flush below picks up.
	p.wg.Wait()

	p.mu.Lock()
	batch := p.queue
	p.queue = nil
	queueDepth.Set(0)
	open := p.breaker.Open(p.clock.Now())
	p.mu.Unlock()

	if len(batch) > 0 && !open {
		sanitized := make([]ErrorEvent, len(batch))
		for i, e := range batch {
			sanitized[i] = sanitizeEvent(e)
		}
		var unsent []ErrorEvent
		for _, chunk := range chunkEvents(sanitized, p.cfg.ChunkSize) {
			if err := p.sender.send(p.ctx, chunk); err != nil {
				p.log.Debug("errpipe: final flush chunk failed", "error", err)
				unsent = append(unsent, chunk...)
			}
		}
		// The mirror must end up reflecting exactly what is still unsent,
		// or the next process would re-send acknowledged events.
		if len(unsent) == 0 {
			if err := p.store.Clear(); err != nil {
				p.log.Debug("errpipe: clear queue mirror", "error", err)
			}
		} else if data, err := json.Marshal(unsent); err == nil {
			if err := p.store.Write(data); err != nil {
				p.log.Debug("errpipe: write queue mirror", "error", err)
			}
		}
	}

	p.cancel()
	return nil
}

// asSendError unwraps a SendError if the chain contains one.
func asSendError(err error) *SendError {
	var se *SendError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// noopSender discards batches when no endpoint is configured.
type noopSender struct{}

func (noopSender) send(ctx context.Context, events []ErrorEvent) error { return nil }

// Process-wide convenience accessor. Never required: every capture entry
// point works against an explicitly constructed Pipeline.
var (
	defaultMu       sync.RWMutex
	defaultPipeline *Pipeline
)

// SetDefault installs the process-wide pipeline returned by Default.
func SetDefault(p *Pipeline) {
	defaultMu.Lock()
	defaultPipeline = p
	defaultMu.Unlock()
}

// Default returns the process-wide pipeline, or nil when none is installed.
func Default() *Pipeline {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultPipeline
}
