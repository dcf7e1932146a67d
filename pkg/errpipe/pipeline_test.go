package errpipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"testing"
	"time"
)

// fakeSender records every chunk and answers per the respond callback.
type fakeSender struct {
	mu      sync.Mutex
	chunks  [][]ErrorEvent
	respond func(attempt int, chunk []ErrorEvent) error
}

func (s *fakeSender) send(ctx context.Context, events []ErrorEvent) error {
	s.mu.Lock()
	chunk := make([]ErrorEvent, len(events))
	copy(chunk, events)
	s.chunks = append(s.chunks, chunk)
	attempt := len(s.chunks)
	respond := s.respond
	s.mu.Unlock()

	if respond != nil {
		return respond(attempt, chunk)
	}
	return nil
}

func (s *fakeSender) getChunks() [][]ErrorEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([][]ErrorEvent, len(s.chunks))
	copy(result, s.chunks)
	return result
}

// fakeClock is a manually advanced clock. Timers fire during advance, after
// the clock lock is released, so timer callbacks may re-enter the clock.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	mu       sync.Mutex
	deadline time.Time
	fn       func()
	stopped  bool
	fired    bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{deadline: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due, rest []*fakeTimer
	for _, t := range c.timers {
		if !t.deadline.After(c.now) {
			due = append(due, t)
		} else {
			rest = append(rest, t)
		}
	}
	c.timers = rest
	c.mu.Unlock()

	for _, t := range due {
		t.fire()
	}
}

func (c *fakeClock) pendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	live := 0
	for _, t := range c.timers {
		t.mu.Lock()
		if !t.stopped && !t.fired {
			live++
		}
		t.mu.Unlock()
	}
	return live
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (t *fakeTimer) fire() {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	fn := t.fn
	t.mu.Unlock()
	fn()
}

// fakeStore is an in-memory slot that tracks writes and clears.
type fakeStore struct {
	mu     sync.Mutex
	data   []byte
	writes int
	clears int
}

func (s *fakeStore) Read() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, nil
	}
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out, nil
}

func (s *fakeStore) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make([]byte, len(data))
	copy(s.data, data)
	s.writes++
	return nil
}

func (s *fakeStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	s.clears++
	return nil
}

func (s *fakeStore) getData() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil
	}
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(t *testing.T, cfg Config, opts ...Option) (*Pipeline, *fakeSender, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	sender := &fakeSender{}
	all := append([]Option{WithConfig(cfg), WithClock(clock), WithLogger(discardLogger())}, opts...)
	p := New(all...)
	p.sender = sender
	t.Cleanup(func() { p.Close() })
	return p, sender, clock
}

func captureDistinct(p *Pipeline, n int) {
	for i := 0; i < n; i++ {
		p.CaptureError(fmt.Errorf("failure %d", i), Capture{Component: "test"})
	}
}

func TestPipeline_Capture_CompletesEvent(t *testing.T) {
	p, sender, clock := newTestPipeline(t, Config{BatchSize: 1})
	p.SetUserID("user-7")
	p.SetRoute("/checkout")

	p.CaptureError(errors.New("payment declined"), Capture{Component: "billing"})
	p.wg.Wait()

	chunks := sender.getChunks()
	if len(chunks) != 1 || len(chunks[0]) != 1 {
		t.Fatalf("expected 1 chunk with 1 event, got %v", chunks)
	}

	e := chunks[0][0]
	if e.Message != "payment declined" {
		t.Errorf("Message = %q", e.Message)
	}
	if e.Component != "billing" {
		t.Errorf("Component = %q", e.Component)
	}
	if e.Severity != SeverityError {
		t.Errorf("Severity = %q, want default error", e.Severity)
	}
	if len(e.Fingerprint) != 16 {
		t.Errorf("Fingerprint = %q, want 16 hex chars", e.Fingerprint)
	}
	if e.Context.SessionID != p.SessionID() {
		t.Errorf("SessionID = %q, want %q", e.Context.SessionID, p.SessionID())
	}
	if e.Context.UserID != "user-7" {
		t.Errorf("UserID = %q", e.Context.UserID)
	}
	if e.Context.Route != "/checkout" {
		t.Errorf("Route = %q", e.Context.Route)
	}
	if !e.Timestamp.Equal(clock.Now()) {
		t.Errorf("Timestamp = %v, want %v", e.Timestamp, clock.Now())
	}
	if e.EnvInfo.GoVersion != runtime.Version() {
		t.Errorf("EnvInfo.GoVersion = %q", e.EnvInfo.GoVersion)
	}
}

func TestPipeline_BatchThresholdTriggersFlush(t *testing.T) {
	p, sender, _ := newTestPipeline(t, Config{BatchSize: 3})

	captureDistinct(p, 2)
	if got := sender.getChunks(); len(got) != 0 {
		t.Fatalf("expected no send below threshold, got %d chunks", len(got))
	}

	p.CaptureError(errors.New("third failure"), Capture{Component: "test"})
	p.wg.Wait()

	chunks := sender.getChunks()
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if len(chunks[0]) != 3 {
		t.Errorf("chunk size = %d, want 3", len(chunks[0]))
	}
}

func TestPipeline_IdleFlushAfterDelay(t *testing.T) {
	p, sender, clock := newTestPipeline(t, Config{BatchSize: 10, FlushDelay: 5 * time.Second})

	captureDistinct(p, 1)
	if got := sender.getChunks(); len(got) != 0 {
		t.Fatalf("expected no immediate send, got %d chunks", len(got))
	}

	clock.advance(4 * time.Second)
	if got := sender.getChunks(); len(got) != 0 {
		t.Fatalf("flush fired early, got %d chunks", len(got))
	}

	clock.advance(time.Second)
	p.wg.Wait()

	chunks := sender.getChunks()
	if len(chunks) != 1 || len(chunks[0]) != 1 {
		t.Fatalf("expected 1 chunk with 1 event after idle delay, got %v", chunks)
	}
}

func TestPipeline_QueuedRepeatIsDeduplicated(t *testing.T) {
	p, sender, _ := newTestPipeline(t, Config{BatchSize: 10})

	p.CaptureError(errors.New("connection reset"), Capture{Component: "api"})
	p.CaptureError(errors.New("connection reset"), Capture{Component: "api"})
	p.Flush()
	p.wg.Wait()

	chunks := sender.getChunks()
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if len(chunks[0]) != 1 {
		t.Errorf("chunk size = %d, want 1 after dedup", len(chunks[0]))
	}
}

func TestPipeline_SentRepeatSuppressedUntilTTL(t *testing.T) {
	p, sender, clock := newTestPipeline(t, Config{BatchSize: 1, DedupTTL: 24 * time.Hour})

	p.CaptureError(errors.New("disk full"), Capture{Component: "storage"})
	p.wg.Wait()
	if got := sender.getChunks(); len(got) != 1 {
		t.Fatalf("expected first send, got %d chunks", len(got))
	}

	p.CaptureError(errors.New("disk full"), Capture{Component: "storage"})
	p.Flush()
	p.wg.Wait()
	if got := sender.getChunks(); len(got) != 1 {
		t.Fatalf("repeat within TTL was sent, got %d chunks", len(got))
	}

	clock.advance(25 * time.Hour)
	p.CaptureError(errors.New("disk full"), Capture{Component: "storage"})
	p.wg.Wait()

	if got := sender.getChunks(); len(got) != 2 {
		t.Fatalf("expected re-send after TTL expiry, got %d chunks", len(got))
	}
}

func TestPipeline_LargeBatchIsChunked(t *testing.T) {
	p, sender, _ := newTestPipeline(t, Config{BatchSize: 100, ChunkSize: 20})

	captureDistinct(p, 45)
	p.Flush()
	p.wg.Wait()

	chunks := sender.getChunks()
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, want := range []int{20, 20, 5} {
		if len(chunks[i]) != want {
			t.Errorf("chunk %d size = %d, want %d", i, len(chunks[i]), want)
		}
	}
}

func TestPipeline_RejectedChunkDoesNotAffectOthers(t *testing.T) {
	p, sender, _ := newTestPipeline(t, Config{BatchSize: 100, ChunkSize: 20})
	sender.respond = func(attempt int, chunk []ErrorEvent) error {
		if attempt == 2 {
			return &SendError{Status: 500}
		}
		return nil
	}

	captureDistinct(p, 45)
	p.Flush()
	p.wg.Wait()

	if got := sender.getChunks(); len(got) != 3 {
		t.Fatalf("expected all 3 chunks attempted, got %d", len(got))
	}

	// Events from the delivered chunks stay suppressed.
	sender.respond = nil
	p.CaptureError(errors.New("failure 0"), Capture{Component: "test"})
	p.Flush()
	p.wg.Wait()
	if got := sender.getChunks(); len(got) != 3 {
		t.Fatalf("delivered event was re-sent, got %d chunks", len(got))
	}

	// Events from the rejected chunk were never registered and may recur.
	p.CaptureError(errors.New("failure 25"), Capture{Component: "test"})
	p.Flush()
	p.wg.Wait()

	chunks := sender.getChunks()
	if len(chunks) != 4 {
		t.Fatalf("expected rejected event re-admitted, got %d chunks", len(chunks))
	}
	if len(chunks[3]) != 1 || chunks[3][0].Message != "failure 25" {
		t.Errorf("unexpected final chunk: %v", chunks[3])
	}
}

func TestPipeline_TransportFailureRetriesWithBackoff(t *testing.T) {
	p, sender, clock := newTestPipeline(t, Config{
		BatchSize:      1,
		RetryBaseDelay: time.Second,
		MaxRetries:     5,
	})
	sender.respond = func(attempt int, chunk []ErrorEvent) error {
		return errors.New("connection refused")
	}

	p.CaptureError(errors.New("unreachable"), Capture{Component: "test"})
	p.wg.Wait()
	if got := sender.getChunks(); len(got) != 1 {
		t.Fatalf("expected initial attempt, got %d", len(got))
	}

	// Backoff doubles per failed attempt: 1s, 2s, 4s, 8s.
	for i, delay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second} {
		clock.advance(delay)
		p.wg.Wait()
		if got := sender.getChunks(); len(got) != i+2 {
			t.Fatalf("after retry %d: %d attempts, want %d", i+1, len(got), i+2)
		}
	}

	// Five failures exhaust the budget; the batch is dropped, not retried.
	if got := clock.pendingTimers(); got != 0 {
		t.Errorf("pending timers after exhaustion = %d, want 0", got)
	}
	clock.advance(time.Hour)
	p.Flush()
	p.wg.Wait()
	if got := sender.getChunks(); len(got) != 5 {
		t.Errorf("attempts after exhaustion = %d, want 5", len(got))
	}
}

func TestPipeline_BreakerOpensAfterConsecutiveOverloads(t *testing.T) {
	p, sender, clock := newTestPipeline(t, Config{
		BatchSize:        1,
		BreakerThreshold: 3,
		BreakerCooldown:  5 * time.Minute,
		RetryBaseDelay:   time.Second,
	})
	sender.respond = func(attempt int, chunk []ErrorEvent) error {
		return &SendError{Status: 429}
	}

	p.CaptureError(errors.New("overloaded"), Capture{Component: "test"})
	p.wg.Wait()
	clock.advance(time.Second)
	p.wg.Wait()
	clock.advance(2 * time.Second)
	p.wg.Wait()

	if got := sender.getChunks(); len(got) != 3 {
		t.Fatalf("expected 3 overload responses, got %d", len(got))
	}

	// Breaker is open: new events are queued but a flush purges them.
	p.CaptureError(errors.New("while open"), Capture{Component: "test"})
	p.Flush()
	p.wg.Wait()
	if got := sender.getChunks(); len(got) != 3 {
		t.Fatalf("send attempted while breaker open, got %d chunks", len(got))
	}

	// Past the cooldown the breaker closes and transmission resumes.
	sender.respond = nil
	clock.advance(6 * time.Minute)
	p.CaptureError(errors.New("after cooldown"), Capture{Component: "test"})
	p.wg.Wait()

	chunks := sender.getChunks()
	if len(chunks) != 4 {
		t.Fatalf("expected send after cooldown, got %d chunks", len(chunks))
	}
	if chunks[3][0].Message != "after cooldown" {
		t.Errorf("unexpected event after cooldown: %q", chunks[3][0].Message)
	}
}

func TestPipeline_PurgedEventMayRecur(t *testing.T) {
	p, sender, clock := newTestPipeline(t, Config{
		BatchSize:        1,
		BreakerThreshold: 1,
		BreakerCooldown:  time.Minute,
	})
	sender.respond = func(attempt int, chunk []ErrorEvent) error {
		return &SendError{Status: 429}
	}

	p.CaptureError(errors.New("purged"), Capture{Component: "test"})
	p.wg.Wait()
	if got := sender.getChunks(); len(got) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(got))
	}

	// Never transmitted, so the same failure is admitted again after the
	// cooldown.
	sender.respond = nil
	clock.advance(2 * time.Minute)
	p.CaptureError(errors.New("purged"), Capture{Component: "test"})
	p.wg.Wait()

	if got := sender.getChunks(); len(got) != 2 {
		t.Fatalf("purged event was not re-admitted, got %d chunks", len(got))
	}
}

func TestPipeline_PersistsAndRestoresQueue(t *testing.T) {
	store := &fakeStore{}

	clock := newFakeClock()
	sender := &fakeSender{}
	sender.respond = func(attempt int, chunk []ErrorEvent) error {
		return errors.New("network down")
	}
	p := New(
		WithConfig(Config{BatchSize: 1}),
		WithClock(clock),
		WithStore(store),
		WithLogger(discardLogger()),
	)
	p.sender = sender

	p.CaptureError(errors.New("survives restart"), Capture{Component: "test"})
	p.wg.Wait()

	if store.getData() == nil {
		t.Fatal("queue was not mirrored to the store after a failed send")
	}
	p.Close()

	// A fresh pipeline over the same store recovers the batch and sends it.
	clock2 := newFakeClock()
	sender2 := &fakeSender{}
	p2 := New(
		WithConfig(Config{BatchSize: 10, FlushDelay: 5 * time.Second}),
		WithClock(clock2),
		WithStore(store),
		WithLogger(discardLogger()),
	)
	p2.sender = sender2
	t.Cleanup(func() { p2.Close() })

	if store.getData() != nil {
		t.Error("store slot should be cleared after restore")
	}

	clock2.advance(5 * time.Second)
	p2.wg.Wait()

	chunks := sender2.getChunks()
	if len(chunks) != 1 || len(chunks[0]) != 1 {
		t.Fatalf("expected restored batch sent, got %v", chunks)
	}
	if chunks[0][0].Message != "survives restart" {
		t.Errorf("restored message = %q", chunks[0][0].Message)
	}
}

func TestPipeline_BreakerPurgeClearsStore(t *testing.T) {
	store := &fakeStore{}
	p, sender, clock := newTestPipeline(t, Config{
		BatchSize:        1,
		BreakerThreshold: 2,
		RetryBaseDelay:   time.Second,
	}, WithStore(store))
	sender.respond = func(attempt int, chunk []ErrorEvent) error {
		return &SendError{Status: 429}
	}

	p.CaptureError(errors.New("mirrored"), Capture{Component: "test"})
	p.wg.Wait()
	if store.getData() == nil {
		t.Fatal("expected queue mirrored after first overload")
	}

	clock.advance(time.Second)
	p.wg.Wait()

	if store.getData() != nil {
		t.Error("store not cleared when the breaker opened")
	}
}

func TestPipeline_DisabledCaptureIsNoop(t *testing.T) {
	p, sender, _ := newTestPipeline(t, Config{BatchSize: 1})

	p.SetEnabled(false)
	if p.IsEnabled() {
		t.Error("IsEnabled = true after SetEnabled(false)")
	}

	p.CaptureError(errors.New("ignored"), Capture{Component: "test"})
	p.Flush()
	p.wg.Wait()
	if got := sender.getChunks(); len(got) != 0 {
		t.Fatalf("disabled pipeline sent %d chunks", len(got))
	}

	p.SetEnabled(true)
	p.CaptureError(errors.New("captured"), Capture{Component: "test"})
	p.wg.Wait()
	if got := sender.getChunks(); len(got) != 1 {
		t.Fatalf("re-enabled pipeline sent %d chunks, want 1", len(got))
	}
}

func TestPipeline_BenignMessageDropped(t *testing.T) {
	p, sender, _ := newTestPipeline(t, Config{BatchSize: 1})

	p.CaptureError(errors.New("Resource Not Found: /favicon.ico"), Capture{Component: "resource"})
	p.Flush()
	p.wg.Wait()

	if got := sender.getChunks(); len(got) != 0 {
		t.Fatalf("benign message was sent, got %d chunks", len(got))
	}
}

func TestPipeline_CloseFlushesRemainder(t *testing.T) {
	clock := newFakeClock()
	sender := &fakeSender{}
	p := New(
		WithConfig(Config{BatchSize: 10}),
		WithClock(clock),
		WithLogger(discardLogger()),
	)
	p.sender = sender

	captureDistinct(p, 4)
	if err := p.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	chunks := sender.getChunks()
	if len(chunks) != 1 || len(chunks[0]) != 4 {
		t.Fatalf("expected final flush of 4 events, got %v", chunks)
	}

	// Capture after close is a no-op.
	p.CaptureError(errors.New("too late"), Capture{Component: "test"})
	if got := sender.getChunks(); len(got) != 1 {
		t.Errorf("capture after Close sent %d chunks", len(got))
	}
}

func TestPipeline_CloseClearsMirrorAfterFinalFlush(t *testing.T) {
	store := &fakeStore{}
	clock := newFakeClock()
	sender := &fakeSender{}
	sender.respond = func(attempt int, chunk []ErrorEvent) error {
		if attempt == 1 {
			return errors.New("network down")
		}
		return nil
	}
	p := New(
		WithConfig(Config{BatchSize: 1}),
		WithClock(clock),
		WithStore(store),
		WithLogger(discardLogger()),
	)
	p.sender = sender

	p.CaptureError(errors.New("acked at close"), Capture{Component: "test"})
	p.wg.Wait()
	if store.getData() == nil {
		t.Fatal("mirror not written after the failed send")
	}

	// The collector recovers before shutdown, so the final flush lands.
	if err := p.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if got := len(sender.getChunks()); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
	if store.getData() != nil {
		t.Fatal("mirror not cleared after the acknowledged final flush")
	}

	// A fresh pipeline over the same store has nothing to re-send.
	clock2 := newFakeClock()
	sender2 := &fakeSender{}
	p2 := New(
		WithConfig(Config{BatchSize: 10, FlushDelay: 5 * time.Second}),
		WithClock(clock2),
		WithStore(store),
		WithLogger(discardLogger()),
	)
	p2.sender = sender2
	t.Cleanup(func() { p2.Close() })

	clock2.advance(5 * time.Second)
	p2.wg.Wait()
	if got := sender2.getChunks(); len(got) != 0 {
		t.Fatalf("acknowledged event re-sent after restart: %v", got)
	}
}

func TestPipeline_CloseKeepsMirrorWhenFinalFlushFails(t *testing.T) {
	store := &fakeStore{}
	clock := newFakeClock()
	sender := &fakeSender{}
	sender.respond = func(attempt int, chunk []ErrorEvent) error {
		return errors.New("network down")
	}
	p := New(
		WithConfig(Config{BatchSize: 1}),
		WithClock(clock),
		WithStore(store),
		WithLogger(discardLogger()),
	)
	p.sender = sender

	p.CaptureError(errors.New("never acked"), Capture{Component: "test"})
	p.wg.Wait()
	p.Close()

	data := store.getData()
	if data == nil {
		t.Fatal("mirror lost the batch the final flush could not deliver")
	}
	var restored []ErrorEvent
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("mirror contents not decodable: %v", err)
	}
	if len(restored) != 1 || restored[0].Message != "never acked" {
		t.Fatalf("mirror = %v, want the undelivered event", restored)
	}
}

func TestPipeline_WithRetryPolicyOverridesConfig(t *testing.T) {
	clock := newFakeClock()
	sender := &fakeSender{}
	sender.respond = func(attempt int, chunk []ErrorEvent) error {
		return errors.New("connection refused")
	}
	p := New(
		WithConfig(Config{BatchSize: 1}),
		WithClock(clock),
		WithLogger(discardLogger()),
		WithRetryPolicy(RetryPolicy{
			BaseDelay:   100 * time.Millisecond,
			Multiplier:  2,
			MaxAttempts: 2,
		}),
	)
	p.sender = sender
	t.Cleanup(func() { p.Close() })

	if p.retryPolicy.BaseDelay != 100*time.Millisecond || p.retryPolicy.MaxAttempts != 2 {
		t.Fatalf("retry policy overwritten by config defaults: %+v", p.retryPolicy)
	}

	p.CaptureError(errors.New("unreachable"), Capture{Component: "test"})
	p.wg.Wait()
	if got := len(sender.getChunks()); got != 1 {
		t.Fatalf("expected initial attempt, got %d", got)
	}

	// The retry fires at the policy's base delay, not the 1s config default.
	clock.advance(100 * time.Millisecond)
	p.wg.Wait()
	if got := len(sender.getChunks()); got != 2 {
		t.Fatalf("attempts after base delay = %d, want 2", got)
	}

	// Two attempts exhaust the policy; nothing further is scheduled.
	if got := clock.pendingTimers(); got != 0 {
		t.Errorf("pending timers after exhaustion = %d, want 0", got)
	}
	clock.advance(time.Hour)
	p.Flush()
	p.wg.Wait()
	if got := len(sender.getChunks()); got != 2 {
		t.Errorf("attempts after exhaustion = %d, want 2", got)
	}
}

func TestPipeline_DefaultAccessor(t *testing.T) {
	prev := Default()
	defer SetDefault(prev)

	p, _, _ := newTestPipeline(t, Config{})
	SetDefault(p)
	if Default() != p {
		t.Error("Default did not return the installed pipeline")
	}

	SetDefault(nil)
	if Default() != nil {
		t.Error("Default should be nil after SetDefault(nil)")
	}
}
