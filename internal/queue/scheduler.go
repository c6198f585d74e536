// Package queue implements the prompt scheduler: priority ordering, bounded
// concurrency, token-bucket admission, retries with backoff, cancellation,
// pause/resume, and per-item completion signalling.
package queue

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/EPS-AI-SOLUTIONS/hydra/internal/errs"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/tracing"
)

// Handler turns a dequeued item into a response. It is where the cache,
// speculative executor, and backend composition is invoked.
type Handler func(ctx context.Context, prompt, model string, metadata map[string]interface{}) (string, error)

// Config holds the scheduler parameters.
type Config struct {
	MaxConcurrent   int
	MaxRetries      int
	ItemTimeout     time.Duration
	RetryBase       time.Duration
	RetryMax        time.Duration
	RetryJitter     float64
	BucketCapacity  int
	BucketRefill    float64 // tokens per second
	StatusListLimit int
}

// Scheduler admits, orders, paces, retries, and completes queued prompts.
// The control plane (admission, state transitions, cancellation) never
// blocks on handler execution; handlers run in their own goroutines bounded
// by MaxConcurrent.
type Scheduler struct {
	cfg    Config
	logger zerolog.Logger

	mu          sync.Mutex
	handler     Handler
	queues      [numPriorities][]*item
	items       map[int64]*item
	nextID      int64
	active      int
	paused      bool
	down        bool
	bucketTimer *time.Timer

	bucket *tokenBucket
	wake   chan struct{}

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	events eventBus
	window latencyWindow

	startTime      time.Time
	retries        int64
	completedCount int64
	failuresByKind map[string]int64
}

// New creates a Scheduler and starts its admission loop. The handler may be
// set later with SetHandler; items admitted without one fail.
func New(cfg Config, logger zerolog.Logger) *Scheduler {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 60 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 30 * time.Second
	}
	if cfg.RetryJitter < 0 || cfg.RetryJitter >= 1 {
		cfg.RetryJitter = 0.2
	}
	if cfg.BucketCapacity < 1 {
		cfg.BucketCapacity = 10
	}
	if cfg.BucketRefill <= 0 {
		cfg.BucketRefill = 2.0
	}
	if cfg.StatusListLimit < 1 {
		cfg.StatusListLimit = 25
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:            cfg,
		logger:         logger,
		items:          make(map[int64]*item),
		bucket:         newTokenBucket(cfg.BucketCapacity, cfg.BucketRefill),
		wake:           make(chan struct{}, 1),
		baseCtx:        ctx,
		baseCancel:     cancel,
		startTime:      time.Now(),
		failuresByKind: make(map[string]int64),
	}

	go s.dispatch()
	return s
}

// SetHandler installs the function that executes dequeued items.
func (s *Scheduler) SetHandler(fn Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
}

// Subscribe registers a callback for scheduler lifecycle events.
func (s *Scheduler) Subscribe(fn func(Event)) {
	s.events.subscribe(fn)
}

// signal nudges the admission loop without blocking.
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Enqueue admits a new item and returns its id.
func (s *Scheduler) Enqueue(req Request) (int64, error) {
	if req.Prompt == "" {
		return 0, errs.Validation("prompt must not be empty")
	}
	if req.Priority < PriorityUrgent || req.Priority > PriorityBackground {
		return 0, errs.Validation("priority out of range: %d", req.Priority)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.ItemTimeout
	}

	s.mu.Lock()
	if s.down {
		s.mu.Unlock()
		return 0, errs.New(errs.KindShutdown, "scheduler is shut down")
	}
	s.nextID++
	it := &item{
		id:         s.nextID,
		prompt:     req.Prompt,
		model:      req.Model,
		priority:   req.Priority,
		metadata:   req.Metadata,
		timeout:    timeout,
		status:     StatusQueued,
		enqueuedAt: time.Now(),
		done:       make(chan struct{}),
	}
	s.items[it.id] = it
	s.queues[it.priority] = append(s.queues[it.priority], it)
	s.mu.Unlock()

	s.signal()
	return it.id, nil
}

// EnqueueBatch admits several items in order and returns their ids.
// Admission stops at the first invalid item.
func (s *Scheduler) EnqueueBatch(reqs []Request) ([]int64, error) {
	ids := make([]int64, 0, len(reqs))
	for _, req := range reqs {
		id, err := s.Enqueue(req)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// dispatch is the admission loop. It wakes on enqueue, slot release, token
// refill, and resume, and never blocks on handler execution.
func (s *Scheduler) dispatch() {
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-s.wake:
		}
		s.admit()
	}
}

// admit starts eligible items while slots, tokens, and ordering allow.
func (s *Scheduler) admit() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.paused && !s.down && s.active < s.cfg.MaxConcurrent {
		it := s.peekLocked()
		if it == nil {
			return
		}

		ok, wait := s.bucket.tryTake()
		if !ok {
			// Empty bucket: arrange a wake at the next whole token instead
			// of polling. Rate-limit waits do not consume item timeouts
			// because the attempt context is created after the take.
			if s.bucketTimer != nil {
				s.bucketTimer.Stop()
			}
			s.bucketTimer = time.AfterFunc(wait, s.signal)
			return
		}

		s.popLocked(it)
		it.status = StatusRunning
		it.attempts++
		if it.startedAt.IsZero() {
			it.startedAt = time.Now()
		}

		attemptCtx, cancel := context.WithTimeout(s.baseCtx, it.timeout)
		it.cancelAttempt = cancel
		s.active++

		handler := s.handler
		s.wg.Add(1)
		go s.runAttempt(attemptCtx, cancel, it, it.attempts, handler)
	}
}

// peekLocked returns the next eligible QUEUED item without removing it,
// discarding cancelled entries encountered at the heads. Caller holds mu.
func (s *Scheduler) peekLocked() *item {
	for p := 0; p < numPriorities; p++ {
		q := s.queues[p]
		for len(q) > 0 {
			head := q[0]
			if head.status == StatusQueued {
				s.queues[p] = q
				return head
			}
			// Cancelled while queued: drop lazily.
			q = q[1:]
		}
		s.queues[p] = q
	}
	return nil
}

// popLocked removes the item from the head of its priority queue.
// Caller holds mu and has verified it is the head.
func (s *Scheduler) popLocked(it *item) {
	q := s.queues[it.priority]
	if len(q) > 0 && q[0] == it {
		s.queues[it.priority] = q[1:]
	}
}

// runAttempt executes the handler for one attempt and finalizes the item.
func (s *Scheduler) runAttempt(ctx context.Context, cancel context.CancelFunc, it *item, attempt int, handler Handler) {
	defer s.wg.Done()
	defer cancel()

	ctx, span := tracing.StartQueueItemSpan(ctx, it.id, attempt)
	defer span.End()

	start := time.Now()
	var response string
	var err error
	if handler == nil {
		err = errs.New(errs.KindInternal, "no handler configured")
	} else {
		response, err = handler(ctx, it.prompt, it.model, it.metadata)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		// Handlers may surface a bare context error; normalize it so the
		// retry decision sees the taxonomy.
		var taxonomy *errs.Error
		if !errors.As(err, &taxonomy) {
			if ctx.Err() != nil {
				err = errs.FromContext(ctx.Err())
			}
		}
	}

	s.finalize(it, response, err, time.Since(start))
}

// finalize applies the handler outcome to the item state machine.
func (s *Scheduler) finalize(it *item, response string, err error, elapsed time.Duration) {
	var ev *Event

	s.mu.Lock()
	s.active--

	if it.status != StatusRunning {
		// Cancel won the race and already finalized the item.
		s.mu.Unlock()
		s.signal()
		return
	}

	now := time.Now()
	switch {
	case err == nil:
		it.status = StatusCompleted
		it.response = response
		it.err = nil // clear any error from earlier attempts
		it.completedAt = now
		s.completedCount++
		s.window.observe(elapsed)
		close(it.done)
		ev = &Event{Type: EventCompleted, Item: it.snapshot()}

	case errs.KindOf(err) == errs.KindCancelled:
		it.status = StatusCancelled
		it.err = err
		it.completedAt = now
		close(it.done)
		ev = &Event{Type: EventCancelled, Item: it.snapshot()}

	case errs.Retryable(err) && it.attempts < s.cfg.MaxRetries && !s.down:
		delay := s.retryDelay(it.attempts, err)
		it.status = StatusQueued
		it.err = err
		s.retries++
		it.retryTimer = time.AfterFunc(delay, func() { s.requeue(it) })
		ev = &Event{Type: EventRetrying, Item: it.snapshot(), RetryDelay: delay}
		s.logger.Debug().
			Int64("id", it.id).
			Int("attempt", it.attempts).
			Dur("delay", delay).
			Str("error", err.Error()).
			Msg("scheduling retry")

	default:
		it.status = StatusFailed
		it.err = err
		it.completedAt = now
		s.failuresByKind[string(errs.KindOf(err))]++
		s.window.observe(elapsed)
		close(it.done)
		ev = &Event{Type: EventFailed, Item: it.snapshot()}
	}
	s.mu.Unlock()

	s.signal()
	if ev != nil {
		s.events.publish(*ev)
	}
}

// retryDelay computes the backoff for the next attempt: exponential growth
// clamped to the ceiling, overridden by a Retry-After hint when present, and
// spread by symmetric jitter.
func (s *Scheduler) retryDelay(attempt int, err error) time.Duration {
	var delay time.Duration
	if hint, ok := errs.RetryAfterOf(err); ok {
		delay = hint
	} else {
		delay = time.Duration(float64(s.cfg.RetryBase) * math.Pow(2, float64(attempt-1)))
	}
	if delay > s.cfg.RetryMax {
		delay = s.cfg.RetryMax
	}
	if s.cfg.RetryJitter > 0 {
		factor := 1 + (rand.Float64()*2-1)*s.cfg.RetryJitter
		delay = time.Duration(float64(delay) * factor)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// requeue returns a delayed retry to its priority queue.
func (s *Scheduler) requeue(it *item) {
	s.mu.Lock()
	if s.down || it.status != StatusQueued {
		// Cancelled (or shut down) during the delay.
		s.mu.Unlock()
		return
	}
	it.retryTimer = nil
	s.queues[it.priority] = append(s.queues[it.priority], it)
	s.mu.Unlock()
	s.signal()
}

// Cancel cancels a queued or running item. Cancelling a terminal item is a
// no-op returning false. A running item's handler and backend call observe
// the cancellation through their context.
func (s *Scheduler) Cancel(id int64) bool {
	var ev *Event
	var abort context.CancelFunc

	s.mu.Lock()
	it, ok := s.items[id]
	if !ok || it.status.Terminal() {
		s.mu.Unlock()
		return false
	}

	switch it.status {
	case StatusQueued:
		if it.retryTimer != nil {
			it.retryTimer.Stop()
			it.retryTimer = nil
		}
		it.status = StatusCancelled
		it.err = errs.Cancelled("cancelled while queued")
		it.completedAt = time.Now()
		close(it.done)
		ev = &Event{Type: EventCancelled, Item: it.snapshot()}

	case StatusRunning:
		it.status = StatusCancelled
		it.err = errs.Cancelled("cancelled while running")
		it.completedAt = time.Now()
		abort = it.cancelAttempt
		close(it.done)
		ev = &Event{Type: EventCancelled, Item: it.snapshot()}
	}
	s.mu.Unlock()

	if abort != nil {
		abort()
	}
	s.signal()
	if ev != nil {
		s.events.publish(*ev)
	}
	return true
}

// CancelAll cancels every non-terminal item and returns their ids.
func (s *Scheduler) CancelAll() []int64 {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.items))
	for id, it := range s.items {
		if !it.status.Terminal() {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	cancelled := ids[:0]
	for _, id := range ids {
		if s.Cancel(id) {
			cancelled = append(cancelled, id)
		}
	}
	return cancelled
}

// Pause stops new RUNNING transitions. Running items complete; enqueues,
// cancels, and retry delays continue to be honored.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume re-enables admission.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.signal()
}

// Paused reports whether admission is paused.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Item returns a snapshot of the item with the given id.
func (s *Scheduler) Item(id int64) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return Snapshot{}, false
	}
	return it.snapshot(), true
}

// WaitFor blocks until the item reaches a terminal state or the timeout
// elapses. On timeout the item is left in place and WaitTimeout is returned.
// Concurrent waiters on the same id all observe the terminal snapshot.
// An already-terminal item (including CANCELLED) returns immediately.
func (s *Scheduler) WaitFor(ctx context.Context, id int64, timeout time.Duration) (Snapshot, error) {
	s.mu.Lock()
	it, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return Snapshot{}, errs.Validation("unknown item id %d", id)
	}
	if it.status.Terminal() {
		snap := it.snapshot()
		s.mu.Unlock()
		return snap, nil
	}
	done := it.done
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		snap, _ := s.Item(id)
		return snap, nil
	case <-timer.C:
		return Snapshot{}, errs.New(errs.KindWaitTimeout, "item %d not terminal after %s", id, timeout)
	case <-ctx.Done():
		return Snapshot{}, errs.FromContext(ctx.Err())
	}
}

// Status returns a consistent snapshot of scheduler state.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()

	counts := map[Status]int{
		StatusQueued: 0, StatusRunning: 0, StatusCompleted: 0, StatusFailed: 0, StatusCancelled: 0,
	}
	byState := map[Status][]Snapshot{}
	truncated := false

	ids := make([]int64, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		it := s.items[id]
		counts[it.status]++
		if len(byState[it.status]) < s.cfg.StatusListLimit {
			byState[it.status] = append(byState[it.status], it.snapshot())
		} else {
			truncated = true
		}
	}

	failures := make(map[string]int64, len(s.failuresByKind))
	for k, v := range s.failuresByKind {
		failures[k] = v
	}

	st := SchedulerStatus{
		Counts:         counts,
		Queued:         byState[StatusQueued],
		Running:        byState[StatusRunning],
		Completed:      byState[StatusCompleted],
		Failed:         byState[StatusFailed],
		Cancelled:      byState[StatusCancelled],
		ListsTruncated: truncated,
		Paused:         s.paused,
		ActiveHandlers: s.active,
		MaxConcurrent:  s.cfg.MaxConcurrent,
		Retries:        s.retries,
		FailuresByKind: failures,
		UptimeSeconds:  time.Since(s.startTime).Seconds(),
	}
	s.mu.Unlock()

	st.TokensRemaining = s.bucket.remaining()
	st.Latency = s.window.stats()
	return st
}

// Shutdown stops admission, cancels running items, and stops timers.
// It blocks until every in-flight handler has returned.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.down {
		s.mu.Unlock()
		return
	}
	s.down = true
	if s.bucketTimer != nil {
		s.bucketTimer.Stop()
		s.bucketTimer = nil
	}
	for _, it := range s.items {
		if it.retryTimer != nil {
			it.retryTimer.Stop()
			it.retryTimer = nil
		}
	}
	s.mu.Unlock()

	// Cancelling the base context aborts every in-flight attempt; the
	// handlers observe it and finalize their items as CANCELLED.
	s.baseCancel()
	s.wg.Wait()

	s.logger.Info().Msg("scheduler stopped")
}
