package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valinor-ai/relay/internal/channels"
	"github.com/valinor-ai/relay/internal/deadletter"
	"github.com/valinor-ai/relay/internal/events"
	"golang.org/x/time/rate"
)

const storeTimeout = 5 * time.Second

// Sender delivers one message through the connection's provider.
// *channels.Manager implements it.
type Sender interface {
	SendMessage(ctx context.Context, tenantID, connectionID, to string, msg channels.OutboundMessage) (channels.SendResult, error)
}

// JobStore persists job transitions so that pending work survives restarts.
type JobStore interface {
	Save(ctx context.Context, job Job) error
	Update(ctx context.Context, job Job) error
	Delete(ctx context.Context, id uuid.UUID) error
	LoadPending(ctx context.Context) ([]Job, error)
	RequeueActive(ctx context.Context, now time.Time) (int, error)
	Purge(ctx context.Context, state State, keep int) (int, error)
	DeleteFinishedBefore(ctx context.Context, state State, before time.Time) (int, error)
}

type Config struct {
	Default       RateLimitConfig
	Classes       map[string]RateLimitConfig
	MaxAttempts   int
	BackoffBase   time.Duration
	MaxDelay      time.Duration
	KeepCompleted int
	KeepFailed    int

	Sender      Sender
	Store       JobStore
	Publisher   events.Publisher
	DeadLetters deadletter.Log
	Logger      *slog.Logger
}

type lane struct {
	class     string
	limits    RateLimitConfig
	ready     *jobHeap
	scheduled *jobHeap
	active    int
	admitting int
	limiter   *rate.Limiter
	wake      chan struct{}
}

func (l *lane) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Queue is an in-memory priority queue backed by a JobStore. Each rate-limit
// class gets its own lane with a paced worker pool.
type Queue struct {
	cfg         Config
	sender      Sender
	store       JobStore
	publisher   events.Publisher
	deadLetters deadletter.Log
	logger      *slog.Logger
	now         func() time.Time

	mu        sync.Mutex
	lanes     map[string]*lane
	jobs      map[uuid.UUID]*entry
	completed []uuid.UUID
	failed    []uuid.UUID
	seq       uint64
	paused    bool
	stopped   bool
	runCtx    context.Context
	cancel    context.CancelFunc
	workers   sync.WaitGroup
	done      chan struct{}
}

func NewQueue(cfg Config) *Queue {
	cfg.Default = cfg.Default.withDefaults()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.KeepCompleted <= 0 {
		cfg.KeepCompleted = 100
	}
	if cfg.KeepFailed <= 0 {
		cfg.KeepFailed = 50
	}

	store := cfg.Store
	if store == nil {
		store = nopStore{}
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = nopPublisher{}
	}
	deadLetters := cfg.DeadLetters
	if deadLetters == nil {
		deadLetters = deadletter.NopLog{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{
		cfg:         cfg,
		sender:      cfg.Sender,
		store:       store,
		publisher:   publisher,
		deadLetters: deadLetters,
		logger:      logger,
		now:         time.Now,
		lanes:       make(map[string]*lane),
		jobs:        make(map[uuid.UUID]*entry),
		done:        make(chan struct{}),
	}
}

// Enqueue admits a job. Jobs arriving while the class is over its burst
// allowance start delayed.
func (q *Queue) Enqueue(ctx context.Context, req Request) (Handle, error) {
	if req.TenantID == "" || req.ConnectionID == "" || req.Recipient == "" {
		return Handle{}, fmt.Errorf("%w: tenant, connection and recipient are required", ErrInvalidRequest)
	}
	kind := kindOf(req.Message)
	if kind == "" {
		return Handle{}, fmt.Errorf("%w: message type is required", ErrInvalidRequest)
	}
	priority := req.Priority
	if priority <= 0 {
		priority = DefaultPriority(kind)
	}
	class := req.RateLimitClass
	if class == "" {
		class = channels.DefaultRateLimitClass
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return Handle{}, ErrQueueStopped
	}
	l := q.laneLocked(class)
	delay := admissionDelay(l.ready.Len()+l.active+l.admitting, l.limits, q.cfg.MaxDelay)
	l.admitting++
	q.seq++
	seq := q.seq
	q.mu.Unlock()

	now := q.now().UTC()
	state := StateQueued
	if delay > 0 {
		state = StateDelayed
	}
	job := Job{
		ID:             uuid.New(),
		ConnectionID:   req.ConnectionID,
		TenantID:       req.TenantID,
		Recipient:      req.Recipient,
		Kind:           kind,
		Payload:        req.Message,
		Priority:       priority,
		MaxAttempts:    q.cfg.MaxAttempts,
		Delay:          delay,
		State:          state,
		NextRunAt:      now.Add(delay),
		RateLimitClass: class,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	saveErr := q.store.Save(ctx, job)

	q.mu.Lock()
	l.admitting--
	if saveErr != nil {
		q.mu.Unlock()
		return Handle{}, fmt.Errorf("saving job: %w", saveErr)
	}
	e := &entry{job: job, seq: seq, index: -1, lane: l}
	q.jobs[job.ID] = e
	q.scheduleLocked(e)
	q.mu.Unlock()

	queueJobsCounter.WithLabelValues("enqueued").Inc()
	admissionDelayHist.Observe(delay.Seconds())
	q.logger.Debug("job enqueued",
		"job_id", job.ID,
		"kind", kind,
		"priority", priority,
		"delay_ms", delay.Milliseconds(),
		"rate_limit_class", class,
	)
	return Handle{ID: job.ID, State: state, Priority: priority, Delay: delay}, nil
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Completed: len(q.completed),
		Failed:    len(q.failed),
		Paused:    q.paused,
	}
	for _, l := range q.lanes {
		s.Waiting += l.ready.Len()
		s.Active += l.active
		s.Delayed += l.scheduled.Len()
	}
	return s
}

// Pause stops workers from taking new jobs. Jobs already sending finish.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	for _, l := range q.lanes {
		l.notify()
	}
}

func (q *Queue) Get(id uuid.UUID) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// Remove drops a job that has not started. Active jobs cannot be removed.
func (q *Queue) Remove(ctx context.Context, id uuid.UUID) error {
	q.mu.Lock()
	e, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	switch {
	case e.job.State == StateActive:
		q.mu.Unlock()
		return ErrJobActive
	case e.job.State.Terminal():
		q.mu.Unlock()
		return ErrJobFinished
	}
	e.remove()
	delete(q.jobs, id)
	q.mu.Unlock()

	if err := q.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}
	queueJobsCounter.WithLabelValues("removed").Inc()
	return nil
}

// Clean deletes finished jobs in state that finished more than olderThan ago.
func (q *Queue) Clean(ctx context.Context, olderThan time.Duration, state State) (int, error) {
	if !state.Terminal() {
		return 0, ErrInvalidState
	}
	cutoff := q.now().UTC().Add(-olderThan)

	q.mu.Lock()
	list := &q.completed
	if state == StateFailed {
		list = &q.failed
	}
	kept := (*list)[:0]
	removed := 0
	for _, id := range *list {
		if e := q.jobs[id]; e != nil && e.job.UpdatedAt.Before(cutoff) {
			delete(q.jobs, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	*list = kept
	q.mu.Unlock()

	n, err := q.store.DeleteFinishedBefore(ctx, state, cutoff)
	if err != nil {
		return removed, fmt.Errorf("cleaning %s jobs: %w", state, err)
	}
	// The store keeps at least every finished job still held in memory.
	return max(removed, n), nil
}

// Run restores pending jobs from the store, starts the lane workers and
// blocks until ctx is cancelled or Shutdown is called.
func (q *Queue) Run(ctx context.Context) error {
	if err := q.restore(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	if q.runCtx != nil || q.stopped {
		q.mu.Unlock()
		cancel()
		return errors.New("dispatch queue already started")
	}
	q.runCtx = runCtx
	q.cancel = cancel
	for _, l := range q.lanes {
		q.startWorkersLocked(l)
	}
	q.mu.Unlock()

	q.logger.Info("dispatch queue started", "lanes", len(q.lanes))
	<-runCtx.Done()

	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.workers.Wait()
	close(q.done)
	q.logger.Info("dispatch queue stopped")
	return nil
}

// Shutdown stops the workers and waits for in-flight sends to finish.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	cancel := q.cancel
	q.stopped = true
	q.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for dispatch workers: %w", ctx.Err())
	}
}

func (q *Queue) restore(ctx context.Context) error {
	requeued, err := q.store.RequeueActive(ctx, q.now().UTC())
	if err != nil {
		return fmt.Errorf("requeueing active jobs: %w", err)
	}
	pending, err := q.store.LoadPending(ctx)
	if err != nil {
		return fmt.Errorf("loading pending jobs: %w", err)
	}

	q.mu.Lock()
	restored := 0
	for _, job := range pending {
		if _, exists := q.jobs[job.ID]; exists {
			continue
		}
		if job.State == StateActive {
			job.State = StateQueued
		}
		q.seq++
		e := &entry{job: job, seq: q.seq, index: -1, lane: q.laneLocked(job.RateLimitClass)}
		q.jobs[job.ID] = e
		q.scheduleLocked(e)
		restored++
	}
	q.mu.Unlock()

	if restored > 0 || requeued > 0 {
		q.logger.Info("restored dispatch jobs", "restored", restored, "requeued", requeued)
	}
	return nil
}

func (q *Queue) laneLocked(class string) *lane {
	if class == "" {
		class = channels.DefaultRateLimitClass
	}
	if l, ok := q.lanes[class]; ok {
		return l
	}
	limits := q.cfg.Default
	if override, ok := q.cfg.Classes[class]; ok {
		limits = override.withDefaults()
	}
	l := &lane{
		class:     class,
		limits:    limits,
		ready:     newReadyHeap(),
		scheduled: newScheduledHeap(),
		limiter:   rate.NewLimiter(rate.Limit(limits.MessagesPerSecond), limits.workers()),
		wake:      make(chan struct{}, 1),
	}
	q.lanes[class] = l
	if q.runCtx != nil && !q.stopped {
		q.startWorkersLocked(l)
	}
	return l
}

func (q *Queue) startWorkersLocked(l *lane) {
	for i := 0; i < l.limits.workers(); i++ {
		q.workers.Add(1)
		go q.work(q.runCtx, l)
	}
}

func (q *Queue) scheduleLocked(e *entry) {
	if e.job.State.scheduled() {
		e.lane.scheduled.push(e)
	} else {
		e.lane.ready.push(e)
	}
	e.lane.notify()
}

func (q *Queue) work(ctx context.Context, l *lane) {
	defer q.workers.Done()
	for {
		e, job, wait := q.claim(ctx, l)
		if e == nil {
			if !q.sleep(ctx, l, wait) {
				return
			}
			continue
		}
		q.execute(ctx, l, e, job)
	}
}

// claim promotes due jobs and takes the best ready one. When nothing is
// ready it returns how long until the next scheduled job is due, or zero to
// wait for a notification.
func (q *Queue) claim(ctx context.Context, l *lane) (*entry, Job, time.Duration) {
	q.mu.Lock()
	now := q.now().UTC()
	promoted := q.promoteLocked(l, now)

	var (
		claimed *entry
		job     Job
		wait    time.Duration
	)
	switch {
	case q.paused:
	case l.ready.Len() > 0:
		claimed = l.ready.pop()
		claimed.job.State = StateActive
		claimed.job.UpdatedAt = now
		job = claimed.job
		l.active++
		if l.ready.Len() > 0 {
			l.notify()
		}
	default:
		if next := l.scheduled.peek(); next != nil {
			wait = max(next.job.NextRunAt.Sub(now), time.Millisecond)
		}
	}
	q.mu.Unlock()

	for _, p := range promoted {
		q.persist(ctx, p)
	}
	if claimed != nil {
		q.persist(ctx, job)
	}
	return claimed, job, wait
}

func (q *Queue) promoteLocked(l *lane, now time.Time) []Job {
	var promoted []Job
	for next := l.scheduled.peek(); next != nil && !next.job.NextRunAt.After(now); next = l.scheduled.peek() {
		e := l.scheduled.pop()
		e.job.State = StateQueued
		e.job.UpdatedAt = now
		l.ready.push(e)
		promoted = append(promoted, e.job)
	}
	return promoted
}

func (q *Queue) sleep(ctx context.Context, l *lane, wait time.Duration) bool {
	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-l.wake:
		return true
	case <-timeout:
		return true
	}
}

func (q *Queue) execute(ctx context.Context, l *lane, e *entry, job Job) {
	if err := l.limiter.Wait(ctx); err != nil {
		q.release(ctx, l, e)
		return
	}

	start := time.Now()
	result, err := q.sender.SendMessage(context.WithoutCancel(ctx), job.TenantID, job.ConnectionID, job.Recipient, job.Payload)
	outcome := "sent"
	if err != nil {
		outcome = "error"
	}
	sendDurationHist.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	q.finish(ctx, l, e, result, err)
}

// release returns a claimed job to the ready heap without counting an
// attempt.
func (q *Queue) release(ctx context.Context, l *lane, e *entry) {
	q.mu.Lock()
	l.active--
	e.job.State = StateQueued
	e.job.UpdatedAt = q.now().UTC()
	job := e.job
	if _, ok := q.jobs[job.ID]; ok {
		l.ready.push(e)
	}
	q.mu.Unlock()
	q.persist(ctx, job)
}

func (q *Queue) finish(ctx context.Context, l *lane, e *entry, result channels.SendResult, sendErr error) {
	q.mu.Lock()
	l.active--
	now := q.now().UTC()
	job := &e.job
	job.UpdatedAt = now

	retryAfter, rateLimited := channels.RetryAfter(sendErr)
	switch {
	case sendErr == nil:
		job.Attempts++
		job.State = StateCompleted
		job.ExternalID = result.MessageID
		job.LastError = ""
		q.retainLocked(e)
	case rateLimited:
		job.State = StateRetryWait
		job.NextRunAt = now.Add(retryAfter)
		job.LastError = sendErr.Error()
		l.scheduled.push(e)
	case permanent(sendErr):
		job.Attempts++
		job.State = StateFailed
		job.LastError = sendErr.Error()
		q.retainLocked(e)
	default:
		job.Attempts++
		job.LastError = sendErr.Error()
		if job.Attempts < job.MaxAttempts {
			job.State = StateRetryWait
			job.NextRunAt = now.Add(retryDelay(q.cfg.BackoffBase, job.Attempts))
			l.scheduled.push(e)
		} else {
			job.State = StateFailed
			q.retainLocked(e)
		}
	}
	snapshot := *job
	q.mu.Unlock()
	l.notify()

	q.persist(ctx, snapshot)

	switch snapshot.State {
	case StateCompleted:
		queueJobsCounter.WithLabelValues("completed").Inc()
		q.publish(ctx, snapshot, snapshot.ExternalID, events.MessageSent{
			JobID:      snapshot.ID.String(),
			Recipient:  snapshot.Recipient,
			Kind:       snapshot.Kind,
			ExternalID: snapshot.ExternalID,
			Attempts:   snapshot.Attempts,
		})
		q.purge(ctx, StateCompleted, q.cfg.KeepCompleted)
	case StateFailed:
		q.fail(ctx, snapshot)
	case StateRetryWait:
		if rateLimited {
			queueJobsCounter.WithLabelValues("rate_limited").Inc()
		} else {
			queueJobsCounter.WithLabelValues("retried").Inc()
		}
		q.logger.Warn("job send failed, retrying",
			"job_id", snapshot.ID,
			"attempts", snapshot.Attempts,
			"next_run_at", snapshot.NextRunAt,
			"error", sendErr,
		)
	}
}

func (q *Queue) fail(ctx context.Context, job Job) {
	queueJobsCounter.WithLabelValues("failed").Inc()
	q.logger.Error("job failed",
		"job_id", job.ID,
		"connection_id", job.ConnectionID,
		"attempts", job.Attempts,
		"error", job.LastError,
	)

	raw, err := json.Marshal(job)
	if err != nil {
		raw = nil
	}
	q.publish(ctx, job, "", events.MessageFailed{
		JobID:     job.ID.String(),
		Recipient: job.Recipient,
		Kind:      job.Kind,
		Attempts:  job.Attempts,
		Error:     job.LastError,
		Job:       raw,
	})
	q.deadLetters.Log(ctx, deadletter.Entry{
		Source:    deadletter.SourceDispatch,
		Reason:    deadletter.ReasonExhausted,
		Reference: job.ID.String(),
		Payload:   raw,
		Error:     job.LastError,
	})
	q.purge(ctx, StateFailed, q.cfg.KeepFailed)
}

// retainLocked records a finished job and evicts the oldest beyond the
// retention limit of its state.
func (q *Queue) retainLocked(e *entry) {
	list, keep := &q.completed, q.cfg.KeepCompleted
	if e.job.State == StateFailed {
		list, keep = &q.failed, q.cfg.KeepFailed
	}
	*list = append(*list, e.job.ID)
	for len(*list) > keep {
		delete(q.jobs, (*list)[0])
		*list = (*list)[1:]
	}
}

func (q *Queue) purge(ctx context.Context, state State, keep int) {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if _, err := q.store.Purge(storeCtx, state, keep); err != nil {
		q.logger.Error("purging finished jobs failed", "state", state, "error", err)
	}
}

func (q *Queue) persist(ctx context.Context, job Job) {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := q.store.Update(storeCtx, job); err != nil {
		q.logger.Error("persisting job failed", "job_id", job.ID, "state", job.State, "error", err)
	}
}

func (q *Queue) publish(ctx context.Context, job Job, externalID string, payload events.Payload) {
	q.publisher.Publish(ctx, events.New(job.ConnectionID, job.TenantID, externalID, job.UpdatedAt, payload))
}

// permanent reports failures that retrying cannot fix.
func permanent(err error) bool {
	return channels.IsPermanent(err) ||
		errors.Is(err, channels.ErrConnectionNotFound) ||
		errors.Is(err, channels.ErrUnsupportedProvider)
}

// nopStore keeps the queue purely in memory.
type nopStore struct{}

func (nopStore) Save(context.Context, Job) error         { return nil }
func (nopStore) Update(context.Context, Job) error       { return nil }
func (nopStore) Delete(context.Context, uuid.UUID) error { return nil }

func (nopStore) LoadPending(context.Context) ([]Job, error) {
	return nil, nil
}

func (nopStore) RequeueActive(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (nopStore) Purge(context.Context, State, int) (int, error) {
	return 0, nil
}

func (nopStore) DeleteFinishedBefore(context.Context, State, time.Time) (int, error) {
	return 0, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, events.Event) {}
