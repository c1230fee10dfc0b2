package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/valinor-ai/relay/internal/deadletter"
)

// Task is one acknowledged delivery awaiting background processing.
type Task struct {
	Body       []byte
	Signature  string
	RequestID  string
	ReceivedAt time.Time
	// Verified is set when the signature was already checked before ack.
	Verified bool
}

// TaskFunc processes a single task.
type TaskFunc func(ctx context.Context, task Task) error

type ProcessorConfig struct {
	Workers     int
	BufferSize  int
	Handle      TaskFunc
	DeadLetters deadletter.Log
	Logger      *slog.Logger
}

// Processor is a bounded worker pool for acknowledged webhook deliveries.
// Tasks that cannot be queued or that fail are written to the dead-letter
// log.
type Processor struct {
	tasks       chan Task
	workers     int
	handle      TaskFunc
	deadLetters deadletter.Log
	logger      *slog.Logger

	// mu orders Submit's send against Run's final drain: once stopped is
	// set under the write lock no send can still be in flight.
	mu      sync.RWMutex
	stopped bool
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.DeadLetters == nil {
		cfg.DeadLetters = deadletter.NopLog{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		tasks:       make(chan Task, cfg.BufferSize),
		workers:     cfg.Workers,
		handle:      cfg.Handle,
		deadLetters: cfg.DeadLetters,
		logger:      logger,
	}
}

// Submit queues a task without blocking. It reports false when the task was
// dead-lettered instead.
func (p *Processor) Submit(task Task) bool {
	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		p.reject(task, deadletter.ReasonOverflow, errors.New("processor is stopped"))
		return false
	}
	select {
	case p.tasks <- task:
		p.mu.RUnlock()
		return true
	default:
		p.mu.RUnlock()
		p.reject(task, deadletter.ReasonOverflow, errors.New("processing buffer is full"))
		return false
	}
}

// Run starts the workers and blocks until ctx is cancelled. Tasks already
// queued are processed before Run returns.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx)
		}()
	}

	<-ctx.Done()
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	wg.Wait()

	drainCtx := context.WithoutCancel(ctx)
	for {
		select {
		case task := <-p.tasks:
			p.process(drainCtx, task)
		default:
			p.logger.Info("webhook processor stopped")
			return nil
		}
	}
}

func (p *Processor) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.tasks:
			p.process(context.WithoutCancel(ctx), task)
		}
	}
}

func (p *Processor) process(ctx context.Context, task Task) {
	start := time.Now()
	err := p.safeHandle(ctx, task)
	webhookProcessingDurationHist.Observe(time.Since(start).Seconds())
	if err == nil {
		webhookDeliveriesCounter.WithLabelValues("processed").Inc()
		return
	}
	p.reject(task, reasonFor(err), err)
}

func (p *Processor) safeHandle(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing webhook: %v", r)
		}
	}()
	return p.handle(ctx, task)
}

func (p *Processor) reject(task Task, reason string, err error) {
	outcome := "failed"
	switch reason {
	case deadletter.ReasonOverflow:
		outcome = "overflow"
	case deadletter.ReasonInvalidSignature, deadletter.ReasonValidation:
		outcome = "rejected"
	}
	webhookDeliveriesCounter.WithLabelValues(outcome).Inc()

	p.logger.Error("webhook delivery not processed",
		"request_id", task.RequestID,
		"reason", reason,
		"error", err,
	)
	p.deadLetters.Log(context.Background(), deadletter.Entry{
		Source:    deadletter.SourceWebhook,
		Reason:    reason,
		Reference: task.RequestID,
		Payload:   task.Body,
		Error:     err.Error(),
	})
}

func reasonFor(err error) string {
	var validationErr *ValidationError
	switch {
	case errors.As(err, &validationErr):
		return deadletter.ReasonValidation
	case isSignatureError(err):
		return deadletter.ReasonInvalidSignature
	default:
		return deadletter.ReasonProcessing
	}
}

func isSignatureError(err error) bool {
	return errors.Is(err, ErrMissingSignature) ||
		errors.Is(err, ErrMalformedSignature) ||
		errors.Is(err, ErrSignatureMismatch) ||
		errors.Is(err, ErrVerification)
}
