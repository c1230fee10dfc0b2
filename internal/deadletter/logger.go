package deadletter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valinor-ai/relay/internal/platform/database"
)

// LoggerConfig configures the async dead-letter log.
type LoggerConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// AsyncLog implements Log with a buffered channel and a background writer.
type AsyncLog struct {
	ch     chan Entry
	store  *Store
	db     database.Querier
	cfg    LoggerConfig
	logger *slog.Logger
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewAsyncLog creates and starts an async dead-letter log.
func NewAsyncLog(db database.Querier, store *Store, cfg LoggerConfig) *AsyncLog {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &AsyncLog{
		ch:     make(chan Entry, cfg.BufferSize),
		store:  store,
		db:     db,
		cfg:    cfg,
		logger: logger,
		cancel: cancel,
	}

	l.wg.Add(1)
	go l.worker(ctx)

	return l
}

// Log enqueues an entry. Never blocks the caller; drops if the buffer is full.
func (l *AsyncLog) Log(_ context.Context, entry Entry) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	select {
	case l.ch <- entry:
	default:
		entriesCounter.WithLabelValues(entry.Source, entry.Reason, "dropped").Inc()
		l.logger.Error("dead-letter buffer full, dropping entry",
			"source", entry.Source,
			"reason", entry.Reason,
			"reference", entry.Reference,
		)
	}
}

// Close flushes remaining entries and stops the worker.
func (l *AsyncLog) Close() error {
	l.cancel()
	l.wg.Wait()
	l.flush(l.drainAll())
	return nil
}

func (l *AsyncLog) worker(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	var batch []Entry

	for {
		select {
		case <-ctx.Done():
			batch = append(batch, l.drainAll()...)
			l.flush(batch)
			return

		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= l.cfg.BatchSize {
				l.flush(batch)
				batch = nil
			}

		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = nil
			}
		}
	}
}

func (l *AsyncLog) flush(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outcome := "written"
	if err := l.store.InsertBatch(ctx, l.db, entries); err != nil {
		outcome = "flush_failed"
		l.logger.Error("dead-letter flush failed", "error", err, "count", len(entries))
	}
	for _, e := range entries {
		entriesCounter.WithLabelValues(e.Source, e.Reason, outcome).Inc()
	}
}

func (l *AsyncLog) drainAll() []Entry {
	var entries []Entry
	for {
		select {
		case e := <-l.ch:
			entries = append(entries, e)
		default:
			return entries
		}
	}
}
