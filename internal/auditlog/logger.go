package auditlog

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Writer is implemented by both the buffered Logger and NoopLogger.
type Writer interface {
	Write(entry *LogEntry)
	Config() Config
	Close() error
}

// Logger provides async buffered logging with batch writes.
// Entries are flushed when the batch is full or at regular intervals.
type Logger struct {
	store         LogStore
	config        Config
	buffer        chan *LogEntry
	done          chan struct{}
	wg            sync.WaitGroup
	flushInterval time.Duration

	// mu guards closed so no Write can race with shutdown.
	mu     sync.RWMutex
	closed bool
}

// NewLogger creates a Logger and starts its flush goroutine.
func NewLogger(store LogStore, cfg Config) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	l := &Logger{
		store:         store,
		config:        cfg,
		buffer:        make(chan *LogEntry, cfg.BufferSize),
		done:          make(chan struct{}),
		flushInterval: cfg.FlushInterval,
	}

	l.wg.Add(1)
	go l.flushLoop()

	return l
}

// Write queues an entry without blocking. When the buffer is full or the
// logger is closed the entry is dropped with a warning.
func (l *Logger) Write(entry *LogEntry) {
	if entry == nil {
		return
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		slog.Warn("dispatch log closed, dropping entry", "request_id", entry.RequestID, "alias", entry.Alias)
		return
	}

	select {
	case l.buffer <- entry:
	default:
		slog.Warn("dispatch log buffer full, dropping entry",
			"request_id", entry.RequestID,
			"alias", entry.Alias,
		)
	}
}

// Config returns the logger configuration
func (l *Logger) Config() Config {
	return l.config
}

// Close flushes buffered entries and closes the store. Safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.done)
	l.mu.Unlock()

	l.wg.Wait()
	return l.store.Close()
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]*LogEntry, 0, BatchFlushThreshold)

	for {
		select {
		case entry := <-l.buffer:
			batch = append(batch, entry)
			if len(batch) >= BatchFlushThreshold {
				l.flushBatch(batch)
				batch = make([]*LogEntry, 0, BatchFlushThreshold)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				l.flushBatch(batch)
				batch = make([]*LogEntry, 0, BatchFlushThreshold)
			}

		case <-l.done:
			// No writer can send any more; drain what is left.
		drain:
			for {
				select {
				case entry := <-l.buffer:
					batch = append(batch, entry)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				l.flushBatch(batch)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := l.store.Flush(ctx); err != nil {
				slog.Error("failed to flush dispatch log store", "error", err)
			}
			cancel()
			return
		}
	}
}

func (l *Logger) flushBatch(batch []*LogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := l.store.WriteBatch(ctx, batch); err != nil {
		slog.Error("failed to write dispatch log batch",
			"error", err,
			"count", len(batch),
		)
	}
}

// NoopLogger is used when dispatch logging is disabled.
type NoopLogger struct{}

func (NoopLogger) Write(_ *LogEntry) {}

func (NoopLogger) Config() Config { return Config{Enabled: false} }

func (NoopLogger) Close() error { return nil }
