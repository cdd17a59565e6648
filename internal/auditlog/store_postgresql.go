package auditlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const insertPostgreSQL = `
	INSERT INTO dispatch_logs (id, timestamp, duration_ns, request_id, alias, stream, state,
		status_code, error_type, provider, model, cached, data)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (id) DO NOTHING`

// PostgreSQLStore implements LogStore for PostgreSQL databases.
type PostgreSQLStore struct {
	pool          *pgxpool.Pool
	retentionDays int
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewPostgreSQLStore creates the dispatch_logs table if needed and starts
// the retention cleanup when retentionDays is positive.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool, retentionDays int) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, errors.New("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS dispatch_logs (
			id UUID PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			duration_ns BIGINT DEFAULT 0,
			request_id TEXT,
			alias TEXT,
			stream BOOLEAN DEFAULT FALSE,
			state TEXT,
			status_code INTEGER DEFAULT 0,
			error_type TEXT,
			provider TEXT,
			model TEXT,
			cached BOOLEAN DEFAULT FALSE,
			data JSONB
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch_logs table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_dispatch_timestamp ON dispatch_logs(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_dispatch_alias ON dispatch_logs(alias)",
		"CREATE INDEX IF NOT EXISTS idx_dispatch_status ON dispatch_logs(status_code)",
		"CREATE INDEX IF NOT EXISTS idx_dispatch_provider ON dispatch_logs(provider)",
		"CREATE INDEX IF NOT EXISTS idx_dispatch_data_gin ON dispatch_logs USING GIN (data)",
	}
	for _, idx := range indexes {
		if _, err := pool.Exec(ctx, idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	store := &PostgreSQLStore{
		pool:          pool,
		retentionDays: retentionDays,
		stopCleanup:   make(chan struct{}),
	}

	if retentionDays > 0 {
		go RunCleanupLoop(store.stopCleanup, store.cleanup)
	}

	return store, nil
}

// WriteBatch sends all inserts in a single pgx batch.
func (s *PostgreSQLStore) WriteBatch(ctx context.Context, entries []*LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		var data []byte
		if e.Data != nil {
			var err error
			if data, err = json.Marshal(e.Data); err != nil {
				slog.Warn("failed to marshal dispatch log data", "error", err, "id", e.ID)
				data = []byte("{}")
			}
		}
		batch.Queue(insertPostgreSQL,
			e.ID, e.Timestamp, e.DurationNs, e.RequestID, e.Alias, e.Stream, e.State,
			e.StatusCode, e.ErrorType, e.Provider, e.Model, e.Cached, data)
	}

	results := s.pool.SendBatch(ctx, batch)
	var errs []error
	for range entries {
		if _, err := results.Exec(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := results.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to insert %d dispatch logs: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// Flush is a no-op for PostgreSQL as writes are synchronous.
func (s *PostgreSQLStore) Flush(_ context.Context) error {
	return nil
}

// Close stops the cleanup goroutine. The pool is owned by the storage layer.
func (s *PostgreSQLStore) Close() error {
	if s.retentionDays > 0 {
		s.closeOnce.Do(func() { close(s.stopCleanup) })
	}
	return nil
}

func (s *PostgreSQLStore) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := s.pool.Exec(ctx, "DELETE FROM dispatch_logs WHERE timestamp < $1",
		retentionCutoff(time.Now(), s.retentionDays))
	if err != nil {
		slog.Error("failed to cleanup old dispatch logs", "error", err)
		return
	}
	if result.RowsAffected() > 0 {
		slog.Info("cleaned up old dispatch logs", "deleted", result.RowsAffected())
	}
}
