package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// SQLite accepts at most 999 bound parameters per statement, so batches are chunked.
const (
	maxSQLiteParams    = 999
	columnsPerEntry    = 13
	maxEntriesPerBatch = maxSQLiteParams / columnsPerEntry
)

// SQLiteStore implements LogStore for SQLite databases.
type SQLiteStore struct {
	db            *sql.DB
	retentionDays int
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewSQLiteStore creates the dispatch_logs table if needed and starts
// the retention cleanup when retentionDays is positive.
func NewSQLiteStore(db *sql.DB, retentionDays int) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dispatch_logs (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			duration_ns INTEGER DEFAULT 0,
			request_id TEXT,
			alias TEXT,
			stream INTEGER DEFAULT 0,
			state TEXT,
			status_code INTEGER DEFAULT 0,
			error_type TEXT,
			provider TEXT,
			model TEXT,
			cached INTEGER DEFAULT 0,
			data JSON
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
		"CREATE INDEX IF NOT EXISTS idx_dispatch_request_id ON dispatch_logs(request_id)",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	store := &SQLiteStore{
		db:            db,
		retentionDays: retentionDays,
		stopCleanup:   make(chan struct{}),
	}

	if retentionDays > 0 {
		go RunCleanupLoop(store.stopCleanup, store.cleanup)
	}

	return store, nil
}

// WriteBatch inserts entries, chunked to stay within SQLite's parameter limit.
// Entries whose id already exists are ignored.
func (s *SQLiteStore) WriteBatch(ctx context.Context, entries []*LogEntry) error {
	for i := 0; i < len(entries); i += maxEntriesPerBatch {
		end := min(i+maxEntriesPerBatch, len(entries))
		chunk := entries[i:end]

		placeholders := make([]string, len(chunk))
		values := make([]any, 0, len(chunk)*columnsPerEntry)

		for j, e := range chunk {
			placeholders[j] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
			values = append(values,
				e.ID,
				e.Timestamp.UTC().Format(time.RFC3339Nano),
				e.DurationNs,
				e.RequestID,
				e.Alias,
				boolToInt(e.Stream),
				e.State,
				e.StatusCode,
				e.ErrorType,
				e.Provider,
				e.Model,
				boolToInt(e.Cached),
				nullableJSON(e.Data, e.ID),
			)
		}

		query := `INSERT OR IGNORE INTO dispatch_logs (id, timestamp, duration_ns, request_id, alias, stream,
			state, status_code, error_type, provider, model, cached, data) VALUES ` +
			strings.Join(placeholders, ",")

		if _, err := s.db.ExecContext(ctx, query, values...); err != nil {
			return fmt.Errorf("failed to insert dispatch logs batch %d: %w", i/maxEntriesPerBatch, err)
		}
	}
	return nil
}

// Flush is a no-op for SQLite as writes are synchronous.
func (s *SQLiteStore) Flush(_ context.Context) error {
	return nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (s *SQLiteStore) Close() error {
	if s.retentionDays > 0 {
		s.closeOnce.Do(func() { close(s.stopCleanup) })
	}
	return nil
}

func (s *SQLiteStore) cleanup() {
	cutoff := retentionCutoff(time.Now(), s.retentionDays).Format(time.RFC3339Nano)

	result, err := s.db.Exec("DELETE FROM dispatch_logs WHERE timestamp < ?", cutoff)
	if err != nil {
		slog.Error("failed to cleanup old dispatch logs", "error", err)
		return
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		slog.Info("cleaned up old dispatch logs", "deleted", n)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullableJSON returns nil for nil data so the column stays NULL.
func nullableJSON(data *LogData, id string) any {
	if data == nil {
		return nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		slog.Warn("failed to marshal dispatch log data", "error", err, "id", id)
		return "{}"
	}
	return string(encoded)
}
