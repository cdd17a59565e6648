package auditlog

import (
	"context"
	"errors"
	"fmt"

	"aiproxy/config"
	"aiproxy/internal/storage"
)

// Result holds the dispatch logger and the storage it writes to.
// The caller is responsible for calling Close() to release resources.
type Result struct {
	Logger  Writer
	Storage storage.Storage
}

// Close releases all resources held by the dispatch logger.
func (r *Result) Close() error {
	var errs []error
	if r.Logger != nil {
		if err := r.Logger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("logger close: %w", err))
		}
	}
	if r.Storage != nil {
		if err := r.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	return errors.Join(errs...)
}

// New creates a dispatch logger from configuration.
// When dispatch logging is disabled it returns a NoopLogger and no storage.
func New(ctx context.Context, cfg *config.Config) (*Result, error) {
	if !cfg.DispatchLog.Enabled {
		return &Result{Logger: NoopLogger{}}, nil
	}

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	logStore, err := createLogStore(ctx, store, cfg.DispatchLog.RetentionDays)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	logCfg := Config{
		Enabled:       true,
		BufferSize:    cfg.DispatchLog.BufferSize,
		FlushInterval: cfg.DispatchLog.FlushInterval,
		RetentionDays: cfg.DispatchLog.RetentionDays,
	}

	return &Result{
		Logger:  NewLogger(logStore, logCfg),
		Storage: store,
	}, nil
}

func createLogStore(ctx context.Context, store storage.Storage, retentionDays int) (LogStore, error) {
	switch store.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(store.SQLiteDB(), retentionDays)
	case storage.TypePostgreSQL:
		return NewPostgreSQLStore(ctx, store.PostgreSQLPool(), retentionDays)
	case storage.TypeMongoDB:
		return NewMongoDBStore(ctx, store.MongoDatabase(), retentionDays)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", store.Type())
	}
}
