package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

type postgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgreSQL creates a connection pool and verifies it with a ping.
func NewPostgreSQL(ctx context.Context, url string, maxConns int) (Storage, error) {
	if url == "" {
		return nil, errors.New("PostgreSQL URL is required")
	}

	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL URL: %w", err)
	}
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	poolCfg.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return &postgresStorage{pool: pool}, nil
}

func (s *postgresStorage) Type() string                   { return TypePostgreSQL }
func (s *postgresStorage) SQLiteDB() *sql.DB              { return nil }
func (s *postgresStorage) PostgreSQLPool() *pgxpool.Pool  { return s.pool }
func (s *postgresStorage) MongoDatabase() *mongo.Database { return nil }

func (s *postgresStorage) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
