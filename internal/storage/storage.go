// Package storage opens the database connection shared by persistent features.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"aiproxy/config"
)

// Type constants for storage backends
const (
	TypeSQLite     = "sqlite"
	TypePostgreSQL = "postgresql"
	TypeMongoDB    = "mongodb"
)

const (
	defaultSQLitePath    = "data/aiproxy.db"
	defaultMongoDatabase = "aiproxy"
	defaultMaxConns      = 10
)

// Storage is an open database handle. Exactly one accessor returns a non-nil value,
// matching Type. Implementations must be safe for concurrent use.
type Storage interface {
	Type() string

	// SQLiteDB returns the *sql.DB connection, or nil when not using SQLite.
	SQLiteDB() *sql.DB

	// PostgreSQLPool returns the connection pool, or nil when not using PostgreSQL.
	PostgreSQLPool() *pgxpool.Pool

	// MongoDatabase returns the database, or nil when not using MongoDB.
	MongoDatabase() *mongo.Database

	Close() error
}

// New opens the backend selected by cfg.Type. An empty type selects SQLite.
func New(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case TypeSQLite, "":
		path := cfg.SQLite.Path
		if path == "" {
			path = defaultSQLitePath
		}
		return NewSQLite(path)
	case TypePostgreSQL:
		return NewPostgreSQL(ctx, cfg.PostgreSQL.URL, cfg.PostgreSQL.MaxConns)
	case TypeMongoDB:
		return NewMongoDB(ctx, cfg.MongoDB.URL, cfg.MongoDB.Database)
	default:
		return nil, fmt.Errorf("unknown storage type: %s (valid: sqlite, postgresql, mongodb)", cfg.Type)
	}
}
