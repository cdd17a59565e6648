package auditlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

var dispatchLogPartialWriteFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "aiproxy_dispatch_log_partial_write_failures_total",
		Help: "Total number of partial write failures when inserting dispatch log entries to MongoDB",
	},
)

// MongoDBStore implements LogStore for MongoDB.
// Retention is enforced by a TTL index instead of a cleanup loop.
type MongoDBStore struct {
	collection *mongo.Collection
}

// NewMongoDBStore creates the dispatch_logs indexes if they don't exist.
func NewMongoDBStore(ctx context.Context, database *mongo.Database, retentionDays int) (*MongoDBStore, error) {
	if database == nil {
		return nil, errors.New("database is required")
	}

	collection := database.Collection("dispatch_logs")

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "alias", Value: 1}}},
		{Keys: bson.D{{Key: "status_code", Value: 1}}},
		{Keys: bson.D{{Key: "provider", Value: 1}}},
		{Keys: bson.D{{Key: "request_id", Value: 1}}},
	}
	timestampIndex := mongo.IndexModel{Keys: bson.D{{Key: "timestamp", Value: 1}}}
	if retentionDays > 0 {
		timestampIndex.Options = options.Index().SetExpireAfterSeconds(int32(retentionDays * 24 * 60 * 60))
	}
	indexes = append(indexes, timestampIndex)

	if _, err := collection.Indexes().CreateMany(ctx, indexes); err != nil {
		// Indexes may already exist with other options.
		slog.Warn("failed to create some MongoDB indexes", "error", err)
	}

	return &MongoDBStore{collection: collection}, nil
}

// WriteBatch writes entries with an unordered InsertMany so one bad document does not block the rest.
func (s *MongoDBStore) WriteBatch(ctx context.Context, entries []*LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	docs := make([]any, len(entries))
	for i, e := range entries {
		docs[i] = e
	}

	_, err := s.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		var bulkErr mongo.BulkWriteException
		if errors.As(err, &bulkErr) {
			dispatchLogPartialWriteFailures.Inc()
			slog.Warn("partial dispatch log insert failure",
				"total", len(entries),
				"errors", len(bulkErr.WriteErrors),
			)
			return nil
		}
		return fmt.Errorf("failed to insert dispatch logs: %w", err)
	}
	return nil
}

// Flush is a no-op for MongoDB as writes are synchronous.
func (s *MongoDBStore) Flush(_ context.Context) error {
	return nil
}

// Close is a no-op; the client is owned by the storage layer.
func (s *MongoDBStore) Close() error {
	return nil
}
