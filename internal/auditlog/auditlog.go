// Package auditlog records one entry per dispatched chat request.
// Entries capture the route, every target's outcome and everything that was discarded,
// and are stored asynchronously in a configurable backend.
package auditlog

import (
	"context"
	"time"
)

// LogStore defines the interface for dispatch log storage backends.
// Implementations must be safe for concurrent use.
type LogStore interface {
	// WriteBatch writes multiple log entries to storage.
	WriteBatch(ctx context.Context, entries []*LogEntry) error

	// Flush forces any pending writes to complete.
	Flush(ctx context.Context) error

	// Close stops background work. The underlying connection is owned by the storage layer.
	Close() error
}

// LogEntry is a single dispatch log entry.
// Core fields are stored as columns and indexed; the rest lives in Data.
type LogEntry struct {
	// ID is a unique identifier for this log entry (UUID)
	ID string `json:"id" bson:"_id"`

	// Timestamp is when the request was routed
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`

	// DurationNs is the request duration in nanoseconds
	DurationNs int64 `json:"duration_ns" bson:"duration_ns"`

	RequestID  string `json:"request_id,omitempty" bson:"request_id,omitempty"`
	Alias      string `json:"alias" bson:"alias"`
	Stream     bool   `json:"stream" bson:"stream"`
	State      string `json:"state" bson:"state"`
	StatusCode int    `json:"status_code" bson:"status_code"`
	ErrorType  string `json:"error_type,omitempty" bson:"error_type,omitempty"`

	// Provider and Model identify the selected target, if any
	Provider string `json:"provider,omitempty" bson:"provider,omitempty"`
	Model    string `json:"model,omitempty" bson:"model,omitempty"`

	// Cached is set when the response was served from the response cache
	Cached bool `json:"cached,omitempty" bson:"cached,omitempty"`

	Data *LogData `json:"data,omitempty" bson:"data,omitempty"`
}

// LogData holds the per-target detail of a dispatch.
// Fields are omitted when empty to save storage space.
type LogData struct {
	Policy       string `json:"policy,omitempty" bson:"policy,omitempty"`
	Mode         string `json:"mode,omitempty" bson:"mode,omitempty"`
	ErrorMessage string `json:"error_message,omitempty" bson:"error_message,omitempty"`

	PromptTokens     int `json:"prompt_tokens,omitempty" bson:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty" bson:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty" bson:"total_tokens,omitempty"`

	Targets  []TargetRecord `json:"targets,omitempty" bson:"targets,omitempty"`
	Discards []Discard      `json:"discards,omitempty" bson:"discards,omitempty"`
}

// Target outcome statuses.
const (
	TargetSucceeded = "succeeded"
	TargetFailed    = "failed"
	TargetCancelled = "cancelled"
	TargetSkipped   = "skipped"
)

// TargetRecord is the outcome of one target of a route.
type TargetRecord struct {
	Provider     string `json:"provider" bson:"provider"`
	Model        string `json:"model" bson:"model"`
	Status       string `json:"status" bson:"status"`
	ErrorType    string `json:"error_type,omitempty" bson:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty" bson:"error_message,omitempty"`
	LatencyNs    int64  `json:"latency_ns" bson:"latency_ns"`
	Attempts     int    `json:"attempts" bson:"attempts"`
	Selected     bool   `json:"selected,omitempty" bson:"selected,omitempty"`
}

// Discard records a result or tool call that was not forwarded to the client.
type Discard struct {
	Provider string `json:"provider" bson:"provider"`
	Model    string `json:"model,omitempty" bson:"model,omitempty"`
	Reason   string `json:"reason" bson:"reason"`
	// ToolCallID and ToolName are set when a single tool call was dropped.
	ToolCallID string `json:"tool_call_id,omitempty" bson:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty" bson:"tool_name,omitempty"`
}

// Config holds dispatch log configuration
type Config struct {
	// Enabled controls whether dispatch logging is active
	Enabled bool

	// BufferSize is the number of log entries to buffer before dropping
	BufferSize int

	// FlushInterval is how often to flush buffered logs
	FlushInterval time.Duration

	// RetentionDays is how long to keep logs (0 = forever)
	RetentionDays int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		RetentionDays: 30,
	}
}
