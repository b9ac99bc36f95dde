package types

import (
	"context"
	"time"
)

// Backend defines the interface for the blob stores that persist
// pass-through files.
type Backend interface {
	// GetObject reads size bytes at offset; a negative size reads to the end.
	GetObject(ctx context.Context, key string, offset, size int64) ([]byte, error)
	PutObject(ctx context.Context, key string, data []byte) error
	DeleteObject(ctx context.Context, key string) error
	HeadObject(ctx context.Context, key string) (*ObjectInfo, error)

	ListObjects(ctx context.Context, prefix string, limit int) ([]ObjectInfo, error)

	HealthCheck(ctx context.Context) error
}

// MetricsCollector defines the metrics collection interface
type MetricsCollector interface {
	RecordOperation(operation string, mode Mode, duration time.Duration, size int64, success bool)
	RecordRound(role string, duration time.Duration, size int64, success bool)
	RecordMirror(success bool)
	RecordError(operation string, err error)
	SetResidentFiles(count int)
	GetMetrics() map[string]interface{}
}

// Inspector exposes the diagnostics a running connector reports.
type Inspector interface {
	Files() []FileStatus
	Channels() []ChannelStatus
	Rules() []RuleStatus
}
