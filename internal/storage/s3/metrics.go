package s3

import (
	"sync"
	"time"
)

// BackendMetrics tracks S3 store request metrics
type BackendMetrics struct {
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	BytesUploaded   int64         `json:"bytes_uploaded"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	CargoShipPuts   int64         `json:"cargoship_puts"`
	FallbackPuts    int64         `json:"fallback_puts"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error"`
	LastErrorTime   time.Time     `json:"last_error_time"`
}

type metricsRecorder struct {
	mu      sync.RWMutex
	metrics BackendMetrics
}

func (m *metricsRecorder) request(duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics.Requests++
	if err != nil {
		m.metrics.Errors++
		m.metrics.LastError = err.Error()
		m.metrics.LastErrorTime = time.Now()
	}
	// rolling average, weighted 9:1 toward history
	if m.metrics.Requests == 1 {
		m.metrics.AverageLatency = duration
	} else {
		m.metrics.AverageLatency = time.Duration((int64(m.metrics.AverageLatency)*9 + int64(duration)) / 10)
	}
}

func (m *metricsRecorder) add(fn func(*BackendMetrics)) {
	m.mu.Lock()
	fn(&m.metrics)
	m.mu.Unlock()
}

func (m *metricsRecorder) snapshot() BackendMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}
