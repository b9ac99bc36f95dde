package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/types"
	"github.com/diatomic/LowFive/pkg/utils"
)

var _ types.MetricsCollector = (*Collector)(nil)

// Collector records connector, transport and mirror activity as Prometheus
// metrics and keeps per-operation summaries for the diagnostics API.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *utils.StructuredLogger

	// Prometheus metrics
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	roundCounter      *prometheus.CounterVec
	roundDuration     *prometheus.HistogramVec
	roundBytes        *prometheus.CounterVec
	mirrorCounter     *prometheus.CounterVec
	errorCounter      *prometheus.CounterVec
	residentFiles     prometheus.Gauge

	// Internal tracking
	operations map[string]*OperationMetrics
	rounds     map[string]*RoundMetrics
	lastReset  time.Time

	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

// RoundMetrics tracks transport rounds of one role.
type RoundMetrics struct {
	Count     int64         `json:"count"`
	Failed    int64         `json:"failed"`
	Bytes     int64         `json:"bytes"`
	LastRound time.Time     `json:"last_round"`
	Duration  time.Duration `json:"duration"`
}

// DefaultConfig returns the defaults: enabled, served on :9464/metrics by
// Start.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9464,
		Path:      "/metrics",
		Namespace: "lowfive",
		Labels:    make(map[string]string),
	}
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Collector{config: config, logger: utils.NewNopLogger()}, nil
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		logger:     utils.NewNopLogger(),
		operations: make(map[string]*OperationMetrics),
		rounds:     make(map[string]*RoundMetrics),
		lastReset:  time.Now(),
	}

	collector.initMetrics()
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// SetLogger sets the logger used by the metrics server.
func (c *Collector) SetLogger(logger *utils.StructuredLogger) {
	if logger != nil {
		c.logger = logger.WithComponent("metrics")
	}
}

// Enabled reports whether the collector records anything.
func (c *Collector) Enabled() bool { return c.config.Enabled }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if !c.config.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Start serves the metrics endpoint on its own port until Stop.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("metrics server stopped", utils.Fields{"error": err})
		}
	}()
	return nil
}

// Stop stops the metrics collection server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordOperation records one intercepted operation.
func (c *Collector) RecordOperation(operation string, mode types.Mode, duration time.Duration, size int64, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	m, ok := c.operations[operation]
	if !ok {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.TotalSize += size
	if !success {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.AvgSize = float64(m.TotalSize) / float64(m.Count)
	c.mu.Unlock()

	c.operationCounter.With(prometheus.Labels{
		"operation": operation,
		"mode":      mode.String(),
		"status":    status(success),
	}).Inc()
	c.operationDuration.With(prometheus.Labels{
		"operation": operation,
		"mode":      mode.String(),
	}).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.With(prometheus.Labels{
			"operation": operation,
			"mode":      mode.String(),
		}).Observe(float64(size))
	}
}

// RecordRound records one transport round; role is producer or consumer.
func (c *Collector) RecordRound(role string, duration time.Duration, size int64, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	r, ok := c.rounds[role]
	if !ok {
		r = &RoundMetrics{}
		c.rounds[role] = r
	}
	r.Count++
	if !success {
		r.Failed++
	}
	r.Bytes += size
	r.LastRound = time.Now()
	r.Duration = duration
	c.mu.Unlock()

	c.roundCounter.With(prometheus.Labels{"role": role, "status": status(success)}).Inc()
	c.roundDuration.With(prometheus.Labels{"role": role}).Observe(duration.Seconds())
	if size > 0 {
		c.roundBytes.With(prometheus.Labels{"role": role}).Add(float64(size))
	}
}

// RecordMirror records one mirror copy.
func (c *Collector) RecordMirror(success bool) {
	if !c.config.Enabled {
		return
	}
	c.mirrorCounter.With(prometheus.Labels{"status": status(success)}).Inc()
}

// RecordError records a failed operation by error code.
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled {
		return
	}

	c.errorCounter.With(prometheus.Labels{
		"operation": operation,
		"code":      classifyError(err),
	}).Inc()
}

// SetResidentFiles sets the number of files held in memory.
func (c *Collector) SetResidentFiles(count int) {
	if !c.config.Enabled {
		return
	}
	c.residentFiles.Set(float64(count))
}

// GetMetrics returns current metrics
func (c *Collector) GetMetrics() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	metrics := make(map[string]interface{})

	operations := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		operations[k] = *v
	}
	rounds := make(map[string]RoundMetrics, len(c.rounds))
	for k, v := range c.rounds {
		rounds[k] = *v
	}

	metrics["operations"] = operations
	metrics["rounds"] = rounds
	metrics["last_reset"] = c.lastReset
	metrics["uptime"] = time.Since(c.lastReset).String()

	return metrics
}

// ResetMetrics resets the summaries; Prometheus counters keep counting.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.rounds = make(map[string]*RoundMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	ns, sub, labels := c.config.Namespace, c.config.Subsystem, prometheus.Labels(c.config.Labels)

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "operations_total",
			Help:        "Total number of intercepted operations",
			ConstLabels: labels,
		},
		[]string{"operation", "mode", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "operation_duration_seconds",
			Help:        "Duration of intercepted operations in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.00001, 4, 12), // 10us to ~40s
			ConstLabels: labels,
		},
		[]string{"operation", "mode"},
	)

	c.operationSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "operation_size_bytes",
			Help:        "Bytes moved by data operations",
			Buckets:     prometheus.ExponentialBuckets(64, 4, 14), // 64B to ~4GB
			ConstLabels: labels,
		},
		[]string{"operation", "mode"},
	)

	c.roundCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "rounds_total",
			Help:        "Total number of transport rounds",
			ConstLabels: labels,
		},
		[]string{"role", "status"},
	)

	c.roundDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "round_duration_seconds",
			Help:        "Duration of transport rounds in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~65s
			ConstLabels: labels,
		},
		[]string{"role"},
	)

	c.roundBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "round_bytes_total",
			Help:        "Bulk bytes moved by transport rounds",
			ConstLabels: labels,
		},
		[]string{"role"},
	)

	c.mirrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "mirror_copies_total",
			Help:        "Total number of mirror copies to the pass-through store",
			ConstLabels: labels,
		},
		[]string{"status"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "errors_total",
			Help:        "Total number of failed operations",
			ConstLabels: labels,
		},
		[]string{"operation", "code"},
	)

	c.residentFiles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "resident_files",
			Help:        "Number of files held in memory",
			ConstLabels: labels,
		},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.roundCounter,
		c.roundDuration,
		c.roundBytes,
		c.mirrorCounter,
		c.errorCounter,
		c.residentFiles,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

// classifyError labels an error by its code.
func classifyError(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if code := pkgerrors.CodeOf(err); code != "" {
		return string(code)
	}
	return "other"
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")

	// Helper to avoid errcheck issues
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("LowFive Operations Summary\n")
	writef("==========================\n\n")
	writef("Uptime: %v\n", time.Since(c.lastReset))
	writef("Last Reset: %v\n\n", c.lastReset)

	if len(c.operations) == 0 {
		writef("No operations recorded.\n")
		return
	}

	names := make([]string, 0, len(c.operations))
	for name := range c.operations {
		names = append(names, name)
	}
	sort.Strings(names)

	writef("%-20s %10s %10s %12s %12s %10s\n",
		"Operation", "Count", "Errors", "Avg Duration", "Avg Size", "Last Op")
	writef("%-20s %10s %10s %12s %12s %10s\n",
		"----------", "-----", "------", "------------", "--------", "-------")

	for _, name := range names {
		op := c.operations[name]
		writef("%-20s %10d %10d %12v %12.0f %10s\n",
			name, op.Count, op.Errors, op.AvgDuration,
			op.AvgSize, op.LastOperation.Format("15:04:05"))
	}
}
