package vol

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/diatomic/LowFive/internal/circuit"
	"github.com/diatomic/LowFive/internal/metadata"
	"github.com/diatomic/LowFive/internal/passthru"
	"github.com/diatomic/LowFive/internal/wire"
	"github.com/diatomic/LowFive/pkg/retry"
	"github.com/diatomic/LowFive/pkg/types"
	"github.com/diatomic/LowFive/pkg/utils"
)

// mirrorBreaker names the circuit breaker guarding mirror copies.
const mirrorBreaker = "mirror"

// mirrorQueue bounds the copies waiting for the mirror worker. Writers block
// once it is full.
const mirrorQueue = 64

// mirrorJob is one copy, or a flush barrier when put is nil.
type mirrorJob struct {
	what   string
	file   string
	object string
	put    func(context.Context) error
	done   chan struct{}
}

// mirror writes best-effort copies of memory-mode files to the pass-through
// store. Copies are snapshotted under the file lock and stored in order by
// a single worker, so retries and open breakers never hold up the writer.
// Failures are logged and counted and never reach the caller.
type mirror struct {
	store   *passthru.Store
	breaker *circuit.CircuitBreaker
	retryer *retry.Retryer
	drainer *retry.Retryer
	logger  *utils.StructuredLogger
	metrics types.MetricsCollector

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan mirrorJob
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	closing atomic.Bool

	copies   atomic.Int64
	failures atomic.Int64
	pending  atomic.Int64
}

// MirrorStats counts mirror copies.
type MirrorStats struct {
	Copies   int64  `json:"copies"`
	Failures int64  `json:"failures"`
	Pending  int64  `json:"pending"`
	Breaker  string `json:"breaker"`
}

func newMirror(store *passthru.Store, breakers *circuit.Manager, policy retry.Config, logger *utils.StructuredLogger, metrics types.MetricsCollector) *mirror {
	ctx, cancel := context.WithCancel(context.Background())
	m := &mirror{
		store:   store,
		breaker: breakers.GetBreaker(mirrorBreaker),
		logger:  logger.WithComponent("mirror"),
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(chan mirrorJob, mirrorQueue),
		done:    make(chan struct{}),
	}
	m.retryer = retry.New(policy).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		m.logger.Debug("retrying mirror copy", utils.Fields{"attempt": attempt, "delay": delay.String(), "error": err})
	})
	// copies still queued at close get one attempt each
	m.drainer = m.retryer.WithMaxAttempts(1)
	go m.work()
	return m
}

// structure queues a copy of the manifest of f. The caller holds the file
// lock.
func (m *mirror) structure(f *metadata.File) {
	body, _ := wire.EncodeFile(f)
	path := f.Path()
	m.enqueue(mirrorJob{what: "structure", file: path, object: "/", put: func(ctx context.Context) error {
		return m.store.SaveManifest(ctx, path, body)
	}})
}

// data queues a copy of the full buffer of one dataset. The caller holds
// the file lock; buf is copied before it returns.
func (m *mirror) data(file, object string, buf []byte) {
	snapshot := bytes.Clone(buf)
	if snapshot == nil {
		snapshot = []byte{}
	}
	m.enqueue(mirrorJob{what: "data", file: file, object: object, put: func(ctx context.Context) error {
		return m.store.WriteData(ctx, file, object, snapshot)
	}})
}

func (m *mirror) enqueue(job mirrorJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.logger.Debug("mirror closed, copy skipped", utils.Fields{"what": job.what, "file": job.file, "path": job.object})
		return
	}
	if job.put != nil {
		m.pending.Add(1)
	}
	m.jobs <- job
}

func (m *mirror) work() {
	defer close(m.done)
	for job := range m.jobs {
		if job.put == nil {
			close(job.done)
			continue
		}
		retryer := m.retryer
		if m.closing.Load() {
			retryer = m.drainer
		}
		m.run(job, retryer)
		m.pending.Add(-1)
	}
}

func (m *mirror) run(job mirrorJob, retryer *retry.Retryer) {
	err := m.breaker.ExecuteWithContext(m.ctx, func(ctx context.Context) error {
		return retryer.DoWithContext(ctx, job.put)
	})
	if m.metrics != nil {
		m.metrics.RecordMirror(err == nil)
	}
	if err != nil {
		m.failures.Add(1)
		m.logger.Warn("mirror copy failed", utils.Fields{
			"what":    job.what,
			"file":    job.file,
			"path":    job.object,
			"breaker": m.breaker.GetState().String(),
			"error":   err,
		})
		return
	}
	m.copies.Add(1)
	m.logger.Trace("mirror copy stored", utils.Fields{"what": job.what, "file": job.file, "path": job.object})
}

// flush waits until every copy queued before the call has been stored or
// has failed.
func (m *mirror) flush(ctx context.Context) error {
	barrier := mirrorJob{done: make(chan struct{})}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return nil
	}
	m.jobs <- barrier
	m.mu.Unlock()

	select {
	case <-barrier.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting copies and waits for the queued ones.
func (m *mirror) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return
	}
	m.closed = true
	m.closing.Store(true)
	close(m.jobs)
	m.mu.Unlock()

	<-m.done
	m.cancel()
}

func (m *mirror) stats() MirrorStats {
	return MirrorStats{
		Copies:   m.copies.Load(),
		Failures: m.failures.Load(),
		Pending:  m.pending.Load(),
		Breaker:  m.breaker.GetState().String(),
	}
}
