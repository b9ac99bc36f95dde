package s3

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ConnectionPool bounds the number of concurrent S3 requests. Clients are
// created lazily up to maxSize and reused afterwards.
type ConnectionPool struct {
	mu      sync.Mutex
	idle    chan *s3.Client
	slots   chan struct{}
	factory func() (*s3.Client, error)
	closed  bool
	stats   PoolStats
}

// PoolStats tracks connection pool statistics
type PoolStats struct {
	MaxSize int   `json:"max_size"`
	Active  int   `json:"active"`
	Created int64 `json:"created"`
	Hits    int64 `json:"hits"`
	Waits   int64 `json:"waits"`
}

// NewConnectionPool creates a new connection pool
func NewConnectionPool(maxSize int, factory func() (*s3.Client, error)) (*ConnectionPool, error) {
	if maxSize <= 0 {
		maxSize = defaultPoolSize
	}
	if factory == nil {
		return nil, fmt.Errorf("connection factory cannot be nil")
	}
	return &ConnectionPool{
		idle:    make(chan *s3.Client, maxSize),
		slots:   make(chan struct{}, maxSize),
		factory: factory,
		stats:   PoolStats{MaxSize: maxSize},
	}, nil
}

// Get waits for a free slot and returns a client.
func (p *ConnectionPool) Get(ctx context.Context) (*s3.Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("connection pool is closed")
	}
	p.mu.Unlock()

	select {
	case p.slots <- struct{}{}:
	default:
		p.mu.Lock()
		p.stats.Waits++
		p.mu.Unlock()
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	p.stats.Active++
	p.mu.Unlock()

	select {
	case c := <-p.idle:
		p.mu.Lock()
		p.stats.Hits++
		p.mu.Unlock()
		return c, nil
	default:
	}
	c, err := p.factory()
	if err != nil {
		p.release()
		return nil, err
	}
	p.mu.Lock()
	p.stats.Created++
	p.mu.Unlock()
	return c, nil
}

// Put returns a client obtained from Get.
func (p *ConnectionPool) Put(c *s3.Client) {
	if c != nil {
		select {
		case p.idle <- c:
		default:
		}
	}
	p.release()
}

func (p *ConnectionPool) release() {
	p.mu.Lock()
	p.stats.Active--
	p.mu.Unlock()
	<-p.slots
}

// Stats returns a snapshot of the pool statistics.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close drops the idle clients; later Gets fail.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for {
		select {
		case <-p.idle:
		default:
			return nil
		}
	}
}
