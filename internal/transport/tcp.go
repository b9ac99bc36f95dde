package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/diatomic/LowFive/internal/wire"
	"github.com/diatomic/LowFive/pkg/retry"
)

type tcpLink struct {
	conn net.Conn
	r    *bufio.Reader

	wmu sync.Mutex
	w   *bufio.Writer

	rmu sync.Mutex
}

// NewConnLink frames an established connection.
func NewConnLink(conn net.Conn) Link {
	return &tcpLink{
		conn: conn,
		r:    bufio.NewReaderSize(conn, 256<<10),
		w:    bufio.NewWriterSize(conn, 256<<10),
	}
}

// Dial connects to a listening peer, retrying refused connections under
// the retry policy until ctx ends.
func Dial(ctx context.Context, addr string, policy retry.Config) (Link, error) {
	policy.RetryAll = true
	var conn net.Conn
	err := retry.New(policy).DoWithContext(ctx, func(ctx context.Context) error {
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return NewConnLink(conn), nil
}

// Listener accepts links from dialing peers.
type Listener struct {
	ln net.Listener
}

// Listen opens a TCP listener on addr.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Accept waits for one peer.
func (l *Listener) Accept(ctx context.Context) (Link, error) {
	stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer stop()
	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return NewConnLink(conn), nil
}

// Close stops accepting.
func (l *Listener) Close() error {
	return l.ln.Close()
}

func (t *tcpLink) Send(ctx context.Context, f *wire.Frame) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()

	stop := t.deadline(ctx, t.conn.SetWriteDeadline)
	defer stop()
	if err := wire.WriteFrame(t.w, f); err != nil {
		return t.mapErr(ctx, err)
	}
	return t.mapErr(ctx, t.w.Flush())
}

func (t *tcpLink) Recv(ctx context.Context) (*wire.Frame, error) {
	t.rmu.Lock()
	defer t.rmu.Unlock()

	stop := t.deadline(ctx, t.conn.SetReadDeadline)
	defer stop()
	f, err := wire.ReadFrame(t.r)
	if err != nil {
		return nil, t.mapErr(ctx, err)
	}
	return f, nil
}

// deadline interrupts blocking I/O when ctx ends.
func (t *tcpLink) deadline(ctx context.Context, set func(time.Time) error) func() {
	if d, ok := ctx.Deadline(); ok {
		_ = set(d)
	} else {
		_ = set(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { _ = set(time.Now()) })
	return func() { stop() }
}

func (t *tcpLink) mapErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var ne net.Error
	switch {
	case errors.Is(err, net.ErrClosed):
		return ErrLinkClosed
	case errors.Is(err, io.ErrUnexpectedEOF):
		return io.EOF
	case errors.As(err, &ne) && ne.Timeout():
		return context.DeadlineExceeded
	}
	return err
}

func (t *tcpLink) Close() error {
	return t.conn.Close()
}
