package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/diatomic/LowFive/internal/wire"
)

// ErrLinkClosed is returned by a Link after its own Close.
var ErrLinkClosed = errors.New("link closed")

// Link carries frames between two peers in order. Recv returns io.EOF once
// the peer has closed its end and every frame it sent has been delivered.
type Link interface {
	Send(ctx context.Context, f *wire.Frame) error
	Recv(ctx context.Context) (*wire.Frame, error)
	Close() error
}

// DefaultPipeDepth is the number of frames a pipe buffers per direction.
const DefaultPipeDepth = 64

type pipeEnd struct {
	in     <-chan *wire.Frame
	out    chan<- *wire.Frame
	closed chan struct{}
	peer   chan struct{}
	once   sync.Once
}

// Pipe returns two connected in-process links. Each direction buffers depth
// frames; a full buffer blocks the sender.
func Pipe(depth int) (Link, Link) {
	if depth <= 0 {
		depth = DefaultPipeDepth
	}
	ab := make(chan *wire.Frame, depth)
	ba := make(chan *wire.Frame, depth)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})
	a := &pipeEnd{in: ba, out: ab, closed: aClosed, peer: bClosed}
	b := &pipeEnd{in: ab, out: ba, closed: bClosed, peer: aClosed}
	return a, b
}

func (p *pipeEnd) Send(ctx context.Context, f *wire.Frame) error {
	select {
	case <-p.closed:
		return ErrLinkClosed
	case <-p.peer:
		return io.EOF
	default:
	}
	select {
	case p.out <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return ErrLinkClosed
	case <-p.peer:
		return io.EOF
	}
}

func (p *pipeEnd) Recv(ctx context.Context) (*wire.Frame, error) {
	select {
	case f := <-p.in:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, ErrLinkClosed
	case <-p.peer:
		select {
		case f := <-p.in:
			return f, nil
		default:
			return nil, io.EOF
		}
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
