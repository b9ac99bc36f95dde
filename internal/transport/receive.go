package transport

import (
	"context"
	"time"

	"github.com/diatomic/LowFive/internal/metadata"
	"github.com/diatomic/LowFive/internal/wire"
	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/types"
	"github.com/diatomic/LowFive/pkg/utils"
)

// abortTimeout bounds the best-effort abort notice sent after a failure.
const abortTimeout = 5 * time.Second

// FileSource resolves the local File that a received structure is
// reconstructed into. It is called once per file and round.
type FileSource interface {
	ReceiveFile(path string, mode types.Mode) (*metadata.File, error)
}

// FileSourceFunc adapts a function to FileSource.
type FileSourceFunc func(path string, mode types.Mode) (*metadata.File, error)

// ReceiveFile calls fn.
func (fn FileSourceFunc) ReceiveFile(path string, mode types.Mode) (*metadata.File, error) {
	return fn(path, mode)
}

// Round is a consumer round whose structure has been reconstructed. Dataset
// buffers keep arriving in the background; reads of a dataset block until
// its own buffer is complete.
type Round struct {
	ID    string
	Seq   uint64
	Files []*metadata.File

	done  chan struct{}
	err   error
	bytes int64
}

// Done is closed once every buffer of the round has arrived or the round
// failed.
func (r *Round) Done() <-chan struct{} { return r.done }

// Err returns the outcome of the bulk phase once Done is closed.
func (r *Round) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Bytes returns the number of bulk bytes received; valid after Done.
func (r *Round) Bytes() int64 {
	select {
	case <-r.done:
		return r.bytes
	default:
		return 0
	}
}

// Wait blocks until the round has finished.
func (r *Round) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return pkgerrors.Wrap(pkgerrors.ErrCodeTransportTimeout, "waiting for round data", ctx.Err()).
			WithComponent("transport").
			WithContext("round", r.ID)
	}
}

type fillKey struct {
	file uint64
	node uint64
}

// Receive runs one consumer round. It returns once the structure of every
// file in the round has been reconstructed and acknowledged; the bulk data
// is filled in by a background goroutine tracked by the returned Round.
// Receive returns SESSION_DONE once the producer has finished the session.
func (c *Channel) Receive(ctx context.Context, src FileSource) (*Round, error) {
	if c.role != RoleConsumer {
		return nil, pkgerrors.NewError(pkgerrors.ErrCodeInvalidArgument, "only a consumer can receive").
			WithComponent("transport")
	}
	c.round.Lock()
	defer c.round.Unlock()

	c.mu.Lock()
	prev := c.pending
	c.mu.Unlock()
	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			return nil, c.linkError("receive", ctx.Err())
		}
	}
	if err := c.checkUsable(); err != nil {
		return nil, err
	}

	begin, err := c.nextRound(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	r := &Round{ID: begin.Round, Seq: begin.Seq, done: make(chan struct{})}
	log := c.logger.WithFields(utils.Fields{"round": r.ID, "seq": r.Seq})
	c.setState(StateExchangePending)

	fills := make(map[fillKey]*metadata.Fill)
	var rejected error
	for i := uint64(0); i < begin.Count; i++ {
		f, err := c.link.Recv(ctx)
		if err != nil {
			return nil, c.failRound(r, start, fills, c.midRound("structure", err))
		}
		if f.Type != wire.FrameStructure || f.Round != r.ID {
			c.invalidate()
			return nil, c.failRound(r, start, fills, c.protocolError("expected structure of round %s, got %s", r.ID, f.Type))
		}
		if rejected != nil {
			continue
		}
		c.setState(StateReconstructing)
		file, err := c.reconstruct(f, src, fills)
		if err != nil {
			rejected = err
			continue
		}
		r.Files = append(r.Files, file)
	}

	if rejected != nil {
		log.Warn("rejecting round", utils.Fields{"error": rejected})
		c.reject(ctx, r.ID, rejected)
		return nil, c.failRound(r, start, fills, rejected)
	}

	if err := c.link.Send(ctx, &wire.Frame{Type: wire.FrameAck, Round: r.ID, Stage: wire.AckStructure}); err != nil {
		return nil, c.failRound(r, start, fills, c.midRound("ack", err))
	}
	log.Debug("structure reconstructed", utils.Fields{"files": len(r.Files), "buffers": len(fills)})

	c.setState(StateTransmitting)
	c.mu.Lock()
	c.pending = r
	c.mu.Unlock()
	go c.fillRound(context.WithoutCancel(ctx), r, start, fills)
	return r, nil
}

// nextRound reads up to the next RoundBegin, skipping aborts left over
// from rounds that already ended.
func (c *Channel) nextRound(ctx context.Context) (*wire.Frame, error) {
	for {
		f, err := c.link.Recv(ctx)
		if err != nil {
			return nil, c.linkError("round-begin", err)
		}
		switch f.Type {
		case wire.FrameRoundBegin:
			return f, nil
		case wire.FrameAbort:
			c.logger.Debug("skipping stale abort", utils.Fields{"round": f.Round})
		case wire.FrameDone:
			c.mu.Lock()
			c.finished = true
			c.mu.Unlock()
			c.logger.Info("producer finished the session")
			return nil, pkgerrors.NewError(pkgerrors.ErrCodeSessionDone, "producer finished the session").
				WithComponent("transport").
				WithContext("channel", c.name)
		default:
			c.invalidate()
			return nil, c.protocolError("expected round begin, got %s", f.Type)
		}
	}
}

// reconstruct applies one structure message and starts the fills of its
// dataset buffers.
func (c *Channel) reconstruct(f *wire.Frame, src FileSource, fills map[fillKey]*metadata.Fill) (*metadata.File, error) {
	path, mode, err := wire.PeekFile(f.Body)
	if err != nil {
		return nil, err
	}
	if path != f.File {
		return nil, c.protocolError("structure frame for %q carries file %q", f.File, path)
	}
	file, err := src.ReceiveFile(path, mode)
	if err != nil {
		return nil, err
	}

	file.Lock()
	defer file.Unlock()
	applied, err := wire.ApplyFile(file, f.Body)
	if err != nil {
		return nil, err
	}
	for _, b := range applied.Bulk {
		fills[fillKey{file: f.FileIndex, node: b.ID}] = b.Node.BeginFill(b.Size)
	}
	return file, nil
}

// reject reports a failed reconstruction to the producer and drains the
// round up to the producer's abort.
func (c *Channel) reject(ctx context.Context, roundID string, cause error) {
	ack := &wire.Frame{Type: wire.FrameAck, Round: roundID, Stage: wire.AckStructure, Message: cause.Error()}
	if err := c.link.Send(ctx, ack); err != nil {
		_ = c.midRound("ack", err)
		return
	}
	for {
		f, err := c.link.Recv(ctx)
		if err != nil {
			_ = c.midRound("abort", err)
			return
		}
		if f.Type == wire.FrameAbort && f.Round == roundID {
			return
		}
	}
}

func (c *Channel) fillRound(ctx context.Context, r *Round, start time.Time, fills map[fillKey]*metadata.Fill) {
	err := c.receiveBulk(ctx, r, fills)
	if err != nil {
		c.logger.Warn("round data incomplete", utils.Fields{"round": r.ID, "error": err})
	} else {
		c.logger.Info("round received", utils.Fields{
			"round":    r.ID,
			"files":    len(r.Files),
			"bytes":    utils.FormatBytes(r.bytes),
			"duration": time.Since(start).String(),
		})
	}
	_ = c.failRound(r, start, fills, err)
}

func (c *Channel) receiveBulk(ctx context.Context, r *Round, fills map[fillKey]*metadata.Fill) error {
	for {
		f, err := c.link.Recv(ctx)
		if err != nil {
			return c.midRound("segment", err)
		}
		if f.Round != r.ID {
			c.invalidate()
			return c.protocolError("frame of round %s inside round %s", f.Round, r.ID)
		}

		switch f.Type {
		case wire.FrameSegment:
			n, err := c.applySegment(f, fills)
			if err != nil {
				c.invalidate()
				return err
			}
			r.bytes += n

		case wire.FrameRoundEnd:
			var incomplete error
			for key, fill := range fills {
				if fill.Received() != fill.Size() {
					incomplete = pkgerrors.Newf(pkgerrors.ErrCodePartialTransfer,
						"buffer %d of file %d received %d of %d bytes", key.node, key.file, fill.Received(), fill.Size()).
						WithComponent("transport")
					fill.Fail(incomplete)
					continue
				}
				fill.Complete()
			}
			ack := &wire.Frame{Type: wire.FrameAck, Round: r.ID, Stage: wire.AckComplete}
			if incomplete != nil {
				ack.Message = incomplete.Error()
			}
			if err := c.link.Send(ctx, ack); err != nil {
				return c.linkError("ack", err)
			}
			return incomplete

		case wire.FrameAbort:
			return pkgerrors.Newf(pkgerrors.ErrCodePartialTransfer, "producer aborted the round: %s", f.Message).
				WithComponent("transport").
				WithContext("channel", c.name)

		default:
			c.invalidate()
			return c.protocolError("unexpected %s during bulk transfer", f.Type)
		}
	}
}

func (c *Channel) applySegment(f *wire.Frame, fills map[fillKey]*metadata.Fill) (int64, error) {
	fill, ok := fills[fillKey{file: f.FileIndex, node: f.Node}]
	if !ok {
		return 0, c.protocolError("segment for unknown buffer %d of file %d", f.Node, f.FileIndex)
	}
	if f.Size != fill.Size() {
		return 0, c.protocolError("segment announces %d bytes, buffer holds %d", f.Size, fill.Size())
	}

	raw := f.Payload
	if f.Compressed {
		var err error
		raw, err = c.decoder.DecodeAll(f.Payload, make([]byte, 0, f.RawLen))
		if err != nil {
			return 0, pkgerrors.Wrap(pkgerrors.ErrCodeProtocolMismatch, "corrupt compressed segment", err).
				WithComponent("transport")
		}
	}
	if uint64(len(raw)) != f.RawLen {
		return 0, c.protocolError("segment holds %d bytes, announced %d", len(raw), f.RawLen)
	}
	if checksum(raw) != f.Checksum {
		return 0, c.protocolError("checksum mismatch in segment at offset %d of buffer %d", f.Offset, f.Node)
	}
	if err := fill.WriteAt(f.Offset, raw); err != nil {
		return 0, err
	}
	return int64(len(raw)), nil
}

// failRound settles a round: unfinished fills fail with err, the round is
// published and the channel returns to idle.
func (c *Channel) failRound(r *Round, start time.Time, fills map[fillKey]*metadata.Fill, err error) error {
	if err != nil {
		for _, fill := range fills {
			fill.Fail(err)
		}
	}
	r.err = err
	c.setState(StateIdle)
	c.recordRound(start, r.bytes, err)
	c.mu.Lock()
	if c.pending == r {
		c.pending = nil
	}
	c.mu.Unlock()
	close(r.done)
	return err
}

// midRound classifies a link failure inside a round. The stream position
// is lost, so the channel is invalidated even on timeouts, and readers of
// the round's buffers see PARTIAL_TRANSFER.
func (c *Channel) midRound(op string, err error) error {
	err = c.linkError(op, err)
	c.invalidate()
	if pkgerrors.IsCode(err, pkgerrors.ErrCodePartialTransfer) {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.ErrCodePartialTransfer, "round interrupted", err).
		WithComponent("transport").
		WithOperation(op).
		WithContext("channel", c.name)
}
