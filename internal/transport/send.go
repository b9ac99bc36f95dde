package transport

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/diatomic/LowFive/internal/metadata"
	"github.com/diatomic/LowFive/internal/wire"
	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/utils"
)

// Report summarizes a completed producer round.
type Report struct {
	Round    string
	Seq      uint64
	Files    int
	Segments int
	Bytes    int64
	Duration time.Duration
}

type fileBulk struct {
	index uint64
	bulk  wire.Bulk
}

// Send runs one producer round for files. The files are sealed for the
// whole round: structural mutation and data writes fail with SEALED until
// Send returns. Send blocks until the consumer has acknowledged the
// structure (synchronous handoff) and again until it has acknowledged the
// bulk data. The caller must not hold the file locks.
func (c *Channel) Send(ctx context.Context, files []*metadata.File) (rep *Report, err error) {
	if c.role != RoleProducer {
		return nil, pkgerrors.NewError(pkgerrors.ErrCodeInvalidArgument, "only a producer can send").
			WithComponent("transport")
	}
	c.round.Lock()
	defer c.round.Unlock()
	if err := c.checkUsable(); err != nil {
		return nil, err
	}

	start := time.Now()
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()
	roundID := uuid.NewString()
	rep = &Report{Round: roundID, Seq: seq, Files: len(files)}
	log := c.logger.WithFields(utils.Fields{"round": roundID, "seq": seq})

	// seal and encode
	bodies := make([][]byte, len(files))
	var bulks []fileBulk
	for i, f := range files {
		f.Lock()
		f.Seal()
		body, bulk := wire.EncodeFile(f)
		f.Unlock()
		bodies[i] = body
		for _, b := range bulk {
			bulks = append(bulks, fileBulk{index: uint64(i), bulk: b})
		}
	}
	defer func() {
		for _, f := range files {
			f.Lock()
			f.Unseal()
			f.Unlock()
		}
		c.setState(StateIdle)
		c.recordRound(start, rep.Bytes, err)
		if err != nil {
			log.Warn("round failed", utils.Fields{"error": err})
		}
	}()

	c.setState(StateExchangePending)
	if err := c.link.Send(ctx, &wire.Frame{Type: wire.FrameRoundBegin, Round: roundID, Seq: seq, Count: uint64(len(files))}); err != nil {
		return rep, c.linkError("round-begin", err)
	}
	for i, f := range files {
		frame := &wire.Frame{Type: wire.FrameStructure, Round: roundID, FileIndex: uint64(i), File: f.Path(), Body: bodies[i]}
		if err := c.link.Send(ctx, frame); err != nil {
			return rep, c.linkError("structure", err)
		}
	}
	if err := c.awaitAck(ctx, roundID, wire.AckStructure); err != nil {
		c.abort(ctx, roundID, err)
		return rep, err
	}
	log.Debug("structure acknowledged", utils.Fields{"files": len(files)})

	c.setState(StateTransmitting)
	for _, fb := range bulks {
		n, bytes, err := c.sendBulk(ctx, roundID, fb)
		rep.Segments += n
		rep.Bytes += bytes
		if err != nil {
			c.abort(ctx, roundID, err)
			return rep, err
		}
	}

	end := &wire.Frame{Type: wire.FrameRoundEnd, Round: roundID, Count: uint64(rep.Segments), Size: rep.Bytes}
	if err := c.link.Send(ctx, end); err != nil {
		return rep, c.linkError("round-end", err)
	}
	if err := c.awaitAck(ctx, roundID, wire.AckComplete); err != nil {
		c.abort(ctx, roundID, err)
		return rep, err
	}

	rep.Duration = time.Since(start)
	log.Info("round sent", utils.Fields{
		"files":    rep.Files,
		"segments": rep.Segments,
		"bytes":    utils.FormatBytes(rep.Bytes),
		"duration": rep.Duration.String(),
	})
	return rep, nil
}

func (c *Channel) sendBulk(ctx context.Context, roundID string, fb fileBulk) (int, int64, error) {
	data := fb.bulk.Node.Data()
	if int64(len(data)) != fb.bulk.Size {
		return 0, 0, pkgerrors.Newf(pkgerrors.ErrCodeInternalError,
			"buffer of %s changed size during the round", fb.bulk.Node.Path()).WithComponent("transport")
	}

	segments := 0
	var sent int64
	for off := 0; off < len(data); off += c.config.SegmentSize {
		end := off + c.config.SegmentSize
		if end > len(data) {
			end = len(data)
		}
		raw := data[off:end]
		frame := &wire.Frame{
			Type:      wire.FrameSegment,
			Round:     roundID,
			FileIndex: fb.index,
			Node:      fb.bulk.ID,
			Offset:    int64(off),
			Size:      fb.bulk.Size,
			RawLen:    uint64(len(raw)),
			Checksum:  checksum(raw),
			Payload:   raw,
		}
		if c.encoder != nil {
			if z := c.encoder.EncodeAll(raw, nil); len(z) < len(raw) {
				frame.Payload = z
				frame.Compressed = true
			}
		}
		if err := c.limiter.WaitN(ctx, len(frame.Payload)); err != nil {
			return segments, sent, c.linkError("segment", err)
		}
		if err := c.link.Send(ctx, frame); err != nil {
			return segments, sent, c.linkError("segment", err)
		}
		segments++
		sent += int64(len(raw))
	}
	return segments, sent, nil
}

// awaitAck waits for the consumer's acknowledgement of stage. Acks left
// over from earlier, timed-out rounds are skipped.
func (c *Channel) awaitAck(ctx context.Context, roundID string, stage wire.AckStage) error {
	for {
		f, err := c.link.Recv(ctx)
		if err != nil {
			return c.linkError("ack", err)
		}
		if f.Type != wire.FrameAck {
			return c.protocolError("expected ack, got %s", f.Type)
		}
		if f.Round != roundID {
			c.logger.Debug("skipping stale ack", utils.Fields{"round": f.Round})
			continue
		}
		if f.Message != "" {
			code := pkgerrors.ErrCodeProtocolMismatch
			if f.Stage == wire.AckComplete {
				code = pkgerrors.ErrCodePartialTransfer
			}
			return pkgerrors.Newf(code, "consumer rejected round: %s", f.Message).
				WithComponent("transport").
				WithContext("channel", c.name)
		}
		if f.Stage != stage {
			return c.protocolError("expected ack for stage %d, got %d", stage, f.Stage)
		}
		return nil
	}
}

// abort tells the consumer to drop the round; best effort.
func (c *Channel) abort(ctx context.Context, roundID string, cause error) {
	if !c.Valid() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	if err := c.link.Send(ctx, &wire.Frame{Type: wire.FrameAbort, Round: roundID, Message: cause.Error()}); err != nil {
		c.logger.Debug("abort not delivered", utils.Fields{"error": err})
	}
}

// Finish announces the end of the session; the consumer's next Receive
// returns SESSION_DONE.
func (c *Channel) Finish(ctx context.Context) error {
	if c.role != RoleProducer {
		return pkgerrors.NewError(pkgerrors.ErrCodeInvalidArgument, "only a producer can finish a session").
			WithComponent("transport")
	}
	c.round.Lock()
	defer c.round.Unlock()
	if err := c.checkUsable(); err != nil {
		return err
	}
	if err := c.link.Send(ctx, &wire.Frame{Type: wire.FrameDone}); err != nil {
		return c.linkError("done", err)
	}
	c.mu.Lock()
	c.finished = true
	c.mu.Unlock()
	c.logger.Info("session finished")
	return nil
}
