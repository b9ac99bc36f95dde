package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/time/rate"

	"github.com/diatomic/LowFive/internal/wire"
	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/types"
	"github.com/diatomic/LowFive/pkg/utils"
)

// GroupID identifies a process group.
type GroupID string

// Role is the side of a channel.
type Role string

const (
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
)

func (r Role) peer() Role {
	if r == RoleProducer {
		return RoleConsumer
	}
	return RoleProducer
}

// State of a channel.
type State int32

const (
	StateIdle State = iota
	StateExchangePending
	StateTransmitting
	StateReconstructing
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExchangePending:
		return "exchange-pending"
	case StateTransmitting:
		return "transmitting"
	case StateReconstructing:
		return "reconstructing"
	case StateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Config tunes a channel.
type Config struct {
	// Name selects the channel in routing rules; it defaults to the remote
	// group id.
	Name string

	// SegmentSize splits dataset buffers into bulk segments.
	SegmentSize int

	// Compress bulk segments with zstd when that makes them smaller.
	Compress bool

	// BytesPerSecond limits bulk throughput; zero means unlimited.
	BytesPerSecond float64

	Logger  *utils.StructuredLogger
	Metrics types.MetricsCollector
}

// DefaultSegmentSize is used when Config.SegmentSize is zero.
const DefaultSegmentSize = 1 << 20

// DefaultConfig returns an uncompressed, unlimited channel configuration.
func DefaultConfig() Config {
	return Config{SegmentSize: DefaultSegmentSize}
}

// Channel bridges a local and a remote process group. Rounds on one channel
// are serialized.
type Channel struct {
	id     string
	name   string
	local  GroupID
	remote GroupID
	role   Role
	link   Link
	config Config
	logger *utils.StructuredLogger

	limiter *rate.Limiter
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	round     sync.Mutex // serializes rounds
	closeOnce sync.Once

	mu         sync.Mutex
	state      State
	seq        uint64
	rounds     int
	failed     int
	bytesMoved int64
	lastRound  time.Time
	finished   bool
	pending    *Round
}

// Open bootstraps a channel over link with a Hello handshake. Both sides
// must call Open; mismatched protocol versions, group ids or roles fail
// with PROTOCOL_MISMATCH and close the link.
func Open(ctx context.Context, local, remote GroupID, role Role, link Link, config Config) (*Channel, error) {
	if config.SegmentSize <= 0 {
		config.SegmentSize = DefaultSegmentSize
	}
	if config.Name == "" {
		config.Name = string(remote)
	}
	logger := config.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	c := &Channel{
		id:     uuid.NewString(),
		name:   config.Name,
		local:  local,
		remote: remote,
		role:   role,
		link:   link,
		config: config,
		logger: logger.WithComponent("transport").WithFields(utils.Fields{
			"channel": config.Name,
			"role":    string(role),
		}),
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
	if config.BytesPerSecond > 0 {
		burst := config.SegmentSize
		if int(config.BytesPerSecond) > burst {
			burst = int(config.BytesPerSecond)
		}
		// a compressed segment can exceed its raw size by the zstd frame overhead
		c.limiter = rate.NewLimiter(rate.Limit(config.BytesPerSecond), burst+1024)
	}

	var err error
	if role == RoleProducer && config.Compress {
		if c.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest)); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.ErrCodeInternalError, "zstd encoder", err)
		}
	}
	if role == RoleConsumer {
		if c.decoder, err = zstd.NewReader(nil); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.ErrCodeInternalError, "zstd decoder", err)
		}
	}

	if err := c.handshake(ctx); err != nil {
		c.invalidate()
		return nil, err
	}
	c.logger.Info("channel open", utils.Fields{"local": string(local), "remote": string(remote), "session": c.id})
	return c, nil
}

func (c *Channel) handshake(ctx context.Context) error {
	hello := &wire.Frame{
		Type:    wire.FrameHello,
		Version: wire.ProtocolVersion,
		Local:   string(c.local),
		Remote:  string(c.remote),
		Role:    string(c.role),
	}
	if err := c.link.Send(ctx, hello); err != nil {
		return c.linkError("hello", err)
	}
	peer, err := c.link.Recv(ctx)
	if err != nil {
		return c.linkError("hello", err)
	}

	switch {
	case peer.Type != wire.FrameHello:
		return c.protocolError("expected hello, got %s", peer.Type)
	case peer.Version != wire.ProtocolVersion:
		return c.protocolError("peer speaks protocol %d, want %d", peer.Version, wire.ProtocolVersion)
	case GroupID(peer.Local) != c.remote || GroupID(peer.Remote) != c.local:
		return c.protocolError("peer bridges %s->%s, want %s->%s", peer.Local, peer.Remote, c.remote, c.local)
	case Role(peer.Role) != c.role.peer():
		return c.protocolError("peer role %q, want %q", peer.Role, c.role.peer())
	}
	return nil
}

// ID returns the session id of the channel.
func (c *Channel) ID() string { return c.id }

// Name returns the routing name of the channel.
func (c *Channel) Name() string { return c.name }

// Role returns the local side of the channel.
func (c *Channel) Role() Role { return c.role }

// Local returns the local group id.
func (c *Channel) Local() GroupID { return c.local }

// Remote returns the remote group id.
func (c *Channel) Remote() GroupID { return c.remote }

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Valid reports whether the link is still usable.
func (c *Channel) Valid() bool {
	return c.State() != StateInvalid
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInvalid {
		c.state = s
	}
}

func (c *Channel) invalidate() {
	c.mu.Lock()
	c.state = StateInvalid
	c.mu.Unlock()
	_ = c.link.Close()
}

func (c *Channel) checkUsable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateInvalid {
		return pkgerrors.NewError(pkgerrors.ErrCodeChannelInvalid, "channel link is no longer usable").
			WithComponent("transport").
			WithContext("channel", c.name)
	}
	if c.finished {
		return pkgerrors.NewError(pkgerrors.ErrCodeSessionDone, "session has ended").
			WithComponent("transport").
			WithContext("channel", c.name)
	}
	return nil
}

func (c *Channel) recordRound(start time.Time, bytes int64, err error) {
	c.mu.Lock()
	c.rounds++
	if err != nil {
		c.failed++
	}
	c.bytesMoved += bytes
	c.lastRound = time.Now()
	c.mu.Unlock()
	if c.config.Metrics != nil {
		c.config.Metrics.RecordRound(string(c.role), time.Since(start), bytes, err == nil)
	}
}

// Status reports the channel for diagnostics.
func (c *Channel) Status() types.ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.ChannelStatus{
		ID:         c.name,
		Local:      string(c.local),
		Remote:     string(c.remote),
		Role:       string(c.role),
		State:      c.state.String(),
		Rounds:     c.rounds,
		Failed:     c.failed,
		BytesMoved: c.bytesMoved,
		LastRound:  c.lastRound,
		Valid:      c.state != StateInvalid,
	}
}

// Close releases the link. A pending consumer round is failed.
func (c *Channel) Close() error {
	c.invalidate()
	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()
	if pending != nil {
		<-pending.done
	}
	c.closeOnce.Do(func() {
		if c.encoder != nil {
			_ = c.encoder.Close()
		}
		if c.decoder != nil {
			c.decoder.Close()
		}
		c.logger.Debug("channel closed")
	})
	return nil
}

// linkError classifies a link failure. Context expiry is a timeout and
// leaves the channel usable; anything else means the peer is gone.
func (c *Channel) linkError(op string, err error) error {
	var lfErr *pkgerrors.LowFiveError
	switch {
	case errors.As(err, &lfErr):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return pkgerrors.Wrap(pkgerrors.ErrCodeTransportTimeout, op+" timed out", err).
			WithComponent("transport").
			WithOperation(op).
			WithContext("channel", c.name)
	case errors.Is(err, io.EOF):
		c.invalidate()
		return pkgerrors.Wrap(pkgerrors.ErrCodePartialTransfer, "peer closed the channel",
			pkgerrors.Wrap(pkgerrors.ErrCodeChannelInvalid, "link closed", err)).
			WithComponent("transport").
			WithOperation(op).
			WithContext("channel", c.name)
	default:
		c.invalidate()
		return pkgerrors.Wrap(pkgerrors.ErrCodeChannelInvalid, "link failed", err).
			WithComponent("transport").
			WithOperation(op).
			WithContext("channel", c.name)
	}
}

func (c *Channel) protocolError(format string, args ...interface{}) error {
	return pkgerrors.Newf(pkgerrors.ErrCodeProtocolMismatch, format, args...).
		WithComponent("transport").
		WithContext("channel", c.name)
}

func checksum(p []byte) uint64 {
	return xxhash.Sum64(p)
}
