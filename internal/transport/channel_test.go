package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diatomic/LowFive/internal/metadata"
	"github.com/diatomic/LowFive/internal/wire"
	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/retry"
	"github.com/diatomic/LowFive/pkg/types"
)

func ones(n int) []byte {
	buf := make([]byte, 4*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(1.0))
	}
	return buf
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// openPair opens a producer and a consumer channel over the two links.
func openPair(t *testing.T, prodLink, consLink Link, cfg Config) (*Channel, *Channel) {
	t.Helper()
	return openPairAs(t, prodLink, consLink, "prod", "cons", cfg)
}

func openPairAs(t *testing.T, prodLink, consLink Link, prod, cons GroupID, cfg Config) (*Channel, *Channel) {
	t.Helper()
	ctx := testContext(t)

	var (
		consumer *Channel
		consErr  error
		wg       sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		consumer, consErr = Open(ctx, cons, prod, RoleConsumer, consLink, cfg)
	}()
	producer, err := Open(ctx, prod, cons, RoleProducer, prodLink, cfg)
	wg.Wait()
	require.NoError(t, err)
	require.NoError(t, consErr)
	t.Cleanup(func() {
		_ = producer.Close()
		_ = consumer.Close()
	})
	return producer, consumer
}

func pipePair(t *testing.T, cfg Config) (*Channel, *Channel) {
	a, b := Pipe(0)
	return openPair(t, a, b, cfg)
}

// placeholders hands out placeholder files keyed by path, as a connector
// does for remote opens.
type placeholders struct {
	mu    sync.Mutex
	files map[string]*metadata.File
}

func newPlaceholders() *placeholders {
	return &placeholders{files: make(map[string]*metadata.File)}
}

func (p *placeholders) ReceiveFile(path string, mode types.Mode) (*metadata.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.files[path]
	if !ok {
		f = metadata.NewPlaceholderFile(path, mode)
		p.files[path] = f
	}
	return f, nil
}

func (p *placeholders) get(path string) *metadata.File {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.files[path]
}

func scenarioFile(t *testing.T) *metadata.File {
	t.Helper()
	f := metadata.NewFile("outfile.h5", types.ModeRemote)
	g, err := f.Root().CreateGroup("group1")
	require.NoError(t, err)
	ds, err := g.CreateDataset("grid", metadata.Float32, metadata.Simple(4, 3, 2))
	require.NoError(t, err)
	require.NoError(t, ds.Write(nil, ones(24), metadata.OwnershipCore))

	abc, err := g.CreateAttribute("abc", metadata.Float32, metadata.Simple(10))
	require.NoError(t, err)
	require.NoError(t, abc.Write(nil, ones(10), metadata.OwnershipCore))
	def, err := f.Root().CreateAttribute("def", metadata.Float32, metadata.Simple(5))
	require.NoError(t, err)
	require.NoError(t, def.Write(nil, ones(5), metadata.OwnershipCore))
	return f
}

type received struct {
	round *Round
	err   error
}

func receiveAsync(ctx context.Context, c *Channel, src FileSource) <-chan received {
	out := make(chan received, 1)
	go func() {
		r, err := c.Receive(ctx, src)
		out <- received{round: r, err: err}
	}()
	return out
}

func TestRoundTransfersDataset(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"single segment", DefaultConfig()},
		{"many segments", Config{SegmentSize: 16}},
		{"compressed", Config{SegmentSize: 32, Compress: true}},
		{"rate limited", Config{SegmentSize: 32, BytesPerSecond: 1 << 20}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testContext(t)
			producer, consumer := pipePair(t, tt.cfg)
			src := newPlaceholders()
			f := scenarioFile(t)

			pending := receiveAsync(ctx, consumer, src)
			rep, err := producer.Send(ctx, []*metadata.File{f})
			require.NoError(t, err)
			assert.Equal(t, 1, rep.Files)
			assert.Equal(t, int64(96), rep.Bytes)
			assert.False(t, f.Sealed(), "producer file must be unsealed after the round")

			res := <-pending
			require.NoError(t, res.err)
			require.NoError(t, res.round.Wait(ctx))
			assert.Equal(t, int64(96), res.round.Bytes())
			require.Len(t, res.round.Files, 1)

			got := src.get("outfile.h5")
			require.NotNil(t, got)
			assert.False(t, got.Placeholder())

			ds, err := got.Lookup("/group1/grid")
			require.NoError(t, err)
			require.NoError(t, ds.AwaitData(ctx))
			data, err := ds.Read(nil)
			require.NoError(t, err)
			assert.Equal(t, ones(24), data)
			assert.Equal(t, []uint64{4, 3, 2}, ds.Dataspace().Dims)

			g, err := got.Lookup("/group1")
			require.NoError(t, err)
			abc, ok := g.Attribute("abc")
			require.True(t, ok)
			data, err = abc.Read(nil)
			require.NoError(t, err)
			assert.Equal(t, ones(10), data)

			def, ok := got.Root().Attribute("def")
			require.True(t, ok)
			assert.Equal(t, []uint64{5}, def.Dataspace().Dims)

			assert.Equal(t, StateIdle, producer.State())
			assert.Equal(t, 1, producer.Status().Rounds)
		})
	}
}

func TestPlaceholderHandlesSurviveRound(t *testing.T) {
	ctx := testContext(t)
	producer, consumer := pipePair(t, DefaultConfig())
	src := newPlaceholders()

	// the consumer opens the dataset before the producer defined it
	early, err := src.ReceiveFile("outfile.h5", types.ModeRemote)
	require.NoError(t, err)
	g, err := early.Root().CreatePlaceholder("group1", metadata.KindGroup)
	require.NoError(t, err)
	handle, err := g.CreatePlaceholder("grid", metadata.KindDataset)
	require.NoError(t, err)
	_, err = handle.Read(nil)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeNotReady))

	pending := receiveAsync(ctx, consumer, src)
	_, err = producer.Send(ctx, []*metadata.File{scenarioFile(t)})
	require.NoError(t, err)
	res := <-pending
	require.NoError(t, res.err)

	require.NoError(t, handle.AwaitData(ctx))
	data, err := handle.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, ones(24), data)
}

func TestSeveralRounds(t *testing.T) {
	ctx := testContext(t)
	producer, consumer := pipePair(t, Config{SegmentSize: 8})
	src := newPlaceholders()
	f := scenarioFile(t)
	ds, err := f.Lookup("/group1/grid")
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		buf := make([]byte, 96)
		for j := range buf {
			buf[j] = byte(i)
		}
		require.NoError(t, ds.Write(nil, buf, metadata.OwnershipCore))

		pending := receiveAsync(ctx, consumer, src)
		_, err := producer.Send(ctx, []*metadata.File{f})
		require.NoError(t, err)
		res := <-pending
		require.NoError(t, res.err)
		require.NoError(t, res.round.Wait(ctx))
		assert.Equal(t, uint64(i), res.round.Seq)

		got, err := src.get("outfile.h5").Lookup("/group1/grid")
		require.NoError(t, err)
		data, err := got.Read(nil)
		require.NoError(t, err)
		assert.Equal(t, buf, data)
	}
	assert.Equal(t, 3, consumer.Status().Rounds)
	assert.Equal(t, int64(3*96), consumer.Status().BytesMoved)
}

func TestSessionDone(t *testing.T) {
	ctx := testContext(t)
	producer, consumer := pipePair(t, DefaultConfig())

	require.NoError(t, producer.Finish(ctx))
	_, err := consumer.Receive(ctx, newPlaceholders())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeSessionDone))

	_, err = producer.Send(ctx, nil)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeSessionDone))
	_, err = consumer.Receive(ctx, newPlaceholders())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeSessionDone))
}

func TestRolesAreEnforced(t *testing.T) {
	ctx := testContext(t)
	producer, consumer := pipePair(t, DefaultConfig())

	_, err := producer.Receive(ctx, newPlaceholders())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeInvalidArgument))
	_, err = consumer.Send(ctx, nil)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeInvalidArgument))
	assert.True(t, pkgerrors.IsCode(consumer.Finish(ctx), pkgerrors.ErrCodeInvalidArgument))
}

func TestRejectedRoundKeepsChannelUsable(t *testing.T) {
	ctx := testContext(t)
	producer, consumer := pipePair(t, DefaultConfig())

	refuse := FileSourceFunc(func(path string, mode types.Mode) (*metadata.File, error) {
		return nil, pkgerrors.Newf(pkgerrors.ErrCodeTypeMismatch, "%s is open in another mode", path)
	})
	pending := receiveAsync(ctx, consumer, refuse)
	_, err := producer.Send(ctx, []*metadata.File{scenarioFile(t)})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeProtocolMismatch))
	res := <-pending
	assert.True(t, pkgerrors.IsCode(res.err, pkgerrors.ErrCodeTypeMismatch))

	assert.True(t, producer.Valid())
	assert.True(t, consumer.Valid())

	src := newPlaceholders()
	pending = receiveAsync(ctx, consumer, src)
	_, err = producer.Send(ctx, []*metadata.File{scenarioFile(t)})
	require.NoError(t, err)
	res = <-pending
	require.NoError(t, res.err)
	require.NoError(t, res.round.Wait(ctx))
	assert.Equal(t, 1, producer.Status().Failed)
}

func TestHandshakeMismatch(t *testing.T) {
	tests := []struct {
		name  string
		hello *wire.Frame
	}{
		{"version", &wire.Frame{Type: wire.FrameHello, Version: wire.ProtocolVersion + 1, Local: "prod", Remote: "cons", Role: "producer"}},
		{"groups", &wire.Frame{Type: wire.FrameHello, Version: wire.ProtocolVersion, Local: "other", Remote: "cons", Role: "producer"}},
		{"role", &wire.Frame{Type: wire.FrameHello, Version: wire.ProtocolVersion, Local: "prod", Remote: "cons", Role: "consumer"}},
		{"frame", &wire.Frame{Type: wire.FrameRoundBegin}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testContext(t)
			raw, consLink := Pipe(0)
			require.NoError(t, raw.Send(ctx, tt.hello))

			_, err := Open(ctx, "cons", "prod", RoleConsumer, consLink, DefaultConfig())
			require.Error(t, err)
			assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeProtocolMismatch))

			// the consumer closed its end
			_, err = raw.Recv(ctx) // its hello
			require.NoError(t, err)
			_, err = raw.Recv(ctx)
			assert.Error(t, err)
		})
	}
}

// rawProducer drives the producer side of a channel frame by frame.
func rawProducer(t *testing.T) (Link, *Channel) {
	t.Helper()
	ctx := testContext(t)
	raw, consLink := Pipe(0)
	require.NoError(t, raw.Send(ctx, &wire.Frame{
		Type: wire.FrameHello, Version: wire.ProtocolVersion, Local: "prod", Remote: "cons", Role: "producer",
	}))
	consumer, err := Open(ctx, "cons", "prod", RoleConsumer, consLink, DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = consumer.Close() })
	_, err = raw.Recv(ctx)
	require.NoError(t, err)
	return raw, consumer
}

// beginRound sends the structure of f and waits for the consumer's ack.
func beginRound(t *testing.T, raw Link, consumer *Channel, f *metadata.File) (*Round, []wire.Bulk) {
	t.Helper()
	ctx := testContext(t)
	body, bulk := wire.EncodeFile(f)

	pending := receiveAsync(ctx, consumer, newPlaceholders())
	require.NoError(t, raw.Send(ctx, &wire.Frame{Type: wire.FrameRoundBegin, Round: "r1", Seq: 1, Count: 1}))
	require.NoError(t, raw.Send(ctx, &wire.Frame{Type: wire.FrameStructure, Round: "r1", File: f.Path(), Body: body}))
	ack, err := raw.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, wire.FrameAck, ack.Type)
	require.Equal(t, wire.AckStructure, ack.Stage)
	require.Empty(t, ack.Message)

	res := <-pending
	require.NoError(t, res.err)
	return res.round, bulk
}

func TestPeerClosesMidRound(t *testing.T) {
	ctx := testContext(t)
	raw, consumer := rawProducer(t)
	round, bulk := beginRound(t, raw, consumer, scenarioFile(t))
	require.Len(t, bulk, 1)

	ds, err := round.Files[0].Lookup("/group1/grid")
	require.NoError(t, err)
	assert.True(t, ds.Pending())

	half := ds.ByteSize() / 2
	payload := ones(24)[:half]
	require.NoError(t, raw.Send(ctx, &wire.Frame{
		Type: wire.FrameSegment, Round: "r1", Node: bulk[0].ID, Offset: 0, Size: bulk[0].Size,
		RawLen: uint64(half), Checksum: checksum(payload), Payload: payload,
	}))
	require.NoError(t, raw.Close())

	err = round.Wait(ctx)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodePartialTransfer))
	err = ds.AwaitData(ctx)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodePartialTransfer))
	_, err = ds.Read(nil)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodePartialTransfer))

	assert.False(t, consumer.Valid())
	_, err = consumer.Receive(ctx, newPlaceholders())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeChannelInvalid))
}

func TestCorruptSegment(t *testing.T) {
	ctx := testContext(t)
	raw, consumer := rawProducer(t)
	round, bulk := beginRound(t, raw, consumer, scenarioFile(t))

	payload := ones(24)
	require.NoError(t, raw.Send(ctx, &wire.Frame{
		Type: wire.FrameSegment, Round: "r1", Node: bulk[0].ID, Size: bulk[0].Size,
		RawLen: uint64(len(payload)), Checksum: checksum(payload) + 1, Payload: payload,
	}))

	err := round.Wait(ctx)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeProtocolMismatch))
	assert.False(t, consumer.Valid())
}

func TestAbortedRound(t *testing.T) {
	ctx := testContext(t)
	raw, consumer := rawProducer(t)
	round, _ := beginRound(t, raw, consumer, scenarioFile(t))

	require.NoError(t, raw.Send(ctx, &wire.Frame{Type: wire.FrameAbort, Round: "r1", Message: "producer gave up"}))
	err := round.Wait(ctx)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodePartialTransfer))
	assert.True(t, consumer.Valid(), "an abort leaves the link usable")
}

func TestIncompleteRoundEnd(t *testing.T) {
	ctx := testContext(t)
	raw, consumer := rawProducer(t)
	round, _ := beginRound(t, raw, consumer, scenarioFile(t))

	require.NoError(t, raw.Send(ctx, &wire.Frame{Type: wire.FrameRoundEnd, Round: "r1"}))
	ack, err := raw.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, wire.AckComplete, ack.Stage)
	assert.NotEmpty(t, ack.Message)

	assert.True(t, pkgerrors.IsCode(round.Wait(ctx), pkgerrors.ErrCodePartialTransfer))
}

func TestReceiveTimeoutKeepsChannel(t *testing.T) {
	_, consumer := pipePair(t, DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := consumer.Receive(ctx, newPlaceholders())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeTransportTimeout))
	assert.True(t, consumer.Valid())
}

func TestTCPRound(t *testing.T) {
	ctx := testContext(t)
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan Link, 1)
	go func() {
		l, err := ln.Accept(ctx)
		if err == nil {
			accepted <- l
		}
		close(accepted)
	}()
	prodLink, err := Dial(ctx, ln.Addr(), retry.DefaultConfig())
	require.NoError(t, err)
	consLink, ok := <-accepted
	require.True(t, ok)

	producer, consumer := openPair(t, prodLink, consLink, Config{SegmentSize: 40, Compress: true})
	src := newPlaceholders()
	pending := receiveAsync(ctx, consumer, src)
	_, err = producer.Send(ctx, []*metadata.File{scenarioFile(t)})
	require.NoError(t, err)
	res := <-pending
	require.NoError(t, res.err)
	require.NoError(t, res.round.Wait(ctx))

	ds, err := src.get("outfile.h5").Lookup("/group1/grid")
	require.NoError(t, err)
	data, err := ds.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, ones(24), data)

	require.NoError(t, producer.Finish(ctx))
	_, err = consumer.Receive(ctx, src)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeSessionDone))
}

func TestDialRefused(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr()
	require.NoError(t, ln.Close())

	policy := retry.DefaultConfig()
	policy.MaxAttempts = 2
	policy.InitialDelay = time.Millisecond
	_, err = Dial(testContext(t), addr, policy)
	require.Error(t, err)
}

func TestLinkErrorClassification(t *testing.T) {
	_, consumer := pipePair(t, DefaultConfig())

	err := consumer.linkError("x", context.DeadlineExceeded)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeTransportTimeout))
	assert.True(t, consumer.Valid())

	wrapped := pkgerrors.NewError(pkgerrors.ErrCodeProtocolMismatch, "bad")
	assert.Same(t, wrapped, consumer.linkError("x", wrapped))

	err = consumer.linkError("x", errors.New("reset by peer"))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeChannelInvalid))
	assert.False(t, consumer.Valid())
}
