package vol

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diatomic/LowFive/internal/metadata"
	"github.com/diatomic/LowFive/internal/passthru"
	"github.com/diatomic/LowFive/internal/routing"
	"github.com/diatomic/LowFive/internal/storage/memory"
	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/retry"
	"github.com/diatomic/LowFive/pkg/types"
)

// brokenBackend rejects every write.
type brokenBackend struct {
	*memory.Store
}

func (brokenBackend) PutObject(ctx context.Context, key string, data []byte) error {
	return pkgerrors.NewError(pkgerrors.ErrCodeStorageUnavailable, "backend is down")
}

func mirrorRules(e *routing.Engine) {
	_ = e.AddRule("*", "*", types.ModeMemory)
	_ = e.AddMirror("*", "*")
}

func TestMirrorCopiesMemoryFile(t *testing.T) {
	ctx := testContext(t)
	c := newConnector(t, mirrorRules)
	c.Lifecycle().SetDefault(true)

	f := writeScenario(t, ctx, c)
	require.NoError(t, c.FileClose(ctx, f))
	require.NoError(t, c.FlushMirror(ctx))

	loaded, err := c.Store().Load(ctx, "outfile.h5")
	require.NoError(t, err)
	grid, err := loaded.Lookup("/group1/grid")
	require.NoError(t, err)
	assert.Equal(t, metadata.Float32, grid.Datatype())
	assert.Equal(t, []uint64{4, 3, 2}, grid.Dataspace().Dims)
	g, err := loaded.Lookup("/group1")
	require.NoError(t, err)
	abc, ok := g.Attribute("abc")
	require.True(t, ok)
	val, err := abc.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, ones(10), val)

	stored, err := c.Store().ReadData(ctx, "outfile.h5", "/group1/grid", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, ones(24), stored)

	// reads never go to the mirror
	require.NoError(t, c.Store().DeleteData(ctx, "outfile.h5", "/group1/grid"))
	f, err = c.FileOpen(ctx, "outfile.h5")
	require.NoError(t, err)
	ds, err := c.DatasetOpen(ctx, f, "/group1/grid")
	require.NoError(t, err)
	got, err := c.DatasetRead(ctx, ds, metadata.Float32, nil)
	require.NoError(t, err)
	assert.Equal(t, ones(24), got)

	stats := c.MirrorStats()
	assert.Positive(t, stats.Copies)
	assert.Zero(t, stats.Failures)
	assert.Equal(t, "CLOSED", stats.Breaker)
}

func TestMirrorFailureDoesNotFailWrites(t *testing.T) {
	ctx := testContext(t)
	engine := routing.NewEngine()
	mirrorRules(engine)
	c := New(Config{
		Engine:      engine,
		Store:       passthru.New(brokenBackend{memory.New()}, passthru.Config{}),
		MirrorRetry: retry.Config{MaxAttempts: 1},
	})
	t.Cleanup(func() { _ = c.Close() })
	c.Lifecycle().SetDefault(true)

	f, err := c.FileCreate(ctx, "flaky.h5")
	require.NoError(t, err)
	ds, err := c.DatasetCreate(ctx, f, "d", metadata.Float32, metadata.Simple(3))
	require.NoError(t, err)
	require.NoError(t, c.DatasetWrite(ctx, ds, metadata.Float32, nil, ones(3)))

	got, err := c.DatasetRead(ctx, ds, metadata.Float32, nil)
	require.NoError(t, err)
	assert.Equal(t, ones(3), got)

	require.NoError(t, c.FlushMirror(ctx))
	stats := c.MirrorStats()
	assert.Zero(t, stats.Copies)
	assert.Zero(t, stats.Pending)
	assert.GreaterOrEqual(t, stats.Failures, int64(3))

	breakers := c.Breakers()
	require.Len(t, breakers, 1)
	assert.Equal(t, "mirror", breakers[0].Name)
	assert.Positive(t, breakers[0].Counts.TotalFailures)

	c.ResetBreakers()
	assert.Zero(t, c.Breakers()[0].Counts.TotalFailures)
	assert.Equal(t, "CLOSED", c.MirrorStats().Breaker)
}

// gatedBackend holds every write until the gate opens.
type gatedBackend struct {
	*memory.Store
	gate chan struct{}
}

func (b gatedBackend) PutObject(ctx context.Context, key string, data []byte) error {
	select {
	case <-b.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.Store.PutObject(ctx, key, data)
}

func TestMirrorDoesNotHoldWriters(t *testing.T) {
	ctx := testContext(t)
	engine := routing.NewEngine()
	mirrorRules(engine)
	gate := make(chan struct{})
	backend := gatedBackend{Store: memory.New(), gate: gate}
	c := New(Config{
		Engine: engine,
		Store:  passthru.New(backend, passthru.Config{}),
	})
	t.Cleanup(func() { _ = c.Close() })
	var once sync.Once
	open := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(open)
	c.Lifecycle().SetDefault(true)

	f, err := c.FileCreate(ctx, "slow.h5")
	require.NoError(t, err)
	ds, err := c.DatasetCreate(ctx, f, "d", metadata.Float32, metadata.Simple(3))
	require.NoError(t, err)
	require.NoError(t, c.DatasetWrite(ctx, ds, metadata.Float32, nil, ones(3)))

	// the copy is a snapshot taken at write time
	require.NoError(t, c.DatasetWrite(ctx, ds, metadata.Float32, nil, floats(7, 8, 9)))
	got, err := c.DatasetRead(ctx, ds, metadata.Float32, nil)
	require.NoError(t, err)
	assert.Equal(t, floats(7, 8, 9), got)
	assert.Positive(t, c.MirrorStats().Pending)
	assert.Zero(t, c.MirrorStats().Copies)

	open()
	require.NoError(t, c.FlushMirror(ctx))
	stats := c.MirrorStats()
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.Failures)
	assert.Positive(t, stats.Copies)

	stored, err := c.Store().ReadData(ctx, "slow.h5", "/d", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, floats(7, 8, 9), stored)
}

func TestMirrorIgnoredForPassthruFiles(t *testing.T) {
	ctx := testContext(t)
	c := newConnector(t, func(e *routing.Engine) {
		_ = e.AddMirror("*", "*")
	})

	f, err := c.FileCreate(ctx, "plain.h5")
	require.NoError(t, err)
	ds, err := c.DatasetCreate(ctx, f, "d", metadata.Float32, metadata.Simple(2))
	require.NoError(t, err)
	require.NoError(t, c.DatasetWrite(ctx, ds, metadata.Float32, nil, ones(2)))
	require.NoError(t, CloseAll(ctx, c, ds, f))

	assert.Zero(t, c.MirrorStats().Copies)
	stored, err := c.Store().ReadData(ctx, "plain.h5", "/d", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, ones(2), stored)
}
