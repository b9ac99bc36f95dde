package metadata

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/types"
)

func float32s(n int, v float32) []byte {
	buf := make([]byte, 4*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func int32s(vals ...int32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(v))
	}
	return buf
}

func TestCreateAndLookup(t *testing.T) {
	f := NewFile("out.h5", types.ModeMemory)

	g, err := f.Root().CreateGroup("group1")
	require.NoError(t, err)
	sub, err := g.CreateGroup("sub")
	require.NoError(t, err)
	ds, err := sub.CreateDataset("data0", Float32, Simple(4, 3, 2))
	require.NoError(t, err)

	got, err := f.Lookup("/group1/sub/data0")
	require.NoError(t, err)
	assert.Same(t, ds, got)
	assert.Equal(t, "/group1/sub/data0", ds.Path())

	got, err = f.LookupFrom(g, "sub/data0")
	require.NoError(t, err)
	assert.Same(t, ds, got)

	root, err := f.Lookup("/")
	require.NoError(t, err)
	assert.Same(t, f.Root(), root)
}

func TestLookupErrors(t *testing.T) {
	f := NewFile("out.h5", types.ModeMemory)
	g, _ := f.Root().CreateGroup("group1")
	_, _ = g.CreateDataset("data0", Float32, Simple(2))

	tests := []struct {
		path string
		code pkgerrors.ErrorCode
	}{
		{"/missing", pkgerrors.ErrCodeNotFound},
		{"/group1/missing/data0", pkgerrors.ErrCodeNotFound},
		{"/group1/data0/inner", pkgerrors.ErrCodeTypeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := f.Lookup(tt.path)
			require.Error(t, err)
			assert.Equal(t, tt.code, pkgerrors.CodeOf(err))
		})
	}
}

func TestLookupErrorCarriesPath(t *testing.T) {
	f := NewFile("out.h5", types.ModeMemory)
	_, _ = f.Root().CreateGroup("group1")

	_, err := f.Lookup("/group1/missing")
	var lfErr *pkgerrors.LowFiveError
	require.True(t, errors.As(err, &lfErr))
	assert.Equal(t, "/group1/missing", lfErr.Context["lookup"])
	assert.Equal(t, "out.h5", lfErr.Context["file"])
	assert.Equal(t, "metadata", lfErr.Component)
}

func TestSearchReturnsRemainder(t *testing.T) {
	f := NewFile("out.h5", types.ModeMemory)
	g, _ := f.Root().CreateGroup("group1")

	n, rest := f.Search("/group1/a/b")
	assert.Same(t, g, n)
	assert.Equal(t, []string{"a", "b"}, rest)

	n, rest = f.Search("/group1")
	assert.Same(t, g, n)
	assert.Empty(t, rest)
}

func TestDuplicateNames(t *testing.T) {
	f := NewFile("out.h5", types.ModeMemory)
	_, err := f.Root().CreateGroup("g")
	require.NoError(t, err)

	_, err = f.Root().CreateDataset("g", Int32, Simple(1))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeAlreadyExists))

	_, err = f.Root().CreateAttribute("a", Int32, Scalar())
	require.NoError(t, err)
	_, err = f.Root().CreateAttribute("a", Int32, Scalar())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeAlreadyExists))

	_, err = f.Root().CreateGroup("bad/name")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeInvalidArgument))
}

func TestChildrenOnlyInContainers(t *testing.T) {
	f := NewFile("out.h5", types.ModeMemory)
	ds, _ := f.Root().CreateDataset("d", Int32, Simple(1))

	_, err := ds.CreateGroup("x")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeTypeMismatch))

	a, _ := ds.CreateAttribute("units", FixedString(8), Scalar())
	_, err = a.CreateAttribute("nested", Int32, Scalar())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeTypeMismatch))
}

func TestLinks(t *testing.T) {
	f := NewFile("out.h5", types.ModeMemory)
	g, _ := f.Root().CreateGroup("group1")
	ds, _ := g.CreateDataset("data0", Float32, Simple(3))

	_, err := f.Root().CreateSoftLink("abs", "/group1/data0")
	require.NoError(t, err)
	_, err = g.CreateSoftLink("rel", "data0")
	require.NoError(t, err)
	_, err = f.Root().CreateHardLink("hard", ds)
	require.NoError(t, err)
	_, err = f.Root().CreateSoftLink("loop", "/loop")
	require.NoError(t, err)

	for _, p := range []string{"/abs", "/group1/rel", "/hard"} {
		got, err := f.Lookup(p)
		require.NoError(t, err, p)
		assert.Same(t, ds, got, p)
	}

	_, err = f.Lookup("/loop")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeNotFound))

	other := NewFile("other.h5", types.ModeMemory)
	_, err = other.Root().CreateHardLink("x", ds)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeInvalidArgument))
}

func TestWalkCreationOrder(t *testing.T) {
	f := NewFile("out.h5", types.ModeMemory)
	root := f.Root()
	_, _ = root.CreateGroup("zeta")
	a, _ := root.CreateGroup("alpha")
	_, _ = root.CreateAttribute("def", Float32, Simple(5))
	_, _ = a.CreateDataset("d2", Int32, Simple(1))
	_, _ = a.CreateDataset("d1", Int32, Simple(1))
	_, _ = a.CreateAttribute("abc", Float32, Simple(10))

	var order []string
	require.NoError(t, f.Walk(func(n *Node) error {
		order = append(order, n.Path())
		return nil
	}))

	assert.Equal(t, []string{
		"/", "/@def", "/zeta", "/alpha", "/alpha@abc", "/alpha/d2", "/alpha/d1",
	}, order)

	order = nil
	require.NoError(t, f.Walk(func(n *Node) error {
		order = append(order, n.Path())
		if n.Name() == "alpha" {
			return SkipChildren
		}
		return nil
	}))
	assert.Equal(t, []string{"/", "/@def", "/zeta", "/alpha"}, order)
}

func TestWriteReadRoundTrip(t *testing.T) {
	f := NewFile("out.h5", types.ModeMemory)
	ds, _ := f.Root().CreateDataset("data0", Float32, Simple(4, 3, 2))
	data := float32s(24, 1.0)

	require.NoError(t, ds.Write(nil, data, OwnershipCore))
	_, err := f.Root().CreateAttribute("note", Int32, Scalar())
	require.NoError(t, err)

	data[0] = 0xFF
	got, err := ds.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, float32s(24, 1.0), got)
}

func TestWriteValidatesShape(t *testing.T) {
	f := NewFile("out.h5", types.ModeMemory)
	ds, _ := f.Root().CreateDataset("data0", Float32, Simple(4))

	err := ds.Write(nil, float32s(3, 1), OwnershipCore)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeShapeMismatch))

	err = ds.Write(&Hyperslab{Start: []uint64{3}, Count: []uint64{2}}, float32s(2, 1), OwnershipCore)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeShapeMismatch))

	g, _ := f.Root().CreateGroup("g")
	err = g.Write(nil, nil, OwnershipCore)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeTypeMismatch))
}

func TestReadBeforeWriteIsNotReady(t *testing.T) {
	f := NewFile("out.h5", types.ModeMemory)
	ds, _ := f.Root().CreateDataset("data0", Float32, Simple(4))

	_, err := ds.Read(nil)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeNotReady))
}

func TestUserOwnershipAliases(t *testing.T) {
	f := NewFile("out.h5", types.ModeMemory)
	ds, _ := f.Root().CreateDataset("data0", Int32, Simple(3))
	user := int32s(1, 2, 3)

	require.NoError(t, ds.Write(nil, user, OwnershipUser))
	assert.Equal(t, OwnershipUser, ds.Ownership())

	copy(user, int32s(7))
	got, _ := ds.Read(nil)
	assert.Equal(t, int32s(7, 2, 3), got)

	// partial writes never touch the user's memory
	require.NoError(t, ds.Write(&Hyperslab{Start: []uint64{2}, Count: []uint64{1}}, int32s(9), OwnershipUser))
	assert.Equal(t, OwnershipCore, ds.Ownership())
	assert.Equal(t, int32s(7, 2, 3), user)
	got, _ = ds.Read(nil)
	assert.Equal(t, int32s(7, 2, 9), got)
}

func TestHyperslabWriteAndRead(t *testing.T) {
	f := NewFile("out.h5", types.ModeMemory)
	ds, _ := f.Root().CreateDataset("grid", Int32, Simple(3, 4))

	// fill rows 1..2, columns 1..2
	sel := &Hyperslab{Start: []uint64{1, 1}, Count: []uint64{2, 2}}
	require.NoError(t, ds.Write(sel, int32s(1, 2, 3, 4), OwnershipCore))

	all, err := ds.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, int32s(
		0, 0, 0, 0,
		0, 1, 2, 0,
		0, 3, 4, 0,
	), all)
	assert.Len(t, all, int(ds.ByteSize()))

	col, err := ds.Read(&Hyperslab{Start: []uint64{0, 2}, Count: []uint64{3, 1}})
	require.NoError(t, err)
	assert.Equal(t, int32s(0, 2, 4), col)
}

func TestSetExtent(t *testing.T) {
	f := NewFile("out.h5", types.ModeMemory)
	ds, err := f.Root().CreateDataset("series", Int32, Simple(2, 2).WithMax(Unlimited, 2))
	require.NoError(t, err)
	require.NoError(t, ds.Write(nil, int32s(1, 2, 3, 4), OwnershipCore))

	require.NoError(t, ds.SetExtent([]uint64{3, 2}))
	got, _ := ds.Read(nil)
	assert.Equal(t, int32s(1, 2, 3, 4, 0, 0), got)
	assert.Equal(t, []uint64{3, 2}, ds.Dataspace().Dims)

	require.NoError(t, ds.SetExtent([]uint64{1, 2}))
	got, _ = ds.Read(nil)
	assert.Equal(t, int32s(1, 2), got)

	err = ds.SetExtent([]uint64{1, 3})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeShapeMismatch))
	err = ds.SetExtent([]uint64{1})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeShapeMismatch))
}

func TestDimensionScales(t *testing.T) {
	f := NewFile("out.h5", types.ModeMemory)
	x, _ := f.Root().CreateDataset("x", Float32, Simple(4, 3))
	y, _ := f.Root().CreateDataset("y", Float32, Simple(4))
	s, _ := f.Root().CreateDataset("time", Float32, Simple(4))

	// attaching before any data is written
	require.NoError(t, f.AttachScale(x, 0, s))
	require.NoError(t, f.AttachScale(y, 0, s))
	require.NoError(t, f.AttachScale(x, 0, s))
	require.NoError(t, x.Write(nil, float32s(12, 2), OwnershipCore))

	assert.Equal(t, []*Node{s}, f.Scales(x, 0))
	assert.Empty(t, f.Scales(x, 1))
	assert.True(t, s.IsScale())
	assert.Equal(t, []DimRef{{x, 0}, {y, 0}}, f.AttachedTo(s))

	require.NoError(t, f.SetScale(s, "t"))
	assert.Equal(t, "t", s.ScaleName())

	require.NoError(t, f.SetLabel(x, 1, "column"))
	label, ok := f.Label(x, 1)
	assert.True(t, ok)
	assert.Equal(t, "column", label)
	_, ok = f.Label(x, 0)
	assert.False(t, ok)

	err := f.AttachScale(x, 2, s)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeShapeMismatch))
	err = f.AttachScale(x, 0, x)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeInvalidArgument))

	require.NoError(t, f.DetachScale(y, 0, s))
	err = f.DetachScale(y, 0, s)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeNotFound))

	require.NoError(t, f.SetLabel(x, 1, ""))
	assert.Empty(t, f.Labels())
}

func TestDetachDropsScaleEntries(t *testing.T) {
	f := NewFile("out.h5", types.ModeMemory)
	g, _ := f.Root().CreateGroup("g")
	x, _ := g.CreateDataset("x", Float32, Simple(4))
	s, _ := f.Root().CreateDataset("s", Float32, Simple(4))
	require.NoError(t, f.AttachScale(x, 0, s))
	require.NoError(t, f.SetLabel(x, 0, "t"))

	require.NoError(t, g.Detach())
	assert.Empty(t, f.ScaleLinks())
	assert.Empty(t, f.Labels())
	_, err := f.Lookup("/g/x")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeNotFound))

	assert.Error(t, f.Root().Detach())
}

func TestSealedFileRejectsMutation(t *testing.T) {
	f := NewFile("out.h5", types.ModeRemote)
	ds, _ := f.Root().CreateDataset("d", Int32, Simple(1))
	f.Seal()

	_, err := f.Root().CreateGroup("g")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeSealed))
	err = ds.Write(nil, int32s(1), OwnershipCore)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeSealed))

	f.Unseal()
	assert.NoError(t, ds.Write(nil, int32s(1), OwnershipCore))
}

func TestEvents(t *testing.T) {
	f := NewFile("out.h5", types.ModeMemory)
	var events []Event
	f.Subscribe(ObserverFunc(func(ev Event) { events = append(events, ev) }))

	ds, _ := f.Root().CreateDataset("d", Int32, Simple(2))
	_ = ds.Write(nil, int32s(1, 2), OwnershipCore)
	ds.Release()
	_ = ds.Detach()

	require.Len(t, events, 4)
	assert.Equal(t, EventCreated, events[0].Kind)
	assert.Equal(t, "/d", events[0].Path)
	assert.Equal(t, EventWritten, events[1].Kind)
	assert.Equal(t, int64(8), events[1].Bytes)
	assert.Equal(t, EventReleased, events[2].Kind)
	assert.Equal(t, EventDetached, events[3].Kind)
}

func TestFillCompletes(t *testing.T) {
	f := NewFile("in.h5", types.ModeRemote)
	ds, _ := f.Root().CreateDataset("d", Int32, Simple(2))
	fill := ds.BeginFill(8)

	assert.True(t, ds.Pending())
	_, err := ds.Read(nil)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeNotReady))

	go func() {
		_ = fill.WriteAt(4, int32s(2))
		_ = fill.WriteAt(0, int32s(1))
		fill.Complete()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ds.AwaitData(ctx))
	got, err := ds.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, int32s(1, 2), got)
	assert.False(t, ds.Pending())
}

func TestFillFailureSurfacesOnRead(t *testing.T) {
	f := NewFile("in.h5", types.ModeRemote)
	ds, _ := f.Root().CreateDataset("d", Int32, Simple(2))
	fill := ds.BeginFill(8)

	assert.Error(t, fill.WriteAt(6, int32s(1)))
	fill.Fail(pkgerrors.NewError(pkgerrors.ErrCodePartialTransfer, "peer closed"))

	err := ds.AwaitData(context.Background())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodePartialTransfer))
	_, err = ds.Read(nil)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodePartialTransfer))

	require.NoError(t, ds.Write(nil, int32s(3, 4), OwnershipCore))
	_, err = ds.Read(nil)
	assert.NoError(t, err)
}

func TestAwaitDataHonoursContext(t *testing.T) {
	f := NewFile("in.h5", types.ModeRemote)
	ds, _ := f.Root().CreateDataset("d", Int32, Simple(2))
	ds.BeginFill(8)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := ds.AwaitData(ctx)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeNotReady))
}

func TestPlaceholderDefine(t *testing.T) {
	f := NewPlaceholderFile("in.h5", types.ModeRemote)
	assert.True(t, f.Placeholder())

	ds, err := f.Root().CreatePlaceholder("data0", KindDataset)
	require.NoError(t, err)
	assert.True(t, ds.Placeholder())
	_, err = ds.Read(nil)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeNotReady))
	err = ds.Write(nil, nil, OwnershipCore)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeNotReady))

	require.NoError(t, ds.Define(Float32, Simple(2)))
	assert.False(t, ds.Placeholder())
	assert.NoError(t, ds.Write(nil, float32s(2, 1), OwnershipCore))
}

func TestStatsAndRelease(t *testing.T) {
	f := NewFile("out.h5", types.ModeMemory)
	ds, _ := f.Root().CreateDataset("d", Int32, Simple(4))
	a, _ := f.Root().CreateAttribute("a", Int32, Simple(2))
	_ = ds.Write(nil, int32s(1, 2, 3, 4), OwnershipCore)
	_ = a.Write(nil, int32s(1, 2), OwnershipCore)

	nodes, size := f.Stats()
	assert.Equal(t, 3, nodes)
	assert.Equal(t, int64(24), size)

	assert.Equal(t, int64(16), f.ReleaseData())
	_, size = f.Stats()
	assert.Equal(t, int64(8), size, "attributes stay resident")
}

func TestPrint(t *testing.T) {
	f := NewFile("out.h5", types.ModeMemory)
	g, _ := f.Root().CreateGroup("group1")
	_, _ = g.CreateAttribute("abc", Float32, Simple(10))
	ds, _ := g.CreateDataset("data0", Float32, Simple(4, 3, 2))
	_ = ds.Write(nil, float32s(24, 1), OwnershipCore)
	_, _ = f.Root().CreateSoftLink("link", "/group1/data0")

	var buf bytes.Buffer
	require.NoError(t, f.Print(&buf))
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "out.h5 [memory]\n"))
	assert.Contains(t, out, "  group1/ group\n")
	assert.Contains(t, out, "    @abc attribute float32 (10) [no data]")
	assert.Contains(t, out, "    data0 dataset float32 (4,3,2) [96 bytes, core-owned]")
	assert.Contains(t, out, "  link -> /group1/data0")
}
