package host

import (
	"context"
	"sync"
	"time"

	"github.com/diatomic/LowFive/internal/metadata"
	"github.com/diatomic/LowFive/internal/vol"
	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/utils"
)

// Status is the result of a host call: a non-negative handle id, count or
// boolean on success, a negative code on failure.
type Status int64

// Failure codes.
const (
	StatusFailed          Status = -1
	StatusNotFound        Status = -2
	StatusTypeMismatch    Status = -3
	StatusShapeMismatch   Status = -4
	StatusNotReady        Status = -5
	StatusProtocol        Status = -6
	StatusPartialTransfer Status = -7
	StatusInvalidHandle   Status = -8
	StatusAlreadyExists   Status = -9
	StatusInvalidArgument Status = -10
	StatusSealed          Status = -11
	StatusTimeout         Status = -12
)

var statusOf = map[pkgerrors.ErrorCode]Status{
	pkgerrors.ErrCodeNotFound:         StatusNotFound,
	pkgerrors.ErrCodeTypeMismatch:     StatusTypeMismatch,
	pkgerrors.ErrCodeShapeMismatch:    StatusShapeMismatch,
	pkgerrors.ErrCodeNotReady:         StatusNotReady,
	pkgerrors.ErrCodeProtocolMismatch: StatusProtocol,
	pkgerrors.ErrCodePartialTransfer:  StatusPartialTransfer,
	pkgerrors.ErrCodeInvalidHandle:    StatusInvalidHandle,
	pkgerrors.ErrCodeAlreadyExists:    StatusAlreadyExists,
	pkgerrors.ErrCodeInvalidArgument:  StatusInvalidArgument,
	pkgerrors.ErrCodeSealed:           StatusSealed,
	pkgerrors.ErrCodeTransportTimeout: StatusTimeout,
}

// Failed reports whether s is a failure code.
func (s Status) Failed() bool { return s < 0 }

// StatusFor maps an error to its failure code; nil maps to 0.
func StatusFor(err error) Status {
	if err == nil {
		return 0
	}
	if s, ok := statusOf[pkgerrors.CodeOf(err)]; ok {
		return s
	}
	return StatusFailed
}

// Config tunes a Host.
type Config struct {
	// CallTimeout bounds every call, including blocking remote reads.
	// Zero means no bound.
	CallTimeout time.Duration
	Logger      *utils.StructuredLogger
}

// Host exposes a Plugin through integer handles and status codes, the
// calling convention of the host data library's dispatch table.
type Host struct {
	plugin  vol.Plugin
	timeout time.Duration
	logger  *utils.StructuredLogger

	mu      sync.Mutex
	handles map[int64]*vol.Object
	next    int64
	lastErr error
}

// New creates a host adapter over p.
func New(p vol.Plugin, config Config) *Host {
	logger := config.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Host{
		plugin:  p,
		timeout: config.CallTimeout,
		logger:  logger.WithComponent("host"),
		handles: make(map[int64]*vol.Object),
		next:    1,
	}
}

func (h *Host) callContext() (context.Context, context.CancelFunc) {
	if h.timeout > 0 {
		return context.WithTimeout(context.Background(), h.timeout)
	}
	return context.WithCancel(context.Background())
}

// LastError returns the error behind the most recent failure code.
func (h *Host) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// Open returns the number of open handles.
func (h *Host) Open() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handles)
}

func (h *Host) fail(op string, err error) Status {
	h.mu.Lock()
	h.lastErr = err
	h.mu.Unlock()
	s := StatusFor(err)
	h.logger.Debug("call failed", utils.Fields{"op": op, "status": int64(s), "error": err})
	return s
}

func (h *Host) lookup(id int64) (*vol.Object, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.handles[id]
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.ErrCodeInvalidHandle, "unknown handle %d", id).
			WithComponent("host")
	}
	return o, nil
}

func (h *Host) register(o *vol.Object) Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	h.handles[id] = o
	return Status(id)
}

// open runs a call that returns a new handle.
func (h *Host) open(op string, fn func(ctx context.Context) (*vol.Object, error)) Status {
	ctx, cancel := h.callContext()
	defer cancel()
	o, err := fn(ctx)
	if err != nil {
		return h.fail(op, err)
	}
	return h.register(o)
}

// on runs a call against an existing handle.
func (h *Host) on(op string, id int64, fn func(ctx context.Context, o *vol.Object) error) Status {
	o, err := h.lookup(id)
	if err != nil {
		return h.fail(op, err)
	}
	ctx, cancel := h.callContext()
	defer cancel()
	if err := fn(ctx, o); err != nil {
		return h.fail(op, err)
	}
	return 0
}

// openAt runs a call on an existing handle that returns a new handle.
func (h *Host) openAt(op string, id int64, fn func(ctx context.Context, o *vol.Object) (*vol.Object, error)) Status {
	var child *vol.Object
	if s := h.on(op, id, func(ctx context.Context, o *vol.Object) (err error) {
		child, err = fn(ctx, o)
		return err
	}); s.Failed() {
		return s
	}
	return h.register(child)
}

// close runs a close call and forgets the handle once the plugin has
// closed it, even when the close reported an error.
func (h *Host) close(op string, id int64, fn func(ctx context.Context, o *vol.Object) error) Status {
	var obj *vol.Object
	s := h.on(op, id, func(ctx context.Context, o *vol.Object) error {
		obj = o
		return fn(ctx, o)
	})
	if obj != nil && obj.Closed() {
		h.mu.Lock()
		delete(h.handles, id)
		h.mu.Unlock()
	}
	return s
}

func flag(b bool) Status {
	if b {
		return 1
	}
	return 0
}

func selection(start, count []uint64) *metadata.Hyperslab {
	if start == nil && count == nil {
		return nil
	}
	return &metadata.Hyperslab{Start: start, Count: count}
}

// into copies a result into the caller's buffer.
func into(buf, data []byte) error {
	if len(buf) < len(data) {
		return pkgerrors.Newf(pkgerrors.ErrCodeShapeMismatch, "buffer holds %d bytes, result needs %d", len(buf), len(data)).
			WithComponent("host")
	}
	copy(buf, data)
	return nil
}

// FileCreate creates a file and returns its handle.
func (h *Host) FileCreate(name string) Status {
	return h.open("FileCreate", func(ctx context.Context) (*vol.Object, error) {
		return h.plugin.FileCreate(ctx, name)
	})
}

// FileOpen opens a file and returns its handle.
func (h *Host) FileOpen(name string) Status {
	return h.open("FileOpen", func(ctx context.Context) (*vol.Object, error) {
		return h.plugin.FileOpen(ctx, name)
	})
}

// FileClose closes a file handle.
func (h *Host) FileClose(id int64) Status {
	return h.close("FileClose", id, h.plugin.FileClose)
}

// GroupCreate creates a group below loc.
func (h *Host) GroupCreate(loc int64, name string) Status {
	return h.openAt("GroupCreate", loc, func(ctx context.Context, o *vol.Object) (*vol.Object, error) {
		return h.plugin.GroupCreate(ctx, o, name)
	})
}

// GroupOpen opens a group relative to loc.
func (h *Host) GroupOpen(loc int64, path string) Status {
	return h.openAt("GroupOpen", loc, func(ctx context.Context, o *vol.Object) (*vol.Object, error) {
		return h.plugin.GroupOpen(ctx, o, path)
	})
}

// GroupClose closes a group handle.
func (h *Host) GroupClose(id int64) Status {
	return h.close("GroupClose", id, h.plugin.GroupClose)
}

// DatasetCreate creates a dataset with extents dims (and optional maximum
// extents max) below loc.
func (h *Host) DatasetCreate(loc int64, name string, dt metadata.Datatype, dims, max []uint64) Status {
	space := metadata.Simple(dims...)
	if max != nil {
		space = space.WithMax(max...)
	}
	return h.openAt("DatasetCreate", loc, func(ctx context.Context, o *vol.Object) (*vol.Object, error) {
		return h.plugin.DatasetCreate(ctx, o, name, dt, space)
	})
}

// DatasetOpen opens a dataset relative to loc.
func (h *Host) DatasetOpen(loc int64, path string) Status {
	return h.openAt("DatasetOpen", loc, func(ctx context.Context, o *vol.Object) (*vol.Object, error) {
		return h.plugin.DatasetOpen(ctx, o, path)
	})
}

// DatasetRead reads the block start/count (both nil for everything) into
// buf and returns the number of bytes read.
func (h *Host) DatasetRead(id int64, dt metadata.Datatype, start, count []uint64, buf []byte) Status {
	var n int
	s := h.on("DatasetRead", id, func(ctx context.Context, o *vol.Object) error {
		data, err := h.plugin.DatasetRead(ctx, o, dt, selection(start, count))
		if err != nil {
			return err
		}
		n = len(data)
		return into(buf, data)
	})
	if s.Failed() {
		return s
	}
	return Status(n)
}

// DatasetWrite writes the block start/count (both nil for everything).
func (h *Host) DatasetWrite(id int64, dt metadata.Datatype, start, count []uint64, buf []byte) Status {
	return h.on("DatasetWrite", id, func(ctx context.Context, o *vol.Object) error {
		return h.plugin.DatasetWrite(ctx, o, dt, selection(start, count), buf)
	})
}

// DatasetSetExtent changes the current extents of a dataset.
func (h *Host) DatasetSetExtent(id int64, dims []uint64) Status {
	return h.on("DatasetSetExtent", id, func(ctx context.Context, o *vol.Object) error {
		return h.plugin.DatasetSetExtent(ctx, o, dims)
	})
}

// DatasetInfo returns the datatype and extents of a dataset.
func (h *Host) DatasetInfo(id int64) (metadata.Datatype, []uint64, Status) {
	var info vol.DatasetInfo
	s := h.on("DatasetInfo", id, func(ctx context.Context, o *vol.Object) (err error) {
		info, err = h.plugin.DatasetInfo(ctx, o)
		return err
	})
	return info.Datatype, info.Dataspace.Dims, s
}

// DatasetClose closes a dataset handle.
func (h *Host) DatasetClose(id int64) Status {
	return h.close("DatasetClose", id, h.plugin.DatasetClose)
}

// AttrCreate attaches an attribute of extents dims (nil for a scalar).
func (h *Host) AttrCreate(loc int64, name string, dt metadata.Datatype, dims []uint64) Status {
	space := metadata.Scalar()
	if dims != nil {
		space = metadata.Simple(dims...)
	}
	return h.openAt("AttrCreate", loc, func(ctx context.Context, o *vol.Object) (*vol.Object, error) {
		return h.plugin.AttrCreate(ctx, o, name, dt, space)
	})
}

// AttrOpen opens an attribute of loc.
func (h *Host) AttrOpen(loc int64, name string) Status {
	return h.openAt("AttrOpen", loc, func(ctx context.Context, o *vol.Object) (*vol.Object, error) {
		return h.plugin.AttrOpen(ctx, o, name)
	})
}

// AttrRead reads an attribute into buf and returns the number of bytes.
func (h *Host) AttrRead(id int64, dt metadata.Datatype, buf []byte) Status {
	var n int
	s := h.on("AttrRead", id, func(ctx context.Context, o *vol.Object) error {
		data, err := h.plugin.AttrRead(ctx, o, dt)
		if err != nil {
			return err
		}
		n = len(data)
		return into(buf, data)
	})
	if s.Failed() {
		return s
	}
	return Status(n)
}

// AttrWrite writes an attribute.
func (h *Host) AttrWrite(id int64, dt metadata.Datatype, buf []byte) Status {
	return h.on("AttrWrite", id, func(ctx context.Context, o *vol.Object) error {
		return h.plugin.AttrWrite(ctx, o, dt, buf)
	})
}

// AttrExists returns 1 when loc has the attribute, 0 when not.
func (h *Host) AttrExists(loc int64, name string) Status {
	var exists bool
	s := h.on("AttrExists", loc, func(ctx context.Context, o *vol.Object) (err error) {
		exists, err = h.plugin.AttrExists(ctx, o, name)
		return err
	})
	if s.Failed() {
		return s
	}
	return flag(exists)
}

// AttrIterate calls fn with every attribute name of loc until fn returns
// false, and returns the number of names visited.
func (h *Host) AttrIterate(loc int64, fn func(name string) bool) Status {
	return h.iterate("AttrIterate", loc, h.plugin.AttrNames, fn)
}

// AttrClose closes an attribute handle.
func (h *Host) AttrClose(id int64) Status {
	return h.close("AttrClose", id, h.plugin.AttrClose)
}

// LinkCreateSoft creates a soft link.
func (h *Host) LinkCreateSoft(loc int64, name, target string) Status {
	return h.on("LinkCreateSoft", loc, func(ctx context.Context, o *vol.Object) error {
		return h.plugin.LinkCreateSoft(ctx, o, name, target)
	})
}

// LinkCreateHard links name to the object of handle target.
func (h *Host) LinkCreateHard(loc int64, name string, target int64) Status {
	t, err := h.lookup(target)
	if err != nil {
		return h.fail("LinkCreateHard", err)
	}
	return h.on("LinkCreateHard", loc, func(ctx context.Context, o *vol.Object) error {
		return h.plugin.LinkCreateHard(ctx, o, name, t)
	})
}

// LinkExists returns 1 when the link exists, 0 when not.
func (h *Host) LinkExists(loc int64, path string) Status {
	var exists bool
	s := h.on("LinkExists", loc, func(ctx context.Context, o *vol.Object) (err error) {
		exists, err = h.plugin.LinkExists(ctx, o, path)
		return err
	})
	if s.Failed() {
		return s
	}
	return flag(exists)
}

// LinkIterate calls fn with every link name of loc until fn returns false.
func (h *Host) LinkIterate(loc int64, fn func(name string) bool) Status {
	return h.iterate("LinkIterate", loc, h.plugin.LinkNames, fn)
}

func (h *Host) iterate(op string, loc int64, list func(context.Context, *vol.Object) ([]string, error), fn func(string) bool) Status {
	var names []string
	s := h.on(op, loc, func(ctx context.Context, o *vol.Object) (err error) {
		names, err = list(ctx, o)
		return err
	})
	if s.Failed() {
		return s
	}
	visited := 0
	for _, name := range names {
		visited++
		if !fn(name) {
			break
		}
	}
	return Status(visited)
}

// ScaleSet marks a dataset as a dimension scale.
func (h *Host) ScaleSet(id int64, name string) Status {
	return h.on("ScaleSet", id, func(ctx context.Context, o *vol.Object) error {
		return h.plugin.ScaleSet(ctx, o, name)
	})
}

// ScaleAttach attaches the scale handle to dimension dim of a dataset.
func (h *Host) ScaleAttach(id int64, dim int, scale int64) Status {
	return h.scale("ScaleAttach", id, scale, func(ctx context.Context, ds, s *vol.Object) error {
		return h.plugin.ScaleAttach(ctx, ds, dim, s)
	})
}

// ScaleDetach detaches the scale handle from dimension dim of a dataset.
func (h *Host) ScaleDetach(id int64, dim int, scale int64) Status {
	return h.scale("ScaleDetach", id, scale, func(ctx context.Context, ds, s *vol.Object) error {
		return h.plugin.ScaleDetach(ctx, ds, dim, s)
	})
}

func (h *Host) scale(op string, id, scale int64, fn func(ctx context.Context, ds, s *vol.Object) error) Status {
	s, err := h.lookup(scale)
	if err != nil {
		return h.fail(op, err)
	}
	return h.on(op, id, func(ctx context.Context, ds *vol.Object) error {
		return fn(ctx, ds, s)
	})
}

// ScaleLabel labels dimension dim of a dataset.
func (h *Host) ScaleLabel(id int64, dim int, label string) Status {
	return h.on("ScaleLabel", id, func(ctx context.Context, o *vol.Object) error {
		return h.plugin.ScaleLabel(ctx, o, dim, label)
	})
}

// ScaleGetLabel returns the label of dimension dim.
func (h *Host) ScaleGetLabel(id int64, dim int) (string, Status) {
	var label string
	s := h.on("ScaleGetLabel", id, func(ctx context.Context, o *vol.Object) (err error) {
		label, err = h.plugin.ScaleGetLabel(ctx, o, dim)
		return err
	})
	return label, s
}

// ScaleIterate calls fn with the path of every scale attached to dimension
// dim until fn returns false.
func (h *Host) ScaleIterate(id int64, dim int, fn func(path string) bool) Status {
	return h.iterate("ScaleIterate", id, func(ctx context.Context, o *vol.Object) ([]string, error) {
		return h.plugin.ScaleList(ctx, o, dim)
	}, fn)
}

// CloseAll closes every handle still open, for a host shutting down.
func (h *Host) CloseAll() error {
	h.mu.Lock()
	objs := make([]*vol.Object, 0, len(h.handles))
	for _, o := range h.handles {
		objs = append(objs, o)
	}
	h.handles = make(map[int64]*vol.Object)
	h.mu.Unlock()

	// files last so that their last close sees no open objects
	var files, rest []*vol.Object
	for _, o := range objs {
		if o.Kind() == metadata.KindFile {
			files = append(files, o)
		} else {
			rest = append(rest, o)
		}
	}
	ctx, cancel := h.callContext()
	defer cancel()
	return vol.CloseAll(ctx, h.plugin, append(rest, files...)...)
}
