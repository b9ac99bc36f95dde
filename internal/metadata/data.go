package metadata

import (
	"context"
	"sync"

	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
)

// ByteSize returns product(dims) × element size.
func (n *Node) ByteSize() int64 {
	return int64(n.space.NumElements()) * int64(n.dtype.Size)
}

// HasData reports whether a buffer is resident.
func (n *Node) HasData() bool {
	n.settle()
	return n.data != nil
}

// Pending reports whether a transport round is still filling the buffer.
func (n *Node) Pending() bool {
	n.settle()
	return n.fill != nil
}

// Data returns the resident buffer without copying. The slice must not be
// modified and is only valid until the next mutation of the node.
func (n *Node) Data() []byte {
	n.settle()
	return n.data
}

// Write stores data for the selection sel (nil selects everything).
// OwnershipUser aliases data when the whole dataspace is written; partial
// writes always copy into a private buffer.
func (n *Node) Write(sel *Hyperslab, data []byte, own Ownership) error {
	if !n.kind.HasData() {
		return n.errorf(pkgerrors.ErrCodeTypeMismatch, "cannot write data to a %s", n.kind)
	}
	if n.placeholder {
		return n.errorf(pkgerrors.ErrCodeNotReady, "object has not been defined yet")
	}
	if err := n.file.checkMutable(); err != nil {
		return err
	}
	n.settle()

	elem := n.dtype.Size
	if sel == nil || (sel.Validate(n.space.Dims) == nil && sel.covers(n.space.Dims)) {
		if int64(len(data)) != n.ByteSize() {
			return n.errorf(pkgerrors.ErrCodeShapeMismatch,
				"buffer holds %d bytes, dataspace %s of %s needs %d", len(data), n.space, n.dtype, n.ByteSize())
		}
		if own == OwnershipUser {
			n.data = data
		} else {
			n.data = append(make([]byte, 0, len(data)), data...)
		}
		n.owner = own
		n.fill = nil
		n.failed = nil
		n.file.emit(EventWritten, n, int64(len(data)))
		return nil
	}

	if n.kind == KindAttribute {
		return n.errorf(pkgerrors.ErrCodeInvalidArgument, "attributes are written whole")
	}
	if err := sel.Validate(n.space.Dims); err != nil {
		return err
	}
	if want := int64(sel.NumElements()) * int64(elem); int64(len(data)) != want {
		return n.errorf(pkgerrors.ErrCodeShapeMismatch,
			"buffer holds %d bytes, selection needs %d", len(data), want)
	}

	if n.data == nil || n.owner == OwnershipUser {
		buf := make([]byte, n.ByteSize())
		copy(buf, n.data)
		n.data = buf
		n.owner = OwnershipCore
	}
	copySlab(n.data, n.space.Dims, data, sel.Start, sel.Count, elem, true)
	n.fill = nil
	n.failed = nil
	n.file.emit(EventWritten, n, int64(len(data)))
	return nil
}

// Read returns a copy of the selection (nil selects everything). It fails
// with NOT_READY when no buffer is resident.
func (n *Node) Read(sel *Hyperslab) ([]byte, error) {
	if !n.kind.HasData() {
		return nil, n.errorf(pkgerrors.ErrCodeTypeMismatch, "cannot read data from a %s", n.kind)
	}
	n.settle()
	if n.failed != nil {
		return nil, n.failed
	}
	if n.fill != nil || n.data == nil {
		return nil, n.errorf(pkgerrors.ErrCodeNotReady, "no data available")
	}
	if sel == nil {
		return append([]byte(nil), n.data...), nil
	}
	if err := sel.Validate(n.space.Dims); err != nil {
		return nil, err
	}
	out := make([]byte, int64(sel.NumElements())*int64(n.dtype.Size))
	copySlab(n.data, n.space.Dims, out, sel.Start, sel.Count, n.dtype.Size, false)
	return out, nil
}

// SetExtent changes the current extents of a dataset, preserving the
// overlapping region of a resident buffer.
func (n *Node) SetExtent(dims []uint64) error {
	if n.kind != KindDataset {
		return n.errorf(pkgerrors.ErrCodeTypeMismatch, "cannot extend a %s", n.kind)
	}
	if err := n.file.checkMutable(); err != nil {
		return err
	}
	if len(dims) != n.space.Rank() {
		return n.errorf(pkgerrors.ErrCodeShapeMismatch, "rank %d does not match dataset rank %d", len(dims), n.space.Rank())
	}
	next := Dataspace{Dims: append([]uint64(nil), dims...), MaxDims: n.space.MaxDims}
	if err := next.Validate(); err != nil {
		return err
	}
	n.settle()

	if n.data != nil {
		overlap := make([]uint64, len(dims))
		for i := range dims {
			overlap[i] = min(dims[i], n.space.Dims[i])
		}
		zero := make([]uint64, len(dims))
		block := make([]byte, int64(product(overlap))*int64(n.dtype.Size))
		copySlab(n.data, n.space.Dims, block, zero, overlap, n.dtype.Size, false)

		buf := make([]byte, int64(next.NumElements())*int64(n.dtype.Size))
		copySlab(buf, next.Dims, block, zero, overlap, n.dtype.Size, true)
		n.data = buf
		n.owner = OwnershipCore
	}
	n.space = next
	n.file.emit(EventWritten, n, int64(len(n.data)))
	return nil
}

// Release drops the buffer and returns its size.
func (n *Node) Release() int64 {
	n.settle()
	size := int64(len(n.data))
	if n.data == nil {
		return 0
	}
	n.data = nil
	n.file.emit(EventReleased, n, size)
	return size
}

// Extract returns the selection sel (nil selects everything) of full, a
// buffer laid out like the node's own but held elsewhere.
func (n *Node) Extract(full []byte, sel *Hyperslab) ([]byte, error) {
	if !n.kind.HasData() {
		return nil, n.errorf(pkgerrors.ErrCodeTypeMismatch, "cannot read data from a %s", n.kind)
	}
	if int64(len(full)) != n.ByteSize() {
		return nil, n.errorf(pkgerrors.ErrCodeShapeMismatch,
			"stored buffer holds %d bytes, dataspace %s needs %d", len(full), n.space, n.ByteSize())
	}
	if sel == nil {
		return append([]byte(nil), full...), nil
	}
	if err := sel.Validate(n.space.Dims); err != nil {
		return nil, err
	}
	out := make([]byte, int64(sel.NumElements())*int64(n.dtype.Size))
	copySlab(full, n.space.Dims, out, sel.Start, sel.Count, n.dtype.Size, false)
	return out, nil
}

// Patch writes data for sel into full and returns the result; a nil full
// starts from a zeroed buffer. The node itself is not modified.
func (n *Node) Patch(full []byte, sel *Hyperslab, data []byte) ([]byte, error) {
	if !n.kind.HasData() {
		return nil, n.errorf(pkgerrors.ErrCodeTypeMismatch, "cannot write data to a %s", n.kind)
	}
	size := n.ByteSize()
	if sel == nil {
		if int64(len(data)) != size {
			return nil, n.errorf(pkgerrors.ErrCodeShapeMismatch,
				"buffer holds %d bytes, dataspace %s of %s needs %d", len(data), n.space, n.dtype, size)
		}
		return append(make([]byte, 0, len(data)), data...), nil
	}
	if err := sel.Validate(n.space.Dims); err != nil {
		return nil, err
	}
	if want := int64(sel.NumElements()) * int64(n.dtype.Size); int64(len(data)) != want {
		return nil, n.errorf(pkgerrors.ErrCodeShapeMismatch,
			"buffer holds %d bytes, selection needs %d", len(data), want)
	}
	buf := make([]byte, size)
	copy(buf, full)
	copySlab(buf, n.space.Dims, data, sel.Start, sel.Count, n.dtype.Size, true)
	return buf, nil
}

func product(dims []uint64) uint64 {
	p := uint64(1)
	for _, d := range dims {
		p *= d
	}
	return p
}

// Fill receives a dataset buffer asynchronously, segment by segment. The
// buffer belongs to the Fill until Complete or Fail; afterwards the node
// adopts it on its next access.
type Fill struct {
	mu       sync.Mutex
	buf      []byte
	received int64
	done     chan struct{}
	err      error
	once     sync.Once
}

// BeginFill starts an asynchronous fill of size bytes, discarding any
// resident buffer.
func (n *Node) BeginFill(size int64) *Fill {
	f := &Fill{buf: make([]byte, size), done: make(chan struct{})}
	n.data = nil
	n.owner = OwnershipCore
	n.fill = f
	n.failed = nil
	return f
}

// WriteAt copies a segment into the buffer.
func (f *Fill) WriteAt(offset int64, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset < 0 || offset+int64(len(p)) > int64(len(f.buf)) {
		return pkgerrors.Newf(pkgerrors.ErrCodeProtocolMismatch,
			"segment [%d,+%d) outside buffer of %d bytes", offset, len(p), len(f.buf))
	}
	copy(f.buf[offset:], p)
	f.received += int64(len(p))
	return nil
}

// Received returns the number of bytes written so far.
func (f *Fill) Received() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received
}

// Size returns the expected buffer size.
func (f *Fill) Size() int64 {
	return int64(len(f.buf))
}

// Complete publishes the buffer.
func (f *Fill) Complete() {
	f.once.Do(func() { close(f.done) })
}

// Fail aborts the fill; readers observe err.
func (f *Fill) Fail(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.buf = nil
		f.mu.Unlock()
		close(f.done)
	})
}

// Done is closed once the fill completes or fails.
func (f *Fill) Done() <-chan struct{} {
	return f.done
}

// Err returns the failure once Done is closed.
func (f *Fill) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// AwaitData blocks while a fill is in flight. It returns the fill's failure,
// or NOT_READY when ctx ends first. Fills never take the file lock, so the
// caller may hold it while waiting.
func (n *Node) AwaitData(ctx context.Context) error {
	f := n.fill
	if f == nil {
		return nil
	}
	select {
	case <-f.done:
	case <-ctx.Done():
		return pkgerrors.Wrap(pkgerrors.ErrCodeNotReady, "waiting for transport data", ctx.Err()).
			WithComponent("metadata").
			WithContext("path", n.Path())
	}
	n.settle()
	return f.Err()
}

// settle adopts a finished fill.
func (n *Node) settle() {
	f := n.fill
	if f == nil {
		return
	}
	select {
	case <-f.done:
	default:
		return
	}
	n.fill = nil
	if err := f.Err(); err != nil {
		n.data = nil
		n.failed = err
		return
	}
	f.mu.Lock()
	n.data = f.buf
	f.mu.Unlock()
	n.file.emit(EventWritten, n, int64(len(n.data)))
}
