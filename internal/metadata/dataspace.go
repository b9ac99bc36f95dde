package metadata

import (
	"fmt"
	"strings"

	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
)

// Unlimited marks a maximum extent that may grow without bound.
const Unlimited = ^uint64(0)

// Dataspace is the shape of a dataset or attribute. A rank-0 dataspace is a
// scalar holding one element.
type Dataspace struct {
	Dims    []uint64
	MaxDims []uint64
}

// Simple returns a fixed-size dataspace with the given extents.
func Simple(dims ...uint64) Dataspace {
	return Dataspace{Dims: append([]uint64(nil), dims...), MaxDims: append([]uint64(nil), dims...)}
}

// Scalar returns a rank-0 dataspace.
func Scalar() Dataspace {
	return Dataspace{}
}

// WithMax returns a copy of s with the given maximum extents.
func (s Dataspace) WithMax(max ...uint64) Dataspace {
	c := s.Clone()
	c.MaxDims = append([]uint64(nil), max...)
	return c
}

// Rank returns the number of dimensions.
func (s Dataspace) Rank() int {
	return len(s.Dims)
}

// NumElements returns product(Dims), 1 for a scalar.
func (s Dataspace) NumElements() uint64 {
	n := uint64(1)
	for _, d := range s.Dims {
		n *= d
	}
	return n
}

// Max returns the maximum extent of dimension i.
func (s Dataspace) Max(i int) uint64 {
	if len(s.MaxDims) == 0 {
		return s.Dims[i]
	}
	return s.MaxDims[i]
}

// Validate checks the extents against the maximum extents.
func (s Dataspace) Validate() error {
	if len(s.MaxDims) != 0 && len(s.MaxDims) != len(s.Dims) {
		return pkgerrors.Newf(pkgerrors.ErrCodeShapeMismatch,
			"rank %d does not match maximum rank %d", len(s.Dims), len(s.MaxDims))
	}
	for i, d := range s.Dims {
		if m := s.Max(i); m != Unlimited && d > m {
			return pkgerrors.Newf(pkgerrors.ErrCodeShapeMismatch,
				"dimension %d extent %d exceeds maximum %d", i, d, m)
		}
	}
	return nil
}

// Equal compares current and maximum extents.
func (s Dataspace) Equal(o Dataspace) bool {
	if len(s.Dims) != len(o.Dims) {
		return false
	}
	for i := range s.Dims {
		if s.Dims[i] != o.Dims[i] || s.Max(i) != o.Max(i) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (s Dataspace) Clone() Dataspace {
	c := Dataspace{Dims: append([]uint64(nil), s.Dims...)}
	if s.MaxDims != nil {
		c.MaxDims = append([]uint64(nil), s.MaxDims...)
	}
	return c
}

func (s Dataspace) String() string {
	parts := make([]string, len(s.Dims))
	for i, d := range s.Dims {
		if m := s.Max(i); m != d {
			if m == Unlimited {
				parts[i] = fmt.Sprintf("%d/inf", d)
			} else {
				parts[i] = fmt.Sprintf("%d/%d", d, m)
			}
			continue
		}
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// Hyperslab selects the block [Start, Start+Count) along every dimension.
type Hyperslab struct {
	Start []uint64
	Count []uint64
}

// NumElements returns the number of selected elements.
func (h *Hyperslab) NumElements() uint64 {
	n := uint64(1)
	for _, c := range h.Count {
		n *= c
	}
	return n
}

// Validate checks the selection against extents.
func (h *Hyperslab) Validate(dims []uint64) error {
	if len(h.Start) != len(dims) || len(h.Count) != len(dims) {
		return pkgerrors.Newf(pkgerrors.ErrCodeShapeMismatch,
			"selection rank %d/%d does not match dataspace rank %d", len(h.Start), len(h.Count), len(dims))
	}
	for i := range dims {
		if h.Start[i] > dims[i] || h.Count[i] > dims[i]-h.Start[i] {
			return pkgerrors.Newf(pkgerrors.ErrCodeShapeMismatch,
				"selection [%d,+%d) out of bounds in dimension %d (extent %d)", h.Start[i], h.Count[i], i, dims[i])
		}
	}
	return nil
}

// covers reports whether the selection is the whole dataspace.
func (h *Hyperslab) covers(dims []uint64) bool {
	for i := range dims {
		if h.Start[i] != 0 || h.Count[i] != dims[i] {
			return false
		}
	}
	return true
}

// copySlab moves the block start/count between a dense row-major array of
// extents dims (full) and a packed buffer of the block (packed). When
// toFull is true packed is copied into full, otherwise full into packed.
func copySlab(full []byte, dims []uint64, packed []byte, start, count []uint64, elem int, toFull bool) {
	rank := len(dims)
	if rank == 0 {
		if toFull {
			copy(full[:elem], packed[:elem])
		} else {
			copy(packed[:elem], full[:elem])
		}
		return
	}
	for _, c := range count {
		if c == 0 {
			return
		}
	}

	// strides in elements
	strides := make([]uint64, rank)
	strides[rank-1] = 1
	for i := rank - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * dims[i+1]
	}

	run := int(count[rank-1]) * elem
	idx := make([]uint64, rank-1)
	packedOff := 0
	for {
		off := start[rank-1] * strides[rank-1]
		for i := 0; i < rank-1; i++ {
			off += (start[i] + idx[i]) * strides[i]
		}
		fullOff := int(off) * elem
		if toFull {
			copy(full[fullOff:fullOff+run], packed[packedOff:packedOff+run])
		} else {
			copy(packed[packedOff:packedOff+run], full[fullOff:fullOff+run])
		}
		packedOff += run

		// advance the odometer over the outer dimensions
		i := rank - 2
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < count[i] {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return
		}
	}
}
