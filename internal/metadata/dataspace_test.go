package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDataspace(t *testing.T) {
	t.Parallel()

	s := Simple(4, 3, 2)
	assert.Equal(t, 3, s.Rank())
	assert.Equal(t, uint64(24), s.NumElements())
	assert.Equal(t, "(4,3,2)", s.String())
	assert.NoError(t, s.Validate())

	assert.Equal(t, uint64(1), Scalar().NumElements())
	assert.Equal(t, "()", Scalar().String())

	grow := Simple(2).WithMax(Unlimited)
	assert.Equal(t, "(2/inf)", grow.String())
	assert.False(t, grow.Equal(Simple(2)))
	assert.True(t, grow.Equal(grow.Clone()))

	bad := Dataspace{Dims: []uint64{5}, MaxDims: []uint64{4}}
	assert.Error(t, bad.Validate())
	assert.Error(t, Dataspace{Dims: []uint64{1}, MaxDims: []uint64{1, 2}}.Validate())
}

func TestDatatype(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dt   Datatype
		name string
		ok   bool
	}{
		{Float32, "float32", true},
		{Float64, "float64", true},
		{Int16, "int16", true},
		{Uint64, "uint64", true},
		{FixedString(12), "string[12]", true},
		{Opaque(3), "opaque[3]", true},
		{Datatype{Class: ClassInteger, Size: 3}, "uint24", false},
		{Datatype{Class: ClassFloat, Size: 2, Signed: true}, "float16", false},
		{FixedString(0), "string[0]", false},
		{Datatype{}, "class(0)", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.dt.String())
			assert.Equal(t, tt.ok, tt.dt.Validate() == nil)
		})
	}

	assert.True(t, Int32.Equal(Datatype{Class: ClassInteger, Size: 4, Signed: true}))
	assert.False(t, Int32.Equal(Uint32))
}

func TestCopySlabScalar(t *testing.T) {
	t.Parallel()

	full := make([]byte, 4)
	copySlab(full, nil, []byte{1, 2, 3, 4}, nil, nil, 4, true)
	assert.Equal(t, []byte{1, 2, 3, 4}, full)
}

func TestHyperslabValidate(t *testing.T) {
	t.Parallel()

	dims := []uint64{4, 3}
	assert.NoError(t, (&Hyperslab{Start: []uint64{0, 0}, Count: []uint64{4, 3}}).Validate(dims))
	assert.NoError(t, (&Hyperslab{Start: []uint64{4, 0}, Count: []uint64{0, 3}}).Validate(dims))
	assert.Error(t, (&Hyperslab{Start: []uint64{0}, Count: []uint64{4}}).Validate(dims))
	assert.Error(t, (&Hyperslab{Start: []uint64{3, 0}, Count: []uint64{2, 1}}).Validate(dims))
	assert.Error(t, (&Hyperslab{Start: []uint64{5, 0}, Count: []uint64{0, 1}}).Validate(dims))
}
