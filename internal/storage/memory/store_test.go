package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.HealthCheck(ctx))

	data := []byte("0123456789")
	require.NoError(t, s.PutObject(ctx, "/out.h5/data0", data))
	data[0] = 'x'

	got, err := s.GetObject(ctx, "out.h5/data0", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789"), got, "the store keeps a private copy")

	tests := []struct {
		offset, size int64
		want         string
	}{
		{0, 3, "012"},
		{5, 0, "56789"},
		{8, 10, "89"},
		{10, 0, ""},
	}
	for _, tt := range tests {
		got, err := s.GetObject(ctx, "out.h5/data0", tt.offset, tt.size)
		require.NoError(t, err)
		assert.Equal(t, tt.want, string(got))
	}
	_, err = s.GetObject(ctx, "out.h5/data0", 11, 0)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeInvalidArgument))

	require.NoError(t, s.PutObject(ctx, "out.h5.manifest", []byte("m")))
	require.NoError(t, s.PutObject(ctx, "other.h5.manifest", []byte("m")))
	list, err := s.ListObjects(ctx, "out.h5", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "out.h5.manifest", list[0].Key)
	assert.Equal(t, "out.h5/data0", list[1].Key)

	info, err := s.HeadObject(ctx, "out.h5/data0")
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.Size)

	require.NoError(t, s.DeleteObject(ctx, "out.h5/data0"))
	_, err = s.HeadObject(ctx, "out.h5/data0")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeStorageNotFound))
	assert.Equal(t, 2, s.Len())
}
