package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	producer, consumer := pipePair(t, DefaultConfig())

	require.NoError(t, reg.Add(producer))
	require.NoError(t, reg.Add(consumer), "the consumer bridges the reverse pair")
	assert.Equal(t, 2, reg.Len())

	err := reg.Add(producer)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeChannelExists))

	got, ok := reg.Between("prod", "cons")
	require.True(t, ok)
	assert.Same(t, producer, got)
	got, ok = reg.Get("prod")
	require.True(t, ok)
	assert.Same(t, consumer, got, "channels are named after the remote group by default")

	all := reg.All()
	require.Len(t, all, 2)
	assert.Equal(t, "cons", all[0].Name())
	assert.Equal(t, "prod", all[1].Name())

	require.NoError(t, reg.Remove("cons"))
	assert.False(t, producer.Valid())
	_, ok = reg.Between("prod", "cons")
	assert.False(t, ok)
	assert.True(t, pkgerrors.IsCode(reg.Remove("cons"), pkgerrors.ErrCodeNotFound))

	require.NoError(t, reg.Close())
	assert.Equal(t, 0, reg.Len())
	assert.False(t, consumer.Valid())
}

func TestRegistryRejectsDuplicateName(t *testing.T) {
	reg := NewRegistry()
	a, _ := pipePair(t, Config{Name: "sim"})

	x, y := Pipe(0)
	b, _ := openPairAs(t, x, y, "prod2", "cons2", Config{Name: "sim"})

	require.NoError(t, reg.Add(a))
	err := reg.Add(b)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeChannelExists))
}
