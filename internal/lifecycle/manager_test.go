package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diatomic/LowFive/internal/metadata"
	"github.com/diatomic/LowFive/pkg/types"
)

func TestKeepResolution(t *testing.T) {
	t.Parallel()

	m := NewManager(DefaultConfig())
	require.NoError(t, m.SetKeepPattern("checkpoint*.h5", true))
	require.NoError(t, m.SetKeepPattern("*", false))
	m.SetKeep("checkpoint-2.h5", false)

	tests := []struct {
		file string
		want bool
	}{
		{"checkpoint-1.h5", true},
		{"/scratch/checkpoint-9.h5", true},
		{"checkpoint-2.h5", false},
		{"out.h5", false},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Keep(tt.file))
		})
	}

	assert.Error(t, m.SetKeepPattern("", true))
}

func TestDefaultKeep(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{DefaultKeep: true})
	assert.True(t, m.Keep("out.h5"))
	m.SetDefault(false)
	assert.False(t, m.Keep("out.h5"))
}

func TestPinUnpin(t *testing.T) {
	t.Parallel()

	m := NewManager(DefaultConfig())
	assert.Equal(t, 1, m.Pin("out.h5"))
	assert.Equal(t, 2, m.Pin("out.h5"))
	assert.False(t, m.Releasable("out.h5"))

	assert.False(t, m.Unpin("out.h5"))
	assert.True(t, m.Unpin("out.h5"))
	assert.True(t, m.Releasable("out.h5"))

	// extra unpins never go negative
	assert.True(t, m.Unpin("out.h5"))
	s, ok := m.Stats("out.h5")
	assert.True(t, ok)
	assert.Equal(t, 0, s.Pins)

	m.SetKeep("out.h5", true)
	m.Pin("out.h5")
	assert.False(t, m.Unpin("out.h5"))
}

func TestReleaseAfterRound(t *testing.T) {
	t.Parallel()

	m := NewManager(DefaultConfig())
	assert.True(t, m.ReleaseAfterRound("out.h5", "viz"))

	m.SetChannelKeep("viz", true)
	assert.True(t, m.KeepChannel("viz"))
	assert.False(t, m.ReleaseAfterRound("out.h5", "viz"))
	assert.True(t, m.ReleaseAfterRound("out.h5", "ana"))

	m.Pin("out.h5")
	assert.False(t, m.ReleaseAfterRound("out.h5", "ana"))
}

func TestObserveEvents(t *testing.T) {
	t.Parallel()

	m := NewManager(DefaultConfig())
	f := metadata.NewFile("out.h5", types.ModeMemory)
	f.Subscribe(m.Observer())

	ds, err := f.Root().CreateDataset("d", metadata.Int32, metadata.Simple(4))
	require.NoError(t, err)
	require.NoError(t, ds.Write(nil, make([]byte, 16), metadata.OwnershipCore))
	assert.Equal(t, int64(16), f.ReleaseData())

	s, ok := m.Stats("out.h5")
	require.True(t, ok)
	assert.Equal(t, int64(1), s.Created)
	assert.Equal(t, int64(1), s.Writes)
	assert.Equal(t, int64(16), s.BytesWritten)
	assert.Equal(t, int64(1), s.Releases)
	assert.Equal(t, int64(16), s.BytesReleased)
	assert.False(t, s.LastRelease.IsZero())

	m.Pin("a.h5")
	all := m.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a.h5", all[0].File)

	m.Forget("out.h5")
	_, ok = m.Stats("out.h5")
	assert.False(t, ok)
}

func TestDropDiscardsUnpinnedStats(t *testing.T) {
	t.Parallel()

	m := NewManager(DefaultConfig())
	m.SetKeep("kept.h5", true)
	m.Observe(metadata.Event{Kind: metadata.EventWritten, File: "kept.h5", Bytes: 8})
	m.Observe(metadata.Event{Kind: metadata.EventWritten, File: "received.h5", Bytes: 8})
	m.Pin("open.h5")

	m.Drop("kept.h5")
	m.Drop("received.h5")
	m.Drop("open.h5")
	m.Drop("unknown.h5")

	_, ok := m.Stats("kept.h5")
	assert.False(t, ok)
	assert.True(t, m.Keep("kept.h5"), "keep flags outlive the file")
	_, ok = m.Stats("received.h5")
	assert.False(t, ok)

	s, ok := m.Stats("open.h5")
	require.True(t, ok, "pinned files stay tracked")
	assert.Equal(t, 1, s.Pins)
	require.Len(t, m.All(), 1)
}
