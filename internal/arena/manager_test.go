package arena

import (
	"testing"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maderix/memory-allocator/internal/stats"
)

func newTestManager(t *testing.T, reclaim bool) *Manager {
	t.Helper()
	return NewManager(NewHeapPageAllocator(), stats.New(), 4096, reclaim, clock.NewMock(), nil)
}

func TestCreateArenaAppendsToSequence(t *testing.T) {
	m := newTestManager(t, false)
	defer m.Close()

	_, err := m.CreateArena(0)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Count())

	_, err = m.CreateArena(1024)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Count())
}

// TestSweepDestroysOnlyIdleArenas exercises the reclaimer's per-sweep logic
// directly, destroying every arena that reports fully idle, without
// depending on the background ticker's timing.
func TestSweepDestroysOnlyIdleArenas(t *testing.T) {
	m := newTestManager(t, false)
	defer m.Close()

	idleArena, err := m.CreateArena(0)
	require.NoError(t, err)

	busyArena, err := m.CreateArena(0)
	require.NoError(t, err)
	ptr, ok := busyArena.Allocate(64, 1)
	require.True(t, ok)

	require.Equal(t, 2, m.Count())
	m.sweep()
	assert.Equal(t, 1, m.Count(), "only the idle arena should have been reclaimed")
	assert.True(t, idleArena.Destroyed())
	assert.False(t, busyArena.Destroyed())

	busyArena.Deallocate(ptr)
	m.sweep()
	assert.Equal(t, 0, m.Count(), "arena must be reclaimed once it goes idle")
}

// TestReclamationOffNeverShrinks creates five idle arenas on a manager
// with reclamation disabled and checks that all five remain owned by it.
func TestReclamationOffNeverShrinks(t *testing.T) {
	m := newTestManager(t, false)
	defer m.Close()

	for i := 0; i < 5; i++ {
		_, err := m.CreateArena(0)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, m.Count())
}

func TestCloseDestroysEveryArena(t *testing.T) {
	m := newTestManager(t, true)

	a1, err := m.CreateArena(0)
	require.NoError(t, err)
	a2, err := m.CreateArena(0)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.Equal(t, 0, m.Count())
	assert.True(t, a1.Destroyed())
	assert.True(t, a2.Destroyed())
}
