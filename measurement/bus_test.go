package measurement

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTryPopLatestOnEmptyBusReturnsFalse(t *testing.T) {
	b := NewBus()
	_, ok := b.TryPopLatest()
	require.False(t, ok)
}

func TestTryPopLatestDrainsBacklog(t *testing.T) {
	b := NewBus()
	b.Push(GridLoadState{GridPowerW: 1})
	b.Push(GridLoadState{GridPowerW: 2})
	b.Push(GridLoadState{GridPowerW: 3})

	got, ok := b.TryPopLatest()
	require.True(t, ok)
	require.EqualValues(t, 3, got.GridPowerW)
	require.Zero(t, b.Len())

	_, ok = b.TryPopLatest()
	require.False(t, ok)
}

func TestClearEmptiesBus(t *testing.T) {
	b := NewBus()
	b.Push(GridLoadState{GridPowerW: 5})
	b.Clear()
	require.Zero(t, b.Len())
}

func TestConcurrentPushesArePopped(t *testing.T) {
	b := NewBus()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b.Push(GridLoadState{GridPowerW: int16(n)})
		}(i)
	}
	wg.Wait()

	_, ok := b.TryPopLatest()
	require.True(t, ok)
	require.Zero(t, b.Len())
}
