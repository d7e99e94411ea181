package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/binmgr/internal/binary"
	"github.com/roach88/binmgr/internal/registry"
)

var _ registry.Sequencer = (*SeqClock)(nil)

func TestSeqClock_NextAndReset(t *testing.T) {
	c := NewSeqClock()
	assert.Equal(t, int64(0), c.Current())
	assert.Equal(t, int64(1), c.Next())
	assert.Equal(t, int64(2), c.Next())
	assert.Equal(t, int64(2), c.Current())

	c.Reset()
	assert.Equal(t, int64(1), c.Next())
}

func TestSeqClock_Concurrent(t *testing.T) {
	c := NewSeqClock()
	const workers, calls = 16, 50

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int64]bool)
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range calls {
				v := c.Next()
				mu.Lock()
				assert.False(t, seen[v], "duplicate seq %d", v)
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*calls)
}

func TestSeqClock_DrivesRegistry(t *testing.T) {
	c := NewSeqClock()
	r := registry.New(2, 1, registry.WithClock(c))
	idx, err := r.RegisterUserBinary("camera")
	require.NoError(t, err)

	ch, err := r.Transition(idx, binary.StateInactive, binary.StateLoadingDone)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ch.Seq)
}
