package stats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCounters_CountAndSnapshot(t *testing.T) {
	c := NewCounters()
	c.Count(DatagramsSent, 1)
	c.Count(DatagramsSent, 2)
	c.Count(AcksReceived, 5)

	require.Equal(t, uint64(3), c.Value(DatagramsSent))
	require.Equal(t, uint64(5), c.Value(AcksReceived))
	require.Zero(t, c.Value(Retransmissions))

	snap := c.Snapshot()
	require.Equal(t, uint64(3), snap[DatagramsSent])

	// The snapshot is detached from later increments.
	c.Count(DatagramsSent, 1)
	require.Equal(t, uint64(3), snap[DatagramsSent])
}

func TestCounters_ConcurrentIncrements(t *testing.T) {
	c := NewCounters()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Count(BytesSent, 1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, uint64(8000), c.Value(BytesSent))
}
