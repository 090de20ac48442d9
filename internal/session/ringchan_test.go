package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingChannel_ForceSendWithinCapacity(t *testing.T) {
	rc := NewRingChannel[int](4)

	for i := 1; i <= 4; i++ {
		dropped := rc.ForceSend(i)
		assert.False(t, dropped)
	}
	assert.Equal(t, 4, rc.Len())

	m := rc.Metrics()
	assert.Equal(t, int64(4), m.Written)
	assert.Equal(t, int64(0), m.Overwritten)
}

func TestRingChannel_OverflowDropsOldest(t *testing.T) {
	const capacity = 5
	rc := NewRingChannel[int](capacity)

	// capacity+1 items: item 1 is evicted, exactly one drop.
	for i := 1; i <= capacity+1; i++ {
		rc.ForceSend(i)
	}
	assert.Equal(t, capacity, rc.Len())
	assert.Equal(t, int64(1), rc.Metrics().Overwritten)

	for want := 2; want <= capacity+1; want++ {
		v, ok := rc.TryReceive()
		require.True(t, ok)
		assert.Equal(t, want, v)
	}
	_, ok := rc.TryReceive()
	assert.False(t, ok)
}

func TestRingChannel_OverflowDropCountMatchesExcess(t *testing.T) {
	const capacity = 3
	for _, k := range []int{0, 1, 7} {
		rc := NewRingChannel[int](capacity)
		for i := 0; i < capacity+k; i++ {
			rc.ForceSend(i)
		}
		assert.Equal(t, int64(k), rc.Metrics().Overwritten, "k=%d", k)
	}
}

func TestRingChannel_ReceiveTracksProcessed(t *testing.T) {
	rc := NewRingChannel[string](2)
	rc.ForceSend("a")
	rc.ForceSend("b")

	v, ok := rc.Receive()
	require.True(t, ok)
	assert.Equal(t, "a", v)

	v, ok = rc.TryReceive()
	require.True(t, ok)
	assert.Equal(t, "b", v)

	assert.Equal(t, int64(2), rc.Metrics().Processed)
}

func TestRingChannel_CloseUnblocksReceive(t *testing.T) {
	rc := NewRingChannel[int](1)
	rc.Close()

	_, ok := rc.Receive()
	assert.False(t, ok)
}

func TestNewRingChannel_PanicsOnBadCapacity(t *testing.T) {
	assert.Panics(t, func() { NewRingChannel[int](0) })
}
