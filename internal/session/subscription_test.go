package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSub(queueCap int) *subscription {
	return newSubscription(NewHandle(), "conn-1", "AA:BB:CC:DD:EE:FF", "2a37", "notify", queueCap, time.Now())
}

func TestSubscription_WaitOneReturnsQueuedItem(t *testing.T) {
	sub := testSub(8)
	sub.deliver([]byte{0x01}, time.Now())

	n, ok, err := sub.WaitOne(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0x01}, n.Value)
}

func TestSubscription_WaitOneTimeoutIsNotAnError(t *testing.T) {
	sub := testSub(8)

	start := time.Now()
	_, ok, err := sub.WaitOne(context.Background(), 20*time.Millisecond)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSubscription_WaitOneSeesLateArrival(t *testing.T) {
	sub := testSub(8)
	go func() {
		time.Sleep(10 * time.Millisecond)
		sub.deliver([]byte{0x42}, time.Now())
	}()

	n, ok, err := sub.WaitOne(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0x42}, n.Value)
}

func TestSubscription_PollDrainsUpToMax(t *testing.T) {
	sub := testSub(16)
	for i := 0; i < 5; i++ {
		sub.deliver([]byte{byte(i)}, time.Now())
	}

	first := sub.Poll(3)
	require.Len(t, first, 3)
	assert.Equal(t, []byte{0}, first[0].Value)
	assert.Equal(t, []byte{2}, first[2].Value)

	rest := sub.Poll(100)
	assert.Len(t, rest, 2)
	assert.Empty(t, sub.Poll(10))
}

func TestSubscription_DrainCollectsBurstWithoutFullDeadline(t *testing.T) {
	sub := testSub(16)
	for i := 0; i < 5; i++ {
		sub.deliver([]byte{byte(i)}, time.Now())
	}

	start := time.Now()
	got, err := sub.Drain(context.Background(), 100*time.Millisecond, time.Second, 200)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Len(t, got, 5)
	// Stops on the idle gap after the burst, well before the total deadline.
	assert.Less(t, elapsed, 800*time.Millisecond)
}

func TestSubscription_DrainEmptyWhenNothingArrives(t *testing.T) {
	sub := testSub(4)

	got, err := sub.Drain(context.Background(), 10*time.Millisecond, 50*time.Millisecond, 10)
	assert.NoError(t, err)
	assert.Empty(t, got)
}

func TestSubscription_DrainHonorsMaxItems(t *testing.T) {
	sub := testSub(16)
	for i := 0; i < 8; i++ {
		sub.deliver([]byte{byte(i)}, time.Now())
	}

	got, err := sub.Drain(context.Background(), 50*time.Millisecond, time.Second, 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestSubscription_AlertFiresOncePerQuietPeriod(t *testing.T) {
	sub := testSub(16)

	_, first := sub.deliver([]byte{0x01}, time.Now())
	assert.True(t, first)

	// Burst: follow-up deliveries do not re-trigger.
	for i := 0; i < 5; i++ {
		_, again := sub.deliver([]byte{byte(i)}, time.Now())
		assert.False(t, again)
	}

	// A consumer call rearms the alert.
	sub.Poll(100)
	_, rearmed := sub.deliver([]byte{0x02}, time.Now())
	assert.True(t, rearmed)
}

func TestSubscription_MidWaitArrivalDoesNotRefireAlert(t *testing.T) {
	sub := testSub(8)

	// Alert is pending from an earlier delivery whose item was taken off the
	// queue without a consumer call completing.
	_, first := sub.deliver([]byte{0x01}, time.Now())
	require.True(t, first)
	_, ok := sub.queue.TryReceive()
	require.True(t, ok)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, refired := sub.deliver([]byte{0x02}, time.Now())
		// The waiting caller receives this item directly; it is not a fresh
		// quiet-period alert.
		assert.False(t, refired)
	}()

	n, ok, err := sub.WaitOne(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0x02}, n.Value)

	// The completed wait rearms the alert for the next delivery.
	_, fresh := sub.deliver([]byte{0x03}, time.Now())
	assert.True(t, fresh)
}

func TestSubscription_DetachStopsDelivery(t *testing.T) {
	sub := testSub(4)
	sub.deliver([]byte{0x01}, time.Now())
	sub.detach()
	sub.detach() // second detach is harmless

	dropped, first := sub.deliver([]byte{0x02}, time.Now())
	assert.False(t, dropped)
	assert.False(t, first)
	assert.Equal(t, 1, sub.queue.Len())
	assert.False(t, sub.info().Active)
}

func TestSubscription_OverflowKeepsNewest(t *testing.T) {
	sub := testSub(3)
	for i := 1; i <= 4; i++ {
		sub.deliver([]byte(fmt.Sprintf("%d", i)), time.Now())
	}

	got := sub.Poll(10)
	require.Len(t, got, 3)
	assert.Equal(t, []byte("2"), got[0].Value)
	assert.Equal(t, []byte("4"), got[2].Value)
	assert.Equal(t, int64(1), sub.queue.Metrics().Overwritten)
}
