package session

import (
	"context"
	"sync/atomic"
	"time"
)

// Notification is one value pushed by the peripheral, timestamped on
// arrival.
type Notification struct {
	Value      []byte
	ReceivedAt time.Time
}

// SubscriptionInfo is a point-in-time summary of a subscription.
type SubscriptionInfo struct {
	Handle           string
	ConnectionHandle string
	Address          string
	CharUUID         string
	Mode             string
	Active           bool
	CreatedAt        time.Time
	Queued           int
	Received         int64
	Dropped          int64
	DataPending      bool
}

// subscription buffers notifications for one characteristic. The queue has
// overwrite-oldest semantics so a silent consumer costs bounded memory and
// always sees the newest data.
//
// deliver runs on the hardware callback goroutine while consumers run on
// caller goroutines, so the live flag and the alert flag are atomics.
type subscription struct {
	handle     string
	connHandle string
	address    string
	charUUID   string
	mode       string
	createdAt  time.Time

	queue   *RingChannel[Notification]
	active  atomic.Bool
	alerted atomic.Bool
}

func newSubscription(handle, connHandle, address, charUUID, mode string, queueCap int, now time.Time) *subscription {
	s := &subscription{
		handle:     handle,
		connHandle: connHandle,
		address:    address,
		charUUID:   charUUID,
		mode:       mode,
		createdAt:  now,
		queue:      NewRingChannel[Notification](queueCap),
	}
	s.active.Store(true)
	return s
}

// deliver enqueues a notification. Returns (dropped, firstSinceConsume):
// dropped reports whether the oldest queued item was evicted, and
// firstSinceConsume is true exactly once per quiet period, until a consumer
// call rearms it.
func (s *subscription) deliver(value []byte, now time.Time) (dropped, firstSinceConsume bool) {
	if !s.active.Load() {
		return false, false
	}
	v := make([]byte, len(value))
	copy(v, value)
	dropped = s.queue.ForceSend(Notification{Value: v, ReceivedAt: now})
	firstSinceConsume = s.alerted.CompareAndSwap(false, true)
	return dropped, firstSinceConsume
}

// detach flips the subscription dead. The queue keeps whatever it holds but
// deliver becomes a no-op. Safe to call more than once and from any
// goroutine.
func (s *subscription) detach() {
	s.active.Store(false)
}

// rearm clears the data-pending flag so the next delivery counts as fresh.
// Consumer calls rearm when they return, not when they start: a value that
// arrives mid-wait goes straight to the waiting caller and must not count as
// a new quiet-period alert.
func (s *subscription) rearm() {
	s.alerted.Store(false)
}

// WaitOne blocks until a notification arrives or timeout elapses. A lapsed
// timeout is not an error: it returns ok=false with no notification.
func (s *subscription) WaitOne(ctx context.Context, timeout time.Duration) (Notification, bool, error) {
	defer s.rearm()
	if n, ok := s.queue.TryReceive(); ok {
		return n, true, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case n, ok := <-s.queue.C():
		if !ok {
			return Notification{}, false, nil
		}
		return n, true, nil
	case <-timer.C:
		return Notification{}, false, nil
	case <-ctx.Done():
		return Notification{}, false, Errorf(CodeTimeout, "wait cancelled: %v", ctx.Err())
	}
}

// Poll returns up to max queued notifications without blocking.
func (s *subscription) Poll(max int) []Notification {
	defer s.rearm()
	if max <= 0 {
		return nil
	}
	out := make([]Notification, 0, max)
	for len(out) < max {
		n, ok := s.queue.TryReceive()
		if !ok {
			break
		}
		out = append(out, n)
	}
	return out
}

// Drain collects notifications until the stream goes idle, maxItems are
// gathered, or the total deadline lapses. The first item gets the full
// remaining deadline; each later item waits at most min(idle, remaining).
func (s *subscription) Drain(ctx context.Context, idle, total time.Duration, maxItems int) ([]Notification, error) {
	defer s.rearm()
	deadline := time.Now().Add(total)
	var out []Notification
	for maxItems <= 0 || len(out) < maxItems {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		wait := remaining
		if len(out) > 0 && idle < wait {
			wait = idle
		}
		timer := time.NewTimer(wait)
		select {
		case n, ok := <-s.queue.C():
			timer.Stop()
			if !ok {
				return out, nil
			}
			out = append(out, n)
		case <-timer.C:
			return out, nil
		case <-ctx.Done():
			timer.Stop()
			return out, Errorf(CodeTimeout, "drain cancelled: %v", ctx.Err())
		}
	}
	return out, nil
}

func (s *subscription) info() SubscriptionInfo {
	m := s.queue.Metrics()
	return SubscriptionInfo{
		Handle:           s.handle,
		ConnectionHandle: s.connHandle,
		Address:          s.address,
		CharUUID:         s.charUUID,
		Mode:             s.mode,
		Active:           s.active.Load(),
		CreatedAt:        s.createdAt,
		Queued:           s.queue.Len(),
		Received:         m.Written,
		Dropped:          m.Overwritten,
		DataPending:      s.alerted.Load(),
	}
}
