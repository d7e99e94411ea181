package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/binmgr/internal/binary"
	"github.com/roach88/binmgr/internal/registry"
)

type delivery struct {
	pid int
	msg Message
}

// recordingTransport records deliveries and optionally acks them.
type recordingTransport struct {
	mu        sync.Mutex
	got       []delivery
	fail      map[int]bool
	onDeliver func(sub binary.Subscription, msg Message)
}

func (tr *recordingTransport) Deliver(_ context.Context, sub binary.Subscription, msg Message) error {
	tr.mu.Lock()
	if tr.fail[sub.PID] {
		tr.mu.Unlock()
		return errors.New("queue full")
	}
	tr.got = append(tr.got, delivery{pid: sub.PID, msg: msg})
	hook := tr.onDeliver
	tr.mu.Unlock()
	if hook != nil {
		hook(sub, msg)
	}
	return nil
}

func (tr *recordingTransport) deliveries() []delivery {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]delivery(nil), tr.got...)
}

func change(seq int64, to binary.State, pids ...int) registry.Change {
	subs := make([]binary.Subscription, len(pids))
	for i, pid := range pids {
		subs[i] = binary.Subscription{PID: pid}
	}
	return registry.Change{
		Seq:         seq,
		Index:       1,
		Name:        "camera",
		From:        binary.StateInactive,
		To:          to,
		Subscribers: subs,
	}
}

func TestNotify_AsyncOrder(t *testing.T) {
	tr := &recordingTransport{}
	n := New(tr)

	rep := n.Notify(context.Background(), change(1, binary.StateLoadingDone, 10, 11, 12), false)
	assert.Equal(t, 3, rep.Delivered)
	assert.Empty(t, rep.Unacked)

	got := tr.deliveries()
	require.Len(t, got, 3)
	for i, pid := range []int{10, 11, 12} {
		assert.Equal(t, pid, got[i].pid)
		assert.Equal(t, binary.StateLoadingDone, got[i].msg.State)
		assert.Equal(t, "camera", got[i].msg.Name)
		assert.False(t, got[i].msg.NeedResponse)
	}
}

func TestNotify_NoSubscribers(t *testing.T) {
	tr := &recordingTransport{}
	n := New(tr)

	rep := n.Notify(context.Background(), change(1, binary.StateRunning), true)
	assert.Equal(t, Report{}, rep)
	assert.Empty(t, tr.deliveries())
}

func TestNotify_SyncWaitsForEveryAck(t *testing.T) {
	tr := &recordingTransport{}
	n := New(tr, WithResponseTimeout(time.Second))
	tr.onDeliver = func(sub binary.Subscription, msg Message) {
		go n.Ack(sub.PID, msg.Seq)
	}

	start := time.Now()
	rep := n.Notify(context.Background(), change(5, binary.StateWaitUnload, 10, 11, 10), true)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 3, rep.Delivered)
	assert.Empty(t, rep.Unacked)
	for _, d := range tr.deliveries() {
		assert.True(t, d.msg.NeedResponse)
	}
}

func TestNotify_SyncTimeoutIsNotFatal(t *testing.T) {
	tr := &recordingTransport{}
	n := New(tr, WithResponseTimeout(50*time.Millisecond))
	tr.onDeliver = func(sub binary.Subscription, msg Message) {
		if sub.PID == 10 {
			n.Ack(sub.PID, msg.Seq)
		}
	}

	rep := n.Notify(context.Background(), change(5, binary.StateWaitUnload, 10, 11), true)
	assert.Equal(t, 2, rep.Delivered)
	assert.Equal(t, []int{11}, rep.Unacked)
}

func TestNotify_DuplicateSubscriptionNeedsTwoAcks(t *testing.T) {
	tr := &recordingTransport{}
	n := New(tr, WithResponseTimeout(50*time.Millisecond))
	acked := false
	tr.onDeliver = func(sub binary.Subscription, msg Message) {
		if !acked {
			acked = true
			n.Ack(sub.PID, msg.Seq)
		}
	}

	rep := n.Notify(context.Background(), change(5, binary.StateWaitUnload, 10, 10), true)
	assert.Equal(t, []int{10}, rep.Unacked)
}

func TestNotify_DeliveryFailureCountsAsAnswered(t *testing.T) {
	tr := &recordingTransport{fail: map[int]bool{11: true}}
	n := New(tr, WithResponseTimeout(time.Second))
	tr.onDeliver = func(sub binary.Subscription, msg Message) {
		n.Ack(sub.PID, msg.Seq)
	}

	start := time.Now()
	rep := n.Notify(context.Background(), change(5, binary.StateWaitUnload, 10, 11), true)
	assert.Less(t, time.Since(start), time.Second, "failed delivery must not hold the wait")
	assert.Equal(t, 1, rep.Delivered)
	assert.Equal(t, 1, rep.Failed)
	assert.Empty(t, rep.Unacked)
}

// A subscriber that goes away while a synchronous notification waits on it
// releases the wait immediately instead of running out the full timeout.
func TestNotify_CancelReleasesPendingWait(t *testing.T) {
	tr := &recordingTransport{}
	n := New(tr, WithResponseTimeout(5*time.Second))
	tr.onDeliver = func(sub binary.Subscription, msg Message) {
		if sub.PID == 11 {
			go func() {
				time.Sleep(20 * time.Millisecond)
				n.Cancel(11)
			}()
			return
		}
		n.Ack(sub.PID, msg.Seq)
	}

	start := time.Now()
	rep := n.Notify(context.Background(), change(9, binary.StateWaitUnload, 10, 11), true)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, rep.Unacked)
}

func TestNotify_ContextCancelEndsWait(t *testing.T) {
	tr := &recordingTransport{}
	n := New(tr, WithResponseTimeout(5*time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	tr.onDeliver = func(binary.Subscription, Message) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
	}

	start := time.Now()
	rep := n.Notify(ctx, change(9, binary.StateWaitUnload, 10), true)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []int{10}, rep.Unacked)
}

func TestAck_UnknownIsIgnored(t *testing.T) {
	n := New(&recordingTransport{})
	assert.NotPanics(t, func() {
		n.Ack(10, 99)
		n.Cancel(10)
	})
}
