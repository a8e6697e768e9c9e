package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBroadcaster(nil, 0)
	defer b.Close()

	ctx := context.Background()
	ch1, _ := b.Subscribe(ctx)
	ch2, _ := b.Subscribe(ctx)
	require.Equal(t, 2, b.SubscriberCount())

	b.Publish(New(TypeProcessStarted, map[string]int{"pid": 42}))

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, TypeProcessStarted, ev.Type)
			assert.JSONEq(t, `{"pid":42}`, string(ev.Payload))
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroadcaster(nil, 0)
	defer b.Close()

	ch, _ := b.Subscribe(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*3; i++ {
			b.Publish(New(TypeStatus, nil))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The buffer worth of events is still there; the overflow was dropped.
	received := 0
	for {
		select {
		case <-ch:
			received++
			continue
		default:
		}
		break
	}
	assert.Equal(t, subscriberBuffer, received)
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil, 0)
	defer b.Close()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					b.Publish(New(TypeStatus, nil))
				}
			}
		}()
	}

	// Churn subscribers while the publishers run. A close racing a send
	// would panic one of the publisher goroutines.
	for i := 0; i < 200; i++ {
		_, id := b.Subscribe(context.Background())
		b.Unsubscribe(id)
	}

	close(stop)
	wg.Wait()
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := NewBroadcaster(nil, 0)
	defer b.Close()

	_, id := b.Subscribe(context.Background())
	b.Unsubscribe(id)
	b.Unsubscribe(id)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestContextCancelRemovesSubscriber(t *testing.T) {
	b := NewBroadcaster(nil, 0)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx)
	cancel()

	require.Eventually(t, func() bool { return b.SubscriberCount() == 0 },
		time.Second, 10*time.Millisecond)

	// The channel is closed once the subscription is gone.
	_, open := <-ch
	assert.False(t, open)
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	b := NewBroadcaster(nil, 0)
	ch, _ := b.Subscribe(context.Background())
	b.Close()

	b.Publish(New(TypeStatus, nil))
	_, open := <-ch
	assert.False(t, open)

	// Subscribing after close yields a closed channel.
	ch2, _ := b.Subscribe(context.Background())
	_, open = <-ch2
	assert.False(t, open)
}

func TestHeartbeat(t *testing.T) {
	b := NewBroadcaster(nil, 20*time.Millisecond)
	defer b.Close()

	ch, _ := b.Subscribe(context.Background())
	select {
	case ev := <-ch:
		assert.Equal(t, TypeHeartbeat, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no heartbeat received")
	}
}

func TestEventOrderPreservedPerSubscriber(t *testing.T) {
	b := NewBroadcaster(nil, 0)
	defer b.Close()

	ch, _ := b.Subscribe(context.Background())
	types := []Type{TypeProcessStarted, TypeConfigUpdated, TypeProcessStopped}
	for _, ty := range types {
		b.Publish(New(ty, nil))
	}
	for _, want := range types {
		select {
		case ev := <-ch:
			assert.Equal(t, want, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
}
