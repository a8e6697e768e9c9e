package event

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/frpbridge/internal/metrics"
)

// subscriberBuffer is the channel depth for each subscriber. A subscriber
// that falls this far behind starts losing events instead of slowing the
// producer down.
const subscriberBuffer = 64

// DefaultHeartbeat is the idle keepalive cadence for subscribers.
const DefaultHeartbeat = 30 * time.Second

// Broadcaster fans events out to any number of passive subscribers.
// Delivery is best-effort: publishing never blocks, and a full subscriber
// channel drops the event for that subscriber only. Events published from a
// single goroutine are observed by each subscriber in publish order.
type Broadcaster struct {
	mu        sync.RWMutex
	subs      map[string]chan Event
	closed    bool
	logger    *slog.Logger
	heartbeat time.Duration
	hbStop    chan struct{}
}

// NewBroadcaster creates a broadcaster. heartbeat <= 0 disables the idle
// keepalive ticker. Pass nil logger for slog.Default.
func NewBroadcaster(logger *slog.Logger, heartbeat time.Duration) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		subs:      make(map[string]chan Event),
		logger:    logger.With("component", "broadcaster"),
		heartbeat: heartbeat,
	}
	if heartbeat > 0 {
		b.hbStop = make(chan struct{})
		go b.heartbeatLoop(b.hbStop)
	}
	return b
}

// Subscribe registers a subscriber and returns its channel plus an id for
// Unsubscribe. The subscription is removed automatically when ctx ends.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan Event, string) {
	id := uuid.New().String()
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, id
	}
	b.subs[id] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", id)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(id)
	}()

	return ch, id
}

// Publish delivers ev to every subscriber without blocking. The sends happen
// under the read lock so Unsubscribe cannot close a channel mid-publish.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			metrics.IncEventDropped(string(ev.Type))
			b.logger.Debug("dropped event for slow subscriber", "type", ev.Type)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel. It is safe to
// call more than once and safe to call from a connection-close callback.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(ch)
	b.logger.Debug("subscriber removed", "sub_id", id)
}

// SubscriberCount reports the current number of subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	stop := b.hbStop
	b.hbStop = nil
	b.mu.Unlock()

	if stop != nil {
		close(stop)
	}
}

func (b *Broadcaster) heartbeatLoop(stop <-chan struct{}) {
	t := time.NewTicker(b.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			b.Publish(New(TypeHeartbeat, nil))
		case <-stop:
			return
		}
	}
}
