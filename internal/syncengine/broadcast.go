package syncengine

import (
	"context"
	"sync"
)

// statusDispatcher fans status snapshots out to subscribers. Each subscriber holds at
// most one undelivered snapshot; a newer snapshot replaces an unread older one.
type statusDispatcher struct {
	mu          sync.Mutex
	subscribers map[int64]*statusSubscriber
	nextID      int64
	latest      *Status
}

type statusSubscriber struct {
	id     int64
	stream chan Status
	closed bool
}

func newStatusDispatcher() *statusDispatcher {
	return &statusDispatcher{
		subscribers: make(map[int64]*statusSubscriber),
	}
}

// Subscribe registers a stream primed with the latest snapshot, if any.
// The stream is closed by cleanup or when ctx is done.
func (d *statusDispatcher) Subscribe(ctx context.Context) (<-chan Status, func()) {
	d.mu.Lock()
	d.nextID++
	subscriber := &statusSubscriber{
		id:     d.nextID,
		stream: make(chan Status, 1),
	}
	d.subscribers[subscriber.id] = subscriber
	if d.latest != nil {
		subscriber.stream <- *d.latest
	}
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers status to every subscriber without blocking.
func (d *statusDispatcher) Publish(status Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	snapshot := status
	d.latest = &snapshot
	for _, subscriber := range d.subscribers {
		select {
		case subscriber.stream <- status:
			continue
		default:
		}
		select {
		case <-subscriber.stream:
		default:
		}
		select {
		case subscriber.stream <- status:
		default:
		}
	}
}

func (d *statusDispatcher) unregister(subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscriber, ok := d.subscribers[subscriberID]
	if !ok {
		return
	}
	delete(d.subscribers, subscriberID)
	if !subscriber.closed {
		subscriber.closed = true
		close(subscriber.stream)
	}
}
