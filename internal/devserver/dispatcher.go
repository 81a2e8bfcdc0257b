package devserver

import "sync"

// Dispatcher is the long-poll wakeup hub: await handlers subscribe to the
// topics they watch (datastore handles and per-account list topics) and
// put-delta handlers publish to them. Notifications carry no payload; a
// woken subscriber re-reads the store.
type Dispatcher struct {
	mu          sync.Mutex
	subscribers map[string]map[int64]chan struct{}
	nextID      int64
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{subscribers: make(map[string]map[int64]chan struct{})}
}

// Subscribe registers interest in all given topics and returns the wakeup
// channel plus a cleanup function. The channel has capacity one; multiple
// publishes before the subscriber wakes collapse into a single wakeup.
func (d *Dispatcher) Subscribe(topics []string) (<-chan struct{}, func()) {
	wake := make(chan struct{}, 1)

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	for _, topic := range topics {
		if _, exists := d.subscribers[topic]; !exists {
			d.subscribers[topic] = make(map[int64]chan struct{})
		}
		d.subscribers[topic][id] = wake
	}
	d.mu.Unlock()

	cleanup := func() {
		d.mu.Lock()
		for _, topic := range topics {
			listeners := d.subscribers[topic]
			if listeners != nil {
				delete(listeners, id)
				if len(listeners) == 0 {
					delete(d.subscribers, topic)
				}
			}
		}
		d.mu.Unlock()
	}
	return wake, cleanup
}

// Publish wakes every subscriber of a topic.
func (d *Dispatcher) Publish(topic string) {
	d.mu.Lock()
	listeners := d.subscribers[topic]
	wakes := make([]chan struct{}, 0, len(listeners))
	for _, wake := range listeners {
		wakes = append(wakes, wake)
	}
	d.mu.Unlock()

	for _, wake := range wakes {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}
