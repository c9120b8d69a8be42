package pubsub

import "sync"

// Listener receives payloads published on a channel.
type Listener func(payload any)

// PubSub is an in-memory channel fan-out. Listeners run on the publishing
// goroutine, outside the internal lock, so a listener may subscribe or
// unsubscribe without deadlocking.
type PubSub struct {
	mu       sync.RWMutex
	next     int
	channels map[string]map[int]Listener
	byID     map[int]string
}

// New creates an empty PubSub.
func New() *PubSub {
	return &PubSub{
		channels: make(map[string]map[int]Listener),
		byID:     make(map[int]string),
	}
}

// Subscribe registers fn on channel and returns its subscription id.
func (ps *PubSub) Subscribe(channel string, fn Listener) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.next++
	id := ps.next

	listeners, ok := ps.channels[channel]
	if !ok {
		listeners = make(map[int]Listener)
		ps.channels[channel] = listeners
	}
	listeners[id] = fn
	ps.byID[id] = channel
	return id
}

// Unsubscribe removes the listener with the given id. Unknown ids are ignored.
func (ps *PubSub) Unsubscribe(id int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	channel, ok := ps.byID[id]
	if !ok {
		return
	}
	delete(ps.byID, id)

	listeners := ps.channels[channel]
	delete(listeners, id)
	if len(listeners) == 0 {
		delete(ps.channels, channel)
	}
}

// Publish delivers payload to every listener of channel and returns how many
// there were.
func (ps *PubSub) Publish(channel string, payload any) int {
	ps.mu.RLock()
	listeners := make([]Listener, 0, len(ps.channels[channel]))
	for _, fn := range ps.channels[channel] {
		listeners = append(listeners, fn)
	}
	ps.mu.RUnlock()

	for _, fn := range listeners {
		fn(payload)
	}
	return len(listeners)
}

// Count returns the number of listeners on channel.
func (ps *PubSub) Count(channel string) int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.channels[channel])
}

// Len returns the total number of listeners.
func (ps *PubSub) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.byID)
}
