package activity

import "sync"

// Broker fans events out to the open streams of each user.
type Broker struct {
	mu      sync.Mutex
	clients map[string]map[chan Event]struct{}
}

func NewBroker() *Broker {
	return &Broker{clients: map[string]map[chan Event]struct{}{}}
}

// Add registers a stream of userID. The channel is buffered; a stream that
// falls behind misses events rather than blocking the others.
func (b *Broker) Add(userID string) chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clients[userID] == nil {
		b.clients[userID] = map[chan Event]struct{}{}
	}
	b.clients[userID][ch] = struct{}{}
	return ch
}

func (b *Broker) Remove(userID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients[userID], ch)
	if len(b.clients[userID]) == 0 {
		delete(b.clients, userID)
	}
}

// Broadcast hands ev to every stream of its user.
func (b *Broker) Broadcast(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients[ev.UserID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
