package media

import (
	"sync"

	"github.com/pion/rtp"
)

// Packet is one inbound RTP packet tagged with its track kind.
type Packet struct {
	Kind     string
	MimeType string
	RTP      *rtp.Packet
}

// Relay fans inbound RTP out to subscribers. A subscriber that cannot keep up
// loses packets; the track reader never blocks on it.
type Relay struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]chan Packet
	dropped uint64
}

func NewRelay() *Relay {
	return &Relay{subs: make(map[int]chan Packet)}
}

// Subscribe registers a subscriber. The returned func unsubscribes and closes
// the channel; calling it more than once is safe.
func (r *Relay) Subscribe(buffer int) (<-chan Packet, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Packet, buffer)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
}

func (r *Relay) Publish(p Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- p:
		default:
			r.dropped++
		}
	}
}

func (r *Relay) Subscribers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *Relay) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
