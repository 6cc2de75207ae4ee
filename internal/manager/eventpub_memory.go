package manager

import "sync"

const defaultEventBuffer = 128

// MemoryPublisher keeps the most recent events in a fixed ring. /status
// exposes them; tests read them back in publish order.
type MemoryPublisher struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
}

// NewMemoryPublisher keeps the last size events (128 when size <= 0).
func NewMemoryPublisher(size int) *MemoryPublisher {
	if size <= 0 {
		size = defaultEventBuffer
	}
	return &MemoryPublisher{buf: make([]Event, size)}
}

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.buf[p.next] = e
	p.next++
	if p.next == len(p.buf) {
		p.next, p.full = 0, true
	}
	p.mu.Unlock()
}

// Events returns the retained events, oldest first.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.full {
		return append([]Event(nil), p.buf[:p.next]...)
	}
	out := make([]Event, 0, len(p.buf))
	out = append(out, p.buf[p.next:]...)
	return append(out, p.buf[:p.next]...)
}

// Names returns event names in publish order.
func (p *MemoryPublisher) Names() []string {
	evs := p.Events()
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = string(e.Name)
	}
	return out
}
