package monitor

import (
	"sync"

	"github.com/nexus-trading/tokenpilot/internal/bus"
)

// ringBuffer is a bounded FIFO shared by all chain loops. When full, push
// evicts the oldest event. signal has capacity 1 and is poked on every push so
// a single consumer can sleep while the buffer is empty.
type ringBuffer struct {
	mu     sync.Mutex
	items  []bus.ChainEvent
	head   int
	size   int
	signal chan struct{}
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{
		items:  make([]bus.ChainEvent, capacity),
		signal: make(chan struct{}, 1),
	}
}

// push appends ev. If the buffer was full the evicted event is returned with
// evicted == true.
func (b *ringBuffer) push(ev bus.ChainEvent) (dropped bus.ChainEvent, evicted bool) {
	b.mu.Lock()
	if b.size == len(b.items) {
		dropped = b.items[b.head]
		b.items[b.head] = bus.ChainEvent{}
		b.head = (b.head + 1) % len(b.items)
		b.size--
		evicted = true
	}
	b.items[(b.head+b.size)%len(b.items)] = ev
	b.size++
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
	return dropped, evicted
}

// pop removes the oldest event.
func (b *ringBuffer) pop() (bus.ChainEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return bus.ChainEvent{}, false
	}
	ev := b.items[b.head]
	b.items[b.head] = bus.ChainEvent{}
	b.head = (b.head + 1) % len(b.items)
	b.size--
	return ev, true
}

func (b *ringBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}
