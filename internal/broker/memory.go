package broker

import (
	"context"
	"sync"

	"github.com/sensorgrid/ingest/internal/core"
)

const memoryBufferSize = 100

// MemoryBroker is an in-process fan-out broker. Each subscriber gets a
// buffered channel drained by its own goroutine; a full buffer drops the
// reading for that subscriber rather than blocking the pipeline.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[int]chan core.Reading
	nextID int
	closed bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[int]chan core.Reading)}
}

func (b *MemoryBroker) Publish(_ context.Context, r core.Reading) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, ch := range b.subs {
		select {
		case ch <- r:
		default:
			// Subscriber lagging, drop.
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(handler Handler) (func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan core.Reading, memoryBufferSize)
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		for r := range ch {
			handler(r)
		}
	}()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return unsub, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
