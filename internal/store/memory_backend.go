package store

import (
	"context"
	"sync"
)

// memoryBackend holds every object entirely in process memory. Used for
// ModeMemory (tests, and transient runs with no persistence requirement).
type memoryBackend struct {
	mu      sync.RWMutex
	objects map[string]map[int64][]byte
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{objects: make(map[string]map[int64][]byte)}
}

func (b *memoryBackend) WriteChunk(ctx context.Context, id string, offset int64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj, ok := b.objects[id]
	if !ok {
		obj = make(map[int64][]byte)
		b.objects[id] = obj
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	obj[offset] = cp
	return nil
}

func (b *memoryBackend) Finalize(ctx context.Context, id string) error {
	return nil
}

func (b *memoryBackend) ReadData(ctx context.Context, id string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, ok := b.objects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return concatSorted(obj), nil
}

func (b *memoryBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, id)
	return nil
}

func (b *memoryBackend) Close() error {
	return nil
}
