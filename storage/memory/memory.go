// Package memory implements storage.Storage in process. An Origin holds the
// data; each Handle is one tab's view of it.
package memory

import (
	"context"
	"sync"

	"github.com/jrsteele09/go-team-auth/storage"
	"github.com/pkg/errors"
)

var _ storage.Storage = (*Handle)(nil)

type Origin struct {
	mu      sync.RWMutex
	data    map[string][]byte
	handles map[*Handle]struct{}
}

func NewOrigin() *Origin {
	return &Origin{
		data:    make(map[string][]byte),
		handles: make(map[*Handle]struct{}),
	}
}

// Handle opens a new view on the origin. Close it to stop its delivery goroutine.
func (o *Origin) Handle() *Handle {
	h := &Handle{
		origin:   o,
		watchers: make(map[int]func(storage.Change)),
	}
	h.cond = sync.NewCond(&h.mu)
	o.mu.Lock()
	o.handles[h] = struct{}{}
	o.mu.Unlock()
	go h.deliver()
	return h
}

// Keys returns the keys currently stored.
func (o *Origin) Keys() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	keys := make([]string, 0, len(o.data))
	for k := range o.data {
		keys = append(keys, k)
	}
	return keys
}

func (o *Origin) write(from *Handle, change storage.Change) {
	o.mu.Lock()
	if change.Removed {
		delete(o.data, change.Key)
	} else {
		o.data[change.Key] = append([]byte(nil), change.Value...)
	}
	others := make([]*Handle, 0, len(o.handles))
	for h := range o.handles {
		if h != from {
			others = append(others, h)
		}
	}
	// Enqueue while holding the origin lock so every handle sees writes in the same order.
	for _, h := range others {
		h.enqueue(change)
	}
	o.mu.Unlock()
}

type Handle struct {
	origin *Origin

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []storage.Change
	watchers map[int]func(storage.Change)
	next     int
	closed   bool
}

func (h *Handle) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.origin.mu.RLock()
	defer h.origin.mu.RUnlock()
	v, ok := h.origin.data[key]
	if !ok {
		return nil, errors.Wrapf(storage.ErrNotFound, "[memory.Get] %s", key)
	}
	return append([]byte(nil), v...), nil
}

func (h *Handle) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.origin.write(h, storage.Change{Key: key, Value: append([]byte(nil), value...)})
	return nil
}

func (h *Handle) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.origin.write(h, storage.Change{Key: key, Removed: true})
	return nil
}

func (h *Handle) Watch(fn func(storage.Change)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	h.watchers[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.watchers, id)
	}
}

// Close detaches the handle from its origin. Pending changes are dropped.
func (h *Handle) Close() error {
	h.origin.mu.Lock()
	delete(h.origin.handles, h)
	h.origin.mu.Unlock()

	h.mu.Lock()
	h.closed = true
	h.queue = nil
	h.mu.Unlock()
	h.cond.Broadcast()
	return nil
}

func (h *Handle) enqueue(change storage.Change) {
	h.mu.Lock()
	if !h.closed {
		h.queue = append(h.queue, change)
	}
	h.mu.Unlock()
	h.cond.Signal()
}

func (h *Handle) deliver() {
	for {
		h.mu.Lock()
		for len(h.queue) == 0 && !h.closed {
			h.cond.Wait()
		}
		if h.closed {
			h.mu.Unlock()
			return
		}
		change := h.queue[0]
		h.queue = h.queue[1:]
		fns := make([]func(storage.Change), 0, len(h.watchers))
		for id := 0; id < h.next; id++ {
			if fn, ok := h.watchers[id]; ok {
				fns = append(fns, fn)
			}
		}
		h.mu.Unlock()

		for _, fn := range fns {
			fn(change)
		}
	}
}
