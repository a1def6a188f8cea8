package fanout

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Handle identifies one registration. The zero Handle is never issued.
type Handle string

type entry[T any] struct {
	handle Handle
	fn     func(T)
}

// Registry keeps callbacks in registration order and delivers values to each
// of them with panics isolated per callback.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries []entry[T]
	logger  *slog.Logger
	onPanic func(Handle, any)
}

func NewRegistry[T any](logger *slog.Logger) *Registry[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry[T]{logger: logger}
}

// SetPanicHook is called after a callback panic has been recovered.
func (r *Registry[T]) SetPanicHook(hook func(Handle, any)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPanic = hook
}

func (r *Registry[T]) Add(fn func(T)) Handle {
	h := Handle(uuid.NewString())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry[T]{handle: h, fn: fn})
	return h
}

// Remove drops the registration for h. Removing an unknown or already removed
// handle is a no-op; the return value reports whether anything was removed.
func (r *Registry[T]) Remove(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.handle == h {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Notify delivers v to every callback registered at call time, in order.
func (r *Registry[T]) Notify(v T) {
	r.mu.RLock()
	entries := make([]entry[T], len(r.entries))
	copy(entries, r.entries)
	r.mu.RUnlock()

	for _, e := range entries {
		r.deliver(e, v)
	}
}

// Deliver sends v to the single callback behind h, if it is still registered.
func (r *Registry[T]) Deliver(h Handle, v T) bool {
	r.mu.RLock()
	var (
		target entry[T]
		found  bool
	)
	for _, e := range r.entries {
		if e.handle == h {
			target, found = e, true
			break
		}
	}
	r.mu.RUnlock()
	if !found {
		return false
	}
	r.deliver(target, v)
	return true
}

func (r *Registry[T]) deliver(e entry[T], v T) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("subscriber panic", "handle", string(e.handle), "panic", fmt.Sprint(p))
			r.mu.RLock()
			hook := r.onPanic
			r.mu.RUnlock()
			if hook != nil {
				hook(e.handle, p)
			}
		}
	}()
	e.fn(v)
}
