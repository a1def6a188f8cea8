package voicestate

import (
	"log/slog"
	"sync"

	"github.com/chikingsley/rivena/internal/fanout"
)

// Aggregator owns the VoiceState snapshot. Other components only submit
// patches. Merge and notification happen under one lock, so subscribers see
// snapshots in merge order; a subscriber must not call Merge synchronously.
type Aggregator struct {
	mu          sync.Mutex
	state       VoiceState
	subscribers *fanout.Registry[VoiceState]
}

func NewAggregator(logger *slog.Logger) *Aggregator {
	return &Aggregator{
		state:       Initial(),
		subscribers: fanout.NewRegistry[VoiceState](logger),
	}
}

// SetPanicHook forwards to the subscriber registry.
func (a *Aggregator) SetPanicHook(hook func(fanout.Handle, any)) {
	a.subscribers.SetPanicHook(hook)
}

// Merge overwrites the fields set in p and notifies every subscriber with the
// resulting snapshot, even when p is empty.
func (a *Aggregator) Merge(p Patch) VoiceState {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = p.applyTo(a.state)
	a.subscribers.Notify(a.state)
	return a.state
}

// Apply computes a patch from the current snapshot and merges it atomically.
// An empty patch from fn is dropped without notifying anyone.
func (a *Aggregator) Apply(fn func(VoiceState) Patch) (VoiceState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := fn(a.state)
	if p.Empty() {
		return a.state, false
	}
	a.state = p.applyTo(a.state)
	a.subscribers.Notify(a.state)
	return a.state, true
}

// Subscribe registers fn and delivers the current snapshot to it once before
// returning.
func (a *Aggregator) Subscribe(fn func(VoiceState)) fanout.Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.subscribers.Add(fn)
	a.subscribers.Deliver(h, a.state)
	return h
}

func (a *Aggregator) Unsubscribe(h fanout.Handle) {
	a.subscribers.Remove(h)
}

func (a *Aggregator) Snapshot() VoiceState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SubscriberCount is exposed for diagnostics.
func (a *Aggregator) SubscriberCount() int {
	return a.subscribers.Len()
}
