package protocol

import (
	"log/slog"

	"github.com/chikingsley/rivena/internal/fanout"
)

// Bus delivers events to subscribers synchronously, in subscription order.
type Bus struct {
	subs *fanout.Registry[Event]
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{subs: fanout.NewRegistry[Event](logger)}
}

func (b *Bus) SetPanicHook(hook func(fanout.Handle, any)) {
	b.subs.SetPanicHook(hook)
}

func (b *Bus) Publish(ev Event) {
	if ev == nil {
		return
	}
	b.subs.Notify(ev)
}

func (b *Bus) Subscribe(fn func(Event)) fanout.Handle {
	return b.subs.Add(fn)
}

func (b *Bus) Unsubscribe(h fanout.Handle) {
	b.subs.Remove(h)
}

func (b *Bus) SubscriberCount() int {
	return b.subs.Len()
}
