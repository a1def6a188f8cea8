package timers

import (
	"sync"
	"time"

	"github.com/chikingsley/rivena/internal/voicestate"
)

// StepFunc computes the patch for one tick from the current snapshot.
type StepFunc func(voicestate.VoiceState) voicestate.Patch

// Driver is one periodic counter. Start and Stop are idempotent and never
// block on the tick goroutine. A tick that races with Stop is discarded
// inside the aggregator lock, so no patch from a stopped driver lands.
type Driver struct {
	name     string
	interval time.Duration
	agg      *voicestate.Aggregator
	step     StepFunc

	mu      sync.Mutex
	running bool
	gen     uint64
	stop    chan struct{}
}

func NewDriver(name string, interval time.Duration, agg *voicestate.Aggregator, step StepFunc) *Driver {
	if interval <= 0 {
		interval = time.Second
	}
	return &Driver{
		name:     name,
		interval: interval,
		agg:      agg,
		step:     step,
	}
}

func (d *Driver) Name() string { return d.name }

func (d *Driver) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.gen++
	d.stop = make(chan struct{})
	go d.loop(d.gen, d.stop)
}

func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	d.running = false
	close(d.stop)
	d.stop = nil
}

func (d *Driver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Tick applies one step immediately, regardless of the running state.
func (d *Driver) Tick() voicestate.VoiceState {
	s, _ := d.agg.Apply(d.step)
	return s
}

func (d *Driver) loop(gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.agg.Apply(func(s voicestate.VoiceState) voicestate.Patch {
				if !d.current(gen) {
					return voicestate.Patch{}
				}
				return d.step(s)
			})
		}
	}
}

func (d *Driver) current(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running && d.gen == gen
}
