package timers

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chikingsley/rivena/internal/fanout"
	"github.com/chikingsley/rivena/internal/voicestate"
)

// Config sets the driver periods.
type Config struct {
	TickInterval      time.Duration
	IntensityInterval time.Duration
	TopicProgressStep float64
	Rand              *rand.Rand
}

// Group owns the session clock, topic clock and intensity simulator. The
// intensity simulator only runs while the snapshot mode is listening.
type Group struct {
	agg          *voicestate.Aggregator
	SessionClock *Driver
	TopicClock   *Driver
	Intensity    *Driver

	mu      sync.Mutex
	running bool
	gate    fanout.Handle
	// active is flipped under the aggregator lock so that a notification
	// already in flight cannot restart the intensity driver after Stop.
	active atomic.Bool
}

func NewGroup(agg *voicestate.Aggregator, cfg Config) *Group {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.IntensityInterval <= 0 {
		cfg.IntensityInterval = 150 * time.Millisecond
	}
	if cfg.TopicProgressStep == 0 {
		cfg.TopicProgressStep = DefaultTopicProgressStep
	}
	return &Group{
		agg:          agg,
		SessionClock: NewDriver("session_clock", cfg.TickInterval, agg, SessionClockStep),
		TopicClock:   NewDriver("topic_clock", cfg.TickInterval, agg, TopicClockStep(cfg.TopicProgressStep)),
		Intensity:    NewDriver("intensity", cfg.IntensityInterval, agg, IntensityStep(cfg.Rand)),
	}
}

func (g *Group) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return
	}
	g.running = true
	g.active.Store(true)
	g.SessionClock.Start()
	g.TopicClock.Start()
	g.gate = g.agg.Subscribe(g.followMode)
}

func (g *Group) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return
	}
	g.running = false
	g.agg.Apply(func(voicestate.VoiceState) voicestate.Patch {
		g.active.Store(false)
		return voicestate.Patch{}
	})
	g.agg.Unsubscribe(g.gate)
	g.gate = ""
	g.SessionClock.Stop()
	g.TopicClock.Stop()
	g.Intensity.Stop()
}

func (g *Group) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

func (g *Group) followMode(s voicestate.VoiceState) {
	if !g.active.Load() {
		return
	}
	if s.Mode == voicestate.ModeListening {
		g.Intensity.Start()
		return
	}
	g.Intensity.Stop()
}
