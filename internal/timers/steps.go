package timers

import (
	"math/rand/v2"
	"sync"

	"github.com/chikingsley/rivena/internal/voicestate"
)

const (
	DefaultTopicProgressStep = 0.05
	MinIntensity             = 0.3
	MaxIntensity             = 1.0
)

// SessionClockStep advances the session clock by one second.
func SessionClockStep(s voicestate.VoiceState) voicestate.Patch {
	next := s.SessionTime.Advance()
	return voicestate.Patch{SessionTime: &next}
}

// TopicClockStep advances the topic clock and adds progressStep percentage
// points to topic progress, capped at 100.
func TopicClockStep(progressStep float64) StepFunc {
	if progressStep < 0 {
		progressStep = 0
	}
	return func(s voicestate.VoiceState) voicestate.Patch {
		next := s.TopicTime.Advance()
		progress := s.TopicProgress + progressStep
		if progress > 100 {
			progress = 100
		}
		return voicestate.Patch{TopicTime: &next, TopicProgress: &progress}
	}
}

// IntensityStep draws a voice intensity from [MinIntensity, MaxIntensity]
// while the mode is listening and leaves the state alone otherwise.
func IntensityStep(src *rand.Rand) StepFunc {
	var mu sync.Mutex
	if src == nil {
		src = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return func(s voicestate.VoiceState) voicestate.Patch {
		if s.Mode != voicestate.ModeListening {
			return voicestate.Patch{}
		}
		mu.Lock()
		v := MinIntensity + src.Float64()*(MaxIntensity-MinIntensity)
		mu.Unlock()
		return voicestate.Patch{Intensity: &v}
	}
}
