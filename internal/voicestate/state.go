package voicestate

// Mode is the active-speaker mode shown by the UI.
type Mode string

const (
	ModeListening  Mode = "listening"
	ModeSpeaking   Mode = "speaking"
	ModeReflecting Mode = "reflecting"
)

// Phase is the coarse conversation phase.
type Phase string

const (
	PhaseIntroduction Phase = "introduction"
	PhaseExploration  Phase = "exploration"
	PhaseReflection   Phase = "reflection"
	PhaseClosing      Phase = "closing"
)

// Clock is an elapsed minutes:seconds counter. Seconds stay in [0,59].
type Clock struct {
	Minutes int `json:"minutes"`
	Seconds int `json:"seconds"`
}

// Advance returns the clock one second later, carrying 59 -> 0 into minutes.
func (c Clock) Advance() Clock {
	c = c.normalize()
	c.Seconds++
	if c.Seconds > 59 {
		c.Seconds = 0
		c.Minutes++
	}
	return c
}

func (c Clock) normalize() Clock {
	if c.Seconds < 0 {
		c.Seconds = 0
	}
	if c.Minutes < 0 {
		c.Minutes = 0
	}
	c.Minutes += c.Seconds / 60
	c.Seconds %= 60
	return c
}

// VoiceState is the single UI-facing snapshot.
type VoiceState struct {
	Mode          Mode    `json:"mode"`
	Intensity     float64 `json:"intensity"`
	SessionTime   Clock   `json:"session_time"`
	Topic         string  `json:"topic"`
	TopicTime     Clock   `json:"topic_time"`
	Phase         Phase   `json:"phase"`
	PhaseProgress float64 `json:"phase_progress"`
	TopicProgress float64 `json:"topic_progress"`
}

// Initial is the state of a coordinator with no session history.
func Initial() VoiceState {
	return VoiceState{
		Mode:  ModeReflecting,
		Phase: PhaseIntroduction,
	}
}

// Patch is a partial update. Nil fields leave the snapshot untouched.
type Patch struct {
	Mode          *Mode
	Intensity     *float64
	SessionTime   *Clock
	Topic         *string
	TopicTime     *Clock
	Phase         *Phase
	PhaseProgress *float64
	TopicProgress *float64
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Mode == nil && p.Intensity == nil && p.SessionTime == nil && p.Topic == nil &&
		p.TopicTime == nil && p.Phase == nil && p.PhaseProgress == nil && p.TopicProgress == nil
}

func (p Patch) applyTo(s VoiceState) VoiceState {
	if p.Mode != nil {
		s.Mode = *p.Mode
	}
	if p.Intensity != nil {
		s.Intensity = clamp(*p.Intensity, 0, 1)
	}
	if p.SessionTime != nil {
		s.SessionTime = p.SessionTime.normalize()
	}
	if p.Topic != nil {
		s.Topic = *p.Topic
	}
	if p.TopicTime != nil {
		s.TopicTime = p.TopicTime.normalize()
	}
	if p.Phase != nil {
		s.Phase = *p.Phase
	}
	if p.PhaseProgress != nil {
		s.PhaseProgress = clamp(*p.PhaseProgress, 0, 100)
	}
	if p.TopicProgress != nil {
		s.TopicProgress = clamp(*p.TopicProgress, 0, 100)
	}
	return s
}

func clamp(v, lo, hi float64) float64 {
	if v != v { // NaN
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Ptr returns a pointer to v, for building patches inline.
func Ptr[T any](v T) *T { return &v }
