package coordinator

import (
	"sync"
	"time"
)

// speechTracker derives conversation metrics from speaking events.
type speechTracker struct {
	mu            sync.Mutex
	botSpeaking   bool
	botStartedAt  time.Time
	userStoppedAt time.Time
	botTotal      time.Duration
	responseTotal time.Duration
	responseCount int
}

func (t *speechTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.botSpeaking = false
	t.botStartedAt = time.Time{}
	t.userStoppedAt = time.Time{}
	t.botTotal = 0
	t.responseTotal = 0
	t.responseCount = 0
}

// userStarted reports whether the user cut into bot speech.
func (t *speechTracker) userStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.botSpeaking
}

func (t *speechTracker) userStopped(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.userStoppedAt = now
}

// botStarted returns the response time for this bot turn and the running
// average, when the turn answers a user utterance.
func (t *speechTracker) botStarted(now time.Time) (resp, avg time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.botSpeaking = true
	t.botStartedAt = now
	if t.userStoppedAt.IsZero() {
		return 0, 0, false
	}
	resp = now.Sub(t.userStoppedAt)
	t.userStoppedAt = time.Time{}
	if resp < 0 {
		return 0, 0, false
	}
	t.responseTotal += resp
	t.responseCount++
	return resp, t.responseTotal / time.Duration(t.responseCount), true
}

// botStopped returns the accumulated bot speaking time.
func (t *speechTracker) botStopped(now time.Time) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.botSpeaking {
		return t.botTotal, false
	}
	t.botSpeaking = false
	if d := now.Sub(t.botStartedAt); d > 0 {
		t.botTotal += d
	}
	return t.botTotal, true
}
