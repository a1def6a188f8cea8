package session

import (
	"errors"
	"sync"
	"time"
)

type Status string

const (
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusInactive   Status = "inactive"
	StatusError      Status = "error"
)

var (
	ErrNoSession = errors.New("no open session")
	ErrOpen      = errors.New("a session is already open")
)

// Metrics are conversation counters reported locally and by the voice-bot
// service. The optional fields stay nil until a value is known.
type Metrics struct {
	Interruptions   int      `json:"interruptions"`
	TotalTurns      int      `json:"total_turns"`
	BotSpeakingTime *float64 `json:"bot_speaking_time,omitempty"`
	AvgResponseTime *float64 `json:"avg_response_time,omitempty"`
}

type Session struct {
	ID             string    `json:"session_id"`
	RoomURL        string    `json:"room_url"`
	Token          string    `json:"-"`
	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Metrics        Metrics   `json:"metrics"`
}

// Credentials are what the voice-bot service hands back for a new room.
type Credentials struct {
	SessionID string
	RoomURL   string
	Token     string
}

// Manager holds at most one open session. All reads return copies.
type Manager struct {
	mu       sync.RWMutex
	current  *Session
	now      func() time.Time
	onChange func(*Session)
	seq      uint64

	// hookMu orders change hook calls. A hook for an older mutation that
	// arrives after a newer one has been delivered is dropped.
	hookMu    sync.Mutex
	delivered uint64
}

func NewManager() *Manager {
	return &Manager{now: func() time.Time { return time.Now().UTC() }}
}

// SetChangeHook is called after every mutation with a copy of the session, or
// nil once it has been cleared. Calls arrive in mutation order, one at a time;
// a burst of concurrent mutations may collapse into the newest copy. The hook
// must not mutate the manager.
func (m *Manager) SetChangeHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = hook
}

func (m *Manager) Open(creds Credentials) (*Session, error) {
	now := m.now()
	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return nil, ErrOpen
	}
	m.current = &Session{
		ID:             creds.SessionID,
		RoomURL:        creds.RoomURL,
		Token:          creds.Token,
		Status:         StatusConnecting,
		StartedAt:      now,
		LastActivityAt: now,
	}
	out, hook, seq := clone(m.current), m.onChange, m.next()
	m.mu.Unlock()

	m.deliver(hook, seq, clone(out))
	return out, nil
}

func (m *Manager) Get() (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil, false
	}
	return clone(m.current), true
}

func (m *Manager) Active() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current != nil
}

// Update applies fn to the open session and refreshes its activity time.
func (m *Manager) Update(fn func(*Session)) (*Session, error) {
	return m.update(fn, true)
}

// Sync applies fn without touching the activity time. Status polls use it so
// that polling alone never makes a session look active.
func (m *Manager) Sync(fn func(*Session)) (*Session, error) {
	return m.update(fn, false)
}

func (m *Manager) update(fn func(*Session), touch bool) (*Session, error) {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return nil, ErrNoSession
	}
	fn(m.current)
	if touch {
		m.current.LastActivityAt = m.now()
	}
	out, hook, seq := clone(m.current), m.onChange, m.next()
	m.mu.Unlock()

	m.deliver(hook, seq, clone(out))
	return out, nil
}

func (m *Manager) SetStatus(status Status) (*Session, error) {
	return m.Update(func(s *Session) { s.Status = status })
}

func (m *Manager) Touch() error {
	_, err := m.Update(func(*Session) {})
	return err
}

func (m *Manager) AddTurn() (*Session, error) {
	return m.Update(func(s *Session) { s.Metrics.TotalTurns++ })
}

func (m *Manager) AddInterruption() (*Session, error) {
	return m.Update(func(s *Session) { s.Metrics.Interruptions++ })
}

// Clear drops the open session and returns the last copy of it.
func (m *Manager) Clear() (*Session, bool) {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return nil, false
	}
	out, hook, seq := clone(m.current), m.onChange, m.next()
	m.current = nil
	m.mu.Unlock()

	m.deliver(hook, seq, nil)
	return out, true
}

// next numbers a mutation. Callers hold mu.
func (m *Manager) next() uint64 {
	m.seq++
	return m.seq
}

func (m *Manager) deliver(hook func(*Session), seq uint64, s *Session) {
	if hook == nil {
		return
	}
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	if seq <= m.delivered {
		return
	}
	m.delivered = seq
	hook(s)
}

func (a Metrics) Merge(b Metrics) Metrics {
	out := a
	if b.Interruptions > out.Interruptions {
		out.Interruptions = b.Interruptions
	}
	if b.TotalTurns > out.TotalTurns {
		out.TotalTurns = b.TotalTurns
	}
	if b.BotSpeakingTime != nil {
		v := *b.BotSpeakingTime
		out.BotSpeakingTime = &v
	}
	if b.AvgResponseTime != nil {
		v := *b.AvgResponseTime
		out.AvgResponseTime = &v
	}
	return out
}

func clone(s *Session) *Session {
	c := *s
	if s.Metrics.BotSpeakingTime != nil {
		v := *s.Metrics.BotSpeakingTime
		c.Metrics.BotSpeakingTime = &v
	}
	if s.Metrics.AvgResponseTime != nil {
		v := *s.Metrics.AvgResponseTime
		c.Metrics.AvgResponseTime = &v
	}
	return &c
}
