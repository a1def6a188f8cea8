package memory

import (
	"context"
	"time"
)

const (
	RoleUser = "user"
	RoleBot  = "bot"
)

// TurnRecord is one finalized transcript line. Topic is the conversation
// topic in effect when the line was spoken.
type TurnRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Topic       string    `json:"topic,omitempty"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionSummary aggregates the stored turns of one voice session.
type SessionSummary struct {
	SessionID string    `json:"session_id"`
	UserTurns int       `json:"user_turns"`
	BotTurns  int       `json:"bot_turns"`
	FirstAt   time.Time `json:"first_at"`
	LastAt    time.Time `json:"last_at"`
}

// Store persists transcript turns per voice session.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	// RecentBySession returns up to limit of the newest turns, oldest first.
	RecentBySession(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
	// Sessions lists sessions with stored turns, most recently active first.
	Sessions(ctx context.Context, limit int) ([]SessionSummary, error)
	Close() error
}

func (s *SessionSummary) add(r TurnRecord) {
	switch r.Role {
	case RoleUser:
		s.UserTurns++
	case RoleBot:
		s.BotTurns++
	}
	if s.FirstAt.IsZero() || r.CreatedAt.Before(s.FirstAt) {
		s.FirstAt = r.CreatedAt
	}
	if r.CreatedAt.After(s.LastAt) {
		s.LastAt = r.CreatedAt
	}
}
