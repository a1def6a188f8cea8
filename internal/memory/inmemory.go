package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRetainPerSession bounds how many turns the in-memory store keeps for
// one session before dropping the oldest.
const DefaultRetainPerSession = 2000

// InMemoryStore keeps transcripts in process for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	retain   int
	sessions map[string]*sessionLog
}

type sessionLog struct {
	turns   []TurnRecord
	summary SessionSummary
}

func NewInMemoryStore() *InMemoryStore {
	return NewInMemoryStoreWithRetention(DefaultRetainPerSession)
}

func NewInMemoryStoreWithRetention(perSession int) *InMemoryStore {
	if perSession <= 0 {
		perSession = DefaultRetainPerSession
	}
	return &InMemoryStore{retain: perSession, sessions: make(map[string]*sessionLog)}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = make(map[string]*sessionLog)
	}
	log, ok := s.sessions[record.SessionID]
	if !ok {
		log = &sessionLog{summary: SessionSummary{SessionID: record.SessionID}}
		s.sessions[record.SessionID] = log
	}
	log.turns = append(log.turns, record)
	if s.retain > 0 && len(log.turns) > s.retain {
		log.turns = append(log.turns[:0:0], log.turns[len(log.turns)-s.retain:]...)
	}
	log.summary.add(record)
	return nil
}

func (s *InMemoryStore) RecentBySession(_ context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.sessions[sessionID]
	if !ok || len(log.turns) == 0 {
		return nil, nil
	}
	n := len(log.turns)
	if limit <= 0 || limit > n {
		limit = n
	}
	return append([]TurnRecord(nil), log.turns[n-limit:]...), nil
}

// Sessions summarizes every session seen, including turns already dropped by
// retention.
func (s *InMemoryStore) Sessions(_ context.Context, limit int) ([]SessionSummary, error) {
	s.mu.RLock()
	out := make([]SessionSummary, 0, len(s.sessions))
	for _, log := range s.sessions {
		out = append(out, log.summary)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastAt.Equal(out[j].LastAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].LastAt.After(out[j].LastAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
