package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists transcripts in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO transcript_turns (id, session_id, role, content, topic, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.ID, record.SessionID, record.Role, record.Content, record.Topic, record.PIIRedacted, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentBySession(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	// LIMIT NULL returns every row.
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, topic, pii_redacted, created_at FROM (
			SELECT * FROM transcript_turns WHERE session_id = $1
			ORDER BY created_at DESC LIMIT $2
		) recent ORDER BY created_at ASC`,
		sessionID, lim,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TurnRecord, error) {
		var r TurnRecord
		err := row.Scan(&r.ID, &r.SessionID, &r.Role, &r.Content, &r.Topic, &r.PIIRedacted, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan turn rows: %w", err)
	}
	if len(turns) == 0 {
		return nil, nil
	}
	return turns, nil
}

func (s *PostgresStore) Sessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT session_id,
			count(*) FILTER (WHERE role = 'user'),
			count(*) FILTER (WHERE role = 'bot'),
			min(created_at), max(created_at)
		 FROM transcript_turns
		 GROUP BY session_id
		 ORDER BY max(created_at) DESC, session_id
		 LIMIT $1`,
		lim,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SessionSummary, error) {
		var s SessionSummary
		err := row.Scan(&s.SessionID, &s.UserTurns, &s.BotTurns, &s.FirstAt, &s.LastAt)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan session rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
