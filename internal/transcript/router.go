package transcript

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/chikingsley/rivena/internal/memory"
	"github.com/chikingsley/rivena/internal/observability"
	"github.com/chikingsley/rivena/internal/policy"
	"github.com/chikingsley/rivena/internal/protocol"
	"github.com/chikingsley/rivena/internal/session"
	"github.com/chikingsley/rivena/internal/voicestate"
)

const persistTimeout = 2 * time.Second

type Options struct {
	Sessions *session.Manager
	State    *voicestate.Aggregator
	Bus      *protocol.Bus

	// Store is optional. Turns are not persisted without one.
	Store     memory.Store
	RedactPII bool
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// Router turns finalized transcripts into turn events.
type Router struct {
	sessions  *session.Manager
	state     *voicestate.Aggregator
	bus       *protocol.Bus
	store     memory.Store
	redactPII bool
	metrics   *observability.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func NewRouter(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		sessions:  opts.Sessions,
		state:     opts.State,
		bus:       opts.Bus,
		store:     opts.Store,
		redactPII: opts.RedactPII,
		metrics:   opts.Metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// HandleUser routes a user utterance. Interim results are dropped. A final
// utterance counts a turn on the open session and is published and persisted.
// An utterance that names a new topic is stored under that topic, and the
// topic change is merged last.
func (r *Router) HandleUser(ctx context.Context, text string, final bool) {
	if !final {
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	sessionID := ""
	if s, err := r.sessions.AddTurn(); err == nil {
		sessionID = s.ID
	}

	label, changed := DetectTopic(text)
	topic := label
	if !changed {
		topic = r.currentTopic()
	}

	r.publish(protocol.UserTranscript{SessionID: sessionID, Text: text, TSMs: r.now().UnixMilli()})
	r.count(memory.RoleUser)
	r.persist(ctx, sessionID, memory.RoleUser, text, topic)

	if changed && r.state != nil {
		r.state.Merge(TopicPatch(label))
		r.logger.Debug("topic changed", "session_id", sessionID, "topic", label)
	}
}

// HandleBot routes a bot utterance. Bot turns are not counted.
func (r *Router) HandleBot(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	sessionID := ""
	if s, ok := r.sessions.Get(); ok {
		sessionID = s.ID
	}

	r.publish(protocol.BotTranscript{SessionID: sessionID, Text: text, TSMs: r.now().UnixMilli()})
	r.count(memory.RoleBot)
	r.persist(ctx, sessionID, memory.RoleBot, text, r.currentTopic())
}

func (r *Router) currentTopic() string {
	if r.state == nil {
		return ""
	}
	return r.state.Snapshot().Topic
}

func (r *Router) publish(ev protocol.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}

func (r *Router) count(role string) {
	if r.metrics != nil {
		r.metrics.Transcripts.WithLabelValues(role).Inc()
	}
}

func (r *Router) persist(ctx context.Context, sessionID, role, text, topic string) {
	if r.store == nil || sessionID == "" {
		return
	}
	rec := memory.TurnRecord{
		SessionID: sessionID,
		Role:      role,
		Content:   text,
		Topic:     topic,
		CreatedAt: r.now().UTC(),
	}
	if r.redactPII {
		rec.Content, rec.PIIRedacted = policy.RedactPII(text)
	}

	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := r.store.SaveTurn(ctx, rec); err != nil {
		r.logger.Warn("transcript persist failed", "session_id", sessionID, "role", role, "error", err)
	}
}
