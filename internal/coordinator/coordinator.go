package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chikingsley/rivena/internal/observability"
	"github.com/chikingsley/rivena/internal/protocol"
	"github.com/chikingsley/rivena/internal/reliability"
	"github.com/chikingsley/rivena/internal/rtvi"
	"github.com/chikingsley/rivena/internal/session"
	"github.com/chikingsley/rivena/internal/timers"
	"github.com/chikingsley/rivena/internal/transcript"
	"github.com/chikingsley/rivena/internal/voicebot"
	"github.com/chikingsley/rivena/internal/voicestate"
)

const defaultDisconnectTimeout = 5 * time.Second

type Options struct {
	Service voicebot.Service
	Client  rtvi.Client

	// The rest are created with defaults when nil.
	Sessions *session.Manager
	State    *voicestate.Aggregator
	Bus      *protocol.Bus
	Timers   *timers.Group
	Router   *transcript.Router
	Metrics  *observability.Metrics
	Logger   *slog.Logger

	DisconnectTimeout time.Duration
}

// Coordinator owns the lifecycle of the single voice session and reacts to
// real-time client events.
type Coordinator struct {
	service voicebot.Service
	client  rtvi.Client

	sessions *session.Manager
	state    *voicestate.Aggregator
	bus      *protocol.Bus
	timers   *timers.Group
	router   *transcript.Router
	metrics  *observability.Metrics
	logger   *slog.Logger

	disconnectTimeout time.Duration
	now               func() time.Time

	// lifecycle serializes StartSession and EndSession. Client callbacks never
	// take it, since Connect may invoke them synchronously.
	lifecycle sync.Mutex
	speech    speechTracker

	statusMu   sync.Mutex
	lastID     string
	lastStatus session.Status
}

var _ rtvi.Handler = (*Coordinator)(nil)

func New(opts Options) (*Coordinator, error) {
	if opts.Service == nil {
		return nil, errors.New("voice-bot service is required")
	}
	if opts.Client == nil {
		return nil, errors.New("real-time client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewManager()
	}
	if opts.State == nil {
		opts.State = voicestate.NewAggregator(logger)
	}
	if opts.Bus == nil {
		opts.Bus = protocol.NewBus(logger)
	}
	if opts.Timers == nil {
		opts.Timers = timers.NewGroup(opts.State, timers.Config{})
	}
	if opts.Router == nil {
		opts.Router = transcript.NewRouter(transcript.Options{
			Sessions: opts.Sessions,
			State:    opts.State,
			Bus:      opts.Bus,
			Metrics:  opts.Metrics,
			Logger:   logger,
		})
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = defaultDisconnectTimeout
	}

	c := &Coordinator{
		service:           opts.Service,
		client:            opts.Client,
		sessions:          opts.Sessions,
		state:             opts.State,
		bus:               opts.Bus,
		timers:            opts.Timers,
		router:            opts.Router,
		metrics:           opts.Metrics,
		logger:            logger,
		disconnectTimeout: opts.DisconnectTimeout,
		now:               time.Now,
	}
	c.sessions.SetChangeHook(c.sessionChanged)
	return c, nil
}

func (c *Coordinator) State() *voicestate.Aggregator { return c.state }
func (c *Coordinator) Bus() *protocol.Bus            { return c.bus }

// StartSession asks the voice-bot service for a room, joins it with the
// real-time client and starts the timers.
func (c *Coordinator) StartSession(ctx context.Context) (*session.Session, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.sessions.Active() {
		return nil, ErrSessionActive
	}

	resp, err := c.service.Connect(ctx)
	if err != nil {
		c.metrics.SessionEvent("connect_failed")
		c.logger.Warn("session create failed", "error", err)
		return nil, &ConnectionError{Err: err, Retryable: voicebot.Retryable(err)}
	}

	if _, err := c.sessions.Open(session.Credentials{
		SessionID: resp.SessionID,
		RoomURL:   resp.RoomURL,
		Token:     resp.Token,
	}); err != nil {
		return nil, fmt.Errorf("open session %s: %w", resp.SessionID, err)
	}
	c.speech.reset()
	c.state.Merge(resetPatch())
	c.metrics.SessionEvent("start")
	c.logger.Info("session created", "session_id", resp.SessionID)

	if err := c.client.Connect(ctx, rtvi.Credentials{RoomURL: resp.RoomURL, Token: resp.Token}, c); err != nil {
		terr := transportError(resp.SessionID, err)
		_, _ = c.sessions.SetStatus(session.StatusError)
		c.publishTransportError(terr)
		c.logger.Error("real-time connect failed", "session_id", resp.SessionID, "error", err)
		s, _ := c.sessions.Get()
		return s, terr
	}

	s, ok := c.sessions.Get()
	if !ok {
		return nil, &TransportError{
			SessionID: resp.SessionID,
			Kind:      "connection_lost",
			Retryable: true,
			Err:       errors.New("disconnected while connecting"),
		}
	}
	c.timers.Start()
	return s, nil
}

// EndSession tears the open session down locally and then tells the service.
// Remote teardown failures are logged, never returned.
func (c *Coordinator) EndSession(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	s, ok := c.sessions.Get()
	if !ok {
		return ErrNoActiveSession
	}

	if err := c.client.Disconnect(ctx); err != nil {
		c.logger.Warn("real-time disconnect failed", "session_id", s.ID, "error", err)
	}
	c.closeLocal()
	c.metrics.SessionEvent("end")
	c.logger.Info("session ended", "session_id", s.ID)

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.disconnectTimeout)
	defer cancel()
	if _, err := c.service.Disconnect(dctx, s.ID); err != nil && !voicebot.IsNotFound(err) {
		c.metrics.SessionEvent("disconnect_failed")
		c.logger.Warn("remote session teardown failed", "session_id", s.ID, "error", err)
	}
	return nil
}

// Current returns the open session as last seen locally, without asking the
// service.
func (c *Coordinator) Current() (*session.Session, bool) {
	return c.sessions.Get()
}

// SessionStatus refreshes the open session from the service. When the poll
// fails the last known session is returned.
func (c *Coordinator) SessionStatus(ctx context.Context) (*session.Session, bool) {
	s, err := c.refreshStatus(ctx)
	if s == nil {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("session status poll failed", "session_id", s.ID, "error", err)
	}
	return s, true
}

// StartStatusPoller refreshes the open session every interval until ctx is
// done. Consecutive failures back off up to eight intervals.
func (c *Coordinator) StartStatusPoller(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		timer := time.NewTimer(interval)
		defer timer.Stop()
		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			next := interval
			if c.sessions.Active() {
				if s, err := c.refreshStatus(ctx); err != nil && s != nil {
					failures++
					next = reliability.ExponentialBackoff(failures, interval, 8*interval)
					c.logger.Warn("session status poll failed", "session_id", s.ID, "failures", failures, "error", err)
				} else {
					failures = 0
				}
			}
			timer.Reset(next)
		}
	}()
}

func (c *Coordinator) refreshStatus(ctx context.Context) (*session.Session, error) {
	s, ok := c.sessions.Get()
	if !ok {
		return nil, ErrNoActiveSession
	}
	resp, err := c.service.Status(ctx, s.ID)
	if err != nil {
		c.metrics.SessionEvent("status_poll_failed")
		return s, &StatusPollError{SessionID: s.ID, Err: err}
	}

	remote := session.Metrics{
		Interruptions:   resp.Metrics.Interruptions,
		TotalTurns:      resp.Metrics.TotalTurns,
		BotSpeakingTime: positive(resp.Metrics.BotSpeakingTime),
		AvgResponseTime: positive(resp.Metrics.AvgResponseTime),
	}
	updated, err := c.sessions.Sync(func(cur *session.Session) {
		if cur.ID != s.ID {
			return
		}
		cur.Metrics = cur.Metrics.Merge(remote)
		if st, ok := remoteStatus(resp.Status); ok && cur.Status != session.StatusError {
			cur.Status = st
		}
		if la := resp.Metrics.LastActivity; la != nil && la.After(cur.LastActivityAt) {
			cur.LastActivityAt = la.Time
		}
	})
	if err != nil {
		return nil, ErrNoActiveSession
	}
	return updated, nil
}

func (c *Coordinator) Wake(ctx context.Context) (voicebot.ActionResponse, error) {
	return c.action(ctx, "wake", c.service.Wake)
}

func (c *Coordinator) Sleep(ctx context.Context) (voicebot.ActionResponse, error) {
	return c.action(ctx, "sleep", c.service.Sleep)
}

func (c *Coordinator) action(ctx context.Context, name string, fn func(context.Context, string) (voicebot.ActionResponse, error)) (voicebot.ActionResponse, error) {
	s, ok := c.sessions.Get()
	if !ok {
		return voicebot.ActionResponse{}, ErrNoActiveSession
	}
	resp, err := fn(ctx, s.ID)
	if err != nil {
		return voicebot.ActionResponse{}, fmt.Errorf("%s session %s: %w", name, s.ID, err)
	}
	c.touch()
	c.metrics.SessionEvent(name)
	return resp, nil
}

func (c *Coordinator) ListSessions(ctx context.Context) ([]string, error) {
	return c.service.ListSessions(ctx)
}

func (c *Coordinator) OnConnected() {
	s, err := c.sessions.SetStatus(session.StatusActive)
	if err != nil {
		return
	}
	c.state.Merge(voicestate.Patch{Mode: voicestate.Ptr(voicestate.ModeReflecting)})
	c.metrics.SessionEvent("connected")
	c.logger.Info("real-time client connected", "session_id", s.ID)
}

func (c *Coordinator) OnDisconnected() {
	s, ok := c.sessions.Get()
	if !ok {
		return
	}
	c.closeLocal()
	c.metrics.SessionEvent("disconnected")
	c.logger.Info("real-time client disconnected", "session_id", s.ID)
}

func (c *Coordinator) OnUserTranscript(text string, final bool) {
	c.touch()
	c.router.HandleUser(context.Background(), text, final)
}

func (c *Coordinator) OnBotTranscript(text string) {
	c.touch()
	c.router.HandleBot(context.Background(), text)
}

func (c *Coordinator) OnUserSpeechStart() {
	c.touch()
	if c.speech.userStarted() {
		if _, err := c.sessions.AddInterruption(); err == nil {
			c.metrics.SessionEvent("interruption")
		}
	}
	c.state.Merge(voicestate.Patch{Mode: voicestate.Ptr(voicestate.ModeListening)})
}

func (c *Coordinator) OnUserSpeechEnd() {
	c.touch()
	c.speech.userStopped(c.now())
	c.state.Merge(voicestate.Patch{Mode: voicestate.Ptr(voicestate.ModeReflecting)})
}

func (c *Coordinator) OnBotSpeechStart() {
	c.touch()
	if resp, avg, ok := c.speech.botStarted(c.now()); ok {
		c.metrics.ObserveResponseTime(resp)
		secs := avg.Seconds()
		_, _ = c.sessions.Update(func(s *session.Session) { s.Metrics.AvgResponseTime = &secs })
	}
	c.state.Merge(voicestate.Patch{Mode: voicestate.Ptr(voicestate.ModeSpeaking)})
}

func (c *Coordinator) OnBotSpeechEnd() {
	c.touch()
	if total, ok := c.speech.botStopped(c.now()); ok {
		secs := total.Seconds()
		_, _ = c.sessions.Update(func(s *session.Session) { s.Metrics.BotSpeakingTime = &secs })
	}
	c.state.Merge(voicestate.Patch{Mode: voicestate.Ptr(voicestate.ModeReflecting)})
}

func (c *Coordinator) OnUserVoiceActivity(level float64) {
	c.touch()
	c.state.Merge(voicestate.Patch{Intensity: voicestate.Ptr(level)})
}

func (c *Coordinator) OnError(err error) {
	s, ok := c.sessions.Get()
	if !ok {
		c.logger.Warn("real-time error without session", "error", err)
		return
	}
	terr := transportError(s.ID, err)
	_, _ = c.sessions.SetStatus(session.StatusError)
	c.metrics.SessionEvent("transport_error")
	c.publishTransportError(terr)
	c.logger.Error("real-time client error", "session_id", s.ID, "kind", terr.Kind, "error", err)
}

func (c *Coordinator) closeLocal() {
	c.timers.Stop()
	_, _ = c.sessions.SetStatus(session.StatusInactive)
	c.sessions.Clear()
	c.speech.reset()
	c.state.Merge(voicestate.Patch{
		Mode:      voicestate.Ptr(voicestate.ModeReflecting),
		Intensity: voicestate.Ptr(0.0),
	})
}

func (c *Coordinator) touch() {
	_ = c.sessions.Touch()
}

func (c *Coordinator) publishTransportError(terr *TransportError) {
	c.bus.Publish(protocol.ErrorEvent{
		SessionID: terr.SessionID,
		Code:      terr.Kind,
		Source:    "transport",
		Retryable: terr.Retryable,
		Detail:    terr.Err.Error(),
	})
}

// sessionChanged publishes a session_status event whenever the status of the
// open session changes.
func (c *Coordinator) sessionChanged(s *session.Session) {
	if c.metrics != nil {
		if s == nil {
			c.metrics.ActiveSessions.Set(0)
		} else {
			c.metrics.ActiveSessions.Set(1)
		}
	}

	c.statusMu.Lock()
	if s == nil {
		c.lastID, c.lastStatus = "", ""
		c.statusMu.Unlock()
		return
	}
	if s.ID == c.lastID && s.Status == c.lastStatus {
		c.statusMu.Unlock()
		return
	}
	c.lastID, c.lastStatus = s.ID, s.Status
	c.statusMu.Unlock()

	c.bus.Publish(protocol.SessionStatus{SessionID: s.ID, Status: string(s.Status)})
}

func transportError(sessionID string, err error) *TransportError {
	terr := &TransportError{SessionID: sessionID, Kind: "transport", Err: err}
	var rerr *rtvi.Error
	if errors.As(err, &rerr) {
		terr.Kind = rerr.Kind
		terr.Retryable = rerr.Retryable()
	}
	return terr
}

func resetPatch() voicestate.Patch {
	return voicestate.Patch{
		Mode:          voicestate.Ptr(voicestate.ModeReflecting),
		Intensity:     voicestate.Ptr(0.0),
		SessionTime:   voicestate.Ptr(voicestate.Clock{}),
		Topic:         voicestate.Ptr(""),
		TopicTime:     voicestate.Ptr(voicestate.Clock{}),
		Phase:         voicestate.Ptr(voicestate.PhaseIntroduction),
		PhaseProgress: voicestate.Ptr(0.0),
		TopicProgress: voicestate.Ptr(0.0),
	}
}

// remoteStatus maps the service's bot status onto a local status. Sleeping
// bots keep whatever status the session already has.
func remoteStatus(s string) (session.Status, bool) {
	switch s {
	case "initializing":
		return session.StatusConnecting, true
	case "active":
		return session.StatusActive, true
	case "idle":
		return session.StatusInactive, true
	default:
		return "", false
	}
}

func positive(v *float64) *float64 {
	if v == nil || *v <= 0 {
		return nil
	}
	out := *v
	return &out
}
