package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/chikingsley/rivena/internal/protocol"
	"github.com/chikingsley/rivena/internal/rtvi"
	"github.com/chikingsley/rivena/internal/session"
	"github.com/chikingsley/rivena/internal/timers"
	"github.com/chikingsley/rivena/internal/voicebot"
	"github.com/chikingsley/rivena/internal/voicestate"
)

type fakeBot struct {
	mu               sync.Mutex
	calls            map[string]int
	connectStatus    int
	disconnectStatus int
	statusStatus     int
	statusBody       string
}

func (b *fakeBot) record(op string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[op]++
}

func (b *fakeBot) set(fn func(*fakeBot)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func (b *fakeBot) config() (connect, disconnect, status int, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectStatus, b.disconnectStatus, b.statusStatus, b.statusBody
}

func (b *fakeBot) count(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *fakeBot) total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, v := range b.calls {
		n += v
	}
	return n
}

func newFakeBot(t *testing.T) (*fakeBot, *httptest.Server) {
	t.Helper()
	b := &fakeBot{calls: make(map[string]int)}
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /connect", func(w http.ResponseWriter, r *http.Request) {
		b.record("connect")
		if code, _, _, _ := b.config(); code != 0 {
			writeJSON(w, code, map[string]string{"detail": "no rooms"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"session_id": "s1",
			"room_url":   "https://rooms.example/s1",
			"token":      "tok",
		})
	})
	mux.HandleFunc("POST /disconnect/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.record("disconnect")
		if _, code, _, _ := b.config(); code != 0 {
			writeJSON(w, code, map[string]string{"detail": "boom"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	})
	mux.HandleFunc("GET /status/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.record("status")
		_, _, code, body := b.config()
		if code != 0 {
			writeJSON(w, code, map[string]string{"detail": "down"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	})
	mux.HandleFunc("POST /wake/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.record("wake")
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Bot is now awake"})
	})
	mux.HandleFunc("POST /sleep/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.record("sleep")
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Bot is now sleeping"})
	})
	mux.HandleFunc("GET /sessions", func(w http.ResponseWriter, r *http.Request) {
		b.record("sessions")
		writeJSON(w, http.StatusOK, []string{"s1"})
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return b, ts
}

type fixture struct {
	c      *Coordinator
	bot    *fakeBot
	mock   *rtvi.MockClient
	state  *voicestate.Aggregator
	events []protocol.Event
	evMu   sync.Mutex
}

func (f *fixture) eventsOf(typ protocol.MessageType) []protocol.Event {
	f.evMu.Lock()
	defer f.evMu.Unlock()
	var out []protocol.Event
	for _, ev := range f.events {
		if ev.EventType() == typ {
			out = append(out, ev)
		}
	}
	return out
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bot, ts := newFakeBot(t)
	f := &fixture{
		bot:   bot,
		mock:  rtvi.NewMockClient(),
		state: voicestate.NewAggregator(nil),
	}
	bus := protocol.NewBus(nil)
	bus.Subscribe(func(ev protocol.Event) {
		f.evMu.Lock()
		f.events = append(f.events, ev)
		f.evMu.Unlock()
	})
	c, err := New(Options{
		Service: voicebot.NewClient(ts.URL, 2*time.Second),
		Client:  f.mock,
		State:   f.state,
		Bus:     bus,
		Timers: timers.NewGroup(f.state, timers.Config{
			TickInterval:      time.Hour,
			IntensityInterval: time.Hour,
		}),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.c = c
	t.Cleanup(func() { c.timers.Stop() })
	return f
}

func (f *fixture) start(t *testing.T) *session.Session {
	t.Helper()
	s, err := f.c.StartSession(context.Background())
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	return s
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{Client: rtvi.NewMockClient()}); err == nil {
		t.Fatalf("New() without service expected error")
	}
	if _, err := New(Options{Service: voicebot.NewClient("http://127.0.0.1:1", time.Second)}); err == nil {
		t.Fatalf("New() without client expected error")
	}
}

func TestStartSessionConnectFailureKeepsNothing(t *testing.T) {
	f := newFixture(t)
	f.bot.set(func(b *fakeBot) { b.connectStatus = http.StatusInternalServerError })

	s, err := f.c.StartSession(context.Background())
	if s != nil {
		t.Fatalf("StartSession() session = %+v, want nil", s)
	}
	var cerr *ConnectionError
	if !errors.As(err, &cerr) {
		t.Fatalf("StartSession() error = %v, want *ConnectionError", err)
	}
	if !cerr.Retryable {
		t.Fatalf("Retryable = false, want true for 500")
	}
	var se *voicebot.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusInternalServerError {
		t.Fatalf("wrapped error = %v, want 500 StatusError", err)
	}
	if _, ok := f.c.SessionStatus(context.Background()); ok {
		t.Fatalf("session stored after failed connect")
	}
	if f.c.timers.Running() {
		t.Fatalf("timers running after failed connect")
	}
	if connects, _ := f.mock.Calls(); connects != 0 {
		t.Fatalf("real-time connects = %d, want 0", connects)
	}
}

func TestStartSessionConnectsAndResetsState(t *testing.T) {
	f := newFixture(t)
	f.state.Merge(voicestate.Patch{
		SessionTime:   voicestate.Ptr(voicestate.Clock{Minutes: 3, Seconds: 10}),
		TopicProgress: voicestate.Ptr(50.0),
		Topic:         voicestate.Ptr("old"),
	})

	s := f.start(t)
	if s.ID != "s1" || s.Status != session.StatusActive {
		t.Fatalf("session = %+v, want s1 active", s)
	}
	if got := f.mock.Credentials(); got.RoomURL != "https://rooms.example/s1" || got.Token != "tok" {
		t.Fatalf("credentials = %+v", got)
	}
	st := f.state.Snapshot()
	if st.SessionTime != (voicestate.Clock{}) || st.TopicProgress != 0 || st.Topic != "" {
		t.Fatalf("state not reset: %+v", st)
	}
	if st.Mode != voicestate.ModeReflecting {
		t.Fatalf("Mode = %q, want reflecting", st.Mode)
	}
	if !f.c.timers.Running() {
		t.Fatalf("timers not running after start")
	}

	statuses := f.eventsOf(protocol.TypeSessionStatus)
	if len(statuses) != 2 {
		t.Fatalf("session_status events = %d, want 2 (connecting, active)", len(statuses))
	}
	if got := statuses[1].(protocol.SessionStatus).Status; got != string(session.StatusActive) {
		t.Fatalf("last status = %q, want active", got)
	}
}

func TestStartSessionRejectsSecondSession(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	if _, err := f.c.StartSession(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second StartSession() error = %v, want ErrSessionActive", err)
	}
	if n := f.bot.count("connect"); n != 1 {
		t.Fatalf("connect calls = %d, want 1", n)
	}
}

func TestStartSessionTransportFailureKeepsErroredSession(t *testing.T) {
	f := newFixture(t)
	f.mock.ConnectErr = &rtvi.Error{Kind: "transport", Detail: "dial refused"}

	s, err := f.c.StartSession(context.Background())
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("StartSession() error = %v, want *TransportError", err)
	}
	if terr.SessionID != "s1" || !terr.Retryable {
		t.Fatalf("TransportError = %+v", terr)
	}
	if s == nil || s.Status != session.StatusError {
		t.Fatalf("session = %+v, want status error", s)
	}
	if f.c.timers.Running() {
		t.Fatalf("timers running after transport failure")
	}
	errs := f.eventsOf(protocol.TypeErrorEvent)
	if len(errs) != 1 || errs[0].(protocol.ErrorEvent).Source != "transport" {
		t.Fatalf("error events = %+v", errs)
	}
}

func TestEndSessionWithoutSessionMakesNoNetworkCall(t *testing.T) {
	f := newFixture(t)
	if err := f.c.EndSession(context.Background()); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("EndSession() error = %v, want ErrNoActiveSession", err)
	}
	if n := f.bot.total(); n != 0 {
		t.Fatalf("service calls = %d, want 0", n)
	}
	if _, disconnects := f.mock.Calls(); disconnects != 0 {
		t.Fatalf("real-time disconnects = %d, want 0", disconnects)
	}
}

func TestEndSessionTearsDown(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	if err := f.c.EndSession(context.Background()); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if _, ok := f.c.SessionStatus(context.Background()); ok {
		t.Fatalf("session still open after EndSession")
	}
	if f.c.timers.Running() {
		t.Fatalf("timers running after EndSession")
	}
	if _, disconnects := f.mock.Calls(); disconnects != 1 {
		t.Fatalf("real-time disconnects = %d, want 1", disconnects)
	}
	if n := f.bot.count("disconnect"); n != 1 {
		t.Fatalf("remote disconnects = %d, want 1", n)
	}
}

func TestEndSessionRemoteFailureIsNotReturned(t *testing.T) {
	f := newFixture(t)
	f.bot.set(func(b *fakeBot) { b.disconnectStatus = http.StatusBadGateway })
	f.start(t)

	if err := f.c.EndSession(context.Background()); err != nil {
		t.Fatalf("EndSession() error = %v, want nil", err)
	}
	if _, ok := f.c.SessionStatus(context.Background()); ok {
		t.Fatalf("session still open after EndSession")
	}
}

func TestSessionStatusMergesRemoteMetrics(t *testing.T) {
	f := newFixture(t)
	f.bot.set(func(b *fakeBot) { b.statusBody = `{"session_id":"s1","status":"active","metrics":{"interruptions":2,"total_turns":1,"bot_speaking_time":4.5,"avg_response_time":0,"last_activity":null}}` })
	f.start(t)
	for i := 0; i < 3; i++ {
		f.mock.Emit(func(h rtvi.Handler) { h.OnUserTranscript("hello", true) })
	}

	s, ok := f.c.SessionStatus(context.Background())
	if !ok {
		t.Fatalf("SessionStatus() ok = false")
	}
	if s.Metrics.TotalTurns != 3 {
		t.Fatalf("TotalTurns = %d, want 3 (local is ahead)", s.Metrics.TotalTurns)
	}
	if s.Metrics.Interruptions != 2 {
		t.Fatalf("Interruptions = %d, want 2", s.Metrics.Interruptions)
	}
	if s.Metrics.BotSpeakingTime == nil || *s.Metrics.BotSpeakingTime != 4.5 {
		t.Fatalf("BotSpeakingTime = %v, want 4.5", s.Metrics.BotSpeakingTime)
	}
	if s.Metrics.AvgResponseTime != nil {
		t.Fatalf("AvgResponseTime = %v, want nil for a zero remote value", *s.Metrics.AvgResponseTime)
	}
}

func TestSessionStatusPollFailureReturnsLastKnown(t *testing.T) {
	f := newFixture(t)
	f.bot.set(func(b *fakeBot) { b.statusStatus = http.StatusServiceUnavailable })
	f.start(t)

	s, ok := f.c.SessionStatus(context.Background())
	if !ok || s.ID != "s1" || s.Status != session.StatusActive {
		t.Fatalf("SessionStatus() = %+v, %v; want last known active session", s, ok)
	}

	_, err := f.c.refreshStatus(context.Background())
	var perr *StatusPollError
	if !errors.As(err, &perr) || perr.SessionID != "s1" {
		t.Fatalf("refreshStatus() error = %v, want *StatusPollError", err)
	}
}

func TestSessionStatusWithoutSession(t *testing.T) {
	f := newFixture(t)
	if s, ok := f.c.SessionStatus(context.Background()); ok || s != nil {
		t.Fatalf("SessionStatus() = %+v, %v; want nil, false", s, ok)
	}
	if n := f.bot.total(); n != 0 {
		t.Fatalf("service calls = %d, want 0", n)
	}
}

func TestSpeechCallbacksDriveModeAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	f.c.now = func() time.Time { return now }
	emit := func(fn func(rtvi.Handler)) { f.mock.Emit(fn) }

	emit(func(h rtvi.Handler) { h.OnUserSpeechStart() })
	if m := f.state.Snapshot().Mode; m != voicestate.ModeListening {
		t.Fatalf("Mode = %q, want listening", m)
	}
	emit(func(h rtvi.Handler) { h.OnUserSpeechEnd() })
	if m := f.state.Snapshot().Mode; m != voicestate.ModeReflecting {
		t.Fatalf("Mode = %q, want reflecting", m)
	}

	now = base.Add(800 * time.Millisecond)
	emit(func(h rtvi.Handler) { h.OnBotSpeechStart() })
	if m := f.state.Snapshot().Mode; m != voicestate.ModeSpeaking {
		t.Fatalf("Mode = %q, want speaking", m)
	}

	now = base.Add(2800 * time.Millisecond)
	emit(func(h rtvi.Handler) { h.OnUserSpeechStart() })
	emit(func(h rtvi.Handler) { h.OnBotSpeechEnd() })

	s, _ := f.c.sessions.Get()
	if s.Metrics.Interruptions != 1 {
		t.Fatalf("Interruptions = %d, want 1", s.Metrics.Interruptions)
	}
	if s.Metrics.AvgResponseTime == nil || *s.Metrics.AvgResponseTime != 0.8 {
		t.Fatalf("AvgResponseTime = %v, want 0.8", s.Metrics.AvgResponseTime)
	}
	if s.Metrics.BotSpeakingTime == nil || *s.Metrics.BotSpeakingTime != 2 {
		t.Fatalf("BotSpeakingTime = %v, want 2", s.Metrics.BotSpeakingTime)
	}
	if !s.LastActivityAt.After(base.Add(-time.Hour)) {
		t.Fatalf("LastActivityAt not touched: %v", s.LastActivityAt)
	}
}

func TestVoiceActivitySetsIntensity(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.mock.Emit(func(h rtvi.Handler) { h.OnUserVoiceActivity(1.7) })
	if got := f.state.Snapshot().Intensity; got != 1 {
		t.Fatalf("Intensity = %v, want clamped 1", got)
	}
}

func TestTranscriptCallbacksRouteAndDetectTopic(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.mock.Emit(func(h rtvi.Handler) { h.OnUserTranscript("Let's talk", false) })
	f.mock.Emit(func(h rtvi.Handler) { h.OnUserTranscript("Let's talk about my sleep schedule.", true) })
	f.mock.Emit(func(h rtvi.Handler) { h.OnBotTranscript("Sure, tell me more.") })

	if got := f.state.Snapshot().Topic; got != "my sleep schedule" {
		t.Fatalf("Topic = %q, want %q", got, "my sleep schedule")
	}
	s, _ := f.c.sessions.Get()
	if s.Metrics.TotalTurns != 1 {
		t.Fatalf("TotalTurns = %d, want 1", s.Metrics.TotalTurns)
	}
	if n := len(f.eventsOf(protocol.TypeUserTranscript)); n != 1 {
		t.Fatalf("user_transcript events = %d, want 1", n)
	}
	if n := len(f.eventsOf(protocol.TypeBotTranscript)); n != 1 {
		t.Fatalf("bot_transcript events = %d, want 1", n)
	}
}

func TestRemoteDropClearsSessionAndStopsTimers(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.mock.Drop()

	if _, ok := f.c.sessions.Get(); ok {
		t.Fatalf("session still open after drop")
	}
	if f.c.timers.Running() {
		t.Fatalf("timers running after drop")
	}
	statuses := f.eventsOf(protocol.TypeSessionStatus)
	if got := statuses[len(statuses)-1].(protocol.SessionStatus).Status; got != string(session.StatusInactive) {
		t.Fatalf("last status = %q, want inactive", got)
	}

	if _, err := f.c.StartSession(context.Background()); err != nil {
		t.Fatalf("restart after drop error = %v", err)
	}
}

func TestOnErrorMarksSessionErrored(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.mock.Emit(func(h rtvi.Handler) {
		h.OnError(&rtvi.Error{Kind: "connection_lost", Detail: "ice failed"})
	})

	s, ok := f.c.sessions.Get()
	if !ok || s.Status != session.StatusError {
		t.Fatalf("session = %+v, want status error", s)
	}
	errs := f.eventsOf(protocol.TypeErrorEvent)
	if len(errs) != 1 {
		t.Fatalf("error events = %d, want 1", len(errs))
	}
	ev := errs[0].(protocol.ErrorEvent)
	if ev.Code != "connection_lost" || !ev.Retryable || ev.SessionID != "s1" {
		t.Fatalf("error event = %+v", ev)
	}
}

func TestWakeSleepAndList(t *testing.T) {
	f := newFixture(t)
	if _, err := f.c.Wake(context.Background()); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("Wake() without session error = %v, want ErrNoActiveSession", err)
	}
	f.start(t)

	resp, err := f.c.Wake(context.Background())
	if err != nil || !resp.Success {
		t.Fatalf("Wake() = %+v, %v", resp, err)
	}
	resp, err = f.c.Sleep(context.Background())
	if err != nil || resp.Message != "Bot is now sleeping" {
		t.Fatalf("Sleep() = %+v, %v", resp, err)
	}
	ids, err := f.c.ListSessions(context.Background())
	if err != nil || len(ids) != 1 || ids[0] != "s1" {
		t.Fatalf("ListSessions() = %v, %v", ids, err)
	}
}

func TestStatusPollerRefreshesOpenSession(t *testing.T) {
	f := newFixture(t)
	f.bot.set(func(b *fakeBot) { b.statusBody = `{"session_id":"s1","status":"active","metrics":{"interruptions":5,"total_turns":0}}` })
	f.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.c.StartStatusPoller(ctx, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, _ := f.c.sessions.Get(); s.Metrics.Interruptions == 5 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("poller never merged remote metrics")
}
