package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chikingsley/rivena/internal/config"
	"github.com/chikingsley/rivena/internal/coordinator"
	"github.com/chikingsley/rivena/internal/memory"
	"github.com/chikingsley/rivena/internal/observability"
	"github.com/chikingsley/rivena/internal/protocol"
	"github.com/chikingsley/rivena/internal/rtvi"
	"github.com/chikingsley/rivena/internal/session"
	"github.com/chikingsley/rivena/internal/timers"
	"github.com/chikingsley/rivena/internal/transcript"
	"github.com/chikingsley/rivena/internal/voicebot"
	"github.com/chikingsley/rivena/internal/voicestate"
)

var metricsSeq atomic.Int64

func newTestMetrics() *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("test_httpapi_%d_%d", time.Now().UnixNano(), metricsSeq.Add(1)))
}

type apiFixture struct {
	ts      *httptest.Server
	mock    *rtvi.MockClient
	coord   *coordinator.Coordinator
	state   *voicestate.Aggregator
	metrics *observability.Metrics

	statusCalls *atomic.Int64
}

func newAPIFixture(t *testing.T, connectStatus int) *apiFixture {
	t.Helper()
	statusCalls := new(atomic.Int64)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /connect", func(w http.ResponseWriter, r *http.Request) {
		if connectStatus != 0 {
			http.Error(w, `{"detail":"no rooms"}`, connectStatus)
			return
		}
		_, _ = w.Write([]byte(`{"session_id":"s1","room_url":"https://rooms.example/s1","token":"tok"}`))
	})
	mux.HandleFunc("POST /disconnect/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	mux.HandleFunc("GET /status/{id}", func(w http.ResponseWriter, r *http.Request) {
		statusCalls.Add(1)
		_, _ = w.Write([]byte(`{"session_id":"s1","status":"active","metrics":{"interruptions":0,"total_turns":0}}`))
	})
	mux.HandleFunc("POST /wake/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"message":"Bot is now awake"}`))
	})
	mux.HandleFunc("GET /sessions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`["s1"]`))
	})
	bot := httptest.NewServer(mux)
	t.Cleanup(bot.Close)

	metrics := newTestMetrics()
	store := memory.NewInMemoryStore()
	sessions := session.NewManager()
	state := voicestate.NewAggregator(nil)
	bus := protocol.NewBus(nil)
	mock := rtvi.NewMockClient()
	group := timers.NewGroup(state, timers.Config{TickInterval: time.Hour, IntensityInterval: time.Hour})
	t.Cleanup(group.Stop)

	coord, err := coordinator.New(coordinator.Options{
		Service:  voicebot.NewClient(bot.URL, 2*time.Second, voicebot.WithObserver(metrics.ObserveService)),
		Client:   mock,
		Sessions: sessions,
		State:    state,
		Bus:      bus,
		Timers:   group,
		Router: transcript.NewRouter(transcript.Options{
			Sessions:  sessions,
			State:     state,
			Bus:       bus,
			Store:     store,
			RedactPII: true,
			Metrics:   metrics,
		}),
		Metrics: metrics,
	})
	if err != nil {
		t.Fatalf("coordinator.New() error = %v", err)
	}

	srv := New(config.Config{RTVIClient: config.RTVIClientMock}, coord, store, metrics, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &apiFixture{ts: ts, mock: mock, coord: coord, state: state, metrics: metrics, statusCalls: statusCalls}
}

func doJSON(t *testing.T, method, url string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return res.StatusCode
}

func TestSessionLifecycleRoutes(t *testing.T) {
	f := newAPIFixture(t, 0)

	var created map[string]any
	if code := doJSON(t, http.MethodPost, f.ts.URL+"/v1/session", &created); code != http.StatusCreated {
		t.Fatalf("start status = %d, want %d", code, http.StatusCreated)
	}
	if created["session_id"] != "s1" || created["status"] != "active" {
		t.Fatalf("created = %+v", created)
	}
	if _, leaked := created["token"]; leaked {
		t.Fatalf("token leaked in response: %+v", created)
	}

	var errBody errorResponse
	if code := doJSON(t, http.MethodPost, f.ts.URL+"/v1/session", &errBody); code != http.StatusConflict || errBody.Code != "session_active" {
		t.Fatalf("second start = %d %+v, want 409 session_active", code, errBody)
	}

	var status map[string]any
	if code := doJSON(t, http.MethodGet, f.ts.URL+"/v1/session", &status); code != http.StatusOK || status["session_id"] != "s1" {
		t.Fatalf("status = %d %+v", code, status)
	}

	var wake voicebot.ActionResponse
	if code := doJSON(t, http.MethodPost, f.ts.URL+"/v1/session/wake", &wake); code != http.StatusOK || !wake.Success {
		t.Fatalf("wake = %d %+v", code, wake)
	}

	if code := doJSON(t, http.MethodPost, f.ts.URL+"/v1/session/end", nil); code != http.StatusOK {
		t.Fatalf("end status = %d, want %d", code, http.StatusOK)
	}

	errBody = errorResponse{}
	if code := doJSON(t, http.MethodPost, f.ts.URL+"/v1/session/end", &errBody); code != http.StatusConflict || errBody.Code != "no_active_session" {
		t.Fatalf("second end = %d %+v, want 409 no_active_session", code, errBody)
	}
	if code := doJSON(t, http.MethodGet, f.ts.URL+"/v1/session", nil); code != http.StatusNotFound {
		t.Fatalf("status without session = %d, want 404", code)
	}
}

func TestStartSessionConnectFailureMapsTo502(t *testing.T) {
	f := newAPIFixture(t, http.StatusInternalServerError)

	var errBody errorResponse
	code := doJSON(t, http.MethodPost, f.ts.URL+"/v1/session", &errBody)
	if code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", code, http.StatusBadGateway)
	}
	if errBody.Code != "connection_failed" || !errBody.Retryable {
		t.Fatalf("error body = %+v", errBody)
	}
}

func TestStateHealthAndPerfRoutes(t *testing.T) {
	f := newAPIFixture(t, 0)

	var st voicestate.VoiceState
	if code := doJSON(t, http.MethodGet, f.ts.URL+"/v1/state", &st); code != http.StatusOK {
		t.Fatalf("state status = %d", code)
	}
	if st.Mode != voicestate.ModeReflecting || st.Phase != voicestate.PhaseIntroduction {
		t.Fatalf("state = %+v", st)
	}

	var health map[string]any
	if code := doJSON(t, http.MethodGet, f.ts.URL+"/healthz", &health); code != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("healthz = %d %+v", code, health)
	}
	var ready map[string]any
	if code := doJSON(t, http.MethodGet, f.ts.URL+"/readyz", &ready); code != http.StatusOK || ready["store_mode"] != "in-memory" {
		t.Fatalf("readyz = %d %+v", code, ready)
	}

	_ = doJSON(t, http.MethodPost, f.ts.URL+"/v1/session", nil)
	var perf observability.LatencySnapshot
	if code := doJSON(t, http.MethodGet, f.ts.URL+"/v1/perf/latency", &perf); code != http.StatusOK {
		t.Fatalf("perf status = %d", code)
	}
	if len(perf.Stages) == 0 || perf.Stages[0].Stage != "voicebot_connect" {
		t.Fatalf("perf stages = %+v, want voicebot_connect sample", perf.Stages)
	}
	if code := doJSON(t, http.MethodDelete, f.ts.URL+"/v1/perf/latency", nil); code != http.StatusNoContent {
		t.Fatalf("perf reset status = %d, want 204", code)
	}
	if snap := f.metrics.Latency.Snapshot(); len(snap.Stages) != 0 {
		t.Fatalf("stages after reset = %+v", snap.Stages)
	}

	var sessions map[string][]string
	if code := doJSON(t, http.MethodGet, f.ts.URL+"/v1/sessions", &sessions); code != http.StatusOK || len(sessions["sessions"]) != 1 {
		t.Fatalf("sessions = %d %+v", code, sessions)
	}
}

func TestLocalReadsDoNotPollService(t *testing.T) {
	f := newAPIFixture(t, 0)
	if code := doJSON(t, http.MethodPost, f.ts.URL+"/v1/session", nil); code != http.StatusCreated {
		t.Fatalf("start status = %d", code)
	}
	f.mock.Emit(func(h rtvi.Handler) { h.OnUserTranscript("hello", true) })
	before := f.statusCalls.Load()

	var ready map[string]any
	if code := doJSON(t, http.MethodGet, f.ts.URL+"/readyz", &ready); code != http.StatusOK || ready["session_active"] != true {
		t.Fatalf("readyz = %d %+v", code, ready)
	}
	var body struct {
		SessionID string `json:"session_id"`
	}
	if code := doJSON(t, http.MethodGet, f.ts.URL+"/v1/transcripts", &body); code != http.StatusOK || body.SessionID != "s1" {
		t.Fatalf("transcripts = %d %+v", code, body)
	}
	if got := f.statusCalls.Load(); got != before {
		t.Fatalf("status calls = %d, want %d", got, before)
	}

	if code := doJSON(t, http.MethodGet, f.ts.URL+"/v1/session", nil); code != http.StatusOK {
		t.Fatalf("session status = %d", code)
	}
	if got := f.statusCalls.Load(); got != before+1 {
		t.Fatalf("status calls after GET /v1/session = %d, want %d", got, before+1)
	}
}

func TestTranscriptsRoute(t *testing.T) {
	f := newAPIFixture(t, 0)
	_ = doJSON(t, http.MethodPost, f.ts.URL+"/v1/session", nil)
	f.mock.Emit(func(h rtvi.Handler) { h.OnUserTranscript("call me at +1 (555) 123-9876", true) })
	f.mock.Emit(func(h rtvi.Handler) { h.OnBotTranscript("Noted.") })

	var body struct {
		SessionID string              `json:"session_id"`
		Turns     []memory.TurnRecord `json:"turns"`
	}
	if code := doJSON(t, http.MethodGet, f.ts.URL+"/v1/transcripts?limit=10", &body); code != http.StatusOK {
		t.Fatalf("transcripts status = %d", code)
	}
	if body.SessionID != "s1" || len(body.Turns) != 2 {
		t.Fatalf("transcripts = %+v", body)
	}
	if !strings.Contains(body.Turns[0].Content, "[REDACTED_PHONE]") {
		t.Fatalf("user turn not redacted: %q", body.Turns[0].Content)
	}

	if code := doJSON(t, http.MethodGet, f.ts.URL+"/v1/transcripts?limit=abc", nil); code != http.StatusBadRequest {
		t.Fatalf("invalid limit status = %d, want 400", code)
	}

	var summaries struct {
		Sessions []memory.SessionSummary `json:"sessions"`
	}
	if code := doJSON(t, http.MethodGet, f.ts.URL+"/v1/transcripts/sessions", &summaries); code != http.StatusOK {
		t.Fatalf("transcript sessions status = %d", code)
	}
	if len(summaries.Sessions) != 1 || summaries.Sessions[0].SessionID != "s1" ||
		summaries.Sessions[0].UserTurns != 1 || summaries.Sessions[0].BotTurns != 1 {
		t.Fatalf("transcript sessions = %+v", summaries.Sessions)
	}
}

func TestStateStreamDeliversSnapshotsAndEvents(t *testing.T) {
	f := newAPIFixture(t, 0)
	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/v1/state/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	next := func() protocol.Event {
		t.Helper()
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		ev, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", raw, err)
		}
		return ev
	}

	if ev, ok := next().(protocol.VoiceState); !ok || ev.State.Mode != voicestate.ModeReflecting {
		t.Fatalf("first event = %#v, want initial voice_state", ev)
	}

	f.state.Merge(voicestate.Patch{Topic: voicestate.Ptr("sleep")})
	if ev, ok := next().(protocol.VoiceState); !ok || ev.State.Topic != "sleep" {
		t.Fatalf("second event = %#v, want voice_state with topic", ev)
	}

	f.coord.Bus().Publish(protocol.SessionStatus{SessionID: "s1", Status: "active"})
	if ev, ok := next().(protocol.SessionStatus); !ok || ev.Status != "active" {
		t.Fatalf("third event = %#v, want session_status", ev)
	}
}

func TestStateStreamRejectsForeignOrigin(t *testing.T) {
	f := newAPIFixture(t, 0)
	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/v1/state/ws"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, res, err := websocket.DefaultDialer.DialContext(context.Background(), wsURL, header)
	if err == nil {
		t.Fatalf("Dial() with foreign origin succeeded")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %+v, want 403", res)
	}
}
