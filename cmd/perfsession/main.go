package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chikingsley/rivena/internal/protocol"
	"github.com/chikingsley/rivena/internal/session"
)

type options struct {
	baseURL      string
	cycles       int
	holdFor      time.Duration
	interCycle   time.Duration
	eventTimeout time.Duration
	verbose      bool
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// cycleTimings holds one start/end round trip as seen by an API client.
type cycleTimings struct {
	startHTTP   time.Duration
	startActive time.Duration
	endHTTP     time.Duration
	endInactive time.Duration
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfsession: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	timings, err := run(ctx, cfg, &http.Client{Timeout: 45 * time.Second})
	if len(timings) > 0 {
		printSummary(os.Stdout, timings)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfsession: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var holdMS, interMS, timeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "rivena base URL")
	flag.IntVar(&cfg.cycles, "cycles", 5, "number of start/end cycles")
	flag.IntVar(&holdMS, "hold-ms", 1500, "how long each session stays open in milliseconds")
	flag.IntVar(&interMS, "inter-cycle-ms", 500, "delay between cycles in milliseconds")
	flag.IntVar(&timeoutMS, "event-timeout-ms", 15000, "timeout waiting for a session_status event in milliseconds")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print cycle progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.cycles <= 0 {
		return options{}, fmt.Errorf("cycles must be > 0")
	}
	if holdMS < 0 {
		holdMS = 0
	}
	if interMS < 0 {
		interMS = 0
	}
	if timeoutMS < 1000 {
		timeoutMS = 1000
	}
	cfg.holdFor = time.Duration(holdMS) * time.Millisecond
	cfg.interCycle = time.Duration(interMS) * time.Millisecond
	cfg.eventTimeout = time.Duration(timeoutMS) * time.Millisecond
	return cfg, nil
}

func run(ctx context.Context, cfg options, client *http.Client) ([]cycleTimings, error) {
	wsURL, err := streamURL(cfg.baseURL)
	if err != nil {
		return nil, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("open state stream: %w", err)
	}
	defer conn.Close()

	statusCh := make(chan protocol.SessionStatus, 32)
	readErrCh := make(chan error, 1)
	ready := make(chan struct{})
	go readLoop(conn, ready, statusCh, readErrCh, cfg.verbose)

	// The first frame is the current snapshot; once it arrives the stream is
	// subscribed to session events as well.
	select {
	case <-ready:
	case err := <-readErrCh:
		return nil, fmt.Errorf("state stream: %w", err)
	case <-time.After(cfg.eventTimeout):
		return nil, fmt.Errorf("state stream: no snapshot: %w", errEventTimeout)
	}

	out := make([]cycleTimings, 0, cfg.cycles)
	for i := 0; i < cfg.cycles; i++ {
		var ct cycleTimings

		began := time.Now()
		sessionID, err := startSession(ctx, client, cfg.baseURL)
		if err != nil {
			return out, fmt.Errorf("cycle %d start: %w", i+1, err)
		}
		ct.startHTTP = time.Since(began)
		if err := awaitStatus(statusCh, readErrCh, sessionID, session.StatusActive, cfg.eventTimeout); err != nil {
			_ = endSession(context.WithoutCancel(ctx), client, cfg.baseURL)
			return out, fmt.Errorf("cycle %d await active: %w", i+1, err)
		}
		ct.startActive = time.Since(began)
		if cfg.verbose {
			fmt.Printf("perfsession: cycle %d/%d session=%s active after %s\n", i+1, cfg.cycles, sessionID, ct.startActive.Round(time.Millisecond))
		}

		if cfg.holdFor > 0 {
			time.Sleep(cfg.holdFor)
		}

		began = time.Now()
		if err := endSession(ctx, client, cfg.baseURL); err != nil {
			return out, fmt.Errorf("cycle %d end: %w", i+1, err)
		}
		ct.endHTTP = time.Since(began)
		if err := awaitStatus(statusCh, readErrCh, sessionID, session.StatusInactive, cfg.eventTimeout); err != nil {
			return out, fmt.Errorf("cycle %d await inactive: %w", i+1, err)
		}
		ct.endInactive = time.Since(began)
		out = append(out, ct)

		if cfg.interCycle > 0 && i < cfg.cycles-1 {
			time.Sleep(cfg.interCycle)
		}
	}
	return out, nil
}

func startSession(ctx context.Context, client *http.Client, baseURL string) (string, error) {
	body, status, err := post(ctx, client, baseURL+"/v1/session")
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", apiError(status, body)
	}
	var out session.Session
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.ID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL string) error {
	body, status, err := post(ctx, client, baseURL+"/v1/session/end")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return apiError(status, body)
	}
	return nil
}

func post(ctx context.Context, client *http.Client, endpoint string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, 0, err
	}
	return body, res.StatusCode, nil
}

func apiError(status int, body []byte) error {
	var e errorBody
	if err := json.Unmarshal(body, &e); err == nil && e.Code != "" {
		return fmt.Errorf("HTTP %d %s: %s", status, e.Code, e.Message)
	}
	return fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
}

func streamURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/state/ws"
	u.RawQuery = ""
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, ready chan<- struct{}, statusCh chan<- protocol.SessionStatus, readErrCh chan<- error, verbose bool) {
	first := true
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			readErrCh <- err
			return
		}
		ev, err := protocol.Decode(raw)
		if err != nil {
			continue
		}
		if first {
			first = false
			close(ready)
		}
		switch msg := ev.(type) {
		case protocol.SessionStatus:
			statusCh <- msg
		case protocol.ErrorEvent:
			if verbose {
				fmt.Printf("perfsession: error_event code=%s source=%s detail=%q\n", msg.Code, msg.Source, msg.Detail)
			}
		}
	}
}

var errEventTimeout = errors.New("timed out")

func awaitStatus(statusCh <-chan protocol.SessionStatus, readErrCh <-chan error, sessionID string, want session.Status, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case msg := <-statusCh:
			if msg.SessionID != sessionID {
				continue
			}
			if msg.Status == string(session.StatusError) {
				return fmt.Errorf("session entered error status: %s", msg.Detail)
			}
			if msg.Status == string(want) {
				return nil
			}
		case err := <-readErrCh:
			return fmt.Errorf("stream read: %w", err)
		case <-deadline.C:
			return errEventTimeout
		}
	}
}

func printSummary(w io.Writer, timings []cycleTimings) {
	stages := []struct {
		name string
		pick func(cycleTimings) time.Duration
	}{
		{"start_http", func(c cycleTimings) time.Duration { return c.startHTTP }},
		{"start_active", func(c cycleTimings) time.Duration { return c.startActive }},
		{"end_http", func(c cycleTimings) time.Duration { return c.endHTTP }},
		{"end_inactive", func(c cycleTimings) time.Duration { return c.endInactive }},
	}
	fmt.Fprintf(w, "perfsession: %d cycles\n", len(timings))
	for _, st := range stages {
		samples := make([]time.Duration, 0, len(timings))
		for _, t := range timings {
			samples = append(samples, st.pick(t))
		}
		fmt.Fprintf(w, "  %-13s p50=%-8s p95=%-8s max=%s\n", st.name,
			percentile(samples, 0.50).Round(time.Millisecond),
			percentile(samples, 0.95).Round(time.Millisecond),
			percentile(samples, 1).Round(time.Millisecond))
	}
}

func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
