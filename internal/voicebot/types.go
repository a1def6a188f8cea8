package voicebot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/chikingsley/rivena/internal/reliability"
)

type ConnectResponse struct {
	SessionID string `json:"session_id"`
	RoomURL   string `json:"room_url"`
	Token     string `json:"token"`
}

type DisconnectResponse struct {
	Success bool `json:"success"`
}

type ActionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type StatusResponse struct {
	SessionID string        `json:"session_id"`
	Status    string        `json:"status"`
	Metrics   StatusMetrics `json:"metrics"`
}

type StatusMetrics struct {
	Interruptions   int        `json:"interruptions"`
	TotalTurns      int        `json:"total_turns"`
	BotSpeakingTime *float64   `json:"bot_speaking_time,omitempty"`
	AvgResponseTime *float64   `json:"avg_response_time,omitempty"`
	LastActivity    *Timestamp `json:"last_activity,omitempty"`
}

// Timestamp accepts null, unix seconds (int or float), an RFC 3339 string or
// an ISO 8601 string without a zone, which is read as UTC.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		parsed, err := parseTimestamp(s)
		if err != nil {
			return fmt.Errorf("last_activity: %w", err)
		}
		t.Time = parsed
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("last_activity: %w", err)
	}
	whole, frac := math.Modf(secs)
	t.Time = time.Unix(int64(whole), int64(frac*1e9)).UTC()
	return nil
}

var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(s string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return parsed.UTC(), nil
	}
	for _, layout := range zonelessLayouts {
		if naive, nerr := time.ParseInLocation(layout, s, time.UTC); nerr == nil {
			return naive, nil
		}
	}
	return time.Time{}, err
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// StatusError is a non-2xx response from the voice-bot service.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("voicebot %s: http status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("voicebot %s: http status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *StatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == 404
}

// Retryable reports whether err looks transient: a retryable status code or a
// transport failure that never produced a response. Decode errors are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	var ue *url.Error
	return errors.As(err, &ue)
}
