package rtvi

import (
	"context"
	"fmt"

	"github.com/chikingsley/rivena/internal/reliability"
)

// Credentials identify the room a client joins.
type Credentials struct {
	RoomURL string
	Token   string
}

// Handler receives real-time client events. Callbacks arrive on the client's
// own goroutine, one at a time.
type Handler interface {
	OnConnected()
	OnDisconnected()
	OnUserTranscript(text string, final bool)
	OnBotTranscript(text string)
	OnUserSpeechStart()
	OnUserSpeechEnd()
	OnBotSpeechStart()
	OnBotSpeechEnd()
	OnUserVoiceActivity(level float64)
	OnError(err error)
}

// Client is the vendor real-time transport.
type Client interface {
	Connect(ctx context.Context, creds Credentials, h Handler) error
	Disconnect(ctx context.Context) error
}

// Error is a transport failure reported by the client.
type Error struct {
	Kind   string
	Detail string
	Fatal  bool
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("rtvi %s", e.Kind)
	}
	return fmt.Sprintf("rtvi %s: %s", e.Kind, e.Detail)
}

func (e *Error) Retryable() bool {
	return reliability.IsRetryableRTVIError(e.Kind)
}
