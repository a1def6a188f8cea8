package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chikingsley/rivena/internal/voicestate"
)

// MessageType identifies outbound event variants.
type MessageType string

const (
	TypeUserTranscript MessageType = "user_transcript"
	TypeBotTranscript  MessageType = "bot_transcript"
	TypeSessionStatus  MessageType = "session_status"
	TypeErrorEvent     MessageType = "error_event"
	TypeVoiceState     MessageType = "voice_state"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// Event is any payload published on the Bus.
type Event interface {
	EventType() MessageType
}

type Envelope struct {
	Type MessageType `json:"type"`
}

type UserTranscript struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms"`
}

type BotTranscript struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms"`
}

type SessionStatus struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Status    string      `json:"status"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

type VoiceState struct {
	Type  MessageType           `json:"type"`
	State voicestate.VoiceState `json:"state"`
}

func (UserTranscript) EventType() MessageType { return TypeUserTranscript }
func (BotTranscript) EventType() MessageType  { return TypeBotTranscript }
func (SessionStatus) EventType() MessageType  { return TypeSessionStatus }
func (ErrorEvent) EventType() MessageType     { return TypeErrorEvent }
func (VoiceState) EventType() MessageType     { return TypeVoiceState }

// Encode marshals ev with its type tag filled in.
func Encode(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case UserTranscript:
		e.Type = TypeUserTranscript
		return json.Marshal(e)
	case BotTranscript:
		e.Type = TypeBotTranscript
		return json.Marshal(e)
	case SessionStatus:
		e.Type = TypeSessionStatus
		return json.Marshal(e)
	case ErrorEvent:
		e.Type = TypeErrorEvent
		return json.Marshal(e)
	case VoiceState:
		e.Type = TypeVoiceState
		return json.Marshal(e)
	default:
		return nil, ErrUnsupportedType
	}
}

// Decode parses a payload produced by Encode.
func Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeUserTranscript:
		var msg UserTranscript
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeBotTranscript:
		var msg BotTranscript
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSessionStatus:
		var msg SessionStatus
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Status == "" {
			return nil, errors.New("invalid session_status")
		}
		return msg, nil
	case TypeErrorEvent:
		var msg ErrorEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Code == "" {
			return nil, errors.New("invalid error_event")
		}
		return msg, nil
	case TypeVoiceState:
		var msg VoiceState
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
