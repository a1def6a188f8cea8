package rtvi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	Label           = "rtvi-ai"
	ProtocolVersion = "0.3.0"
)

// MessageType identifies RTVI payload variants.
type MessageType string

const (
	TypeClientReady         MessageType = "client-ready"
	TypeBotReady            MessageType = "bot-ready"
	TypeUserTranscription   MessageType = "user-transcription"
	TypeBotTranscription    MessageType = "bot-transcription"
	TypeBotTTSText          MessageType = "bot-tts-text"
	TypeUserStartedSpeaking MessageType = "user-started-speaking"
	TypeUserStoppedSpeaking MessageType = "user-stopped-speaking"
	TypeBotStartedSpeaking  MessageType = "bot-started-speaking"
	TypeBotStoppedSpeaking  MessageType = "bot-stopped-speaking"
	TypeUserAudioLevel      MessageType = "user-audio-level"
	TypeError               MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Message struct {
	Label string          `json:"label"`
	Type  MessageType     `json:"type"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type TranscriptData struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

type AudioLevelData struct {
	Level float64 `json:"level"`
}

type ErrorData struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Fatal bool   `json:"fatal"`
}

type ClientReadyData struct {
	Version string `json:"version"`
}

func ParseMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if msg.Type == "" {
		return Message{}, errors.New("invalid envelope: missing type")
	}
	return msg, nil
}

// Dispatch routes one inbound message to h.
func Dispatch(msg Message, h Handler) error {
	switch msg.Type {
	case TypeUserTranscription:
		var d TranscriptData
		if err := decodeData(msg, &d); err != nil {
			return err
		}
		h.OnUserTranscript(d.Text, d.Final)
	case TypeBotTranscription, TypeBotTTSText:
		var d TranscriptData
		if err := decodeData(msg, &d); err != nil {
			return err
		}
		h.OnBotTranscript(d.Text)
	case TypeUserStartedSpeaking:
		h.OnUserSpeechStart()
	case TypeUserStoppedSpeaking:
		h.OnUserSpeechEnd()
	case TypeBotStartedSpeaking:
		h.OnBotSpeechStart()
	case TypeBotStoppedSpeaking:
		h.OnBotSpeechEnd()
	case TypeUserAudioLevel:
		var d AudioLevelData
		if err := decodeData(msg, &d); err != nil {
			return err
		}
		h.OnUserVoiceActivity(d.Level)
	case TypeError:
		var d ErrorData
		if err := decodeData(msg, &d); err != nil {
			return err
		}
		kind := strings.TrimSpace(d.Kind)
		if kind == "" {
			kind = "bot_error"
		}
		h.OnError(&Error{Kind: kind, Detail: d.Error, Fatal: d.Fatal})
	case TypeBotReady:
	default:
		return ErrUnsupportedType
	}
	return nil
}

func decodeData(msg Message, out any) error {
	if len(msg.Data) == 0 {
		return fmt.Errorf("invalid %s: missing data", msg.Type)
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("invalid %s: %w", msg.Type, err)
	}
	return nil
}

func jsonRaw(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
