package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chikingsley/rivena/internal/protocol"
	"github.com/chikingsley/rivena/internal/voicestate"
)

const (
	streamQueueSize  = 64
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

// handleStateWS streams voice_state snapshots and bus events to one client.
// Subscriber callbacks run under the aggregator lock, so they only enqueue;
// a slow client loses events rather than stalling the aggregator.
func (s *Server) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if s.metrics != nil {
		s.metrics.StreamClients.Inc()
		defer s.metrics.StreamClients.Dec()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan protocol.Event, streamQueueSize)
	enqueue := func(ev protocol.Event) {
		select {
		case outbound <- ev:
		default:
			if s.metrics != nil {
				s.metrics.SessionEvent("stream_drop")
			}
		}
	}

	// The bus subscription comes first so that the initial snapshot, which
	// Subscribe delivers immediately, is never older than the first event.
	state := s.coord.State()
	bus := s.coord.Bus()
	busSub := bus.Subscribe(enqueue)
	defer bus.Unsubscribe(busSub)
	stateSub := state.Subscribe(func(vs voicestate.VoiceState) {
		enqueue(protocol.VoiceState{State: vs})
	})
	defer state.Unsubscribe(stateSub)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(streamPingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-outbound:
				raw, err := protocol.Encode(ev)
				if err != nil {
					s.logger.Warn("state stream encode failed", "type", string(ev.EventType()), "error", err)
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
					cancel()
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	cancel()
	<-writerDone
}
