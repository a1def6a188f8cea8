package rtvi

import (
	"fmt"
	"sync"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []string
	errs   []error
	done   chan struct{}
	once   sync.Once
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{done: make(chan struct{})}
}

func (h *recordingHandler) add(ev string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHandler) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.events))
	copy(out, h.events)
	return out
}

func (h *recordingHandler) OnConnected()    { h.add("connected") }
func (h *recordingHandler) OnDisconnected() { h.add("disconnected"); h.once.Do(func() { close(h.done) }) }
func (h *recordingHandler) OnUserTranscript(text string, final bool) {
	h.add(fmt.Sprintf("user:%s:%v", text, final))
}
func (h *recordingHandler) OnBotTranscript(text string) { h.add("bot:" + text) }
func (h *recordingHandler) OnUserSpeechStart()          { h.add("user_start") }
func (h *recordingHandler) OnUserSpeechEnd()            { h.add("user_end") }
func (h *recordingHandler) OnBotSpeechStart()           { h.add("bot_start") }
func (h *recordingHandler) OnBotSpeechEnd()             { h.add("bot_end") }
func (h *recordingHandler) OnUserVoiceActivity(level float64) {
	h.add(fmt.Sprintf("level:%.2f", level))
}
func (h *recordingHandler) OnError(err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
	h.add("error")
}
