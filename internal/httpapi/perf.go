package httpapi

import (
	"net/http"
	"time"

	"github.com/chikingsley/rivena/internal/observability"
)

// handlePerfLatency reports the rolling latency window for voice-bot calls and
// bot response time.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil || s.metrics.Latency == nil {
		respondJSON(w, http.StatusOK, observability.LatencySnapshot{
			GeneratedAt: time.Now().UTC(),
			Stages:      []observability.LatencyStats{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.Latency.Snapshot())
}

// handlePerfReset clears the window, typically between load runs.
func (s *Server) handlePerfReset(w http.ResponseWriter, _ *http.Request) {
	if s.metrics != nil && s.metrics.Latency != nil {
		s.metrics.Latency.Reset()
	}
	w.WriteHeader(http.StatusNoContent)
}
