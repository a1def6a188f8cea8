package observability

import (
	"errors"
	"testing"
	"time"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := NewLatencyWindow(8)
	w.Observe(StageResponseTime, 500)
	w.Observe(StageResponseTime, 700)
	w.Observe(StageResponseTime, 900)
	w.Observe(StageResponseTime, -1)
	w.ObserveIndicator("voicebot_status_failed")
	w.ObserveIndicator("voicebot_status_failed")
	w.ObserveIndicator("  ")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 1500 {
		t.Fatalf("TargetP95MS = %.2f, want 1500", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want one with count 2", snap.Indicators)
	}
}

func TestLatencyWindowWrapsAround(t *testing.T) {
	w := NewLatencyWindow(2)
	for _, v := range []float64{10, 20, 30} {
		w.Observe("voicebot_connect", v)
	}
	s := w.Snapshot().Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.AvgMS != 25 {
		t.Fatalf("AvgMS = %.2f, want 25", s.AvgMS)
	}

	w.Reset()
	if got := len(w.Snapshot().Stages); got != 0 {
		t.Fatalf("len(Stages) after Reset = %d, want 0", got)
	}
}

func TestMetricsObserveServiceFeedsWindow(t *testing.T) {
	m := NewMetrics("rivena_test_observe_service")
	m.ObserveService("status", 40*time.Millisecond, 200, nil)
	m.ObserveService("status", 60*time.Millisecond, 0, errors.New("dial tcp: refused"))
	m.ObserveResponseTime(750 * time.Millisecond)

	snap := m.Latency.Snapshot()
	if len(snap.Stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(snap.Stages))
	}
	if snap.Stages[0].Stage != StageResponseTime || snap.Stages[1].Stage != "voicebot_status" {
		t.Fatalf("stages = %+v", snap.Stages)
	}
	if snap.Stages[1].Samples != 2 {
		t.Fatalf("status samples = %d, want 2", snap.Stages[1].Samples)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Name != "voicebot_status_failed" {
		t.Fatalf("Indicators = %+v", snap.Indicators)
	}

	var nilMetrics *Metrics
	nilMetrics.ObserveService("status", time.Millisecond, 200, nil)
	nilMetrics.SessionEvent("start")
}
