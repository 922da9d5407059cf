package observability

import (
	"testing"
	"time"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := NewLatencyWindow(8)
	w.Observe(StageFirstAudio, 500*time.Millisecond)
	w.Observe(StageFirstAudio, 700*time.Millisecond)
	w.Observe(StageFirstAudio, 900*time.Millisecond)
	w.ObserveIndicator("interrupted")
	w.ObserveIndicator("interrupted")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageFirstAudio {
		t.Fatalf("Stage = %q, want %q", s.Stage, StageFirstAudio)
	}
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
	if len(snap.Indicators) != 1 {
		t.Fatalf("len(Indicators) = %d, want 1", len(snap.Indicators))
	}
	if snap.Indicators[0].Name != "interrupted" || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators[0] = %+v, want interrupted x2", snap.Indicators[0])
	}
}

func TestLatencyWindowWrapsAround(t *testing.T) {
	w := NewLatencyWindow(4)
	for i := 1; i <= 6; i++ {
		w.Observe(StageTurnTotal, time.Duration(i*100)*time.Millisecond)
	}

	snap := w.Snapshot()
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Samples != 4 {
		t.Fatalf("Samples = %d, want 4 (window capacity)", s.Samples)
	}
	if s.LastMS != 600 {
		t.Fatalf("LastMS = %.2f, want 600", s.LastMS)
	}
	// Oldest two samples fell out of the window: 300..600 remain.
	if s.AvgMS != 450 {
		t.Fatalf("AvgMS = %.2f, want 450", s.AvgMS)
	}
}

func TestLatencyWindowIgnoresEmptyStage(t *testing.T) {
	w := NewLatencyWindow(4)
	w.Observe("", time.Second)
	w.ObserveIndicator("  ")

	snap := w.Snapshot()
	if len(snap.Stages) != 0 || len(snap.Indicators) != 0 {
		t.Fatalf("snapshot = %+v, want empty", snap)
	}
}
