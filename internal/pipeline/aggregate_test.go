package pipeline

import (
	"testing"

	"github.com/groweye/plantcount/internal/model"
	"github.com/groweye/plantcount/internal/store"
)

func TestStatusMatrix(t *testing.T) {
	tests := []struct {
		succeeded, failed int
		want              model.SessionStatus
	}{
		{3, 0, model.StatusCompleted},
		{2, 1, model.StatusCompletedWithWarnings},
		{1, 2, model.StatusCompletedWithWarnings},
		{0, 3, model.StatusFailed},
	}
	for _, tt := range tests {
		if got := statusFor(tt.succeeded, tt.failed); got != tt.want {
			t.Errorf("statusFor(%d, %d) = %s, want %s", tt.succeeded, tt.failed, got, tt.want)
		}
	}
}

func TestTallySkipsEmptyAndDead(t *testing.T) {
	cr := store.ContainerResult{
		Detections: []model.Detection{
			{Confidence: 0.9, IsAlive: true},
			{Confidence: 0.8, IsAlive: true, IsEmptyContainer: true},
			{Confidence: 0.7, IsAlive: false},
			{Confidence: 0.6, IsAlive: true},
		},
	}
	got := tally(&cr)
	if got.detected != 2 {
		t.Fatalf("detected = %d, want 2 (empty and dead excluded)", got.detected)
	}
	if want := (0.9 + 0.6) / 2; got.confidence != want {
		t.Fatalf("confidence = %f, want %f", got.confidence, want)
	}
}

func TestAggregateConfidenceStrategies(t *testing.T) {
	// A big growing area at 0.7 and a single pot at 0.9.
	results := []store.ContainerResult{
		{Estimations: []model.Estimation{{EstimatedCount: 99, Confidence: 0.7}}},
		{Detections: []model.Detection{{Confidence: 0.9, IsAlive: true}}},
	}

	var weighted model.Session
	aggregate(&weighted, results, ConfidenceCountWeighted)
	if weighted.Total() != 100 {
		t.Fatalf("total = %d, want 100", weighted.Total())
	}
	if want := (0.7*99 + 0.9*1) / 100; !approxEqual(weighted.Confidence, want) {
		t.Fatalf("weighted confidence = %f, want %f", weighted.Confidence, want)
	}

	var simple model.Session
	aggregate(&simple, results, ConfidenceSimple)
	if want := (0.7 + 0.9) / 2; !approxEqual(simple.Confidence, want) {
		t.Fatalf("simple confidence = %f, want %f", simple.Confidence, want)
	}
}

func TestAggregateRecomputesFromScratch(t *testing.T) {
	session := model.Session{DetectedCount: 999, EstimatedCount: 999, Confidence: 0.1}
	aggregate(&session, nil, ConfidenceCountWeighted)
	if session.Total() != 0 || session.Confidence != 0 {
		t.Fatalf("stale totals survived: %+v", session)
	}
}

func approxEqual(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}
