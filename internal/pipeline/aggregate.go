package pipeline

import (
	"github.com/groweye/plantcount/internal/model"
	"github.com/groweye/plantcount/internal/store"
)

// ConfidenceStrategy selects how per-container confidences combine into the
// session confidence. Both strategies are kept because the better one depends
// on crop mix and must be validated empirically per deployment.
type ConfidenceStrategy string

const (
	// ConfidenceCountWeighted weights each container's confidence by its
	// total count, so a 200-plant growing area dominates a single pot.
	ConfidenceCountWeighted ConfidenceStrategy = "count_weighted"

	// ConfidenceSimple is the unweighted mean across containers.
	ConfidenceSimple ConfidenceStrategy = "simple"
)

// statusFor applies the terminal status matrix over sub-task outcomes.
func statusFor(succeeded, failed int) model.SessionStatus {
	switch {
	case succeeded > 0 && failed == 0:
		return model.StatusCompleted
	case succeeded > 0:
		return model.StatusCompletedWithWarnings
	default:
		return model.StatusFailed
	}
}

// containerTally is one container's contribution to the session aggregate.
type containerTally struct {
	detected   int
	estimated  int
	confidence float64
}

// tally computes a container's counts and its count-weighted confidence.
// Only live, non-empty detections count toward the plant total; empty and
// dead findings still persist for audit but never inflate inventory.
func tally(cr *store.ContainerResult) containerTally {
	var t containerTally
	var confSum, weight float64

	for _, d := range cr.Detections {
		if d.IsEmptyContainer || !d.IsAlive {
			continue
		}
		t.detected++
		confSum += d.Confidence
		weight++
	}
	for _, e := range cr.Estimations {
		t.estimated += e.EstimatedCount
		confSum += e.Confidence * float64(e.EstimatedCount)
		weight += float64(e.EstimatedCount)
	}
	if weight > 0 {
		t.confidence = confSum / weight
	}
	return t
}

// aggregate recomputes the session's totals from the succeeded results. The
// totals are fully determined by the terminal detection and estimation sets;
// nothing is carried over from intermediate state.
func aggregate(session *model.Session, succeeded []store.ContainerResult, strategy ConfidenceStrategy) {
	session.DetectedCount = 0
	session.EstimatedCount = 0
	session.Confidence = 0

	var confSum, weightSum float64
	for i := range succeeded {
		t := tally(&succeeded[i])
		session.DetectedCount += t.detected
		session.EstimatedCount += t.estimated

		w := 1.0
		if strategy == ConfidenceCountWeighted {
			w = float64(t.detected + t.estimated)
		}
		if w == 0 {
			continue
		}
		confSum += t.confidence * w
		weightSum += w
	}
	if weightSum > 0 {
		session.Confidence = confSum / weightSum
	}
}
