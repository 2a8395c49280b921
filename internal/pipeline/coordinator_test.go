package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/groweye/plantcount/internal/events"
	"github.com/groweye/plantcount/internal/geom"
	"github.com/groweye/plantcount/internal/jobs"
	"github.com/groweye/plantcount/internal/model"
	"github.com/groweye/plantcount/internal/slotcfg"
	"github.com/groweye/plantcount/internal/store"
	"github.com/groweye/plantcount/internal/tiling"
)

type fakePhotos struct {
	img      image.Image
	fetchErr error
}

func (f *fakePhotos) FetchImage(context.Context, string) (image.Image, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.img, nil
}

func (f *fakePhotos) UploadAnnotated(_ context.Context, sessionID string, _ []byte) (string, error) {
	return "sessions/" + sessionID + "/annotated.jpg", nil
}

func (f *fakePhotos) UploadResultBundle(_ context.Context, sessionID string, _ interface{}) (string, error) {
	return "sessions/" + sessionID + "/result.json.zst", nil
}

type fakeSegmenter struct {
	containers []model.Container
	err        error
	calls      int
}

func (f *fakeSegmenter) Run(_ context.Context, sessionID string, _ image.Image) ([]model.Container, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := append([]model.Container(nil), f.containers...)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = jobs.GenerateID("cont-")
		}
		out[i].SessionID = sessionID
	}
	return out, nil
}

type fakeDetector struct {
	mu    sync.Mutex
	calls int
	fn    func(region image.Rectangle) ([]model.Detection, error)
}

func (f *fakeDetector) Run(_ context.Context, _ tiling.SubImager, region image.Rectangle) ([]model.Detection, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(region)
}

type fakeEstimator struct {
	fn func(container model.Container) ([]model.Estimation, error)
}

func (f *fakeEstimator) Run(_ context.Context, _ image.Image, container model.Container,
	_ []model.Detection, _ model.SlotContext) ([]model.Estimation, error) {
	return f.fn(container)
}

type recordingEmitter struct {
	mu    sync.Mutex
	types []string
}

func (r *recordingEmitter) Emit(_ context.Context, detailType string, _ events.Milestone) {
	r.mu.Lock()
	r.types = append(r.types, detailType)
	r.mu.Unlock()
}

func (r *recordingEmitter) count(detailType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.types {
		if t == detailType {
			n++
		}
	}
	return n
}

func testPhoto() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 800, 600))
	for y := 0; y < 600; y++ {
		for x := 0; x < 800; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 40, G: 90, B: 40, A: 255})
		}
	}
	return img
}

func growingArea(bounds image.Rectangle) model.Container {
	return model.Container{
		Category:   model.CategoryGrowingArea,
		Polygon:    geom.RectPolygon(bounds),
		Bounds:     bounds,
		Confidence: 0.9,
	}
}

func pot(bounds image.Rectangle) model.Container {
	return model.Container{
		Category:   model.CategoryPot,
		Polygon:    geom.RectPolygon(bounds),
		Bounds:     bounds,
		Confidence: 0.9,
	}
}

func testSlots() map[string]model.SlotContext {
	return map[string]model.SlotContext{
		"A-12": {SlotID: "A-12", ExpectedProduct: "basil", ExpectedState: "seedling", FootprintCm2: 10, PxPerCm: 2},
	}
}

func testConfig() Config {
	return Config{
		InferenceWorkers: 4,
		MaxRetries:       2,
		RetryBase:        time.Millisecond,
		SoftTimeout:      time.Minute,
		HardTimeout:      2 * time.Minute,
	}
}

// harness bundles a coordinator with its fakes and a seeded pending session.
type harness struct {
	coord    *Coordinator
	sessions *store.MemoryStore
	seg      *fakeSegmenter
	det      *fakeDetector
	emit     *recordingEmitter
}

func newHarness(t *testing.T, cfg Config, seg *fakeSegmenter, det *fakeDetector, est *fakeEstimator) *harness {
	t.Helper()
	sessions := store.NewMemoryStore()
	err := sessions.CreateSession(context.Background(), &model.Session{
		ID:       "sess-1",
		Status:   model.StatusPending,
		PhotoKey: "photos/p1.jpg",
		SlotID:   "A-12",
	})
	if err != nil {
		t.Fatal(err)
	}
	emit := &recordingEmitter{}
	slots := slotcfg.StaticProvider(testSlots())
	coord := New(cfg, sessions, &fakePhotos{img: testPhoto()}, slots, seg, det, est, emit)
	return &harness{coord: coord, sessions: sessions, seg: seg, det: det, emit: emit}
}

func detections(n int, conf float64) []model.Detection {
	out := make([]model.Detection, n)
	for i := range out {
		out[i] = model.DetectionFromBox(image.Rect(i*10, 0, i*10+8, 8), conf)
	}
	return out
}

func TestRunEndToEnd(t *testing.T) {
	seg := &fakeSegmenter{containers: []model.Container{growingArea(image.Rect(0, 0, 800, 600))}}
	det := &fakeDetector{fn: func(image.Rectangle) ([]model.Detection, error) {
		return detections(40, 0.9), nil
	}}
	est := &fakeEstimator{fn: func(model.Container) ([]model.Estimation, error) {
		counts := []int{50, 40, 20, 10}
		var out []model.Estimation
		for _, c := range counts {
			out = append(out, model.Estimation{
				EstimatedCount: c,
				Method:         model.MethodStoredCalibration,
				Confidence:     0.70,
			})
		}
		return out, nil
	}}
	h := newHarness(t, testConfig(), seg, det, est)

	session, err := h.coord.Run(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if session.Status != model.StatusCompleted {
		t.Fatalf("status = %s, want completed", session.Status)
	}
	if session.DetectedCount != 40 || session.EstimatedCount != 120 || session.Total() != 160 {
		t.Fatalf("counts = %d/%d, want 40/120", session.DetectedCount, session.EstimatedCount)
	}
	// Count-weighted confidence: (0.9*40 + 0.7*120) / 160 = 0.75.
	if session.Confidence < 0.749 || session.Confidence > 0.751 {
		t.Fatalf("confidence = %f, want 0.75", session.Confidence)
	}
	if session.AnnotatedKey == "" || session.ResultKey == "" {
		t.Fatalf("artifact keys missing: %q %q", session.AnnotatedKey, session.ResultKey)
	}

	persisted, _ := h.sessions.GetContainerResults(context.Background(), "sess-1")
	if len(persisted) != 1 {
		t.Fatalf("persisted containers = %d, want 1", len(persisted))
	}
	if got := len(persisted[0].Detections); got != 40 {
		t.Fatalf("persisted detections = %d, want 40", got)
	}
	if h.emit.count(events.TypeCompleted) != 1 || h.emit.count(events.TypeSegmented) != 1 {
		t.Fatalf("milestones = %v", h.emit.types)
	}
}

func TestRunIdempotentOnTerminalSession(t *testing.T) {
	seg := &fakeSegmenter{}
	h := newHarness(t, testConfig(), seg, &fakeDetector{}, &fakeEstimator{})

	ctx := context.Background()
	err := h.sessions.FinalizeSession(ctx, &store.FinalResult{
		Session: model.Session{ID: "sess-1", Status: model.StatusCompleted, DetectedCount: 7},
	})
	if err != nil {
		t.Fatal(err)
	}

	session, err := h.coord.Run(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if session.Status != model.StatusCompleted || session.DetectedCount != 7 {
		t.Fatalf("session = %+v, want stored terminal state", session)
	}
	if seg.calls != 0 {
		t.Fatalf("segmentation ran %d times on a terminal session", seg.calls)
	}
}

func TestSegmentationFailureFailsSession(t *testing.T) {
	seg := &fakeSegmenter{err: errors.New("model exploded")}
	h := newHarness(t, testConfig(), seg, &fakeDetector{}, &fakeEstimator{})

	_, err := h.coord.Run(context.Background(), "sess-1")
	var serr *SegmentationError
	if !errors.As(err, &serr) {
		t.Fatalf("err = %v, want *SegmentationError", err)
	}

	stored, _ := h.sessions.GetSession(context.Background(), "sess-1")
	if stored.Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}
	if !strings.Contains(stored.Error, "model exploded") {
		t.Fatalf("stored error = %q, want real cause", stored.Error)
	}
}

func TestZeroContainersCompletesEmpty(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeSegmenter{}, &fakeDetector{}, &fakeEstimator{})

	session, err := h.coord.Run(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if session.Status != model.StatusCompleted || session.Total() != 0 {
		t.Fatalf("session = %+v, want empty completed", session)
	}
}

func TestPartialFailureMatrix(t *testing.T) {
	regions := []image.Rectangle{
		image.Rect(0, 0, 200, 200),
		image.Rect(200, 0, 400, 200),
		image.Rect(400, 0, 600, 200),
	}
	tests := []struct {
		name       string
		failing    map[int]bool
		wantStatus model.SessionStatus
		wantStored int
	}{
		{"one of three fails", map[int]bool{1: true}, model.StatusCompletedWithWarnings, 3},
		{"two of three fail", map[int]bool{0: true, 2: true}, model.StatusCompletedWithWarnings, 3},
		{"all fail", map[int]bool{0: true, 1: true, 2: true}, model.StatusFailed, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var containers []model.Container
			for _, r := range regions {
				containers = append(containers, pot(r))
			}
			det := &fakeDetector{fn: func(region image.Rectangle) ([]model.Detection, error) {
				for i, r := range regions {
					if r == region && tt.failing[i] {
						return nil, &InferenceError{Op: "detect", Err: errors.New("corrupt tile")}
					}
				}
				return detections(2, 0.8), nil
			}}
			h := newHarness(t, testConfig(), &fakeSegmenter{containers: containers}, det, &fakeEstimator{})

			session, err := h.coord.Run(context.Background(), "sess-1")
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if session.Status != tt.wantStatus {
				t.Fatalf("status = %s, want %s", session.Status, tt.wantStatus)
			}

			persisted, _ := h.sessions.GetContainerResults(context.Background(), "sess-1")
			if len(persisted) != tt.wantStored {
				t.Fatalf("persisted = %d, want %d", len(persisted), tt.wantStored)
			}
			var succeeded int
			for _, cr := range persisted {
				if cr.SubTask.State == model.SubTaskSucceeded {
					succeeded++
					if len(cr.Detections) != 2 {
						t.Errorf("succeeded container lost detections: %+v", cr)
					}
				}
			}
			if want := len(regions) - len(tt.failing); tt.wantStored > 0 && succeeded != want {
				t.Fatalf("succeeded = %d, want %d", succeeded, want)
			}
		})
	}
}

func TestTransientFailuresRetryThenSucceed(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	det := &fakeDetector{fn: func(image.Rectangle) ([]model.Detection, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts <= 2 {
			return nil, errors.New("storage blip")
		}
		return detections(1, 0.9), nil
	}}
	seg := &fakeSegmenter{containers: []model.Container{pot(image.Rect(0, 0, 100, 100))}}
	h := newHarness(t, testConfig(), seg, det, &fakeEstimator{})

	session, err := h.coord.Run(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if session.Status != model.StatusCompleted {
		t.Fatalf("status = %s, want completed", session.Status)
	}

	persisted, _ := h.sessions.GetContainerResults(context.Background(), "sess-1")
	if persisted[0].SubTask.Retries != 2 {
		t.Fatalf("retries = %d, want 2", persisted[0].SubTask.Retries)
	}
}

func TestInferenceErrorsNeverRetry(t *testing.T) {
	det := &fakeDetector{fn: func(image.Rectangle) ([]model.Detection, error) {
		return nil, &InferenceError{Op: "detect", Err: errors.New("unsupported image")}
	}}
	seg := &fakeSegmenter{containers: []model.Container{pot(image.Rect(0, 0, 100, 100))}}
	h := newHarness(t, testConfig(), seg, det, &fakeEstimator{})

	session, err := h.coord.Run(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if session.Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed", session.Status)
	}
	if det.calls != 1 {
		t.Fatalf("detector calls = %d, want 1 (no retries)", det.calls)
	}
}

func TestUnknownSessionIsValidationError(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeSegmenter{}, &fakeDetector{}, &fakeEstimator{})

	_, err := h.coord.Run(context.Background(), "nope")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
}

func TestLateResultsDiscardedAfterExternalTermination(t *testing.T) {
	sessions := store.NewMemoryStore()
	ctx := context.Background()
	if err := sessions.CreateSession(ctx, &model.Session{
		ID: "sess-1", Status: model.StatusPending, PhotoKey: "photos/p1.jpg", SlotID: "A-12",
	}); err != nil {
		t.Fatal(err)
	}

	seg := &fakeSegmenter{containers: []model.Container{growingArea(image.Rect(0, 0, 400, 400))}}
	det := &fakeDetector{fn: func(image.Rectangle) ([]model.Detection, error) {
		return detections(3, 0.9), nil
	}}
	// The session is superseded externally while the sub-task is in flight.
	est := &fakeEstimator{fn: func(model.Container) ([]model.Estimation, error) {
		err := sessions.FinalizeSession(ctx, &store.FinalResult{
			Session: model.Session{ID: "sess-1", Status: model.StatusFailed, Error: "superseded"},
		})
		if err != nil {
			t.Errorf("external finalize: %v", err)
		}
		return []model.Estimation{{EstimatedCount: 10, Confidence: 0.7}}, nil
	}}

	coord := New(testConfig(), sessions, &fakePhotos{img: testPhoto()},
		slotcfg.StaticProvider(testSlots()), seg, det, est, nil)

	session, err := coord.Run(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if session.Status != model.StatusFailed || session.Error != "superseded" {
		t.Fatalf("session = %+v, want externally terminal state", session)
	}
	if persisted, _ := sessions.GetContainerResults(ctx, "sess-1"); len(persisted) != 0 {
		t.Fatalf("late results persisted: %+v", persisted)
	}
}

// stallingDetector blocks attempts on one region until the attempt context
// expires. Other regions detect normally.
type stallingDetector struct {
	mu          sync.Mutex
	stallRegion image.Rectangle
	stalls      int
	attempts    int
}

func (f *stallingDetector) Run(ctx context.Context, _ tiling.SubImager, region image.Rectangle) ([]model.Detection, error) {
	if region != f.stallRegion {
		return detections(5, 0.9), nil
	}
	f.mu.Lock()
	n := f.attempts
	f.attempts++
	f.mu.Unlock()
	if n < f.stalls {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return detections(5, 0.9), nil
}

func TestSoftTimeoutRetriesAttempt(t *testing.T) {
	bounds := image.Rect(0, 0, 200, 200)
	det := &stallingDetector{stallRegion: bounds, stalls: 1}
	cfg := testConfig()
	cfg.SoftTimeout = 20 * time.Millisecond
	cfg.HardTimeout = 2 * time.Second
	h := newHarness(t, cfg, &fakeSegmenter{containers: []model.Container{pot(bounds)}}, nil, &fakeEstimator{})
	h.coord.detect = det

	session, err := h.coord.Run(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if session.Status != model.StatusCompleted || session.DetectedCount != 5 {
		t.Fatalf("session = %s/%d, want completed/5", session.Status, session.DetectedCount)
	}
	if det.attempts != 2 {
		t.Fatalf("attempts = %d, want a second attempt after the first timed out", det.attempts)
	}
	persisted, _ := h.sessions.GetContainerResults(context.Background(), "sess-1")
	if len(persisted) != 1 || persisted[0].SubTask.Retries != 1 {
		t.Fatalf("persisted sub-task = %+v, want one retry recorded", persisted)
	}
}

func TestHardTimeoutFailsSubTask(t *testing.T) {
	stalled := image.Rect(0, 0, 200, 200)
	healthy := image.Rect(300, 0, 500, 200)
	det := &stallingDetector{stallRegion: stalled, stalls: 99}
	cfg := testConfig()
	cfg.SoftTimeout = time.Second
	cfg.HardTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg, &fakeSegmenter{containers: []model.Container{pot(stalled), pot(healthy)}}, nil, &fakeEstimator{})
	h.coord.detect = det

	session, err := h.coord.Run(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if session.Status != model.StatusCompletedWithWarnings {
		t.Fatalf("status = %s, want completed_with_warnings", session.Status)
	}
	if session.DetectedCount != 5 {
		t.Fatalf("detected = %d, want only the healthy container counted", session.DetectedCount)
	}

	persisted, _ := h.sessions.GetContainerResults(context.Background(), "sess-1")
	if len(persisted) != 2 {
		t.Fatalf("persisted containers = %d, want 2", len(persisted))
	}
	var failed *store.ContainerResult
	for i := range persisted {
		if persisted[i].Container.Bounds == stalled {
			failed = &persisted[i]
		}
	}
	if failed == nil || failed.SubTask.State != model.SubTaskFailed {
		t.Fatalf("stalled sub-task = %+v, want failed", failed)
	}
	if !strings.Contains(failed.SubTask.Error, context.DeadlineExceeded.Error()) {
		t.Fatalf("sub-task error = %q, want deadline expiry recorded", failed.SubTask.Error)
	}
}

func TestContainerIDsFromSegmentationPreserved(t *testing.T) {
	fixed := pot(image.Rect(0, 0, 200, 200))
	fixed.ID = "cont-a1b2c3d4e5f60718293a4b5c6d7e8f90"
	seg := &fakeSegmenter{containers: []model.Container{fixed}}
	det := &fakeDetector{fn: func(image.Rectangle) ([]model.Detection, error) {
		return detections(3, 0.9), nil
	}}
	h := newHarness(t, testConfig(), seg, det, &fakeEstimator{})

	if _, err := h.coord.Run(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	persisted, _ := h.sessions.GetContainerResults(context.Background(), "sess-1")
	if len(persisted) != 1 {
		t.Fatalf("persisted containers = %d, want 1", len(persisted))
	}
	if got := persisted[0].Container.ID; got != fixed.ID {
		t.Fatalf("container ID = %q, want the segmentation-assigned %q", got, fixed.ID)
	}
	task := persisted[0].SubTask
	if task.ContainerID != fixed.ID {
		t.Fatalf("sub-task container ID = %q, want %q", task.ContainerID, fixed.ID)
	}
	if !strings.HasPrefix(task.ID, "task-") {
		t.Fatalf("sub-task ID = %q, want task- prefix", task.ID)
	}
}
