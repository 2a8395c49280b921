// Package pipeline orchestrates a counting session end to end: segmentation,
// per-container fan-out across an inference worker pool, the join barrier,
// and the atomic aggregation write. The coordinator is the only component
// that mutates session state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/groweye/plantcount/internal/annotate"
	"github.com/groweye/plantcount/internal/events"
	"github.com/groweye/plantcount/internal/jobs"
	"github.com/groweye/plantcount/internal/metrics"
	"github.com/groweye/plantcount/internal/model"
	"github.com/groweye/plantcount/internal/slotcfg"
	"github.com/groweye/plantcount/internal/store"
	"github.com/groweye/plantcount/internal/tiling"
)

// Stage interfaces, satisfied by *segment.Stage, *tiling.Stage, and
// *band.Stage respectively.
type (
	Segmenter interface {
		Run(ctx context.Context, sessionID string, photo image.Image) ([]model.Container, error)
	}
	Detector interface {
		Run(ctx context.Context, photo tiling.SubImager, region image.Rectangle) ([]model.Detection, error)
	}
	Estimator interface {
		Run(ctx context.Context, photo image.Image, container model.Container,
			detections []model.Detection, slot model.SlotContext) ([]model.Estimation, error)
	}
)

// Config tunes the coordinator's pools, retries, and timeouts.
type Config struct {
	// InferenceWorkers bounds concurrent sub-tasks. One sub-task is one unit
	// of parallel work.
	InferenceWorkers int

	// IOWorkers bounds concurrent object-storage uploads during aggregation
	// so slow transfers never occupy inference workers.
	IOWorkers int

	// MaxRetries caps retries per sub-task for transient failures.
	MaxRetries int

	// RetryBase is the first backoff delay; subsequent delays double.
	RetryBase time.Duration

	// SoftTimeout cooperatively cancels a single attempt, which then retries
	// under the normal transient path. HardTimeout bounds the whole sub-task
	// including retries; exceeding it records a failure.
	SoftTimeout time.Duration
	HardTimeout time.Duration

	Confidence ConfidenceStrategy
}

func (c Config) withDefaults() Config {
	if c.InferenceWorkers <= 0 {
		c.InferenceWorkers = 4
	}
	if c.IOWorkers <= 0 {
		c.IOWorkers = 2
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.SoftTimeout <= 0 {
		c.SoftTimeout = 14 * time.Minute
	}
	if c.HardTimeout <= 0 {
		c.HardTimeout = 15 * time.Minute
	}
	if c.Confidence == "" {
		c.Confidence = ConfidenceCountWeighted
	}
	return c
}

// PhotoStore is the object-storage surface the coordinator needs.
// *photostore.Store satisfies it.
type PhotoStore interface {
	FetchImage(ctx context.Context, key string) (image.Image, error)
	UploadAnnotated(ctx context.Context, sessionID string, jpegData []byte) (string, error)
	UploadResultBundle(ctx context.Context, sessionID string, result interface{}) (string, error)
}

// Coordinator drives sessions to a terminal state.
type Coordinator struct {
	cfg      Config
	sessions store.SessionStore
	photos   PhotoStore
	slots    slotcfg.Provider
	segment  Segmenter
	detect   Detector
	estimate Estimator
	emit     events.Emitter
}

// New wires a coordinator from its collaborators.
func New(cfg Config, sessions store.SessionStore, photos PhotoStore, slots slotcfg.Provider,
	seg Segmenter, detect Detector, estimate Estimator, emit events.Emitter) *Coordinator {
	if emit == nil {
		emit = events.NopEmitter{}
	}
	return &Coordinator{
		cfg:      cfg.withDefaults(),
		sessions: sessions,
		photos:   photos,
		slots:    slots,
		segment:  seg,
		detect:   detect,
		estimate: estimate,
		emit:     emit,
	}
}

// Run processes one session to a terminal state and returns it. Re-invocation
// with an already-terminal session is a no-op returning the stored state.
func (c *Coordinator) Run(ctx context.Context, sessionID string) (*model.Session, error) {
	start := time.Now()
	session, err := c.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if session == nil {
		return nil, &ValidationError{Field: "sessionId", Reason: fmt.Sprintf("unknown session %s", sessionID)}
	}
	if session.Status.Terminal() {
		log.Info().Str("sessionId", sessionID).Str("status", string(session.Status)).
			Msg("Session already terminal, skipping")
		return session, nil
	}

	if err := c.sessions.UpdateSessionStatus(ctx, sessionID, model.StatusProcessing); err != nil {
		return nil, fmt.Errorf("mark session %s processing: %w", sessionID, err)
	}

	slot, err := c.slots.SlotContext(ctx, session.SlotID)
	if err != nil {
		return c.failSession(ctx, session, fmt.Errorf("resolve slot %s: %w", session.SlotID, err))
	}

	photo, err := c.fetchPhoto(ctx, session.PhotoKey)
	if err != nil {
		return c.failSession(ctx, session, err)
	}

	containers, err := c.segment.Run(ctx, sessionID, photo)
	if err != nil {
		return c.failSession(ctx, session, &SegmentationError{SessionID: sessionID, Err: err})
	}
	c.emit.Emit(ctx, events.TypeSegmented, events.Milestone{
		SessionID:  sessionID,
		SlotID:     session.SlotID,
		Containers: len(containers),
	})

	results := c.fanOut(ctx, sessionID, photo, containers, slot)
	session, err = c.finalize(ctx, session, photo, results)
	if err != nil {
		return session, err
	}

	metrics.New().Stage("coordinate").
		Dimension("status", string(session.Status)).
		Count("Containers", len(containers)).
		Count("TotalCount", session.Total()).
		Elapsed("SessionDuration", start).
		Property("sessionId", sessionID).
		Flush()
	return session, nil
}

// fetchPhoto pulls and decodes the source photo, retrying transient storage
// failures with the standard backoff.
func (c *Coordinator) fetchPhoto(ctx context.Context, key string) (*image.RGBA, error) {
	var img image.Image
	err := c.withRetries(ctx, func(ctx context.Context) error {
		var err error
		img, err = c.photos.FetchImage(ctx, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch photo %s: %w", key, err)
	}
	return toRGBA(img), nil
}

// toRGBA normalizes the decoded photo so every stage can take sub-images.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

// fanOut dispatches one sub-task per container to the inference pool and
// blocks until every sub-task is terminal. Sibling order is unspecified;
// results land at the container's index.
func (c *Coordinator) fanOut(ctx context.Context, sessionID string, photo *image.RGBA,
	containers []model.Container, slot *model.SlotContext) []store.ContainerResult {

	results := make([]store.ContainerResult, len(containers))
	work := make(chan int)
	var wg sync.WaitGroup

	workers := min(c.cfg.InferenceWorkers, len(containers))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				results[i] = c.runSubTask(ctx, sessionID, photo, containers[i], slot)
			}
		}()
	}
	for i := range containers {
		work <- i
	}
	close(work)
	wg.Wait()
	return results
}

// runSubTask processes one container to a terminal sub-task state. Transient
// failures retry with exponential backoff inside the hard deadline; the soft
// deadline bounds each individual attempt.
func (c *Coordinator) runSubTask(ctx context.Context, sessionID string, photo *image.RGBA,
	container model.Container, slot *model.SlotContext) store.ContainerResult {

	task := model.SubTask{
		ID:          jobs.GenerateID("task-"),
		ContainerID: container.ID,
		Kind:        model.KindFor(container.Category),
	}
	result := store.ContainerResult{Container: container}

	hardCtx, cancel := context.WithTimeout(ctx, c.cfg.HardTimeout)
	defer cancel()

	err := c.withRetries(hardCtx, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.SoftTimeout)
		defer cancel()

		detections, err := c.detect.Run(attemptCtx, photo, container.Bounds)
		if err != nil {
			return fmt.Errorf("detect container %s: %w", container.ID, err)
		}
		var estimations []model.Estimation
		if task.Kind == model.KindDetectAndEstimate {
			estimations, err = c.estimate.Run(attemptCtx, photo, container, detections, *slot)
			if err != nil {
				return fmt.Errorf("estimate container %s: %w", container.ID, err)
			}
		}
		result.Detections = detections
		result.Estimations = estimations
		return nil
	}, &task.Retries)

	if err != nil {
		task.State = model.SubTaskFailed
		task.Error = err.Error()
		log.Warn().Err(err).
			Str("sessionId", sessionID).
			Str("containerId", container.ID).
			Int("retries", task.Retries).
			Msg("Sub-task failed")
	} else {
		task.State = model.SubTaskSucceeded
	}
	result.SubTask = task

	c.emit.Emit(ctx, events.TypeSubTaskFinished, events.Milestone{
		SessionID:    sessionID,
		ContainerID:  container.ID,
		SubTaskState: task.State,
	})
	return result
}

// withRetries runs fn up to 1+MaxRetries times with exponential backoff.
// The optional retries counter records how many retries were consumed.
func (c *Coordinator) withRetries(ctx context.Context, fn func(ctx context.Context) error, retries ...*int) error {
	var err error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.RetryBase << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
			}
			if len(retries) > 0 {
				*retries[0]++
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
	}
	return err
}

// finalize aggregates terminal results and persists everything in one write.
// A session that went terminal while sub-tasks were in flight wins: the late
// results are discarded.
func (c *Coordinator) finalize(ctx context.Context, session *model.Session, photo *image.RGBA,
	results []store.ContainerResult) (*model.Session, error) {

	current, err := c.sessions.GetSession(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("reload session %s: %w", session.ID, err)
	}
	if current != nil && current.Status.Terminal() {
		log.Warn().Str("sessionId", session.ID).Str("status", string(current.Status)).
			Msg("Session went terminal during processing, discarding late results")
		return current, nil
	}

	// Zero containers is a valid empty result, not a failure.
	if len(results) == 0 {
		session.Status = model.StatusCompleted
		aggregate(session, nil, c.cfg.Confidence)
		return c.persist(ctx, session, nil)
	}

	var succeeded, failed []store.ContainerResult
	for _, r := range results {
		if r.SubTask.State == model.SubTaskSucceeded {
			succeeded = append(succeeded, r)
		} else {
			failed = append(failed, r)
		}
	}

	session.Status = statusFor(len(succeeded), len(failed))
	if session.Status == model.StatusFailed {
		if len(results) > 0 {
			session.Error = results[0].SubTask.Error
		}
		// Nothing partial lands: the failed session record carries no
		// container results.
		return c.persist(ctx, session, nil)
	}

	aggregate(session, succeeded, c.cfg.Confidence)
	for _, r := range failed {
		session.Error = r.SubTask.Error
		break
	}

	c.uploadArtifacts(ctx, session, photo, succeeded)

	final := append(succeeded, failed...)
	return c.persist(ctx, session, final)
}

func (c *Coordinator) persist(ctx context.Context, session *model.Session, containers []store.ContainerResult) (*model.Session, error) {
	result := &store.FinalResult{Session: *session, Containers: containers}
	if err := c.sessions.FinalizeSession(ctx, result); err != nil {
		var perr *store.PersistenceError
		if errors.As(err, &perr) && session.Status != model.StatusFailed {
			return c.failSession(ctx, session, perr)
		}
		return session, err
	}
	c.emit.Emit(ctx, events.TypeCompleted, events.Milestone{
		SessionID:      session.ID,
		SlotID:         session.SlotID,
		Status:         session.Status,
		DetectedCount:  session.DetectedCount,
		EstimatedCount: session.EstimatedCount,
		Confidence:     session.Confidence,
	})
	return session, nil
}

// uploadArtifacts renders and uploads the annotated photo and result bundle
// on the I/O pool. Artifact failures degrade the session to warnings rather
// than failing it; the counts themselves are already safe.
func (c *Coordinator) uploadArtifacts(ctx context.Context, session *model.Session,
	photo *image.RGBA, succeeded []store.ContainerResult) {

	ov := annotate.Overlay{}
	for _, r := range succeeded {
		ov.Containers = append(ov.Containers, r.Container)
		ov.Detections = append(ov.Detections, r.Detections...)
		for _, e := range r.Estimations {
			ov.Bands = append(ov.Bands, e.BandPolygon)
		}
	}

	// The bundle goroutine reads the session while the other may mutate it.
	snapshot := *session

	type upload struct {
		name string
		run  func() (string, error)
		dest *string
	}
	uploads := []upload{
		{"annotated", func() (string, error) {
			data, err := annotate.Render(photo, ov, 0)
			if err != nil {
				return "", err
			}
			return c.photos.UploadAnnotated(ctx, session.ID, data)
		}, &session.AnnotatedKey},
		{"bundle", func() (string, error) {
			bundle := &store.FinalResult{Session: snapshot, Containers: succeeded}
			return c.photos.UploadResultBundle(ctx, session.ID, bundle)
		}, &session.ResultKey},
	}

	sem := make(chan struct{}, c.cfg.IOWorkers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, u := range uploads {
		wg.Add(1)
		go func(u upload) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			key, err := u.run()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warn().Err(err).Str("sessionId", session.ID).Str("artifact", u.name).
					Msg("Artifact upload failed")
				if session.Status == model.StatusCompleted {
					session.Status = model.StatusCompletedWithWarnings
					session.Error = fmt.Sprintf("upload %s: %v", u.name, err)
				}
				return
			}
			*u.dest = key
		}(u)
	}
	wg.Wait()
}

// failSession marks the session failed with the real cause and returns it.
func (c *Coordinator) failSession(ctx context.Context, session *model.Session, cause error) (*model.Session, error) {
	log.Error().Err(cause).Str("sessionId", session.ID).Msg("Session failed")
	session.Status = model.StatusFailed
	session.Error = cause.Error()

	result := &store.FinalResult{Session: *session}
	if err := c.sessions.FinalizeSession(ctx, result); err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("Failed to persist failed session")
	}
	c.emit.Emit(ctx, events.TypeCompleted, events.Milestone{
		SessionID: session.ID,
		SlotID:    session.SlotID,
		Status:    model.StatusFailed,
	})
	return session, cause
}
