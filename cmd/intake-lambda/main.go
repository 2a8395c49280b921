// Package main provides the intake Lambda entry point. It validates the
// intake request, records capture metadata from the photo's EXIF header,
// creates the session record, and dispatches the pipeline worker
// asynchronously. The caller gets the session ID back immediately and polls
// session state through the tracking surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/groweye/plantcount/internal/exif"
	"github.com/groweye/plantcount/internal/lambdaboot"
	"github.com/groweye/plantcount/internal/logging"
	"github.com/groweye/plantcount/internal/metrics"
	"github.com/groweye/plantcount/internal/model"
	"github.com/groweye/plantcount/internal/store"
)

// IntakeRequest is the direct-invocation event shape.
type IntakeRequest struct {
	PhotoKey string `json:"photoKey" validate:"required"`
	SlotID   string `json:"slotId" validate:"required"`

	// SessionID lets callers supply their own identifier for idempotent
	// retries of the same intake. Empty generates one.
	SessionID string `json:"sessionId,omitempty" validate:"omitempty,uuid4"`
}

// IntakeResponse acknowledges the accepted session.
type IntakeResponse struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

// Collaborator surfaces, satisfied by *store.DynamoStore, *photostore.Store,
// and *workerClient.
type (
	sessionCreator interface {
		CreateSession(ctx context.Context, session *model.Session) error
	}
	photoFetcher interface {
		FetchPhoto(ctx context.Context, key string) ([]byte, error)
	}
	workerDispatcher interface {
		dispatch(ctx context.Context, sessionID string) error
	}
)

type handler struct {
	sessions sessionCreator
	photos   photoFetcher
	worker   workerDispatcher
	validate *validator.Validate
}

// newHandler wires the handler at cold start.
func newHandler() *handler {
	initStart := time.Now()
	logging.Init()

	cfg := lambdaboot.InitAWS()
	h := &handler{
		sessions: lambdaboot.InitSessionStore(cfg),
		photos:   lambdaboot.InitPhotoStore(cfg),
		worker:   newWorkerClient(cfg),
		validate: validator.New(),
	}

	lambdaboot.StartupLog("intake-lambda", initStart).
		DynamoTable("sessions", envOr(lambdaboot.EnvSessionTable)).
		S3Bucket("photos", envOr(lambdaboot.EnvPhotoBucket)).
		LambdaFunc("pipelineWorker", envOr(lambdaboot.EnvWorkerARN)).
		Log()
	return h
}

func (h *handler) handle(ctx context.Context, req IntakeRequest) (*IntakeResponse, error) {
	if err := h.validate.Struct(&req); err != nil {
		return nil, fmt.Errorf("invalid intake request: %w", err)
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	session := &model.Session{
		ID:        sessionID,
		Status:    model.StatusPending,
		PhotoKey:  req.PhotoKey,
		SlotID:    req.SlotID,
		CreatedAt: time.Now().Unix(),
	}

	// EXIF extraction is best-effort: a photo the breaker cannot reach right
	// now still gets a session, and the worker will retry the fetch itself.
	if data, err := h.photos.FetchPhoto(ctx, req.PhotoKey); err == nil {
		info := exif.Extract(data)
		if !info.CapturedAt.IsZero() {
			session.CapturedAt = info.CapturedAt.Unix()
		}
		session.CameraModel = info.CameraModel
	} else {
		log.Warn().Err(err).Str("photoKey", req.PhotoKey).Msg("Photo not readable at intake")
	}

	if err := h.sessions.CreateSession(ctx, session); err != nil {
		if errors.Is(err, store.ErrSessionExists) {
			// A prior intake may have crashed between the session write and
			// the dispatch, so dispatch again. The worker skips sessions
			// that are already terminal.
			if err := h.worker.dispatch(ctx, sessionID); err != nil {
				return nil, err
			}
			log.Info().Str("sessionId", sessionID).Msg("Duplicate intake, worker re-dispatched")
			return &IntakeResponse{SessionID: sessionID, Status: string(model.StatusPending)}, nil
		}
		return nil, err
	}

	if err := h.worker.dispatch(ctx, sessionID); err != nil {
		return nil, err
	}

	metrics.New().Stage("intake").
		Count("SessionsAccepted", 1).
		Property("sessionId", sessionID).
		Property("slotId", req.SlotID).
		Flush()

	log.Info().
		Str("sessionId", sessionID).
		Str("photoKey", req.PhotoKey).
		Str("slotId", req.SlotID).
		Msg("Session accepted")
	return &IntakeResponse{SessionID: sessionID, Status: string(model.StatusPending)}, nil
}

func main() {
	lambda.Start(newHandler().handle)
}
