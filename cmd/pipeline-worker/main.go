// Package main provides the pipeline worker Lambda entry point. One
// invocation drives one session end to end: segmentation, per-container
// fan-out, band estimation, and the atomic aggregation write.
//
// Model handles are process-local: lazily loaded on first use, reused across
// invocations of the same warm container, and evicted on age or use count to
// bound memory growth. Nothing is shared across worker processes.
//
// Event format:
//
//	{"sessionId": "uuid"}
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/groweye/plantcount/internal/band"
	"github.com/groweye/plantcount/internal/inference"
	"github.com/groweye/plantcount/internal/lambdaboot"
	"github.com/groweye/plantcount/internal/logging"
	"github.com/groweye/plantcount/internal/model"
	"github.com/groweye/plantcount/internal/pipeline"
	"github.com/groweye/plantcount/internal/segment"
	"github.com/groweye/plantcount/internal/tiling"
)

// Model file locations, baked into the worker image.
const (
	envModelDir = "MODEL_DIR"

	detectModelFile  = "detect.pb"
	detectConfigFile = "detect.pbtxt"
	segModelFile     = "segment.pb"
	segConfigFile    = "segment.pbtxt"

	detectInputSize = 512
	segInputSize    = 1024

	detectConfThreshold = 0.40
	segConfThreshold    = 0.30
)

// WorkerEvent is the async invocation payload from the intake Lambda.
type WorkerEvent struct {
	SessionID string `json:"sessionId"`
}

// WorkerResponse reports the terminal session state.
type WorkerResponse struct {
	SessionID      string              `json:"sessionId"`
	Status         model.SessionStatus `json:"status"`
	DetectedCount  int                 `json:"detectedCount"`
	EstimatedCount int                 `json:"estimatedCount"`
}

var coordinator *pipeline.Coordinator

func init() {
	initStart := time.Now()
	logging.Init()

	cfg := lambdaboot.InitAWS()
	sessions := lambdaboot.InitSessionStore(cfg)
	photos := lambdaboot.InitPhotoStore(cfg)
	slots := lambdaboot.InitSlotProvider(cfg)
	emitter := lambdaboot.InitEmitter(cfg)

	modelDir := os.Getenv(envModelDir)
	if modelDir == "" {
		modelDir = "/opt/models"
	}
	cache := inference.NewCache(inference.CacheConfig{})
	detector := inference.CachedDetector(cache, "detect", func() (io.Closer, error) {
		return inference.NewDNNDetector(
			modelDir+"/"+detectModelFile, modelDir+"/"+detectConfigFile,
			detectInputSize, detectConfThreshold)
	})
	segmenter := inference.CachedSegmenter(cache, "segment", func() (io.Closer, error) {
		return inference.NewDNNSegmenter(
			modelDir+"/"+segModelFile, modelDir+"/"+segConfigFile,
			segInputSize, segConfThreshold)
	})

	coordinator = pipeline.New(
		pipeline.Config{},
		sessions,
		photos,
		slots,
		segment.New(segmenter, segment.Config{}),
		tiling.New(detector, tiling.Config{}),
		band.New(band.Config{}),
		emitter,
	)

	lambdaboot.StartupLog("pipeline-worker", initStart).
		DynamoTable("sessions", os.Getenv(lambdaboot.EnvSessionTable)).
		S3Bucket("photos", os.Getenv(lambdaboot.EnvPhotoBucket)).
		Config("modelDir", modelDir).
		Log()
}

func handle(ctx context.Context, event WorkerEvent) (*WorkerResponse, error) {
	if event.SessionID == "" {
		return nil, fmt.Errorf("worker event missing sessionId")
	}

	session, err := coordinator.Run(ctx, event.SessionID)
	if err != nil {
		// The session record already carries the terminal failure; returning
		// the error here would only trigger Lambda's own async retry against
		// an already-terminal session.
		log.Error().Err(err).Str("sessionId", event.SessionID).Msg("Session processing failed")
	}
	if session == nil {
		return nil, err
	}
	return &WorkerResponse{
		SessionID:      session.ID,
		Status:         session.Status,
		DetectedCount:  session.DetectedCount,
		EstimatedCount: session.EstimatedCount,
	}, nil
}

func main() {
	lambda.Start(handle)
}
