// Package inference defines the model interfaces the pipeline stages run
// against, the per-worker model-handle cache that amortizes multi-second
// model load cost across sub-tasks, and OpenCV DNN implementations of both
// interfaces.
package inference

import (
	"context"
	"image"

	"github.com/groweye/plantcount/internal/geom"
)

// Item classes emitted by the detection model.
const (
	ClassPlant          = "plant"
	ClassEmptyContainer = "empty-container"
	ClassDeadPlant      = "dead-plant"
)

// RawDetection is one item-level model finding in the coordinate frame of
// the image handed to Detect.
type RawDetection struct {
	Box        image.Rectangle
	Confidence float64
	Class      string
}

// Region is one instance-segmentation proposal: a foreground mask in the
// coordinate frame of the image handed to Segment.
type Region struct {
	Mask       *geom.Mask
	Confidence float64
}

// Detector runs item-level detection on one image (typically a single tile).
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]RawDetection, error)
}

// Segmenter runs instance segmentation on one full photo.
type Segmenter interface {
	Segment(ctx context.Context, img image.Image) ([]Region, error)
}
