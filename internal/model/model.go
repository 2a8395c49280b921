// Package model defines the domain types shared across the photo-processing
// pipeline: sessions, segmented containers, item detections, band estimations,
// and the transient sub-tasks dispatched per container.
package model

import (
	"image"

	"github.com/groweye/plantcount/internal/geom"
)

// SessionStatus is the lifecycle state of a photo-processing session.
type SessionStatus string

const (
	StatusPending               SessionStatus = "pending"
	StatusProcessing            SessionStatus = "processing"
	StatusCompleted             SessionStatus = "completed"
	StatusCompletedWithWarnings SessionStatus = "completed_with_warnings"
	StatusFailed                SessionStatus = "failed"
)

// Terminal reports whether the status is one of the three terminal states.
// A terminal session is immutable; late sub-task results against it are discarded.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithWarnings, StatusFailed:
		return true
	}
	return false
}

// Session is one end-to-end photo-processing workflow instance.
// Created on photo intake, mutated only by the coordinator and aggregator,
// immutable once terminal.
type Session struct {
	ID       string        `json:"id" dynamodbav:"-"`
	Status   SessionStatus `json:"status" dynamodbav:"status"`
	PhotoKey string        `json:"photoKey" dynamodbav:"photoKey"`
	SlotID   string        `json:"slotId" dynamodbav:"slotId"`

	// Capture metadata extracted from the photo EXIF header at intake.
	CapturedAt  int64  `json:"capturedAt,omitempty" dynamodbav:"capturedAt,omitempty"`
	CameraModel string `json:"cameraModel,omitempty" dynamodbav:"cameraModel,omitempty"`

	// Aggregate totals, written once at aggregation.
	DetectedCount  int     `json:"detectedCount" dynamodbav:"detectedCount"`
	EstimatedCount int     `json:"estimatedCount" dynamodbav:"estimatedCount"`
	Confidence     float64 `json:"confidence" dynamodbav:"confidence"`

	// Keys of the rendered visualization and compressed result bundle in
	// object storage, present only on a successfully aggregated session.
	AnnotatedKey string `json:"annotatedKey,omitempty" dynamodbav:"annotatedKey,omitempty"`
	ResultKey    string `json:"resultKey,omitempty" dynamodbav:"resultKey,omitempty"`

	Error     string `json:"error,omitempty" dynamodbav:"error,omitempty"`
	CreatedAt int64  `json:"createdAt" dynamodbav:"createdAt"`
}

// Total returns the session's aggregate plant count.
func (s *Session) Total() int {
	return s.DetectedCount + s.EstimatedCount
}

// ContainerCategory is the closed category set produced by segmentation.
type ContainerCategory string

const (
	CategoryPlug        ContainerCategory = "plug"
	CategorySeedlingTry ContainerCategory = "seedling-tray"
	CategoryBox         ContainerCategory = "box"
	CategoryPot         ContainerCategory = "pot"
	CategoryGrowingArea ContainerCategory = "growing-area"
)

// IsGrowingArea reports whether the category requires density extrapolation
// on top of direct detection. Every other category is a discrete container
// holding one countable unit or group.
func (c ContainerCategory) IsGrowingArea() bool {
	return c == CategoryGrowingArea
}

// Valid reports whether c is a member of the closed category set.
func (c ContainerCategory) Valid() bool {
	switch c {
	case CategoryPlug, CategorySeedlingTry, CategoryBox, CategoryPot, CategoryGrowingArea:
		return true
	}
	return false
}

// Container is one segmented region within a session's photo. Owned
// exclusively by the session that produced it.
type Container struct {
	ID         string            `json:"id" dynamodbav:"-"`
	SessionID  string            `json:"-" dynamodbav:"-"`
	Category   ContainerCategory `json:"category" dynamodbav:"category"`
	Polygon    geom.Polygon      `json:"polygon" dynamodbav:"polygon"`
	Bounds     image.Rectangle   `json:"bounds" dynamodbav:"bounds"`
	Confidence float64           `json:"confidence" dynamodbav:"confidence"`
}

// Detection is one item-level finding within a container. Coordinates are
// pixels in the full-photo frame.
type Detection struct {
	CenterX          int     `json:"center_x_px" dynamodbav:"centerX"`
	CenterY          int     `json:"center_y_px" dynamodbav:"centerY"`
	Width            int     `json:"width_px" dynamodbav:"width"`
	Height           int     `json:"height_px" dynamodbav:"height"`
	Confidence       float64 `json:"confidence" dynamodbav:"confidence"`
	IsEmptyContainer bool    `json:"is_empty_container" dynamodbav:"isEmptyContainer"`
	IsAlive          bool    `json:"is_alive" dynamodbav:"isAlive"`
}

// Box returns the detection's bounding box.
func (d Detection) Box() image.Rectangle {
	return image.Rect(
		d.CenterX-d.Width/2,
		d.CenterY-d.Height/2,
		d.CenterX-d.Width/2+d.Width,
		d.CenterY-d.Height/2+d.Height,
	)
}

// DetectionFromBox builds a Detection from a bounding box and confidence.
func DetectionFromBox(box image.Rectangle, confidence float64) Detection {
	c := geom.Center(box)
	return Detection{
		CenterX:    c.X,
		CenterY:    c.Y,
		Width:      box.Dx(),
		Height:     box.Dy(),
		Confidence: confidence,
		IsAlive:    true,
	}
}

// CalculationMethod tags how a band estimation derived its item footprint.
type CalculationMethod string

const (
	MethodDirectCalibration CalculationMethod = "direct_calibration"
	MethodStoredCalibration CalculationMethod = "stored_calibration"
)

// Estimation is one band-level density extrapolation within a growing-area
// container.
type Estimation struct {
	BandPolygon       geom.Polygon      `json:"band_polygon" dynamodbav:"bandPolygon"`
	VegetationAreaCm2 float64           `json:"vegetation_area_cm2" dynamodbav:"vegetationAreaCm2"`
	EstimatedCount    int               `json:"estimated_count" dynamodbav:"estimatedCount"`
	Method            CalculationMethod `json:"calculation_method" dynamodbav:"calculationMethod"`
	Confidence        float64           `json:"confidence" dynamodbav:"confidence"`
	UsedCalibration   bool              `json:"used_calibration" dynamodbav:"usedCalibration"`
}

// SubTaskKind routes a container to its processing path.
type SubTaskKind string

const (
	KindDetectOnly        SubTaskKind = "detect-only"
	KindDetectAndEstimate SubTaskKind = "detect-and-estimate"
)

// KindFor returns the sub-task kind for a container category.
func KindFor(c ContainerCategory) SubTaskKind {
	if c.IsGrowingArea() {
		return KindDetectAndEstimate
	}
	return KindDetectOnly
}

// SubTaskState is the terminal state of a dispatched sub-task.
type SubTaskState string

const (
	SubTaskSucceeded SubTaskState = "succeeded"
	SubTaskFailed    SubTaskState = "failed"
)

// SubTask is the transient unit of work dispatched per container. It is not
// persisted beyond the session's lifetime except as the audit trail inside
// the final result payload.
type SubTask struct {
	ID          string       `json:"id"`
	ContainerID string       `json:"containerId"`
	Kind        SubTaskKind  `json:"kind"`
	State       SubTaskState `json:"state,omitempty"`
	Retries     int          `json:"retries"`
	Error       string       `json:"error,omitempty"`
}

// SlotContext is the storage-slot configuration consumed from the
// location/configuration collaborator: what the slot is expected to hold and
// the optional pre-calibrated item footprint used as the band-estimation
// fallback.
type SlotContext struct {
	SlotID          string  `json:"slotId"`
	ExpectedProduct string  `json:"expectedProduct"`
	ExpectedState   string  `json:"expectedState"`
	FootprintCm2    float64 `json:"footprintCm2,omitempty"`
	PxPerCm         float64 `json:"pxPerCm"`
}
