// Package band implements the band estimation stage: perspective-bucketed
// density extrapolation for growing-area containers where individual
// detection is infeasible. The container is partitioned into horizontal
// bands ordered near-camera to far-camera; per band, vegetation area not
// already claimed by direct detections is divided by a characteristic item
// footprint to extrapolate a count.
package band

import (
	"context"
	"image"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/groweye/plantcount/internal/geom"
	"github.com/groweye/plantcount/internal/model"
)

// Config tunes the band estimation stage. Zero values use the defaults.
type Config struct {
	// Bands is the number of perspective-ordered horizontal bands. Default 4.
	Bands int

	// Alpha is the conservative overcount-correction constant applied to the
	// raw area ratio; canopy overlap inflates raw vegetation area. Default 0.9.
	Alpha float64

	// MinCalibrationSamples is the minimum number of in-band direct
	// detections required to auto-calibrate the item footprint from them.
	// Default 3.
	MinCalibrationSamples int

	// BaseConfidence is the estimation confidence when the stored slot
	// calibration was used. Default 0.70.
	BaseConfidence float64

	// CalibratedConfidence applies when the footprint was auto-calibrated
	// from the band's own detections. Default 0.85.
	CalibratedConfidence float64

	// Vegetation overrides the vegetation filter thresholds.
	Vegetation VegetationFilter
}

func (c Config) withDefaults() Config {
	if c.Bands <= 0 {
		c.Bands = 4
	}
	if c.Alpha <= 0 {
		c.Alpha = 0.9
	}
	if c.MinCalibrationSamples <= 0 {
		c.MinCalibrationSamples = 3
	}
	if c.BaseConfidence <= 0 {
		c.BaseConfidence = 0.70
	}
	if c.CalibratedConfidence <= 0 {
		c.CalibratedConfidence = 0.85
	}
	c.Vegetation = c.Vegetation.withDefaults()
	return c
}

// Stage runs band estimation for growing-area containers.
type Stage struct {
	cfg Config
}

// New creates a band estimation stage.
func New(cfg Config) *Stage {
	return &Stage{cfg: cfg.withDefaults()}
}

// Run estimates counts for the area of the container not covered by direct
// detections. detections are this container's own tiled-detection output in
// photo coordinates. Returns one estimation per band, ordered near-camera
// (photo bottom) to far-camera (photo top). Bands with no available item
// footprint are skipped rather than guessed.
func (s *Stage) Run(ctx context.Context, photo image.Image, container model.Container, detections []model.Detection, slot model.SlotContext) ([]model.Estimation, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	region := container.Bounds.Intersect(photo.Bounds())
	if region.Empty() || slot.PxPerCm <= 0 {
		return nil, nil
	}
	pxPerCm2 := slot.PxPerCm * slot.PxPerCm

	veg := vegetationMask(photo, region, container.Polygon, s.cfg.Vegetation)

	// Remove area already claimed by direct detections; estimation never
	// counts pixels a detection already covered.
	for _, d := range detections {
		clearRect(veg, d.Box())
	}

	bands := splitBands(region, s.cfg.Bands)
	estimations := make([]model.Estimation, 0, len(bands))
	for i, bandRect := range bands {
		vegPx := countIn(veg, bandRect)
		vegCm2 := float64(vegPx) / pxPerCm2

		footprintPx, method, calibrated := s.footprint(bandRect, detections, slot, pxPerCm2)
		if footprintPx <= 0 {
			log.Warn().
				Str("containerId", container.ID).
				Int("band", i).
				Msg("No item footprint available for band, skipping estimation")
			continue
		}

		count := int(math.Round(float64(vegPx) / footprintPx * s.cfg.Alpha))
		confidence := s.cfg.BaseConfidence
		if calibrated {
			confidence = s.cfg.CalibratedConfidence
		}

		estimations = append(estimations, model.Estimation{
			BandPolygon:       geom.RectPolygon(bandRect),
			VegetationAreaCm2: vegCm2,
			EstimatedCount:    count,
			Method:            method,
			Confidence:        confidence,
			UsedCalibration:   !calibrated,
		})
	}

	log.Debug().
		Str("containerId", container.ID).
		Int("bands", len(estimations)).
		Dur("elapsed", time.Since(start)).
		Msg("Band estimation complete")
	return estimations, nil
}

// footprint determines the characteristic item-footprint size for a band in
// px²: the mean area of the band's own direct detections when enough samples
// exist, else the stored slot calibration. Returns 0 when neither is available.
func (s *Stage) footprint(band image.Rectangle, detections []model.Detection, slot model.SlotContext, pxPerCm2 float64) (float64, model.CalculationMethod, bool) {
	var sum, n float64
	for _, d := range detections {
		if image.Pt(d.CenterX, d.CenterY).In(band) {
			sum += float64(d.Width * d.Height)
			n++
		}
	}
	if int(n) >= s.cfg.MinCalibrationSamples && sum > 0 {
		return sum / n, model.MethodDirectCalibration, true
	}
	if slot.FootprintCm2 > 0 {
		return slot.FootprintCm2 * pxPerCm2, model.MethodStoredCalibration, false
	}
	return 0, "", false
}

// splitBands partitions the region into n horizontal bands ordered
// near-camera first: the photo bottom is nearest the camera, so bands run
// bottom to top. The last (farthest) band absorbs rounding slack.
func splitBands(region image.Rectangle, n int) []image.Rectangle {
	h := region.Dy() / n
	if h == 0 {
		return []image.Rectangle{region}
	}
	bands := make([]image.Rectangle, 0, n)
	for i := 0; i < n; i++ {
		bottom := region.Max.Y - i*h
		top := bottom - h
		if i == n-1 {
			top = region.Min.Y
		}
		bands = append(bands, image.Rect(region.Min.X, top, region.Max.X, bottom))
	}
	return bands
}
