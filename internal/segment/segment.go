// Package segment implements the segmentation stage: it runs instance
// segmentation over the full photo at a fixed inference resolution, cleans
// the returned masks, and classifies each region into the closed container
// category set.
package segment

import (
	"context"
	"fmt"
	"image"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	xdraw "golang.org/x/image/draw"

	"github.com/groweye/plantcount/internal/geom"
	"github.com/groweye/plantcount/internal/inference"
	"github.com/groweye/plantcount/internal/jobs"
	"github.com/groweye/plantcount/internal/model"
)

// Config tunes the segmentation stage. Zero values use the defaults.
type Config struct {
	// InferenceLongEdge is the long-edge resolution the photo is downscaled
	// to before inference. Default 1024.
	InferenceLongEdge int

	// ConfThreshold drops region proposals below this confidence. Default 0.30.
	ConfThreshold float64

	// IoUThreshold merges duplicate proposals overlapping above this value.
	// Default 0.50.
	IoUThreshold float64
}

func (c Config) withDefaults() Config {
	if c.InferenceLongEdge <= 0 {
		c.InferenceLongEdge = 1024
	}
	if c.ConfThreshold <= 0 {
		c.ConfThreshold = 0.30
	}
	if c.IoUThreshold <= 0 {
		c.IoUThreshold = 0.50
	}
	return c
}

// Stage runs segmentation for one photo.
type Stage struct {
	segmenter inference.Segmenter
	cfg       Config
}

// New creates a segmentation stage around the given model.
func New(segmenter inference.Segmenter, cfg Config) *Stage {
	return &Stage{segmenter: segmenter, cfg: cfg.withDefaults()}
}

// Run segments the photo into an ordered list of containers. Zero containers
// is a valid empty result; an error is returned only when inference itself
// fails (unreadable input).
func (s *Stage) Run(ctx context.Context, sessionID string, photo image.Image) ([]model.Container, error) {
	start := time.Now()
	bounds := photo.Bounds()

	scaled, scale := downscale(photo, s.cfg.InferenceLongEdge)
	regions, err := s.segmenter.Segment(ctx, scaled)
	if err != nil {
		return nil, fmt.Errorf("segment photo: %w", err)
	}

	var containers []model.Container
	for _, region := range regions {
		if region.Confidence < s.cfg.ConfThreshold {
			continue
		}

		// Morphological smoothing plus hole filling before any geometry is
		// derived from the mask.
		mask := region.Mask.Close().FillHoles()
		pts := mask.ForegroundPoints()
		if len(pts) == 0 {
			continue
		}

		hull := geom.ConvexHull(pts)
		if hull == nil {
			continue
		}
		polygon := upscalePolygon(hull, scale)
		box := polygon.Bounds().Intersect(bounds)
		if box.Empty() {
			continue
		}

		containers = append(containers, model.Container{
			ID:         jobs.GenerateID("cont-"),
			SessionID:  sessionID,
			Category:   classify(box, bounds),
			Polygon:    polygon,
			Bounds:     box,
			Confidence: region.Confidence,
		})
	}

	containers = dedupe(containers, s.cfg.IoUThreshold)

	// Deterministic ordering: photo scan order, top-left first.
	sort.Slice(containers, func(i, j int) bool {
		if containers[i].Bounds.Min.Y != containers[j].Bounds.Min.Y {
			return containers[i].Bounds.Min.Y < containers[j].Bounds.Min.Y
		}
		return containers[i].Bounds.Min.X < containers[j].Bounds.Min.X
	})

	log.Info().
		Str("sessionId", sessionID).
		Int("proposals", len(regions)).
		Int("containers", len(containers)).
		Dur("elapsed", time.Since(start)).
		Msg("Segmentation complete")
	return containers, nil
}

// dedupe keeps the highest-confidence container out of any overlapping group.
func dedupe(containers []model.Container, iouThreshold float64) []model.Container {
	sort.Slice(containers, func(i, j int) bool {
		return containers[i].Confidence > containers[j].Confidence
	})
	var kept []model.Container
	for _, c := range containers {
		dup := false
		for _, k := range kept {
			if geom.IoU(c.Bounds, k.Bounds) > iouThreshold {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, c)
		}
	}
	return kept
}

// downscale resizes the photo so its long edge matches longEdge, returning
// the scaled image and the factor that maps scaled coordinates back to the
// original frame. Photos already at or below the target are passed through.
func downscale(img image.Image, longEdge int) (image.Image, float64) {
	b := img.Bounds()
	long := b.Dx()
	if b.Dy() > long {
		long = b.Dy()
	}
	if long <= longEdge {
		return img, 1
	}

	scale := float64(long) / float64(longEdge)
	dst := image.NewRGBA(image.Rect(0, 0,
		int(float64(b.Dx())/scale), int(float64(b.Dy())/scale)))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)
	return dst, scale
}

func upscalePolygon(p geom.Polygon, scale float64) geom.Polygon {
	if scale == 1 {
		return p
	}
	out := make(geom.Polygon, len(p))
	for i, pt := range p {
		out[i] = image.Pt(int(float64(pt.X)*scale), int(float64(pt.Y)*scale))
	}
	return out
}
