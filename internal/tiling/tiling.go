// Package tiling implements the tiled detection stage. Single-pass detection
// on a high-resolution region under-detects small, dense plants because the
// network input is downscaled; slicing the region into overlapping tiles and
// detecting per tile at native resolution recovers that recall. Detections
// are translated back into region coordinates and merged across tile seams.
package tiling

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/groweye/plantcount/internal/inference"
	"github.com/groweye/plantcount/internal/model"
)

// Config tunes the tiled detection stage. Zero values use the defaults.
type Config struct {
	// TileSize is the square tile edge in pixels. Default 512.
	TileSize int

	// Overlap is the fraction of TileSize shared between neighboring tiles,
	// preventing loss at tile seams. Default 0.25.
	Overlap float64

	// SkipVariance skips tiles whose grayscale pixel variance falls below
	// this threshold; near-uniform background carries no plants. This is a
	// calibrated parameter; zero disables skipping.
	SkipVariance float64

	// MergeIoU groups detections across tile boundaries when their boxes
	// overlap above this value. Default 0.45.
	MergeIoU float64
}

func (c Config) withDefaults() Config {
	if c.TileSize <= 0 {
		c.TileSize = 512
	}
	if c.Overlap <= 0 || c.Overlap >= 1 {
		c.Overlap = 0.25
	}
	if c.MergeIoU <= 0 {
		c.MergeIoU = 0.45
	}
	return c
}

// Stage runs tiled detection over one container region.
type Stage struct {
	detector inference.Detector
	cfg      Config
}

// New creates a tiled detection stage around the given model.
func New(detector inference.Detector, cfg Config) *Stage {
	return &Stage{detector: detector, cfg: cfg.withDefaults()}
}

// SubImager is the subset of image types that can share pixels with a crop.
// The stdlib raster types all implement it.
type SubImager interface {
	image.Image
	SubImage(r image.Rectangle) image.Image
}

// Run detects items within the container region of the photo and returns the
// merged detections in full-photo coordinates.
func (s *Stage) Run(ctx context.Context, photo SubImager, region image.Rectangle) ([]model.Detection, error) {
	start := time.Now()
	region = region.Intersect(photo.Bounds())
	if region.Empty() {
		return nil, nil
	}

	tiles := Grid(region, s.cfg.TileSize, s.cfg.Overlap)

	var raw []candidate
	skipped := 0
	for _, tile := range tiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		crop := photo.SubImage(tile)
		if s.cfg.SkipVariance > 0 && grayVariance(crop) < s.cfg.SkipVariance {
			skipped++
			continue
		}

		dets, err := s.detector.Detect(ctx, crop)
		if err != nil {
			return nil, fmt.Errorf("detect tile %v: %w", tile, err)
		}
		for _, d := range dets {
			// SubImage crops keep photo coordinates, but detectors report
			// tile-local boxes; translate back by the tile origin.
			raw = append(raw, candidate{
				box:        d.Box.Add(tile.Min),
				confidence: d.Confidence,
				class:      d.Class,
			})
		}
	}

	merged := mergeCandidates(raw, s.cfg.MergeIoU)

	log.Debug().
		Int("tiles", len(tiles)).
		Int("skipped", skipped).
		Int("raw", len(raw)).
		Int("merged", len(merged)).
		Dur("elapsed", time.Since(start)).
		Msg("Tiled detection complete")
	return merged, nil
}

// Grid slices the region into square tiles of the given size with the given
// overlap fraction between neighbors. Tiles at the right and bottom edges are
// clamped to the region, so every pixel is covered exactly. A region smaller
// than one tile yields a single region-sized tile.
func Grid(region image.Rectangle, tileSize int, overlap float64) []image.Rectangle {
	stride := int(float64(tileSize) * (1 - overlap))
	if stride <= 0 {
		stride = tileSize
	}

	var tiles []image.Rectangle
	for y := region.Min.Y; ; y += stride {
		if y+tileSize > region.Max.Y {
			y = region.Max.Y - tileSize
			if y < region.Min.Y {
				y = region.Min.Y
			}
		}
		for x := region.Min.X; ; x += stride {
			if x+tileSize > region.Max.X {
				x = region.Max.X - tileSize
				if x < region.Min.X {
					x = region.Min.X
				}
			}
			tiles = append(tiles, image.Rect(x, y, min(x+tileSize, region.Max.X), min(y+tileSize, region.Max.Y)))
			if x+tileSize >= region.Max.X {
				break
			}
		}
		if y+tileSize >= region.Max.Y {
			break
		}
	}
	return tiles
}

// grayVariance computes the grayscale pixel variance of an image, sampling
// every fourth pixel in each direction. Near-zero variance marks uniform
// background (bare floor, black ground cloth).
func grayVariance(img image.Image) float64 {
	b := img.Bounds()
	var sum, sumSq float64
	n := 0
	for y := b.Min.Y; y < b.Max.Y; y += 4 {
		for x := b.Min.X; x < b.Max.X; x += 4 {
			r, g, bl, _ := img.At(x, y).RGBA()
			gray := (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)) / 257
			sum += gray
			sumSq += gray * gray
			n++
		}
	}
	if n == 0 {
		return 0
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}
