package segment

import (
	"image"

	"github.com/groweye/plantcount/internal/geom"
	"github.com/groweye/plantcount/internal/model"
)

// Geometric classification thresholds, derived from greenhouse photo
// calibration sets. Area ratios are region area over full-photo area.
const (
	growingAreaMinRatio = 0.20  // large regions are growing beds
	segmentMinRatio     = 0.08  // long, narrow regions at lower ratios are bed segments
	segmentMinAspect    = 2.5   // width/height that marks a bed segment
	plugMaxRatio        = 0.004 // plugs are tiny
	potMaxRatio         = 0.02  // pots are small and square-ish
	trayMinAspect       = 1.4   // trays are wider than tall
	squareAspectLow     = 0.7   // square-ish band for pots and boxes
	squareAspectHigh    = 1.4
)

// classify assigns a container category from region geometry: area relative
// to the photo, aspect ratio, and vertical position. The category set is
// closed; anything that matches no discrete shape falls back to box.
func classify(region image.Rectangle, photo image.Rectangle) model.ContainerCategory {
	photoArea := float64(geom.Area(photo))
	if photoArea == 0 {
		return model.CategoryBox
	}
	ratio := float64(geom.Area(region)) / photoArea
	aspect := geom.AspectRatio(region)

	switch {
	case ratio >= growingAreaMinRatio:
		return model.CategoryGrowingArea
	case ratio >= segmentMinRatio && aspect >= segmentMinAspect:
		// Long horizontal band: a bed segment, counted as a growing area.
		return model.CategoryGrowingArea
	case ratio <= plugMaxRatio:
		return model.CategoryPlug
	case ratio <= potMaxRatio && aspect >= squareAspectLow && aspect <= squareAspectHigh:
		return model.CategoryPot
	case aspect >= trayMinAspect:
		return model.CategorySeedlingTry
	default:
		return model.CategoryBox
	}
}
