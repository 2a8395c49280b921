package band

import (
	"image"

	"github.com/groweye/plantcount/internal/geom"
)

// VegetationFilter holds the foreground/background thresholds that separate
// canopy pixels from soil and floor. Zero values use the defaults.
type VegetationFilter struct {
	// MinLuminance rejects shadow pixels (0-1). Default 0.12.
	MinLuminance float64

	// MinSaturation rejects gray floor and dry soil (0-1). Default 0.20.
	MinSaturation float64

	// HueLow/HueHigh bound the vegetation hue range in degrees.
	// Defaults 60-180 (yellow-green through cyan-green).
	HueLow  float64
	HueHigh float64
}

func (f VegetationFilter) withDefaults() VegetationFilter {
	if f.MinLuminance <= 0 {
		f.MinLuminance = 0.12
	}
	if f.MinSaturation <= 0 {
		f.MinSaturation = 0.20
	}
	if f.HueLow <= 0 {
		f.HueLow = 60
	}
	if f.HueHigh <= 0 {
		f.HueHigh = 180
	}
	return f
}

// vegetationMask marks region pixels that look like living canopy: bright
// enough to not be shadow, saturated enough to not be soil or floor, and
// within the vegetation hue range. Pixels outside the container polygon are
// background.
func vegetationMask(photo image.Image, region image.Rectangle, polygon geom.Polygon, f VegetationFilter) *geom.Mask {
	mask := geom.NewMask(region)
	for y := region.Min.Y; y < region.Max.Y; y++ {
		for x := region.Min.X; x < region.Max.X; x++ {
			if len(polygon) >= 3 && !polygon.Contains(image.Pt(x, y)) {
				continue
			}
			r, g, b, _ := photo.At(x, y).RGBA()
			h, s, v := rgbToHSV(float64(r)/65535, float64(g)/65535, float64(b)/65535)
			if v >= f.MinLuminance && s >= f.MinSaturation && h >= f.HueLow && h <= f.HueHigh {
				mask.Set(x, y, true)
			}
		}
	}
	return mask
}

// rgbToHSV converts normalized RGB (0-1) to hue in degrees, saturation, and
// value.
func rgbToHSV(r, g, b float64) (h, s, v float64) {
	maxC := r
	if g > maxC {
		maxC = g
	}
	if b > maxC {
		maxC = b
	}
	minC := r
	if g < minC {
		minC = g
	}
	if b < minC {
		minC = b
	}

	v = maxC
	delta := maxC - minC
	if maxC > 0 {
		s = delta / maxC
	}
	if delta == 0 {
		return 0, s, v
	}

	switch maxC {
	case r:
		h = 60 * ((g - b) / delta)
	case g:
		h = 60 * ((b-r)/delta + 2)
	default:
		h = 60 * ((r-g)/delta + 4)
	}
	if h < 0 {
		h += 360
	}
	return h, s, v
}

// clearRect marks every mask pixel under r as background.
func clearRect(m *geom.Mask, r image.Rectangle) {
	clipped := r.Intersect(m.Rect)
	for y := clipped.Min.Y; y < clipped.Max.Y; y++ {
		for x := clipped.Min.X; x < clipped.Max.X; x++ {
			m.Set(x, y, false)
		}
	}
}

// countIn returns the number of foreground pixels inside r.
func countIn(m *geom.Mask, r image.Rectangle) int {
	clipped := r.Intersect(m.Rect)
	n := 0
	for y := clipped.Min.Y; y < clipped.Max.Y; y++ {
		for x := clipped.Min.X; x < clipped.Max.X; x++ {
			if m.Get(x, y) {
				n++
			}
		}
	}
	return n
}
