// Package annotate renders the session's findings back onto the source photo
// for human review: container outlines colored by category, detection boxes,
// and the band boundaries used for density estimation. The output is a
// downscaled JPEG suitable for dashboard display.
package annotate

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	xdraw "golang.org/x/image/draw"

	"github.com/groweye/plantcount/internal/geom"
	"github.com/groweye/plantcount/internal/model"
)

// DefaultMaxEdge is the long-edge pixel size of the rendered output.
const DefaultMaxEdge = 1280

const jpegQuality = 80

// Overlay collects everything drawn on top of the photo. Coordinates are in
// the full-photo frame; Render handles the downscale.
type Overlay struct {
	Containers []model.Container
	Detections []model.Detection
	Bands      []geom.Polygon
}

var categoryColors = map[model.ContainerCategory]color.RGBA{
	model.CategoryPlug:        {R: 64, G: 156, B: 255, A: 255},
	model.CategorySeedlingTry: {R: 255, G: 196, B: 0, A: 255},
	model.CategoryBox:         {R: 196, G: 112, B: 255, A: 255},
	model.CategoryPot:         {R: 255, G: 128, B: 64, A: 255},
	model.CategoryGrowingArea: {R: 0, G: 200, B: 120, A: 255},
}

var (
	detectionColor = color.RGBA{R: 255, G: 60, B: 60, A: 255}
	emptyColor     = color.RGBA{R: 160, G: 160, B: 160, A: 255}
	bandColor      = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// Render downscales the photo to maxEdge on its long side (0 selects
// DefaultMaxEdge), draws the overlay, and encodes the result as JPEG.
func Render(photo image.Image, ov Overlay, maxEdge int) ([]byte, error) {
	if maxEdge <= 0 {
		maxEdge = DefaultMaxEdge
	}
	src := photo.Bounds()
	scale := 1.0
	if long := max(src.Dx(), src.Dy()); long > maxEdge {
		scale = float64(maxEdge) / float64(long)
	}

	dst := image.NewRGBA(image.Rect(0, 0,
		int(float64(src.Dx())*scale), int(float64(src.Dy())*scale)))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), photo, src, xdraw.Src, nil)

	for _, band := range ov.Bands {
		drawPolygon(dst, band, scale, bandColor)
	}
	for _, c := range ov.Containers {
		col, ok := categoryColors[c.Category]
		if !ok {
			col = bandColor
		}
		drawPolygon(dst, c.Polygon, scale, col)
	}
	for _, d := range ov.Detections {
		col := detectionColor
		if d.IsEmptyContainer || !d.IsAlive {
			col = emptyColor
		}
		drawRect(dst, d.Box(), scale, col)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode annotated photo: %w", err)
	}
	return buf.Bytes(), nil
}

func drawPolygon(dst *image.RGBA, p geom.Polygon, scale float64, col color.RGBA) {
	if len(p) < 2 {
		return
	}
	for i := range p {
		a := scalePoint(p[i], scale)
		b := scalePoint(p[(i+1)%len(p)], scale)
		drawLine(dst, a, b, col)
	}
}

func drawRect(dst *image.RGBA, r image.Rectangle, scale float64, col color.RGBA) {
	a := scalePoint(r.Min, scale)
	b := scalePoint(r.Max, scale)
	drawLine(dst, a, image.Pt(b.X, a.Y), col)
	drawLine(dst, image.Pt(b.X, a.Y), b, col)
	drawLine(dst, b, image.Pt(a.X, b.Y), col)
	drawLine(dst, image.Pt(a.X, b.Y), a, col)
}

func scalePoint(p image.Point, scale float64) image.Point {
	return image.Pt(int(float64(p.X)*scale), int(float64(p.Y)*scale))
}

// drawLine rasterizes a 2px-wide segment with Bresenham's algorithm.
func drawLine(dst *image.RGBA, a, b image.Point, col color.RGBA) {
	dx := abs(b.X - a.X)
	dy := -abs(b.Y - a.Y)
	sx, sy := 1, 1
	if a.X > b.X {
		sx = -1
	}
	if a.Y > b.Y {
		sy = -1
	}
	err := dx + dy

	x, y := a.X, a.Y
	for {
		setPx(dst, x, y, col)
		setPx(dst, x+1, y, col)
		setPx(dst, x, y+1, col)
		if x == b.X && y == b.Y {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x += sx
		}
		if e2 <= dx {
			err += dx
			y += sy
		}
	}
}

func setPx(dst *image.RGBA, x, y int, col color.RGBA) {
	if image.Pt(x, y).In(dst.Bounds()) {
		dst.SetRGBA(x, y, col)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
