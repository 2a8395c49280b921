// Package geom provides the pixel-space geometry primitives shared by the
// segmentation, tiling, and band-estimation stages: rectangle overlap math,
// polygons with rasterization, and binary masks with the morphological
// operations used for mask cleanup.
package geom

import "image"

// IoU returns the intersection-over-union of two rectangles in [0, 1].
// Empty or non-overlapping rectangles yield 0.
func IoU(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	interArea := float64(inter.Dx() * inter.Dy())
	unionArea := float64(a.Dx()*a.Dy()+b.Dx()*b.Dy()) - interArea
	if unionArea <= 0 {
		return 0
	}
	return interArea / unionArea
}

// Containment returns the intersection area over the smaller rectangle's
// area, in [0, 1]. A box truncated at a tile seam scores near 1 against the
// full box even when plain IoU is low.
func Containment(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	smaller := Area(a)
	if Area(b) < smaller {
		smaller = Area(b)
	}
	if smaller <= 0 {
		return 0
	}
	return float64(Area(inter)) / float64(smaller)
}

// Center returns the center point of the rectangle.
func Center(r image.Rectangle) image.Point {
	return image.Pt(r.Min.X+r.Dx()/2, r.Min.Y+r.Dy()/2)
}

// Area returns the rectangle area in px².
func Area(r image.Rectangle) int {
	if r.Empty() {
		return 0
	}
	return r.Dx() * r.Dy()
}

// AspectRatio returns width/height, or 0 for a degenerate rectangle.
func AspectRatio(r image.Rectangle) float64 {
	if r.Dy() == 0 {
		return 0
	}
	return float64(r.Dx()) / float64(r.Dy())
}
