package geom

import "image"

// Mask is a binary raster over a bounding rectangle. Set pixels mark
// foreground. The zero value is an empty mask.
type Mask struct {
	Rect image.Rectangle
	bits []bool
}

// NewMask returns an all-background mask covering r.
func NewMask(r image.Rectangle) *Mask {
	return &Mask{Rect: r, bits: make([]bool, Area(r))}
}

func (m *Mask) index(x, y int) int {
	return (y-m.Rect.Min.Y)*m.Rect.Dx() + (x - m.Rect.Min.X)
}

// Get reports whether the pixel at (x, y) is foreground. Out-of-bounds
// coordinates are background.
func (m *Mask) Get(x, y int) bool {
	if !image.Pt(x, y).In(m.Rect) {
		return false
	}
	return m.bits[m.index(x, y)]
}

// Set marks the pixel at (x, y) as foreground or background. Out-of-bounds
// coordinates are ignored.
func (m *Mask) Set(x, y int, v bool) {
	if !image.Pt(x, y).In(m.Rect) {
		return
	}
	m.bits[m.index(x, y)] = v
}

// Count returns the number of foreground pixels.
func (m *Mask) Count() int {
	n := 0
	for _, b := range m.bits {
		if b {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the mask.
func (m *Mask) Clone() *Mask {
	out := NewMask(m.Rect)
	copy(out.bits, m.bits)
	return out
}

// Dilate returns the mask grown by one pixel in the four cardinal directions.
func (m *Mask) Dilate() *Mask {
	out := NewMask(m.Rect)
	for y := m.Rect.Min.Y; y < m.Rect.Max.Y; y++ {
		for x := m.Rect.Min.X; x < m.Rect.Max.X; x++ {
			if m.Get(x, y) || m.Get(x-1, y) || m.Get(x+1, y) || m.Get(x, y-1) || m.Get(x, y+1) {
				out.Set(x, y, true)
			}
		}
	}
	return out
}

// Erode returns the mask shrunk by one pixel; a pixel survives only if it and
// its four cardinal neighbors are all foreground. Neighbors outside the mask
// rect count as background, so the mask border always erodes.
func (m *Mask) Erode() *Mask {
	out := NewMask(m.Rect)
	for y := m.Rect.Min.Y; y < m.Rect.Max.Y; y++ {
		for x := m.Rect.Min.X; x < m.Rect.Max.X; x++ {
			if m.Get(x, y) && m.Get(x-1, y) && m.Get(x+1, y) && m.Get(x, y-1) && m.Get(x, y+1) {
				out.Set(x, y, true)
			}
		}
	}
	return out
}

// Close performs a morphological close (dilate then erode), smoothing jagged
// mask edges and bridging single-pixel gaps.
func (m *Mask) Close() *Mask {
	return m.Dilate().Erode()
}

// FillHoles fills background regions not connected to the mask border,
// closing interior holes left by specular highlights or occlusions.
func (m *Mask) FillHoles() *Mask {
	// Flood-fill background from the border; anything unreached is a hole.
	reach := NewMask(m.Rect)
	var stack []image.Point
	push := func(x, y int) {
		if image.Pt(x, y).In(m.Rect) && !m.Get(x, y) && !reach.Get(x, y) {
			reach.Set(x, y, true)
			stack = append(stack, image.Pt(x, y))
		}
	}
	for x := m.Rect.Min.X; x < m.Rect.Max.X; x++ {
		push(x, m.Rect.Min.Y)
		push(x, m.Rect.Max.Y-1)
	}
	for y := m.Rect.Min.Y; y < m.Rect.Max.Y; y++ {
		push(m.Rect.Min.X, y)
		push(m.Rect.Max.X-1, y)
	}
	for len(stack) > 0 {
		pt := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		push(pt.X-1, pt.Y)
		push(pt.X+1, pt.Y)
		push(pt.X, pt.Y-1)
		push(pt.X, pt.Y+1)
	}

	out := NewMask(m.Rect)
	for y := m.Rect.Min.Y; y < m.Rect.Max.Y; y++ {
		for x := m.Rect.Min.X; x < m.Rect.Max.X; x++ {
			out.Set(x, y, m.Get(x, y) || !reach.Get(x, y))
		}
	}
	return out
}

// ForegroundPoints returns every foreground pixel coordinate.
func (m *Mask) ForegroundPoints() []image.Point {
	var pts []image.Point
	for y := m.Rect.Min.Y; y < m.Rect.Max.Y; y++ {
		for x := m.Rect.Min.X; x < m.Rect.Max.X; x++ {
			if m.Get(x, y) {
				pts = append(pts, image.Pt(x, y))
			}
		}
	}
	return pts
}

// TightBounds returns the smallest rectangle containing all foreground
// pixels, or the zero rectangle for an empty mask.
func (m *Mask) TightBounds() image.Rectangle {
	var r image.Rectangle
	first := true
	for y := m.Rect.Min.Y; y < m.Rect.Max.Y; y++ {
		for x := m.Rect.Min.X; x < m.Rect.Max.X; x++ {
			if !m.Get(x, y) {
				continue
			}
			px := image.Rect(x, y, x+1, y+1)
			if first {
				r = px
				first = false
			} else {
				r = r.Union(px)
			}
		}
	}
	return r
}
