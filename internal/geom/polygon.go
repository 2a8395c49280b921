package geom

import (
	"image"
	"sort"
)

// Polygon is a closed polygon in pixel space. Vertices are stored in order;
// the edge from the last vertex back to the first is implicit.
type Polygon []image.Point

// Area returns the enclosed area in px² using the shoelace formula.
func (p Polygon) Area() float64 {
	if len(p) < 3 {
		return 0
	}
	sum := 0
	for i := range p {
		j := (i + 1) % len(p)
		sum += p[i].X*p[j].Y - p[j].X*p[i].Y
	}
	if sum < 0 {
		sum = -sum
	}
	return float64(sum) / 2
}

// Bounds returns the axis-aligned bounding box of the polygon.
func (p Polygon) Bounds() image.Rectangle {
	if len(p) == 0 {
		return image.Rectangle{}
	}
	r := image.Rectangle{Min: p[0], Max: p[0].Add(image.Pt(1, 1))}
	for _, pt := range p[1:] {
		if pt.X < r.Min.X {
			r.Min.X = pt.X
		}
		if pt.Y < r.Min.Y {
			r.Min.Y = pt.Y
		}
		if pt.X >= r.Max.X {
			r.Max.X = pt.X + 1
		}
		if pt.Y >= r.Max.Y {
			r.Max.Y = pt.Y + 1
		}
	}
	return r
}

// Contains reports whether the point lies inside the polygon, using the
// even-odd ray casting rule. Points exactly on an edge may fall either way;
// callers working at pixel granularity don't depend on edge cases.
func (p Polygon) Contains(pt image.Point) bool {
	if len(p) < 3 {
		return false
	}
	inside := false
	j := len(p) - 1
	for i := 0; i < len(p); i++ {
		pi, pj := p[i], p[j]
		if (pi.Y > pt.Y) != (pj.Y > pt.Y) {
			xCross := float64(pj.X-pi.X)*float64(pt.Y-pi.Y)/float64(pj.Y-pi.Y) + float64(pi.X)
			if float64(pt.X) < xCross {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// Translate returns a copy of the polygon shifted by the given offset.
func (p Polygon) Translate(off image.Point) Polygon {
	out := make(Polygon, len(p))
	for i, pt := range p {
		out[i] = pt.Add(off)
	}
	return out
}

// ConvexHull returns the convex hull of the given points using Andrew's
// monotone chain. The input slice is not modified. Returns nil for fewer
// than three distinct points.
func ConvexHull(points []image.Point) Polygon {
	if len(points) < 3 {
		return nil
	}
	pts := make([]image.Point, len(points))
	copy(pts, points)
	sort.Slice(pts, func(i, j int) bool {
		if pts[i].X != pts[j].X {
			return pts[i].X < pts[j].X
		}
		return pts[i].Y < pts[j].Y
	})

	cross := func(o, a, b image.Point) int {
		return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
	}

	var hull []image.Point
	// Lower hull.
	for _, pt := range pts {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], pt) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, pt)
	}
	// Upper hull.
	lower := len(hull) + 1
	for i := len(pts) - 2; i >= 0; i-- {
		pt := pts[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], pt) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, pt)
	}
	hull = hull[:len(hull)-1]
	if len(hull) < 3 {
		return nil
	}
	return Polygon(hull)
}

// RectPolygon returns the polygon tracing the given rectangle clockwise.
func RectPolygon(r image.Rectangle) Polygon {
	return Polygon{
		r.Min,
		image.Pt(r.Max.X, r.Min.Y),
		r.Max,
		image.Pt(r.Min.X, r.Max.Y),
	}
}
