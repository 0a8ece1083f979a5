package backend

import (
	"image"

	"golang.org/x/image/math/f64"
)

// Transform is an output transform (wl_output_transform): a rotation
// counter-clockwise in steps of 90 degrees, optionally after a flip
// around the vertical axis.
type Transform int

const (
	TransformNormal Transform = iota
	Transform90
	Transform180
	Transform270
	TransformFlipped
	TransformFlipped90
	TransformFlipped180
	TransformFlipped270
)

func (t Transform) String() string {
	return [...]string{
		"normal", "90", "180", "270",
		"flipped", "flipped-90", "flipped-180", "flipped-270",
	}[t&7]
}

// Invert returns the transform undoing t.
func (t Transform) Invert() Transform {
	switch t {
	case Transform90:
		return Transform270
	case Transform270:
		return Transform90
	}
	return t
}

// swapsAxes reports whether t exchanges width and height.
func (t Transform) swapsAxes() bool {
	return t&1 != 0
}

// Box maps the rectangle r, inside a width x height area, through t.
func (t Transform) Box(r image.Rectangle, width, height int) image.Rectangle {
	x, y := r.Min.X, r.Min.Y
	w, h := r.Dx(), r.Dy()

	switch t {
	case Transform90:
		x, y = r.Min.Y, width-r.Min.X-w
	case Transform180:
		x, y = width-r.Min.X-w, height-r.Min.Y-h
	case Transform270:
		x, y = height-r.Min.Y-h, r.Min.X
	case TransformFlipped:
		x = width - r.Min.X - w
	case TransformFlipped90:
		x, y = r.Min.Y, r.Min.X
	case TransformFlipped180:
		y = height - r.Min.Y - h
	case TransformFlipped270:
		x, y = height-r.Min.Y-h, width-r.Min.X-w
	}

	if t.swapsAxes() {
		w, h = h, w
	}
	return image.Rect(x, y, x+w, y+h)
}

// Point maps a point inside a width x height area through t.
func (t Transform) Point(p image.Point, width, height int) image.Point {
	return t.Box(image.Rectangle{Min: p, Max: p}, width, height).Min
}

// Matrix returns the affine transform mapping a w x h image through t,
// with the result anchored at the origin.
func (t Transform) Matrix(w, h int) f64.Aff3 {
	fw, fh := float64(w), float64(h)
	switch t {
	case Transform90:
		return f64.Aff3{0, 1, 0, -1, 0, fw}
	case Transform180:
		return f64.Aff3{-1, 0, fw, 0, -1, fh}
	case Transform270:
		return f64.Aff3{0, -1, fh, 1, 0, 0}
	case TransformFlipped:
		return f64.Aff3{-1, 0, fw, 0, 1, 0}
	case TransformFlipped90:
		return f64.Aff3{0, 1, 0, 1, 0, 0}
	case TransformFlipped180:
		return f64.Aff3{1, 0, 0, 0, -1, fh}
	case TransformFlipped270:
		return f64.Aff3{0, -1, fh, -1, 0, fw}
	}
	return f64.Aff3{1, 0, 0, 0, 1, 0}
}

// transformedSize returns the size of a width x height area after t.
func transformedSize(t Transform, width, height int) (int, int) {
	if t.swapsAxes() {
		return height, width
	}
	return width, height
}
