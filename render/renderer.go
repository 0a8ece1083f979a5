package render

import (
	"image"
	"image/color"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Renderer is a CPU renderer drawing into the back buffer of the
// current swapchain. One renderer exists per device.
type Renderer struct {
	alloc   Allocator
	current *Swapchain
	target  *BGRA
	clip    image.Rectangle
}

func NewRenderer(alloc Allocator) (*Renderer, error) {
	if alloc == nil {
		return nil, errors.New("renderer needs an allocator")
	}
	return &Renderer{alloc: alloc}, nil
}

func (r *Renderer) Allocator() Allocator { return r.alloc }

// MakeCurrent binds sc as the draw target, nil unbinds.
func (r *Renderer) MakeCurrent(sc *Swapchain) error {
	r.current = sc
	r.target = nil
	return nil
}

// Current returns the bound swapchain.
func (r *Renderer) Current() *Swapchain { return r.current }

// Begin starts drawing a width x height frame into the back buffer.
func (r *Renderer) Begin(width, height int) error {
	if r.current == nil {
		return ErrNotCurrent
	}
	buf, err := r.current.Back()
	if err != nil {
		return err
	}
	r.target = buf.Image()
	r.clip = image.Rect(0, 0, width, height).Intersect(r.target.Rect)
	return nil
}

func (r *Renderer) End() {
	r.target = nil
}

func (r *Renderer) Clear(c color.RGBA) {
	if r.target == nil {
		return
	}
	r.frame().Fill(c)
}

// DrawImage blends src over the frame, mapped by the source to
// destination transform s2d.
func (r *Renderer) DrawImage(src image.Image, s2d f64.Aff3) {
	if r.target == nil {
		return
	}
	draw.NearestNeighbor.Transform(r.frame(), s2d, src, src.Bounds(), draw.Over, nil)
}

// CopyImage replaces the frame content by src, scaled to the frame.
func (r *Renderer) CopyImage(src image.Image) {
	if r.target == nil {
		return
	}
	draw.ApproxBiLinear.Scale(r.frame(), r.clip, src, src.Bounds(), draw.Src, nil)
}

func (r *Renderer) frame() *BGRA {
	return r.target.SubImage(r.clip)
}

// ReadPixels copies the area of the frame at the origin of dst into dst.
func (r *Renderer) ReadPixels(dst *BGRA) error {
	if r.current == nil {
		return ErrNotCurrent
	}
	src := r.target
	if src == nil {
		buf, err := r.current.Back()
		if err != nil {
			return err
		}
		src = buf.Image()
	}
	draw.Draw(dst, dst.Rect, src, src.Rect.Min, draw.Src)
	return nil
}

func (r *Renderer) Destroy() {
	r.current = nil
	r.target = nil
}
