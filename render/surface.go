package render

import (
	"image/color"

	"github.com/pkg/errors"
	"golang.org/x/image/math/f64"
)

// Surface is a double-buffered drawing surface attached to a plane. It
// tracks the buffer on screen (front) and the one queued for the next
// flip (back).
type Surface struct {
	renderer *Renderer
	width    int
	height   int

	swapchain *Swapchain
	front     Buffer
	back      Buffer
}

// Init (re)creates the surface buffers. It is a no-op when the size did
// not change. On failure the surface is left zeroed.
func (s *Surface) Init(r *Renderer, width, height int, format uint32, flags Flags) error {
	if s.swapchain != nil && s.width == width && s.height == height {
		return nil
	}

	s.Finish()

	sc, err := NewSwapchain(r.Allocator(), width, height, format, flags)
	if err != nil {
		return errors.Wrap(err, "Failed to create swapchain")
	}
	// allocate the first render target now so failures show up here
	if _, err := sc.Back(); err != nil {
		sc.Destroy()
		return errors.Wrap(err, "Failed to allocate surface buffer")
	}

	s.renderer = r
	s.width = width
	s.height = height
	s.swapchain = sc
	return nil
}

// Finish releases every buffer and zeroes the surface.
func (s *Surface) Finish() {
	if s.swapchain == nil {
		*s = Surface{}
		return
	}
	if s.renderer != nil && s.renderer.Current() == s.swapchain {
		s.renderer.MakeCurrent(nil)
	}
	if s.front != nil {
		s.swapchain.Release(s.front)
	}
	if s.back != nil {
		s.swapchain.Release(s.back)
	}
	s.swapchain.Destroy()
	*s = Surface{}
}

func (s *Surface) Initialized() bool   { return s.swapchain != nil }
func (s *Surface) Width() int          { return s.width }
func (s *Surface) Height() int         { return s.height }
func (s *Surface) Renderer() *Renderer { return s.renderer }

// Front returns the buffer currently displayed, nil if none.
func (s *Surface) Front() Buffer { return s.front }

// Back returns the buffer queued for the next flip, nil if none.
func (s *Surface) Back() Buffer { return s.back }

// MakeCurrent binds the surface to its renderer.
func (s *Surface) MakeCurrent() error {
	if s.swapchain == nil {
		return errors.New("surface not initialized")
	}
	return s.renderer.MakeCurrent(s.swapchain)
}

// SwapBuffers releases the previous front buffer, queues what was
// rendered and returns it as the new back buffer.
func (s *Surface) SwapBuffers() (Buffer, error) {
	if s.swapchain == nil {
		return nil, errors.New("surface not initialized")
	}
	if s.front != nil {
		s.swapchain.Release(s.front)
		s.front = nil
	}

	if err := s.swapchain.Swap(); err != nil {
		return nil, err
	}

	s.front = s.back
	back, err := s.swapchain.LockFront()
	if err != nil {
		s.back = nil
		return nil, err
	}
	s.back = back
	return back, nil
}

// GetFront returns the front buffer, or renders a black frame when
// nothing was displayed yet so callers always get a buffer.
func (s *Surface) GetFront() (Buffer, error) {
	if s.front != nil {
		return s.front, nil
	}

	if err := s.MakeCurrent(); err != nil {
		return nil, err
	}
	if err := s.renderer.Begin(s.width, s.height); err != nil {
		return nil, err
	}
	s.renderer.Clear(color.RGBA{A: 0xff})
	s.renderer.End()
	return s.SwapBuffers()
}

// Post drops the front buffer once the display moved past it.
func (s *Surface) Post() {
	if s.front != nil {
		s.swapchain.Release(s.front)
		s.front = nil
	}
}

// MgpuCopy draws src, rendered on another device, into this surface and
// returns the resulting buffer, which this device can scan out.
func (s *Surface) MgpuCopy(src Buffer) (Buffer, error) {
	if src == nil {
		return nil, errors.New("no buffer to copy")
	}
	if err := s.MakeCurrent(); err != nil {
		return nil, err
	}
	if err := s.renderer.Begin(s.width, s.height); err != nil {
		return nil, err
	}
	s.renderer.Clear(color.RGBA{})
	s.renderer.DrawImage(src.Image(), f64.Aff3{1, 0, 0, 0, 1, 0})
	s.renderer.End()
	return s.SwapBuffers()
}
