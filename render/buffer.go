// Package render provides scanout buffers, swapchains and a software
// renderer drawing into them, and the double-buffered Surface the DRM
// backend attaches to planes.
package render

import (
	"github.com/pkg/errors"
)

// Flags describe how a buffer is going to be used.
type Flags uint32

const (
	FlagScanout Flags = 1 << iota
	FlagRendering
	FlagCursor
	FlagLinear
	FlagWrite
)

var (
	ErrNoFreeBuffer = errors.New("no free buffer in swapchain")
	ErrNotCurrent   = errors.New("renderer has no current surface")
)

// Buffer is a 2D pixel buffer owned by an Allocator.
type Buffer interface {
	Width() int
	Height() int
	Format() uint32
	Stride() int

	// Handle is the GEM handle of the buffer on its device, 0 if the
	// buffer lives in ordinary memory.
	Handle() uint32

	// FB returns the framebuffer id of the buffer, registering it on
	// first use.
	FB() (uint32, error)

	// Image is the CPU mapping of the buffer.
	Image() *BGRA

	Destroy() error
}

// Allocator creates buffers on one device.
type Allocator interface {
	CreateBuffer(width, height int, format uint32, flags Flags) (Buffer, error)
}
