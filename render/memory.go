package render

import (
	"github.com/pkg/errors"
)

// MemoryAllocator allocates buffers in process memory. Framebuffer ids
// are synthetic. It backs the parent renderer of multi-GPU setups when
// the render GPU cannot map dumb buffers, and tests.
type MemoryAllocator struct {
	// FailCreate makes CreateBuffer fail.
	FailCreate bool

	nextFB  uint32
	live    int
	created int
}

func NewMemoryAllocator() *MemoryAllocator {
	return &MemoryAllocator{nextFB: 1000}
}

// Live returns the number of buffers not destroyed yet.
func (a *MemoryAllocator) Live() int { return a.live }

// Created returns the number of buffers ever allocated.
func (a *MemoryAllocator) Created() int { return a.created }

func (a *MemoryAllocator) CreateBuffer(width, height int, format uint32, flags Flags) (Buffer, error) {
	if a.FailCreate {
		return nil, errors.New("memory allocator: allocation disabled")
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid buffer size %dx%d", width, height)
	}
	a.live++
	a.created++
	return &memoryBuffer{
		alloc:  a,
		img:    NewBGRA(width, height),
		format: format,
	}, nil
}

type memoryBuffer struct {
	alloc     *MemoryAllocator
	img       *BGRA
	format    uint32
	fb        uint32
	destroyed bool
}

func (b *memoryBuffer) Width() int     { return b.img.Rect.Dx() }
func (b *memoryBuffer) Height() int    { return b.img.Rect.Dy() }
func (b *memoryBuffer) Format() uint32 { return b.format }
func (b *memoryBuffer) Stride() int    { return b.img.Stride }
func (b *memoryBuffer) Handle() uint32 { return 0 }
func (b *memoryBuffer) Image() *BGRA   { return b.img }

func (b *memoryBuffer) FB() (uint32, error) {
	if b.destroyed {
		return 0, errors.New("buffer destroyed")
	}
	if b.fb == 0 {
		b.alloc.nextFB++
		b.fb = b.alloc.nextFB
	}
	return b.fb, nil
}

func (b *memoryBuffer) Destroy() error {
	if b.destroyed {
		return errors.New("buffer destroyed twice")
	}
	b.destroyed = true
	b.alloc.live--
	return nil
}
