package render

import (
	"image"

	"github.com/pkg/errors"
	"launchpad.net/gommap"

	"github.com/NeowayLabs/drmbackend/mode"
)

// DumbDevice is the part of a DRM device needed to allocate dumb buffers.
type DumbDevice interface {
	Fd() uintptr
	CreateDumb(width, height, bpp uint32) (*mode.FB, error)
	MapDumb(handle uint32) (uint64, error)
	DestroyDumb(handle uint32) error
	AddFB(width, height uint32, depth, bpp uint8, pitch, handle uint32) (uint32, error)
	RmFB(id uint32) error
}

// DumbAllocator allocates CPU-mapped dumb buffers on a DRM device. Dumb
// buffers are always linear and usable for scanout and cursors.
type DumbAllocator struct {
	dev DumbDevice
}

func NewDumbAllocator(dev DumbDevice) *DumbAllocator {
	return &DumbAllocator{dev: dev}
}

func (a *DumbAllocator) CreateBuffer(width, height int, format uint32, flags Flags) (Buffer, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid buffer size %dx%d", width, height)
	}
	fb, err := a.dev.CreateDumb(uint32(width), uint32(height), 32)
	if err != nil {
		return nil, errors.Wrap(err, "Cannot create dumb buffer")
	}

	offset, err := a.dev.MapDumb(fb.Handle)
	if err != nil {
		a.dev.DestroyDumb(fb.Handle)
		return nil, errors.Wrap(err, "Failed to map dumb buffer")
	}

	mmap, err := gommap.MapAt(0, a.dev.Fd(), int64(offset), int64(fb.Size),
		gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		a.dev.DestroyDumb(fb.Handle)
		return nil, errors.Wrap(err, "Failed to mmap framebuffer")
	}
	for i := range mmap {
		mmap[i] = 0
	}

	return &dumbBuffer{
		alloc:  a,
		fb:     fb,
		format: format,
		mmap:   mmap,
		img: &BGRA{
			Pix:    mmap,
			Rect:   image.Rect(0, 0, width, height),
			Stride: int(fb.Pitch),
		},
	}, nil
}

type dumbBuffer struct {
	alloc  *DumbAllocator
	fb     *mode.FB
	fbID   uint32
	format uint32
	mmap   gommap.MMap
	img    *BGRA
}

func (b *dumbBuffer) Width() int     { return int(b.fb.Width) }
func (b *dumbBuffer) Height() int    { return int(b.fb.Height) }
func (b *dumbBuffer) Format() uint32 { return b.format }
func (b *dumbBuffer) Stride() int    { return int(b.fb.Pitch) }
func (b *dumbBuffer) Handle() uint32 { return b.fb.Handle }
func (b *dumbBuffer) Image() *BGRA   { return b.img }

func (b *dumbBuffer) FB() (uint32, error) {
	if b.fbID != 0 {
		return b.fbID, nil
	}
	depth, bpp := mode.FormatDepth(b.format)
	id, err := b.alloc.dev.AddFB(b.fb.Width, b.fb.Height, depth, bpp, b.fb.Pitch, b.fb.Handle)
	if err != nil {
		return 0, errors.Wrap(err, "Cannot create framebuffer")
	}
	b.fbID = id
	return id, nil
}

func (b *dumbBuffer) Destroy() error {
	var firstErr error
	if b.fbID != 0 {
		firstErr = b.alloc.dev.RmFB(b.fbID)
		b.fbID = 0
	}
	if b.mmap != nil {
		if err := b.mmap.UnsafeUnmap(); err != nil && firstErr == nil {
			firstErr = err
		}
		b.mmap = nil
		b.img = nil
	}
	if err := b.alloc.dev.DestroyDumb(b.fb.Handle); err != nil && firstErr == nil {
		firstErr = err
	}
	return errors.Wrap(firstErr, "Cannot destroy dumb buffer")
}
