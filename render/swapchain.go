package render

import (
	"github.com/pkg/errors"
)

const swapchainCap = 3

type slotState int

const (
	slotFree slotState = iota
	slotRendering
	slotQueued
	slotLocked
)

type slot struct {
	buf   Buffer
	state slotState
}

// Swapchain is a small pool of same-sized buffers cycling between the
// renderer and the display. The renderer draws into Back; Swap queues
// it; LockFront hands the queued buffer to the display, which returns
// it with Release once the hardware stopped scanning it out.
type Swapchain struct {
	alloc  Allocator
	width  int
	height int
	format uint32
	flags  Flags

	slots [swapchainCap]slot
}

func NewSwapchain(alloc Allocator, width, height int, format uint32, flags Flags) (*Swapchain, error) {
	if alloc == nil {
		return nil, errors.New("swapchain needs an allocator")
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid swapchain size %dx%d", width, height)
	}
	return &Swapchain{
		alloc:  alloc,
		width:  width,
		height: height,
		format: format,
		flags:  flags,
	}, nil
}

func (s *Swapchain) Width() int     { return s.width }
func (s *Swapchain) Height() int    { return s.height }
func (s *Swapchain) Format() uint32 { return s.format }

// Back returns the buffer being rendered to, acquiring a free one
// if needed.
func (s *Swapchain) Back() (Buffer, error) {
	for i := range s.slots {
		if s.slots[i].state == slotRendering {
			return s.slots[i].buf, nil
		}
	}
	for i := range s.slots {
		sl := &s.slots[i]
		if sl.state != slotFree {
			continue
		}
		if sl.buf == nil {
			buf, err := s.alloc.CreateBuffer(s.width, s.height, s.format, s.flags)
			if err != nil {
				return nil, err
			}
			sl.buf = buf
		}
		sl.state = slotRendering
		return sl.buf, nil
	}
	return nil, ErrNoFreeBuffer
}

// Swap queues the back buffer for LockFront, acquiring one first if
// nothing was drawn. A queued buffer nobody locked is recycled.
func (s *Swapchain) Swap() error {
	for i := range s.slots {
		if s.slots[i].state == slotQueued {
			s.slots[i].state = slotFree
		}
	}
	back, err := s.Back()
	if err != nil {
		return err
	}
	for i := range s.slots {
		if s.slots[i].buf == back {
			s.slots[i].state = slotQueued
		}
	}
	return nil
}

// LockFront returns the last swapped buffer and keeps it out of the
// rendering cycle until Release.
func (s *Swapchain) LockFront() (Buffer, error) {
	for i := range s.slots {
		if s.slots[i].state == slotQueued {
			s.slots[i].state = slotLocked
			return s.slots[i].buf, nil
		}
	}
	return nil, errors.New("no swapped buffer to lock")
}

// Release gives a locked buffer back to the swapchain.
func (s *Swapchain) Release(buf Buffer) {
	for i := range s.slots {
		if s.slots[i].buf == buf && s.slots[i].state == slotLocked {
			s.slots[i].state = slotFree
			return
		}
	}
}

// Locked returns the number of buffers held by the display.
func (s *Swapchain) Locked() int {
	n := 0
	for i := range s.slots {
		if s.slots[i].state == slotLocked {
			n++
		}
	}
	return n
}

// Destroy frees every buffer, locked or not.
func (s *Swapchain) Destroy() error {
	var firstErr error
	for i := range s.slots {
		if s.slots[i].buf != nil {
			if err := s.slots[i].buf.Destroy(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		s.slots[i] = slot{}
	}
	return firstErr
}
