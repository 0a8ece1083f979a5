// Package ioctl encodes Linux ioctl request numbers and issues them.
package ioctl

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Request direction, as in the kernel's _IOC_NONE/_IOC_WRITE/_IOC_READ.
// The generic layout is dir(2) size(14) type(8) nr(8), see
// Documentation/userspace-api/ioctl/ioctl-decoding.rst.
const (
	None  = uint8(0x0)
	Write = uint8(0x1)
	Read  = uint8(0x2)
)

const (
	nrShift   = 0
	typeShift = 8
	sizeShift = 16
	dirShift  = 30

	maxSize = 1<<14 - 1
)

// NewCode builds the request number for a command of driver uniq with
// function number fn and an argument of sz bytes. It panics on values
// that don't fit the encoding.
func NewCode(typ uint8, sz uint16, uniq, fn uint8) uint32 {
	if typ > Write|Read {
		panic(fmt.Errorf("invalid ioctl direction: %d", typ))
	}
	if sz > maxSize {
		panic(fmt.Errorf("invalid ioctl size: %d", sz))
	}
	return uint32(typ)<<dirShift |
		uint32(sz)<<sizeShift |
		uint32(uniq)<<typeShift |
		uint32(fn)<<nrShift
}

// Do issues the ioctl, restarting it when interrupted by a signal like
// libdrm's drmIoctl does.
func Do(fd, cmd, ptr uintptr) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, cmd, ptr)
		switch errno {
		case 0:
			return nil
		case unix.EINTR, unix.EAGAIN:
			continue
		}
		return errno
	}
}
