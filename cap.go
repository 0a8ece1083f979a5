package drm

import (
	"os"
	"unsafe"

	"github.com/NeowayLabs/drmbackend/ioctl"
)

type (
	capability struct {
		cap uint64
		val uint64
	}
)

const (
	CapDumbBuffer = iota + 1
	CapVBlankHighCRTC
	CapDumbPreferredDepth
	CapDumbPreferShadow
	CapPrime
	CapTimestampMonotonic
	CapAsyncPageFlip
	CapCursorWidth
	CapCursorHeight

	CapAddFB2Modifiers = 0x10
)

// Bits of the CapPrime value.
const (
	PrimeCapImport = 0x1
	PrimeCapExport = 0x2
)

// Client capabilities, see DRM_CLIENT_CAP_*.
const (
	ClientCapStereo3D = iota + 1
	ClientCapUniversalPlanes
	ClientCapAtomic
)

func HasDumbBuffer(file *os.File) bool {
	val, err := GetCap(file, CapDumbBuffer)
	if err != nil {
		return false
	}
	return val != 0
}

// GetCap queries a device capability.
func GetCap(file *os.File, cap uint64) (uint64, error) {
	c := &capability{cap: cap}
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLGetCap), uintptr(unsafe.Pointer(c)))
	if err != nil {
		return 0, err
	}
	return c.val, nil
}

// SetClientCap asks the kernel to enable a client capability. Fails when the
// driver does not support it.
func SetClientCap(file *os.File, cap, val uint64) error {
	c := &capability{cap: cap, val: val}
	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLSetClientCap), uintptr(unsafe.Pointer(c)))
}

// SetMaster makes the caller the DRM master of the device. Only the master
// may perform modesetting.
func SetMaster(file *os.File) error {
	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLSetMaster), 0)
}

// DropMaster gives up DRM master, typically before a VT switch.
func DropMaster(file *os.File) error {
	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLDropMaster), 0)
}
