package mode

import (
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"github.com/NeowayLabs/drmbackend"
	"github.com/NeowayLabs/drmbackend/ioctl"
)

// DPMS property values
const (
	DPMSOn      = 0
	DPMSStandby = 1
	DPMSSuspend = 2
	DPMSOff     = 3
)

// Legacy cursor flags
const (
	CursorBO   = 0x01
	CursorMove = 0x02
)

type (
	sysPageFlip struct {
		crtcID   uint32
		fbID     uint32
		flags    uint32
		reserved uint32
		userData uint64
	}

	sysCursor struct {
		flags  uint32
		crtcID uint32
		x, y   int32
		width  uint32
		height uint32
		handle uint32
	}

	sysCrtcLut struct {
		crtcID    uint32
		gammaSize uint32

		red, green, blue uint64
	}
)

var (
	// DRM_IOWR(0xA3, struct drm_mode_cursor)
	IOCTLModeCursor = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCursor{})), drm.IOCTLBase, 0xA3)

	// DRM_IOWR(0xA5, struct drm_mode_crtc_lut)
	IOCTLModeSetGamma = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCrtcLut{})), drm.IOCTLBase, 0xA5)

	// DRM_IOWR(0xB0, struct drm_mode_crtc_page_flip)
	IOCTLModePageFlip = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysPageFlip{})), drm.IOCTLBase, 0xB0)
)

// PageFlip schedules fb to be scanned out by crtc at the next vblank.
// With PageFlipEvent set, a flip event carrying userData is queued on
// the file once the flip completes.
func PageFlip(file *os.File, crtcID, fbID, flags uint32, userData uint64) error {
	return do(file, IOCTLModePageFlip, unsafe.Pointer(&sysPageFlip{
		crtcID:   crtcID,
		fbID:     fbID,
		flags:    flags,
		userData: userData,
	}))
}

// SetCursor sets the legacy cursor image. A zero handle hides it.
func SetCursor(file *os.File, crtcID, handle, width, height uint32) error {
	return do(file, IOCTLModeCursor, unsafe.Pointer(&sysCursor{
		flags:  CursorBO,
		crtcID: crtcID,
		width:  width,
		height: height,
		handle: handle,
	}))
}

func MoveCursor(file *os.File, crtcID uint32, x, y int32) error {
	return do(file, IOCTLModeCursor, unsafe.Pointer(&sysCursor{
		flags:  CursorMove,
		crtcID: crtcID,
		x:      x,
		y:      y,
	}))
}

// SetGamma loads the legacy gamma ramp of a CRTC. All three channels
// must have the CRTC gamma size.
func SetGamma(file *os.File, crtcID uint32, r, g, b []uint16) error {
	if len(r) == 0 || len(r) != len(g) || len(r) != len(b) {
		return fmt.Errorf("gamma ramps have mismatched sizes %d/%d/%d", len(r), len(g), len(b))
	}
	lut := &sysCrtcLut{
		crtcID:    crtcID,
		gammaSize: uint32(len(r)),
		red:       uint64(uintptr(unsafe.Pointer(&r[0]))),
		green:     uint64(uintptr(unsafe.Pointer(&g[0]))),
		blue:      uint64(uintptr(unsafe.Pointer(&b[0]))),
	}
	err := do(file, IOCTLModeSetGamma, unsafe.Pointer(lut))
	runtime.KeepAlive(r)
	runtime.KeepAlive(g)
	runtime.KeepAlive(b)
	return err
}

// GammaLUT encodes ramps as a GAMMA_LUT property blob (struct drm_color_lut).
func GammaLUT(r, g, b []uint16) []byte {
	data := make([]byte, 8*len(r))
	for i := range r {
		entry := data[i*8:]
		binary.NativeEndian.PutUint16(entry[0:], r[i])
		binary.NativeEndian.PutUint16(entry[2:], g[i])
		binary.NativeEndian.PutUint16(entry[4:], b[i])
	}
	return data
}
