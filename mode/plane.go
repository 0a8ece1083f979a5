package mode

import (
	"os"
	"unsafe"

	"github.com/NeowayLabs/drmbackend"
	"github.com/NeowayLabs/drmbackend/ioctl"
)

// Plane types, values of the "type" plane property.
const (
	PlaneTypeOverlay = 0
	PlaneTypePrimary = 1
	PlaneTypeCursor  = 2
)

type (
	sysGetPlaneRes struct {
		planeIDPtr  uint64
		countPlanes uint32
		pad         uint32
	}

	sysGetPlane struct {
		planeID uint32

		crtcID uint32
		fbID   uint32

		possibleCrtcs uint32
		gammaSize     uint32

		countFormatTypes uint32
		formatTypePtr    uint64
	}

	Plane struct {
		ID     uint32
		CrtcID uint32
		FbID   uint32

		PossibleCrtcs uint32
		GammaSize     uint32

		Formats []uint32
	}
)

var (
	// DRM_IOWR(0xB5, struct drm_mode_get_plane_res)
	IOCTLModeGetPlaneResources = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetPlaneRes{})), drm.IOCTLBase, 0xB5)

	// DRM_IOWR(0xB6, struct drm_mode_get_plane)
	IOCTLModeGetPlane = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetPlane{})), drm.IOCTLBase, 0xB6)
)

// GetPlaneResources lists the plane ids of the device. Primary and cursor
// planes are only reported once the universal planes client cap is set.
func GetPlaneResources(file *os.File) ([]uint32, error) {
	res := &sysGetPlaneRes{}
	err := do(file, IOCTLModeGetPlaneResources, unsafe.Pointer(res))
	if err != nil {
		return nil, err
	}
	if res.countPlanes == 0 {
		return nil, nil
	}

	ids := make([]uint32, res.countPlanes)
	res.planeIDPtr = uint64(uintptr(unsafe.Pointer(&ids[0])))
	err = do(file, IOCTLModeGetPlaneResources, unsafe.Pointer(res))
	if err != nil {
		return nil, err
	}
	return clampIDs(ids, res.countPlanes), nil
}

func GetPlane(file *os.File, id uint32) (*Plane, error) {
	p := &sysGetPlane{}
	p.planeID = id
	err := do(file, IOCTLModeGetPlane, unsafe.Pointer(p))
	if err != nil {
		return nil, err
	}

	var formats []uint32
	if p.countFormatTypes > 0 {
		formats = make([]uint32, p.countFormatTypes)
		p.formatTypePtr = uint64(uintptr(unsafe.Pointer(&formats[0])))
		err = do(file, IOCTLModeGetPlane, unsafe.Pointer(p))
		if err != nil {
			return nil, err
		}
	}

	return &Plane{
		ID:            p.planeID,
		CrtcID:        p.crtcID,
		FbID:          p.fbID,
		PossibleCrtcs: p.possibleCrtcs,
		GammaSize:     p.gammaSize,
		Formats:       clampIDs(formats, p.countFormatTypes),
	}, nil
}
