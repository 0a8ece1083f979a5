package mode

import (
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"github.com/NeowayLabs/drmbackend"
	"github.com/NeowayLabs/drmbackend/ioctl"
)

// Object types (DRM_MODE_OBJECT_*)
const (
	ObjectCrtc      = 0xcccccccc
	ObjectConnector = 0xc0c0c0c0
	ObjectEncoder   = 0xe0e0e0e0
	ObjectMode      = 0xdededede
	ObjectProperty  = 0xb0b0b0b0
	ObjectFB        = 0xfbfbfbfb
	ObjectBlob      = 0xbbbbbbbb
	ObjectPlane     = 0xeeeeeeee
)

// Property flags (DRM_MODE_PROP_*)
const (
	PropPending   = 1 << 0
	PropRange     = 1 << 1
	PropImmutable = 1 << 2
	PropEnum      = 1 << 3
	PropBlob      = 1 << 4
	PropBitmask   = 1 << 5
	PropAtomic    = 0x80000000
)

type (
	sysObjGetProperties struct {
		propsPtr      uint64
		propValuesPtr uint64
		countProps    uint32
		objID         uint32
		objType       uint32
		pad           uint32
	}

	sysGetProperty struct {
		valuesPtr    uint64
		enumBlobPtr  uint64
		propID       uint32
		flags        uint32
		name         [PropNameLen]uint8
		countValues  uint32
		countEnumBlb uint32
	}

	sysGetBlob struct {
		blobID uint32
		length uint32
		data   uint64
	}

	sysCreateBlob struct {
		data   uint64
		length uint32
		blobID uint32
	}

	sysDestroyBlob struct {
		blobID uint32
	}

	sysObjSetProperty struct {
		value   uint64
		propID  uint32
		objID   uint32
		objType uint32
		pad     uint32
	}

	// ObjectProperties holds the property ids of a KMS object and
	// their current values, index-aligned.
	ObjectProperties struct {
		Props  []uint32
		Values []uint64
	}

	Property struct {
		ID    uint32
		Flags uint32
		Name  string
	}
)

var (
	// DRM_IOWR(0xAA, struct drm_mode_get_property)
	IOCTLModeGetProperty = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetProperty{})), drm.IOCTLBase, 0xAA)

	// DRM_IOWR(0xAC, struct drm_mode_get_blob)
	IOCTLModeGetPropBlob = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetBlob{})), drm.IOCTLBase, 0xAC)

	// DRM_IOWR(0xB9, struct drm_mode_obj_get_properties)
	IOCTLModeObjGetProperties = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysObjGetProperties{})), drm.IOCTLBase, 0xB9)

	// DRM_IOWR(0xBA, struct drm_mode_obj_set_property)
	IOCTLModeObjSetProperty = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysObjSetProperty{})), drm.IOCTLBase, 0xBA)

	// DRM_IOWR(0xBD, struct drm_mode_create_blob)
	IOCTLModeCreatePropBlob = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCreateBlob{})), drm.IOCTLBase, 0xBD)

	// DRM_IOWR(0xBE, struct drm_mode_destroy_blob)
	IOCTLModeDestroyPropBlob = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysDestroyBlob{})), drm.IOCTLBase, 0xBE)
)

// Value returns the current value of prop, if the object has it.
func (p *ObjectProperties) Value(prop uint32) (uint64, bool) {
	for i, id := range p.Props {
		if id == prop {
			return p.Values[i], true
		}
	}
	return 0, false
}

func ObjectGetProperties(file *os.File, objID, objType uint32) (*ObjectProperties, error) {
	req := &sysObjGetProperties{objID: objID, objType: objType}
	err := do(file, IOCTLModeObjGetProperties, unsafe.Pointer(req))
	if err != nil {
		return nil, err
	}

	props := &ObjectProperties{}
	if req.countProps == 0 {
		return props, nil
	}

	count := req.countProps
	props.Props = make([]uint32, count)
	props.Values = make([]uint64, count)
	req.propsPtr = uint64(uintptr(unsafe.Pointer(&props.Props[0])))
	req.propValuesPtr = uint64(uintptr(unsafe.Pointer(&props.Values[0])))

	err = do(file, IOCTLModeObjGetProperties, unsafe.Pointer(req))
	runtime.KeepAlive(props)
	if err != nil {
		return nil, err
	}
	if req.countProps < count {
		props.Props = props.Props[:req.countProps]
		props.Values = props.Values[:req.countProps]
	}
	return props, nil
}

// GetProperty returns the property name and flags. Enum values are
// not fetched.
func GetProperty(file *os.File, propID uint32) (*Property, error) {
	req := &sysGetProperty{propID: propID}
	err := do(file, IOCTLModeGetProperty, unsafe.Pointer(req))
	if err != nil {
		return nil, err
	}

	n := 0
	for n < len(req.name) && req.name[n] != 0 {
		n++
	}
	return &Property{
		ID:    req.propID,
		Flags: req.flags,
		Name:  string(req.name[:n]),
	}, nil
}

func GetPropertyBlob(file *os.File, blobID uint32) ([]byte, error) {
	req := &sysGetBlob{blobID: blobID}
	err := do(file, IOCTLModeGetPropBlob, unsafe.Pointer(req))
	if err != nil {
		return nil, err
	}
	if req.length == 0 {
		return nil, nil
	}

	data := make([]byte, req.length)
	req.data = uint64(uintptr(unsafe.Pointer(&data[0])))
	err = do(file, IOCTLModeGetPropBlob, unsafe.Pointer(req))
	runtime.KeepAlive(data)
	if err != nil {
		return nil, err
	}
	if int(req.length) < len(data) {
		data = data[:req.length]
	}
	return data, nil
}

func CreatePropertyBlob(file *os.File, data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("empty property blob")
	}
	req := &sysCreateBlob{
		data:   uint64(uintptr(unsafe.Pointer(&data[0]))),
		length: uint32(len(data)),
	}
	err := do(file, IOCTLModeCreatePropBlob, unsafe.Pointer(req))
	runtime.KeepAlive(data)
	if err != nil {
		return 0, err
	}
	return req.blobID, nil
}

func DestroyPropertyBlob(file *os.File, blobID uint32) error {
	return do(file, IOCTLModeDestroyPropBlob, unsafe.Pointer(&sysDestroyBlob{blobID}))
}

func ObjectSetProperty(file *os.File, objID, objType, propID uint32, value uint64) error {
	req := &sysObjSetProperty{
		value:   value,
		propID:  propID,
		objID:   objID,
		objType: objType,
	}
	return do(file, IOCTLModeObjSetProperty, unsafe.Pointer(req))
}

// InfoBytes returns the raw kernel representation of a mode, as
// expected by the MODE_ID property blob.
func InfoBytes(m *Info) []byte {
	b := make([]byte, unsafe.Sizeof(*m))
	copy(b, unsafe.Slice((*byte)(unsafe.Pointer(m)), len(b)))
	return b
}
