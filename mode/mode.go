package mode

import (
	"os"
	"unsafe"

	"github.com/NeowayLabs/drmbackend"
	"github.com/NeowayLabs/drmbackend/ioctl"
)

const (
	DisplayInfoLen   = 32
	ConnectorNameLen = 32
	DisplayModeLen   = 32
	PropNameLen      = 32

	Connected         = 1
	Disconnected      = 2
	UnknownConnection = 3
)

// Mode flags and types (DRM_MODE_FLAG_*, DRM_MODE_TYPE_*)
const (
	FlagPHSync    = 1 << 0
	FlagNHSync    = 1 << 1
	FlagPVSync    = 1 << 2
	FlagNVSync    = 1 << 3
	FlagInterlace = 1 << 4
	FlagDblScan   = 1 << 5

	TypePreferred = 1 << 3
	TypeUserDef   = 1 << 5
	TypeDriver    = 1 << 6
)

// Subpixel layouts as reported to userspace (kernel value + 1).
const (
	SubpixelUnknown = iota + 1
	SubpixelHorizontalRGB
	SubpixelHorizontalBGR
	SubpixelVerticalRGB
	SubpixelVerticalBGR
	SubpixelNone
)

type (
	sysResources struct {
		fbIdPtr              uintptr
		crtcIdPtr            uintptr
		connectorIdPtr       uintptr
		encoderIdPtr         uintptr
		CountFbs             uint32
		CountCrtcs           uint32
		CountConnectors      uint32
		CountEncoders        uint32
		MinWidth, MaxWidth   uint32
		MinHeight, MaxHeight uint32
	}

	sysGetConnector struct {
		encodersPtr   uintptr
		modesPtr      uintptr
		propsPtr      uintptr
		propValuesPtr uintptr

		countModes    uint32
		countProps    uint32
		countEncoders uint32

		encoderID       uint32 // current encoder
		id              uint32
		connectorType   uint32
		connectorTypeID uint32

		connection        uint32
		mmWidth, mmHeight uint32 // HxW in millimeters
		subpixel          uint32
		pad               uint32
	}

	sysGetEncoder struct {
		id  uint32
		typ uint32

		crtcID uint32

		possibleCrtcs  uint32
		possibleClones uint32
	}

	// Info is the kernel mode line (struct drm_mode_modeinfo).
	Info struct {
		Clock                                         uint32
		Hdisplay, HsyncStart, HsyncEnd, Htotal, Hskew uint16
		Vdisplay, VsyncStart, VsyncEnd, Vtotal, Vscan uint16

		Vrefresh uint32

		Flags uint32
		Type  uint32
		Name  [DisplayModeLen]uint8
	}

	Resources struct {
		sysResources

		Fbs        []uint32
		Crtcs      []uint32
		Connectors []uint32
		Encoders   []uint32
	}

	Connector struct {
		ID            uint32
		EncoderID     uint32
		Type          uint32
		TypeID        uint32
		Connection    uint8
		Width, Height uint32 // physical size in millimeters
		Subpixel      uint8

		Modes []Info

		Props      []uint32
		PropValues []uint64

		Encoders []uint32
	}

	Encoder struct {
		ID   uint32
		Type uint32

		CrtcID uint32

		PossibleCrtcs  uint32
		PossibleClones uint32
	}

	sysCreateDumb struct {
		height, width uint32
		bpp           uint32
		flags         uint32

		// returned values
		handle uint32
		pitch  uint32
		size   uint64
	}

	sysMapDumb struct {
		handle uint32 // Handle for the object being mapped
		pad    uint32

		// Fake offset to use for subsequent mmap call
		// This is a fixed-size type for 32/64 compatibility.
		offset uint64
	}

	sysFBCmd struct {
		fbID          uint32
		width, height uint32
		pitch         uint32
		bpp           uint32
		depth         uint32

		/* driver specific handle */
		handle uint32
	}

	sysRmFB struct {
		handle uint32
	}

	sysCrtc struct {
		setConnectorsPtr uintptr
		countConnectors  uint32

		id   uint32
		fbID uint32 // Id of framebuffer

		x, y uint32 // Position on the frameuffer

		gammaSize uint32
		modeValid uint32
		mode      Info
	}

	sysDestroyDumb struct {
		handle uint32
	}

	Crtc struct {
		ID       uint32
		BufferID uint32 // FB id to connect to 0 = disconnect

		X, Y          uint32 // Position on the framebuffer
		Width, Height uint32
		ModeValid     int
		Mode          Info

		GammaSize int // Number of gamma stops
	}

	FB struct {
		Height, Width, BPP, Flags uint32
		Handle                    uint32
		Pitch                     uint32
		Size                      uint64
	}
)

var (
	// DRM_IOWR(0xA0, struct drm_mode_card_res)
	IOCTLModeResources = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysResources{})), drm.IOCTLBase, 0xA0)

	// DRM_IOWR(0xA1, struct drm_mode_crtc)
	IOCTLModeGetCrtc = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCrtc{})), drm.IOCTLBase, 0xA1)

	// DRM_IOWR(0xA2, struct drm_mode_crtc)
	IOCTLModeSetCrtc = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCrtc{})), drm.IOCTLBase, 0xA2)

	// DRM_IOWR(0xA6, struct drm_mode_get_encoder)
	IOCTLModeGetEncoder = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetEncoder{})), drm.IOCTLBase, 0xA6)

	// DRM_IOWR(0xA7, struct drm_mode_get_connector)
	IOCTLModeGetConnector = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetConnector{})), drm.IOCTLBase, 0xA7)

	// DRM_IOWR(0xAE, struct drm_mode_fb_cmd)
	IOCTLModeAddFB = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysFBCmd{})), drm.IOCTLBase, 0xAE)

	// DRM_IOWR(0xAF, unsigned int)
	IOCTLModeRmFB = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(uint32(0))), drm.IOCTLBase, 0xAF)

	// DRM_IOWR(0xB2, struct drm_mode_create_dumb)
	IOCTLModeCreateDumb = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCreateDumb{})), drm.IOCTLBase, 0xB2)

	// DRM_IOWR(0xB3, struct drm_mode_map_dumb)
	IOCTLModeMapDumb = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysMapDumb{})), drm.IOCTLBase, 0xB3)

	// DRM_IOWR(0xB4, struct drm_mode_destroy_dumb)
	IOCTLModeDestroyDumb = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysDestroyDumb{})), drm.IOCTLBase, 0xB4)
)

// NameString returns the mode name, e.g. "1920x1080".
func (m *Info) NameString() string {
	n := 0
	for n < len(m.Name) && m.Name[n] != 0 {
		n++
	}
	return string(m.Name[:n])
}

// RefreshRate computes the vertical refresh in mHz from the mode timings.
// Vrefresh reported by the kernel is rounded to Hz and is not used.
func (m *Info) RefreshRate() int32 {
	if m.Htotal == 0 || m.Vtotal == 0 {
		return 0
	}
	refresh := (int64(m.Clock)*1000000/int64(m.Htotal) + int64(m.Vtotal)/2) / int64(m.Vtotal)

	if m.Flags&FlagInterlace != 0 {
		refresh *= 2
	}
	if m.Flags&FlagDblScan != 0 {
		refresh /= 2
	}
	if m.Vscan > 1 {
		refresh /= int64(m.Vscan)
	}
	return int32(refresh)
}

// Preferred reports whether the driver flagged the mode as preferred.
func (m *Info) Preferred() bool {
	return m.Type&TypePreferred != 0
}

// do issues a mode ioctl whose argument struct is arg, filled in place.
func do(file *os.File, code uint32, arg unsafe.Pointer) error {
	return ioctl.Do(file.Fd(), uintptr(code), uintptr(arg))
}

// idBuffer allocates room for n object ids and returns the user pointer
// handed to the kernel for it, 0 when n is 0.
func idBuffer(n uint32) ([]uint32, uintptr) {
	if n == 0 {
		return nil, 0
	}
	ids := make([]uint32, n)
	return ids, uintptr(unsafe.Pointer(&ids[0]))
}

// GetResources lists the framebuffers, CRTCs, connectors and encoders
// of the card. The kernel is asked twice: once for the counts, then to
// fill the arrays.
func GetResources(file *os.File) (*Resources, error) {
	res := &sysResources{}
	if err := do(file, IOCTLModeResources, unsafe.Pointer(res)); err != nil {
		return nil, err
	}

	fbs, fbPtr := idBuffer(res.CountFbs)
	crtcs, crtcPtr := idBuffer(res.CountCrtcs)
	encoders, encPtr := idBuffer(res.CountEncoders)
	conns, connPtr := idBuffer(res.CountConnectors)
	res.fbIdPtr, res.crtcIdPtr = fbPtr, crtcPtr
	res.encoderIdPtr, res.connectorIdPtr = encPtr, connPtr

	if err := do(file, IOCTLModeResources, unsafe.Pointer(res)); err != nil {
		return nil, err
	}

	// a hotplug between both calls can grow the counts, keep what was filled
	return &Resources{
		sysResources: *res,
		Fbs:          clampIDs(fbs, res.CountFbs),
		Crtcs:        clampIDs(crtcs, res.CountCrtcs),
		Encoders:     clampIDs(encoders, res.CountEncoders),
		Connectors:   clampIDs(conns, res.CountConnectors),
	}, nil
}

func clampIDs(ids []uint32, count uint32) []uint32 {
	if int(count) < len(ids) {
		return ids[:count]
	}
	return ids
}

// GetConnector reads a connector with its modes, properties and
// encoders.
func GetConnector(file *os.File, id uint32) (*Connector, error) {
	sc := &sysGetConnector{id: id}
	if err := do(file, IOCTLModeGetConnector, unsafe.Pointer(sc)); err != nil {
		return nil, err
	}

	nprops, nmodes, nencs := sc.countProps, sc.countModes, sc.countEncoders
	props, propsPtr := idBuffer(nprops)
	encoders, encPtr := idBuffer(nencs)
	sc.propsPtr, sc.encodersPtr = propsPtr, encPtr

	var (
		values []uint64
		modes  []Info
	)
	if nprops > 0 {
		values = make([]uint64, nprops)
		sc.propValuesPtr = uintptr(unsafe.Pointer(&values[0]))
	}
	if nmodes > 0 {
		modes = make([]Info, nmodes)
		sc.modesPtr = uintptr(unsafe.Pointer(&modes[0]))
	}

	if err := do(file, IOCTLModeGetConnector, unsafe.Pointer(sc)); err != nil {
		return nil, err
	}

	return &Connector{
		ID:         sc.id,
		EncoderID:  sc.encoderID,
		Type:       sc.connectorType,
		TypeID:     sc.connectorTypeID,
		Connection: uint8(sc.connection),
		Width:      sc.mmWidth,
		Height:     sc.mmHeight,
		// the kernel enum starts at 0 for "unknown"
		Subpixel: uint8(sc.subpixel + 1),

		Modes:      modes[:min(len(modes), int(sc.countModes))],
		Props:      props[:min(len(props), int(sc.countProps))],
		PropValues: values[:min(len(values), int(sc.countProps))],
		Encoders:   encoders[:min(len(encoders), int(sc.countEncoders))],
	}, nil
}

func GetEncoder(file *os.File, id uint32) (*Encoder, error) {
	se := &sysGetEncoder{id: id}
	if err := do(file, IOCTLModeGetEncoder, unsafe.Pointer(se)); err != nil {
		return nil, err
	}
	return &Encoder{
		ID:             se.id,
		Type:           se.typ,
		CrtcID:         se.crtcID,
		PossibleCrtcs:  se.possibleCrtcs,
		PossibleClones: se.possibleClones,
	}, nil
}

// CreateDumb allocates a dumb buffer object suitable for CPU rendering.
func CreateDumb(file *os.File, width, height, bpp uint32) (*FB, error) {
	req := &sysCreateDumb{width: width, height: height, bpp: bpp}
	if err := do(file, IOCTLModeCreateDumb, unsafe.Pointer(req)); err != nil {
		return nil, err
	}
	return &FB{
		Width:  req.width,
		Height: req.height,
		BPP:    req.bpp,
		Handle: req.handle,
		Pitch:  req.pitch,
		Size:   req.size,
	}, nil
}

// AddFB wraps a buffer object into a framebuffer usable for scanout.
func AddFB(file *os.File, width, height uint32,
	depth, bpp uint8, pitch, boHandle uint32) (uint32, error) {
	cmd := &sysFBCmd{
		width:  width,
		height: height,
		pitch:  pitch,
		bpp:    uint32(bpp),
		depth:  uint32(depth),
		handle: boHandle,
	}
	if err := do(file, IOCTLModeAddFB, unsafe.Pointer(cmd)); err != nil {
		return 0, err
	}
	return cmd.fbID, nil
}

func RmFB(file *os.File, fbID uint32) error {
	return do(file, IOCTLModeRmFB, unsafe.Pointer(&sysRmFB{fbID}))
}

// MapDumb returns the offset to mmap the buffer object at.
func MapDumb(file *os.File, boHandle uint32) (uint64, error) {
	req := &sysMapDumb{handle: boHandle}
	if err := do(file, IOCTLModeMapDumb, unsafe.Pointer(req)); err != nil {
		return 0, err
	}
	return req.offset, nil
}

func DestroyDumb(file *os.File, handle uint32) error {
	return do(file, IOCTLModeDestroyDumb, unsafe.Pointer(&sysDestroyDumb{handle}))
}

func GetCrtc(file *os.File, id uint32) (*Crtc, error) {
	sc := &sysCrtc{id: id}
	if err := do(file, IOCTLModeGetCrtc, unsafe.Pointer(sc)); err != nil {
		return nil, err
	}
	return &Crtc{
		ID:        sc.id,
		BufferID:  sc.fbID,
		X:         sc.x,
		Y:         sc.y,
		Width:     uint32(sc.mode.Hdisplay),
		Height:    uint32(sc.mode.Vdisplay),
		ModeValid: int(sc.modeValid),
		Mode:      sc.mode,
		GammaSize: int(sc.gammaSize),
	}, nil
}

// SetCrtc programs a CRTC. A nil mode with no connectors disables it.
func SetCrtc(file *os.File, crtcID, fbID, x, y uint32, connectors []uint32, m *Info) error {
	sc := &sysCrtc{
		id:              crtcID,
		fbID:            fbID,
		x:               x,
		y:               y,
		countConnectors: uint32(len(connectors)),
	}
	if len(connectors) > 0 {
		sc.setConnectorsPtr = uintptr(unsafe.Pointer(&connectors[0]))
	}
	if m != nil {
		sc.mode = *m
		sc.modeValid = 1
	}
	return do(file, IOCTLModeSetCrtc, unsafe.Pointer(sc))
}
