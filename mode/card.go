package mode

import (
	"os"

	"github.com/NeowayLabs/drmbackend"
)

// Card is an open DRM device node. All KMS calls of this package are
// available as methods so callers can depend on an interface instead.
type Card struct {
	file    *os.File
	release func() error
}

// NewCard wraps file. release, if set, runs after the file is closed
// (e.g. to hand the device back to the session manager).
func NewCard(file *os.File, release func() error) *Card {
	return &Card{file: file, release: release}
}

// OpenCard opens the device at path for read/write.
func OpenCard(path string) (*Card, error) {
	file, err := drm.Open(path)
	if err != nil {
		return nil, err
	}
	return NewCard(file, nil), nil
}

func (c *Card) File() *os.File { return c.file }
func (c *Card) Path() string   { return c.file.Name() }
func (c *Card) Fd() uintptr    { return c.file.Fd() }

func (c *Card) Close() error {
	err := c.file.Close()
	if c.release != nil {
		if rerr := c.release(); err == nil {
			err = rerr
		}
	}
	return err
}

func (c *Card) GetCap(capability uint64) (uint64, error) {
	return drm.GetCap(c.file, capability)
}

func (c *Card) SetClientCap(capability, val uint64) error {
	return drm.SetClientCap(c.file, capability, val)
}

func (c *Card) SetMaster() error  { return drm.SetMaster(c.file) }
func (c *Card) DropMaster() error { return drm.DropMaster(c.file) }

func (c *Card) GetResources() (*Resources, error) { return GetResources(c.file) }

func (c *Card) GetConnector(id uint32) (*Connector, error) { return GetConnector(c.file, id) }

func (c *Card) GetEncoder(id uint32) (*Encoder, error) { return GetEncoder(c.file, id) }

func (c *Card) GetCrtc(id uint32) (*Crtc, error) { return GetCrtc(c.file, id) }

func (c *Card) SetCrtc(crtcID, fbID, x, y uint32, connectors []uint32, mode *Info) error {
	return SetCrtc(c.file, crtcID, fbID, x, y, connectors, mode)
}

func (c *Card) GetPlaneResources() ([]uint32, error) { return GetPlaneResources(c.file) }

func (c *Card) GetPlane(id uint32) (*Plane, error) { return GetPlane(c.file, id) }

func (c *Card) ObjectGetProperties(objID, objType uint32) (*ObjectProperties, error) {
	return ObjectGetProperties(c.file, objID, objType)
}

func (c *Card) GetProperty(id uint32) (*Property, error) { return GetProperty(c.file, id) }

func (c *Card) GetPropertyBlob(id uint32) ([]byte, error) { return GetPropertyBlob(c.file, id) }

func (c *Card) CreatePropertyBlob(data []byte) (uint32, error) {
	return CreatePropertyBlob(c.file, data)
}

func (c *Card) DestroyPropertyBlob(id uint32) error { return DestroyPropertyBlob(c.file, id) }

func (c *Card) ObjectSetProperty(objID, objType, propID uint32, value uint64) error {
	return ObjectSetProperty(c.file, objID, objType, propID, value)
}

func (c *Card) AtomicCommit(req *AtomicReq, flags uint32, userData uint64) error {
	return AtomicCommit(c.file, req, flags, userData)
}

func (c *Card) PageFlip(crtcID, fbID, flags uint32, userData uint64) error {
	return PageFlip(c.file, crtcID, fbID, flags, userData)
}

func (c *Card) SetCursor(crtcID, handle, width, height uint32) error {
	return SetCursor(c.file, crtcID, handle, width, height)
}

func (c *Card) MoveCursor(crtcID uint32, x, y int32) error {
	return MoveCursor(c.file, crtcID, x, y)
}

func (c *Card) SetGamma(crtcID uint32, r, g, b []uint16) error {
	return SetGamma(c.file, crtcID, r, g, b)
}

func (c *Card) ReadEvents() ([]Event, error) { return ReadEvents(c.file) }

func (c *Card) CreateDumb(width, height, bpp uint32) (*FB, error) {
	return CreateDumb(c.file, width, height, bpp)
}

func (c *Card) MapDumb(handle uint32) (uint64, error) { return MapDumb(c.file, handle) }

func (c *Card) DestroyDumb(handle uint32) error { return DestroyDumb(c.file, handle) }

func (c *Card) AddFB(width, height uint32, depth, bpp uint8, pitch, handle uint32) (uint32, error) {
	return AddFB(c.file, width, height, depth, bpp, pitch, handle)
}

func (c *Card) RmFB(id uint32) error { return RmFB(c.file, id) }
