package backend

import (
	"github.com/NeowayLabs/drmbackend/eventloop"
	"github.com/NeowayLabs/drmbackend/mode"
	"github.com/NeowayLabs/drmbackend/signal"
)

type (
	// Device is an open DRM device node. *mode.Card implements it.
	Device interface {
		Fd() uintptr
		Path() string
		Close() error

		GetCap(capability uint64) (uint64, error)
		SetClientCap(capability, val uint64) error

		GetResources() (*mode.Resources, error)
		GetConnector(id uint32) (*mode.Connector, error)
		GetEncoder(id uint32) (*mode.Encoder, error)
		GetCrtc(id uint32) (*mode.Crtc, error)
		SetCrtc(crtcID, fbID, x, y uint32, connectors []uint32, m *mode.Info) error
		GetPlaneResources() ([]uint32, error)
		GetPlane(id uint32) (*mode.Plane, error)

		ObjectGetProperties(objID, objType uint32) (*mode.ObjectProperties, error)
		GetProperty(id uint32) (*mode.Property, error)
		GetPropertyBlob(id uint32) ([]byte, error)
		CreatePropertyBlob(data []byte) (uint32, error)
		DestroyPropertyBlob(id uint32) error
		ObjectSetProperty(objID, objType, propID uint32, value uint64) error

		AtomicCommit(req *mode.AtomicReq, flags uint32, userData uint64) error
		PageFlip(crtcID, fbID, flags uint32, userData uint64) error
		SetCursor(crtcID, handle, width, height uint32) error
		MoveCursor(crtcID uint32, x, y int32) error
		SetGamma(crtcID uint32, r, g, b []uint16) error

		ReadEvents() ([]mode.Event, error)
	}

	// EventLoop is the host loop the backend registers its device fd
	// and retry timers with.
	EventLoop interface {
		AddFd(fd int, mask eventloop.Mask, fn func(eventloop.Mask)) (eventloop.Source, error)
		AddTimer(fn func()) (eventloop.Timer, error)
	}

	// Session reports whether the seat owns the display and which DRM
	// devices changed.
	Session interface {
		Active() bool
		OnActive(fn func(active bool)) *signal.Listener
		OnHotplug(fn func(devnode string)) *signal.Listener
	}
)

var _ Device = (*mode.Card)(nil)
