package backend

import (
	"github.com/NeowayLabs/drmbackend/mode"
	"github.com/NeowayLabs/drmbackend/render"
)

// iface is a KMS command strategy. The backend picks the atomic or the
// legacy one once, when it is created.
type iface interface {
	name() string

	// connEnable turns the output of a connector on or off.
	connEnable(conn *Connector, enable bool) error
	// crtcPageflip scans fb out on crtc. A non-nil m also sets the
	// mode. A flip event is always requested.
	crtcPageflip(conn *Connector, crtc *Crtc, fbID uint32, m *mode.Info) error
	// crtcSetCursor shows bo as the hardware cursor, nil hides it.
	crtcSetCursor(crtc *Crtc, bo render.Buffer) error
	crtcMoveCursor(crtc *Crtc, x, y int) error
	crtcSetGamma(crtc *Crtc, r, g, b []uint16) error
	crtcGammaSize(crtc *Crtc) int
}

func flipUserData(conn *Connector) uint64 {
	return uint64(conn.id)
}
