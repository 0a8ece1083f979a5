package backend

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/NeowayLabs/drmbackend/mode"
	"github.com/NeowayLabs/drmbackend/render"
)

// legacyIface drives the device with one ioctl per operation.
type legacyIface struct {
	dev Device
	log *logrus.Entry
}

func (l *legacyIface) name() string { return "legacy" }

func (l *legacyIface) connEnable(conn *Connector, enable bool) error {
	if conn.props.DPMS == 0 {
		conn.log.Debug("No DPMS property, leaving power state alone")
		return nil
	}
	val := uint64(mode.DPMSOff)
	if enable {
		val = mode.DPMSOn
	}
	return l.dev.ObjectSetProperty(conn.id, mode.ObjectConnector, conn.props.DPMS, val)
}

func (l *legacyIface) crtcPageflip(conn *Connector, crtc *Crtc, fbID uint32, m *mode.Info) error {
	if m != nil {
		if err := l.dev.SetCrtc(crtc.ID, fbID, 0, 0, []uint32{conn.id}, m); err != nil {
			conn.log.WithError(err).WithField("crtc", crtc.ID).Error("Failed to set CRTC")
			return errors.Wrap(err, "set CRTC")
		}
	}
	if err := l.dev.PageFlip(crtc.ID, fbID, mode.PageFlipEvent, flipUserData(conn)); err != nil {
		conn.log.WithError(err).WithField("crtc", crtc.ID).Error("Failed to page flip")
		return errors.Wrap(err, "page flip")
	}
	return nil
}

func (l *legacyIface) crtcSetCursor(crtc *Crtc, bo render.Buffer) error {
	if crtc == nil || crtc.Cursor() == nil {
		return nil
	}
	if bo == nil {
		if err := l.dev.SetCursor(crtc.ID, 0, 0, 0); err != nil {
			l.log.WithError(err).WithField("crtc", crtc.ID).Debug("Failed to clear hardware cursor")
			return errors.Wrap(err, "clear cursor")
		}
		return nil
	}
	if err := l.dev.SetCursor(crtc.ID, bo.Handle(), uint32(bo.Width()), uint32(bo.Height())); err != nil {
		l.log.WithError(err).WithField("crtc", crtc.ID).Debug("Failed to set hardware cursor")
		return errors.Wrap(err, "set cursor")
	}
	return nil
}

func (l *legacyIface) crtcMoveCursor(crtc *Crtc, x, y int) error {
	if crtc == nil || crtc.Cursor() == nil {
		return nil
	}
	return l.dev.MoveCursor(crtc.ID, int32(x), int32(y))
}

func (l *legacyIface) crtcSetGamma(crtc *Crtc, r, g, b []uint16) error {
	return l.dev.SetGamma(crtc.ID, r, g, b)
}

func (l *legacyIface) crtcGammaSize(crtc *Crtc) int {
	return crtc.legacyGamma
}
