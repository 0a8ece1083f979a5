package backend

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/NeowayLabs/drmbackend/mode"
	"github.com/NeowayLabs/drmbackend/render"
)

// atomicIface drives the device with atomic commits. Each CRTC keeps
// one request which is reused across frames.
type atomicIface struct {
	dev    Device
	log    *logrus.Entry
	legacy *legacyIface
}

// atomicOp is one operation being added to a CRTC request. Items added
// after cursor are dropped when the operation fails.
type atomicOp struct {
	dev    Device
	req    *mode.AtomicReq
	cursor int
	failed bool
}

func atomicBegin(dev Device, crtc *Crtc) *atomicOp {
	if crtc.atomic == nil {
		crtc.atomic = mode.NewAtomicReq()
	}
	return &atomicOp{
		dev:    dev,
		req:    crtc.atomic,
		cursor: crtc.atomic.Cursor(),
	}
}

func (op *atomicOp) add(obj, prop uint32, val uint64) {
	if op.failed {
		return
	}
	if prop == 0 {
		op.failed = true
		return
	}
	op.req.Add(obj, prop, val)
}

// end checks the queued items with a test-only commit. On success they
// stay queued and go out with the next real commit.
func (op *atomicOp) end(log *logrus.Entry) error {
	if op.failed {
		op.req.SetCursor(op.cursor)
		return errors.New("atomic request incomplete")
	}
	if err := op.dev.AtomicCommit(op.req, mode.AtomicTestOnly|mode.AtomicNonblock, 0); err != nil {
		log.WithError(err).Error("Atomic test failed")
		op.req.SetCursor(op.cursor)
		return errors.Wrap(err, "atomic test")
	}
	return nil
}

// commit submits the request. If the kernel rejects it, what was queued
// before this operation is committed again without the new items. The
// request is emptied either way.
func (op *atomicOp) commit(conn *Connector, flags uint32, modeset bool) error {
	defer op.req.SetCursor(0)
	if op.failed {
		return errors.New("atomic request incomplete")
	}

	kind := "pageflip"
	if modeset {
		kind = "modeset"
	}
	err := op.dev.AtomicCommit(op.req, flags, flipUserData(conn))
	if err == nil {
		return nil
	}
	conn.log.WithError(err).Errorf("Atomic commit failed (%s)", kind)

	op.req.SetCursor(op.cursor)
	if rerr := op.dev.AtomicCommit(op.req, flags, flipUserData(conn)); rerr != nil {
		conn.log.WithError(rerr).Errorf("Atomic commit without new changes failed (%s)", kind)
	}
	return errors.Wrapf(err, "atomic %s", kind)
}

// setPlaneProps positions a plane at the CRTC origin covering its
// surface. SRC_* are 16.16 fixed point.
func setPlaneProps(op *atomicOp, plane *Plane, crtcID, fbID uint32, setCrtcXY bool) {
	id := plane.ID
	p := &plane.props
	w, h := uint64(plane.surf.Width()), uint64(plane.surf.Height())
	if plane.Type == PlaneCursor && plane.cursorBO != nil {
		w, h = uint64(plane.cursorBO.Width()), uint64(plane.cursorBO.Height())
	}

	op.add(id, p.SrcX, 0)
	op.add(id, p.SrcY, 0)
	op.add(id, p.SrcW, w<<16)
	op.add(id, p.SrcH, h<<16)
	op.add(id, p.CrtcW, w)
	op.add(id, p.CrtcH, h)
	op.add(id, p.FbID, uint64(fbID))
	op.add(id, p.CrtcID, uint64(crtcID))
	if setCrtcXY {
		op.add(id, p.CrtcX, 0)
		op.add(id, p.CrtcY, 0)
	}
}

func (a *atomicIface) name() string { return "atomic" }

func (a *atomicIface) connEnable(conn *Connector, enable bool) error {
	crtc := conn.crtc
	if crtc == nil {
		return ErrNoCrtc
	}

	op := atomicBegin(a.dev, crtc)
	op.add(crtc.ID, crtc.props.Active, boolProp(enable))
	if enable {
		op.add(conn.id, conn.props.CrtcID, uint64(crtc.ID))
		op.add(crtc.ID, crtc.props.ModeID, uint64(crtc.modeBlob))
	} else {
		op.add(conn.id, conn.props.CrtcID, 0)
		op.add(crtc.ID, crtc.props.ModeID, 0)
	}
	if err := op.end(conn.log); err != nil {
		return err
	}
	return op.commit(conn, mode.AtomicAllowModeset, true)
}

func (a *atomicIface) crtcPageflip(conn *Connector, crtc *Crtc, fbID uint32, m *mode.Info) error {
	if m != nil {
		if crtc.modeBlob != 0 {
			a.dev.DestroyPropertyBlob(crtc.modeBlob)
			crtc.modeBlob = 0
		}
		blob, err := a.dev.CreatePropertyBlob(mode.InfoBytes(m))
		if err != nil {
			conn.log.WithError(err).Error("Failed to create mode property blob")
			return errors.Wrap(err, "mode blob")
		}
		crtc.modeBlob = blob
	}

	flags := uint32(mode.PageFlipEvent)
	if m != nil {
		flags |= mode.AtomicAllowModeset
	} else {
		flags |= mode.AtomicNonblock
	}

	op := atomicBegin(a.dev, crtc)
	op.add(conn.id, conn.props.CrtcID, uint64(crtc.ID))
	op.add(crtc.ID, crtc.props.ModeID, uint64(crtc.modeBlob))
	op.add(crtc.ID, crtc.props.Active, 1)
	setPlaneProps(op, crtc.Primary(), crtc.ID, fbID, true)
	return op.commit(conn, flags, m != nil)
}

func (a *atomicIface) crtcSetCursor(crtc *Crtc, bo render.Buffer) error {
	if crtc == nil || crtc.Cursor() == nil {
		return nil
	}
	plane := crtc.Cursor()
	// no cursor plane to put in a commit
	if plane.Synthetic() {
		return a.legacy.crtcSetCursor(crtc, bo)
	}

	op := atomicBegin(a.dev, crtc)
	if bo != nil {
		fb, err := bo.FB()
		if err != nil {
			return errors.Wrap(err, "cursor framebuffer")
		}
		setPlaneProps(op, plane, crtc.ID, fb, false)
	} else {
		op.add(plane.ID, plane.props.FbID, 0)
		op.add(plane.ID, plane.props.CrtcID, 0)
	}
	return op.end(a.log.WithField("crtc", crtc.ID))
}

func (a *atomicIface) crtcMoveCursor(crtc *Crtc, x, y int) error {
	if crtc == nil || crtc.Cursor() == nil {
		return nil
	}
	plane := crtc.Cursor()
	if plane.Synthetic() {
		return a.legacy.crtcMoveCursor(crtc, x, y)
	}

	op := atomicBegin(a.dev, crtc)
	op.add(plane.ID, plane.props.CrtcX, uint64(int64(x)))
	op.add(plane.ID, plane.props.CrtcY, uint64(int64(y)))
	return op.end(a.log.WithField("crtc", crtc.ID))
}

func (a *atomicIface) crtcSetGamma(crtc *Crtc, r, g, b []uint16) error {
	if crtc.props.GammaLUT == 0 {
		return a.legacy.crtcSetGamma(crtc, r, g, b)
	}

	if crtc.gammaLUT != 0 {
		a.dev.DestroyPropertyBlob(crtc.gammaLUT)
		crtc.gammaLUT = 0
	}
	blob, err := a.dev.CreatePropertyBlob(mode.GammaLUT(r, g, b))
	if err != nil {
		return errors.Wrap(err, "gamma LUT blob")
	}
	crtc.gammaLUT = blob

	op := atomicBegin(a.dev, crtc)
	op.add(crtc.ID, crtc.props.GammaLUT, uint64(blob))
	return op.end(a.log.WithField("crtc", crtc.ID))
}

func (a *atomicIface) crtcGammaSize(crtc *Crtc) int {
	if crtc.props.GammaLUTSize == 0 {
		return a.legacy.crtcGammaSize(crtc)
	}
	size, err := getProp(a.dev, crtc.ID, mode.ObjectCrtc, crtc.props.GammaLUTSize)
	if err != nil {
		a.log.WithError(err).WithField("crtc", crtc.ID).Error("Unable to get gamma LUT size")
		return 0
	}
	return int(size)
}

func boolProp(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
