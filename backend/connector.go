package backend

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/NeowayLabs/drmbackend"
	"github.com/NeowayLabs/drmbackend/eventloop"
	"github.com/NeowayLabs/drmbackend/mode"
	"github.com/NeowayLabs/drmbackend/render"
	"github.com/NeowayLabs/drmbackend/signal"
)

// State is the lifecycle state of a connector.
type State int

const (
	StateDisconnected State = iota
	StateNeedsModeset
	StateConnected
	StateCleanup
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateNeedsModeset:
		return "needs-modeset"
	case StateConnected:
		return "connected"
	case StateCleanup:
		return "cleanup"
	}
	return "invalid"
}

const defaultCursorSize = 64

type (
	// Mode is a display mode of a connector.
	Mode struct {
		Width   int32
		Height  int32
		Refresh int32 // mHz
		Info    mode.Info
	}

	// PresentEvent reports that a frame reached the screen.
	PresentEvent struct {
		Output *Connector
		// When is the kernel timestamp of the flip, in the clock
		// given by Backend.PresentationClock.
		When time.Time
		Seq  uint32
		// Refresh is the duration of one refresh cycle, zero if unknown.
		Refresh time.Duration
	}

	// Connector is one physical output of the device.
	Connector struct {
		backend *Backend
		log     *logrus.Entry

		id           uint32
		name         string
		state        State
		props        connectorProps
		possibleCrtc uint32
		crtc         *Crtc
		oldCrtc      *mode.Crtc

		pageflipPending bool
		// modesetPending defers a modeset until the pending flip completes.
		modesetPending bool
		retryPageflip  eventloop.Timer

		modes       []*Mode
		currentMode *Mode
		enabled     bool
		transform   Transform

		vendor     string
		model      string
		serial     string
		physWidth  uint32
		physHeight uint32
		subpixel   uint8

		cursorX, cursorY int

		Events struct {
			// Frame fires when a new frame can be rendered.
			Frame   signal.Signal[*Connector]
			Present signal.Signal[*PresentEvent]
		}
	}
)

func newMode(info mode.Info) *Mode {
	return &Mode{
		Width:   int32(info.Hdisplay),
		Height:  int32(info.Vdisplay),
		Refresh: info.RefreshRate(),
		Info:    info,
	}
}

func (m *Mode) String() string {
	return fmt.Sprintf("%dx%d@%dmHz", m.Width, m.Height, m.Refresh)
}

func (c *Connector) ID() uint32           { return c.id }
func (c *Connector) Name() string         { return c.name }
func (c *Connector) State() State         { return c.state }
func (c *Connector) Crtc() *Crtc          { return c.crtc }
func (c *Connector) Enabled() bool        { return c.enabled }
func (c *Connector) Modes() []*Mode       { return c.modes }
func (c *Connector) CurrentMode() *Mode   { return c.currentMode }
func (c *Connector) Transform() Transform { return c.transform }
func (c *Connector) PageflipPending() bool {
	return c.pageflipPending
}

func (c *Connector) Make() string   { return c.vendor }
func (c *Connector) Model() string  { return c.model }
func (c *Connector) Serial() string { return c.serial }

// PhysicalSize returns the size of the monitor in millimeters.
func (c *Connector) PhysicalSize() (width, height uint32) {
	return c.physWidth, c.physHeight
}

func (c *Connector) Subpixel() uint8 { return c.subpixel }

// PreferredMode returns the mode flagged preferred by the monitor, the
// first mode if none is, or nil without modes.
func (c *Connector) PreferredMode() *Mode {
	for _, m := range c.modes {
		if m.Info.Preferred() {
			return m
		}
	}
	if len(c.modes) > 0 {
		return c.modes[0]
	}
	return nil
}

// AddMode appends a custom mode usable with SetMode.
func (c *Connector) AddMode(info mode.Info) (*Mode, error) {
	if c.state != StateNeedsModeset && c.state != StateConnected {
		return nil, ErrNotConnected
	}
	info.Type |= mode.TypeUserDef
	m := newMode(info)
	if m.Width <= 0 || m.Height <= 0 || m.Refresh <= 0 {
		return nil, errors.Errorf("invalid mode %s", m)
	}
	c.modes = append(c.modes, m)
	c.log.Infof("Added custom mode %s", m)
	return m, nil
}

// SetTransform sets the transform the output is displayed with. It
// orients the cursor image and position.
func (c *Connector) SetTransform(t Transform) {
	c.transform = t
}

// TransformedResolution returns the output size once transformed.
func (c *Connector) TransformedResolution() (int, int) {
	if c.currentMode == nil {
		return 0, 0
	}
	return transformedSize(c.transform, int(c.currentMode.Width), int(c.currentMode.Height))
}

// SetMode assigns a CRTC and planes to the connector and lights it up
// with m. On failure the connector is cleaned up.
func (c *Connector) SetMode(m *Mode) error {
	b := c.backend
	if m == nil {
		return errors.New("no mode given")
	}
	if c.state != StateConnected && c.state != StateNeedsModeset {
		return ErrNotConnected
	}
	c.log.Infof("Modesetting with '%s'", m)

	kconn, err := b.dev.GetConnector(c.id)
	if err != nil {
		c.log.WithError(err).Error("Failed to get DRM connector")
		c.cleanup()
		return errors.Wrap(err, "get connector")
	}
	c.possibleCrtc, err = mode.PossibleCrtcs(b.dev, kconn)
	if err == nil && c.possibleCrtc == 0 {
		err = ErrNoPossibleCrtcs
	}
	if err != nil {
		c.log.WithError(err).Error("No CRTC possible")
		c.cleanup()
		return err
	}

	changed, err := b.reallocCrtcs(c)
	if err != nil {
		c.log.WithError(err).Error("Unable to match with a CRTC")
		c.cleanup()
		return err
	}
	c.log.WithFields(logrus.Fields{
		"crtc":    c.crtc.ID,
		"overlay": planeID(c.crtc.Overlay()),
		"primary": planeID(c.crtc.Primary()),
		"cursor":  planeID(c.crtc.Cursor()),
	}).Debug("Allocated display pipeline")

	c.state = StateConnected
	c.currentMode = m

	// realloc may have moved planes away from other outputs too
	for _, conn := range b.connectors {
		if conn.state != StateConnected || !changed[conn] {
			continue
		}
		if err := conn.initPlaneSurfaces(); err != nil {
			conn.log.WithError(err).Error("Failed to initialize renderer for plane")
			conn.cleanup()
			if conn == c {
				return err
			}
			continue
		}
		conn.startRenderer()
	}
	return nil
}

func planeID(p *Plane) int64 {
	if p == nil {
		return -1
	}
	return int64(p.ID)
}

func (c *Connector) initPlaneSurfaces() error {
	b := c.backend
	if c.crtc == nil || c.crtc.Primary() == nil {
		return ErrNoCrtc
	}
	if c.currentMode == nil {
		return errors.New("no mode set")
	}
	plane := c.crtc.Primary()
	w, h := int(c.currentMode.Width), int(c.currentMode.Height)
	format := mode.FormatXRGB8888

	if b.parent == nil {
		return plane.surf.Init(b.renderer, w, h, format, render.FlagScanout|render.FlagRendering)
	}
	if err := plane.surf.Init(b.parent.renderer, w, h, format, render.FlagLinear|render.FlagRendering); err != nil {
		return err
	}
	if err := plane.mgpuSurf.Init(b.renderer, w, h, format, render.FlagScanout); err != nil {
		plane.surf.Finish()
		return err
	}
	return nil
}

// pageflip issues a flip of fbID, with a modeset when m is set. Only
// one flip may be in flight.
func (c *Connector) pageflip(fbID uint32, m *mode.Info) error {
	if c.pageflipPending {
		c.log.Error("Skipping pageflip, one is already pending")
		return ErrPageflipPending
	}
	if err := c.backend.iface.crtcPageflip(c, c.crtc, fbID, m); err != nil {
		return err
	}
	c.pageflipPending = true
	c.enabled = true
	return nil
}

// startRenderer puts the front buffer on screen with a modeset. A
// failure is retried after one refresh cycle.
func (c *Connector) startRenderer() {
	b := c.backend
	if c.state != StateConnected || c.crtc == nil || c.currentMode == nil {
		return
	}
	if !b.session.Active() {
		// the mode is set again on resume
		return
	}
	if c.pageflipPending {
		c.log.Debug("Pageflip pending, deferring modeset")
		c.modesetPending = true
		return
	}
	c.log.Debug("Starting renderer")
	c.modesetPending = false

	plane := c.crtc.Primary()
	surf := &plane.surf
	if b.parent != nil {
		surf = &plane.mgpuSurf
	}

	err := c.flipFront(surf)
	if err == nil {
		return
	}
	refresh := c.currentMode.Refresh
	if refresh <= 0 {
		refresh = 60000
	}
	delay := time.Duration(1e12 / int64(refresh))
	c.log.WithError(err).Debugf("Scheduling pageflip retry in %v", delay)
	if c.retryPageflip != nil {
		c.retryPageflip.Update(delay)
	}
}

func (c *Connector) flipFront(surf *render.Surface) error {
	bo, err := surf.GetFront()
	if err != nil {
		return errors.Wrap(err, "front buffer")
	}
	fb, err := bo.FB()
	if err != nil {
		return errors.Wrap(err, "framebuffer")
	}
	return c.pageflip(fb, &c.currentMode.Info)
}

func (c *Connector) handleRetry() {
	c.log.Info("Retrying pageflip")
	c.startRenderer()
}

// Enable turns the output on or off. While the session is inactive
// only the requested state is recorded.
func (c *Connector) Enable(enable bool) error {
	if c.state != StateConnected {
		return ErrNotConnected
	}
	if !c.backend.session.Active() {
		c.enabled = enable
		return nil
	}
	if err := c.backend.iface.connEnable(c, enable); err != nil {
		c.log.WithError(err).Error("Failed to set DPMS")
		return err
	}
	if enable {
		c.startRenderer()
	}
	c.enabled = enable
	return nil
}

// Renderer returns the renderer drawing the primary plane.
func (c *Connector) Renderer() *render.Renderer {
	if c.crtc == nil || c.crtc.Primary() == nil {
		return nil
	}
	return c.crtc.Primary().surf.Renderer()
}

// MakeCurrent binds the primary plane surface to its renderer.
func (c *Connector) MakeCurrent() error {
	if c.crtc == nil || c.crtc.Primary() == nil {
		return ErrNoCrtc
	}
	return c.crtc.Primary().surf.MakeCurrent()
}

// SwapBuffers queues what was rendered since MakeCurrent and flips to
// it. It fails with ErrPageflipPending until the previous flip
// completed.
func (c *Connector) SwapBuffers() error {
	b := c.backend
	if !b.session.Active() {
		return ErrSessionInactive
	}
	if c.crtc == nil || c.crtc.Primary() == nil {
		return ErrNoCrtc
	}
	if c.pageflipPending {
		c.log.Error("Skipping pageflip, one is already pending")
		return ErrPageflipPending
	}

	plane := c.crtc.Primary()
	bo, err := plane.surf.SwapBuffers()
	if err != nil {
		return errors.Wrap(err, "swap buffers")
	}
	if b.parent != nil {
		if bo, err = plane.mgpuSurf.MgpuCopy(bo); err != nil {
			return errors.Wrap(err, "multi-GPU copy")
		}
	}
	fb, err := bo.FB()
	if err != nil {
		return errors.Wrap(err, "framebuffer")
	}
	return c.pageflip(fb, nil)
}

// handlePageflip runs when the kernel reports a completed flip.
func (c *Connector) handlePageflip(ev mode.Event) {
	b := c.backend
	c.pageflipPending = false
	if c.state != StateConnected || c.crtc == nil {
		c.modesetPending = false
		return
	}

	plane := c.crtc.Primary()
	plane.surf.Post()
	if b.parent != nil {
		plane.mgpuSurf.Post()
	}

	present := &PresentEvent{
		Output: c,
		When:   time.Unix(int64(ev.Sec), int64(ev.Usec)*1000),
		Seq:    ev.Sequence,
	}
	if c.currentMode != nil && c.currentMode.Refresh > 0 {
		present.Refresh = time.Duration(1e12 / int64(c.currentMode.Refresh))
	}
	c.Events.Present.Emit(present)

	if c.modesetPending {
		// the next frame is requested once the modeset flip completes
		c.startRenderer()
		if c.pageflipPending {
			return
		}
	}
	if b.session.Active() {
		c.Events.Frame.Emit(c)
	}
}

// SetCursor shows img as the hardware cursor with its hotspot at
// (hotspotX, hotspotY). A nil img hides the cursor.
func (c *Connector) SetCursor(img image.Image, hotspotX, hotspotY int) error {
	return c.setCursor(img, hotspotX, hotspotY, true)
}

// SetCursorHotspot moves the hotspot without touching the image.
func (c *Connector) SetCursorHotspot(hotspotX, hotspotY int) error {
	return c.setCursor(nil, hotspotX, hotspotY, false)
}

func (c *Connector) setCursor(img image.Image, hotspotX, hotspotY int, update bool) error {
	b := c.backend
	crtc := c.crtc
	if crtc == nil {
		return ErrNoCrtc
	}

	plane := crtc.Cursor()
	if plane == nil {
		plane = &Plane{Type: PlaneCursor}
		crtc.planes[PlaneCursor] = plane
	}

	if !plane.surf.Initialized() {
		if err := b.initCursorPlane(plane); err != nil {
			c.log.WithError(err).Error("Cannot allocate cursor resources")
			return err
		}
	}

	sw, sh := plane.surf.Width(), plane.surf.Height()
	inv := c.transform.Invert()
	hotspot := inv.Point(image.Pt(hotspotX, hotspotY), sw, sh)
	if plane.hotspotX != hotspot.X || plane.hotspotY != hotspot.Y {
		c.cursorX -= hotspot.X - plane.hotspotX
		c.cursorY -= hotspot.Y - plane.hotspotY
		plane.hotspotX = hotspot.X
		plane.hotspotY = hotspot.Y
		if b.session.Active() {
			if err := b.iface.crtcMoveCursor(crtc, c.cursorX, c.cursorY); err != nil {
				return errors.Wrap(err, "move cursor")
			}
		}
	}

	if !update {
		return nil
	}

	plane.cursorEnabled = false
	if img != nil {
		bounds := img.Bounds()
		if bounds.Dx() > sw || bounds.Dy() > sh {
			c.log.Errorf("Cursor too large (max %dx%d)", sw, sh)
			return ErrCursorTooLarge
		}
		if err := plane.renderCursor(img, inv); err != nil {
			return err
		}
		plane.cursorEnabled = true
	}

	if !b.session.Active() {
		// committed on resume
		return nil
	}
	var bo render.Buffer
	if plane.cursorEnabled {
		bo = plane.cursorBO
	}
	return b.iface.crtcSetCursor(crtc, bo)
}

// renderCursor draws img, oriented for the output, into the cursor
// buffer.
func (p *Plane) renderCursor(img image.Image, t Transform) error {
	if err := p.surf.MakeCurrent(); err != nil {
		return err
	}
	r := p.surf.Renderer()
	if err := r.Begin(p.surf.Width(), p.surf.Height()); err != nil {
		return err
	}
	b := img.Bounds()
	m := t.Matrix(b.Dx(), b.Dy())
	// the matrix maps from the image origin
	m[2] -= m[0]*float64(b.Min.X) + m[1]*float64(b.Min.Y)
	m[5] -= m[3]*float64(b.Min.X) + m[4]*float64(b.Min.Y)
	r.Clear(color.RGBA{})
	r.DrawImage(img, m)
	r.End()

	if err := r.ReadPixels(p.cursorBO.Image()); err != nil {
		return errors.Wrap(err, "read cursor pixels")
	}
	if _, err := p.surf.SwapBuffers(); err != nil {
		return errors.Wrap(err, "swap cursor surface")
	}
	return nil
}

// MoveCursor places the cursor hotspot at (x, y) in output coordinates.
func (c *Connector) MoveCursor(x, y int) error {
	b := c.backend
	if c.crtc == nil {
		return ErrNoCrtc
	}

	w, h := c.TransformedResolution()
	p := c.transform.Invert().Point(image.Pt(x, y), w, h)
	if plane := c.crtc.Cursor(); plane != nil {
		p.X -= plane.hotspotX
		p.Y -= plane.hotspotY
	}
	c.cursorX, c.cursorY = p.X, p.Y

	if !b.session.Active() {
		return nil
	}
	return b.iface.crtcMoveCursor(c.crtc, p.X, p.Y)
}

// CursorPosition returns the cursor buffer position on the CRTC.
func (c *Connector) CursorPosition() (int, int) {
	return c.cursorX, c.cursorY
}

// SetGamma programs the gamma ramps of the CRTC. The table is kept and
// programmed again on session resume.
func (c *Connector) SetGamma(r, g, bl []uint16) error {
	b := c.backend
	if c.crtc == nil {
		return ErrNoCrtc
	}
	if len(r) != len(g) || len(r) != len(bl) {
		return errors.New("gamma ramps differ in size")
	}

	if b.session.Active() {
		if err := b.iface.crtcSetGamma(c.crtc, r, g, bl); err != nil {
			c.log.WithError(err).Error("Failed to set gamma")
			return err
		}
	}
	c.crtc.gammaR = append([]uint16(nil), r...)
	c.crtc.gammaG = append([]uint16(nil), g...)
	c.crtc.gammaB = append([]uint16(nil), bl...)
	return nil
}

// GammaSize returns the number of gamma ramp entries, 0 if gamma is not
// supported.
func (c *Connector) GammaSize() int {
	if c.crtc == nil {
		return 0
	}
	return c.backend.iface.crtcGammaSize(c.crtc)
}

// cleanup takes the connector back to the disconnected state,
// releasing its surfaces and announcing the removal of the output if
// it was announced before.
func (c *Connector) cleanup() {
	switch c.state {
	case StateConnected, StateCleanup:
		c.releaseOutput()
		c.announceRemoval()
	case StateNeedsModeset:
		c.announceRemoval()
	}
	c.state = StateDisconnected
}

func (c *Connector) releaseOutput() {
	if crtc := c.crtc; crtc != nil {
		for t := range crtc.planes {
			p := crtc.planes[t]
			if p == nil {
				continue
			}
			p.finish()
			if p.Synthetic() {
				p.destroyCursor()
				crtc.planes[t] = nil
			}
		}
	}
	c.crtc = nil
	c.currentMode = nil
	c.modes = nil
	c.enabled = false
	c.vendor, c.model, c.serial = "", "", ""
	c.pageflipPending = false
	c.modesetPending = false
}

func (c *Connector) announceRemoval() {
	c.log.Info("Emitting destruction signal")
	c.backend.Events.OutputRemoved.Emit(c)
}

// Destroy cleans the connector up and forgets it. The connector is
// found again by the next scan if it is still present.
func (c *Connector) Destroy() {
	c.cleanup()
	if c.retryPageflip != nil {
		c.retryPageflip.Remove()
		c.retryPageflip = nil
	}
	c.backend.removeConnector(c)
}

// initCursorPlane sizes a cursor plane after the device limits and
// allocates its buffers.
func (b *Backend) initCursorPlane(plane *Plane) error {
	w, err := b.dev.GetCap(drm.CapCursorWidth)
	if err != nil || w == 0 {
		w = defaultCursorSize
	}
	h, err := b.dev.GetCap(drm.CapCursorHeight)
	if err != nil || h == 0 {
		h = defaultCursorSize
	}

	r := b.renderer
	if b.parent != nil {
		r = b.parent.renderer
	}
	if err := plane.surf.Init(r, int(w), int(h), mode.FormatARGB8888, 0); err != nil {
		return err
	}
	bo, err := b.alloc.CreateBuffer(int(w), int(h), mode.FormatARGB8888, render.FlagCursor|render.FlagWrite)
	if err != nil {
		plane.surf.Finish()
		return errors.Wrap(err, "Failed to create cursor buffer")
	}
	plane.cursorBO = bo
	return nil
}
