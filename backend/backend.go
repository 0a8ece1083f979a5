package backend

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gitlab.com/mstarongitlab/goutils/sliceutils"
	"golang.org/x/sys/unix"

	"github.com/NeowayLabs/drmbackend"
	"github.com/NeowayLabs/drmbackend/eventloop"
	"github.com/NeowayLabs/drmbackend/mode"
	"github.com/NeowayLabs/drmbackend/render"
	"github.com/NeowayLabs/drmbackend/signal"
)

// restoreTimeout bounds the wait for pending flips on teardown.
var restoreTimeout = 5 * time.Second

// NoAtomicEnv forces the legacy interface when set.
const NoAtomicEnv = "WLR_DRM_NO_ATOMIC"

type (
	Options struct {
		Loop    EventLoop
		Session Session
		Log     *logrus.Entry

		// NoAtomic forces the legacy KMS interface.
		NoAtomic bool

		// Parent is the backend of the GPU rendering for this one.
		// Frames are rendered there and copied to this device.
		Parent *Backend

		// Allocator creates the buffers scanned out by this device.
		// The default allocates dumb buffers on the device.
		Allocator render.Allocator
	}

	Backend struct {
		dev     Device
		loop    EventLoop
		session Session
		log     *logrus.Entry
		parent  *Backend

		iface     iface
		monotonic bool

		crtcs      []Crtc
		planes     []Plane
		typePlanes [planeTypeCount][]Plane

		alloc    render.Allocator
		renderer *render.Renderer

		connectors []*Connector

		drmEvent        eventloop.Source
		sessionListener *signal.Listener
		hotplugListener *signal.Listener
		destroyed       bool

		Events struct {
			// NewOutput fires for each connector that got connected.
			// The output shows nothing until it is given a mode.
			NewOutput     signal.Signal[*Connector]
			OutputRemoved signal.Signal[*Connector]
			Destroy       signal.Signal[*Backend]
		}
	}
)

// New sets up a backend on dev, which it owns from now on. Connectors
// are not scanned until Start.
func New(dev Device, opts Options) (*Backend, error) {
	if opts.Loop == nil || opts.Session == nil {
		return nil, errors.New("backend needs an event loop and a session")
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	b := &Backend{
		dev:     dev,
		loop:    opts.Loop,
		session: opts.Session,
		log:     log.WithField("drm", dev.Path()),
		parent:  opts.Parent,
	}
	b.log.Info("Initializing DRM backend")

	// fail releases what was set up so far along with the device
	fail := func(err error) (*Backend, error) {
		if b.renderer != nil {
			b.renderer.Destroy()
		}
		b.finishResources()
		if cerr := dev.Close(); cerr != nil {
			b.log.WithError(cerr).Error("Failed to close DRM device")
		}
		return nil, err
	}

	if err := b.checkFeatures(opts.NoAtomic); err != nil {
		return fail(err)
	}
	if err := b.initResources(); err != nil {
		return fail(err)
	}

	b.alloc = opts.Allocator
	if b.alloc == nil {
		dumb, ok := dev.(render.DumbDevice)
		if !ok {
			return fail(errors.New("device cannot allocate dumb buffers"))
		}
		b.alloc = render.NewDumbAllocator(dumb)
	}
	r, err := render.NewRenderer(b.alloc)
	if err != nil {
		return fail(errors.Wrap(err, "Failed to initialize renderer"))
	}
	b.renderer = r

	b.drmEvent, err = b.loop.AddFd(int(dev.Fd()), eventloop.Readable, func(eventloop.Mask) {
		b.handleEvents()
	})
	if err != nil {
		return fail(errors.Wrap(err, "Failed to watch DRM fd"))
	}
	b.sessionListener = b.session.OnActive(b.handleSession)
	b.hotplugListener = b.session.OnHotplug(b.handleHotplug)
	return b, nil
}

func (b *Backend) checkFeatures(noAtomic bool) error {
	if b.parent != nil {
		prime, err := b.dev.GetCap(drm.CapPrime)
		if err != nil || prime&drm.PrimeCapImport == 0 {
			return errors.New("PRIME import not supported")
		}
		prime, err = b.parent.dev.GetCap(drm.CapPrime)
		if err != nil || prime&drm.PrimeCapExport == 0 {
			return errors.New("PRIME export not supported")
		}
	}

	if err := b.dev.SetClientCap(drm.ClientCapUniversalPlanes, 1); err != nil {
		return errors.Wrap(err, "DRM universal planes unsupported")
	}

	legacy := &legacyIface{dev: b.dev, log: b.log}
	if _, set := os.LookupEnv(NoAtomicEnv); set || noAtomic {
		b.log.Debug("Atomic disabled, forcing legacy DRM interface")
		b.iface = legacy
	} else if err := b.dev.SetClientCap(drm.ClientCapAtomic, 1); err != nil {
		b.log.Debug("Atomic modesetting unsupported, using legacy DRM interface")
		b.iface = legacy
	} else {
		b.log.Debug("Using atomic DRM interface")
		b.iface = &atomicIface{dev: b.dev, log: b.log, legacy: legacy}
	}

	mono, err := b.dev.GetCap(drm.CapTimestampMonotonic)
	b.monotonic = err == nil && mono != 0
	return nil
}

// Start scans the connectors of the device.
func (b *Backend) Start() error {
	b.log.Info("Starting DRM backend")
	b.scanConnectors()
	return nil
}

// Atomic reports whether the backend drives the device with atomic
// commits.
func (b *Backend) Atomic() bool {
	_, ok := b.iface.(*atomicIface)
	return ok
}

// PresentationClock is the clock of present timestamps.
func (b *Backend) PresentationClock() int32 {
	if b.monotonic {
		return unix.CLOCK_MONOTONIC
	}
	return unix.CLOCK_REALTIME
}

func (b *Backend) Device() Device              { return b.dev }
func (b *Backend) Renderer() *render.Renderer  { return b.renderer }
func (b *Backend) Connectors() []*Connector    { return b.connectors }
func (b *Backend) Log() *logrus.Entry          { return b.log }
func (b *Backend) Parent() *Backend            { return b.parent }
func (b *Backend) Allocator() render.Allocator { return b.alloc }

// Outputs returns the connectors with a monitor attached.
func (b *Backend) Outputs() []*Connector {
	return sliceutils.Filter(b.connectors, func(c *Connector) bool {
		return c.state == StateNeedsModeset || c.state == StateConnected
	})
}

func (b *Backend) connectorByID(id uint32) *Connector {
	for _, c := range b.connectors {
		if c.id == id {
			return c
		}
	}
	return nil
}

func (b *Backend) removeConnector(conn *Connector) {
	for i, c := range b.connectors {
		if c == conn {
			b.connectors = append(b.connectors[:i], b.connectors[i+1:]...)
			return
		}
	}
}

// scanConnectors syncs the connectors with the kernel. Newly connected
// outputs are announced once every connector was looked at.
func (b *Backend) scanConnectors() {
	b.log.Info("Scanning DRM connectors")
	res, err := b.dev.GetResources()
	if err != nil {
		b.log.WithError(err).Error("Failed to get DRM resources")
		return
	}

	seen := make(map[*Connector]bool, len(b.connectors))
	var added []*Connector
	for _, id := range res.Connectors {
		kconn, err := b.dev.GetConnector(id)
		if err != nil {
			b.log.WithError(err).WithField("connector", id).Error("Failed to get DRM connector")
			continue
		}

		var enc *mode.Encoder
		if kconn.EncoderID != 0 {
			enc, _ = b.dev.GetEncoder(kconn.EncoderID)
		}

		conn := b.connectorByID(id)
		if conn == nil {
			conn, err = b.newConnector(kconn, enc)
			if err != nil {
				b.log.WithError(err).WithField("connector", id).Error("Failed to track connector")
				continue
			}
		}
		seen[conn] = true

		if enc != nil {
			b.adoptCrtc(conn, enc.CrtcID)
		} else if conn.state != StateConnected {
			conn.crtc = nil
		}

		switch {
		case conn.state == StateDisconnected && kconn.Connection == mode.Connected:
			conn.connect(kconn)
			added = append(added, conn)
		case (conn.state == StateConnected || conn.state == StateNeedsModeset) &&
			kconn.Connection != mode.Connected:
			conn.log.Info("Disconnected")
			conn.cleanup()
		}
	}

	for _, conn := range append([]*Connector(nil), b.connectors...) {
		if seen[conn] {
			continue
		}
		conn.log.Info("Disappeared")
		conn.Destroy()
	}

	for _, conn := range added {
		conn.log.Info("Requesting modeset")
		b.Events.NewOutput.Emit(conn)
	}
}

func (b *Backend) newConnector(kconn *mode.Connector, enc *mode.Encoder) (*Connector, error) {
	conn := &Connector{
		backend: b,
		id:      kconn.ID,
		name:    kconn.Name(),
		state:   StateDisconnected,
	}
	conn.log = b.log.WithField("output", conn.name)

	timer, err := b.loop.AddTimer(conn.handleRetry)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create retry timer")
	}
	conn.retryPageflip = timer

	if enc != nil && enc.CrtcID != 0 {
		if crtc, err := b.dev.GetCrtc(enc.CrtcID); err == nil {
			conn.oldCrtc = crtc
		}
	}

	b.connectors = append(b.connectors, conn)
	conn.log.Info("Found connector")
	return conn, nil
}

// adoptCrtc records the CRTC the kernel drives the connector with,
// unless the backend gave that CRTC to another connector.
func (b *Backend) adoptCrtc(conn *Connector, crtcID uint32) {
	if conn.state == StateConnected {
		return
	}
	crtc := b.crtcByID(crtcID)
	if crtc == nil {
		conn.crtc = nil
		return
	}
	for _, c := range b.connectors {
		if c != conn && c.crtc == crtc {
			return
		}
	}
	conn.crtc = crtc
}

// connect fills in the output details of a newly connected monitor.
func (c *Connector) connect(kconn *mode.Connector) {
	b := c.backend
	c.log.Info("Connected")
	if c.crtc != nil {
		c.log.Debugf("Current CRTC: %d", c.crtc.ID)
	}

	c.physWidth, c.physHeight = kconn.Width, kconn.Height
	c.subpixel = kconn.Subpixel
	c.log.Infof("Physical size: %dx%d", c.physWidth, c.physHeight)

	props, err := getConnectorProps(b.dev, c.id)
	if err != nil {
		c.log.WithError(err).Error("Failed to get connector properties")
	}
	c.props = props

	var edid []byte
	if props.EDID != 0 {
		edid, err = getPropBlob(b.dev, c.id, mode.ObjectConnector, props.EDID)
		if err != nil {
			c.log.WithError(err).Debug("Failed to read EDID")
		}
	}
	info := parseEDID(edid)
	c.vendor, c.model, c.serial = info.Make, info.Model, info.Serial

	c.modes = c.modes[:0]
	c.log.Info("Detected modes:")
	for _, info := range kconn.Modes {
		m := newMode(info)
		c.log.Infof("  %s", m)
		c.modes = append(c.modes, m)
	}

	c.enabled = true
	c.state = StateNeedsModeset
}

// handleEvents dispatches the events queued on the device.
func (b *Backend) handleEvents() {
	events, err := b.dev.ReadEvents()
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) {
			b.log.WithError(err).Error("Failed to read DRM events")
		}
		return
	}
	for _, ev := range events {
		if ev.Type != mode.EventFlipComplete {
			continue
		}
		conn := b.connectorByID(uint32(ev.UserData))
		if conn == nil {
			continue
		}
		conn.handlePageflip(ev)
	}
}

func (b *Backend) handleHotplug(devnode string) {
	if devnode != b.dev.Path() {
		return
	}
	b.log.Debug("DRM device invalidated")
	b.scanConnectors()
}

// handleSession reprograms the outputs after a VT switch back, since
// another DRM master may have changed the hardware state.
func (b *Backend) handleSession(active bool) {
	if !active {
		b.log.Info("DRM fd paused")
		return
	}
	b.log.Info("DRM fd resumed")
	b.scanConnectors()

	for _, conn := range append([]*Connector(nil), b.connectors...) {
		if conn.state == StateConnected && conn.enabled && conn.currentMode != nil {
			conn.pageflipPending = false
			if err := conn.SetMode(conn.currentMode); err != nil {
				continue
			}
		} else if conn.state == StateConnected && conn.crtc != nil {
			b.iface.connEnable(conn, false)
		}

		crtc := conn.crtc
		if crtc == nil {
			continue
		}
		var bo render.Buffer
		if plane := crtc.Cursor(); plane != nil && plane.cursorEnabled {
			bo = plane.cursorBO
		}
		b.iface.crtcSetCursor(crtc, bo)
		b.iface.crtcMoveCursor(crtc, conn.cursorX, conn.cursorY)

		if len(crtc.gammaR) > 0 {
			b.iface.crtcSetGamma(crtc, crtc.gammaR, crtc.gammaG, crtc.gammaB)
		}
	}
}

// restoreOutputs waits for pending flips, then puts back the CRTC
// configuration found when the connectors were first seen.
func (b *Backend) restoreOutputs() {
	for _, conn := range b.connectors {
		if conn.state == StateConnected {
			conn.state = StateCleanup
		}
	}

	deadline := time.Now().Add(restoreTimeout)
	for b.flipsPending() {
		left := time.Until(deadline)
		if left <= 0 {
			b.log.Error("Timed out stopping output renderers")
			break
		}
		fds := []unix.PollFd{{Fd: int32(b.dev.Fd()), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(left.Milliseconds())+1)
		if err != nil && err != unix.EINTR {
			b.log.WithError(err).Error("Failed to poll DRM fd")
			break
		}
		if n > 0 {
			b.handleEvents()
		}
	}

	for _, conn := range b.connectors {
		crtc := conn.oldCrtc
		if crtc == nil {
			continue
		}
		var m *mode.Info
		if crtc.ModeValid != 0 {
			m = &crtc.Mode
		}
		if err := b.dev.SetCrtc(crtc.ID, crtc.BufferID, crtc.X, crtc.Y, []uint32{conn.id}, m); err != nil {
			conn.log.WithError(err).Error("Failed to restore CRTC")
		}
	}
}

func (b *Backend) flipsPending() bool {
	for _, conn := range b.connectors {
		if conn.state == StateCleanup && conn.pageflipPending {
			return true
		}
	}
	return false
}

// Destroy restores the outputs found at startup and releases the
// device.
func (b *Backend) Destroy() {
	if b.destroyed {
		return
	}
	b.destroyed = true
	b.log.Info("Destroying DRM backend")

	b.restoreOutputs()
	for _, conn := range append([]*Connector(nil), b.connectors...) {
		conn.Destroy()
	}

	b.Events.Destroy.Emit(b)

	b.sessionListener.Destroy()
	b.hotplugListener.Destroy()
	b.finishResources()
	b.renderer.Destroy()
	b.drmEvent.Remove()
	if err := b.dev.Close(); err != nil {
		b.log.WithError(err).Debug("Failed to close DRM device")
	}

	b.Events.NewOutput.RemoveAll()
	b.Events.OutputRemoved.RemoveAll()
	b.Events.Destroy.RemoveAll()
}
