package backend

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/NeowayLabs/drmbackend"
	"github.com/NeowayLabs/drmbackend/eventloop"
	"github.com/NeowayLabs/drmbackend/mode"
	"github.com/NeowayLabs/drmbackend/render"
	"github.com/NeowayLabs/drmbackend/signal"
)

// fakeCard is an in-memory KMS device. Page flips complete when the
// test calls completeFlips.
type (
	fakeConn struct {
		id, typ, typeID uint32
		connection      uint8
		encoder         uint32
		modes           []mode.Info
		edid            []byte
	}

	fakePlane struct {
		id       uint32
		typ      int
		possible uint32
	}

	fakeCommit struct {
		flags    uint32
		userData uint64
		values   map[[2]uint32]uint64
		failed   bool
	}

	fakeFlip struct {
		crtc, fb uint32
		userData uint64
	}

	fakeCursor struct {
		handle, width, height uint32
		x, y                  int32
	}

	fakeCard struct {
		t   *testing.T
		efd int

		noUniversal bool
		noAtomic    bool
		caps        map[uint64]uint64
		clientCaps  map[uint64]uint64

		nextID    uint32
		crtcs     []uint32
		crtcState map[uint32]*mode.Crtc
		encoders  map[uint32]*mode.Encoder
		conns     []*fakeConn
		planes    []fakePlane

		propIDs   map[string]uint32
		propNames map[uint32]string
		objProps  map[uint32]map[uint32]uint64
		blobs     map[uint32][]byte

		failCommits int
		failTests   bool
		failFlips   int

		kernelCalls int
		testCommits int
		commits     []fakeCommit
		flips       []fakeFlip
		setCrtcs    []uint32
		cursors     map[uint32]fakeCursor
		gamma       map[uint32]int
		dpms        map[uint32]uint64

		inflight []fakeFlip
		events   []mode.Event
		seq      uint32
		closed   bool
	}
)

func newFakeCard(t *testing.T, crtcs int) *fakeCard {
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		t.Fatalf("eventfd: %s", err)
	}
	f := &fakeCard{
		t:          t,
		efd:        efd,
		caps:       map[uint64]uint64{drm.CapTimestampMonotonic: 1, drm.CapPrime: 3},
		clientCaps: map[uint64]uint64{},
		nextID:     30,
		crtcState:  map[uint32]*mode.Crtc{},
		encoders:   map[uint32]*mode.Encoder{},
		propIDs:    map[string]uint32{},
		propNames:  map[uint32]string{},
		objProps:   map[uint32]map[uint32]uint64{},
		blobs:      map[uint32][]byte{},
		cursors:    map[uint32]fakeCursor{},
		gamma:      map[uint32]int{},
		dpms:       map[uint32]uint64{},
	}
	t.Cleanup(func() {
		if !f.closed {
			unix.Close(f.efd)
		}
	})

	for i := 0; i < crtcs; i++ {
		id := f.newID()
		f.crtcs = append(f.crtcs, id)
		f.crtcState[id] = &mode.Crtc{ID: id, GammaSize: 256}
		f.setProps(id, "ACTIVE", "MODE_ID", "GAMMA_LUT", "GAMMA_LUT_SIZE")
		f.objProps[id][f.propID("GAMMA_LUT_SIZE")] = 256
	}
	return f
}

func (f *fakeCard) newID() uint32 {
	f.nextID++
	return f.nextID
}

func (f *fakeCard) propID(name string) uint32 {
	id, ok := f.propIDs[name]
	if !ok {
		id = f.newID()
		f.propIDs[name] = id
		f.propNames[id] = name
	}
	return id
}

func (f *fakeCard) setProps(obj uint32, names ...string) {
	if f.objProps[obj] == nil {
		f.objProps[obj] = map[uint32]uint64{}
	}
	for _, name := range names {
		f.objProps[obj][f.propID(name)] = 0
	}
}

// addPlane adds a plane usable by the CRTC indices in possible.
func (f *fakeCard) addPlane(typ int, possible uint32) uint32 {
	id := f.newID()
	f.planes = append(f.planes, fakePlane{id: id, typ: typ, possible: possible})
	f.setProps(id, "type", "SRC_X", "SRC_Y", "SRC_W", "SRC_H",
		"CRTC_X", "CRTC_Y", "CRTC_W", "CRTC_H", "FB_ID", "CRTC_ID")
	f.objProps[id][f.propID("type")] = uint64(typ)
	return id
}

// addPrimaries gives every CRTC its own primary plane.
func (f *fakeCard) addPrimaries() {
	for i := range f.crtcs {
		f.addPlane(mode.PlaneTypePrimary, 1<<uint(i))
	}
}

func (f *fakeCard) addConnector(typ uint32, connected bool, possibleCrtcs uint32, modes ...mode.Info) *fakeConn {
	c := &fakeConn{
		id:      f.newID(),
		typ:     typ,
		encoder: f.newID(),
		modes:   modes,
	}
	for _, other := range f.conns {
		if other.typ == typ {
			c.typeID++
		}
	}
	c.typeID++
	f.setConnected(c, connected)
	f.encoders[c.encoder] = &mode.Encoder{ID: c.encoder, PossibleCrtcs: possibleCrtcs}
	f.setProps(c.id, "CRTC_ID", "DPMS", "EDID", "link-status")
	f.conns = append(f.conns, c)
	return c
}

func (f *fakeCard) setConnected(c *fakeConn, connected bool) {
	c.connection = mode.Disconnected
	if connected {
		c.connection = mode.Connected
	}
}

func (f *fakeCard) removeConnector(c *fakeConn) {
	for i, other := range f.conns {
		if other == c {
			f.conns = append(f.conns[:i], f.conns[i+1:]...)
			return
		}
	}
}

func (f *fakeCard) setEDID(c *fakeConn, edid []byte) {
	blob := f.newID()
	f.blobs[blob] = edid
	f.objProps[c.id][f.propID("EDID")] = uint64(blob)
}

func (f *fakeCard) prop(obj uint32, name string) uint64 {
	return f.objProps[obj][f.propID(name)]
}

// completeFlips turns every flip in flight into a completion event.
func (f *fakeCard) completeFlips() {
	for _, flip := range f.inflight {
		f.seq++
		f.events = append(f.events, mode.Event{
			Type:     mode.EventFlipComplete,
			UserData: flip.userData,
			Sec:      1,
			Usec:     500,
			Sequence: f.seq,
			CrtcID:   flip.crtc,
		})
	}
	f.inflight = nil
	if len(f.events) > 0 {
		var buf [8]byte
		binary.NativeEndian.PutUint64(buf[:], 1)
		unix.Write(f.efd, buf[:])
	}
}

func (f *fakeCard) lastCommit() fakeCommit {
	if len(f.commits) == 0 {
		f.t.Fatalf("no atomic commit")
	}
	return f.commits[len(f.commits)-1]
}

func (f *fakeCard) Fd() uintptr  { return uintptr(f.efd) }
func (f *fakeCard) Path() string { return "/dev/dri/card7" }

func (f *fakeCard) Close() error {
	if f.closed {
		return errors.New("closed twice")
	}
	f.closed = true
	return unix.Close(f.efd)
}

func (f *fakeCard) GetCap(c uint64) (uint64, error) {
	v, ok := f.caps[c]
	if !ok {
		return 0, unix.EINVAL
	}
	return v, nil
}

func (f *fakeCard) SetClientCap(c, val uint64) error {
	switch {
	case c == drm.ClientCapUniversalPlanes && f.noUniversal:
		return unix.EINVAL
	case c == drm.ClientCapAtomic && f.noAtomic:
		return unix.EOPNOTSUPP
	}
	f.clientCaps[c] = val
	return nil
}

func (f *fakeCard) GetResources() (*mode.Resources, error) {
	res := &mode.Resources{Crtcs: append([]uint32(nil), f.crtcs...)}
	for _, c := range f.conns {
		res.Connectors = append(res.Connectors, c.id)
		res.Encoders = append(res.Encoders, c.encoder)
	}
	return res, nil
}

func (f *fakeCard) GetConnector(id uint32) (*mode.Connector, error) {
	for _, c := range f.conns {
		if c.id != id {
			continue
		}
		kc := &mode.Connector{
			ID:         c.id,
			Type:       c.typ,
			TypeID:     c.typeID,
			Connection: c.connection,
			Width:      520,
			Height:     290,
			Subpixel:   mode.SubpixelHorizontalRGB,
			Modes:      append([]mode.Info(nil), c.modes...),
			Encoders:   []uint32{c.encoder},
		}
		if f.encoders[c.encoder].CrtcID != 0 {
			kc.EncoderID = c.encoder
		}
		return kc, nil
	}
	return nil, unix.ENOENT
}

func (f *fakeCard) GetEncoder(id uint32) (*mode.Encoder, error) {
	enc, ok := f.encoders[id]
	if !ok {
		return nil, unix.ENOENT
	}
	e := *enc
	return &e, nil
}

func (f *fakeCard) GetCrtc(id uint32) (*mode.Crtc, error) {
	c, ok := f.crtcState[id]
	if !ok {
		return nil, unix.ENOENT
	}
	crtc := *c
	return &crtc, nil
}

func (f *fakeCard) encoderOf(connID uint32) *mode.Encoder {
	for _, c := range f.conns {
		if c.id == connID {
			return f.encoders[c.encoder]
		}
	}
	return nil
}

func (f *fakeCard) SetCrtc(crtcID, fbID, x, y uint32, connectors []uint32, m *mode.Info) error {
	f.kernelCalls++
	f.setCrtcs = append(f.setCrtcs, crtcID)
	state, ok := f.crtcState[crtcID]
	if !ok {
		return unix.ENOENT
	}
	state.BufferID, state.X, state.Y = fbID, x, y
	if m != nil {
		state.Mode, state.ModeValid = *m, 1
	}
	for _, id := range connectors {
		if enc := f.encoderOf(id); enc != nil {
			enc.CrtcID = crtcID
		}
	}
	return nil
}

func (f *fakeCard) GetPlaneResources() ([]uint32, error) {
	var ids []uint32
	for _, p := range f.planes {
		ids = append(ids, p.id)
	}
	return ids, nil
}

func (f *fakeCard) GetPlane(id uint32) (*mode.Plane, error) {
	for _, p := range f.planes {
		if p.id == id {
			return &mode.Plane{ID: id, PossibleCrtcs: p.possible}, nil
		}
	}
	return nil, unix.ENOENT
}

func (f *fakeCard) ObjectGetProperties(objID, objType uint32) (*mode.ObjectProperties, error) {
	props, ok := f.objProps[objID]
	if !ok {
		return nil, unix.ENOENT
	}
	res := &mode.ObjectProperties{}
	for id := range props {
		res.Props = append(res.Props, id)
	}
	sort.Slice(res.Props, func(i, j int) bool { return res.Props[i] < res.Props[j] })
	for _, id := range res.Props {
		res.Values = append(res.Values, props[id])
	}
	return res, nil
}

func (f *fakeCard) GetProperty(id uint32) (*mode.Property, error) {
	name, ok := f.propNames[id]
	if !ok {
		return nil, unix.ENOENT
	}
	return &mode.Property{ID: id, Name: name}, nil
}

func (f *fakeCard) GetPropertyBlob(id uint32) ([]byte, error) {
	data, ok := f.blobs[id]
	if !ok {
		return nil, unix.ENOENT
	}
	return data, nil
}

func (f *fakeCard) CreatePropertyBlob(data []byte) (uint32, error) {
	id := f.newID()
	f.blobs[id] = append([]byte(nil), data...)
	return id, nil
}

func (f *fakeCard) DestroyPropertyBlob(id uint32) error {
	if _, ok := f.blobs[id]; !ok {
		return unix.ENOENT
	}
	delete(f.blobs, id)
	return nil
}

func (f *fakeCard) ObjectSetProperty(objID, objType, propID uint32, value uint64) error {
	f.kernelCalls++
	props, ok := f.objProps[objID]
	if !ok {
		return unix.ENOENT
	}
	props[propID] = value
	if f.propNames[propID] == "DPMS" {
		f.dpms[objID] = value
	}
	return nil
}

func (f *fakeCard) AtomicCommit(req *mode.AtomicReq, flags uint32, userData uint64) error {
	f.kernelCalls++
	if flags&mode.AtomicTestOnly != 0 {
		f.testCommits++
		if f.failTests {
			return unix.EINVAL
		}
		return nil
	}

	values := map[[2]uint32]uint64{}
	for obj, props := range f.objProps {
		for prop := range props {
			if v, ok := req.Value(obj, prop); ok {
				values[[2]uint32{obj, prop}] = v
			}
		}
	}
	commit := fakeCommit{flags: flags, userData: userData, values: values}
	// the kernel has no CRTC to send the event for an empty request
	if f.failCommits > 0 || (flags&mode.PageFlipEvent != 0 && len(values) == 0) {
		if f.failCommits > 0 {
			f.failCommits--
		}
		commit.failed = true
		f.commits = append(f.commits, commit)
		return unix.EINVAL
	}
	f.commits = append(f.commits, commit)

	for key, v := range values {
		f.objProps[key[0]][key[1]] = v
		if f.propNames[key[1]] == "CRTC_ID" {
			if enc := f.encoderOf(key[0]); enc != nil {
				enc.CrtcID = uint32(v)
			}
		}
	}
	if flags&mode.PageFlipEvent != 0 {
		f.inflight = append(f.inflight, fakeFlip{userData: userData})
	}
	return nil
}

func (f *fakeCard) PageFlip(crtcID, fbID, flags uint32, userData uint64) error {
	f.kernelCalls++
	if f.failFlips > 0 {
		f.failFlips--
		return unix.EBUSY
	}
	flip := fakeFlip{crtc: crtcID, fb: fbID, userData: userData}
	f.flips = append(f.flips, flip)
	if flags&mode.PageFlipEvent != 0 {
		f.inflight = append(f.inflight, flip)
	}
	return nil
}

func (f *fakeCard) SetCursor(crtcID, handle, width, height uint32) error {
	f.kernelCalls++
	cur := f.cursors[crtcID]
	cur.handle, cur.width, cur.height = handle, width, height
	f.cursors[crtcID] = cur
	return nil
}

func (f *fakeCard) MoveCursor(crtcID uint32, x, y int32) error {
	f.kernelCalls++
	cur := f.cursors[crtcID]
	cur.x, cur.y = x, y
	f.cursors[crtcID] = cur
	return nil
}

func (f *fakeCard) SetGamma(crtcID uint32, r, g, b []uint16) error {
	f.kernelCalls++
	f.gamma[crtcID] = len(r)
	return nil
}

func (f *fakeCard) ReadEvents() ([]mode.Event, error) {
	var buf [8]byte
	unix.Read(f.efd, buf[:])
	if len(f.events) == 0 {
		return nil, unix.EAGAIN
	}
	events := f.events
	f.events = nil
	return events, nil
}

type (
	fakeLoop struct {
		fds    map[int]func(eventloop.Mask)
		timers []*fakeTimer
	}

	fakeSource struct {
		loop *fakeLoop
		fd   int
	}

	fakeTimer struct {
		fn      func()
		armed   time.Duration
		removed bool
	}
)

func newFakeLoop() *fakeLoop {
	return &fakeLoop{fds: map[int]func(eventloop.Mask){}}
}

func (l *fakeLoop) AddFd(fd int, mask eventloop.Mask, fn func(eventloop.Mask)) (eventloop.Source, error) {
	l.fds[fd] = fn
	return &fakeSource{loop: l, fd: fd}, nil
}

func (l *fakeLoop) AddTimer(fn func()) (eventloop.Timer, error) {
	t := &fakeTimer{fn: fn}
	l.timers = append(l.timers, t)
	return t, nil
}

// dispatch runs the callback of fd as if it became readable.
func (l *fakeLoop) dispatch(fd int) {
	if fn, ok := l.fds[fd]; ok {
		fn(eventloop.Readable)
	}
}

func (s *fakeSource) Remove() error {
	delete(s.loop.fds, s.fd)
	return nil
}

func (t *fakeTimer) Update(d time.Duration) error {
	t.armed = d
	return nil
}

func (t *fakeTimer) Remove() error {
	t.removed = true
	return nil
}

func (t *fakeTimer) fire() {
	t.armed = 0
	t.fn()
}

type fakeSession struct {
	active   bool
	activeCh signal.Signal[bool]
	hotplug  signal.Signal[string]
}

func (s *fakeSession) Active() bool { return s.active }

func (s *fakeSession) OnActive(fn func(bool)) *signal.Listener {
	return s.activeCh.Add(fn)
}

func (s *fakeSession) OnHotplug(fn func(string)) *signal.Listener {
	return s.hotplug.Add(fn)
}

func (s *fakeSession) setActive(active bool) {
	s.active = active
	s.activeCh.Emit(active)
}

type testEnv struct {
	card    *fakeCard
	loop    *fakeLoop
	session *fakeSession
	alloc   *render.MemoryAllocator
	b       *Backend

	added   []*Connector
	removed []*Connector
}

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.Out = io.Discard
	log.Level = logrus.DebugLevel
	return logrus.NewEntry(log)
}

func unsetNoAtomic(t *testing.T) {
	t.Setenv(NoAtomicEnv, "")
	os.Unsetenv(NoAtomicEnv)
}

// newTestEnv creates a backend on card and starts it.
func newTestEnv(t *testing.T, card *fakeCard) *testEnv {
	env := &testEnv{
		card:    card,
		loop:    newFakeLoop(),
		session: &fakeSession{active: true},
		alloc:   render.NewMemoryAllocator(),
	}
	b, err := New(card, Options{
		Loop:      env.loop,
		Session:   env.session,
		Log:       testLogger(),
		Allocator: env.alloc,
	})
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	env.b = b
	b.Events.NewOutput.Add(func(c *Connector) { env.added = append(env.added, c) })
	b.Events.OutputRemoved.Add(func(c *Connector) { env.removed = append(env.removed, c) })
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %s", err)
	}
	return env
}

// flip delivers the pending flip events through the event loop.
func (env *testEnv) flip() {
	env.card.completeFlips()
	env.loop.dispatch(env.card.efd)
}

// testMode returns a 60 Hz mode of the given size.
func testMode(w, h uint16, preferred bool) mode.Info {
	m := mode.Info{
		Clock:    uint32(w+280) * uint32(h+45) * 60 / 1000,
		Hdisplay: w,
		Htotal:   w + 280,
		Vdisplay: h,
		Vtotal:   h + 45,
	}
	if preferred {
		m.Type = mode.TypePreferred
	}
	copy(m.Name[:], fmt.Sprintf("%dx%d", w, h))
	return m
}
