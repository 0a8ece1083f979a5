package backend

import (
	"bytes"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/NeowayLabs/drmbackend"
	"github.com/NeowayLabs/drmbackend/mode"
	"github.com/NeowayLabs/drmbackend/render"
)

const frameTime = 16666666 * time.Nanosecond

func (c fakeCommit) value(f *fakeCard, obj uint32, prop string) (uint64, bool) {
	v, ok := c.values[[2]uint32{obj, f.propID(prop)}]
	return v, ok
}

// singleOutput is one CRTC with its primary plane and one connected
// HDMI monitor.
func singleOutput(t *testing.T) (*testEnv, *fakeConn) {
	card := newFakeCard(t, 1)
	card.addPrimaries()
	fc := card.addConnector(mode.ConnectorHDMIA, true, 1,
		testMode(1280, 720, false), testMode(1920, 1080, true))
	return newTestEnv(t, card), fc
}

func (env *testEnv) output(t *testing.T) *Connector {
	if len(env.added) != 1 {
		t.Fatalf("%d outputs announced, expected 1", len(env.added))
	}
	return env.added[0]
}

func TestPlaneClassification(t *testing.T) {
	unsetNoAtomic(t)
	card := newFakeCard(t, 2)
	card.addPlane(mode.PlaneTypeCursor, 3)
	card.addPlane(mode.PlaneTypePrimary, 1)
	card.addPlane(mode.PlaneTypeOverlay, 3)
	card.addPlane(mode.PlaneTypePrimary, 2)
	card.addPlane(mode.PlaneTypeOverlay, 3)
	bogus := card.addPlane(mode.PlaneTypeOverlay, 3)
	card.objProps[bogus][card.propID("type")] = 7

	env := newTestEnv(t, card)
	b := env.b

	expected := map[PlaneType]int{PlaneOverlay: 2, PlanePrimary: 2, PlaneCursor: 1}
	total := 0
	for typ, n := range expected {
		planes := b.Planes(typ)
		if len(planes) != n {
			t.Errorf("%s: got %d planes, expected %d", typ, len(planes), n)
		}
		for i, p := range planes {
			if p.Type != typ {
				t.Errorf("%s plane %d has type %s", typ, p.ID, p.Type)
			}
			if p.index != i {
				t.Errorf("%s plane %d: index %d, expected %d", typ, p.ID, p.index, i)
			}
		}
		total += len(planes)
	}
	if total != len(b.planes) {
		t.Errorf("buckets hold %d planes, backend has %d", total, len(b.planes))
	}
	for i := 1; i < len(b.planes); i++ {
		if b.planes[i].Type < b.planes[i-1].Type {
			t.Fatalf("planes not sorted by type: %s after %s", b.planes[i].Type, b.planes[i-1].Type)
		}
	}
	// buckets are views of the same array
	if &b.Planes(PlanePrimary)[0] != &b.planes[2] {
		t.Errorf("primary bucket does not alias the plane array")
	}
}

func TestUniversalPlanesRequired(t *testing.T) {
	unsetNoAtomic(t)
	card := newFakeCard(t, 1)
	card.noUniversal = true
	_, err := New(card, Options{
		Loop:    newFakeLoop(),
		Session: &fakeSession{active: true},
		Log:     testLogger(),
	})
	if err == nil {
		t.Fatalf("backend created without universal planes")
	}
}

func TestParentNeedsPrime(t *testing.T) {
	unsetNoAtomic(t)
	parent := newTestEnv(t, newFakeCard(t, 1))

	card := newFakeCard(t, 1)
	card.caps[drm.CapPrime] = drm.PrimeCapExport
	_, err := New(card, Options{
		Loop:    newFakeLoop(),
		Session: &fakeSession{active: true},
		Log:     testLogger(),
		Parent:  parent.b,
	})
	if err == nil {
		t.Fatalf("backend created without PRIME import")
	}
}

func TestAtomicModeset(t *testing.T) {
	unsetNoAtomic(t)
	env, fc := singleOutput(t)
	card, b := env.card, env.b

	if !b.Atomic() {
		t.Fatalf("atomic interface not selected")
	}
	if card.clientCaps[drm.ClientCapUniversalPlanes] != 1 {
		t.Errorf("universal planes not enabled")
	}
	if b.PresentationClock() != 1 {
		t.Errorf("presentation clock %d, expected CLOCK_MONOTONIC", b.PresentationClock())
	}

	conn := env.output(t)
	if conn.Name() != "HDMI-A-1" {
		t.Errorf("output name %q", conn.Name())
	}
	if conn.State() != StateNeedsModeset {
		t.Fatalf("state %s after connect", conn.State())
	}
	if len(conn.Modes()) != 2 {
		t.Fatalf("%d modes, expected 2", len(conn.Modes()))
	}

	m := conn.PreferredMode()
	if m.Width != 1920 || m.Height != 1080 || m.Refresh != 60000 {
		t.Fatalf("preferred mode %s", m)
	}
	if err := conn.SetMode(m); err != nil {
		t.Fatalf("SetMode: %s", err)
	}
	if conn.State() != StateConnected {
		t.Fatalf("state %s after modeset", conn.State())
	}
	crtc := conn.Crtc()
	if crtc == nil || crtc.ID != card.crtcs[0] {
		t.Fatalf("output not driven by the only CRTC")
	}
	primary := crtc.Primary()
	if w, h := primary.surf.Width(), primary.surf.Height(); w != 1920 || h != 1080 {
		t.Errorf("primary surface %dx%d", w, h)
	}

	commit := card.lastCommit()
	if commit.flags != mode.PageFlipEvent|mode.AtomicAllowModeset {
		t.Errorf("modeset flags %#x", commit.flags)
	}
	if commit.userData != uint64(fc.id) {
		t.Errorf("flip user data %d, expected connector %d", commit.userData, fc.id)
	}
	blob, _ := commit.value(card, crtc.ID, "MODE_ID")
	if blob == 0 || uint32(blob) != crtc.modeBlob {
		t.Fatalf("MODE_ID %d, CRTC blob %d", blob, crtc.modeBlob)
	}
	if !bytes.Equal(card.blobs[uint32(blob)], mode.InfoBytes(&m.Info)) {
		t.Errorf("mode blob does not hold the mode")
	}
	if v, _ := commit.value(card, fc.id, "CRTC_ID"); v != uint64(crtc.ID) {
		t.Errorf("connector CRTC_ID %d", v)
	}
	if v, _ := commit.value(card, primary.ID, "SRC_W"); v != 1920<<16 {
		t.Errorf("SRC_W %#x, expected 16.16 fixed point width", v)
	}
	if v, _ := commit.value(card, primary.ID, "FB_ID"); v == 0 {
		t.Errorf("no framebuffer committed")
	}
	if crtc.atomic.Cursor() != 0 {
		t.Errorf("request not emptied after commit")
	}
	if !conn.PageflipPending() {
		t.Fatalf("no flip pending after modeset")
	}

	var presents []*PresentEvent
	frames := 0
	conn.Events.Present.Add(func(ev *PresentEvent) { presents = append(presents, ev) })
	conn.Events.Frame.Add(func(*Connector) { frames++ })

	env.flip()
	if conn.PageflipPending() {
		t.Fatalf("flip still pending after completion")
	}
	if frames != 1 || len(presents) != 1 {
		t.Fatalf("%d frames, %d presents", frames, len(presents))
	}
	if presents[0].Refresh != frameTime || presents[0].Seq != 1 {
		t.Errorf("present refresh %v seq %d", presents[0].Refresh, presents[0].Seq)
	}
	if !presents[0].When.Equal(time.Unix(1, 500000)) {
		t.Errorf("present timestamp %v", presents[0].When)
	}

	if err := conn.MakeCurrent(); err != nil {
		t.Fatalf("MakeCurrent: %s", err)
	}
	r := conn.Renderer()
	if err := r.Begin(1920, 1080); err != nil {
		t.Fatalf("Begin: %s", err)
	}
	r.Clear(color.RGBA{R: 0xff, A: 0xff})
	r.End()
	if err := conn.SwapBuffers(); err != nil {
		t.Fatalf("SwapBuffers: %s", err)
	}
	commit = card.lastCommit()
	if commit.flags != mode.PageFlipEvent|mode.AtomicNonblock {
		t.Errorf("flip flags %#x", commit.flags)
	}
}

func TestPendingFlipRejected(t *testing.T) {
	unsetNoAtomic(t)
	env, _ := singleOutput(t)
	conn := env.output(t)
	if err := conn.SetMode(conn.PreferredMode()); err != nil {
		t.Fatalf("SetMode: %s", err)
	}

	calls := env.card.kernelCalls
	if err := conn.SwapBuffers(); !errors.Is(err, ErrPageflipPending) {
		t.Fatalf("SwapBuffers with a flip in flight: %v", err)
	}
	if err := conn.pageflip(1, nil); !errors.Is(err, ErrPageflipPending) {
		t.Fatalf("pageflip with a flip in flight: %v", err)
	}
	if env.card.kernelCalls != calls {
		t.Errorf("%d kernel calls for rejected flips", env.card.kernelCalls-calls)
	}
}

func TestLegacyForcedByEnv(t *testing.T) {
	t.Setenv(NoAtomicEnv, "1")
	env, fc := singleOutput(t)
	card := env.card

	if env.b.Atomic() {
		t.Fatalf("atomic interface selected with %s set", NoAtomicEnv)
	}
	if _, ok := card.clientCaps[drm.ClientCapAtomic]; ok {
		t.Errorf("atomic client cap requested")
	}

	conn := env.output(t)
	if err := conn.SetMode(conn.PreferredMode()); err != nil {
		t.Fatalf("SetMode: %s", err)
	}
	if len(card.commits) != 0 {
		t.Errorf("%d atomic commits on the legacy path", len(card.commits))
	}
	if len(card.setCrtcs) != 1 || card.setCrtcs[0] != card.crtcs[0] {
		t.Fatalf("SetCrtc calls: %v", card.setCrtcs)
	}
	if len(card.flips) != 1 {
		t.Fatalf("%d page flips, expected 1", len(card.flips))
	}
	flip := card.flips[0]
	if flip.crtc != card.crtcs[0] || flip.fb == 0 || flip.userData != uint64(fc.id) {
		t.Errorf("page flip %+v", flip)
	}
	if card.crtcState[card.crtcs[0]].Mode.Hdisplay != 1920 {
		t.Errorf("mode not set on the CRTC")
	}

	frames := 0
	conn.Events.Frame.Add(func(*Connector) { frames++ })
	env.flip()
	if frames != 1 {
		t.Errorf("%d frames after flip", frames)
	}

	if err := conn.Enable(false); err != nil {
		t.Fatalf("Enable(false): %s", err)
	}
	if card.dpms[fc.id] != mode.DPMSOff {
		t.Errorf("DPMS %d after disable", card.dpms[fc.id])
	}
}

func TestLegacyForcedByOption(t *testing.T) {
	unsetNoAtomic(t)
	card := newFakeCard(t, 1)
	b, err := New(card, Options{
		Loop:      newFakeLoop(),
		Session:   &fakeSession{active: true},
		Log:       testLogger(),
		Allocator: render.NewMemoryAllocator(),
		NoAtomic:  true,
	})
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	if b.Atomic() {
		t.Errorf("atomic interface selected with NoAtomic")
	}
	b.Destroy()
}

func TestNewFailureClosesDevice(t *testing.T) {
	unsetNoAtomic(t)
	card := newFakeCard(t, 1)
	card.addPrimaries()
	loop := newFakeLoop()
	// without an allocator the fake device has no way to get buffers
	if _, err := New(card, Options{
		Loop:    loop,
		Session: &fakeSession{active: true},
		Log:     testLogger(),
	}); err == nil {
		t.Fatalf("backend created without a buffer allocator")
	}
	if !card.closed {
		t.Errorf("device left open after a failed New")
	}
	if len(loop.fds) != 0 {
		t.Errorf("device fd watched after a failed New")
	}

	card = newFakeCard(t, 1)
	card.noUniversal = true
	if _, err := New(card, Options{
		Loop:      newFakeLoop(),
		Session:   &fakeSession{active: true},
		Log:       testLogger(),
		Allocator: render.NewMemoryAllocator(),
	}); err == nil {
		t.Fatalf("backend created without universal planes")
	}
	if !card.closed {
		t.Errorf("device left open after the feature check failed")
	}
}

func TestLegacyFallback(t *testing.T) {
	unsetNoAtomic(t)
	card := newFakeCard(t, 1)
	card.noAtomic = true
	env := newTestEnv(t, card)
	if env.b.Atomic() {
		t.Errorf("atomic interface selected on a device without atomic")
	}
}

func TestFlipWhileInactive(t *testing.T) {
	unsetNoAtomic(t)
	env, _ := singleOutput(t)
	conn := env.output(t)
	if err := conn.SetMode(conn.PreferredMode()); err != nil {
		t.Fatalf("SetMode: %s", err)
	}

	frames, presents := 0, 0
	conn.Events.Frame.Add(func(*Connector) { frames++ })
	conn.Events.Present.Add(func(*PresentEvent) { presents++ })

	env.session.active = false
	env.flip()
	if conn.PageflipPending() {
		t.Errorf("flip still pending")
	}
	if presents != 1 {
		t.Errorf("%d presents, expected 1", presents)
	}
	if frames != 0 {
		t.Errorf("frame requested while the session is inactive")
	}
	if conn.Crtc().Primary().surf.Front() != nil {
		t.Errorf("front buffer not posted")
	}
	if err := conn.SwapBuffers(); !errors.Is(err, ErrSessionInactive) {
		t.Errorf("SwapBuffers while inactive: %v", err)
	}
}

func TestCrtcContention(t *testing.T) {
	unsetNoAtomic(t)
	card := newFakeCard(t, 1)
	card.addPrimaries()
	card.addConnector(mode.ConnectorHDMIA, true, 1, testMode(1920, 1080, true))
	card.addConnector(mode.ConnectorDisplayPort, true, 1, testMode(2560, 1440, true))
	env := newTestEnv(t, card)

	if len(env.added) != 2 {
		t.Fatalf("%d outputs announced, expected 2", len(env.added))
	}
	first, second := env.added[0], env.added[1]
	if err := first.SetMode(first.PreferredMode()); err != nil {
		t.Fatalf("first SetMode: %s", err)
	}
	crtc := first.Crtc()

	if err := second.SetMode(second.PreferredMode()); !errors.Is(err, ErrNoCrtc) {
		t.Fatalf("second SetMode: %v", err)
	}
	if second.State() != StateDisconnected {
		t.Errorf("second output %s, expected disconnected", second.State())
	}
	if len(env.removed) != 1 || env.removed[0] != second {
		t.Errorf("removal of the second output not announced")
	}
	if first.State() != StateConnected || first.Crtc() != crtc {
		t.Errorf("first output lost its CRTC")
	}
	if first.Crtc().Primary() == nil {
		t.Errorf("first output lost its primary plane")
	}
}

func TestReallocKeepsOutputs(t *testing.T) {
	unsetNoAtomic(t)
	card := newFakeCard(t, 2)
	card.addPrimaries()
	card.addConnector(mode.ConnectorHDMIA, true, 3, testMode(1920, 1080, true))
	card.addConnector(mode.ConnectorDisplayPort, true, 1, testMode(1920, 1080, true))
	env := newTestEnv(t, card)
	a, bConn := env.added[0], env.added[1]
	crtcs := env.b.Crtcs()

	if err := a.SetMode(a.PreferredMode()); err != nil {
		t.Fatalf("SetMode: %s", err)
	}
	env.flip()

	// the second connector only works on the first CRTC
	if err := bConn.SetMode(bConn.PreferredMode()); err != nil {
		t.Fatalf("SetMode: %s", err)
	}
	if bConn.Crtc() != &crtcs[0] {
		t.Fatalf("second output not on CRTC 0")
	}
	if a.Crtc() != &crtcs[1] || a.State() != StateConnected {
		t.Fatalf("first output not moved to CRTC 1")
	}
	if a.Crtc().Primary() == nil || a.Crtc().Primary().PossibleCrtcs != 2 {
		t.Errorf("first output has no primary plane usable on CRTC 1")
	}
	if bConn.Crtc().Primary() == a.Crtc().Primary() {
		t.Errorf("primary plane shared between CRTCs")
	}
}

func TestAtomicCommitRetry(t *testing.T) {
	unsetNoAtomic(t)
	env, _ := singleOutput(t)
	card := env.card
	conn := env.output(t)
	card.failCommits = 1

	if err := conn.SetMode(conn.PreferredMode()); err != nil {
		t.Fatalf("SetMode: %s", err)
	}
	if len(card.commits) != 2 {
		t.Fatalf("%d commits, expected the modeset and its retry", len(card.commits))
	}
	if len(card.commits[1].values) != 0 {
		t.Errorf("retry commit carries %d new items", len(card.commits[1].values))
	}
	if conn.Crtc().atomic.Cursor() != 0 {
		t.Errorf("request cursor %d after commit", conn.Crtc().atomic.Cursor())
	}
	if conn.PageflipPending() {
		t.Errorf("flip pending after a failed commit")
	}

	timer := env.loop.timers[0]
	if timer.armed != frameTime {
		t.Fatalf("retry timer armed for %v, expected %v", timer.armed, frameTime)
	}
	timer.fire()
	if !conn.PageflipPending() {
		t.Errorf("retry did not flip")
	}
	if card.lastCommit().failed {
		t.Errorf("retried commit failed")
	}
}

func TestLegacyFlipRetry(t *testing.T) {
	t.Setenv(NoAtomicEnv, "1")
	env, _ := singleOutput(t)
	conn := env.output(t)
	env.card.failFlips = 1

	if err := conn.SetMode(conn.PreferredMode()); err != nil {
		t.Fatalf("SetMode: %s", err)
	}
	if env.loop.timers[0].armed != frameTime {
		t.Fatalf("retry timer not armed")
	}
	env.loop.timers[0].fire()
	if len(env.card.flips) != 1 || !conn.PageflipPending() {
		t.Errorf("retry did not flip")
	}
}

func TestCursorAndGammaWhileInactive(t *testing.T) {
	t.Setenv(NoAtomicEnv, "1")
	env, _ := singleOutput(t)
	card := env.card
	conn := env.output(t)
	if err := conn.SetMode(conn.PreferredMode()); err != nil {
		t.Fatalf("SetMode: %s", err)
	}
	env.flip()
	crtcID := conn.Crtc().ID

	env.session.setActive(false)
	calls := card.kernelCalls

	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	if err := conn.SetCursor(img, 2, 3); err != nil {
		t.Fatalf("SetCursor: %s", err)
	}
	if err := conn.MoveCursor(100, 100); err != nil {
		t.Fatalf("MoveCursor: %s", err)
	}
	ramp := make([]uint16, 256)
	if err := conn.SetGamma(ramp, ramp, ramp); err != nil {
		t.Fatalf("SetGamma: %s", err)
	}
	if card.kernelCalls != calls {
		t.Fatalf("%d kernel calls while inactive", card.kernelCalls-calls)
	}
	if x, y := conn.CursorPosition(); x != 98 || y != 97 {
		t.Errorf("cursor at %d,%d, expected 98,97", x, y)
	}

	plane := conn.Crtc().Cursor()
	if plane == nil || !plane.Synthetic() {
		t.Fatalf("no synthetic cursor plane")
	}
	if px := plane.cursorBO.Image().RGBAAt(0, 0); px.A != 0xff {
		t.Errorf("cursor image not rendered: %v", px)
	}
	if px := plane.cursorBO.Image().RGBAAt(20, 20); px.A != 0 {
		t.Errorf("cursor buffer not transparent outside the image: %v", px)
	}

	env.session.setActive(true)
	cur := card.cursors[crtcID]
	if cur.width != defaultCursorSize || cur.height != defaultCursorSize {
		t.Errorf("cursor %dx%d after resume", cur.width, cur.height)
	}
	if cur.x != 98 || cur.y != 97 {
		t.Errorf("cursor moved to %d,%d after resume", cur.x, cur.y)
	}
	if card.gamma[crtcID] != 256 {
		t.Errorf("gamma not restored")
	}
	if len(card.setCrtcs) != 2 {
		t.Errorf("mode not set again on resume")
	}
	if !conn.PageflipPending() {
		t.Errorf("no flip after resume")
	}
}

func TestCursorTooLarge(t *testing.T) {
	unsetNoAtomic(t)
	env, _ := singleOutput(t)
	conn := env.output(t)
	if err := conn.SetMode(conn.PreferredMode()); err != nil {
		t.Fatalf("SetMode: %s", err)
	}
	img := image.NewRGBA(image.Rect(0, 0, 65, 65))
	if err := conn.SetCursor(img, 0, 0); !errors.Is(err, ErrCursorTooLarge) {
		t.Errorf("SetCursor: %v", err)
	}
	if err := conn.SetCursor(nil, 0, 0); err != nil {
		t.Errorf("hiding the cursor: %s", err)
	}
	if cur := env.card.cursors[conn.Crtc().ID]; cur.handle != 0 || cur.width != 0 {
		t.Errorf("cursor not cleared: %+v", cur)
	}
}

func TestAtomicGamma(t *testing.T) {
	unsetNoAtomic(t)
	env, _ := singleOutput(t)
	conn := env.output(t)
	if err := conn.SetMode(conn.PreferredMode()); err != nil {
		t.Fatalf("SetMode: %s", err)
	}
	if n := conn.GammaSize(); n != 256 {
		t.Errorf("gamma size %d", n)
	}

	tests := env.card.testCommits
	ramp := make([]uint16, 256)
	if err := conn.SetGamma(ramp, ramp, ramp); err != nil {
		t.Fatalf("SetGamma: %s", err)
	}
	crtc := conn.Crtc()
	if crtc.gammaLUT == 0 || len(env.card.blobs[crtc.gammaLUT]) != 256*8 {
		t.Errorf("gamma LUT blob not created")
	}
	if env.card.testCommits != tests+1 {
		t.Errorf("gamma change not tested")
	}
	if err := conn.SetGamma(ramp, ramp, ramp[:10]); err == nil {
		t.Errorf("mismatched ramps accepted")
	}
}

func TestAtomicTestFailureRewinds(t *testing.T) {
	unsetNoAtomic(t)
	env, _ := singleOutput(t)
	conn := env.output(t)
	if err := conn.SetMode(conn.PreferredMode()); err != nil {
		t.Fatalf("SetMode: %s", err)
	}
	env.flip()

	env.card.failTests = true
	if err := conn.Enable(false); err == nil {
		t.Fatalf("Enable succeeded with a failing test commit")
	}
	if conn.Crtc().atomic.Cursor() != 0 {
		t.Errorf("failed operation left %d items queued", conn.Crtc().atomic.Cursor())
	}
}

func TestEnable(t *testing.T) {
	unsetNoAtomic(t)
	env, fc := singleOutput(t)
	card := env.card
	conn := env.output(t)
	if err := conn.Enable(true); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Enable before modeset: %v", err)
	}
	if err := conn.SetMode(conn.PreferredMode()); err != nil {
		t.Fatalf("SetMode: %s", err)
	}
	env.flip()
	crtc := conn.Crtc()

	if err := conn.Enable(false); err != nil {
		t.Fatalf("Enable(false): %s", err)
	}
	commit := card.lastCommit()
	if commit.flags != mode.AtomicAllowModeset {
		t.Errorf("disable flags %#x", commit.flags)
	}
	if v, ok := commit.value(card, crtc.ID, "ACTIVE"); !ok || v != 0 {
		t.Errorf("ACTIVE %d", v)
	}
	if v, ok := commit.value(card, fc.id, "CRTC_ID"); !ok || v != 0 {
		t.Errorf("connector CRTC_ID %d", v)
	}
	if conn.Enabled() {
		t.Errorf("output still enabled")
	}

	if err := conn.Enable(true); err != nil {
		t.Fatalf("Enable(true): %s", err)
	}
	if !conn.Enabled() || !conn.PageflipPending() {
		t.Errorf("output not flipping after enable")
	}

	env.session.active = false
	calls := card.kernelCalls
	if err := conn.Enable(false); err != nil {
		t.Fatalf("Enable while inactive: %s", err)
	}
	if card.kernelCalls != calls || conn.Enabled() {
		t.Errorf("inactive Enable touched the device or lost the state")
	}
}

func TestDisconnectAndVanish(t *testing.T) {
	unsetNoAtomic(t)
	env, fc := singleOutput(t)
	card, b := env.card, env.b
	conn := env.output(t)
	if err := conn.SetMode(conn.PreferredMode()); err != nil {
		t.Fatalf("SetMode: %s", err)
	}
	if env.alloc.Live() == 0 {
		t.Fatalf("no buffers allocated by the modeset")
	}

	// another device changed
	env.session.hotplug.Emit("/dev/dri/card0")
	if conn.State() != StateConnected {
		t.Fatalf("rescanned on a foreign hotplug event")
	}

	card.setConnected(fc, false)
	env.session.hotplug.Emit(card.Path())
	if conn.State() != StateDisconnected {
		t.Fatalf("state %s after unplug", conn.State())
	}
	if len(env.removed) != 1 || env.removed[0] != conn {
		t.Errorf("removal not announced")
	}
	if conn.Crtc() != nil || conn.CurrentMode() != nil || len(conn.Modes()) != 0 {
		t.Errorf("disconnected output kept its pipeline")
	}
	if env.alloc.Live() != 0 {
		t.Errorf("%d buffers leaked", env.alloc.Live())
	}
	if len(b.Outputs()) != 0 || len(b.Connectors()) != 1 {
		t.Errorf("%d outputs, %d connectors", len(b.Outputs()), len(b.Connectors()))
	}

	card.setConnected(fc, true)
	env.session.hotplug.Emit(card.Path())
	if len(env.added) != 2 || env.added[1] != conn {
		t.Fatalf("reconnect not announced")
	}
	if conn.State() != StateNeedsModeset {
		t.Errorf("state %s after reconnect", conn.State())
	}

	card.removeConnector(fc)
	env.session.hotplug.Emit(card.Path())
	if len(b.Connectors()) != 0 {
		t.Fatalf("vanished connector still tracked")
	}
	if len(env.removed) != 2 {
		t.Errorf("removal of the vanished output not announced")
	}
	if !env.loop.timers[0].removed {
		t.Errorf("retry timer of the vanished connector not removed")
	}
}

func TestEDIDIdentity(t *testing.T) {
	unsetNoAtomic(t)
	card := newFakeCard(t, 1)
	card.addPrimaries()
	fc := card.addConnector(mode.ConnectorDisplayPort, true, 1, testMode(2560, 1440, true))
	card.setEDID(fc, testEDID())
	env := newTestEnv(t, card)

	conn := env.output(t)
	if conn.Make() != "Dell" || conn.Model() != "U2415" || conn.Serial() != "7MT01234" {
		t.Errorf("identity %q %q %q", conn.Make(), conn.Model(), conn.Serial())
	}
	if w, h := conn.PhysicalSize(); w != 520 || h != 290 {
		t.Errorf("physical size %dx%d", w, h)
	}
	if conn.Subpixel() != mode.SubpixelHorizontalRGB {
		t.Errorf("subpixel %d", conn.Subpixel())
	}
}

func TestAddMode(t *testing.T) {
	unsetNoAtomic(t)
	env, _ := singleOutput(t)
	conn := env.output(t)

	m, err := conn.AddMode(testMode(1600, 900, false))
	if err != nil {
		t.Fatalf("AddMode: %s", err)
	}
	if m.Info.Type&mode.TypeUserDef == 0 {
		t.Errorf("custom mode not flagged user defined")
	}
	if _, err := conn.AddMode(mode.Info{Hdisplay: 800}); err == nil {
		t.Errorf("mode without timings accepted")
	}
	if err := conn.SetMode(m); err != nil {
		t.Fatalf("SetMode: %s", err)
	}
	if w, h := conn.Crtc().Primary().surf.Width(), conn.Crtc().Primary().surf.Height(); w != 1600 || h != 900 {
		t.Errorf("surface %dx%d", w, h)
	}

	conn.SetTransform(Transform90)
	if w, h := conn.TransformedResolution(); w != 900 || h != 1600 {
		t.Errorf("transformed resolution %dx%d", w, h)
	}
}

func TestSessionResume(t *testing.T) {
	unsetNoAtomic(t)
	env, _ := singleOutput(t)
	card := env.card
	conn := env.output(t)

	env.session.active = false
	if err := conn.SetMode(conn.PreferredMode()); err != nil {
		t.Fatalf("SetMode: %s", err)
	}
	if len(card.commits) != 0 {
		t.Fatalf("modeset committed while inactive")
	}
	if conn.State() != StateConnected {
		t.Fatalf("state %s", conn.State())
	}

	env.session.setActive(true)
	if len(card.commits) != 1 || !conn.PageflipPending() {
		t.Fatalf("modeset not committed on resume")
	}
	if card.lastCommit().flags&mode.AtomicAllowModeset == 0 {
		t.Errorf("resume flip without modeset")
	}
}

func TestDestroyRestoresCrtc(t *testing.T) {
	unsetNoAtomic(t)
	card := newFakeCard(t, 1)
	card.addPrimaries()
	fc := card.addConnector(mode.ConnectorEDP, true, 1, testMode(1920, 1080, true))
	crtcID := card.crtcs[0]
	card.encoders[fc.encoder].CrtcID = crtcID
	old := card.crtcState[crtcID]
	old.BufferID, old.ModeValid, old.Mode = 77, 1, testMode(1920, 1080, true)
	env := newTestEnv(t, card)

	conn := env.output(t)
	if conn.Crtc() == nil || conn.Crtc().ID != crtcID {
		t.Fatalf("current CRTC not adopted")
	}
	if err := conn.SetMode(conn.PreferredMode()); err != nil {
		t.Fatalf("SetMode: %s", err)
	}
	if len(card.setCrtcs) != 0 {
		t.Fatalf("atomic modeset went through SetCrtc")
	}

	destroyed := 0
	env.b.Events.Destroy.Add(func(*Backend) { destroyed++ })

	// the flip completes while the backend waits for it
	card.completeFlips()
	start := time.Now()
	env.b.Destroy()

	if len(card.events) != 0 {
		t.Errorf("pending flip not drained")
	}
	if time.Since(start) >= restoreTimeout {
		t.Errorf("teardown waited for the timeout although the flip completed")
	}
	if len(card.setCrtcs) != 1 || card.setCrtcs[0] != crtcID || card.crtcState[crtcID].BufferID != 77 {
		t.Errorf("boot configuration not restored")
	}
	if destroyed != 1 {
		t.Errorf("destroy announced %d times", destroyed)
	}
	if len(env.removed) != 1 {
		t.Errorf("output removal not announced")
	}
	if !card.closed {
		t.Errorf("device not closed")
	}
	if len(card.blobs) != 0 {
		t.Errorf("%d blobs left", len(card.blobs))
	}
	if env.alloc.Live() != 0 {
		t.Errorf("%d buffers leaked", env.alloc.Live())
	}
	if len(env.loop.fds) != 0 {
		t.Errorf("device fd still watched")
	}

	env.b.Destroy()
	if destroyed != 1 {
		t.Errorf("second Destroy ran again")
	}
}

func TestDestroyRestoresAfterFlipTimeout(t *testing.T) {
	unsetNoAtomic(t)
	timeout := restoreTimeout
	restoreTimeout = 50 * time.Millisecond
	t.Cleanup(func() { restoreTimeout = timeout })

	card := newFakeCard(t, 1)
	card.addPrimaries()
	fc := card.addConnector(mode.ConnectorEDP, true, 1, testMode(1920, 1080, true))
	crtcID := card.crtcs[0]
	card.encoders[fc.encoder].CrtcID = crtcID
	old := card.crtcState[crtcID]
	old.BufferID, old.ModeValid, old.Mode = 77, 1, testMode(1920, 1080, true)
	env := newTestEnv(t, card)

	conn := env.output(t)
	if err := conn.SetMode(conn.PreferredMode()); err != nil {
		t.Fatalf("SetMode: %s", err)
	}
	if !conn.PageflipPending() {
		t.Fatalf("no flip pending after modeset")
	}

	// the flip never completes
	start := time.Now()
	env.b.Destroy()
	if elapsed := time.Since(start); elapsed < restoreTimeout {
		t.Errorf("teardown gave up after %v, before the timeout", elapsed)
	}
	if len(card.setCrtcs) != 1 || card.setCrtcs[0] != crtcID || card.crtcState[crtcID].BufferID != 77 {
		t.Errorf("boot configuration not restored after the timeout")
	}
	if !card.closed {
		t.Errorf("device not closed")
	}
}

func TestModesetWaitsForPendingFlip(t *testing.T) {
	unsetNoAtomic(t)
	env, fc := singleOutput(t)
	card := env.card
	conn := env.output(t)
	if err := conn.SetMode(conn.PreferredMode()); err != nil {
		t.Fatalf("SetMode: %s", err)
	}

	var small *Mode
	for _, m := range conn.Modes() {
		if m.Width == 1280 {
			small = m
		}
	}
	commits := len(card.commits)
	if err := conn.SetMode(small); err != nil {
		t.Fatalf("SetMode with a flip in flight: %s", err)
	}
	if len(card.commits) != commits {
		t.Fatalf("%d commits issued over a pending flip", len(card.commits)-commits)
	}
	if conn.CurrentMode() != small || conn.State() != StateConnected {
		t.Fatalf("mode %s, state %s", conn.CurrentMode(), conn.State())
	}

	frames := 0
	conn.Events.Frame.Add(func(*Connector) { frames++ })
	env.flip()

	if len(card.commits) != commits+1 {
		t.Fatalf("deferred modeset not committed after the flip")
	}
	commit := card.lastCommit()
	if commit.flags != mode.PageFlipEvent|mode.AtomicAllowModeset || commit.userData != uint64(fc.id) {
		t.Errorf("deferred modeset flags %#x user data %d", commit.flags, commit.userData)
	}
	blob, _ := commit.value(card, conn.Crtc().ID, "MODE_ID")
	if !bytes.Equal(card.blobs[uint32(blob)], mode.InfoBytes(&small.Info)) {
		t.Errorf("deferred modeset does not carry the new mode")
	}
	if frames != 0 || !conn.PageflipPending() {
		t.Errorf("frame requested before the modeset flip completed")
	}

	env.flip()
	if frames != 1 {
		t.Errorf("%d frames after the modeset flip", frames)
	}
}

func TestMovedOutputModesetAfterFlip(t *testing.T) {
	unsetNoAtomic(t)
	card := newFakeCard(t, 2)
	card.addPrimaries()
	card.addConnector(mode.ConnectorHDMIA, true, 3, testMode(1920, 1080, true))
	card.addConnector(mode.ConnectorDisplayPort, true, 1, testMode(1920, 1080, true))
	env := newTestEnv(t, card)
	a, bConn := env.added[0], env.added[1]
	crtcs := env.b.Crtcs()

	// the first flip is still in flight when the second output takes CRTC 0
	if err := a.SetMode(a.PreferredMode()); err != nil {
		t.Fatalf("SetMode: %s", err)
	}
	if err := bConn.SetMode(bConn.PreferredMode()); err != nil {
		t.Fatalf("SetMode: %s", err)
	}
	if a.Crtc() != &crtcs[1] {
		t.Fatalf("first output not moved to CRTC 1")
	}
	commits := len(card.commits)

	env.flip()

	var modeset *fakeCommit
	for i := commits; i < len(card.commits); i++ {
		if card.commits[i].userData == uint64(a.ID()) {
			modeset = &card.commits[i]
		}
	}
	if modeset == nil {
		t.Fatalf("moved output never modeset on its new CRTC")
	}
	if modeset.flags&mode.AtomicAllowModeset == 0 {
		t.Errorf("moved output flipped without a modeset, flags %#x", modeset.flags)
	}
	if v, _ := modeset.value(card, a.ID(), "CRTC_ID"); v != uint64(crtcs[1].ID) {
		t.Errorf("moved output committed on CRTC %d", v)
	}
	if v, _ := modeset.value(card, crtcs[1].ID, "ACTIVE"); v != 1 {
		t.Errorf("CRTC 1 not activated")
	}
}

func TestReallocWithoutPrimaryChangesNothing(t *testing.T) {
	unsetNoAtomic(t)
	card := newFakeCard(t, 2)
	// the only primary plane works on CRTC 0 alone
	card.addPlane(mode.PlaneTypePrimary, 1)
	card.addConnector(mode.ConnectorHDMIA, true, 3, testMode(1920, 1080, true))
	card.addConnector(mode.ConnectorDisplayPort, true, 1, testMode(1920, 1080, true))
	env := newTestEnv(t, card)
	a, bConn := env.added[0], env.added[1]
	crtcs := env.b.Crtcs()

	if err := a.SetMode(a.PreferredMode()); err != nil {
		t.Fatalf("SetMode: %s", err)
	}
	env.flip()
	crtc, primary := a.Crtc(), a.Crtc().Primary()
	if crtc != &crtcs[0] || primary == nil {
		t.Fatalf("first output not on CRTC 0 with its primary plane")
	}
	commits := len(card.commits)

	// taking CRTC 0 would move the first output to a CRTC with no primary
	if err := bConn.SetMode(bConn.PreferredMode()); !errors.Is(err, ErrNoCrtc) {
		t.Fatalf("SetMode: %v", err)
	}
	if a.State() != StateConnected || a.Crtc() != crtc || crtc.Primary() != primary {
		t.Errorf("first output lost its pipeline")
	}
	if primary.surf.Width() != 1920 {
		t.Errorf("first output surface torn down")
	}
	if crtcs[1].Primary() != nil {
		t.Errorf("CRTC 1 got a primary plane")
	}
	if bConn.State() != StateDisconnected || bConn.Crtc() != nil {
		t.Errorf("second output %s, expected disconnected", bConn.State())
	}
	if len(card.commits) != commits {
		t.Errorf("%d commits for a rejected reallocation", len(card.commits)-commits)
	}
}

func TestLegacyEnableWithoutDPMS(t *testing.T) {
	t.Setenv(NoAtomicEnv, "1")
	env, fc := singleOutput(t)
	conn := env.output(t)
	if err := conn.SetMode(conn.PreferredMode()); err != nil {
		t.Fatalf("SetMode: %s", err)
	}
	env.flip()

	conn.props.DPMS = 0
	if err := conn.Enable(false); err != nil {
		t.Fatalf("Enable(false) without DPMS: %s", err)
	}
	if _, ok := env.card.dpms[fc.id]; ok {
		t.Errorf("DPMS written without the property")
	}
	if conn.Enabled() {
		t.Errorf("output still enabled")
	}
}

// testEDID is a base block for a Dell U2415.
func testEDID() []byte {
	edid := make([]byte, edidLen)
	copy(edid, []byte{0x00, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x00})
	// D=4 E=5 L=12, five bits each
	edid[8], edid[9] = 0x10, 0xac
	edid[10], edid[11] = 0xa0, 0xa0

	name := edid[72:90]
	name[3] = edidTagName
	copy(name[5:], "U2415\n      ")

	serial := edid[90:108]
	serial[3] = edidTagSerial
	copy(serial[5:], "7MT01234\n   ")
	return sealEDID(edid)
}

// sealEDID writes the fixed header and the block checksum.
func sealEDID(edid []byte) []byte {
	copy(edid, []byte{0x00, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x00})
	var sum byte
	for _, b := range edid[:edidLen-1] {
		sum += b
	}
	edid[edidLen-1] = -sum
	return edid
}
