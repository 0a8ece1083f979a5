package backend

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/NeowayLabs/drmbackend/mode"
	"github.com/NeowayLabs/drmbackend/render"
)

// PlaneType is the role of a plane, in the order planes are sorted.
type PlaneType int

const (
	PlaneOverlay PlaneType = mode.PlaneTypeOverlay
	PlanePrimary PlaneType = mode.PlaneTypePrimary
	PlaneCursor  PlaneType = mode.PlaneTypeCursor

	planeTypeCount = 3
)

func (t PlaneType) String() string {
	switch t {
	case PlaneOverlay:
		return "overlay"
	case PlanePrimary:
		return "primary"
	case PlaneCursor:
		return "cursor"
	}
	return "unknown"
}

type (
	// Plane is a hardware scanout plane. A plane with ID 0 is a
	// software stand-in for a missing cursor plane, driven through the
	// legacy cursor ioctls.
	Plane struct {
		ID            uint32
		Type          PlaneType
		PossibleCrtcs uint32

		index int // position within its type
		props planeProps

		surf     render.Surface
		mgpuSurf render.Surface

		// cursor planes only
		cursorBO      render.Buffer
		cursorEnabled bool
		hotspotX      int
		hotspotY      int
	}

	// Crtc is a display pipeline. Its plane slots are indexed by
	// PlaneType.
	Crtc struct {
		ID uint32

		props       crtcProps
		legacyGamma int

		atomic   *mode.AtomicReq
		modeBlob uint32
		gammaLUT uint32

		planes [planeTypeCount]*Plane

		gammaR, gammaG, gammaB []uint16
	}
)

func (c *Crtc) Plane(t PlaneType) *Plane { return c.planes[t] }
func (c *Crtc) Primary() *Plane          { return c.planes[PlanePrimary] }
func (c *Crtc) Cursor() *Plane           { return c.planes[PlaneCursor] }
func (c *Crtc) Overlay() *Plane          { return c.planes[PlaneOverlay] }

func (p *Plane) Synthetic() bool { return p.ID == 0 }

// finish releases the plane surfaces.
func (p *Plane) finish() {
	p.surf.Finish()
	p.mgpuSurf.Finish()
}

// initResources enumerates the CRTCs and planes of the device. Planes
// are sorted by type so each type is a contiguous sub-slice.
func (b *Backend) initResources() error {
	res, err := b.dev.GetResources()
	if err != nil {
		return errors.Wrap(err, "Failed to get DRM resources")
	}
	b.log.Infof("Found %d DRM CRTCs", len(res.Crtcs))

	b.crtcs = make([]Crtc, len(res.Crtcs))
	for i, id := range res.Crtcs {
		crtc := &b.crtcs[i]
		crtc.ID = id
		if kcrtc, err := b.dev.GetCrtc(id); err == nil {
			crtc.legacyGamma = kcrtc.GammaSize
		}
		crtc.props, err = getCrtcProps(b.dev, id)
		if err != nil {
			b.log.WithError(err).WithField("crtc", id).Error("Failed to get CRTC properties")
		}
	}

	return b.initPlanes()
}

func (b *Backend) initPlanes() error {
	ids, err := b.dev.GetPlaneResources()
	if err != nil {
		return errors.Wrap(err, "Failed to get DRM plane resources")
	}
	b.log.Infof("Found %d DRM planes", len(ids))

	planes := make([]Plane, 0, len(ids))
	for _, id := range ids {
		log := b.log.WithField("plane", id)
		kplane, err := b.dev.GetPlane(id)
		if err != nil {
			log.WithError(err).Error("Failed to get DRM plane")
			continue
		}
		props, err := getPlaneProps(b.dev, id)
		if err != nil {
			log.WithError(err).Error("Failed to get plane properties")
			continue
		}
		typ, err := getProp(b.dev, id, mode.ObjectPlane, props.Type)
		if err != nil || typ >= planeTypeCount {
			log.WithError(err).Error("Failed to get plane type")
			continue
		}
		planes = append(planes, Plane{
			ID:            id,
			Type:          PlaneType(typ),
			PossibleCrtcs: kplane.PossibleCrtcs,
			props:         props,
		})
	}

	sort.SliceStable(planes, func(i, j int) bool {
		return planes[i].Type < planes[j].Type
	})

	b.planes = planes
	start := 0
	for t := PlaneType(0); t < planeTypeCount; t++ {
		end := start
		for end < len(planes) && planes[end].Type == t {
			planes[end].index = end - start
			end++
		}
		b.typePlanes[t] = planes[start:end:end]
		start = end
	}

	b.log.WithFields(logrus.Fields{
		"overlay": len(b.typePlanes[PlaneOverlay]),
		"primary": len(b.typePlanes[PlanePrimary]),
		"cursor":  len(b.typePlanes[PlaneCursor]),
	}).Info("Classified DRM planes")
	return nil
}

// Planes returns the planes of one type.
func (b *Backend) Planes(t PlaneType) []Plane {
	return b.typePlanes[t]
}

func (b *Backend) Crtcs() []Crtc {
	return b.crtcs
}

func (b *Backend) crtcIndex(c *Crtc) int {
	for i := range b.crtcs {
		if &b.crtcs[i] == c {
			return i
		}
	}
	return -1
}

func (b *Backend) crtcByID(id uint32) *Crtc {
	for i := range b.crtcs {
		if b.crtcs[i].ID == id {
			return &b.crtcs[i]
		}
	}
	return nil
}

// finishResources releases everything the CRTCs and planes hold on the
// device.
func (b *Backend) finishResources() {
	for i := range b.crtcs {
		crtc := &b.crtcs[i]
		if crtc.modeBlob != 0 {
			b.dev.DestroyPropertyBlob(crtc.modeBlob)
			crtc.modeBlob = 0
		}
		if crtc.gammaLUT != 0 {
			b.dev.DestroyPropertyBlob(crtc.gammaLUT)
			crtc.gammaLUT = 0
		}
		crtc.atomic = nil
		if cur := crtc.planes[PlaneCursor]; cur != nil && cur.Synthetic() {
			cur.destroyCursor()
			cur.finish()
		}
		crtc.planes = [planeTypeCount]*Plane{}
	}
	for i := range b.planes {
		b.planes[i].destroyCursor()
		b.planes[i].finish()
	}
}

func (p *Plane) destroyCursor() {
	if p.cursorBO != nil {
		p.cursorBO.Destroy()
		p.cursorBO = nil
	}
	p.cursorEnabled = false
}
