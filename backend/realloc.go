package backend

import (
	"github.com/pkg/errors"

	"github.com/NeowayLabs/drmbackend/match"
)

// reallocCrtcs finds a CRTC for conn, moving CRTCs between connectors
// if needed, then reassigns planes. It fails without changing anything
// when conn cannot be matched, another connected output would lose its
// CRTC, or a CRTC in use would be left without a primary plane. It returns the connectors whose pipeline changed; conn is
// always one of them.
func (b *Backend) reallocCrtcs(conn *Connector) (map[*Connector]bool, error) {
	conns := b.connectors
	index := -1
	possible := make([]uint32, len(conns))
	for i, c := range conns {
		if c == conn {
			index = i
		}
		if c.state == StateConnected {
			possible[i] = c.possibleCrtc
		}
	}
	if index < 0 {
		return nil, errors.New("connector not tracked by backend")
	}
	possible[index] = conn.possibleCrtc

	current := make([]uint32, len(b.crtcs))
	for i := range b.crtcs {
		current[i] = match.Unmatched
		for j, c := range conns {
			if c.crtc == &b.crtcs[i] {
				current[i] = uint32(j)
				break
			}
		}
	}

	result, _ := match.Match(possible, current)

	matched := make([]bool, len(conns))
	for _, r := range result {
		if r != match.Unmatched && r != match.Skip {
			matched[r] = true
		}
	}
	if !matched[index] {
		return nil, ErrNoCrtc
	}
	for i, c := range conns {
		if i != index && c.state == StateConnected && !matched[i] {
			return nil, errors.Wrapf(ErrNoCrtc, "would take the CRTC of %s", c.name)
		}
	}

	plans := b.planPlanes(result)
	primaries := plans[PlanePrimary]
	for i, r := range result {
		if r == match.Unmatched {
			continue
		}
		c := conns[r]
		if c != conn && c.state != StateConnected {
			continue
		}
		if primaries == nil || primaries[i] == match.Unmatched {
			return nil, errors.Wrapf(ErrNoCrtc, "no primary plane for CRTC %d", b.crtcs[i].ID)
		}
	}

	changed := map[*Connector]bool{conn: true}
	for i := range b.crtcs {
		if result[i] == current[i] {
			continue
		}
		crtc := &b.crtcs[i]
		if current[i] != match.Unmatched {
			old := conns[current[i]]
			if old.crtc == crtc {
				old.crtc = nil
			}
		}
		// the pipeline changes owner, drop what the previous one drew
		for _, p := range crtc.planes {
			if p != nil {
				p.finish()
			}
		}
	}
	for i := range b.crtcs {
		if result[i] == current[i] || result[i] == match.Unmatched {
			continue
		}
		c := conns[result[i]]
		c.crtc = &b.crtcs[i]
		changed[c] = true
	}

	b.reallocPlanes(result, plans, changed)
	return changed, nil
}

// planPlanes matches the planes of every type to the CRTCs in use
// without touching any slot. crtcOwners[i] is the connector index
// driving CRTC i, or Unmatched. The plan of a type without planes is
// nil.
func (b *Backend) planPlanes(crtcOwners []uint32) (plans [planeTypeCount][]uint32) {
	for t := PlaneType(0); t < planeTypeCount; t++ {
		planes := b.typePlanes[t]
		if len(planes) == 0 {
			continue
		}

		possible := make([]uint32, len(planes))
		for i := range planes {
			possible[i] = planes[i].PossibleCrtcs
		}

		current := make([]uint32, len(b.crtcs))
		for i := range b.crtcs {
			p := b.crtcs[i].planes[t]
			switch {
			case crtcOwners[i] == match.Unmatched:
				current[i] = match.Skip
			case p != nil && !p.Synthetic():
				current[i] = uint32(p.index)
			default:
				current[i] = match.Unmatched
			}
		}

		plans[t], _ = match.Match(possible, current)
	}
	return plans
}

// reallocPlanes applies the plans of planPlanes.
func (b *Backend) reallocPlanes(crtcOwners []uint32, plans [planeTypeCount][]uint32, changed map[*Connector]bool) {
	for t := PlaneType(0); t < planeTypeCount; t++ {
		planes, result := b.typePlanes[t], plans[t]
		if result == nil {
			continue
		}

		for i := range b.crtcs {
			if result[i] == match.Skip {
				continue
			}
			crtc := &b.crtcs[i]
			old := crtc.planes[t]

			var next *Plane
			if result[i] != match.Unmatched {
				next = &planes[result[i]]
			}
			if old == next {
				continue
			}
			// a synthetic cursor stays until a real plane replaces it
			if next == nil && old != nil && old.Synthetic() {
				continue
			}

			changed[b.connectors[crtcOwners[i]]] = true
			if old != nil {
				old.finish()
				if old.Synthetic() {
					old.destroyCursor()
				}
			}
			if next != nil {
				next.finish()
			}
			crtc.planes[t] = next
		}

		// idle CRTCs must not keep a plane handed to another one
		for i := range b.crtcs {
			if result[i] != match.Skip {
				continue
			}
			p := b.crtcs[i].planes[t]
			if p == nil || p.Synthetic() {
				continue
			}
			for j := range b.crtcs {
				if j != i && b.crtcs[j].planes[t] == p {
					b.crtcs[i].planes[t] = nil
					break
				}
			}
		}
	}
}
