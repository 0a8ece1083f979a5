// Package match assigns wanted objects to supply slots under per-object
// possibility bitmasks, keeping existing assignments where it can.
//
// It is used twice by the DRM backend: connectors onto CRTCs, and CRTCs
// onto planes of one type.
package match

const (
	// Unmatched marks a slot with no object.
	Unmatched = ^uint32(0)
	// Skip marks a slot which must not be touched by the matcher.
	Skip = Unmatched - 1
)

type score struct {
	matched int
	kept    int
}

func (s score) less(o score) bool {
	if s.matched != o.matched {
		return s.matched < o.matched
	}
	return s.kept < o.kept
}

type matcher struct {
	objs []uint32
	res  []uint32

	used []bool
	cur  []uint32

	best      []uint32
	bestScore score
	found     bool
}

// Match computes a new assignment of objects to slots.
//
// objs[i] is the bitmask of slots object i may use (bit j = slot j).
// res[j] is the index of the object currently in slot j, Unmatched, or
// Skip. The returned slice has the same layout as res, Skip slots are
// copied unchanged.
//
// The result maximizes the number of matched objects, then the number of
// slots keeping their current object. Slots are searched in ascending
// order; at each slot the current object is tried first, then the other
// objects in ascending index, then leaving it empty. The first best
// assignment found wins.
func Match(objs []uint32, res []uint32) (out []uint32, matched int) {
	m := &matcher{
		objs: objs,
		res:  res,
		used: make([]bool, len(objs)),
		cur:  make([]uint32, len(res)),
		best: make([]uint32, len(res)),
	}
	for i := range m.best {
		m.best[i] = Unmatched
		if res[i] == Skip {
			m.best[i] = Skip
		}
	}

	m.search(0, score{})
	return m.best, m.bestScore.matched
}

func (m *matcher) possible(obj uint32, slot int) bool {
	if obj >= uint32(len(m.objs)) || m.used[obj] || slot >= 32 {
		return false
	}
	return m.objs[obj]&(1<<uint(slot)) != 0
}

// bound returns the best score reachable from slot i onwards.
func (m *matcher) bound(i int, sc score) score {
	free := 0
	for _, u := range m.used {
		if !u {
			free++
		}
	}
	slots, keepable := 0, 0
	for j := i; j < len(m.res); j++ {
		if m.res[j] == Skip {
			continue
		}
		slots++
		if m.res[j] != Unmatched {
			keepable++
		}
	}
	return score{
		matched: sc.matched + min(free, slots),
		kept:    sc.kept + keepable,
	}
}

func (m *matcher) search(i int, sc score) {
	if m.found && !m.bestScore.less(m.bound(i, sc)) {
		return
	}

	if i == len(m.res) {
		m.found = true
		m.bestScore = sc
		copy(m.best, m.cur)
		return
	}

	prev := m.res[i]
	if prev == Skip {
		m.cur[i] = Skip
		m.search(i+1, sc)
		return
	}

	if m.possible(prev, i) {
		m.take(i, prev)
		m.search(i+1, score{sc.matched + 1, sc.kept + 1})
		m.release(prev)
	}

	for obj := uint32(0); obj < uint32(len(m.objs)); obj++ {
		if obj == prev || !m.possible(obj, i) {
			continue
		}
		m.take(i, obj)
		m.search(i+1, score{sc.matched + 1, sc.kept})
		m.release(obj)
	}

	m.cur[i] = Unmatched
	m.search(i+1, sc)
}

func (m *matcher) take(slot int, obj uint32) {
	m.used[obj] = true
	m.cur[slot] = obj
}

func (m *matcher) release(obj uint32) {
	m.used[obj] = false
}
