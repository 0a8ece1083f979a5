package mode

import (
	"os"
	"runtime"
	"sort"
	"unsafe"

	"github.com/NeowayLabs/drmbackend"
	"github.com/NeowayLabs/drmbackend/ioctl"
)

// Page flip and atomic commit flags.
const (
	PageFlipEvent = 0x01
	PageFlipAsync = 0x02

	AtomicTestOnly     = 0x0100
	AtomicNonblock     = 0x0200
	AtomicAllowModeset = 0x0400
)

type (
	sysAtomic struct {
		flags         uint32
		countObjs     uint32
		objsPtr       uint64
		countPropsPtr uint64
		propsPtr      uint64
		propValuesPtr uint64
		reserved      uint64
		userData      uint64
	}

	atomicItem struct {
		obj, prop uint32
		value     uint64
	}

	// AtomicReq accumulates object properties for one atomic commit.
	// Items past the cursor are discarded by SetCursor, which lets a
	// caller roll back changes added after a known good point.
	AtomicReq struct {
		items []atomicItem
	}

	atomicArgs struct {
		objs       []uint32
		countProps []uint32
		props      []uint32
		values     []uint64
	}
)

var (
	// DRM_IOWR(0xBC, struct drm_mode_atomic)
	IOCTLModeAtomic = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysAtomic{})), drm.IOCTLBase, 0xBC)
)

func NewAtomicReq() *AtomicReq {
	return &AtomicReq{items: make([]atomicItem, 0, 16)}
}

// Add queues a property change and returns the new cursor.
func (r *AtomicReq) Add(obj, prop uint32, value uint64) int {
	r.items = append(r.items, atomicItem{obj: obj, prop: prop, value: value})
	return len(r.items)
}

func (r *AtomicReq) Cursor() int {
	return len(r.items)
}

// SetCursor truncates the request to its first cursor items. The
// backing array is kept for the next frame.
func (r *AtomicReq) SetCursor(cursor int) {
	if cursor < 0 {
		cursor = 0
	}
	if cursor < len(r.items) {
		r.items = r.items[:cursor]
	}
}

// Value returns the last value queued for (obj, prop).
func (r *AtomicReq) Value(obj, prop uint32) (uint64, bool) {
	for i := len(r.items) - 1; i >= 0; i-- {
		if r.items[i].obj == obj && r.items[i].prop == prop {
			return r.items[i].value, true
		}
	}
	return 0, false
}

// args groups the queued items by object, sorted by object and property
// id. When a property is queued twice the last value wins.
func (r *AtomicReq) args() atomicArgs {
	sorted := make([]atomicItem, len(r.items))
	copy(sorted, r.items)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].obj != sorted[j].obj {
			return sorted[i].obj < sorted[j].obj
		}
		return sorted[i].prop < sorted[j].prop
	})

	var a atomicArgs
	for i, it := range sorted {
		if i+1 < len(sorted) && sorted[i+1].obj == it.obj && sorted[i+1].prop == it.prop {
			continue
		}
		if len(a.objs) == 0 || a.objs[len(a.objs)-1] != it.obj {
			a.objs = append(a.objs, it.obj)
			a.countProps = append(a.countProps, 0)
		}
		a.countProps[len(a.countProps)-1]++
		a.props = append(a.props, it.prop)
		a.values = append(a.values, it.value)
	}
	return a
}

// AtomicCommit submits every queued item in a single transaction.
// userData is echoed back in the flip completion event.
func AtomicCommit(file *os.File, req *AtomicReq, flags uint32, userData uint64) error {
	a := req.args()
	atomic := &sysAtomic{
		flags:     flags,
		countObjs: uint32(len(a.objs)),
		userData:  userData,
	}
	if len(a.objs) > 0 {
		atomic.objsPtr = uint64(uintptr(unsafe.Pointer(&a.objs[0])))
		atomic.countPropsPtr = uint64(uintptr(unsafe.Pointer(&a.countProps[0])))
		atomic.propsPtr = uint64(uintptr(unsafe.Pointer(&a.props[0])))
		atomic.propValuesPtr = uint64(uintptr(unsafe.Pointer(&a.values[0])))
	}
	err := do(file, IOCTLModeAtomic, unsafe.Pointer(atomic))
	runtime.KeepAlive(a)
	return err
}
