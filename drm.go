package drm

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"unsafe"

	"github.com/NeowayLabs/drmbackend/ioctl"
)

type (
	sysVersion struct {
		major, minor, patch int32
		nameLen             int64
		name                uintptr
		dateLen             int64
		date                uintptr
		descLen             int64
		desc                uintptr
	}

	// Version identifies the kernel driver behind a card.
	Version struct {
		Major, Minor, Patch int32
		Name                string // driver name, e.g. i915
		Date                string
		Desc                string
	}
)

const driPath = "/dev/dri"

// Available reports the driver version of card0, or why it can't be used.
func Available() (Version, error) {
	f, err := OpenCard(0)
	if err != nil {
		return Version{}, err
	}
	defer f.Close()
	return GetVersion(f)
}

func OpenCard(n int) (*os.File, error) {
	return Open(CardPath(n))
}

// CardPath returns the primary node path of card n.
func CardPath(n int) string {
	return fmt.Sprintf("%s/card%d", driPath, n)
}

// Cards lists the primary device nodes present on the system, sorted.
func Cards() ([]string, error) {
	cards, err := filepath.Glob(filepath.Join(driPath, "card[0-9]*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(cards)
	return cards, nil
}

// Open opens a DRM device node for modesetting.
func Open(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR, 0)
}

// versionString sizes a buffer for a version string of n bytes and
// points ptr at it.
func versionString(n int64, ptr *uintptr) []byte {
	if n <= 0 {
		return nil
	}
	buf := make([]byte, n+1)
	*ptr = uintptr(unsafe.Pointer(&buf[0]))
	return buf
}

func cString(buf []byte, n int64) string {
	if int64(len(buf)) > n {
		buf = buf[:n]
	}
	return string(bytes.TrimRight(buf, "\x00"))
}

// GetVersion queries the driver version. The first call only returns
// the string lengths.
func GetVersion(file *os.File) (Version, error) {
	v := &sysVersion{}
	if err := ioctl.Do(file.Fd(), uintptr(IOCTLVersion), uintptr(unsafe.Pointer(v))); err != nil {
		return Version{}, err
	}

	name := versionString(v.nameLen, &v.name)
	date := versionString(v.dateLen, &v.date)
	desc := versionString(v.descLen, &v.desc)
	if err := ioctl.Do(file.Fd(), uintptr(IOCTLVersion), uintptr(unsafe.Pointer(v))); err != nil {
		return Version{}, err
	}

	return Version{
		Major: v.major,
		Minor: v.minor,
		Patch: v.patch,
		Name:  cString(name, v.nameLen),
		Date:  cString(date, v.dateLen),
		Desc:  cString(desc, v.descLen),
	}, nil
}
