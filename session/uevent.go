package session

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/NeowayLabs/drmbackend/eventloop"
)

// kernel uevent multicast group
const ueventKernelGroup = 1

// Uevent is a kernel device event.
type Uevent struct {
	Action  string
	DevPath string
	Env     map[string]string
}

// ParseUevent decodes a kernel uevent datagram: a "action@devpath"
// header followed by NUL separated KEY=VALUE pairs. Messages relayed by
// udev carry a binary header and are rejected.
func ParseUevent(msg []byte) (Uevent, bool) {
	fields := bytes.Split(msg, []byte{0})
	if len(fields) == 0 {
		return Uevent{}, false
	}
	action, devpath, ok := strings.Cut(string(fields[0]), "@")
	if !ok || action == "" {
		return Uevent{}, false
	}

	ev := Uevent{
		Action:  action,
		DevPath: devpath,
		Env:     make(map[string]string),
	}
	for _, f := range fields[1:] {
		if k, v, ok := strings.Cut(string(f), "="); ok {
			ev.Env[k] = v
		}
	}
	return ev, true
}

// DRMHotplug reports whether the event is a connector change on a DRM
// device, and returns the device node.
func (ev Uevent) DRMHotplug() (string, bool) {
	if ev.Env["SUBSYSTEM"] != "drm" || ev.Action != "change" || ev.Env["HOTPLUG"] != "1" {
		return "", false
	}
	name := ev.Env["DEVNAME"]
	if name == "" {
		return "", false
	}
	if !strings.HasPrefix(name, "/") {
		name = "/dev/" + name
	}
	return name, true
}

type ueventMonitor struct {
	fd  int
	src eventloop.Source
	buf []byte
}

func newUeventMonitor(loop Loop, fn func(Uevent)) (*ueventMonitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK,
		unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, errors.Wrap(err, "netlink socket")
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: ueventKernelGroup,
	}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "netlink bind")
	}

	m := &ueventMonitor{fd: fd, buf: make([]byte, 8192)}
	m.src, err = loop.AddFd(fd, eventloop.Readable, func(eventloop.Mask) {
		for {
			n, _, err := unix.Recvfrom(m.fd, m.buf, 0)
			if err != nil || n <= 0 {
				return
			}
			if ev, ok := ParseUevent(m.buf[:n]); ok {
				fn(ev)
			}
		}
	})
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return m, nil
}

func (m *ueventMonitor) close() {
	if m == nil {
		return
	}
	m.src.Remove()
	unix.Close(m.fd)
}
