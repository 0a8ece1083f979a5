// Package session gives the compositor access to GPU devices without
// root privileges and tracks whether its seat is in the foreground.
//
// Two strategies are supported: logind over D-Bus, and direct VT
// handling for processes running as root.
package session

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/NeowayLabs/drmbackend/eventloop"
	"github.com/NeowayLabs/drmbackend/mode"
	"github.com/NeowayLabs/drmbackend/signal"
)

const drmMajor = 226

// Loop is the part of the event loop sessions need.
type Loop interface {
	AddFd(fd int, mask eventloop.Mask, fn func(eventloop.Mask)) (eventloop.Source, error)
	Post(fn func())
}

type impl interface {
	openDevice(path string) (*os.File, error)
	closeDevice(path string, rdev uint64) error
	changeVT(vt uint32) error
	destroy()
}

type Session struct {
	log  *logrus.Entry
	loop Loop
	impl impl

	active   bool
	activeCh signal.Signal[bool]
	hotplug  signal.Signal[string]
	monitor  *ueventMonitor
}

// Create opens a session of the given kind: "logind", "direct" or
// "auto", which tries logind first.
func Create(loop Loop, kind string, log *logrus.Entry) (*Session, error) {
	s := &Session{
		log:    log.WithField("component", "session"),
		loop:   loop,
		active: true,
	}

	var err error
	switch kind {
	case "logind":
		s.impl, err = newLogind(s)
	case "direct":
		s.impl, err = newDirect(s)
	case "", "auto":
		s.impl, err = newLogind(s)
		if err != nil {
			s.log.WithError(err).Info("logind session unavailable, trying direct session")
			s.impl, err = newDirect(s)
		}
	default:
		return nil, errors.Errorf("unknown session type %q", kind)
	}
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create session")
	}

	s.monitor, err = newUeventMonitor(loop, s.handleUevent)
	if err != nil {
		s.impl.destroy()
		return nil, errors.Wrap(err, "Failed to monitor device hotplug")
	}
	return s, nil
}

// Active reports whether the session currently owns the display.
func (s *Session) Active() bool { return s.active }

// OnActive is called with the new state whenever the session is paused
// or resumed.
func (s *Session) OnActive(fn func(active bool)) *signal.Listener {
	return s.activeCh.Add(fn)
}

// OnHotplug is called with the device node of a DRM device whose
// connectors changed.
func (s *Session) OnHotplug(fn func(devnode string)) *signal.Listener {
	return s.hotplug.Add(fn)
}

func (s *Session) setActive(active bool) {
	if s.active == active {
		return
	}
	s.active = active
	if active {
		s.log.Info("session resumed")
	} else {
		s.log.Info("session paused")
	}
	s.activeCh.Emit(active)
}

func (s *Session) handleUevent(ev Uevent) {
	devnode, ok := ev.DRMHotplug()
	if !ok {
		return
	}
	s.log.WithField("device", devnode).Debug("DRM hotplug event")
	s.hotplug.Emit(devnode)
}

// OpenCard opens a GPU device node through the session. Closing the
// returned card hands the device back.
func (s *Session) OpenCard(path string) (*mode.Card, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return nil, errors.Wrapf(err, "Cannot stat %s", path)
	}
	if unix.Major(st.Rdev) != drmMajor {
		return nil, errors.Errorf("%s is not a DRM device", path)
	}

	file, err := s.impl.openDevice(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to open %s", path)
	}
	rdev := st.Rdev
	return mode.NewCard(file, func() error {
		return s.impl.closeDevice(path, rdev)
	}), nil
}

// ChangeVT switches the seat to another virtual terminal.
func (s *Session) ChangeVT(vt uint32) error {
	return s.impl.changeVT(vt)
}

func (s *Session) Destroy() {
	s.monitor.close()
	s.impl.destroy()
	s.activeCh.RemoveAll()
	s.hotplug.RemoveAll()
}
