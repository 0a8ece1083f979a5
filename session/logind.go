package session

import (
	"os"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	login1Dest        = "org.freedesktop.login1"
	login1Path        = "/org/freedesktop/login1"
	login1Manager     = "org.freedesktop.login1.Manager"
	login1Session     = "org.freedesktop.login1.Session"
	login1Seat        = "org.freedesktop.login1.Seat"
	pauseDeviceSignal = login1Session + ".PauseDevice"
	resumeDevice      = login1Session + ".ResumeDevice"
)

type logind struct {
	s       *Session
	conn    *dbus.Conn
	path    dbus.ObjectPath
	session dbus.BusObject
	seat    dbus.BusObject
	signals chan *dbus.Signal

	devices map[uint64]*os.File
}

func newLogind(s *Session) (*logind, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "Cannot connect to system bus")
	}

	l := &logind{
		s:       s,
		conn:    conn,
		devices: make(map[uint64]*os.File),
	}
	if err := l.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return l, nil
}

func (l *logind) init() error {
	manager := l.conn.Object(login1Dest, login1Path)
	var call *dbus.Call
	if id := os.Getenv("XDG_SESSION_ID"); id != "" {
		call = manager.Call(login1Manager+".GetSession", 0, id)
	} else {
		call = manager.Call(login1Manager+".GetSessionByPID", 0, uint32(os.Getpid()))
	}
	if err := call.Store(&l.path); err != nil {
		return errors.Wrap(err, "Cannot find logind session")
	}
	l.session = l.conn.Object(login1Dest, l.path)

	seat, err := l.session.GetProperty(login1Session + ".Seat")
	if err != nil {
		return errors.Wrap(err, "Cannot get session seat")
	}
	// (so) struct: seat id and object path
	if fields, ok := seat.Value().([]interface{}); ok && len(fields) == 2 {
		if p, ok := fields[1].(dbus.ObjectPath); ok {
			l.seat = l.conn.Object(login1Dest, p)
		}
	}

	active, err := l.session.GetProperty(login1Session + ".Active")
	if err == nil {
		if v, ok := active.Value().(bool); ok {
			l.s.active = v
		}
	}

	if err := l.session.Call(login1Session+".TakeControl", 0, false).Err; err != nil {
		return errors.Wrap(err, "Failed to take control of session")
	}

	if err := l.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(l.path),
		dbus.WithMatchInterface(login1Session),
	); err != nil {
		l.session.Call(login1Session+".ReleaseControl", 0)
		return errors.Wrap(err, "Failed to subscribe to session signals")
	}

	l.signals = make(chan *dbus.Signal, 16)
	l.conn.Signal(l.signals)
	go func() {
		for sig := range l.signals {
			sig := sig
			l.s.loop.Post(func() { l.handleSignal(sig) })
		}
	}()

	l.s.log.WithField("session", l.path).Info("Successfully loaded logind session")
	return nil
}

func (l *logind) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case pauseDeviceSignal:
		var (
			major, minor uint32
			typ          string
		)
		if err := dbus.Store(sig.Body, &major, &minor, &typ); err != nil {
			l.s.log.WithError(err).Error("Malformed PauseDevice signal")
			return
		}
		if major == drmMajor {
			l.s.setActive(false)
		}
		if typ == "pause" {
			err := l.session.Call(login1Session+".PauseDeviceComplete", 0, major, minor).Err
			if err != nil {
				l.s.log.WithError(err).Error("Failed to send PauseDeviceComplete")
			}
		}

	case resumeDevice:
		var (
			major, minor uint32
			fd           dbus.UnixFD
		)
		if err := dbus.Store(sig.Body, &major, &minor, &fd); err != nil {
			l.s.log.WithError(err).Error("Malformed ResumeDevice signal")
			return
		}
		defer unix.Close(int(fd))
		if major != drmMajor {
			return
		}
		// keep fd numbers stable for the users of the device
		if file, ok := l.devices[unix.Mkdev(major, minor)]; ok {
			if err := unix.Dup3(int(fd), int(file.Fd()), unix.O_CLOEXEC); err != nil {
				l.s.log.WithError(err).Error("Failed to replace resumed device fd")
			}
		}
		l.s.setActive(true)
	}
}

func (l *logind) openDevice(path string) (*os.File, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return nil, err
	}
	major, minor := unix.Major(st.Rdev), unix.Minor(st.Rdev)

	var (
		fd       dbus.UnixFD
		inactive bool
	)
	err := l.session.Call(login1Session+".TakeDevice", 0, major, minor).Store(&fd, &inactive)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to take device %d:%d", major, minor)
	}
	if inactive && major == drmMajor {
		l.s.setActive(false)
	}

	file := os.NewFile(uintptr(fd), path)
	l.devices[st.Rdev] = file
	return file, nil
}

func (l *logind) closeDevice(path string, rdev uint64) error {
	delete(l.devices, rdev)
	err := l.session.Call(login1Session+".ReleaseDevice", 0,
		unix.Major(rdev), unix.Minor(rdev)).Err
	return errors.Wrapf(err, "Failed to release device %s", path)
}

func (l *logind) changeVT(vt uint32) error {
	if l.seat == nil {
		return errors.New("session has no seat")
	}
	return errors.Wrap(l.seat.Call(login1Seat+".SwitchTo", 0, vt).Err,
		"Failed to switch VT")
}

func (l *logind) destroy() {
	l.session.Call(login1Session+".ReleaseControl", 0)
	l.conn.RemoveSignal(l.signals)
	close(l.signals)
	l.conn.Close()
}
