package session

import (
	"os"
	ossignal "os/signal"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/NeowayLabs/drmbackend"
)

// linux/vt.h and linux/kd.h
const (
	vtGetMode    = 0x5601
	vtSetMode    = 0x5602
	vtRelDisp    = 0x5605
	vtActivate   = 0x5606
	vtWaitActive = 0x5607

	vtAuto    = 0x00
	vtProcess = 0x01
	vtAckAcq  = 0x02

	kdSetMode  = 0x4B3A
	kdGetMode  = 0x4B3B
	kdText     = 0x00
	kdGraphics = 0x01
	kdGKbMode  = 0x4B44
	kdSKbMode  = 0x4B45
	kOff       = 0x04

	ttyMajor = 4
)

type vtMode struct {
	mode   int8
	waitv  int8
	relsig int16
	acqsig int16
	frsig  int16
}

type direct struct {
	s      *Session
	tty    *os.File
	vt     int
	kbMode int

	drmDevices map[uint64]*os.File
	signals    chan os.Signal
}

func newDirect(s *Session) (*direct, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "Cannot open /dev/tty")
	}

	d := &direct{
		s:          s,
		tty:        tty,
		drmDevices: make(map[uint64]*os.File),
	}
	if err := d.setupTTY(); err != nil {
		tty.Close()
		return nil, err
	}

	d.signals = make(chan os.Signal, 2)
	ossignal.Notify(d.signals, unix.SIGUSR1, unix.SIGUSR2)
	go func() {
		for sig := range d.signals {
			sig := sig
			s.loop.Post(func() { d.handleSignal(sig) })
		}
	}()

	if err := d.setVTMode(vtMode{
		mode:   vtProcess,
		relsig: int16(unix.SIGUSR1),
		acqsig: int16(unix.SIGUSR2),
	}); err != nil {
		d.destroy()
		return nil, err
	}

	s.log.WithField("vt", d.vt).Info("Successfully loaded direct session")
	return d, nil
}

func (d *direct) ioctl(req uint, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.tty.Fd(), uintptr(req), arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func (d *direct) setupTTY() error {
	var st unix.Stat_t
	if err := unix.Fstat(int(d.tty.Fd()), &st); err != nil {
		return errors.Wrap(err, "Cannot stat tty")
	}
	if unix.Major(st.Rdev) != ttyMajor || unix.Minor(st.Rdev) == 0 {
		return errors.New("not running from a virtual terminal")
	}
	d.vt = int(unix.Minor(st.Rdev))

	fd := int(d.tty.Fd())
	kdMode, err := unix.IoctlGetInt(fd, kdGetMode)
	if err != nil {
		return errors.Wrap(err, "KDGETMODE")
	}
	if kdMode != kdText {
		return errors.New("tty already in graphics mode, is another compositor running?")
	}

	if err := d.ioctl(vtActivate, uintptr(d.vt)); err != nil {
		return errors.Wrap(err, "VT_ACTIVATE")
	}
	if err := d.ioctl(vtWaitActive, uintptr(d.vt)); err != nil {
		return errors.Wrap(err, "VT_WAITACTIVE")
	}

	d.kbMode, err = unix.IoctlGetInt(fd, kdGKbMode)
	if err != nil {
		return errors.Wrap(err, "KDGKBMODE")
	}
	if err := d.ioctl(kdSKbMode, kOff); err != nil {
		return errors.Wrap(err, "KDSKBMODE")
	}
	if err := d.ioctl(kdSetMode, kdGraphics); err != nil {
		d.ioctl(kdSKbMode, uintptr(d.kbMode))
		return errors.Wrap(err, "KDSETMODE")
	}
	return nil
}

func (d *direct) setVTMode(m vtMode) error {
	var cur vtMode
	if err := d.ioctl(vtGetMode, uintptr(unsafe.Pointer(&cur))); err != nil {
		return errors.Wrap(err, "VT_GETMODE")
	}
	cur.mode = m.mode
	cur.relsig = m.relsig
	cur.acqsig = m.acqsig
	if err := d.ioctl(vtSetMode, uintptr(unsafe.Pointer(&cur))); err != nil {
		return errors.Wrap(err, "VT_SETMODE")
	}
	return nil
}

func (d *direct) handleSignal(sig os.Signal) {
	switch sig {
	case unix.SIGUSR1:
		for _, f := range d.drmDevices {
			if err := drm.DropMaster(f); err != nil {
				d.s.log.WithError(err).WithField("device", f.Name()).Error("Failed to drop DRM master")
			}
		}
		d.s.setActive(false)
		if err := d.ioctl(vtRelDisp, 1); err != nil {
			d.s.log.WithError(err).Error("VT_RELDISP")
		}
	case unix.SIGUSR2:
		if err := d.ioctl(vtRelDisp, vtAckAcq); err != nil {
			d.s.log.WithError(err).Error("VT_RELDISP")
		}
		for _, f := range d.drmDevices {
			if err := drm.SetMaster(f); err != nil {
				d.s.log.WithError(err).WithField("device", f.Name()).Error("Failed to become DRM master")
			}
		}
		d.s.setActive(true)
	}
}

func (d *direct) openDevice(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, err
	}
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		f.Close()
		return nil, err
	}
	if unix.Major(st.Rdev) == drmMajor {
		if err := drm.SetMaster(f); err != nil {
			// another process may hold master, KMS calls will fail later
			d.s.log.WithError(err).WithField("device", path).Error("Failed to become DRM master")
		}
		d.drmDevices[st.Rdev] = f
	}
	return f, nil
}

func (d *direct) closeDevice(path string, rdev uint64) error {
	delete(d.drmDevices, rdev)
	return nil
}

func (d *direct) changeVT(vt uint32) error {
	if vt == 0 {
		return errors.Errorf("invalid VT %d", vt)
	}
	return errors.Wrap(d.ioctl(vtActivate, uintptr(vt)), "VT_ACTIVATE")
}

func (d *direct) destroy() {
	ossignal.Stop(d.signals)
	close(d.signals)

	d.ioctl(kdSKbMode, uintptr(d.kbMode))
	d.ioctl(kdSetMode, kdText)
	if err := d.setVTMode(vtMode{mode: vtAuto}); err != nil {
		d.s.log.WithError(err).Error("Failed to restore VT mode")
	}
	d.tty.Close()
}
