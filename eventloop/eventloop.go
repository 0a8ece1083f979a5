// Package eventloop is a single-threaded epoll loop dispatching fd
// readiness and timer expirations to callbacks.
//
// Every callback runs on the goroutine calling Dispatch or Run. Post is
// the only method safe to call from other goroutines.
package eventloop

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Mask is a set of fd readiness events.
type Mask uint32

const (
	Readable Mask = unix.EPOLLIN
	Writable Mask = unix.EPOLLOUT
	Hangup   Mask = unix.EPOLLHUP
	Error    Mask = unix.EPOLLERR
)

// ErrClosed is returned once the loop has been closed.
var ErrClosed = errors.New("event loop closed")

type (
	// Source is a registered file descriptor.
	Source interface {
		Remove() error
	}

	// Timer is a one-shot timer. Update arms it to fire after d, zero
	// disarms it.
	Timer interface {
		Update(d time.Duration) error
		Remove() error
	}

	Loop struct {
		epfd     int
		wakefd   int
		sources  map[int32]*fdSource
		eventBuf []unix.EpollEvent
		closed   bool

		mu     sync.Mutex
		posted []func()
	}

	fdSource struct {
		loop    *Loop
		fd      int
		fn      func(Mask)
		owned   bool // fd is closed with the loop
		removed bool
	}

	timerSource struct {
		src *fdSource
		fd  int
		fn  func()
	}
)

func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, errors.Wrap(err, "eventfd")
	}

	l := &Loop{
		epfd:     epfd,
		wakefd:   wakefd,
		sources:  make(map[int32]*fdSource),
		eventBuf: make([]unix.EpollEvent, 32),
	}
	if _, err := l.AddFd(wakefd, Readable, func(Mask) { l.runPosted() }); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}
	return l, nil
}

// AddFd calls fn whenever fd reports one of the events in mask. Hangup
// and Error are always reported.
func (l *Loop) AddFd(fd int, mask Mask, fn func(Mask)) (Source, error) {
	if l.closed {
		return nil, ErrClosed
	}
	if _, exists := l.sources[int32(fd)]; exists {
		return nil, errors.Errorf("fd %d already registered", fd)
	}
	event := unix.EpollEvent{Events: uint32(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return nil, errors.Wrapf(err, "epoll_ctl add fd %d", fd)
	}
	src := &fdSource{loop: l, fd: fd, fn: fn}
	l.sources[int32(fd)] = src
	return src, nil
}

func (s *fdSource) Remove() error {
	if s.removed {
		return nil
	}
	s.removed = true
	l := s.loop
	delete(l.sources, int32(s.fd))
	if l.closed {
		return nil
	}
	return errors.Wrapf(unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, s.fd, nil),
		"epoll_ctl del fd %d", s.fd)
}

// AddTimer creates a disarmed one-shot timer.
func (l *Loop) AddTimer(fn func()) (Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "timerfd_create")
	}
	t := &timerSource{fd: fd, fn: fn}
	src, err := l.AddFd(fd, Readable, t.expire)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	t.src = src.(*fdSource)
	t.src.owned = true
	return t, nil
}

func (t *timerSource) expire(Mask) {
	var buf [8]byte
	if _, err := unix.Read(t.fd, buf[:]); err != nil {
		// raced with Update disarming the timer
		return
	}
	t.fn()
}

func (t *timerSource) Update(d time.Duration) error {
	if t.src.removed {
		return ErrClosed
	}
	if d < 0 {
		d = 0
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(int64(d))}
	return errors.Wrap(unix.TimerfdSettime(t.fd, 0, &spec, nil), "timerfd_settime")
}

func (t *timerSource) Remove() error {
	if t.src.removed {
		return nil
	}
	err := t.src.Remove()
	if cerr := unix.Close(t.fd); err == nil {
		err = cerr
	}
	return err
}

// Post queues fn to run on the loop goroutine and wakes the loop.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	l.wakeup()
}

func (l *Loop) wakeup() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	unix.Write(l.wakefd, buf[:])
}

func (l *Loop) runPosted() {
	var buf [8]byte
	unix.Read(l.wakefd, buf[:])

	l.mu.Lock()
	posted := l.posted
	l.posted = nil
	l.mu.Unlock()

	for _, fn := range posted {
		if fn != nil {
			fn()
		}
	}
}

// Dispatch waits up to timeout for events and runs their callbacks. A
// negative timeout blocks until something happens.
func (l *Loop) Dispatch(timeout time.Duration) error {
	if l.closed {
		return ErrClosed
	}
	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	n, err := unix.EpollWait(l.epfd, l.eventBuf, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return errors.Wrap(err, "epoll_wait")
	}
	for i := 0; i < n; i++ {
		ev := l.eventBuf[i]
		// an earlier callback may have removed this source
		src, ok := l.sources[ev.Fd]
		if !ok || src.removed {
			continue
		}
		src.fn(Mask(ev.Events))
		if l.closed {
			break
		}
	}
	return nil
}

// Run dispatches until ctx is done or the loop fails.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, l.wakeup)
	defer stop()
	for ctx.Err() == nil {
		if err := l.Dispatch(-1); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the loop. Registered sources are dropped without
// closing their fds, except timers which own theirs.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	for _, src := range l.sources {
		src.removed = true
		if src.owned {
			unix.Close(src.fd)
		}
	}
	l.sources = nil
	unix.Close(l.wakefd)
	return unix.Close(l.epfd)
}
