package internal

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// poller wraps an epoll instance together with an eventfd registered in the
// epoll set, so that a producer goroutine can interrupt a blocked wait. This
// is the readiness selector the reactor loops on; the wait has no timeout.
type poller struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent
	ready  []unix.EpollEvent
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("error creating epoll instance: %v", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("error creating wakeup eventfd: %v", err)
	}
	p := &poller{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, 128),
		ready:  make([]unix.EpollEvent, 0, 128),
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		p.close()
		return nil, fmt.Errorf("error registering wakeup eventfd: %v", err)
	}
	return p, nil
}

func (p *poller) add(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("error registering fd %d: %v", fd, err)
	}
	return nil
}

func (p *poller) modify(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("error changing interest for fd %d: %v", fd, err)
	}
	return nil
}

func (p *poller) remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wait blocks until at least one registered socket is ready or wake is
// called. The returned slice excludes the wakeup eventfd and is only valid
// until the next call.
func (p *poller) wait() ([]unix.EpollEvent, error) {
	for {
		n, err := unix.EpollWait(p.epfd, p.events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("error in epoll wait: %v", err)
		}
		p.ready = p.ready[:0]
		for _, ev := range p.events[:n] {
			if int(ev.Fd) == p.wakefd {
				p.drainWake()
				continue
			}
			p.ready = append(p.ready, ev)
		}
		return p.ready, nil
	}
}

// wake interrupts a blocked wait. Safe to call from any goroutine.
func (p *poller) wake() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	// EAGAIN means the counter is saturated and a wakeup is already pending.
	unix.Write(p.wakefd, buf[:])
}

func (p *poller) drainWake() {
	var buf [8]byte
	unix.Read(p.wakefd, buf[:])
}

func (p *poller) close() {
	unix.Close(p.epfd)
	unix.Close(p.wakefd)
}
