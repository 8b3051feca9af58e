// Package netpoll wraps epoll(7) with the edge-triggered, one-shot
// registration discipline the reactor needs: every readiness event must
// be explicitly re-armed by its handler. A socket is registered under
// its own fd; mapping an fd back to a slab token is the reactor's job.
package netpoll

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Interest is the set of readiness conditions a registration waits on.
type Interest uint32

const (
	// Readable waits for incoming data or a peer half-close.
	Readable Interest = 1 << iota
	// Writable waits for buffer space to become available for writing.
	Writable
)

// Event reports one readiness notification.
type Event struct {
	Fd       int32
	Readable bool
	Writable bool
	HangUp   bool
	Err      bool
}

// Poller is a thin epoll(7) wrapper. It is not safe for concurrent use;
// the reactor owns it from a single goroutine and drives it as a
// single-threaded event loop.
type Poller struct {
	epfd int
}

// New creates a Poller backed by a fresh epoll instance.
func New() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Poller{epfd: fd}, nil
}

// Close releases the underlying epoll file descriptor.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

func toEpollEvents(in Interest, oneshot bool) uint32 {
	var ev uint32
	if in&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if in&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	ev |= unix.EPOLLRDHUP
	ev |= unix.EPOLLET
	if oneshot {
		ev |= unix.EPOLLONESHOT
	}
	return ev
}

// AddLevel registers fd for level-triggered readiness (used for
// accepting listener sockets, which remain interested across multiple
// accepts).
func (p *Poller) AddLevel(fd int, in Interest) error {
	var bits uint32
	if in&Readable != 0 {
		bits |= unix.EPOLLIN
	}
	if in&Writable != 0 {
		bits |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: bits, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(add, level, fd=%d): %w", fd, err)
	}
	return nil
}

// Add registers fd for edge-triggered, one-shot readiness on the given
// interest set.
func (p *Poller) Add(fd int, in Interest) error {
	ev := unix.EpollEvent{Events: toEpollEvents(in, true), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(add, fd=%d): %w", fd, err)
	}
	return nil
}

// Rearm re-registers fd with a (possibly updated) interest set. Every
// handler must call this after touching an endpoint; skipping it stalls
// that fd forever since one-shot registrations fire at most once.
func (p *Poller) Rearm(fd int, in Interest) error {
	ev := unix.EpollEvent{Events: toEpollEvents(in, true), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(mod, fd=%d): %w", fd, err)
	}
	return nil
}

// Remove deregisters fd. Safe to call on an already-closed fd's former
// registration; epoll drops registrations automatically when the last
// fd referencing a socket is closed, so ENOENT is not an error here.
func (p *Poller) Remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT {
		return fmt.Errorf("epoll_ctl(del, fd=%d): %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one event is ready, a timeout elapses
// (timeoutMs < 0 means block indefinitely), or the call is interrupted.
// It truncates dst and refills it with the events observed this call
// (none after an interruption), returning the (possibly grown) slice.
func (p *Poller) Wait(dst []Event, timeoutMs int) ([]Event, error) {
	raw := make([]unix.EpollEvent, 128)
	n, err := unix.EpollWait(p.epfd, raw, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return dst[:0], nil
		}
		return dst, fmt.Errorf("epoll_wait: %w", err)
	}
	dst = dst[:0]
	for i := 0; i < n; i++ {
		e := raw[i]
		dst = append(dst, Event{
			Fd:       e.Fd,
			Readable: e.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0,
			Writable: e.Events&unix.EPOLLOUT != 0,
			HangUp:   e.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			Err:      e.Events&unix.EPOLLERR != 0,
		})
	}
	return dst, nil
}
