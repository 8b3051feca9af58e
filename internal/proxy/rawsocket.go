package proxy

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// This file holds the raw, non-blocking socket plumbing the reactor
// needs below the net package: every socket the event loop owns is a
// bare file descriptor registered with its own epoll instance under
// edge-triggered, one-shot semantics, so net.Listener/net.Conn (whose
// blocking-call facade hides the readiness signals the reactor needs to
// manage itself) are not used for front-end or back-end sockets.

func sockaddrFromAddr(addr string) (unix.Sockaddr, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	var ip [4]byte
	copy(ip[:], tcpAddr.IP.To4())
	return &unix.SockaddrInet4{Port: tcpAddr.Port, Addr: ip}, nil
}

// listenTCP binds and listens on addr ("127.0.0.1:<port>"), returning a
// non-blocking listening socket.
func listenTCP(addr string) (int, error) {
	sa, err := sockaddrFromAddr(addr)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt(SO_REUSEADDR): %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen %s: %w", addr, err)
	}
	return fd, nil
}

// acceptOnce performs a single non-blocking accept(2) on a listening
// socket. ok is false on EAGAIN/EWOULDBLOCK (no pending connection) or
// any other error; the caller drops such failures silently.
func acceptOnce(listenFd int) (fd int, ok bool) {
	connFd, _, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, false
	}
	return connFd, true
}

// connectTCP starts a non-blocking connect(2) to addr. The returned fd
// is always valid if err is nil; the caller must watch it for writable
// readiness to detect completion.
func connectTCP(addr string) (int, error) {
	sa, err := sockaddrFromAddr(addr)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", addr, err)
	}
	return fd, nil
}

// connectError returns the pending error on fd after a writable
// readiness event following connectTCP, or nil if the connect
// succeeded.
func connectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// readFd performs one non-blocking read(2) into buf. wouldBlock is true
// on EAGAIN/EWOULDBLOCK (the normal backpressure signal); hup is true
// on a zero-length read (peer half-closed its write side).
func readFd(fd int, buf []byte) (n int, wouldBlock bool, hup bool, err error) {
	n, err = unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, true, false, nil
		}
		return 0, false, false, err
	}
	if n == 0 {
		return 0, false, true, nil
	}
	return n, false, false, nil
}

// closeFd closes a raw socket, ignoring the error: by the time a
// session calls this the fd is being abandoned regardless of outcome.
func closeFd(fd int) {
	_ = unix.Close(fd)
}

// writeFd performs one non-blocking write(2) of buf. wouldBlock is true
// on EAGAIN/EWOULDBLOCK; the caller keeps writable interest and retries
// on the next readiness event with the residual (unwritten) bytes.
func writeFd(fd int, buf []byte) (n int, wouldBlock bool, err error) {
	n, err = unix.Write(fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, true, nil
		}
		return 0, false, err
	}
	return n, false, nil
}
