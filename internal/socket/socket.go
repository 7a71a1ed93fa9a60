// Package socket binds and accepts the daemon's AF_UNIX SOCK_SEQPACKET
// listener. It is built on golang.org/x/sys/unix rather than net.Listen
// because the dispatcher drives every connection's file descriptor
// itself through a single Ppoll call; handing descriptors to the Go
// runtime's own network poller (as net.Conn would) would fight that
// model instead of cooperating with it.
package socket

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// IsAbstract reports whether name denotes a Linux abstract-namespace
// socket (no filesystem entry, no unlink required).
func IsAbstract(name string) bool {
	return strings.HasPrefix(name, "@")
}

func sockaddr(name string) *unix.SockaddrUnix {
	if IsAbstract(name) {
		return &unix.SockaddrUnix{Name: "\x00" + name[1:]}
	}
	return &unix.SockaddrUnix{Name: name}
}

// Listener is a bound, listening SOCK_SEQPACKET socket.
type Listener struct {
	FD   int
	name string
}

// Listen binds and listens on name. If name does not start with '@', any
// stale filesystem entry at that path is removed before bind, matching
// the original server's "unlink before bind" behavior, and Close removes
// it again on the way out. Abstract names leave no filesystem trace to
// begin with.
func Listen(name string, backlog int) (*Listener, error) {
	if !IsAbstract(name) {
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("socket: unlink stale %s: %w", name, err)
		}
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: socket: %w", err)
	}
	if err := unix.Bind(fd, sockaddr(name)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socket: bind %s: %w", name, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socket: listen %s: %w", name, err)
	}
	return &Listener{FD: fd, name: name}, nil
}

// Accept accepts one pending connection, returning its file descriptor.
func (l *Listener) Accept() (int, error) {
	for {
		fd, _, err := unix.Accept4(l.FD, unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, fmt.Errorf("socket: accept: %w", err)
		}
		return fd, nil
	}
}

// Close closes the listening socket and, for a filesystem name, unlinks
// it.
func (l *Listener) Close() error {
	err := unix.Close(l.FD)
	if !IsAbstract(l.name) {
		if rerr := os.Remove(l.name); rerr != nil && !os.IsNotExist(rerr) {
			if err == nil {
				err = rerr
			}
		}
	}
	return err
}
