package nlmgr

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Sockets is the system call surface used by the engines. Tests substitute
// a recording fake.
type Sockets interface {
	Socket(domain, typ, proto int) (int, error)
	Bind(fd int, sa unix.Sockaddr) error
	SetReceiveBuffer(fd, size int) error
	SetsockoptInt(fd, level, opt, value int) error
	Send(fd int, b []byte) error
	// Recv reads one datagram into b and returns its full length, which may
	// exceed len(b) when flags include MSG_TRUNC.
	Recv(fd int, b []byte, flags int) (int, error)
	// Wait blocks until fd is readable or timeout elapses.
	Wait(fd int, timeout time.Duration) (bool, error)
	IoctlIfreq(fd int, req uint, ifr *unix.Ifreq) error
	Close(fd int) error
}

// SystemSockets returns the Sockets implementation backed by the kernel.
func SystemSockets() Sockets {
	return unixSockets{}
}

type unixSockets struct{}

func (unixSockets) Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ|unix.SOCK_CLOEXEC, proto)
	return fd, errors.Wrap(err, "socket")
}

func (unixSockets) Bind(fd int, sa unix.Sockaddr) error {
	return unix.Bind(fd, sa)
}

func (unixSockets) SetReceiveBuffer(fd, size int) error {
	// SO_RCVBUFFORCE ignores rmem_max but needs CAP_NET_ADMIN.
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, size); err == nil {
		return nil
	}
	return errors.Wrap(unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, size), "SO_RCVBUF")
}

func (unixSockets) SetsockoptInt(fd, level, opt, value int) error {
	return errors.Wrap(unix.SetsockoptInt(fd, level, opt, value), "setsockopt")
}

func (unixSockets) Send(fd int, b []byte) error {
	return errors.Wrap(unix.Sendto(fd, b, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}), "sendto")
}

func (unixSockets) Recv(fd int, b []byte, flags int) (int, error) {
	for {
		n, _, err := unix.Recvfrom(fd, b, flags)
		if err == unix.EINTR {
			continue
		}
		return n, errors.Wrap(err, "recvfrom")
	}
}

func (unixSockets) Wait(fd int, timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, int(timeout/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, errors.Wrap(err, "poll")
		}
		return n > 0, nil
	}
}

func (unixSockets) IoctlIfreq(fd int, req uint, ifr *unix.Ifreq) error {
	return unix.IoctlIfreq(fd, req, ifr)
}

func (unixSockets) Close(fd int) error {
	return unix.Close(fd)
}
