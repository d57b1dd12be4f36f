package nlmgr

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var pidLock = &sync.Mutex{}
var pidUsed = make(map[int]bool)

// Conn is one netlink socket: the descriptor, the local port id picked at
// bind time and the outbound sequence counter.
type Conn struct {
	sockets Sockets
	Fd      int
	Local   unix.SockaddrNetlink
	seqNext uint32
	seqLast uint32
	high    int
}

// Dial opens and binds a netlink socket for protocol, joining the legacy
// multicast groups in the groups bitmask. A positive rcvbuf sets the
// receive buffer size.
func Dial(sockets Sockets, protocol int, groups uint32, rcvbuf int) (*Conn, error) {
	fd, err := sockets.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM, protocol)
	if err != nil {
		return nil, wrapKind(ErrTransport, err, "socket")
	}
	tick := uint32(time.Now().Unix())
	if tick == 0 {
		tick = 1
	}
	self := &Conn{
		sockets: sockets,
		Fd:      fd,
		seqNext: tick,
	}
	if err := self.bind(groups); err != nil {
		sockets.Close(fd)
		return nil, err
	}
	if rcvbuf > 0 {
		if err := sockets.SetReceiveBuffer(fd, rcvbuf); err != nil {
			self.Close()
			return nil, wrapKind(ErrTransport, err, "receive buffer")
		}
	}
	return self, nil
}

// bind picks a unique local port id in the libnl manner: the upper ten bits
// are a per-process slot, the rest is the pid.
func (self *Conn) bind(groups uint32) error {
	pid := os.Getpid()
	for high := 1023; high > 0; high-- {
		if next := func() bool {
			pidLock.Lock()
			defer pidLock.Unlock()
			if pidUsed[high] {
				return true
			}
			pidUsed[high] = true
			return false
		}(); next {
			continue
		}

		local := unix.SockaddrNetlink{
			Family: unix.AF_NETLINK,
			Pid:    uint32((high << 22) | (pid & 0x3FFFFF)),
			Groups: groups,
		}
		err := self.sockets.Bind(self.Fd, &local)
		if err == nil {
			self.Local = local
			self.high = high
			return nil
		}
		releasePort(high)
		if err != unix.EADDRINUSE {
			return wrapKind(ErrTransport, err, "bind")
		}
	}
	return errors.Wrap(ErrTransport, "bind: no free port id")
}

func releasePort(high int) {
	pidLock.Lock()
	defer pidLock.Unlock()
	delete(pidUsed, high)
}

// NextSequence reserves the next sequence number. Zero is skipped since
// the kernel uses it for unsolicited notifications.
func (self *Conn) NextSequence() uint32 {
	seq := self.seqNext
	self.seqNext++
	if self.seqNext == 0 {
		self.seqNext = 1
	}
	self.seqLast = seq
	return seq
}

// LastSequence returns the most recently reserved sequence number.
func (self *Conn) LastSequence() uint32 {
	return self.seqLast
}

func (self *Conn) Send(b []byte) error {
	if err := self.sockets.Send(self.Fd, b); err != nil {
		return wrapKind(ErrTransport, err, "send")
	}
	return nil
}

// Recv reads one whole datagram, sizing the buffer with a truncating peek.
func (self *Conn) Recv() ([]byte, error) {
	buf := make([]byte, os.Getpagesize())
	n, err := self.sockets.Recv(self.Fd, buf, unix.MSG_PEEK|unix.MSG_TRUNC)
	if err != nil {
		return nil, wrapKind(ErrTransport, err, "peek")
	}
	if n > len(buf) {
		buf = make([]byte, n)
	}
	n, err = self.sockets.Recv(self.Fd, buf, 0)
	if err != nil {
		return nil, wrapKind(ErrTransport, err, "recv")
	}
	if n > len(buf) {
		n = len(buf)
	}
	return buf[:n], nil
}

func (self *Conn) Wait(timeout time.Duration) (bool, error) {
	ready, err := self.sockets.Wait(self.Fd, timeout)
	if err != nil {
		return false, wrapKind(ErrTransport, err, "wait")
	}
	return ready, nil
}

func (self *Conn) AddMembership(group int) error {
	if err := self.sockets.SetsockoptInt(self.Fd, unix.SOL_NETLINK, unix.NETLINK_ADD_MEMBERSHIP, group); err != nil {
		return wrapKind(ErrTransport, err, "add membership %d", group)
	}
	return nil
}

func (self *Conn) DropMembership(group int) error {
	if err := self.sockets.SetsockoptInt(self.Fd, unix.SOL_NETLINK, unix.NETLINK_DROP_MEMBERSHIP, group); err != nil {
		return wrapKind(ErrTransport, err, "drop membership %d", group)
	}
	return nil
}

func (self *Conn) Close() error {
	if self.high > 0 {
		releasePort(self.high)
		self.high = 0
	}
	if err := self.sockets.Close(self.Fd); err != nil {
		return wrapKind(ErrTransport, err, "close")
	}
	return nil
}
