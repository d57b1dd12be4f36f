package nlmgr

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mdlayher/netlink/nlenc"
	"golang.org/x/sys/unix"
)

var discard = slog.New(slog.DiscardHandler)

type fakeClock struct {
	lock sync.Mutex
	now  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (self *fakeClock) Now() time.Time {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.now
}

func (self *fakeClock) Since(t time.Time) time.Duration {
	return self.Now().Sub(t)
}

func (self *fakeClock) Advance(d time.Duration) {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.now = self.now.Add(d)
}

// fakeSockets records calls and serves queued datagrams. Wait advances
// the clock by the full timeout when nothing is queued.
type fakeSockets struct {
	lock   sync.Mutex
	clock  *fakeClock
	nextFd int

	calls       []string
	sent        [][]byte
	inbox       [][]byte
	bound       unix.SockaddrNetlink
	memberships []int
	closed      []int
	waits       int

	// recvDelay advances the clock on every datagram read.
	recvDelay time.Duration

	socketErr error
	bindErr   error
	rcvbufErr error
	sendErr   error

	ifindex map[string]uint32

	// onSend runs after a successful send, without the lock held.
	onSend func(b []byte)
}

func newFakeSockets(clock *fakeClock) *fakeSockets {
	return &fakeSockets{
		clock:   clock,
		nextFd:  10,
		ifindex: map[string]uint32{"lo": 1, "eth0": 2},
	}
}

func (self *fakeSockets) record(call string) {
	self.calls = append(self.calls, call)
}

func (self *fakeSockets) Calls() []string {
	self.lock.Lock()
	defer self.lock.Unlock()
	return append([]string(nil), self.calls...)
}

func (self *fakeSockets) Sent() [][]byte {
	self.lock.Lock()
	defer self.lock.Unlock()
	return append([][]byte(nil), self.sent...)
}

func (self *fakeSockets) Push(b []byte) {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.inbox = append(self.inbox, b)
}

func (self *fakeSockets) Socket(domain, typ, proto int) (int, error) {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.record("socket")
	if self.socketErr != nil {
		return -1, self.socketErr
	}
	fd := self.nextFd
	self.nextFd++
	return fd, nil
}

func (self *fakeSockets) Bind(fd int, sa unix.Sockaddr) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.record("bind")
	if self.bindErr != nil {
		return self.bindErr
	}
	if nl, ok := sa.(*unix.SockaddrNetlink); ok {
		self.bound = *nl
	}
	return nil
}

func (self *fakeSockets) SetReceiveBuffer(fd, size int) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.record("rcvbuf")
	return self.rcvbufErr
}

func (self *fakeSockets) SetsockoptInt(fd, level, opt, value int) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.record("setsockopt")
	if level == unix.SOL_NETLINK && opt == unix.NETLINK_ADD_MEMBERSHIP {
		self.memberships = append(self.memberships, value)
	}
	return nil
}

func (self *fakeSockets) Send(fd int, b []byte) error {
	self.lock.Lock()
	self.record("send")
	if self.sendErr != nil {
		self.lock.Unlock()
		return self.sendErr
	}
	self.sent = append(self.sent, append([]byte(nil), b...))
	hook := self.onSend
	self.lock.Unlock()

	if hook != nil {
		hook(b)
	}
	return nil
}

func (self *fakeSockets) Recv(fd int, b []byte, flags int) (int, error) {
	self.lock.Lock()
	defer self.lock.Unlock()
	if len(self.inbox) == 0 {
		return 0, unix.EAGAIN
	}
	dgram := self.inbox[0]
	n := copy(b, dgram)
	if flags&unix.MSG_PEEK == 0 {
		self.record("recv")
		self.inbox = self.inbox[1:]
		if self.recvDelay > 0 {
			self.clock.Advance(self.recvDelay)
		}
	}
	if flags&unix.MSG_TRUNC != 0 {
		return len(dgram), nil
	}
	return n, nil
}

func (self *fakeSockets) Wait(fd int, timeout time.Duration) (bool, error) {
	self.lock.Lock()
	self.waits++
	ready := len(self.inbox) > 0
	self.lock.Unlock()
	if !ready {
		self.clock.Advance(timeout)
	}
	return ready, nil
}

func (self *fakeSockets) IoctlIfreq(fd int, req uint, ifr *unix.Ifreq) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.record("ioctl")
	idx, ok := self.ifindex[ifr.Name()]
	if !ok {
		return unix.ENODEV
	}
	ifr.SetUint32(idx)
	return nil
}

func (self *fakeSockets) Close(fd int) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.record("close")
	self.closed = append(self.closed, fd)
	return nil
}

type fakeReactor struct {
	handlers map[int]func()
	stopped  []int
	err      error
}

func newFakeReactor() *fakeReactor {
	return &fakeReactor{handlers: make(map[int]func())}
}

type fakeInput struct {
	reactor *fakeReactor
	fd      int
}

func (self fakeInput) Stop() {
	delete(self.reactor.handlers, self.fd)
	self.reactor.stopped = append(self.reactor.stopped, self.fd)
}

func (self *fakeReactor) CreateInputHandler(fd int, onReadable func()) (InputHandler, error) {
	if self.err != nil {
		return nil, self.err
	}
	self.handlers[fd] = onReadable
	return fakeInput{reactor: self, fd: fd}, nil
}

// fire runs the readable callback of every registered descriptor.
func (self *fakeReactor) fire() {
	for _, fn := range self.handlers {
		fn()
	}
}

func testOptions(fs *fakeSockets, clock *fakeClock) Options {
	return Options{
		Sockets: fs,
		Logger:  discard,
		Clock:   clock,
	}
}

func concat(msgs ...[]byte) []byte {
	var ret []byte
	for _, m := range msgs {
		ret = append(ret, m...)
	}
	return ret
}

func errorMessage(seq uint32, errno unix.Errno) []byte {
	data := make([]byte, 4+NLMSG_HDRLEN)
	nlenc.PutInt32(data[0:4], -int32(errno))
	return EncodeMessage(Header{Type: unix.NLMSG_ERROR}, data, seq)
}

func doneMessage(seq uint32) []byte {
	return EncodeMessage(Header{Type: unix.NLMSG_DONE, Flags: unix.NLM_F_MULTI}, []byte{0, 0, 0, 0}, seq)
}
