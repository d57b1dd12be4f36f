package nlmgr

import (
	"log/slog"
	"net"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const rtnlEngine = "rtnl"

// RequestFlags selects RTNL message categories for listeners and dumps.
type RequestFlags uint32

const (
	RequestLink RequestFlags = 1 << iota
	RequestAddr
	RequestRoute
	RequestRdnss
	RequestNeighbor
)

func (t RtMessageType) request() RequestFlags {
	switch t {
	case RtTypeLink:
		return RequestLink
	case RtTypeAddress:
		return RequestAddr
	case RtTypeRoute:
		return RequestRoute
	case RtTypeRdnss:
		return RequestRdnss
	case RtTypeNeighbor:
		return RequestNeighbor
	}
	return 0
}

// RtListener is the registration handle returned by RtHub.AddListener.
type RtListener struct {
	mask RequestFlags
	fn   func(*RtMessage)
}

// RtHub owns the route netlink socket and fans inbound messages out to
// listeners by category.
type RtHub struct {
	opts   Options
	logger *slog.Logger

	lock      sync.Mutex
	conn      *Conn
	input     InputHandler
	listeners []*RtListener

	requestFlags     RequestFlags
	inRequest        bool
	lastDumpSequence uint32
}

func NewRtHub(opts Options) *RtHub {
	opts = opts.withDefaults()
	return &RtHub{
		opts:   opts,
		logger: opts.Logger.With("engine", rtnlEngine),
	}
}

// Start opens the socket bound to groups (DefaultGroups when zero) and
// registers it with reactor. Starting a started hub does nothing.
func (self *RtHub) Start(reactor Reactor, groups uint32) error {
	self.lock.Lock()
	defer self.lock.Unlock()

	if self.conn != nil {
		return nil
	}
	if groups == 0 {
		groups = DefaultGroups
	}
	conn, err := Dial(self.opts.Sockets, unix.NETLINK_ROUTE, groups, self.opts.ReceiveBufferSize)
	if err != nil {
		self.logger.Error("failed to open rtnl socket", "err", err)
		return err
	}
	input, err := reactor.CreateInputHandler(conn.Fd, self.onReadable)
	if err != nil {
		conn.Close()
		self.logger.Error("failed to register rtnl socket", "err", err)
		return wrapKind(ErrTransport, err, "input handler")
	}
	self.conn = conn
	self.input = input
	self.logger.Info("started", "fd", conn.Fd, "pid", conn.Local.Pid, "groups", groups)
	return nil
}

// Stop unregisters and closes the socket. Queued dumps are discarded;
// listeners stay registered.
func (self *RtHub) Stop() {
	self.lock.Lock()
	defer self.lock.Unlock()

	if self.conn == nil {
		return
	}
	self.input.Stop()
	if err := self.conn.Close(); err != nil {
		self.logger.Warn("close failed", "err", err)
	}
	self.conn = nil
	self.input = nil
	self.requestFlags = 0
	self.inRequest = false
	self.lastDumpSequence = 0
	self.logger.Info("stopped")
}

func (self *RtHub) Started() bool {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.conn != nil
}

// AddListener registers fn for messages in mask. Listeners run in
// registration order on the reactor goroutine.
func (self *RtHub) AddListener(mask RequestFlags, fn func(*RtMessage)) *RtListener {
	self.lock.Lock()
	defer self.lock.Unlock()

	l := &RtListener{mask: mask, fn: fn}
	self.listeners = append(self.listeners, l)
	return l
}

func (self *RtHub) RemoveListener(l *RtListener) {
	self.lock.Lock()
	defer self.lock.Unlock()

	var active []*RtListener
	for _, li := range self.listeners {
		if li != l {
			active = append(active, li)
		}
	}
	self.listeners = active
}

func (self *RtHub) onReadable() {
	self.lock.Lock()
	conn := self.conn
	self.lock.Unlock()
	if conn == nil {
		return
	}
	buf, err := conn.Recv()
	if err != nil {
		self.logger.Warn("receive failed", "err", err)
		return
	}
	self.ParseRTNL(buf)
}

// ParseRTNL dispatches every message of one datagram in wire order.
func (self *RtHub) ParseRTNL(buf []byte) {
	msgs, err := ParseMessages(buf)
	if err != nil {
		// messages decoded before the bad header are still delivered
		self.logger.Warn("dropping malformed datagram tail", "err", err, "len", len(buf))
		self.opts.Metrics.dropped(rtnlEngine, "framing")
	}
	for _, msg := range msgs {
		switch msg.Header.Type {
		case unix.NLMSG_NOOP, unix.NLMSG_OVERRUN:
			continue
		case unix.NLMSG_DONE:
			self.nextRequest(msg.Header.Seq)
			continue
		case unix.NLMSG_ERROR:
			if errno, err := parseErrno(msg.Data); err != nil {
				self.logger.Warn("malformed error message", "err", err)
			} else if errno != 0 {
				self.logger.Warn("request failed", "seq", msg.Header.Seq, "errno", errno)
				// a rejected dump never sends NLMSG_DONE
				self.nextRequest(msg.Header.Seq)
			}
			continue
		}

		if t, _ := rtClassify(msg.Header.Type); t == RtTypeUnknown {
			// families nobody subscribes to still share the groups
			self.logger.Debug("skipping unsupported message", "type", msg.Header.Type)
			self.opts.Metrics.dropped(rtnlEngine, "unsupported")
			continue
		}
		m, err := DecodeRtMessage(msg)
		if err != nil {
			self.logger.Warn("dropping message", "type", msg.Header.Type, "err", err)
			self.opts.Metrics.dropped(rtnlEngine, "decode")
			continue
		}
		self.opts.Metrics.received(rtnlEngine)
		self.dispatch(m)
	}
}

func (self *RtHub) dispatch(m *RtMessage) {
	req := m.Type.request()

	self.lock.Lock()
	listeners := make([]*RtListener, len(self.listeners))
	copy(listeners, self.listeners)
	self.lock.Unlock()

	self.logger.Debug("dispatch", "msg", m.String())
	for _, l := range listeners {
		if l.mask&req != 0 {
			self.invoke(l, m)
		}
	}
}

func (self *RtHub) invoke(l *RtListener, m *RtMessage) {
	defer func() {
		if r := recover(); r != nil {
			self.logger.Error("listener panicked", "panic", r, "msg", m.String())
		}
	}()
	l.fn(m)
}

// RequestDump queues dumps for the categories in flags. One dump is in
// flight at a time; the next is sent when the kernel reports NLMSG_DONE.
func (self *RtHub) RequestDump(flags RequestFlags) error {
	self.lock.Lock()
	if self.conn == nil {
		self.lock.Unlock()
		return ErrNotStarted
	}
	self.requestFlags |= flags &^ RequestRdnss
	inRequest := self.inRequest
	last := self.lastDumpSequence
	self.lock.Unlock()

	if !inRequest {
		self.nextRequest(last)
	}
	return nil
}

var dumpOrder = []struct {
	flag RequestFlags
	typ  RtMessageType
}{
	{RequestLink, RtTypeLink},
	{RequestAddr, RtTypeAddress},
	{RequestRoute, RtTypeRoute},
	{RequestNeighbor, RtTypeNeighbor},
}

func (self *RtHub) nextRequest(seq uint32) {
	self.lock.Lock()
	defer self.lock.Unlock()

	if self.conn == nil || seq != self.lastDumpSequence {
		return
	}
	for _, d := range dumpOrder {
		if self.requestFlags&d.flag == 0 {
			continue
		}
		self.requestFlags &^= d.flag
		msg := &RtMessage{
			Type:   d.typ,
			Mode:   RtModeGet,
			Flags:  unix.NLM_F_REQUEST | unix.NLM_F_DUMP,
			Family: unix.AF_UNSPEC,
		}
		sent, err := self.sendLocked(msg)
		if err != nil {
			self.logger.Warn("dump request failed", "type", d.typ.String(), "err", err)
			continue
		}
		self.lastDumpSequence = sent
		self.inRequest = true
		return
	}
	self.inRequest = false
}

// SendMessage writes msg with the next sequence number and returns it.
func (self *RtHub) SendMessage(msg *RtMessage) (uint32, error) {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.sendLocked(msg)
}

func (self *RtHub) sendLocked(msg *RtMessage) (uint32, error) {
	if self.conn == nil {
		return 0, ErrNotStarted
	}
	seq := self.conn.NextSequence()
	msg.Flags |= unix.NLM_F_REQUEST
	b, err := msg.Encode(seq)
	if err != nil {
		return 0, err
	}
	if err := self.conn.Send(b); err != nil {
		self.opts.Metrics.sendError(rtnlEngine)
		return 0, wrapKind(ErrSendFailed, err, "seq %d", seq)
	}
	msg.Seq = seq
	self.opts.Metrics.sent(rtnlEngine)
	return seq, nil
}

// SetInterfaceFlags changes the bits of change to the values in flags. The
// result is observed through link listeners, not returned here.
func (self *RtHub) SetInterfaceFlags(index int, flags, change uint32) error {
	_, err := self.SendMessage(&RtMessage{
		Type:   RtTypeLink,
		Mode:   RtModeAdd,
		Index:  int32(index),
		Family: unix.AF_UNSPEC,
		Link: LinkStatus{
			Type:   ARPHRD_VOID,
			Flags:  flags,
			Change: change,
		},
	})
	return err
}

func (self *RtHub) SetInterfaceMTU(index int, mtu uint32) error {
	_, err := self.SendMessage(&RtMessage{
		Type:   RtTypeLink,
		Mode:   RtModeAdd,
		Index:  int32(index),
		Family: unix.AF_UNSPEC,
		Link:   LinkStatus{Type: ARPHRD_VOID},
		Attrs:  AttrList{{Type: IFLA_MTU, Value: mtu}},
	})
	return err
}

func ipFamily(ip net.IP) (uint8, net.IP) {
	if v4 := ip.To4(); v4 != nil {
		return unix.AF_INET, v4
	}
	return unix.AF_INET6, ip.To16()
}

// AddInterfaceAddress assigns local to the interface. broadcast and peer
// are optional.
func (self *RtHub) AddInterfaceAddress(index int, local net.IPNet, broadcast, peer net.IP) error {
	family, addr := ipFamily(local.IP)
	if addr == nil {
		return errors.Errorf("invalid address %v", local.IP)
	}
	prefix, _ := local.Mask.Size()
	attrs := AttrList{{Type: IFA_LOCAL, Value: []byte(addr)}}
	if peer != nil {
		_, p := ipFamily(peer)
		attrs = append(attrs, Attr{Type: IFA_ADDRESS, Value: []byte(p)})
	} else {
		attrs = append(attrs, Attr{Type: IFA_ADDRESS, Value: []byte(addr)})
	}
	if broadcast != nil {
		_, b := ipFamily(broadcast)
		attrs = append(attrs, Attr{Type: IFA_BROADCAST, Value: []byte(b)})
	}
	_, err := self.SendMessage(&RtMessage{
		Type:    RtTypeAddress,
		Mode:    RtModeAdd,
		Flags:   unix.NLM_F_CREATE | unix.NLM_F_EXCL | unix.NLM_F_ECHO,
		Index:   int32(index),
		Family:  family,
		Address: AddressStatus{PrefixLen: uint8(prefix)},
		Attrs:   attrs,
	})
	return err
}

func (self *RtHub) RemoveInterfaceAddress(index int, local net.IPNet) error {
	family, addr := ipFamily(local.IP)
	if addr == nil {
		return errors.Errorf("invalid address %v", local.IP)
	}
	prefix, _ := local.Mask.Size()
	_, err := self.SendMessage(&RtMessage{
		Type:    RtTypeAddress,
		Mode:    RtModeDelete,
		Flags:   unix.NLM_F_ECHO,
		Index:   int32(index),
		Family:  family,
		Address: AddressStatus{PrefixLen: uint8(prefix)},
		Attrs:   AttrList{{Type: IFA_LOCAL, Value: []byte(addr)}},
	})
	return err
}

func (self *RtHub) RemoveInterface(index int) error {
	_, err := self.SendMessage(&RtMessage{
		Type:   RtTypeLink,
		Mode:   RtModeDelete,
		Index:  int32(index),
		Family: unix.AF_UNSPEC,
	})
	return err
}

// GetInterfaceIndex resolves name with SIOCGIFINDEX on a throwaway socket.
// Every failure yields -1.
func (self *RtHub) GetInterfaceIndex(name string) int {
	if name == "" || len(name) >= unix.IFNAMSIZ {
		self.logger.Debug("invalid interface name", "name", name)
		return -1
	}
	sockets := self.opts.Sockets
	fd, err := sockets.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		self.logger.Warn("control socket failed", "err", err)
		return -1
	}
	defer sockets.Close(fd)

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return -1
	}
	if err := sockets.IoctlIfreq(fd, unix.SIOCGIFINDEX, ifr); err != nil {
		self.logger.Debug("SIOCGIFINDEX failed", "name", name, "err", err)
		return -1
	}
	return int(ifr.Uint32())
}
