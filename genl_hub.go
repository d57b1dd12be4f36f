package nlmgr

import (
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const genlEngine = "genl"

type GenlListener interface {
	GenlListen(GenlMessage)
}

// GenlListenerFunc adapts a function to GenlListener. Function values are
// not comparable, so it serves per-request handlers only.
type GenlListenerFunc func(GenlMessage)

func (self GenlListenerFunc) GenlListen(msg GenlMessage) {
	self(msg)
}

type pendingRequest struct {
	Seq      uint32
	Handler  GenlListener
	IssuedAt time.Time
}

// GenlHub owns the generic netlink socket. Replies are routed to the
// handler registered with the request's sequence number; everything else
// goes to the broadcast handlers.
type GenlHub struct {
	opts     Options
	logger   *slog.Logger
	registry *genlRegistry

	lock      sync.Mutex
	conn      *Conn
	input     InputHandler
	pending   map[uint32]pendingRequest
	broadcast []GenlListener
}

func NewGenlHub(opts Options) *GenlHub {
	opts = opts.withDefaults()
	return &GenlHub{
		opts:     opts,
		logger:   opts.Logger.With("engine", genlEngine),
		registry: newGenlRegistry(),
		pending:  make(map[uint32]pendingRequest),
	}
}

// Start opens the socket and registers it with reactor. Starting a started
// hub does nothing.
func (self *GenlHub) Start(reactor Reactor) error {
	self.lock.Lock()
	defer self.lock.Unlock()

	if self.conn != nil {
		return nil
	}
	conn, err := Dial(self.opts.Sockets, unix.NETLINK_GENERIC, 0, self.opts.ReceiveBufferSize)
	if err != nil {
		self.logger.Error("failed to open genl socket", "err", err)
		return err
	}
	input, err := reactor.CreateInputHandler(conn.Fd, self.onReadable)
	if err != nil {
		conn.Close()
		self.logger.Error("failed to register genl socket", "err", err)
		return wrapKind(ErrTransport, err, "input handler")
	}
	self.conn = conn
	self.input = input
	self.logger.Info("started", "fd", conn.Fd, "pid", conn.Local.Pid)
	return nil
}

// Stop closes the socket and drops pending requests without calling their
// handlers. Resolved families and broadcast handlers are kept.
func (self *GenlHub) Stop() {
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
	if n := len(self.pending); n > 0 {
		self.logger.Info("dropping pending requests", "count", n)
	}
	self.pending = make(map[uint32]pendingRequest)
	self.opts.Metrics.pending(0)
	self.logger.Info("stopped")
}

func (self *GenlHub) Started() bool {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.conn != nil
}

// SendMessage sends msg with the next sequence number. A non-nil handler
// receives every reply carrying that number until the final one.
func (self *GenlHub) SendMessage(msg GenlMessage, handler GenlListener) (uint32, error) {
	self.lock.Lock()
	conn := self.conn
	if conn == nil {
		self.lock.Unlock()
		return 0, ErrNotStarted
	}
	seq := conn.NextSequence()
	msg.Header.Flags |= unix.NLM_F_REQUEST
	b, err := msg.Marshal(seq)
	if err != nil {
		self.lock.Unlock()
		return 0, err
	}
	if handler != nil {
		self.pending[seq] = pendingRequest{
			Seq:      seq,
			Handler:  handler,
			IssuedAt: self.opts.Clock.Now(),
		}
		self.opts.Metrics.pending(len(self.pending))
	}
	self.lock.Unlock()

	if err := conn.Send(b); err != nil {
		if handler != nil {
			self.RemoveMessageHandler(seq)
		}
		self.opts.Metrics.sendError(genlEngine)
		self.logger.Warn("send failed", "seq", seq, "err", err)
		return 0, wrapKind(ErrSendFailed, err, "seq %d", seq)
	}
	self.opts.Metrics.sent(genlEngine)
	self.logger.Debug("sent", "msg", msg.String(), "seq", seq)
	return seq, nil
}

// RemoveMessageHandler forgets the pending request seq.
func (self *GenlHub) RemoveMessageHandler(seq uint32) bool {
	self.lock.Lock()
	defer self.lock.Unlock()

	if _, ok := self.pending[seq]; !ok {
		return false
	}
	delete(self.pending, seq)
	self.opts.Metrics.pending(len(self.pending))
	return true
}

func sortSeqs(seqs []uint32) {
	slices.Sort(seqs)
}

// AddBroadcastHandler appends h to the broadcast handlers. Adding a handler
// already present keeps its position.
func (self *GenlHub) AddBroadcastHandler(h GenlListener) error {
	if h == nil || !reflect.TypeOf(h).Comparable() {
		return errors.Wrapf(ErrNotComparable, "%T", h)
	}
	self.lock.Lock()
	defer self.lock.Unlock()

	if slices.Contains(self.broadcast, h) {
		return nil
	}
	self.broadcast = append(self.broadcast, h)
	return nil
}

func (self *GenlHub) RemoveBroadcastHandler(h GenlListener) bool {
	if h == nil || !reflect.TypeOf(h).Comparable() {
		return false
	}
	self.lock.Lock()
	defer self.lock.Unlock()

	for i, li := range self.broadcast {
		if li == h {
			self.broadcast = slices.Delete(self.broadcast, i, i+1)
			return true
		}
	}
	return false
}

func (self *GenlHub) FindBroadcastHandler(h GenlListener) bool {
	if h == nil || !reflect.TypeOf(h).Comparable() {
		return false
	}
	self.lock.Lock()
	defer self.lock.Unlock()
	return slices.Contains(self.broadcast, h)
}

func (self *GenlHub) ClearBroadcastHandlers() {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.broadcast = nil
}

// SubscribeToEvents joins a multicast group of a resolved family.
func (self *GenlHub) SubscribeToEvents(family, group string) error {
	f, ok := self.registry.byName(family)
	if !ok {
		return errors.Wrapf(ErrLookupFailure, "family %s not resolved", family)
	}
	grp, ok := f.Group(group)
	if !ok {
		return errors.Wrapf(ErrLookupFailure, "family %s has no group %s", family, group)
	}

	self.lock.Lock()
	conn := self.conn
	self.lock.Unlock()
	if conn == nil {
		return ErrNotStarted
	}
	if err := conn.AddMembership(int(grp.Id)); err != nil {
		return err
	}
	self.logger.Info("subscribed", "family", family, "group", group, "id", grp.Id)
	return nil
}

func (self *GenlHub) onReadable() {
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
	self.OnDatagramReceived(buf)
}

// OnDatagramReceived dispatches every message of one datagram in wire
// order. A message answering a pending request goes to that request's
// handler only; any other message goes to every broadcast handler.
func (self *GenlHub) OnDatagramReceived(buf []byte) {
	msgs, err := ParseMessages(buf)
	if err != nil {
		self.logger.Warn("dropping malformed datagram tail", "err", err, "len", len(buf))
		self.opts.Metrics.dropped(genlEngine, "framing")
	}
	for _, raw := range msgs {
		family, _ := self.registry.byId(raw.Header.Type)
		msg, err := DecodeGenlMessage(raw, family)
		if err != nil {
			self.logger.Warn("dropping message", "type", raw.Header.Type, "seq", raw.Header.Seq, "err", err)
			self.opts.Metrics.dropped(genlEngine, "decode")
			continue
		}
		self.opts.Metrics.received(genlEngine)

		seq := msg.Header.Seq
		self.lock.Lock()
		req, ok := self.pending[seq]
		var listeners []GenlListener
		if !ok {
			listeners = slices.Clone(self.broadcast)
		}
		self.lock.Unlock()

		if ok {
			self.invoke(req.Handler, msg)
			if msg.final() {
				self.RemoveMessageHandler(seq)
			}
			continue
		}
		if len(listeners) == 0 {
			self.logger.Debug("no handler", "msg", msg.String())
			continue
		}
		for _, li := range listeners {
			self.invoke(li, msg)
		}
	}
}

func (self *GenlHub) invoke(h GenlListener, msg GenlMessage) {
	defer func() {
		if r := recover(); r != nil {
			self.logger.Error("handler panicked", "panic", r, "msg", msg.String())
		}
	}()
	h.GenlListen(msg)
}

// Reassemble returns a request handler collecting the parts of a
// multi-part reply. fn runs once, after the final part, with every data
// message received and the request's error, if any.
func Reassemble(fn func([]GenlMessage, error)) GenlListener {
	return &reassembler{fn: fn}
}

type reassembler struct {
	parts []GenlMessage
	fn    func([]GenlMessage, error)
}

func (self *reassembler) GenlListen(msg GenlMessage) {
	switch {
	case msg.IsDone():
		self.fn(self.parts, nil)
	case msg.IsError():
		self.fn(self.parts, msg.Err)
	default:
		self.parts = append(self.parts, msg)
		if !msg.Multipart() {
			self.fn(self.parts, nil)
		}
	}
}
