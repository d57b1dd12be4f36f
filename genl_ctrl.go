package nlmgr

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type GenlFamily struct {
	Id      uint16
	Name    string
	Version uint32
	Hdrsize uint32
	Groups  []GenlGroup
	// Policy decodes the family's attributes; nil leaves them raw.
	Policy Policy
}

func (self *GenlFamily) FromAttrs(attrs AttrList) {
	if t, ok := attrs.GetU16(CTRL_ATTR_FAMILY_ID); ok {
		self.Id = t
	}
	if t, ok := attrs.GetString(CTRL_ATTR_FAMILY_NAME); ok {
		self.Name = t
	}
	if t, ok := attrs.GetU32(CTRL_ATTR_VERSION); ok {
		self.Version = t
	}
	if t, ok := attrs.GetU32(CTRL_ATTR_HDRSIZE); ok {
		self.Hdrsize = t
	}
	if grps, ok := attrs.GetNested(CTRL_ATTR_MCAST_GROUPS); ok {
		self.Groups = nil
		for _, grp := range []Attr(grps) {
			gattr, ok := grp.Value.(AttrList)
			if !ok {
				continue
			}
			id, ok := gattr.GetU32(CTRL_ATTR_MCAST_GRP_ID)
			if !ok {
				continue
			}
			name, _ := gattr.GetString(CTRL_ATTR_MCAST_GRP_NAME)
			self.Groups = append(self.Groups, GenlGroup{
				Id:     id,
				Family: self.Name,
				Name:   name,
			})
		}
	}
}

// Group looks up a multicast group by name.
func (self GenlFamily) Group(name string) (GenlGroup, bool) {
	for _, grp := range self.Groups {
		if grp.Name == name {
			return grp, true
		}
	}
	return GenlGroup{}, false
}

type GenlGroup struct {
	Id     uint32
	Family string
	Name   string
}

// genlRegistry caches resolved families for the lifetime of a hub. Entries
// are never invalidated.
type genlRegistry struct {
	lock   sync.Mutex
	family map[string]GenlFamily
	id     map[uint16]string
}

func newGenlRegistry() *genlRegistry {
	self := &genlRegistry{
		family: make(map[string]GenlFamily),
		id:     make(map[uint16]string),
	}
	self.put(GenlFamily{
		Id:      GENL_ID_CTRL,
		Name:    CTRL_NAME,
		Version: CTRL_VERSION,
		Policy:  CtrlPolicy,
	})
	return self
}

func (self *genlRegistry) put(family GenlFamily) {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.family[family.Name] = family
	self.id[family.Id] = family.Name
}

func (self *genlRegistry) byName(name string) (GenlFamily, bool) {
	self.lock.Lock()
	defer self.lock.Unlock()
	f, ok := self.family[name]
	return f, ok
}

func (self *genlRegistry) byId(id uint16) (*GenlFamily, bool) {
	self.lock.Lock()
	defer self.lock.Unlock()
	name, ok := self.id[id]
	if !ok {
		return nil, false
	}
	f := self.family[name]
	return &f, true
}

func (self *genlRegistry) setPolicy(name string, policy Policy) {
	self.lock.Lock()
	defer self.lock.Unlock()
	if f, ok := self.family[name]; ok {
		f.Policy = policy
		self.family[name] = f
	}
}

// ResolveFamily returns the id of the named family, asking the kernel
// controller when it is not cached. policy, when not nil, becomes the
// attribute policy for messages of the family.
//
// The call blocks for at most Options.FamilyTimeout. It reads the socket
// directly, so it must run on the reactor goroutine or before the reactor
// runs. Replies to other requests arriving meanwhile are discarded.
func (self *GenlHub) ResolveFamily(name string, policy Policy) (uint16, error) {
	if f, ok := self.registry.byName(name); ok {
		if policy != nil {
			self.registry.setPolicy(name, policy)
		}
		self.opts.Metrics.resolution("cached")
		return f.Id, nil
	}

	self.lock.Lock()
	conn := self.conn
	self.lock.Unlock()
	if conn == nil {
		return IllegalFamilyID, ErrNotStarted
	}

	ctrl, _ := self.registry.byName(CTRL_NAME)
	req := NewGenlRequest(ctrl, CTRL_CMD_GETFAMILY, 0, AttrList{
		{Type: CTRL_ATTR_FAMILY_NAME, Value: name},
	})
	seq := conn.NextSequence()
	b, err := req.Marshal(seq)
	if err != nil {
		self.opts.Metrics.resolution("error")
		return IllegalFamilyID, err
	}

	// the budget covers the send as well as the wait
	clock := self.opts.Clock
	timeout := self.opts.FamilyTimeout
	start := clock.Now()
	if err := conn.Send(b); err != nil {
		self.opts.Metrics.sendError(genlEngine)
		self.opts.Metrics.resolution("error")
		return IllegalFamilyID, wrapKind(ErrSendFailed, err, "resolve %s", name)
	}
	self.opts.Metrics.sent(genlEngine)

	for {
		elapsed := clock.Since(start)
		if elapsed >= timeout {
			self.logger.Warn("family resolution timed out", "family", name, "timeout", timeout)
			self.opts.Metrics.resolution("timeout")
			return IllegalFamilyID, errors.Wrapf(ErrTimeout, "resolve %s after %v", name, timeout)
		}
		ready, err := conn.Wait(timeout - elapsed)
		if err != nil {
			self.opts.Metrics.resolution("error")
			return IllegalFamilyID, err
		}
		if !ready {
			continue
		}
		buf, err := conn.Recv()
		if err != nil {
			self.opts.Metrics.resolution("error")
			return IllegalFamilyID, err
		}

		family, done, err := self.familyReply(buf, seq, name)
		if !done {
			continue
		}
		if err != nil {
			self.logger.Warn("family resolution failed", "family", name, "err", err)
			self.opts.Metrics.resolution("error")
			return IllegalFamilyID, err
		}
		family.Policy = policy
		self.registry.put(family)
		self.logger.Info("resolved family", "family", name, "id", family.Id,
			"version", family.Version, "groups", len(family.Groups))
		self.opts.Metrics.resolution("ok")
		return family.Id, nil
	}
}

// familyReply scans one datagram for the answer to seq.
func (self *GenlHub) familyReply(buf []byte, seq uint32, name string) (GenlFamily, bool, error) {
	msgs, err := ParseMessages(buf)
	if err != nil {
		self.logger.Warn("dropping malformed datagram tail", "err", err)
		self.opts.Metrics.dropped(genlEngine, "framing")
	}
	ctrl, _ := self.registry.byId(GENL_ID_CTRL)
	for _, msg := range msgs {
		if msg.Header.Seq != seq {
			self.logger.Debug("discarding interstitial message", "seq", msg.Header.Seq, "type", msg.Header.Type)
			self.opts.Metrics.dropped(genlEngine, "interstitial")
			continue
		}
		switch msg.Header.Type {
		case unix.NLMSG_ERROR:
			errno, err := parseErrno(msg.Data)
			if err != nil {
				return GenlFamily{}, true, err
			}
			if errno == 0 {
				continue
			}
			return GenlFamily{}, true, wrapKind(ErrLookupFailure, errno, "family %s", name)
		case GENL_ID_CTRL:
			reply, err := DecodeGenlMessage(msg, ctrl)
			if err != nil {
				return GenlFamily{}, true, err
			}
			if reply.Genl.Cmd != CTRL_CMD_NEWFAMILY {
				continue
			}
			var family GenlFamily
			family.FromAttrs(reply.Attrs)
			if family.Name == "" {
				family.Name = name
			}
			if family.Name != name || !reply.Attrs.Has(CTRL_ATTR_FAMILY_ID) {
				return GenlFamily{}, true, errors.Wrapf(ErrLookupFailure, "unexpected reply for %s: %s", name, CtrlPolicy.Dump(reply.Attrs))
			}
			return family, true, nil
		}
	}
	return GenlFamily{}, false, nil
}

// Family returns the cached family.
func (self *GenlHub) Family(name string) (GenlFamily, bool) {
	return self.registry.byName(name)
}

// StaleRequests lists the sequence numbers of pending requests issued at
// least maxAge ago, in ascending order. Nothing is removed.
func (self *GenlHub) StaleRequests(maxAge time.Duration) []uint32 {
	self.lock.Lock()
	defer self.lock.Unlock()

	var ret []uint32
	for seq, req := range self.pending {
		if self.opts.Clock.Since(req.IssuedAt) >= maxAge {
			ret = append(ret, seq)
		}
	}
	sortSeqs(ret)
	return ret
}
