package rtlink

import (
	"context"
	"net"
	"sort"
	"sync"

	"github.com/hkwi/nlmgr"
)

// Link is the last known state of one interface.
type Link struct {
	Index        int
	Name         string
	Flags        IFF
	MTU          uint32
	HardwareAddr net.HardwareAddr
	Kind         string
}

func linkFromMessage(m *nlmgr.RtMessage) Link {
	l := Link{
		Index: int(m.Index),
		Flags: IFF(m.Link.Flags),
	}
	l.Name, _ = m.LinkName()
	l.MTU, _ = m.Attrs.GetU32(nlmgr.IFLA_MTU)
	if addr, ok := m.Attrs.GetBytes(nlmgr.IFLA_ADDRESS); ok {
		l.HardwareAddr = net.HardwareAddr(addr)
	}
	if info, ok := m.Attrs.GetNested(nlmgr.IFLA_LINKINFO); ok {
		l.Kind, _ = info.GetString(nlmgr.IFLA_INFO_KIND)
	}
	return l
}

// Watcher keeps an index to link table from RTNL link events, including
// the initial dump.
type Watcher struct {
	hub      *nlmgr.RtHub
	listener *nlmgr.RtListener

	lock    sync.Mutex
	links   map[int]Link
	changed chan struct{}
}

// NewWatcher registers with hub. Call Start once the hub runs to fill the
// table with a dump.
func NewWatcher(hub *nlmgr.RtHub) *Watcher {
	self := &Watcher{
		hub:     hub,
		links:   make(map[int]Link),
		changed: make(chan struct{}),
	}
	self.listener = hub.AddListener(nlmgr.RequestLink, self.listen)
	return self
}

func (self *Watcher) Start() error {
	return self.hub.RequestDump(nlmgr.RequestLink)
}

func (self *Watcher) Close() {
	self.hub.RemoveListener(self.listener)
}

func (self *Watcher) listen(m *nlmgr.RtMessage) {
	self.lock.Lock()
	defer self.lock.Unlock()

	switch m.Mode {
	case nlmgr.RtModeAdd:
		l := linkFromMessage(m)
		if prev, ok := self.links[l.Index]; ok {
			// change notifications may omit unchanged attributes
			if l.Name == "" {
				l.Name = prev.Name
			}
			if l.HardwareAddr == nil {
				l.HardwareAddr = prev.HardwareAddr
			}
			if l.MTU == 0 {
				l.MTU = prev.MTU
			}
			if l.Kind == "" {
				l.Kind = prev.Kind
			}
		}
		self.links[l.Index] = l
	case nlmgr.RtModeDelete:
		delete(self.links, int(m.Index))
	default:
		return
	}
	close(self.changed)
	self.changed = make(chan struct{})
}

// Links returns the table ordered by index.
func (self *Watcher) Links() []Link {
	self.lock.Lock()
	defer self.lock.Unlock()

	ret := make([]Link, 0, len(self.links))
	for _, l := range self.links {
		ret = append(ret, l)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Index < ret[j].Index })
	return ret
}

func (self *Watcher) ByIndex(index int) (Link, bool) {
	self.lock.Lock()
	defer self.lock.Unlock()
	l, ok := self.links[index]
	return l, ok
}

func (self *Watcher) ByName(name string) (Link, bool) {
	self.lock.Lock()
	defer self.lock.Unlock()
	for _, l := range self.links {
		if l.Name == name {
			return l, true
		}
	}
	return Link{}, false
}

// Wait blocks until the link at index satisfies cond or ctx is done. It
// must not be called from the reactor goroutine.
func (self *Watcher) Wait(ctx context.Context, index int, cond func(Link) bool) (Link, error) {
	for {
		self.lock.Lock()
		l, ok := self.links[index]
		changed := self.changed
		self.lock.Unlock()

		if ok && cond(l) {
			return l, nil
		}
		select {
		case <-ctx.Done():
			return l, ctx.Err()
		case <-changed:
		}
	}
}
