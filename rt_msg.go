package nlmgr

import (
	"fmt"
	"net"

	"github.com/mdlayher/netlink/nlenc"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// RtMessageType is the category of a route netlink message.
type RtMessageType int

const (
	RtTypeUnknown RtMessageType = iota
	RtTypeLink
	RtTypeAddress
	RtTypeRoute
	RtTypeRdnss
	RtTypeNeighbor
)

func (t RtMessageType) String() string {
	switch t {
	case RtTypeLink:
		return "link"
	case RtTypeAddress:
		return "address"
	case RtTypeRoute:
		return "route"
	case RtTypeRdnss:
		return "rdnss"
	case RtTypeNeighbor:
		return "neighbor"
	}
	return "unknown"
}

type RtMode int

const (
	RtModeUnknown RtMode = iota
	RtModeGet
	RtModeAdd
	RtModeDelete
	RtModeQuery
)

func (m RtMode) String() string {
	switch m {
	case RtModeGet:
		return "get"
	case RtModeAdd:
		return "add"
	case RtModeDelete:
		return "delete"
	case RtModeQuery:
		return "query"
	}
	return "unknown"
}

const (
	sizeofIfInfomsg = unix.SizeofIfInfomsg
	sizeofIfAddrmsg = unix.SizeofIfAddrmsg
	sizeofRtMsg     = unix.SizeofRtMsg
)

// LinkStatus mirrors the fixed part of ifinfomsg.
type LinkStatus struct {
	Type   uint16
	Flags  uint32
	Change uint32
}

// AddressStatus mirrors the fixed part of ifaddrmsg.
type AddressStatus struct {
	PrefixLen uint8
	Flags     uint8
	Scope     uint8
}

// RouteStatus mirrors the fixed part of rtmsg.
type RouteStatus struct {
	DstPrefix uint8
	SrcPrefix uint8
	Tos       uint8
	Table     uint8
	Protocol  uint8
	Scope     uint8
	Type      uint8
	Flags     uint32
}

// NeighborStatus mirrors the fixed part of ndmsg.
type NeighborStatus struct {
	State uint16
	Flags uint8
	Type  uint8
}

// RtMessage is a decoded route netlink message. Only the status matching
// Type is meaningful.
type RtMessage struct {
	Type   RtMessageType
	Mode   RtMode
	Flags  uint16
	Seq    uint32
	Pid    uint32
	Index  int32
	Family uint8

	Link     LinkStatus
	Address  AddressStatus
	Route    RouteStatus
	Neighbor NeighborStatus
	Rdnss    RdnssOption

	Attrs AttrList
}

func (m *RtMessage) String() string {
	return fmt.Sprintf("rtnl(%s %s index=%d family=%d seq=%d)", m.Mode, m.Type, m.Index, m.Family, m.Seq)
}

// LinkName returns IFLA_IFNAME of a link message.
func (m *RtMessage) LinkName() (string, bool) {
	if m.Type != RtTypeLink {
		return "", false
	}
	return m.Attrs.GetString(IFLA_IFNAME)
}

// IP returns the primary address carried by address, route and neighbor
// messages: IFA_ADDRESS, RTA_DST or NDA_DST.
func (m *RtMessage) IP() (net.IP, bool) {
	var b []byte
	var ok bool
	switch m.Type {
	case RtTypeAddress:
		b, ok = m.Attrs.GetBytes(IFA_ADDRESS)
	case RtTypeRoute:
		b, ok = m.Attrs.GetBytes(RTA_DST)
	case RtTypeNeighbor:
		b, ok = m.Attrs.GetBytes(NDA_DST)
	}
	if !ok || (len(b) != net.IPv4len && len(b) != net.IPv6len) {
		return nil, false
	}
	return net.IP(b), true
}

func rtClassify(t uint16) (RtMessageType, RtMode) {
	switch t {
	case unix.RTM_NEWLINK:
		return RtTypeLink, RtModeAdd
	case unix.RTM_DELLINK:
		return RtTypeLink, RtModeDelete
	case unix.RTM_GETLINK:
		return RtTypeLink, RtModeGet
	case unix.RTM_NEWADDR:
		return RtTypeAddress, RtModeAdd
	case unix.RTM_DELADDR:
		return RtTypeAddress, RtModeDelete
	case unix.RTM_GETADDR:
		return RtTypeAddress, RtModeGet
	case unix.RTM_NEWROUTE:
		return RtTypeRoute, RtModeAdd
	case unix.RTM_DELROUTE:
		return RtTypeRoute, RtModeDelete
	case unix.RTM_GETROUTE:
		return RtTypeRoute, RtModeGet
	case unix.RTM_NEWNEIGH:
		return RtTypeNeighbor, RtModeAdd
	case unix.RTM_DELNEIGH:
		return RtTypeNeighbor, RtModeDelete
	case unix.RTM_GETNEIGH:
		return RtTypeNeighbor, RtModeGet
	case RTM_NEWNDUSEROPT:
		return RtTypeRdnss, RtModeAdd
	}
	return RtTypeUnknown, RtModeUnknown
}

func (m *RtMessage) headerType() (uint16, error) {
	table := map[RtMessageType][3]uint16{
		RtTypeLink:     {unix.RTM_NEWLINK, unix.RTM_DELLINK, unix.RTM_GETLINK},
		RtTypeAddress:  {unix.RTM_NEWADDR, unix.RTM_DELADDR, unix.RTM_GETADDR},
		RtTypeRoute:    {unix.RTM_NEWROUTE, unix.RTM_DELROUTE, unix.RTM_GETROUTE},
		RtTypeNeighbor: {unix.RTM_NEWNEIGH, unix.RTM_DELNEIGH, unix.RTM_GETNEIGH},
	}
	if m.Type == RtTypeRdnss && m.Mode == RtModeAdd {
		return RTM_NEWNDUSEROPT, nil
	}
	types, ok := table[m.Type]
	if !ok {
		return 0, errors.Errorf("cannot encode %s message", m.Type)
	}
	switch m.Mode {
	case RtModeAdd:
		return types[0], nil
	case RtModeDelete:
		return types[1], nil
	case RtModeGet, RtModeQuery:
		return types[2], nil
	}
	return 0, errors.Errorf("cannot encode %s mode", m.Mode)
}

func (m *RtMessage) policy() Policy {
	switch m.Type {
	case RtTypeLink:
		return RouteLinkPolicy
	case RtTypeAddress:
		return RouteAddrPolicy
	case RtTypeRoute:
		return RouteRoutePolicy
	case RtTypeNeighbor:
		return RouteNeighPolicy
	case RtTypeRdnss:
		return NdUserOptPolicy
	}
	return binList
}

// Encode serializes the message with the given sequence number.
func (m *RtMessage) Encode(seq uint32) ([]byte, error) {
	t, err := m.headerType()
	if err != nil {
		return nil, err
	}

	var body []byte
	switch m.Type {
	case RtTypeLink:
		body = make([]byte, sizeofIfInfomsg)
		body[0] = m.Family
		nlenc.PutUint16(body[2:4], m.Link.Type)
		nlenc.PutInt32(body[4:8], m.Index)
		nlenc.PutUint32(body[8:12], m.Link.Flags)
		nlenc.PutUint32(body[12:16], m.Link.Change)
	case RtTypeAddress:
		body = make([]byte, sizeofIfAddrmsg)
		body[0] = m.Family
		body[1] = m.Address.PrefixLen
		body[2] = m.Address.Flags
		body[3] = m.Address.Scope
		nlenc.PutUint32(body[4:8], uint32(m.Index))
	case RtTypeRoute:
		body = make([]byte, sizeofRtMsg)
		body[0] = m.Family
		body[1] = m.Route.DstPrefix
		body[2] = m.Route.SrcPrefix
		body[3] = m.Route.Tos
		body[4] = m.Route.Table
		body[5] = m.Route.Protocol
		body[6] = m.Route.Scope
		body[7] = m.Route.Type
		nlenc.PutUint32(body[8:12], m.Route.Flags)
	case RtTypeNeighbor:
		body = make([]byte, sizeofNdmsg)
		body[0] = m.Family
		nlenc.PutInt32(body[4:8], m.Index)
		nlenc.PutUint16(body[8:10], m.Neighbor.State)
		body[10] = m.Neighbor.Flags
		body[11] = m.Neighbor.Type
	case RtTypeRdnss:
		opts := m.Rdnss.Bytes()
		body = make([]byte, sizeofNdUseroptmsg, sizeofNdUseroptmsg+len(opts))
		body[0] = m.Family
		nlenc.PutUint16(body[2:4], uint16(len(opts)))
		nlenc.PutInt32(body[4:8], m.Index)
		body[8] = ndRouterAdvertisement
		body = append(body, opts...)
	}
	if pad := NLMSG_ALIGN(len(body)) - len(body); pad > 0 {
		body = append(body, make([]byte, pad)...)
	}
	attrs, err := m.Attrs.MarshalBinary()
	if err != nil {
		return nil, err
	}
	body = append(body, attrs...)

	return EncodeMessage(Header{Type: t, Flags: m.Flags, Pid: m.Pid}, body, seq), nil
}

// DecodeRtMessage decodes a route netlink message. Control messages and
// types outside the supported categories yield ErrUnsupported; a short or
// inconsistent body yields ErrMalformed.
func DecodeRtMessage(msg Message) (*RtMessage, error) {
	t, mode := rtClassify(msg.Header.Type)
	if t == RtTypeUnknown {
		return nil, errors.Wrapf(ErrUnsupported, "rtnl type %d", msg.Header.Type)
	}
	m := &RtMessage{
		Type:  t,
		Mode:  mode,
		Flags: msg.Header.Flags,
		Seq:   msg.Header.Seq,
		Pid:   msg.Header.Pid,
	}
	data := msg.Data

	short := func(want int) error {
		return errors.Wrapf(ErrMalformed, "%s payload %d bytes, want %d", t, len(data), want)
	}

	var hdrlen int
	switch t {
	case RtTypeLink:
		if hdrlen = sizeofIfInfomsg; len(data) < hdrlen {
			return nil, short(hdrlen)
		}
		m.Family = data[0]
		m.Link.Type = nlenc.Uint16(data[2:4])
		m.Index = nlenc.Int32(data[4:8])
		m.Link.Flags = nlenc.Uint32(data[8:12])
		m.Link.Change = nlenc.Uint32(data[12:16])
	case RtTypeAddress:
		if hdrlen = sizeofIfAddrmsg; len(data) < hdrlen {
			return nil, short(hdrlen)
		}
		m.Family = data[0]
		m.Address.PrefixLen = data[1]
		m.Address.Flags = data[2]
		m.Address.Scope = data[3]
		m.Index = int32(nlenc.Uint32(data[4:8]))
	case RtTypeRoute:
		if hdrlen = sizeofRtMsg; len(data) < hdrlen {
			return nil, short(hdrlen)
		}
		m.Family = data[0]
		m.Route = RouteStatus{
			DstPrefix: data[1],
			SrcPrefix: data[2],
			Tos:       data[3],
			Table:     data[4],
			Protocol:  data[5],
			Scope:     data[6],
			Type:      data[7],
			Flags:     nlenc.Uint32(data[8:12]),
		}
	case RtTypeNeighbor:
		if hdrlen = sizeofNdmsg; len(data) < hdrlen {
			return nil, short(hdrlen)
		}
		m.Family = data[0]
		m.Index = nlenc.Int32(data[4:8])
		m.Neighbor = NeighborStatus{
			State: nlenc.Uint16(data[8:10]),
			Flags: data[10],
			Type:  data[11],
		}
	case RtTypeRdnss:
		if len(data) < sizeofNdUseroptmsg {
			return nil, short(sizeofNdUseroptmsg)
		}
		m.Family = data[0]
		optsLen := int(nlenc.Uint16(data[2:4]))
		m.Index = nlenc.Int32(data[4:8])
		if sizeofNdUseroptmsg+optsLen > len(data) {
			return nil, errors.Wrapf(ErrMalformed, "nd user options length %d overruns payload", optsLen)
		}
		opt, err := ParseRdnssOption(data[sizeofNdUseroptmsg : sizeofNdUseroptmsg+optsLen])
		if err != nil {
			return nil, err
		}
		m.Rdnss = opt
		hdrlen = sizeofNdUseroptmsg + optsLen
	}

	hdrlen = NLMSG_ALIGN(hdrlen)
	if hdrlen < len(data) {
		attrs, err := m.policy().Parse(data[hdrlen:])
		if err != nil {
			return nil, errors.Wrapf(err, "%s attributes", t)
		}
		m.Attrs = attrs
	}
	return m, nil
}
