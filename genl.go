package nlmgr

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type GenlMsghdr struct {
	Cmd     uint8
	Version uint8
	_       uint16
}

const SizeofGenlMsghdr = 0x04

var GENL_HDRLEN int = NLMSG_ALIGN(SizeofGenlMsghdr)

const (
	GENL_ADMIN_PERM = 1 << iota
	GENL_CMD_CAP_DO
	GENL_CMD_CAP_DUMP
	GENL_CMD_CAP_HASPOL
)

const (
	GENL_ID_GENERATE = 0
	GENL_ID_CTRL     = 0x10
)

// IllegalFamilyID is returned by failed family resolutions.
const IllegalFamilyID uint16 = 0xFFFF

const (
	CTRL_VERSION = 0x0001
	CTRL_NAME    = "nlctrl"
)

const (
	CTRL_CMD_UNSPEC = iota
	CTRL_CMD_NEWFAMILY
	CTRL_CMD_DELFAMILY
	CTRL_CMD_GETFAMILY
	CTRL_CMD_NEWOPS
	CTRL_CMD_DELOPS
	CTRL_CMD_GETOPS
	CTRL_CMD_NEWMCAST_GRP
	CTRL_CMD_DELMCAST_GRP
	CTRL_CMD_GETMCAST_GRP
)

// CTRL

const (
	CTRL_ATTR_UNSPEC = iota
	CTRL_ATTR_FAMILY_ID
	CTRL_ATTR_FAMILY_NAME
	CTRL_ATTR_VERSION
	CTRL_ATTR_HDRSIZE
	CTRL_ATTR_MAXATTR
	CTRL_ATTR_OPS
	CTRL_ATTR_MCAST_GROUPS
)

const (
	CTRL_ATTR_OP_UNSPEC = iota
	CTRL_ATTR_OP_ID
	CTRL_ATTR_OP_FLAGS // GENL_CMD_CAP_DUMP, etc.,
)

const (
	CTRL_ATTR_MCAST_GRP_UNSPEC = iota
	CTRL_ATTR_MCAST_GRP_NAME
	CTRL_ATTR_MCAST_GRP_ID
)

var CTRL_ATTR_itoa = map[uint16]string{
	CTRL_ATTR_FAMILY_ID:    "FAMILY_ID",
	CTRL_ATTR_FAMILY_NAME:  "FAMILY_NAME",
	CTRL_ATTR_VERSION:      "VERSION",
	CTRL_ATTR_HDRSIZE:      "HDRSIZE",
	CTRL_ATTR_MAXATTR:      "MAXATTR",
	CTRL_ATTR_OPS:          "OPS",
	CTRL_ATTR_MCAST_GROUPS: "MCAST_GROUPS",
}

var CTRL_ATTR_OP_itoa = map[uint16]string{
	CTRL_ATTR_OP_ID:    "ID",
	CTRL_ATTR_OP_FLAGS: "FLAGS",
}

var CTRL_ATTR_MCAST_GRP_itoa = map[uint16]string{
	CTRL_ATTR_MCAST_GRP_NAME: "NAME",
	CTRL_ATTR_MCAST_GRP_ID:   "ID",
}

var CtrlPolicy MapPolicy = MapPolicy{
	Prefix: "CTRL_ATTR",
	Names:  CTRL_ATTR_itoa,
	Rule: map[uint16]Policy{
		CTRL_ATTR_FAMILY_ID:   NLA_U16,
		CTRL_ATTR_FAMILY_NAME: NLA_STRING,
		CTRL_ATTR_VERSION:     NLA_U32,
		CTRL_ATTR_HDRSIZE:     NLA_U32,
		CTRL_ATTR_MAXATTR:     NLA_U32,
		CTRL_ATTR_OPS: ListPolicy{
			Nested: MapPolicy{
				Prefix: "OP",
				Names:  CTRL_ATTR_OP_itoa,
				Rule: map[uint16]Policy{
					CTRL_ATTR_OP_ID:    NLA_U32,
					CTRL_ATTR_OP_FLAGS: NLA_U32,
				},
			},
		},
		CTRL_ATTR_MCAST_GROUPS: ListPolicy{
			Nested: MapPolicy{
				Prefix: "MCAST_GRP",
				Names:  CTRL_ATTR_MCAST_GRP_itoa,
				Rule: map[uint16]Policy{
					CTRL_ATTR_MCAST_GRP_NAME: NLA_STRING,
					CTRL_ATTR_MCAST_GRP_ID:   NLA_U32,
				},
			},
		},
	},
}

// GenlMessage is a generic netlink message. Header.Type is the family id,
// or NLMSG_DONE / NLMSG_ERROR for control messages, which carry no genl
// header. Fixed holds the family specific header, if the family has one.
type GenlMessage struct {
	Header Header
	Genl   GenlMsghdr
	Fixed  []byte
	Attrs  AttrList
	// Err is the errno of a failed request, nil for acks.
	Err error
}

// NewGenlRequest builds a request to family.
func NewGenlRequest(family GenlFamily, cmd uint8, flags uint16, attrs AttrList) GenlMessage {
	return GenlMessage{
		Header: Header{
			Type:  family.Id,
			Flags: flags | unix.NLM_F_REQUEST,
		},
		Genl: GenlMsghdr{
			Cmd:     cmd,
			Version: uint8(family.Version),
		},
		Attrs: attrs,
	}
}

func (self GenlMessage) String() string {
	switch self.Header.Type {
	case unix.NLMSG_DONE:
		return fmt.Sprintf("genl(done seq=%d)", self.Header.Seq)
	case unix.NLMSG_ERROR:
		return fmt.Sprintf("genl(error seq=%d err=%v)", self.Header.Seq, self.Err)
	}
	return fmt.Sprintf("genl(family=%d cmd=%d seq=%d flags=%#x attrs=%d)",
		self.Header.Type, self.Genl.Cmd, self.Header.Seq, self.Header.Flags, len(self.Attrs))
}

func (self GenlMessage) IsDone() bool {
	return self.Header.Type == unix.NLMSG_DONE
}

func (self GenlMessage) IsError() bool {
	return self.Header.Type == unix.NLMSG_ERROR
}

// IsAck reports an NLMSG_ERROR with errno zero.
func (self GenlMessage) IsAck() bool {
	return self.IsError() && self.Err == nil
}

func (self GenlMessage) Multipart() bool {
	return self.Header.Multipart()
}

// final reports whether no further reply follows for the same sequence.
func (self GenlMessage) final() bool {
	return self.IsDone() || self.IsError() || !self.Multipart()
}

// Marshal serializes the message with the given sequence number.
func (self GenlMessage) Marshal(seq uint32) ([]byte, error) {
	attrs, err := self.Attrs.MarshalBinary()
	if err != nil {
		return nil, err
	}
	body := make([]byte, GENL_HDRLEN+NLMSG_ALIGN(len(self.Fixed)), GENL_HDRLEN+NLMSG_ALIGN(len(self.Fixed))+len(attrs))
	body[0] = self.Genl.Cmd
	body[1] = self.Genl.Version
	copy(body[GENL_HDRLEN:], self.Fixed)
	body = append(body, attrs...)
	return EncodeMessage(self.Header, body, seq), nil
}

// Encode is Marshal for messages known to be well formed; it panics
// otherwise.
func (self GenlMessage) Encode(seq uint32) []byte {
	b, err := self.Marshal(seq)
	if err != nil {
		panic(fmt.Sprintf("nlmgr: %v", err))
	}
	return b
}

// DecodeGenlMessage decodes msg with the attribute policy and fixed header
// size of family. A nil family decodes attributes as raw bytes.
func DecodeGenlMessage(msg Message, family *GenlFamily) (GenlMessage, error) {
	ret := GenlMessage{Header: msg.Header}
	switch msg.Header.Type {
	case unix.NLMSG_DONE:
		return ret, nil
	case unix.NLMSG_ERROR:
		errno, err := parseErrno(msg.Data)
		if err != nil {
			return ret, err
		}
		if errno != 0 {
			ret.Err = errno
		}
		return ret, nil
	}

	if len(msg.Data) < GENL_HDRLEN {
		return ret, errors.Wrapf(ErrMalformed, "genl payload %d bytes", len(msg.Data))
	}
	ret.Genl = GenlMsghdr{
		Cmd:     msg.Data[0],
		Version: msg.Data[1],
	}
	data := msg.Data[GENL_HDRLEN:]

	var policy Policy = binList
	if family != nil {
		if family.Hdrsize > 0 {
			fixed := NLMSG_ALIGN(int(family.Hdrsize))
			if len(data) < int(family.Hdrsize) {
				return ret, errors.Wrapf(ErrMalformed, "%s header %d bytes, want %d", family.Name, len(data), family.Hdrsize)
			}
			ret.Fixed = data[:family.Hdrsize]
			if fixed > len(data) {
				fixed = len(data)
			}
			data = data[fixed:]
		}
		if family.Policy != nil {
			policy = family.Policy
		}
	}
	if len(data) > 0 {
		attrs, err := policy.Parse(data)
		if err != nil {
			return ret, errors.Wrapf(err, "family %d cmd %d", msg.Header.Type, ret.Genl.Cmd)
		}
		ret.Attrs = attrs
	}
	return ret, nil
}
