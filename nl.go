// Package nlmgr implements the netlink messaging core of a connection manager.
//
// Two engines share one wire codec: RtHub listens to route netlink
// (link, address, route, neighbor and ND user option events) and GenlHub
// talks generic netlink, resolving family names to ids and correlating
// requests with their replies by sequence number.
//
// Both engines are driven by a Reactor. All dispatch happens on the reactor
// goroutine; the only blocking call is GenlHub.ResolveFamily.
package nlmgr

import (
	"fmt"
	"syscall"

	"github.com/mdlayher/netlink/nlenc"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func align(size, tick int) int {
	return (size + tick - 1) &^ (tick - 1)
}

func NLMSG_ALIGN(size int) int {
	return align(size, unix.NLMSG_ALIGNTO)
}

func NLA_ALIGN(size int) int {
	return align(size, unix.NLA_ALIGNTO)
}

var NLA_HDRLEN int = NLA_ALIGN(unix.SizeofNlAttr)

const NLMSG_HDRLEN = unix.NLMSG_HDRLEN

// Header is the fixed netlink message header (struct nlmsghdr).
type Header struct {
	Len   uint32
	Type  uint16
	Flags uint16
	Seq   uint32
	Pid   uint32
}

func (h Header) String() string {
	return fmt.Sprintf("nlmsghdr(len=%d type=%d flags=%#x seq=%d pid=%d)",
		h.Len, h.Type, h.Flags, h.Seq, h.Pid)
}

// Multipart reports whether more messages of the same exchange follow.
func (h Header) Multipart() bool {
	return h.Flags&unix.NLM_F_MULTI != 0
}

func (h Header) put(b []byte) {
	nlenc.PutUint32(b[0:4], h.Len)
	nlenc.PutUint16(b[4:6], h.Type)
	nlenc.PutUint16(b[6:8], h.Flags)
	nlenc.PutUint32(b[8:12], h.Seq)
	nlenc.PutUint32(b[12:16], h.Pid)
}

func parseHeader(b []byte) Header {
	return Header{
		Len:   nlenc.Uint32(b[0:4]),
		Type:  nlenc.Uint16(b[4:6]),
		Flags: nlenc.Uint16(b[6:8]),
		Seq:   nlenc.Uint32(b[8:12]),
		Pid:   nlenc.Uint32(b[12:16]),
	}
}

// Message is one decoded netlink message. Data excludes the header and any
// trailing alignment padding.
type Message struct {
	Header Header
	Data   []byte
}

// EncodeMessage serializes hdr and data. The length field is computed from
// data and the sequence number is always replaced by seq.
func EncodeMessage(hdr Header, data []byte, seq uint32) []byte {
	buf := make([]byte, NLMSG_HDRLEN+NLMSG_ALIGN(len(data)))
	hdr.Len = uint32(NLMSG_HDRLEN + len(data))
	hdr.Seq = seq
	hdr.put(buf)
	copy(buf[NLMSG_HDRLEN:], data)
	return buf
}

// DecodeMessage decodes the first message in b and returns the remainder,
// positioned at the next aligned message boundary.
func DecodeMessage(b []byte) (Message, []byte, error) {
	var msg Message
	if len(b) < NLMSG_HDRLEN {
		return msg, nil, errors.Wrapf(ErrMalformed, "short header: %d bytes", len(b))
	}
	msg.Header = parseHeader(b)
	l := int(msg.Header.Len)
	if l < NLMSG_HDRLEN {
		return msg, nil, errors.Wrapf(ErrMalformed, "implausible length %d", l)
	}
	if l > len(b) {
		return msg, nil, errors.Wrapf(ErrMalformed, "length %d exceeds buffer %d", l, len(b))
	}
	msg.Data = b[NLMSG_HDRLEN:l]

	next := NLMSG_ALIGN(l)
	if next >= len(b) {
		return msg, nil, nil
	}
	return msg, b[next:], nil
}

// ParseMessages splits a datagram into its messages in wire order. Trailing
// bytes too short to hold a header are treated as padding.
func ParseMessages(b []byte) ([]Message, error) {
	var msgs []Message
	for len(b) >= NLMSG_HDRLEN {
		msg, rest, err := DecodeMessage(b)
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, msg)
		b = rest
	}
	return msgs, nil
}

// parseErrno extracts the errno of an NLMSG_ERROR payload. Zero means ack.
func parseErrno(data []byte) (syscall.Errno, error) {
	if len(data) < 4 {
		return 0, errors.Wrap(ErrMalformed, "short NLMSG_ERROR")
	}
	code := int32(nlenc.Uint32(data[0:4]))
	if code < 0 {
		code = -code
	}
	return syscall.Errno(code), nil
}
