package nlmgr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/mdlayher/netlink/nlenc"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Attr represents single netlink attribute.
//
// Type carries the attribute id and NLA_F_NET_BYTEORDER when the integer
// value is big-endian on the wire. The nested bit is implied by an AttrList
// value and never kept in Type.
//
// Value is one of uint8, uint16, uint32, uint64, int8, int16, int32, int64,
// string, []byte, bool (flag) or AttrList.
type Attr struct {
	Type  uint16
	Value interface{}
}

const NLA_TYPE_MASK = ^uint16(unix.NLA_F_NESTED | unix.NLA_F_NET_BYTEORDER)

func (self Attr) Field() uint16 {
	return self.Type & NLA_TYPE_MASK
}

func (self Attr) netOrder() bool {
	return self.Type&unix.NLA_F_NET_BYTEORDER != 0
}

func (self Attr) order() binary.ByteOrder {
	if self.netOrder() {
		return binary.BigEndian
	}
	return nlenc.NativeEndian()
}

// MarshalBinary encodes the attribute with its header, padded to
// NLA_ALIGNTO. The header length records the unpadded size, so anything
// past 65535 bytes is rejected. A false flag encodes to nothing.
func (self Attr) MarshalBinary() ([]byte, error) {
	var body []byte
	typ := self.Type &^ unix.NLA_F_NESTED
	order := self.order()

	switch v := self.Value.(type) {
	case nil:
	case uint8:
		body = []byte{v}
	case int8:
		body = []byte{uint8(v)}
	case uint16:
		body = make([]byte, 2)
		order.PutUint16(body, v)
	case int16:
		body = make([]byte, 2)
		order.PutUint16(body, uint16(v))
	case uint32:
		body = make([]byte, 4)
		order.PutUint32(body, v)
	case int32:
		body = make([]byte, 4)
		order.PutUint32(body, uint32(v))
	case uint64:
		body = make([]byte, 8)
		order.PutUint64(body, v)
	case int64:
		body = make([]byte, 8)
		order.PutUint64(body, uint64(v))
	case string:
		body = nlenc.Bytes(v)
	case []byte:
		body = v
	case bool:
		// flag: presence is the value
		if !v {
			return nil, nil
		}
	case AttrList:
		typ |= unix.NLA_F_NESTED
		b, err := v.MarshalBinary()
		if err != nil {
			return nil, errors.Wrapf(err, "attribute %d", self.Field())
		}
		body = b
	default:
		return nil, errors.Errorf("attribute %d: unsupported value %T", self.Field(), self.Value)
	}

	length := NLA_HDRLEN + len(body)
	if length > math.MaxUint16 {
		return nil, errors.Wrapf(ErrMalformed, "attribute %d: %d bytes exceeds %d", self.Field(), length, math.MaxUint16)
	}
	buf := make([]byte, NLA_ALIGN(length))
	nlenc.PutUint16(buf[0:2], uint16(length))
	nlenc.PutUint16(buf[2:4], typ)
	copy(buf[NLA_HDRLEN:], body)
	return buf, nil
}

// Bytes is MarshalBinary for values known to fit; it panics otherwise.
func (self Attr) Bytes() []byte {
	buf, err := self.MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("nlmgr: %v", err))
	}
	return buf
}

type AttrList []Attr

// Get returns the value of the first attribute with the given id.
func (self AttrList) Get(field uint16) interface{} {
	for _, attr := range []Attr(self) {
		if attr.Field() == field {
			return attr.Value
		}
	}
	return nil
}

func (self AttrList) Has(field uint16) bool {
	return self.Get(field) != nil
}

func (self AttrList) GetU8(field uint16) (uint8, bool) {
	v, ok := self.Get(field).(uint8)
	return v, ok
}

func (self AttrList) GetU16(field uint16) (uint16, bool) {
	v, ok := self.Get(field).(uint16)
	return v, ok
}

func (self AttrList) GetU32(field uint16) (uint32, bool) {
	v, ok := self.Get(field).(uint32)
	return v, ok
}

func (self AttrList) GetU64(field uint16) (uint64, bool) {
	v, ok := self.Get(field).(uint64)
	return v, ok
}

func (self AttrList) GetString(field uint16) (string, bool) {
	switch v := self.Get(field).(type) {
	case string:
		return v, true
	case []byte:
		return nlenc.String(v), true
	}
	return "", false
}

func (self AttrList) GetBytes(field uint16) ([]byte, bool) {
	switch v := self.Get(field).(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	}
	return nil, false
}

func (self AttrList) GetNested(field uint16) (AttrList, bool) {
	v, ok := self.Get(field).(AttrList)
	return v, ok
}

func (self AttrList) MarshalBinary() ([]byte, error) {
	var ret []byte
	for _, attr := range []Attr(self) {
		b, err := attr.MarshalBinary()
		if err != nil {
			return nil, err
		}
		ret = append(ret, b...)
	}
	return ret, nil
}

func (self AttrList) Bytes() []byte {
	buf, err := self.MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("nlmgr: %v", err))
	}
	return buf
}

type Policy interface {
	Parse([]byte) (AttrList, error)
}

// SimplePolicy represents non-nested netlink attribute policy.
type SimplePolicy uint16

const (
	NLA_UNSPEC SimplePolicy = iota
	NLA_U8
	NLA_U16
	NLA_U32
	NLA_U64
	NLA_STRING
	NLA_FLAG
	NLA_MSECS
	NLA_NESTED
	NLA_NESTED_COMPAT
	NLA_NUL_STRING
	NLA_BINARY
	NLA_S8
	NLA_S16
	NLA_S32
	NLA_S64
)

// attrHeader validates the attribute header at the start of nla and returns
// its type and unpadded length.
func attrHeader(nla []byte) (uint16, int, error) {
	if len(nla) < NLA_HDRLEN {
		return 0, 0, errors.Wrapf(ErrMalformed, "short attribute header: %d bytes", len(nla))
	}
	length := int(nlenc.Uint16(nla[0:2]))
	if length < NLA_HDRLEN {
		return 0, 0, errors.Wrapf(ErrMalformed, "attribute length %d below header size", length)
	}
	if length > len(nla) {
		return 0, 0, errors.Wrapf(ErrMalformed, "attribute length %d exceeds remaining %d", length, len(nla))
	}
	return nlenc.Uint16(nla[2:4]), length, nil
}

// next returns the buffer following an attribute of the given length. The
// final attribute may omit its padding.
func next(buf []byte, length int) []byte {
	if n := NLA_ALIGN(length); n < len(buf) {
		return buf[n:]
	}
	return nil
}

func (self SimplePolicy) Parse(nla []byte) (AttrList, error) {
	if attr, err := self.ParseOne(nla); err != nil {
		return nil, err
	} else {
		return []Attr{attr}, nil
	}
}

func (self SimplePolicy) ParseOne(nla []byte) (attr Attr, err error) {
	typ, length, err := attrHeader(nla)
	if err != nil {
		return attr, err
	}
	attr.Type = typ &^ unix.NLA_F_NESTED
	body := nla[NLA_HDRLEN:length]
	order := attr.order()

	need := func(n int) error {
		if len(body) < n {
			return errors.Wrapf(ErrMalformed, "attribute %d: %d bytes, want %d", attr.Field(), len(body), n)
		}
		return nil
	}

	switch self {
	default:
		attr.Value = body
	case NLA_U8:
		if err = need(1); err == nil {
			attr.Value = body[0]
		}
	case NLA_S8:
		if err = need(1); err == nil {
			attr.Value = int8(body[0])
		}
	case NLA_U16:
		if err = need(2); err == nil {
			attr.Value = order.Uint16(body[:2])
		}
	case NLA_S16:
		if err = need(2); err == nil {
			attr.Value = int16(order.Uint16(body[:2]))
		}
	case NLA_U32:
		if err = need(4); err == nil {
			attr.Value = order.Uint32(body[:4])
		}
	case NLA_S32:
		if err = need(4); err == nil {
			attr.Value = int32(order.Uint32(body[:4]))
		}
	case NLA_U64, NLA_MSECS:
		if err = need(8); err == nil {
			attr.Value = order.Uint64(body[:8])
		}
	case NLA_S64:
		if err = need(8); err == nil {
			attr.Value = int64(order.Uint64(body[:8]))
		}
	case NLA_STRING, NLA_NUL_STRING:
		attr.Value = string(bytes.SplitN(body, []byte{0}, 2)[0])
	case NLA_FLAG:
		attr.Value = true
	case NLA_NESTED, NLA_NESTED_COMPAT:
		attr.Value, err = binList.Parse(body)
	}
	return
}

type ListPolicy struct {
	Nested Policy
}

func (self ListPolicy) Parse(buf []byte) (AttrList, error) {
	var ret []Attr

	switch policy := self.Nested.(type) {
	case SimplePolicy:
		for len(buf) >= NLA_HDRLEN {
			attr, err := policy.ParseOne(buf)
			if err != nil {
				return nil, err
			}
			ret = append(ret, attr)
			_, length, _ := attrHeader(buf)
			buf = next(buf, length)
		}
	default:
		for len(buf) >= NLA_HDRLEN {
			typ, length, err := attrHeader(buf)
			if err != nil {
				return nil, err
			}
			attrs, err := self.Nested.Parse(buf[NLA_HDRLEN:length])
			if err != nil {
				return nil, err
			}
			ret = append(ret, Attr{
				Type:  typ &^ unix.NLA_F_NESTED,
				Value: attrs,
			})
			buf = next(buf, length)
		}
	}
	return ret, nil
}

func (self ListPolicy) Dump(attrs AttrList) string {
	var comps []string
	for _, attr := range []Attr(attrs) {
		field := attr.Field()
		switch policy := self.Nested.(type) {
		default:
			comps = append(comps, fmt.Sprintf("%d: %#v", field, attr.Value))
		case MapPolicy:
			if nested, ok := attr.Value.(AttrList); ok {
				comps = append(comps, fmt.Sprintf("%d: %s", field, policy.Dump(nested)))
			} else {
				comps = append(comps, fmt.Sprintf("%d: %#v", field, attr.Value))
			}
		case ListPolicy:
			if nested, ok := attr.Value.(AttrList); ok {
				comps = append(comps, fmt.Sprintf("%d: %s", field, policy.Dump(nested)))
			} else {
				comps = append(comps, fmt.Sprintf("%d: %#v", field, attr.Value))
			}
		}
	}
	return fmt.Sprintf("[%s]", strings.Join(comps, ", "))
}

var binList Policy = ListPolicy{Nested: NLA_BINARY}

// MapPolicy parses attributes keyed by id. Ids without a rule decode as raw
// bytes, or as a list of raw attributes when the nested bit is set.
type MapPolicy struct {
	Prefix string
	Names  map[uint16]string
	Rule   map[uint16]Policy
}

func (self MapPolicy) Parse(buf []byte) (AttrList, error) {
	var ret []Attr

	for len(buf) >= NLA_HDRLEN {
		typ, length, err := attrHeader(buf)
		if err != nil {
			return nil, err
		}
		attr := Attr{Type: typ &^ unix.NLA_F_NESTED}
		body := buf[NLA_HDRLEN:length]
		if p, ok := self.Rule[typ&NLA_TYPE_MASK]; ok {
			switch policy := p.(type) {
			case SimplePolicy:
				if attr, err = policy.ParseOne(buf); err != nil {
					return nil, err
				}
			default:
				if attr.Value, err = p.Parse(body); err != nil {
					return nil, err
				}
			}
		} else if typ&unix.NLA_F_NESTED == 0 {
			attr.Value = body
		} else if attr.Value, err = binList.Parse(body); err != nil {
			return nil, err
		}
		ret = append(ret, attr)
		buf = next(buf, length)
	}
	return ret, nil
}

func (self MapPolicy) name(field uint16) string {
	if n, ok := self.Names[field]; ok {
		return n
	}
	return fmt.Sprintf("%d", field)
}

func (self MapPolicy) Dump(attrs AttrList) string {
	var comps []string
	for _, attr := range []Attr(attrs) {
		field := attr.Field()
		name := self.name(field)
		switch policy := self.Rule[field].(type) {
		default:
			comps = append(comps, fmt.Sprintf("%s: %#v", name, attr.Value))
		case MapPolicy:
			if nested, ok := attr.Value.(AttrList); ok {
				comps = append(comps, fmt.Sprintf("%s: %s", name, policy.Dump(nested)))
			} else {
				comps = append(comps, fmt.Sprintf("%s: %#v", name, attr.Value))
			}
		case ListPolicy:
			if nested, ok := attr.Value.(AttrList); ok {
				comps = append(comps, fmt.Sprintf("%s: %s", name, policy.Dump(nested)))
			} else {
				comps = append(comps, fmt.Sprintf("%s: %#v", name, attr.Value))
			}
		}
	}
	return fmt.Sprintf("%s(%s)", self.Prefix, strings.Join(comps, ", "))
}
