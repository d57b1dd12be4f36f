package nlmgr

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mdlayher/netlink/nlenc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestEncodeDecodeMessage(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5}
	b := EncodeMessage(Header{Type: 20, Flags: unix.NLM_F_REQUEST, Seq: 99, Pid: 7}, data, 42)

	assert.Len(t, b, 24)
	assert.Zero(t, len(b)%4)

	msg, rest, err := DecodeMessage(b)
	require.NoError(t, err)
	assert.Nil(t, rest)
	assert.Equal(t, Header{Len: 21, Type: 20, Flags: unix.NLM_F_REQUEST, Seq: 42, Pid: 7}, msg.Header)
	assert.Equal(t, data, msg.Data)
}

func TestParseMessagesConcatenated(t *testing.T) {
	b := concat(
		EncodeMessage(Header{Type: 16}, []byte{1}, 1),
		EncodeMessage(Header{Type: 17}, []byte{2, 2, 2, 2}, 2),
		[]byte{0, 0, 0},
	)
	msgs, err := ParseMessages(b)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint16(16), msgs[0].Header.Type)
	assert.Equal(t, []byte{1}, msgs[0].Data)
	assert.Equal(t, uint32(2), msgs[1].Header.Seq)
	assert.Equal(t, []byte{2, 2, 2, 2}, msgs[1].Data)
}

func TestDecodeMessageMalformed(t *testing.T) {
	valid := EncodeMessage(Header{Type: 16}, []byte{1, 2, 3, 4}, 1)

	short := valid[:10]

	tiny := append([]byte(nil), valid...)
	nlenc.PutUint32(tiny[0:4], 8)

	long := append([]byte(nil), valid...)
	nlenc.PutUint32(long[0:4], 64)

	for name, b := range map[string][]byte{
		"short header":   short,
		"below header":   tiny,
		"exceeds buffer": long,
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := DecodeMessage(b)
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestParseMessagesKeepsLeadingMessages(t *testing.T) {
	good := EncodeMessage(Header{Type: 16}, []byte{1, 2, 3, 4}, 1)
	bad := EncodeMessage(Header{Type: 17}, []byte{1, 2, 3, 4}, 2)
	bad = bad[:len(bad)-2]

	msgs, err := ParseMessages(concat(good, bad))
	require.ErrorIs(t, err, ErrMalformed)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint32(1), msgs[0].Header.Seq)
}

var testPolicy = MapPolicy{
	Prefix: "TEST",
	Names: map[uint16]string{
		1: "U8",
		2: "U16",
		3: "U32",
		4: "U64",
		5: "STRING",
		6: "FLAG",
		7: "BINARY",
		8: "NESTED",
	},
	Rule: map[uint16]Policy{
		1: NLA_U8,
		2: NLA_U16,
		3: NLA_U32,
		4: NLA_U64,
		5: NLA_STRING,
		6: NLA_FLAG,
		7: NLA_BINARY,
		8: MapPolicy{
			Prefix: "INNER",
			Rule: map[uint16]Policy{
				1: NLA_STRING,
				2: NLA_S32,
			},
		},
	},
}

func TestAttrRoundTrip(t *testing.T) {
	attrs := AttrList{
		{Type: 1, Value: uint8(7)},
		{Type: 2, Value: uint16(0x1234)},
		{Type: 3, Value: uint32(0xdeadbeef)},
		{Type: 4, Value: uint64(1) << 40},
		{Type: 5, Value: "wlan0"},
		{Type: 6, Value: true},
		{Type: 7, Value: []byte{9, 8, 7}},
		{Type: 8, Value: AttrList{
			{Type: 1, Value: "inner"},
			{Type: 2, Value: int32(-5)},
		}},
	}
	b := attrs.Bytes()
	assert.Zero(t, len(b)%4)

	parsed, err := testPolicy.Parse(b)
	require.NoError(t, err)
	if diff := cmp.Diff(attrs, parsed); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestAttrPadding(t *testing.T) {
	b := Attr{Type: 7, Value: []byte{1}}.Bytes()
	require.Len(t, b, 8)
	typ, length, err := attrHeader(b)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), typ)
	assert.Equal(t, 5, length)

	nested := Attr{Type: 8, Value: AttrList{{Type: 1, Value: "a"}}}.Bytes()
	typ, _, err = attrHeader(nested)
	require.NoError(t, err)
	assert.NotZero(t, typ&unix.NLA_F_NESTED)
}

func TestAttrNetByteOrder(t *testing.T) {
	attr := Attr{Type: 2 | unix.NLA_F_NET_BYTEORDER, Value: uint16(0x1234)}
	b := attr.Bytes()
	assert.Equal(t, []byte{0x12, 0x34}, b[4:6])

	parsed, err := testPolicy.Parse(b)
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, attr, parsed[0])
	v, ok := parsed.GetU16(2)
	assert.True(t, ok)
	assert.Equal(t, uint16(0x1234), v)
}

func TestAttrOverrun(t *testing.T) {
	b := Attr{Type: 3, Value: uint32(1)}.Bytes()
	nlenc.PutUint16(b[0:2], 20)
	_, err := testPolicy.Parse(b)
	require.ErrorIs(t, err, ErrMalformed)

	_, err = testPolicy.Parse(Attr{Type: 3, Value: uint16(1)}.Bytes())
	require.ErrorIs(t, err, ErrMalformed, "u32 rule with two byte payload")
}

func TestAttrTooLong(t *testing.T) {
	_, err := AttrList{
		{Type: 7, Value: make([]byte, 70000)},
		{Type: 3, Value: uint32(5)},
	}.MarshalBinary()
	require.ErrorIs(t, err, ErrMalformed)

	// each member fits, the enclosing attribute does not
	nested := AttrList{
		{Type: 1, Value: make([]byte, 40000)},
		{Type: 2, Value: make([]byte, 40000)},
	}
	_, err = Attr{Type: 8, Value: nested}.MarshalBinary()
	require.ErrorIs(t, err, ErrMalformed)

	b, err := Attr{Type: 7, Value: make([]byte, 0xffff-NLA_HDRLEN)}.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, uint16(0xffff), nlenc.Uint16(b[0:2]))

	_, err = Attr{Type: 7, Value: struct{}{}}.MarshalBinary()
	require.Error(t, err)
	assert.Panics(t, func() { Attr{Type: 7, Value: make([]byte, 70000)}.Bytes() })
}

func TestAttrFalseFlag(t *testing.T) {
	b := AttrList{
		{Type: 6, Value: false},
		{Type: 3, Value: uint32(5)},
	}.Bytes()
	require.Len(t, b, 8)

	parsed, err := testPolicy.Parse(b)
	require.NoError(t, err)
	assert.Equal(t, AttrList{{Type: 3, Value: uint32(5)}}, parsed)
	assert.False(t, parsed.Has(6))

	parsed, err = testPolicy.Parse(AttrList{{Type: 6, Value: true}}.Bytes())
	require.NoError(t, err)
	assert.True(t, parsed.Has(6))
}

func TestDumpNonNestedValue(t *testing.T) {
	attrs := AttrList{{Type: CTRL_ATTR_MCAST_GROUPS, Value: []byte{1, 2}}}
	var out string
	require.NotPanics(t, func() { out = CtrlPolicy.Dump(attrs) })
	assert.Contains(t, out, "MCAST_GROUPS")

	attrs = AttrList{{Type: CTRL_ATTR_MCAST_GROUPS, Value: AttrList{{Type: 1, Value: "scan"}}}}
	require.NotPanics(t, func() { out = CtrlPolicy.Dump(attrs) })
	assert.Contains(t, out, "scan")
}

func TestUnknownAttrs(t *testing.T) {
	attrs := AttrList{
		{Type: 30, Value: []byte{1, 2, 3, 4}},
		{Type: 31, Value: AttrList{{Type: 1, Value: []byte{7, 7, 7, 7}}}},
	}
	parsed, err := MapPolicy{}.Parse(attrs.Bytes())
	require.NoError(t, err)
	if diff := cmp.Diff(attrs, parsed); diff != "" {
		t.Errorf("unknown attrs mismatch (-want +got):\n%s", diff)
	}
}

func TestAttrListAccessors(t *testing.T) {
	attrs := AttrList{
		{Type: 5, Value: "first"},
		{Type: 5, Value: "second"},
		{Type: 7, Value: []byte("raw\x00")},
	}
	s, ok := attrs.GetString(5)
	assert.True(t, ok)
	assert.Equal(t, "first", s)

	s, ok = attrs.GetString(7)
	assert.True(t, ok)
	assert.Equal(t, "raw", s)

	_, ok = attrs.GetU32(5)
	assert.False(t, ok)
	assert.False(t, attrs.Has(9))
}

func TestListPolicy(t *testing.T) {
	groups := AttrList{
		{Type: 1, Value: AttrList{
			{Type: CTRL_ATTR_MCAST_GRP_NAME, Value: "config"},
			{Type: CTRL_ATTR_MCAST_GRP_ID, Value: uint32(5)},
		}},
		{Type: 2, Value: AttrList{
			{Type: CTRL_ATTR_MCAST_GRP_NAME, Value: "scan"},
			{Type: CTRL_ATTR_MCAST_GRP_ID, Value: uint32(6)},
		}},
	}
	attrs := AttrList{{Type: CTRL_ATTR_MCAST_GROUPS, Value: groups}}
	parsed, err := CtrlPolicy.Parse(attrs.Bytes())
	require.NoError(t, err)
	if diff := cmp.Diff(attrs, parsed); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	assert.Contains(t, CtrlPolicy.Dump(parsed), "MCAST_GROUPS")
}
