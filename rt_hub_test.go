package nlmgr

import (
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func startedRtHub(t *testing.T) (*RtHub, *fakeSockets, *fakeReactor) {
	t.Helper()
	clock := newFakeClock()
	fs := newFakeSockets(clock)
	r := newFakeReactor()
	hub := NewRtHub(testOptions(fs, clock))
	require.NoError(t, hub.Start(r, 0))
	return hub, fs, r
}

func encodeRt(t *testing.T, m *RtMessage, seq uint32) []byte {
	t.Helper()
	b, err := m.Encode(seq)
	require.NoError(t, err)
	return b
}

func linkEvent(index int32, name string) *RtMessage {
	return &RtMessage{
		Type:  RtTypeLink,
		Mode:  RtModeAdd,
		Index: index,
		Link:  LinkStatus{Flags: unix.IFF_UP},
		Attrs: AttrList{{Type: IFLA_IFNAME, Value: name}},
	}
}

func addrEvent(index int32) *RtMessage {
	return &RtMessage{
		Type:    RtTypeAddress,
		Mode:    RtModeAdd,
		Index:   index,
		Family:  unix.AF_INET,
		Address: AddressStatus{PrefixLen: 24},
		Attrs:   AttrList{{Type: IFA_ADDRESS, Value: []byte{192, 0, 2, 1}}},
	}
}

func TestRtHubStartStop(t *testing.T) {
	hub, fs, r := startedRtHub(t)

	assert.Equal(t, []string{"socket", "bind", "rcvbuf"}, fs.Calls())
	assert.Equal(t, uint32(DefaultGroups), fs.bound.Groups)
	assert.True(t, hub.Started())
	assert.Len(t, r.handlers, 1)

	require.NoError(t, hub.Start(r, 0))
	assert.Len(t, fs.Calls(), 3, "second Start is a no-op")

	hub.Stop()
	assert.Equal(t, []string{"socket", "bind", "rcvbuf", "close"}, fs.Calls())
	assert.Equal(t, []int{10}, r.stopped)
	assert.False(t, hub.Started())

	hub.Stop()
	assert.Len(t, fs.Calls(), 4, "second Stop is a no-op")

	_, err := hub.SendMessage(linkEvent(1, "lo"))
	require.ErrorIs(t, err, ErrNotStarted)
	require.ErrorIs(t, hub.RequestDump(RequestLink), ErrNotStarted)
}

func TestRtHubStartFailures(t *testing.T) {
	t.Run("bind", func(t *testing.T) {
		clock := newFakeClock()
		fs := newFakeSockets(clock)
		fs.bindErr = unix.EPERM
		hub := NewRtHub(testOptions(fs, clock))

		err := hub.Start(newFakeReactor(), 0)
		require.ErrorIs(t, err, ErrTransport)
		assert.Equal(t, []string{"socket", "bind", "close"}, fs.Calls())
		assert.False(t, hub.Started())
	})
	t.Run("receive buffer", func(t *testing.T) {
		clock := newFakeClock()
		fs := newFakeSockets(clock)
		fs.rcvbufErr = unix.ENOBUFS
		hub := NewRtHub(testOptions(fs, clock))

		err := hub.Start(newFakeReactor(), 0)
		require.ErrorIs(t, err, ErrTransport)
		assert.Equal(t, []string{"socket", "bind", "rcvbuf", "close"}, fs.Calls())
	})
	t.Run("reactor", func(t *testing.T) {
		clock := newFakeClock()
		fs := newFakeSockets(clock)
		r := newFakeReactor()
		r.err = fmt.Errorf("reactor full")
		hub := NewRtHub(testOptions(fs, clock))

		err := hub.Start(r, RTMGRP_LINK)
		require.ErrorIs(t, err, ErrTransport)
		assert.Equal(t, uint32(RTMGRP_LINK), fs.bound.Groups)
		assert.Equal(t, []string{"socket", "bind", "rcvbuf", "close"}, fs.Calls())
		assert.False(t, hub.Started())
	})
}

func TestRtHubListenerFanOut(t *testing.T) {
	hub, fs, r := startedRtHub(t)

	var got []string
	listen := func(name string) func(*RtMessage) {
		return func(m *RtMessage) {
			got = append(got, name+" "+m.Type.String())
		}
	}
	hub.AddListener(RequestLink, listen("l1"))
	l2 := hub.AddListener(RequestLink|RequestAddr, listen("l2"))
	hub.AddListener(RequestAddr, listen("l3"))

	dgram := concat(encodeRt(t, linkEvent(2, "eth0"), 0), encodeRt(t, addrEvent(2), 0))
	fs.Push(dgram)
	r.fire()
	assert.Equal(t, []string{"l1 link", "l2 link", "l2 address", "l3 address"}, got)

	got = nil
	hub.RemoveListener(l2)
	hub.ParseRTNL(dgram)
	assert.Equal(t, []string{"l1 link", "l3 address"}, got)
}

func TestRtHubListenerIsolation(t *testing.T) {
	hub, _, _ := startedRtHub(t)

	var names []string
	hub.AddListener(RequestLink, func(m *RtMessage) {
		panic("boom")
	})
	hub.AddListener(RequestLink, func(m *RtMessage) {
		name, _ := m.LinkName()
		names = append(names, name)
	})

	truncated := EncodeMessage(Header{Type: unix.RTM_NEWADDR}, []byte{unix.AF_INET, 24}, 0)
	hub.ParseRTNL(concat(
		encodeRt(t, linkEvent(1, "lo"), 0),
		truncated,
		EncodeMessage(Header{Type: unix.NLMSG_NOOP}, nil, 0),
		encodeRt(t, linkEvent(2, "eth0"), 0),
	))
	assert.Equal(t, []string{"lo", "eth0"}, names)
}

func TestRtHubListenerReentry(t *testing.T) {
	hub, _, _ := startedRtHub(t)

	count := 0
	var l *RtListener
	l = hub.AddListener(RequestLink, func(m *RtMessage) {
		count++
		hub.RemoveListener(l)
	})
	dgram := encodeRt(t, linkEvent(1, "lo"), 0)
	hub.ParseRTNL(dgram)
	hub.ParseRTNL(dgram)
	assert.Equal(t, 1, count)
}

func sentRt(t *testing.T, fs *fakeSockets) []*RtMessage {
	t.Helper()
	var ret []*RtMessage
	for _, b := range fs.Sent() {
		ret = append(ret, decodeOne(t, b))
	}
	return ret
}

func TestRtHubRequestDump(t *testing.T) {
	hub, fs, _ := startedRtHub(t)

	require.NoError(t, hub.RequestDump(RequestLink|RequestAddr))
	require.NoError(t, hub.RequestDump(RequestAddr))

	sent := sentRt(t, fs)
	require.Len(t, sent, 1, "one dump in flight")
	assert.Equal(t, RtTypeLink, sent[0].Type)
	assert.Equal(t, RtModeGet, sent[0].Mode)
	assert.Equal(t, uint16(unix.NLM_F_REQUEST|unix.NLM_F_DUMP), sent[0].Flags)

	hub.ParseRTNL(concat(encodeRt(t, linkEvent(1, "lo"), sent[0].Seq), doneMessage(sent[0].Seq)))
	sent = sentRt(t, fs)
	require.Len(t, sent, 2)
	assert.Equal(t, RtTypeAddress, sent[1].Type)

	hub.ParseRTNL(doneMessage(sent[0].Seq))
	assert.Len(t, fs.Sent(), 2, "stale NLMSG_DONE ignored")

	hub.ParseRTNL(errorMessage(sent[1].Seq, unix.EPERM))
	assert.Len(t, fs.Sent(), 2, "queue drained")

	require.NoError(t, hub.RequestDump(RequestRoute|RequestNeighbor))
	sent = sentRt(t, fs)
	require.Len(t, sent, 3)
	assert.Equal(t, RtTypeRoute, sent[2].Type)
}

func TestRtHubLinkRequests(t *testing.T) {
	hub, fs, _ := startedRtHub(t)

	require.NoError(t, hub.SetInterfaceFlags(3, unix.IFF_UP, unix.IFF_UP))
	require.NoError(t, hub.SetInterfaceMTU(3, 1280))
	require.NoError(t, hub.RemoveInterface(4))

	sent := sentRt(t, fs)
	require.Len(t, sent, 3)

	assert.Equal(t, RtModeAdd, sent[0].Mode)
	assert.Equal(t, int32(3), sent[0].Index)
	assert.Equal(t, LinkStatus{Type: ARPHRD_VOID, Flags: unix.IFF_UP, Change: unix.IFF_UP}, sent[0].Link)
	assert.NotZero(t, sent[0].Flags&unix.NLM_F_REQUEST)

	mtu, ok := sent[1].Attrs.GetU32(IFLA_MTU)
	assert.True(t, ok)
	assert.Equal(t, uint32(1280), mtu)

	assert.Equal(t, RtModeDelete, sent[2].Mode)
	assert.Equal(t, int32(4), sent[2].Index)

	assert.Less(t, sent[0].Seq, sent[1].Seq)
}

func TestRtHubAddressRequests(t *testing.T) {
	hub, fs, _ := startedRtHub(t)

	local := net.IPNet{IP: net.ParseIP("192.0.2.10"), Mask: net.CIDRMask(24, 32)}
	require.NoError(t, hub.AddInterfaceAddress(2, local, net.ParseIP("192.0.2.255"), nil))
	require.NoError(t, hub.RemoveInterfaceAddress(2, local))

	sent := sentRt(t, fs)
	require.Len(t, sent, 2)

	add := sent[0]
	assert.Equal(t, RtTypeAddress, add.Type)
	assert.Equal(t, RtModeAdd, add.Mode)
	assert.Equal(t, uint8(unix.AF_INET), add.Family)
	assert.Equal(t, uint8(24), add.Address.PrefixLen)
	b, _ := add.Attrs.GetBytes(IFA_LOCAL)
	assert.Equal(t, []byte{192, 0, 2, 10}, b)
	b, _ = add.Attrs.GetBytes(IFA_BROADCAST)
	assert.Equal(t, []byte{192, 0, 2, 255}, b)

	assert.Equal(t, RtModeDelete, sent[1].Mode)

	v6 := net.IPNet{IP: net.ParseIP("2001:db8::1"), Mask: net.CIDRMask(64, 128)}
	require.NoError(t, hub.AddInterfaceAddress(2, v6, nil, net.ParseIP("2001:db8::2")))
	sent = sentRt(t, fs)
	assert.Equal(t, uint8(unix.AF_INET6), sent[2].Family)
	b, _ = sent[2].Attrs.GetBytes(IFA_ADDRESS)
	assert.Equal(t, []byte(net.ParseIP("2001:db8::2")), b)
}

func TestRtHubSendFailure(t *testing.T) {
	hub, fs, _ := startedRtHub(t)
	fs.sendErr = unix.ENOBUFS

	err := hub.SetInterfaceFlags(1, 0, unix.IFF_UP)
	require.ErrorIs(t, err, ErrSendFailed)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, unix.ENOBUFS)
}

func TestRtHubSendOversizedAttr(t *testing.T) {
	hub, fs, _ := startedRtHub(t)

	_, err := hub.SendMessage(&RtMessage{
		Type:  RtTypeLink,
		Mode:  RtModeAdd,
		Index: 1,
		Attrs: AttrList{{Type: IFLA_IFALIAS, Value: make([]byte, 70000)}},
	})
	require.ErrorIs(t, err, ErrMalformed)
	assert.Empty(t, fs.Sent())
}

func TestRtHubSkipsUnsupported(t *testing.T) {
	clock := newFakeClock()
	fs := newFakeSockets(clock)
	opts := testOptions(fs, clock)
	opts.Metrics = NewMetrics(prometheus.NewRegistry())
	hub := NewRtHub(opts)
	require.NoError(t, hub.Start(newFakeReactor(), 0))

	var got []*RtMessage
	hub.AddListener(RequestLink|RequestAddr|RequestRoute|RequestNeighbor|RequestRdnss, func(m *RtMessage) {
		got = append(got, m)
	})
	hub.ParseRTNL(concat(
		EncodeMessage(Header{Type: unix.RTM_NEWNETCONF}, make([]byte, 4), 0),
		encodeRt(t, linkEvent(3, "eth1"), 0),
	))

	require.Len(t, got, 1)
	assert.Equal(t, int32(3), got[0].Index)
	assert.Equal(t, 1.0, testutil.ToFloat64(opts.Metrics.Dropped.WithLabelValues(rtnlEngine, "unsupported")))
	assert.Zero(t, testutil.ToFloat64(opts.Metrics.Dropped.WithLabelValues(rtnlEngine, "decode")))
}

func TestGetInterfaceIndex(t *testing.T) {
	for _, tc := range []struct {
		name      string
		iface     string
		socketErr error
		want      int
		calls     []string
	}{
		{name: "empty", iface: "", want: -1},
		{name: "oversized", iface: strings.Repeat("x", unix.IFNAMSIZ), want: -1},
		{name: "socket failure", iface: "eth0", socketErr: unix.EMFILE, want: -1, calls: []string{"socket"}},
		{name: "ioctl failure", iface: "missing0", want: -1, calls: []string{"socket", "ioctl", "close"}},
		{name: "found", iface: "eth0", want: 2, calls: []string{"socket", "ioctl", "close"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clock := newFakeClock()
			fs := newFakeSockets(clock)
			fs.socketErr = tc.socketErr
			hub := NewRtHub(testOptions(fs, clock))

			assert.Equal(t, tc.want, hub.GetInterfaceIndex(tc.iface))
			assert.Equal(t, tc.calls, fs.Calls())
		})
	}
}

func TestRtHubMetrics(t *testing.T) {
	clock := newFakeClock()
	fs := newFakeSockets(clock)
	opts := testOptions(fs, clock)
	opts.Metrics = NewMetrics(prometheus.NewRegistry())
	hub := NewRtHub(opts)
	require.NoError(t, hub.Start(newFakeReactor(), 0))

	hub.ParseRTNL(concat(
		encodeRt(t, linkEvent(1, "lo"), 0),
		EncodeMessage(Header{Type: 250}, nil, 0),
		EncodeMessage(Header{Type: unix.RTM_NEWLINK}, make([]byte, 8), 0),
		encodeRt(t, addrEvent(1), 0),
	))
	require.NoError(t, hub.SetInterfaceFlags(1, 0, 0))

	assert.Equal(t, 2.0, testutil.ToFloat64(opts.Metrics.Received.WithLabelValues(rtnlEngine)))
	assert.Equal(t, 1.0, testutil.ToFloat64(opts.Metrics.Dropped.WithLabelValues(rtnlEngine, "decode")))
	assert.Equal(t, 1.0, testutil.ToFloat64(opts.Metrics.Dropped.WithLabelValues(rtnlEngine, "unsupported")))
	assert.Equal(t, 1.0, testutil.ToFloat64(opts.Metrics.Sent.WithLabelValues(rtnlEngine)))
}
