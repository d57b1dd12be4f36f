package nlmgr

import (
	"net"
	"net/netip"
	"time"

	"github.com/mdlayher/ndp"
	"github.com/pkg/errors"
)

// Neighbor discovery definitions the kernel headers do not export.
const (
	ndRouterAdvertisement = 134

	ND_OPT_RDNSS = 25 // RFC 6106
	ND_OPT_DNSSL = 31 // RFC 6106

	sizeofNdOptHeader = 8
	sizeofNdRaHeader  = 16 // icmp6 header and router advertisement body
)

// RdnssOption is a recursive DNS server option relayed from a router
// advertisement. Lifetime is in seconds; 0xffffffff means infinity.
type RdnssOption struct {
	Lifetime  uint32
	Addresses []net.IP
}

// Bytes encodes the option, or nothing when there are no addresses.
func (o RdnssOption) Bytes() []byte {
	servers := make([]netip.Addr, 0, len(o.Addresses))
	for _, ip := range o.Addresses {
		if addr, ok := netip.AddrFromSlice(ip.To16()); ok {
			servers = append(servers, addr)
		}
	}
	if len(servers) == 0 {
		return nil
	}
	b, err := ndp.MarshalMessage(&ndp.RouterAdvertisement{
		Options: []ndp.Option{&ndp.RecursiveDNSServer{
			Lifetime: time.Duration(o.Lifetime) * time.Second,
			Servers:  servers,
		}},
	})
	if err != nil {
		return nil
	}
	return b[sizeofNdRaHeader:]
}

// ParseRdnssOption reads the first ND option of a user option message. Only
// RDNSS carries data the connection manager consumes; other option types
// yield an empty RdnssOption.
func ParseRdnssOption(b []byte) (RdnssOption, error) {
	var o RdnssOption
	if len(b) < sizeofNdOptHeader {
		return o, errors.Wrapf(ErrMalformed, "nd option %d bytes", len(b))
	}
	length := int(b[1]) * 8
	if length < sizeofNdOptHeader || length > len(b) {
		return o, errors.Wrapf(ErrMalformed, "nd option length %d, have %d", length, len(b))
	}
	if b[0] != ND_OPT_RDNSS {
		return o, nil
	}

	// the kernel relays the bare option; ndp parses it as part of an RA
	raw := make([]byte, sizeofNdRaHeader, sizeofNdRaHeader+length)
	raw[0] = ndRouterAdvertisement
	msg, err := ndp.ParseMessage(append(raw, b[:length]...))
	if err != nil {
		return o, errors.Wrapf(ErrMalformed, "rdnss: %v", err)
	}
	ra, ok := msg.(*ndp.RouterAdvertisement)
	if !ok {
		return o, errors.Wrapf(ErrMalformed, "rdnss: unexpected %T", msg)
	}
	for _, opt := range ra.Options {
		rdnss, ok := opt.(*ndp.RecursiveDNSServer)
		if !ok {
			continue
		}
		o.Lifetime = uint32(rdnss.Lifetime / time.Second)
		for _, addr := range rdnss.Servers {
			o.Addresses = append(o.Addresses, net.IP(addr.AsSlice()))
		}
	}
	return o, nil
}
