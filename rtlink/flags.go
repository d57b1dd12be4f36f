package rtlink

import (
	"fmt"
	"strings"
)

// IFF is the ifinfomsg flags word.
type IFF uint32

const (
	IFF_UP IFF = 1 << iota
	IFF_BROADCAST
	IFF_DEBUG
	IFF_LOOPBACK
	IFF_POINTOPOINT
	IFF_NOTRAILERS
	IFF_RUNNING
	IFF_NOARP
	IFF_PROMISC
	IFF_ALLMULTI
	IFF_MASTER
	IFF_SLAVE
	IFF_MULTICAST
	IFF_PORTSEL
	IFF_AUTOMEDIA
	IFF_DYNAMIC
	IFF_LOWER_UP
	IFF_DORMANT
	IFF_ECHO
)

var names = []string{
	"UP",
	"BROADCAST",
	"DEBUG",
	"LOOPBACK",
	"POINTOPOINT",
	"NOTRAILERS",
	"RUNNING",
	"NOARP",
	"PROMISC",
	"ALLMULTI",
	"MASTER",
	"SLAVE",
	"MULTICAST",
	"PORTSEL",
	"AUTOMEDIA",
	"DYNAMIC",
	"LOWER_UP",
	"DORMANT",
	"ECHO",
}

// String lists the set flags in ip-link style, e.g. "UP,LOWER_UP".
// Bits without a name are shown as hex.
func (self IFF) String() string {
	var ret []string
	for i := 0; i < 32; i++ {
		bit := IFF(1) << i
		if self&bit == 0 {
			continue
		}
		if i < len(names) {
			ret = append(ret, names[i])
		} else {
			ret = append(ret, fmt.Sprintf("%#x", uint32(bit)))
		}
	}
	return strings.Join(ret, ",")
}

// Up reports administrative state.
func (self IFF) Up() bool {
	return self&IFF_UP != 0
}

// LowerUp reports carrier.
func (self IFF) LowerUp() bool {
	return self&IFF_LOWER_UP != 0
}
