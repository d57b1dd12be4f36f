package nlmgr

// RTNL message types not exported by every x/sys release.
const (
	RTM_NEWNDUSEROPT = 68
)

// Legacy RTMGRP_* bind groups.
const (
	RTMGRP_LINK        = 0x1
	RTMGRP_NEIGH       = 0x4
	RTMGRP_IPV4_IFADDR = 0x10
	RTMGRP_IPV4_ROUTE  = 0x40
	RTMGRP_IPV6_IFADDR = 0x100
	RTMGRP_IPV6_ROUTE  = 0x400
	RTMGRP_ND_USEROPT  = 0x80000
)

// DefaultGroups is what a connection manager listens to.
const DefaultGroups = RTMGRP_LINK | RTMGRP_NEIGH |
	RTMGRP_IPV4_IFADDR | RTMGRP_IPV4_ROUTE |
	RTMGRP_IPV6_IFADDR | RTMGRP_IPV6_ROUTE |
	RTMGRP_ND_USEROPT

const ARPHRD_VOID = 0xFFFF

const (
	IFLA_UNSPEC = iota
	IFLA_ADDRESS
	IFLA_BROADCAST
	IFLA_IFNAME
	IFLA_MTU
	IFLA_LINK // used with 8021q, for example
	IFLA_QDISC
	IFLA_STATS
	IFLA_COST
	IFLA_PRIORITY
	IFLA_MASTER
	IFLA_WIRELESS
	IFLA_PROTINFO
	IFLA_TXQLEN
	IFLA_MAP
	IFLA_WEIGHT
	IFLA_OPERSTATE
	IFLA_LINKMODE
	IFLA_LINKINFO
	IFLA_NET_NS_PID
	IFLA_IFALIAS
	IFLA_NUM_VF
	IFLA_VFINFO_LIST
	IFLA_STATS64
	IFLA_VF_PORTS
	IFLA_PORT_SELF
	IFLA_AF_SPEC
	IFLA_GROUP
	IFLA_NET_NS_FD
	IFLA_EXT_MASK
	IFLA_PROMISCUITY
	IFLA_NUM_TX_QUEUES
	IFLA_NUM_RX_QUEUES
	IFLA_CARRIER
	IFLA_PHYS_PORT_ID
	IFLA_CARRIER_CHANGES
)

const (
	IFLA_INFO_UNSPEC = iota
	IFLA_INFO_KIND
	IFLA_INFO_DATA
	IFLA_INFO_XSTATS
	IFLA_INFO_SLAVE_KIND
	IFLA_INFO_SLAVE_DATA
)

const (
	IFA_UNSPEC = iota
	IFA_ADDRESS
	IFA_LOCAL
	IFA_LABEL
	IFA_BROADCAST
	IFA_ANYCAST
	IFA_CACHEINFO
	IFA_MULTICAST
	IFA_FLAGS
)

const (
	RTA_UNSPEC = iota
	RTA_DST
	RTA_SRC
	RTA_IIF
	RTA_OIF
	RTA_GATEWAY
	RTA_PRIORITY
	RTA_PREFSRC
	RTA_METRICS
	RTA_MULTIPATH
	RTA_PROTOINFO
	RTA_FLOW
	RTA_CACHEINFO
	RTA_SESSION
	RTA_MP_ALGO
	RTA_TABLE
)

const (
	NDA_UNSPEC = iota
	NDA_DST
	NDA_LLADDR
	NDA_CACHEINFO
	NDA_PROBES
)

const (
	NDUSEROPT_UNSPEC = iota
	NDUSEROPT_SRCADDR
)

var IFLA_itoa = map[uint16]string{
	IFLA_ADDRESS:   "ADDRESS",
	IFLA_BROADCAST: "BROADCAST",
	IFLA_IFNAME:    "IFNAME",
	IFLA_MTU:       "MTU",
	IFLA_LINK:      "LINK",
	IFLA_QDISC:     "QDISC",
	IFLA_MASTER:    "MASTER",
	IFLA_TXQLEN:    "TXQLEN",
	IFLA_OPERSTATE: "OPERSTATE",
	IFLA_LINKMODE:  "LINKMODE",
	IFLA_LINKINFO:  "LINKINFO",
	IFLA_IFALIAS:   "IFALIAS",
	IFLA_GROUP:     "GROUP",
	IFLA_CARRIER:   "CARRIER",
}

var IFLA_INFO_itoa = map[uint16]string{
	IFLA_INFO_KIND:       "KIND",
	IFLA_INFO_DATA:       "DATA",
	IFLA_INFO_XSTATS:     "XSTATS",
	IFLA_INFO_SLAVE_KIND: "SLAVE_KIND",
	IFLA_INFO_SLAVE_DATA: "SLAVE_DATA",
}

var RouteLinkPolicy MapPolicy = MapPolicy{
	Prefix: "IFLA",
	Names:  IFLA_itoa,
	Rule: map[uint16]Policy{
		IFLA_IFNAME:    NLA_STRING,
		IFLA_ADDRESS:   NLA_BINARY,
		IFLA_BROADCAST: NLA_BINARY,
		IFLA_MAP:       NLA_BINARY,
		IFLA_MTU:       NLA_U32,
		IFLA_LINK:      NLA_U32,
		IFLA_MASTER:    NLA_U32,
		IFLA_CARRIER:   NLA_U8,
		IFLA_TXQLEN:    NLA_U32,
		IFLA_WEIGHT:    NLA_U32,
		IFLA_OPERSTATE: NLA_U8,
		IFLA_LINKMODE:  NLA_U8,
		IFLA_LINKINFO: MapPolicy{
			Prefix: "INFO",
			Names:  IFLA_INFO_itoa,
			Rule: map[uint16]Policy{
				IFLA_INFO_KIND:       NLA_STRING,
				IFLA_INFO_DATA:       NLA_BINARY, // depends on the kind
				IFLA_INFO_SLAVE_KIND: NLA_STRING,
				IFLA_INFO_SLAVE_DATA: NLA_BINARY, // depends on the kind
			},
		},
		IFLA_NET_NS_PID:      NLA_U32,
		IFLA_NET_NS_FD:       NLA_U32,
		IFLA_IFALIAS:         NLA_STRING,
		IFLA_AF_SPEC:         NLA_BINARY, // per address family
		IFLA_EXT_MASK:        NLA_U32,
		IFLA_PROMISCUITY:     NLA_U32,
		IFLA_NUM_TX_QUEUES:   NLA_U32,
		IFLA_NUM_RX_QUEUES:   NLA_U32,
		IFLA_PHYS_PORT_ID:    NLA_BINARY,
		IFLA_CARRIER_CHANGES: NLA_U32,

		IFLA_QDISC:    NLA_STRING,
		IFLA_STATS:    NLA_BINARY, // struct rtnl_link_stats
		IFLA_STATS64:  NLA_BINARY, // struct rtnl_link_stats64
		IFLA_WIRELESS: NLA_BINARY,
		IFLA_PROTINFO: NLA_BINARY, // depends on prot
		IFLA_NUM_VF:   NLA_U32,
		IFLA_GROUP:    NLA_U32,
	},
}

var RouteAddrPolicy MapPolicy = MapPolicy{
	Prefix: "IFA",
	Names: map[uint16]string{
		IFA_ADDRESS:   "ADDRESS",
		IFA_LOCAL:     "LOCAL",
		IFA_LABEL:     "LABEL",
		IFA_BROADCAST: "BROADCAST",
		IFA_ANYCAST:   "ANYCAST",
		IFA_CACHEINFO: "CACHEINFO",
		IFA_MULTICAST: "MULTICAST",
		IFA_FLAGS:     "FLAGS",
	},
	Rule: map[uint16]Policy{
		IFA_ADDRESS:   NLA_BINARY,
		IFA_LOCAL:     NLA_BINARY,
		IFA_LABEL:     NLA_STRING,
		IFA_BROADCAST: NLA_BINARY,
		IFA_ANYCAST:   NLA_BINARY,
		IFA_CACHEINFO: NLA_BINARY, // struct ifa_cacheinfo
		IFA_MULTICAST: NLA_BINARY,
		IFA_FLAGS:     NLA_U32,
	},
}

var RouteRoutePolicy MapPolicy = MapPolicy{
	Prefix: "RTA",
	Names: map[uint16]string{
		RTA_DST:      "DST",
		RTA_SRC:      "SRC",
		RTA_IIF:      "IIF",
		RTA_OIF:      "OIF",
		RTA_GATEWAY:  "GATEWAY",
		RTA_PRIORITY: "PRIORITY",
		RTA_PREFSRC:  "PREFSRC",
		RTA_TABLE:    "TABLE",
	},
	Rule: map[uint16]Policy{
		RTA_DST:      NLA_BINARY,
		RTA_SRC:      NLA_BINARY,
		RTA_IIF:      NLA_U32,
		RTA_OIF:      NLA_U32,
		RTA_GATEWAY:  NLA_BINARY,
		RTA_PRIORITY: NLA_U32,
		RTA_PREFSRC:  NLA_BINARY,
		RTA_METRICS:  NLA_NESTED,
		RTA_TABLE:    NLA_U32,
	},
}

var RouteNeighPolicy MapPolicy = MapPolicy{
	Prefix: "NDA",
	Names: map[uint16]string{
		NDA_DST:       "DST",
		NDA_LLADDR:    "LLADDR",
		NDA_CACHEINFO: "CACHEINFO",
		NDA_PROBES:    "PROBES",
	},
	Rule: map[uint16]Policy{
		NDA_DST:       NLA_BINARY,
		NDA_LLADDR:    NLA_BINARY,
		NDA_CACHEINFO: NLA_BINARY,
		NDA_PROBES:    NLA_U32,
	},
}

var NdUserOptPolicy MapPolicy = MapPolicy{
	Prefix: "NDUSEROPT",
	Names: map[uint16]string{
		NDUSEROPT_SRCADDR: "SRCADDR",
	},
	Rule: map[uint16]Policy{
		NDUSEROPT_SRCADDR: NLA_BINARY,
	},
}
