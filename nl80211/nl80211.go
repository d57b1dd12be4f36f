// Package nl80211 describes the nl80211 generic netlink family enough for a
// connection manager to resolve it, follow its events and list wireless
// interfaces.
package nl80211

import (
	"fmt"
	"net"

	"github.com/hkwi/nlmgr"
	"golang.org/x/sys/unix"
)

const FamilyName = "nl80211"

// Multicast groups.
const (
	GroupConfig     = "config"
	GroupScan       = "scan"
	GroupRegulatory = "regulatory"
	GroupMlme       = "mlme"
	GroupVendor     = "vendor"
)

const (
	NL80211_CMD_UNSPEC = iota
	NL80211_CMD_GET_WIPHY
	NL80211_CMD_SET_WIPHY
	NL80211_CMD_NEW_WIPHY
	NL80211_CMD_DEL_WIPHY
	NL80211_CMD_GET_INTERFACE
	NL80211_CMD_SET_INTERFACE
	NL80211_CMD_NEW_INTERFACE
	NL80211_CMD_DEL_INTERFACE
	NL80211_CMD_GET_KEY
	NL80211_CMD_SET_KEY
	NL80211_CMD_NEW_KEY
	NL80211_CMD_DEL_KEY
	NL80211_CMD_GET_BEACON
	NL80211_CMD_SET_BEACON
	NL80211_CMD_START_AP
	NL80211_CMD_STOP_AP
	NL80211_CMD_GET_STATION
	NL80211_CMD_SET_STATION
	NL80211_CMD_NEW_STATION
	NL80211_CMD_DEL_STATION
	NL80211_CMD_GET_MPATH
	NL80211_CMD_SET_MPATH
	NL80211_CMD_NEW_MPATH
	NL80211_CMD_DEL_MPATH
	NL80211_CMD_SET_BSS
	NL80211_CMD_SET_REG
	NL80211_CMD_REQ_SET_REG
	NL80211_CMD_GET_MESH_CONFIG
	NL80211_CMD_SET_MESH_CONFIG
	NL80211_CMD_SET_MGMT_EXTRA_IE
	NL80211_CMD_GET_REG
	NL80211_CMD_GET_SCAN
	NL80211_CMD_TRIGGER_SCAN
	NL80211_CMD_NEW_SCAN_RESULTS
	NL80211_CMD_SCAN_ABORTED
	NL80211_CMD_REG_CHANGE
	NL80211_CMD_AUTHENTICATE
	NL80211_CMD_ASSOCIATE
	NL80211_CMD_DEAUTHENTICATE
	NL80211_CMD_DISASSOCIATE
	NL80211_CMD_MICHAEL_MIC_FAILURE
	NL80211_CMD_REG_BEACON_HINT
	NL80211_CMD_JOIN_IBSS
	NL80211_CMD_LEAVE_IBSS
	NL80211_CMD_TESTMODE
	NL80211_CMD_CONNECT
	NL80211_CMD_ROAM
	NL80211_CMD_DISCONNECT
)

var NL80211_CMD_itoa = map[uint8]string{
	NL80211_CMD_GET_WIPHY:           "GET_WIPHY",
	NL80211_CMD_NEW_WIPHY:           "NEW_WIPHY",
	NL80211_CMD_DEL_WIPHY:           "DEL_WIPHY",
	NL80211_CMD_GET_INTERFACE:       "GET_INTERFACE",
	NL80211_CMD_NEW_INTERFACE:       "NEW_INTERFACE",
	NL80211_CMD_DEL_INTERFACE:       "DEL_INTERFACE",
	NL80211_CMD_NEW_STATION:         "NEW_STATION",
	NL80211_CMD_DEL_STATION:         "DEL_STATION",
	NL80211_CMD_GET_SCAN:            "GET_SCAN",
	NL80211_CMD_TRIGGER_SCAN:        "TRIGGER_SCAN",
	NL80211_CMD_NEW_SCAN_RESULTS:    "NEW_SCAN_RESULTS",
	NL80211_CMD_SCAN_ABORTED:        "SCAN_ABORTED",
	NL80211_CMD_REG_CHANGE:          "REG_CHANGE",
	NL80211_CMD_AUTHENTICATE:        "AUTHENTICATE",
	NL80211_CMD_ASSOCIATE:           "ASSOCIATE",
	NL80211_CMD_DEAUTHENTICATE:      "DEAUTHENTICATE",
	NL80211_CMD_DISASSOCIATE:        "DISASSOCIATE",
	NL80211_CMD_REG_BEACON_HINT:     "REG_BEACON_HINT",
	NL80211_CMD_CONNECT:             "CONNECT",
	NL80211_CMD_ROAM:                "ROAM",
	NL80211_CMD_DISCONNECT:          "DISCONNECT",
	NL80211_CMD_MICHAEL_MIC_FAILURE: "MICHAEL_MIC_FAILURE",
}

const (
	NL80211_ATTR_UNSPEC = iota
	NL80211_ATTR_WIPHY
	NL80211_ATTR_WIPHY_NAME
	NL80211_ATTR_IFINDEX
	NL80211_ATTR_IFNAME
	NL80211_ATTR_IFTYPE
	NL80211_ATTR_MAC
	NL80211_ATTR_KEY_DATA
	NL80211_ATTR_KEY_IDX
	NL80211_ATTR_KEY_CIPHER
	NL80211_ATTR_KEY_SEQ
	NL80211_ATTR_KEY_DEFAULT
	NL80211_ATTR_BEACON_INTERVAL
	NL80211_ATTR_DTIM_PERIOD
	NL80211_ATTR_BEACON_HEAD
	NL80211_ATTR_BEACON_TAIL
	NL80211_ATTR_STA_AID
	NL80211_ATTR_STA_FLAGS
	NL80211_ATTR_STA_LISTEN_INTERVAL
	NL80211_ATTR_STA_SUPPORTED_RATES
	NL80211_ATTR_STA_VLAN
	NL80211_ATTR_STA_INFO
	NL80211_ATTR_WIPHY_BANDS
	NL80211_ATTR_MNTR_FLAGS
	NL80211_ATTR_MESH_ID
	NL80211_ATTR_STA_PLINK_ACTION
	NL80211_ATTR_MPATH_NEXT_HOP
	NL80211_ATTR_MPATH_INFO
	NL80211_ATTR_BSS_CTS_PROT
	NL80211_ATTR_BSS_SHORT_PREAMBLE
	NL80211_ATTR_BSS_SHORT_SLOT_TIME
	NL80211_ATTR_HT_CAPABILITY
	NL80211_ATTR_SUPPORTED_IFTYPES
	NL80211_ATTR_REG_ALPHA2
	NL80211_ATTR_REG_RULES
	NL80211_ATTR_MESH_CONFIG
	NL80211_ATTR_BSS_BASIC_RATES
	NL80211_ATTR_WIPHY_TXQ_PARAMS
	NL80211_ATTR_WIPHY_FREQ
	NL80211_ATTR_WIPHY_CHANNEL_TYPE
	NL80211_ATTR_KEY_DEFAULT_MGMT
	NL80211_ATTR_MGMT_SUBTYPE
	NL80211_ATTR_IE
	NL80211_ATTR_MAX_NUM_SCAN_SSIDS
	NL80211_ATTR_SCAN_FREQUENCIES
	NL80211_ATTR_SCAN_SSIDS
	NL80211_ATTR_GENERATION
	NL80211_ATTR_BSS
	NL80211_ATTR_REG_INITIATOR
	NL80211_ATTR_REG_TYPE
	NL80211_ATTR_SUPPORTED_COMMANDS
	NL80211_ATTR_FRAME
	NL80211_ATTR_SSID
)

// Interface types, NL80211_ATTR_IFTYPE.
const (
	NL80211_IFTYPE_UNSPECIFIED = iota
	NL80211_IFTYPE_ADHOC
	NL80211_IFTYPE_STATION
	NL80211_IFTYPE_AP
	NL80211_IFTYPE_AP_VLAN
	NL80211_IFTYPE_WDS
	NL80211_IFTYPE_MONITOR
	NL80211_IFTYPE_MESH_POINT
	NL80211_IFTYPE_P2P_CLIENT
	NL80211_IFTYPE_P2P_GO
)

var Policy nlmgr.MapPolicy = nlmgr.MapPolicy{
	Prefix: "NL80211_ATTR",
	Names: map[uint16]string{
		NL80211_ATTR_WIPHY:      "WIPHY",
		NL80211_ATTR_WIPHY_NAME: "WIPHY_NAME",
		NL80211_ATTR_IFINDEX:    "IFINDEX",
		NL80211_ATTR_IFNAME:     "IFNAME",
		NL80211_ATTR_IFTYPE:     "IFTYPE",
		NL80211_ATTR_MAC:        "MAC",
		NL80211_ATTR_STA_INFO:   "STA_INFO",
		NL80211_ATTR_REG_ALPHA2: "REG_ALPHA2",
		NL80211_ATTR_WIPHY_FREQ: "WIPHY_FREQ",
		NL80211_ATTR_IE:         "IE",
		NL80211_ATTR_GENERATION: "GENERATION",
		NL80211_ATTR_BSS:        "BSS",
		NL80211_ATTR_FRAME:      "FRAME",
		NL80211_ATTR_SSID:       "SSID",
	},
	Rule: map[uint16]nlmgr.Policy{
		NL80211_ATTR_WIPHY:              nlmgr.NLA_U32,
		NL80211_ATTR_WIPHY_NAME:         nlmgr.NLA_NUL_STRING,
		NL80211_ATTR_IFINDEX:            nlmgr.NLA_U32,
		NL80211_ATTR_IFNAME:             nlmgr.NLA_NUL_STRING,
		NL80211_ATTR_IFTYPE:             nlmgr.NLA_U32,
		NL80211_ATTR_MAC:                nlmgr.NLA_BINARY,
		NL80211_ATTR_STA_INFO:           nlmgr.NLA_NESTED,
		NL80211_ATTR_REG_ALPHA2:         nlmgr.NLA_STRING,
		NL80211_ATTR_REG_INITIATOR:      nlmgr.NLA_U8,
		NL80211_ATTR_REG_TYPE:           nlmgr.NLA_U8,
		NL80211_ATTR_WIPHY_FREQ:         nlmgr.NLA_U32,
		NL80211_ATTR_WIPHY_CHANNEL_TYPE: nlmgr.NLA_U32,
		NL80211_ATTR_IE:                 nlmgr.NLA_BINARY,
		NL80211_ATTR_GENERATION:         nlmgr.NLA_U32,
		NL80211_ATTR_BSS:                nlmgr.NLA_NESTED,
		NL80211_ATTR_FRAME:              nlmgr.NLA_BINARY,
		NL80211_ATTR_SSID:               nlmgr.NLA_BINARY,
	},
}

// Resolve resolves the family on hub, registering Policy for its messages.
func Resolve(hub *nlmgr.GenlHub) (nlmgr.GenlFamily, error) {
	if _, err := hub.ResolveFamily(FamilyName, Policy); err != nil {
		return nlmgr.GenlFamily{}, err
	}
	family, _ := hub.Family(FamilyName)
	return family, nil
}

// Subscribe joins the named multicast groups. The family must be resolved.
func Subscribe(hub *nlmgr.GenlHub, groups ...string) error {
	for _, group := range groups {
		if err := hub.SubscribeToEvents(FamilyName, group); err != nil {
			return err
		}
	}
	return nil
}

// CommandName returns the name of an nl80211 command.
func CommandName(cmd uint8) string {
	if name, ok := NL80211_CMD_itoa[cmd]; ok {
		return name
	}
	return fmt.Sprintf("CMD_%d", cmd)
}

// Interface is one wireless interface from an interface dump.
type Interface struct {
	Index int
	Name  string
	Wiphy uint32
	Type  uint32
	MAC   net.HardwareAddr
}

func InterfaceFromAttrs(attrs nlmgr.AttrList) Interface {
	var ret Interface
	if v, ok := attrs.GetU32(NL80211_ATTR_IFINDEX); ok {
		ret.Index = int(v)
	}
	ret.Name, _ = attrs.GetString(NL80211_ATTR_IFNAME)
	ret.Wiphy, _ = attrs.GetU32(NL80211_ATTR_WIPHY)
	ret.Type, _ = attrs.GetU32(NL80211_ATTR_IFTYPE)
	if mac, ok := attrs.GetBytes(NL80211_ATTR_MAC); ok {
		ret.MAC = net.HardwareAddr(mac)
	}
	return ret
}

// DumpInterfaces asks for every wireless interface. fn runs on the reactor
// goroutine once the dump completes.
func DumpInterfaces(hub *nlmgr.GenlHub, fn func([]Interface, error)) (uint32, error) {
	family, ok := hub.Family(FamilyName)
	if !ok {
		return 0, nlmgr.ErrLookupFailure
	}
	req := nlmgr.NewGenlRequest(family, NL80211_CMD_GET_INTERFACE, unix.NLM_F_DUMP, nil)
	return hub.SendMessage(req, nlmgr.Reassemble(func(msgs []nlmgr.GenlMessage, err error) {
		var ifaces []Interface
		for _, msg := range msgs {
			if msg.Genl.Cmd == NL80211_CMD_NEW_INTERFACE {
				ifaces = append(ifaces, InterfaceFromAttrs(msg.Attrs))
			}
		}
		fn(ifaces, err)
	}))
}

// EventLogger is a broadcast handler describing nl80211 events through
// log.
type EventLogger struct {
	FamilyId uint16
	Log      func(msg string, args ...any)
}

func (self *EventLogger) GenlListen(msg nlmgr.GenlMessage) {
	if msg.Header.Type != self.FamilyId {
		return
	}
	args := []any{"cmd", CommandName(msg.Genl.Cmd)}
	if idx, ok := msg.Attrs.GetU32(NL80211_ATTR_IFINDEX); ok {
		args = append(args, "ifindex", idx)
	}
	if name, ok := msg.Attrs.GetString(NL80211_ATTR_IFNAME); ok {
		args = append(args, "ifname", name)
	}
	self.Log("nl80211 event", args...)
}
