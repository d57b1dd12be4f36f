package nlmgr_test

import (
	"context"
	"log"
	"time"

	"github.com/hkwi/nlmgr"
)

// This basic rtnetlink example lists up link interfaces.
func Example() {
	poller := nlmgr.NewPoller(100*time.Millisecond, nil)
	hub := nlmgr.NewRtHub(nlmgr.DefaultOptions())
	if err := hub.Start(poller, nlmgr.RTMGRP_LINK); err != nil {
		panic(err)
	}
	defer hub.Stop()

	hub.AddListener(nlmgr.RequestLink, func(m *nlmgr.RtMessage) {
		name, _ := m.LinkName()
		log.Print("index=", m.Index, " name=", name, " attrs=", nlmgr.RouteLinkPolicy.Dump(m.Attrs))
	})
	if err := hub.RequestDump(nlmgr.RequestLink); err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	poller.Run(ctx)
}

// This example resolves a generic netlink family and joins one of its
// multicast groups.
func ExampleGenlHub_ResolveFamily() {
	poller := nlmgr.NewPoller(0, nil)
	hub := nlmgr.NewGenlHub(nlmgr.DefaultOptions())
	if err := hub.Start(poller); err != nil {
		panic(err)
	}
	defer hub.Stop()

	id, err := hub.ResolveFamily("nl80211", nil)
	if err != nil {
		panic(err)
	}
	log.Print("nl80211 id=", id)
	if err := hub.SubscribeToEvents("nl80211", "mlme"); err != nil {
		panic(err)
	}
}
