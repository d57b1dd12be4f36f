package main

import (
	"context"
	"log"
	"os"
	"os/signal"

	"github.com/hkwi/nlmgr"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	poller := nlmgr.NewPoller(0, nil)
	hub := nlmgr.NewRtHub(nlmgr.DefaultOptions())
	if err := hub.Start(poller, nlmgr.RTMGRP_LINK); err != nil {
		panic(err)
	}
	defer hub.Stop()

	hub.AddListener(nlmgr.RequestLink, func(m *nlmgr.RtMessage) {
		log.Print("mode=", m.Mode, " index=", m.Index, " ifinfomsg=", m.Link, " attrs=", nlmgr.RouteLinkPolicy.Dump(m.Attrs))
	})
	if err := hub.RequestDump(nlmgr.RequestLink); err != nil {
		panic(err)
	}
	if err := poller.Run(ctx); err != nil {
		panic(err)
	}
}
