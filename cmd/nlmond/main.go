package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/hkwi/nlmgr"
	"github.com/hkwi/nlmgr/rtlink"
	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:   "nlmond",
		Short: "A netlink monitor for connection managers.",
		Long:  "nlmond follows RTNL and generic netlink events and logs them.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := ReadConf(confPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				c.LogLevel = logLevelFlag
			}
			if cmd.Flags().Changed("json") {
				c.LogJSON = logJSONFlag
			}
			if cmd.Flags().Changed("netns") {
				c.Netns = netnsFlag
			}

			l, err := newLogger(os.Stderr, c.LogLevel, c.LogJSON)
			if err != nil {
				return err
			}
			slog.SetDefault(l)

			conf, logger = c, l
			logger.Debug("loaded configuration", "path", confPath, "conf", conf.String())
			return nil
		},
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Follow netlink events until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return newDaemon(conf, logger).run(ctx)
		},
	}

	linksCmd = &cobra.Command{
		Use:   "links",
		Short: "Dump the link table and exit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listLinks(cmd.Context())
		},
	}

	familyCmd = &cobra.Command{
		Use:   "family NAME",
		Short: "Resolve a generic netlink family and show its groups.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showFamily(args[0])
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Get the built version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("built commit: %s\n", builtCommit)
		},
	}

	confPath     string
	logLevelFlag string
	logJSONFlag  bool
	netnsFlag    string
	waitFlag     time.Duration

	conf        *Config
	logger      *slog.Logger
	builtCommit = "dev"
)

func init() {
	// Disable completion please!
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&confPath, "conf", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "one of debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&logJSONFlag, "json", false, "log in JSON")
	rootCmd.PersistentFlags().StringVar(&netnsFlag, "netns", "", "named network namespace to open sockets in")
	linksCmd.Flags().DurationVar(&waitFlag, "wait", time.Second, "how long to collect the dump")

	// Add the different sub-commands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(linksCmd)
	rootCmd.AddCommand(familyCmd)
	rootCmd.AddCommand(versionCmd)
}

func listLinks(ctx context.Context) error {
	opts := conf.Options()
	opts.Logger = logger

	poller := nlmgr.NewPoller(0, logger)
	hub := nlmgr.NewRtHub(opts)
	if err := inNetns(conf.Netns, func() error {
		return hub.Start(poller, nlmgr.RTMGRP_LINK)
	}); err != nil {
		return err
	}
	defer hub.Stop()

	watcher := rtlink.NewWatcher(hub)
	defer watcher.Close()
	if err := watcher.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, waitFlag)
	defer cancel()
	if err := poller.Run(ctx); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tNAME\tKIND\tMTU\tADDRESS\tFLAGS")
	for _, l := range watcher.Links() {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n", l.Index, l.Name, l.Kind, l.MTU, l.HardwareAddr, l.Flags)
	}
	return w.Flush()
}

func showFamily(name string) error {
	opts := conf.Options()
	opts.Logger = logger

	hub := nlmgr.NewGenlHub(opts)
	if err := inNetns(conf.Netns, func() error {
		return hub.Start(nlmgr.NewPoller(0, logger))
	}); err != nil {
		return err
	}
	defer hub.Stop()

	id, err := hub.ResolveFamily(name, nil)
	if err != nil {
		return err
	}
	family, _ := hub.Family(name)

	fmt.Printf("%s id=%d version=%d hdrsize=%d\n", family.Name, id, family.Version, family.Hdrsize)
	for _, g := range family.Groups {
		fmt.Printf("  group %s id=%d\n", g.Name, g.Id)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
