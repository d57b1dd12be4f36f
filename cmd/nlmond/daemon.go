package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hkwi/nlmgr"
	"github.com/hkwi/nlmgr/nl80211"
	"github.com/hkwi/nlmgr/rtlink"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type daemon struct {
	conf     *Config
	logger   *slog.Logger
	registry *prometheus.Registry

	poller *nlmgr.Poller
	rt     *nlmgr.RtHub
	genl   *nlmgr.GenlHub
	links  *rtlink.Watcher

	genlLog *genlLogger
}

func newDaemon(conf *Config, logger *slog.Logger) *daemon {
	// Create a non-global registry.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	opts := conf.Options()
	opts.Logger = logger
	opts.Metrics = nlmgr.NewMetrics(reg)

	return &daemon{
		conf:     conf,
		logger:   logger,
		registry: reg,
		poller:   nlmgr.NewPoller(0, logger),
		rt:       nlmgr.NewRtHub(opts),
		genl:     nlmgr.NewGenlHub(opts),
		genlLog:  &genlLogger{logger: logger, names: make(map[uint16]string)},
	}
}

func (d *daemon) start() error {
	flags, groups, err := d.conf.Subscriptions()
	if err != nil {
		return err
	}

	err = inNetns(d.conf.Netns, func() error {
		if err := d.rt.Start(d.poller, groups); err != nil {
			return fmt.Errorf("error starting rtnl: %w", err)
		}
		if err := d.genl.Start(d.poller); err != nil {
			d.rt.Stop()
			return fmt.Errorf("error starting genl: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	d.links = rtlink.NewWatcher(d.rt)
	d.rt.AddListener(flags, d.logRtEvent)
	if err := d.rt.RequestDump(flags); err != nil {
		d.stop()
		return fmt.Errorf("error requesting the initial dump: %w", err)
	}

	// Resolution reads the socket directly, so it runs before the poller.
	for _, f := range d.conf.Families {
		if err := d.resolve(f); err != nil {
			d.logger.Warn("family unavailable", "family", f.Name, "err", err)
		}
	}
	return nil
}

func (d *daemon) resolve(f FamilyConfig) error {
	if f.Name == nl80211.FamilyName {
		family, err := nl80211.Resolve(d.genl)
		if err != nil {
			return err
		}
		if err := nl80211.Subscribe(d.genl, f.Groups...); err != nil {
			return err
		}
		return d.genl.AddBroadcastHandler(&nl80211.EventLogger{
			FamilyId: family.Id,
			Log:      d.logger.Info,
		})
	}

	id, err := d.genl.ResolveFamily(f.Name, nil)
	if err != nil {
		return err
	}
	for _, group := range f.Groups {
		if err := d.genl.SubscribeToEvents(f.Name, group); err != nil {
			return err
		}
	}
	d.genlLog.names[id] = f.Name
	return d.genl.AddBroadcastHandler(d.genlLog)
}

func (d *daemon) logRtEvent(m *nlmgr.RtMessage) {
	args := []any{"msg", m.String()}
	if m.Type != nlmgr.RtTypeLink && m.Index > 0 {
		if name, err := rtlink.GetNameByIndex(d.links, int(m.Index)); err == nil {
			args = append(args, "ifname", name)
		}
	}
	if m.Type == nlmgr.RtTypeRdnss {
		args = append(args, "lifetime", m.Rdnss.Lifetime, "servers", m.Rdnss.Addresses)
	}
	d.logger.Info("rtnl event", args...)
}

func (d *daemon) serveMetrics(ctx context.Context) {
	if d.conf.MetricsAddress == "" {
		return
	}

	handler := http.NewServeMux()
	handler.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{Registry: d.registry}))
	server := &http.Server{
		Addr:    d.conf.MetricsAddress,
		Handler: handler,
	}

	go func() {
		d.logger.Info("serving metrics", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("metrics server failed", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("error shutting down the metrics server", "err", err)
		}
	}()
}

func (d *daemon) run(ctx context.Context) error {
	if err := d.start(); err != nil {
		return err
	}
	defer d.stop()

	d.serveMetrics(ctx)
	return d.poller.Run(ctx)
}

func (d *daemon) stop() {
	if d.links != nil {
		d.links.Close()
	}
	d.genl.ClearBroadcastHandlers()
	d.genl.Stop()
	d.rt.Stop()
}

// genlLogger logs broadcasts of families without a dedicated decoder.
type genlLogger struct {
	logger *slog.Logger
	names  map[uint16]string
}

func (g *genlLogger) GenlListen(msg nlmgr.GenlMessage) {
	name, ok := g.names[msg.Header.Type]
	if !ok {
		return
	}
	g.logger.Info("genl event", "family", name, "cmd", msg.Genl.Cmd, "attrs", len(msg.Attrs))
}
