package main

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/hkwi/nlmgr"
)

type FamilyConfig struct {
	Name   string   `yaml:"name"`
	Groups []string `yaml:"groups"`
}

type Config struct {
	LogLevel          string         `yaml:"logLevel"`
	LogJSON           bool           `yaml:"logJSON"`
	ReceiveBufferSize int            `yaml:"receiveBufferSize"`
	FamilyTimeout     time.Duration  `yaml:"familyTimeout"`
	Groups            []string       `yaml:"groups"`
	Families          []FamilyConfig `yaml:"families"`
	MetricsAddress    string         `yaml:"metricsAddress"`
	Netns             string         `yaml:"netns"`
}

var DefaultConfig = Config{
	LogLevel:          "info",
	ReceiveBufferSize: nlmgr.DefaultReceiveBufferSize,
	FamilyTimeout:     nlmgr.DefaultFamilyTimeout,
	Groups:            []string{"link", "address", "route", "neighbor", "rdnss"},
}

// RTNL event classes a config may name, with the request flag used for
// dumps and the legacy bind groups delivering their notifications.
var rtnlGroups = map[string]struct {
	request nlmgr.RequestFlags
	groups  uint32
}{
	"link":     {nlmgr.RequestLink, nlmgr.RTMGRP_LINK},
	"address":  {nlmgr.RequestAddr, nlmgr.RTMGRP_IPV4_IFADDR | nlmgr.RTMGRP_IPV6_IFADDR},
	"route":    {nlmgr.RequestRoute, nlmgr.RTMGRP_IPV4_ROUTE | nlmgr.RTMGRP_IPV6_ROUTE},
	"neighbor": {nlmgr.RequestNeighbor, nlmgr.RTMGRP_NEIGH},
	"rdnss":    {nlmgr.RequestRdnss, nlmgr.RTMGRP_ND_USEROPT},
}

func (c Config) String() string {
	m, err := yaml.MarshalWithOptions(c, yaml.Indent(2), yaml.IndentSequence(true))
	if err != nil {
		return "marshalling error..."
	}
	return string(m)
}

func (c *Config) UnmarshalYAML(b []byte) error {
	// Needed to break recursive calls into UnmarshalYAML
	type config Config

	def := config(DefaultConfig)
	def.Groups = slices.Clone(DefaultConfig.Groups)

	if err := yaml.Unmarshal(b, &def); err != nil {
		return err
	}

	*c = Config(def)

	return nil
}

// Subscriptions maps Groups to the flags listeners and dumps use and the
// bind groups of the RTNL socket.
func (c Config) Subscriptions() (nlmgr.RequestFlags, uint32, error) {
	var flags nlmgr.RequestFlags
	var groups uint32
	for _, name := range c.Groups {
		g, ok := rtnlGroups[name]
		if !ok {
			return 0, 0, fmt.Errorf("unknown rtnl group %q", name)
		}
		flags |= g.request
		groups |= g.groups
	}
	return flags, groups, nil
}

func (c Config) Options() nlmgr.Options {
	opts := nlmgr.DefaultOptions()
	opts.ReceiveBufferSize = c.ReceiveBufferSize
	opts.FamilyTimeout = c.FamilyTimeout
	return opts
}

func ReadConf(path string) (*Config, error) {
	conf := DefaultConfig
	if path == "" {
		return &conf, nil
	}

	r, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading the configuration file: %w", err)
	}

	if err := yaml.Unmarshal(r, &conf); err != nil {
		return nil, fmt.Errorf("error unmarshaling the configuration: %w", err)
	}

	if _, _, err := conf.Subscriptions(); err != nil {
		return nil, err
	}

	return &conf, nil
}
