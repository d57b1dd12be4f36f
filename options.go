package nlmgr

import (
	"log/slog"
	"time"
)

const (
	// DefaultReceiveBufferSize absorbs kernel event bursts on busy hosts.
	DefaultReceiveBufferSize = 3 * 1024 * 1024

	// DefaultFamilyTimeout bounds GenlHub.ResolveFamily.
	DefaultFamilyTimeout = time.Second
)

// Options configures RtHub and GenlHub. Zero fields take defaults.
type Options struct {
	Sockets           Sockets
	Logger            *slog.Logger
	Metrics           *Metrics
	Clock             Clock
	ReceiveBufferSize int
	FamilyTimeout     time.Duration
}

func DefaultOptions() Options {
	return Options{
		Sockets:           SystemSockets(),
		Logger:            slog.Default(),
		Clock:             realClock{},
		ReceiveBufferSize: DefaultReceiveBufferSize,
		FamilyTimeout:     DefaultFamilyTimeout,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Sockets == nil {
		o.Sockets = d.Sockets
	}
	if o.Logger == nil {
		o.Logger = d.Logger
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	if o.ReceiveBufferSize == 0 {
		o.ReceiveBufferSize = d.ReceiveBufferSize
	}
	if o.FamilyTimeout <= 0 {
		o.FamilyTimeout = d.FamilyTimeout
	}
	return o
}
