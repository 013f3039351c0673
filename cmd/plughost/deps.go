package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/holomush/plughost/internal/observability"
	"github.com/holomush/plughost/pkg/plugin"
)

// Deps contains injectable dependencies for the commands that load plugins.
// All fields with nil values will use their default implementations.
type Deps struct {
	// Opener loads shared objects.
	// Default: plugin.DlopenOpener
	Opener plugin.Opener

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, ready observability.ReadinessChecker, logger *slog.Logger) ObservabilityServer

	// SignalContext returns a context cancelled when the process should stop.
	// Default: signal.NotifyContext for SIGINT and SIGTERM
	SignalContext func(ctx context.Context) (context.Context, context.CancelFunc)
}

// ObservabilityServer is the part of observability.Server used by run.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Metrics() *observability.Metrics
}

func (d *Deps) withDefaults() *Deps {
	out := Deps{}
	if d != nil {
		out = *d
	}
	if out.Opener == nil {
		out.Opener = plugin.DlopenOpener{}
	}
	if out.ObservabilityServerFactory == nil {
		out.ObservabilityServerFactory = func(addr string, ready observability.ReadinessChecker, logger *slog.Logger) ObservabilityServer {
			return observability.NewServer(addr, ready, logger)
		}
	}
	if out.SignalContext == nil {
		out.SignalContext = func(ctx context.Context) (context.Context, context.CancelFunc) {
			return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		}
	}
	return &out
}
