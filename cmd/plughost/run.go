package main

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/plughost/pkg/errutil"
	"github.com/holomush/plughost/pkg/plugin"
)

// shutdownTimeout bounds how long the observability server may take to stop.
const shutdownTimeout = 5 * time.Second

// runConfig holds the flags of the run command.
type runConfig struct {
	hooks []string
	data  string
	wait  bool
}

func newRunCmd(a *app) *cobra.Command {
	rc := &runConfig{}

	cmd := &cobra.Command{
		Use:   "run <archive>",
		Short: "Load, start and drive a plugin",
		Long: `run loads a plugin archive, calls its entry point and then each hook
named with --hook, passing --data as a NUL-terminated string. With --wait the
plugin stays started until SIGINT or SIGTERM. The plugin is terminated
through its destructor, or forcibly if it has none.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveArchive(args[0])
			if err != nil {
				return err
			}
			return a.run(cmd, path, rc)
		},
	}

	cmd.Flags().StringArrayVar(&rc.hooks, "hook", nil, "hook to call after starting (repeatable)")
	cmd.Flags().StringVar(&rc.data, "data", "", "string passed to each hook")
	cmd.Flags().BoolVar(&rc.wait, "wait", false, "keep the plugin started until interrupted")
	return cmd
}

func (a *app) run(cmd *cobra.Command, path string, rc *runConfig) error {
	ctx, cancel := a.deps.SignalContext(cmd.Context())
	defer cancel()

	opts, err := a.managerOptions()
	if err != nil {
		return err
	}
	mgr, err := plugin.NewManager(opts...)
	if err != nil {
		return err
	}
	defer mgr.Close() //nolint:errcheck // Close never fails

	var ready atomic.Bool
	var obs ObservabilityServer
	if a.cfg.MetricsAddr != "" {
		obs = a.deps.ObservabilityServerFactory(a.cfg.MetricsAddr, ready.Load, a.logger)
		errCh, err := obs.Start()
		if err != nil {
			return oops.With("addr", a.cfg.MetricsAddr).Wrapf(err, "failed to start observability server")
		}
		go func() {
			for err := range errCh {
				a.logger.Error("observability server error", "error", err)
			}
		}()
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			if err := obs.Stop(stopCtx); err != nil {
				a.logger.Warn("failed to stop observability server", "error", err)
			}
		}()
	}

	p, err := mgr.LoadPlugin(ctx, path)
	if err != nil {
		errutil.LogError(ctx, a.logger, "failed to load plugin", err)
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			a.logger.Warn("failed to unload plugin", "plugin", p.Name(), "error", err)
		}
	}()

	if err := mgr.BeginPlugin(ctx, p); err != nil {
		errutil.LogError(ctx, a.logger, "failed to start plugin", err)
		return err
	}
	ready.Store(true)
	if obs != nil {
		obs.Metrics().PluginsStarted.Inc()
	}
	printf(cmd.OutOrStdout(), "started %s %s\n", p.Name(), p.Manifest().Version)

	hookErr := a.callHooks(cmd, mgr, p, rc, obs)

	if hookErr == nil && rc.wait {
		a.logger.Info("plugin running, waiting for interrupt", "plugin", p.Name())
		<-ctx.Done()
	}

	ready.Store(false)
	if obs != nil {
		obs.Metrics().PluginsStarted.Dec()
	}
	if err := a.stopPlugin(ctx, p); err != nil && hookErr == nil {
		return err
	}
	return hookErr
}

// callHooks calls each requested hook in order and prints its status.
func (a *app) callHooks(cmd *cobra.Command, mgr *plugin.Manager, p *plugin.Plugin, rc *runConfig, obs ObservabilityServer) error {
	if len(rc.hooks) == 0 {
		return nil
	}

	buf := append([]byte(rc.data), 0)
	for _, name := range rc.hooks {
		h, err := mgr.Hook(p, name)
		if err != nil {
			if obs != nil {
				obs.Metrics().RecordHookCall(name, err)
			}
			return err
		}

		status, err := h.Call(unsafe.Pointer(&buf[0]))
		runtime.KeepAlive(buf)
		if obs != nil {
			obs.Metrics().RecordHookCall(name, err)
		}
		if err != nil {
			return err
		}
		a.logger.Debug("hook returned", "plugin", p.Name(), "hook", name, "status", status)
		printf(cmd.OutOrStdout(), "%s: %d\n", name, status)
	}
	return nil
}

// stopPlugin runs the destructor, falling back to a forced stop when the
// plugin has none.
func (a *app) stopPlugin(ctx context.Context, p *plugin.Plugin) error {
	err := p.Terminate(context.WithoutCancel(ctx))
	if err == nil {
		return nil
	}
	if plugin.HasCode(err, plugin.CodeInvalidPlugin) && p.IsStarted() {
		a.logger.Warn("terminating plugin forcibly", "plugin", p.Name(), "error", err)
		p.ForceTerminate(context.WithoutCancel(ctx))
		return nil
	}
	return err
}
