package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/plughost/internal/config"
	"github.com/holomush/plughost/internal/logging"
	"github.com/holomush/plughost/internal/xdg"
	"github.com/holomush/plughost/pkg/plugin"
)

// app is the state shared by subcommands once flags are parsed.
type app struct {
	configFile string
	deps       *Deps
	cfg        *config.Config
	logger     *slog.Logger
}

// NewRootCmd creates the root command for the plughost CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmd(nil)
}

func newRootCmd(deps *Deps) *cobra.Command {
	a := &app{deps: deps.withDefaults()}

	cmd := &cobra.Command{
		Use:   "plughost",
		Short: "plughost - load and run packaged native plugins",
		Long: `plughost loads native plugins packaged as zip archives with a
metadata.toml manifest, starts them through their entry point and calls
their hooks.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&a.configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/plughost/config.yaml)")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(newInspectCmd(a))
	cmd.AddCommand(newProbeCmd(a))
	cmd.AddCommand(newRunCmd(a))
	cmd.AddCommand(newPackCmd(a))
	cmd.AddCommand(newSchemaCmd())

	return cmd
}

// setup loads configuration and builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	path, required := a.configFile, true
	if path == "" {
		required = false
		if def, err := xdg.ConfigFile(); err == nil {
			path = def
		}
	}

	cfg, err := config.Load(path, required, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logging.Setup(logging.Options{
		Service: "plughost",
		Version: version,
		Format:  cfg.LogFormat,
		Level:   level,
		Writer:  cmd.ErrOrStderr(),
	})
	return nil
}

// managerOptions returns the options for a Manager built from the loaded
// configuration.
func (a *app) managerOptions() ([]plugin.Option, error) {
	opts, err := a.cfg.PluginOptions()
	if err != nil {
		return nil, err
	}
	return append(opts, plugin.WithOpener(a.deps.Opener), plugin.WithLogger(a.logger)), nil
}

// resolveArchive maps a bare plugin name onto the plugins directory when no
// such file exists in the working directory.
func resolveArchive(arg string) (string, error) {
	if arg == "" {
		return "", oops.Code(plugin.CodeParameters).Errorf("plugin archive path is required")
	}
	if _, err := os.Stat(arg); err == nil || strings.ContainsRune(arg, filepath.Separator) {
		return arg, nil
	}
	dir, err := xdg.PluginsDir()
	if err != nil {
		return arg, nil //nolint:nilerr // fall back to the literal argument
	}
	name := arg
	if filepath.Ext(name) == "" {
		name += ".zip"
	}
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	return arg, nil
}
