package main

import (
	"github.com/spf13/cobra"

	"github.com/holomush/plughost/pkg/plugin"
)

// probeResult lists which symbols a plugin's library exports.
type probeResult struct {
	Name    string          `json:"name" yaml:"name"`
	Version string          `json:"version" yaml:"version"`
	WorkDir string          `json:"workdir" yaml:"workdir"`
	Symbols map[string]bool `json:"symbols" yaml:"symbols"`
}

func newProbeCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "probe <archive> [symbol...]",
		Short: "Load a plugin without starting it and report exported symbols",
		Long: `probe extracts and binds a plugin, then reports whether its library
exports the entry point, the destructor and any extra symbols given. The
plugin is never started.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveArchive(args[0])
			if err != nil {
				return err
			}
			opts, err := a.managerOptions()
			if err != nil {
				return err
			}
			mgr, err := plugin.NewManager(opts...)
			if err != nil {
				return err
			}
			defer mgr.Close() //nolint:errcheck // Close never fails

			p, err := mgr.LoadPlugin(cmd.Context(), path)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := p.Close(); cerr != nil {
					a.logger.Warn("failed to unload plugin", "plugin", p.Name(), "error", cerr)
				}
			}()

			result := &probeResult{
				Name:    p.Name(),
				Version: p.Manifest().Version,
				WorkDir: p.WorkDir(),
				Symbols: map[string]bool{},
			}
			symbols := append([]string{mgr.EntryPoint(), plugin.DestructorSymbol}, args[1:]...)
			for _, s := range symbols {
				result.Symbols[s] = p.SymbolPresent(s)
			}
			return writeResult(cmd.OutOrStdout(), format, result)
		},
	}

	cmd.Flags().StringVar(&format, "format", "yaml", "output format (yaml or json)")
	return cmd
}
