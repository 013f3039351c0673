package main

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/plughost/pkg/plugin"
)

func newPackCmd(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "pack <dir>",
		Short: "Package a plugin directory as a zip archive",
		Long: `pack validates dir/metadata.toml, checks that its objfile exists and
writes the directory as a plugin archive. The archive is named after the
plugin unless -o is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			outDir := "."
			if output != "" {
				outDir = filepath.Dir(output)
			}
			tmp, err := os.CreateTemp(outDir, ".plughost-pack-*")
			if err != nil {
				return oops.Code(plugin.CodeInternal).Wrapf(err, "failed to create archive")
			}
			tmpName := tmp.Name()
			defer os.Remove(tmpName) //nolint:errcheck // gone after a successful rename

			m, err := plugin.Pack(dir, tmp)
			if cerr := tmp.Close(); err == nil && cerr != nil {
				err = oops.Code(plugin.CodeInternal).Wrapf(cerr, "failed to write archive")
			}
			if err != nil {
				return err
			}

			dest := output
			if dest == "" {
				dest = filepath.Join(outDir, m.Name+".zip")
			}
			if err := os.Rename(tmpName, dest); err != nil {
				return oops.Code(plugin.CodeInternal).With("path", dest).Wrapf(err, "failed to write archive")
			}

			a.logger.Info("packed plugin", "plugin", m.Name, "version", m.Version, "archive", dest)
			printf(cmd.OutOrStdout(), "%s\n", dest)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "archive path (default: <name>.zip)")
	return cmd
}
