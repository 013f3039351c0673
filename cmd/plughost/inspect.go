package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/holomush/plughost/pkg/plugin"
)

// inspectResult is what inspect prints for an archive.
type inspectResult struct {
	Archive     string `json:"archive" yaml:"archive"`
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	SemVer      bool   `json:"semver" yaml:"semver"`
	ObjFile     string `json:"objfile" yaml:"objfile"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

func newInspectCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "inspect <archive>",
		Short: "Print a plugin archive's manifest without loading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveArchive(args[0])
			if err != nil {
				return err
			}
			result, err := inspectArchive(path)
			if err != nil {
				a.logger.Error("inspect failed", "archive", path, "error", err)
				return err
			}
			return writeResult(cmd.OutOrStdout(), format, result)
		},
	}

	cmd.Flags().StringVar(&format, "format", "yaml", "output format (yaml or json)")
	return cmd
}

// inspectArchive reads and validates the manifest of the archive at path.
// The schema check runs first so that an unidentifiable name is reported as
// an error rather than a panic.
func inspectArchive(path string) (*inspectResult, error) {
	archive, err := plugin.OpenArchive(path)
	if err != nil {
		return nil, err
	}
	defer archive.Close() //nolint:errcheck // read-only archive

	data, err := archive.ReadManifest()
	if err != nil {
		return nil, err
	}
	if err := plugin.ValidateSchema(data); err != nil {
		return nil, oops.Code(plugin.CodeParameters).
			With("archive", path).
			Errorf("manifest is invalid: %s", plugin.FormatSchemaError(err))
	}
	m, err := plugin.ParseManifest(data)
	if err != nil {
		return nil, err
	}

	_, semErr := m.SemVer()
	return &inspectResult{
		Archive:     path,
		Name:        m.Name,
		Version:     m.Version,
		SemVer:      semErr == nil,
		ObjFile:     m.ObjFile,
		Description: m.Description,
	}, nil
}

// writeResult encodes v to w as YAML or JSON.
func writeResult(w io.Writer, format string, v any) error {
	switch format {
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return oops.Wrapf(err, "failed to encode output")
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return oops.Wrapf(err, "failed to encode output")
		}
		return nil
	default:
		return oops.Code(plugin.CodeParameters).Errorf("unknown output format %q", format)
	}
}

// printf writes to w, ignoring errors as cobra's own output helpers do.
func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
