// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"log/slog"
	"strings"
	"unicode"

	"github.com/Masterminds/semver/v3"
	"github.com/pelletier/go-toml/v2"
	"github.com/samber/oops"
)

// ManifestFile is the path of the manifest inside a plugin archive.
const ManifestFile = "metadata.toml"

// Manifest describes a packaged plugin. It is read from the [metadata] table
// of metadata.toml.
type Manifest struct {
	Name        string `toml:"name" json:"name"`
	Version     string `toml:"version" json:"version"`
	Description string `toml:"description,omitempty" json:"description,omitempty"`
	ObjFile     string `toml:"objfile" json:"objfile"`

	// Filename is the manifest file the fields were read from.
	Filename string `toml:"-" json:"-"`
}

// manifestDocument is the top-level shape of metadata.toml.
type manifestDocument struct {
	Metadata *rawMetadata `toml:"metadata" json:"metadata" jsonschema:"required"`
}

// rawMetadata keeps required keys as pointers so absence is distinguishable
// from an empty value.
type rawMetadata struct {
	Name        *string `toml:"name" json:"name" jsonschema:"required,minLength=1,pattern=^\\S+$"`
	Version     *string `toml:"version" json:"version" jsonschema:"required"`
	Description *string `toml:"description" json:"description,omitempty"`
	ObjFile     *string `toml:"objfile" json:"objfile" jsonschema:"required,minLength=1"`
}

// ParseManifest parses and validates a metadata.toml document.
//
// A manifest whose name is empty or contains whitespace cannot be reported
// against any plugin, so ParseManifest panics with an error carrying
// CodeUnidentified instead of returning. Version irregularities are logged as
// warnings.
func ParseManifest(data []byte) (*Manifest, error) {
	return parseManifest(data, slog.Default())
}

func parseManifest(data []byte, logger *slog.Logger) (*Manifest, error) {
	if len(data) == 0 {
		return nil, ErrParameters("manifest data is empty")
	}

	var doc manifestDocument
	if err := toml.Unmarshal(data, &doc); err != nil {
		logger.Error("couldn't read metadata file", "error", err)
		return nil, oops.Code(CodeParameters).Wrapf(err, "invalid TOML")
	}
	if doc.Metadata == nil {
		return nil, ErrParameters("manifest has no [metadata] table")
	}

	raw := doc.Metadata
	if raw.Name == nil {
		return nil, ErrParameters("name is required")
	}
	mustIdentify(*raw.Name)

	if raw.Version == nil {
		return nil, oops.Code(CodeParameters).With("plugin", *raw.Name).Errorf("version is required")
	}
	if raw.ObjFile == nil || *raw.ObjFile == "" {
		return nil, oops.Code(CodeParameters).With("plugin", *raw.Name).Errorf("objfile is required")
	}

	m := &Manifest{
		Name:     *raw.Name,
		Version:  *raw.Version,
		ObjFile:  *raw.ObjFile,
		Filename: ManifestFile,
	}
	if raw.Description != nil {
		m.Description = *raw.Description
	}

	m.checkVersion(logger)
	return m, nil
}

// mustIdentify panics if name cannot identify a plugin.
func mustIdentify(name string) {
	if name == "" || strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		panic(oops.Code(CodeUnidentified).
			With("name", name).
			Errorf("plugin manifest has an empty name or a name containing whitespace"))
	}
}

// checkVersion warns about version strings that are empty or contain
// whitespace. Neither blocks loading.
func (m *Manifest) checkVersion(logger *slog.Logger) {
	switch {
	case m.Version == "":
		logger.Warn("empty version string in manifest", "plugin", m.Name)
	case strings.IndexFunc(m.Version, unicode.IsSpace) >= 0:
		logger.Warn("invalid version string in manifest",
			"plugin", m.Name,
			"version", m.Version)
	default:
		if _, err := semver.NewVersion(m.Version); err != nil {
			logger.Debug("manifest version is not semantic",
				"plugin", m.Name,
				"version", m.Version)
		}
	}
}

// SemVer parses the manifest version as a semantic version.
func (m *Manifest) SemVer() (*semver.Version, error) {
	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return nil, oops.Code(CodeParameters).
			With("plugin", m.Name).
			With("version", m.Version).
			Wrapf(err, "version is not a semantic version")
	}
	return v, nil
}

// HasDescription reports whether the manifest carries a description.
func (m *Manifest) HasDescription() bool {
	return m.Description != ""
}

// DecodeManifest decodes an arbitrary TOML document into T. Hosts use it to
// read their own manifest shapes; no plugin validation is applied.
func DecodeManifest[T any](text string) (T, error) {
	var v T
	if err := toml.Unmarshal([]byte(text), &v); err != nil {
		slog.Error("couldn't read metadata file", "error", err)
		var zero T
		return zero, oops.Code(CodeParameters).Wrapf(err, "invalid TOML")
	}
	return v, nil
}
