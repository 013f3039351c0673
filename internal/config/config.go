// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads plughost settings from an optional YAML file and
// command-line flags, flags taking precedence.
package config

import (
	"errors"
	"io/fs"
	"strings"
	"unicode"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/plughost/internal/logging"
	"github.com/holomush/plughost/pkg/plugin"
	"github.com/holomush/plughost/pkg/plugin/capability"
)

// CodeInvalidConfig is the error code for configuration problems.
const CodeInvalidConfig = "INVALID_CONFIG"

// Flag and key names.
const (
	KeyWorkDir      = "workdir"
	KeyEntryPoint   = "entry-point"
	KeyNonReusable  = "non-reusable"
	KeyLogFormat    = "log-format"
	KeyLogLevel     = "log-level"
	KeyMetricsAddr  = "metrics-addr"
	KeyUnprivileged = "unprivileged"
	KeyMaxFileSize  = "max-file-size"
	KeyGrants       = "grants"
)

// Config holds plugin host settings.
type Config struct {
	WorkDir      string `koanf:"workdir"`
	EntryPoint   string `koanf:"entry-point"`
	NonReusable  bool   `koanf:"non-reusable"`
	LogFormat    string `koanf:"log-format"`
	LogLevel     string `koanf:"log-level"`
	MetricsAddr  string `koanf:"metrics-addr"`
	Unprivileged bool   `koanf:"unprivileged"`
	MaxFileSize  int64  `koanf:"max-file-size"`

	// Grants maps plugin names to the symbol patterns they may resolve.
	// Plugins not listed are unrestricted.
	Grants map[string][]string `koanf:"grants"`
}

// RegisterFlags adds the configuration flags with their defaults to flags.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String(KeyWorkDir, "", "root for plugin working directories (default: a fresh directory under $TMPDIR)")
	flags.String(KeyEntryPoint, plugin.DefaultEntryPoint, "entry-point symbol called when a plugin starts")
	flags.Bool(KeyNonReusable, false, "unload a plugin's library after it terminates")
	flags.String(KeyLogFormat, logging.FormatText, "log format (json or text)")
	flags.String(KeyLogLevel, "info", "log level (debug, info, warn, error)")
	flags.String(KeyMetricsAddr, "", "metrics/health HTTP address (empty = disabled)")
	flags.Bool(KeyUnprivileged, false, "refuse to load plugins as the superuser")
	flags.Int64(KeyMaxFileSize, plugin.DefaultMaxFileSize, "largest archive entry extracted, in bytes")
}

// Load reads path, if non-empty, then applies flags on top. Flags the user did
// not set fall back to the file's values and then to the flag defaults.
// A missing file is an error only when required is true.
func Load(path string, required bool, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if required || !errors.Is(err, fs.ErrNotExist) {
				return nil, oops.Code(CodeInvalidConfig).With("path", path).Wrapf(err, "failed to read config file")
			}
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, oops.Code(CodeInvalidConfig).Wrapf(err, "failed to read flags")
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, oops.Code(CodeInvalidConfig).Wrapf(err, "failed to decode config")
	}
	return cfg, nil
}

// Validate checks the configuration for values the host cannot use.
func (c *Config) Validate() error {
	if !logging.ValidFormat(c.LogFormat) {
		return oops.Code(CodeInvalidConfig).Errorf("log-format must be 'json' or 'text', got %q", c.LogFormat)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return oops.Code(CodeInvalidConfig).Errorf("invalid log-level %q", c.LogLevel)
	}
	if c.EntryPoint == "" || strings.IndexFunc(c.EntryPoint, unicode.IsSpace) >= 0 {
		return oops.Code(CodeInvalidConfig).Errorf("entry-point must be a symbol name, got %q", c.EntryPoint)
	}
	if c.MaxFileSize <= 0 {
		return oops.Code(CodeInvalidConfig).Errorf("max-file-size must be positive, got %d", c.MaxFileSize)
	}
	if _, err := c.Enforcer(); err != nil {
		return err
	}
	return nil
}

// Enforcer builds the symbol policy from Grants. It returns nil when no
// grants are configured.
func (c *Config) Enforcer() (*capability.Enforcer, error) {
	if len(c.Grants) == 0 {
		return nil, nil //nolint:nilnil // no policy configured
	}
	e := capability.NewEnforcer()
	for name, patterns := range c.Grants {
		if err := e.SetGrants(name, patterns); err != nil {
			return nil, oops.Code(CodeInvalidConfig).With("plugin", name).Wrapf(err, "invalid grants")
		}
	}
	return e, nil
}

// PluginOptions translates the configuration into plugin options.
func (c *Config) PluginOptions() ([]plugin.Option, error) {
	opts := []plugin.Option{
		plugin.WithEntryPoint(c.EntryPoint),
		plugin.WithMaxFileSize(c.MaxFileSize),
	}
	if c.WorkDir != "" {
		opts = append(opts, plugin.WithRootDir(c.WorkDir))
	}
	if c.NonReusable {
		opts = append(opts, plugin.WithNonReusable())
	}
	if c.Unprivileged {
		opts = append(opts, plugin.WithUnprivileged())
	}
	policy, err := c.Enforcer()
	if err != nil {
		return nil, err
	}
	if policy != nil {
		opts = append(opts, plugin.WithSymbolPolicy(policy))
	}
	return opts, nil
}
