// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"log/slog"
	"os"

	"github.com/samber/oops"

	"github.com/holomush/plughost/pkg/plugin/capability"
)

// Option configures Load and NewManager.
type Option func(*options)

type options struct {
	root         *Root
	rootDir      string
	opener       Opener
	entryPoint   string
	nonReusable  bool
	policy       *capability.Enforcer
	logger       *slog.Logger
	maxFileSize  int64
	unprivileged bool
}

func newOptions(opts []Option) *options {
	o := &options{
		opener:     DlopenOpener{},
		entryPoint: DefaultEntryPoint,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// WithRoot places working directories under an existing root.
func WithRoot(r *Root) Option {
	return func(o *options) {
		o.root = r
	}
}

// WithRootDir makes a Manager create and own a root at dir. It applies only
// to NewManager; Load ignores it and uses WithRoot or DefaultRoot. A dir that
// already exists is not emptied when the root is closed.
func WithRootDir(dir string) Option {
	return func(o *options) {
		o.rootDir = dir
	}
}

// WithOpener replaces the dynamic loader.
func WithOpener(opener Opener) Option {
	return func(o *options) {
		o.opener = opener
	}
}

// WithEntryPoint sets the entry-point symbol name.
func WithEntryPoint(name string) Option {
	return func(o *options) {
		o.entryPoint = name
	}
}

// WithNonReusable unloads a plugin's library on successful Terminate so the
// plugin cannot be started again.
func WithNonReusable() Option {
	return func(o *options) {
		o.nonReusable = true
	}
}

// WithSymbolPolicy restricts which hook names plugins may have resolved.
func WithSymbolPolicy(e *capability.Enforcer) Option {
	return func(o *options) {
		o.policy = e
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMaxFileSize bounds the uncompressed size of each archive entry.
func WithMaxFileSize(n int64) Option {
	return func(o *options) {
		o.maxFileSize = n
	}
}

// WithUnprivileged makes NewManager and Load refuse to run as the superuser.
func WithUnprivileged() Option {
	return func(o *options) {
		o.unprivileged = true
	}
}

// checkPrivileges enforces WithUnprivileged.
func (o *options) checkPrivileges() error {
	if o.unprivileged && os.Geteuid() == 0 {
		return oops.Code(CodePermissionDenied).
			Errorf("refusing to load plugins as the superuser")
	}
	return nil
}
