// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Manager loads plugins into a working-directory root it owns and starts them
// with a configurable entry point.
//
// Plugins loaded by a Manager are independent values owned by the caller. The
// Manager keeps no registry of them. A Manager that built its own root closes
// it on Close, removing it once every plugin loaded through it has been
// closed; a root passed with WithRoot belongs to the caller and stays open.
type Manager struct {
	opts     options
	root     *Root
	ownsRoot bool
	logger   *slog.Logger

	mu         sync.RWMutex
	entryPoint string
	closed     bool
}

// NewManager creates a manager. Without WithRoot or WithRootDir the manager
// owns a fresh directory under os.TempDir(); it is created on first load.
func NewManager(opts ...Option) (*Manager, error) {
	o := newOptions(opts)

	if err := o.checkPrivileges(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(o.entryPoint) == "" {
		return nil, ErrParameters("entry point must not be empty")
	}

	root, owned := o.root, false
	if root == nil {
		dir := o.rootDir
		if dir == "" {
			dir = filepath.Join(os.TempDir(), DefaultRootName+"-"+strings.ToLower(ulid.Make().String()))
		}
		var err error
		root, err = NewRoot(dir)
		if err != nil {
			return nil, err
		}
		root.logger = o.logger
		owned = true
	}

	m := &Manager{
		opts:       *o,
		root:       root,
		ownsRoot:   owned,
		logger:     o.logger,
		entryPoint: o.entryPoint,
	}
	m.logger.Debug("plugin manager created", "root", root.Dir(), "entry_point", m.entryPoint)
	return m, nil
}

// Root returns the working-directory root.
func (m *Manager) Root() *Root {
	return m.root
}

// EntryPoint returns the entry-point symbol BeginPlugin calls.
func (m *Manager) EntryPoint() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entryPoint
}

// SetEntryPoint changes the entry-point symbol for subsequent BeginPlugin
// calls.
func (m *Manager) SetEntryPoint(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrParameters("entry point must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entryPoint = name
	return nil
}

// LoadPlugin loads the package at path into the manager's root.
//
// LoadPlugin panics if the manifest's name is empty or contains whitespace.
func (m *Manager) LoadPlugin(ctx context.Context, path string) (*Plugin, error) {
	if path == "" {
		return nil, ErrParameters("plugin path must not be empty")
	}

	m.mu.RLock()
	closed := m.closed
	o := m.opts
	o.entryPoint = m.entryPoint
	m.mu.RUnlock()

	if closed {
		return nil, ErrInvalidPlugin("plugin manager is closed")
	}
	o.root = m.root
	return load(ctx, path, &o)
}

// BeginPlugin starts p with the manager's current entry point.
func (m *Manager) BeginPlugin(ctx context.Context, p *Plugin) error {
	if p == nil {
		return ErrParameters("plugin must not be nil")
	}
	return p.begin(ctx, m.EntryPoint())
}

// Hook resolves name on p. Symbol policy and lifecycle checks are the
// plugin's own; the manager adds nothing but the nil check.
func (m *Manager) Hook(p *Plugin, name string) (*Hook, error) {
	if p == nil {
		return nil, ErrParameters("plugin must not be nil")
	}
	return p.Hook(name)
}

// Close closes the manager. Further loads fail. A root the manager created
// is removed once every plugin loaded through it has been closed; a shared
// root is left open. Close is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	if m.ownsRoot {
		m.root.Close()
	}
	return nil
}
