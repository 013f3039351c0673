// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// DefaultRootName is the directory created under os.TempDir() for plugin
// working directories when no root is configured.
const DefaultRootName = "plughost"

// removeAttempts bounds retries of best-effort directory removal.
const removeAttempts = 3

// Root is the shared directory holding one working directory per plugin name.
//
// The root is created lazily by the first Acquire. Each name can be leased
// once at a time. Close removes the root as soon as no lease is outstanding,
// so a Manager closed while its plugins are still alive does not pull their
// files out from under them. A directory that already existed before the
// root first used it is never emptied: only the per-plugin directories are
// removed, and the directory itself only if nothing else is left in it.
type Root struct {
	dir       string
	removable bool
	logger    *slog.Logger

	mu      sync.Mutex
	leases  map[string]*Workdir
	ensured bool // dir has been checked or created
	created bool // dir did not exist until this root made it
	closing bool
	removed bool
}

// NewRoot creates a root at dir. dir is made absolute immediately so later
// changes to the process working directory cannot move it.
func NewRoot(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, oops.Code(CodeParameters).With("dir", dir).Wrapf(err, "invalid working directory root")
	}
	return &Root{
		dir:       abs,
		removable: true,
		logger:    slog.Default(),
		leases:    make(map[string]*Workdir),
	}, nil
}

var (
	defaultRootOnce sync.Once
	defaultRoot     *Root
)

// DefaultRoot returns the process-wide root used by plugins loaded without a
// Manager. It is never removed; only the per-plugin directories inside it are.
func DefaultRoot() *Root {
	defaultRootOnce.Do(func() {
		defaultRoot = &Root{
			dir:    filepath.Join(os.TempDir(), DefaultRootName),
			logger: slog.Default(),
			leases: make(map[string]*Workdir),
		}
	})
	return defaultRoot
}

// Dir returns the absolute root directory.
func (r *Root) Dir() string {
	return r.dir
}

// Acquire leases the working directory for the named plugin, creating the
// root if needed. A second lease of a name that is still held fails with
// CodeInvalidPlugin.
func (r *Root) Acquire(name string) (*Workdir, error) {
	mustIdentify(name)
	if name == "." || !filepath.IsLocal(name) || filepath.Base(name) != name {
		return nil, ErrInvalidPlugin("plugin name %q cannot name a working directory", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closing {
		return nil, ErrInvalidPlugin("working directory root %s is closed", r.dir)
	}
	if _, held := r.leases[name]; held {
		return nil, oops.Code(CodeInvalidPlugin).
			With("plugin", name).
			Errorf("a plugin named %s is already loaded", name)
	}

	if err := r.ensureLocked(); err != nil {
		return nil, err
	}

	w := &Workdir{root: r, name: name, path: filepath.Join(r.dir, name)}
	// Leftovers from a plugin that was never closed would mix with the new
	// extraction.
	if err := os.RemoveAll(w.path); err != nil {
		return nil, classifyFileError(err, w.path)
	}
	r.leases[name] = w
	return w, nil
}

// Leases returns the number of outstanding working-directory leases.
func (r *Root) Leases() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leases)
}

// Close marks the root closed. The directory is removed now if no lease is
// outstanding, otherwise when the last lease is released.
func (r *Root) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closing = true
	if len(r.leases) > 0 {
		r.logger.Warn("deferring working directory root removal until plugins are closed",
			"dir", r.dir,
			"plugins", len(r.leases))
		return
	}
	r.removeLocked()
}

func (r *Root) release(w *Workdir) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.leases[w.name] == w {
		delete(r.leases, w.name)
	}
	if r.closing && len(r.leases) == 0 {
		r.removeLocked()
	}
}

// ensureLocked creates the root directory, remembering whether it had to.
func (r *Root) ensureLocked() error {
	if r.ensured {
		if err := os.MkdirAll(r.dir, 0o700); err != nil {
			return classifyFileError(err, r.dir)
		}
		return nil
	}
	_, err := os.Stat(r.dir)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		r.created = true
	default:
		return classifyFileError(err, r.dir)
	}
	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		r.created = false
		return classifyFileError(err, r.dir)
	}
	r.ensured = true
	return nil
}

func (r *Root) removeLocked() {
	if !r.removable || r.removed || !r.ensured {
		return
	}
	r.removed = true
	if r.created {
		removeBestEffort(r.logger, r.dir)
		return
	}
	// Per-plugin directories are already gone; keep anything else.
	if err := os.Remove(r.dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.logger.Debug("leaving pre-existing working directory root in place", "dir", r.dir, "error", err)
	}
}

// Workdir is a lease on one plugin's working directory.
type Workdir struct {
	root *Root
	name string
	path string
	once sync.Once
}

// Path returns the absolute working directory.
func (w *Workdir) Path() string {
	return w.path
}

// Join resolves a manifest-relative path inside the working directory,
// reporting false if it would escape.
func (w *Workdir) Join(rel string) (string, bool) {
	return enclosedPath(w.path, filepath.ToSlash(rel))
}

// Release removes the working directory and returns the name to the root.
// Removal is best-effort; failures are logged. Release is idempotent.
func (w *Workdir) Release() {
	w.once.Do(func() {
		removeBestEffort(w.root.logger, w.path)
		w.root.release(w)
	})
}

// removeBestEffort removes dir, retrying briefly for transient failures such
// as files still held open by a dying plugin.
func removeBestEffort(logger *slog.Logger, dir string) {
	backoff := retry.WithMaxRetries(removeAttempts-1, retry.NewExponential(10*time.Millisecond))
	err := retry.Do(context.Background(), backoff, func(_ context.Context) error {
		if err := os.RemoveAll(dir); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		logger.Warn("couldn't remove working directory, no cleanup will be performed",
			"dir", dir,
			"error", err)
		return
	}
	logger.Debug("removed working directory", "dir", dir)
}
