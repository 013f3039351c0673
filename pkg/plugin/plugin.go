// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package plugin loads packaged native plugins, drives them through their
// start/stop lifecycle and resolves their exported symbols.
//
// A package is a zip archive holding metadata.toml and a shared object. Load
// extracts it into a working directory named after the plugin and binds the
// shared object; Begin calls the entry point; Terminate calls the native
// destructor; Close unloads whatever is left and removes the working
// directory.
//
// Plugin code runs in the host process with full privileges. Nothing here
// sandboxes it.
package plugin

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/plughost/pkg/plugin/capability"
)

// Native symbol names.
const (
	// DefaultEntryPoint is the entry point called by Begin unless configured
	// otherwise: int32_t vplugin_init(void), 0 on success.
	DefaultEntryPoint = "vplugin_init"
	// DestructorSymbol is called by Terminate: void vplugin_exit(void).
	DestructorSymbol = "vplugin_exit"
)

var tracer = otel.Tracer("github.com/holomush/plughost/pkg/plugin")

// Plugin is one loaded plugin instance.
//
// Lifecycle calls on a Plugin are serialized. Hooks obtained from it may be
// called concurrently with each other but stop working once the library is
// unloaded.
type Plugin struct {
	id         ulid.ULID
	manifest   *Manifest
	source     string
	workdir    *Workdir
	entryPoint string
	reusable   bool
	policy     *capability.Enforcer
	logger     *slog.Logger

	mu      sync.Mutex
	lib     *binding // nil when no library is bound
	valid   bool
	started bool
	closed  bool
}

// Load extracts the package at path, parses its manifest and binds its shared
// object. The returned plugin is valid and not started. On error nothing is
// left behind on disk.
//
// Working directories go under the root given by WithRoot, or DefaultRoot
// otherwise; WithRootDir is a Manager option and has no effect here.
//
// Load panics if the manifest's name is empty or contains whitespace.
func Load(ctx context.Context, path string, opts ...Option) (*Plugin, error) {
	o := newOptions(opts)
	if err := o.checkPrivileges(); err != nil {
		return nil, err
	}
	if o.root == nil {
		o.root = DefaultRoot()
	}
	return load(ctx, path, o)
}

func load(ctx context.Context, path string, o *options) (*Plugin, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "plugin.Load", trace.WithAttributes(attribute.String("plugin.path", path)))
	defer span.End()

	p, err := loadPlugin(ctx, path, o)
	recordOperation(OpLoad, start, err)
	finishSpan(span, err)
	return p, err
}

func loadPlugin(ctx context.Context, path string, o *options) (_ *Plugin, err error) {
	o.logger.DebugContext(ctx, "loading plugin", "path", path)

	archive, err := openArchive(path, o.logger)
	if err != nil {
		return nil, err
	}
	defer archive.Close() //nolint:errcheck // read-only
	if o.maxFileSize > 0 {
		archive.SetMaxFileSize(o.maxFileSize)
	}

	data, err := archive.ReadManifest()
	if err != nil {
		return nil, err
	}
	manifest, err := parseManifest(data, o.logger)
	if err != nil {
		o.logger.ErrorContext(ctx, "couldn't load metadata", "path", path, "error", err)
		return nil, err
	}

	id := ulid.Make()
	logger := o.logger.With("plugin", manifest.Name, "plugin_id", id.String())

	workdir, err := o.root.Acquire(manifest.Name)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			workdir.Release()
		}
	}()

	stats, err := archive.ExtractTo(workdir.Path())
	if err != nil {
		return nil, err
	}
	logger.DebugContext(ctx, "extracted plugin",
		"dir", workdir.Path(),
		"files", stats.Files,
		"skipped", len(stats.Skipped))

	objPath, ok := workdir.Join(manifest.ObjFile)
	if !ok {
		return nil, oops.Code(CodeInvalidPlugin).
			With("plugin", manifest.Name).
			With("objfile", manifest.ObjFile).
			Errorf("objfile escapes the working directory")
	}
	lib, err := o.opener.Open(objPath)
	if err != nil {
		logger.ErrorContext(ctx, "couldn't bind shared object", "objfile", manifest.ObjFile, "error", err)
		if Code(err) == "" {
			return nil, oops.Code(CodeInvalidPlugin).With("plugin", manifest.Name).Wrapf(err, "couldn't load shared object")
		}
		return nil, err
	}

	logger.DebugContext(ctx, "loaded plugin metadata",
		"version", manifest.Version,
		"objfile", manifest.ObjFile)
	if manifest.HasDescription() {
		logger.DebugContext(ctx, "plugin description", "description", manifest.Description)
	} else {
		logger.InfoContext(ctx, "plugin does not have a description")
	}

	return &Plugin{
		id:         id,
		manifest:   manifest,
		source:     path,
		workdir:    workdir,
		entryPoint: o.entryPoint,
		reusable:   !o.nonReusable,
		policy:     o.policy,
		logger:     logger,
		lib:        newBinding(lib),
		valid:      true,
	}, nil
}

// ID returns the instance identifier used in logs.
func (p *Plugin) ID() ulid.ULID {
	return p.id
}

// Manifest returns the plugin's manifest.
func (p *Plugin) Manifest() *Manifest {
	return p.manifest
}

// Name returns the manifest name.
func (p *Plugin) Name() string {
	return p.manifest.Name
}

// Source returns the path of the archive the plugin was loaded from.
func (p *Plugin) Source() string {
	return p.source
}

// WorkDir returns the plugin's working directory.
func (p *Plugin) WorkDir() string {
	return p.workdir.Path()
}

// IsMetadataLoaded reports whether the manifest has been parsed.
func (p *Plugin) IsMetadataLoaded() bool {
	return p.manifest != nil
}

// IsValid reports whether the plugin has a bound library.
func (p *Plugin) IsValid() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.valid
}

// IsStarted reports whether the entry point has run successfully and the
// plugin has not been terminated since.
func (p *Plugin) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Begin calls the plugin's entry point.
func (p *Plugin) Begin(ctx context.Context) error {
	return p.begin(ctx, p.entryPoint)
}

func (p *Plugin) begin(ctx context.Context, entry string) error {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "plugin.Begin", trace.WithAttributes(
		attribute.String("plugin.name", p.manifest.Name),
		attribute.String("plugin.entry_point", entry),
	))
	defer span.End()

	err := p.callEntryPoint(ctx, entry)
	recordOperation(OpBegin, start, err)
	finishSpan(span, err)
	return err
}

func (p *Plugin) callEntryPoint(ctx context.Context, entry string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.valid || p.lib == nil {
		p.logger.ErrorContext(ctx, "attempted to start plugin which is not marked as valid")
		return ErrInvalidPlugin("plugin %s is not valid", p.manifest.Name)
	}
	if p.started {
		p.logger.ErrorContext(ctx, "plugin has already been initialized")
		return ErrFailedToInitialize("plugin %s has already been initialized", p.manifest.Name)
	}

	var init func() int32
	if err := p.lib.bind(&init, entry); err != nil {
		p.logger.ErrorContext(ctx, "couldn't initialize plugin", "symbol", entry, "error", err)
		return oops.Code(CodeFailedToInitialize).
			With("plugin", p.manifest.Name).
			With("symbol", entry).
			Errorf("couldn't resolve entry point %s: %v", entry, err)
	}

	if !p.lib.enter() {
		return ErrInvalidPlugin("plugin %s library is closed", p.manifest.Name)
	}
	status := init()
	p.lib.exit()

	if status != 0 {
		p.logger.ErrorContext(ctx, "entry point did not return success", "symbol", entry, "status", status)
		return oops.Code(CodeFailedToInitialize).
			With("plugin", p.manifest.Name).
			With("symbol", entry).
			With("status", status).
			Errorf("entry point %s did not return success", entry)
	}

	p.started = true
	p.logger.InfoContext(ctx, "plugin started")
	return nil
}

// Terminate calls the native destructor. A plugin without one stays started
// and the error carries CodeInvalidPlugin; the caller decides whether to
// ForceTerminate. Unless the plugin is non-reusable it can be begun again.
func (p *Plugin) Terminate(ctx context.Context) error {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "plugin.Terminate", trace.WithAttributes(
		attribute.String("plugin.name", p.manifest.Name),
	))
	defer span.End()

	err := p.terminate(ctx)
	recordOperation(OpTerminate, start, err)
	finishSpan(span, err)
	return err
}

func (p *Plugin) terminate(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lib == nil {
		return ErrInvalidPlugin("plugin %s has no library bound", p.manifest.Name)
	}
	if !p.started {
		p.logger.ErrorContext(ctx, "cannot terminate a plugin that wasn't started in the first place")
		return ErrInvalidPlugin("plugin %s was not started", p.manifest.Name)
	}

	var exit func()
	if err := p.lib.bind(&exit, DestructorSymbol); err != nil {
		p.logger.WarnContext(ctx, "plugin does not have a destructor, force terminate if needed")
		return oops.Code(CodeInvalidPlugin).
			With("plugin", p.manifest.Name).
			With("symbol", DestructorSymbol).
			Errorf("plugin %s has no destructor: %v", p.manifest.Name, err)
	}

	if !p.lib.enter() {
		return ErrInvalidPlugin("plugin %s library is closed", p.manifest.Name)
	}
	exit()
	p.lib.exit()

	p.started = false
	if !p.reusable {
		p.valid = false
		lib := p.lib
		p.lib = nil
		if err := lib.close(true); err != nil {
			p.logger.WarnContext(ctx, "couldn't unload terminated plugin", "error", err)
		}
	}
	p.logger.InfoContext(ctx, "plugin terminated")
	return nil
}

// ForceTerminate unloads the library without calling the native destructor.
// Whatever state the plugin kept is abandoned. Calls already running inside
// the plugin on other goroutines are not stopped, and hooks obtained earlier
// refuse further calls. ForceTerminate never fails.
func (p *Plugin) ForceTerminate(ctx context.Context) {
	start := time.Now()
	_, span := tracer.Start(ctx, "plugin.ForceTerminate", trace.WithAttributes(
		attribute.String("plugin.name", p.manifest.Name),
	))
	defer span.End()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started && !p.valid {
		panic(oops.Code(CodeInternal).
			With("plugin", p.manifest.Name).
			Errorf("plugin is started but not valid"))
	}
	if p.lib == nil {
		p.logger.WarnContext(ctx, "force terminate on a plugin without a bound library")
		recordOperation(OpForceTerminate, start, nil)
		return
	}

	lib := p.lib
	p.lib = nil
	p.valid = false
	p.started = false
	if err := lib.close(false); err != nil {
		p.logger.ErrorContext(ctx, "couldn't close the plugin's object file", "error", err)
	}
	p.logger.WarnContext(ctx, "plugin force terminated")
	recordOperation(OpForceTerminate, start, nil)
}

// Close unloads the library if it is still bound, without running the native
// destructor, and removes the plugin's working directory. Directory removal is
// best-effort. Close is idempotent.
func (p *Plugin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var closeErr error
	if p.lib != nil {
		if p.started {
			p.logger.Warn("closing a started plugin without running its destructor")
		}
		closeErr = p.lib.close(true)
		p.lib = nil
	}
	p.valid = false
	p.started = false
	p.workdir.Release()
	return closeErr
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
