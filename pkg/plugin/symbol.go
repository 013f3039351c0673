// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"reflect"
	"time"
	"unsafe"

	"github.com/samber/oops"
)

// Hook is a resolved plugin function with the native signature
// int32_t hook(void *data).
//
// A Hook stays callable only while the plugin's library is bound. After
// Terminate on a non-reusable plugin, ForceTerminate or Close, Call returns
// an error carrying CodeInvalidPlugin.
type Hook struct {
	name string
	b    *binding
	fn   func(unsafe.Pointer) int32
}

// Name returns the symbol the hook was resolved from.
func (h *Hook) Name() string {
	return h.name
}

// Call invokes the hook. data is passed through to plugin code untouched;
// keeping whatever it points to alive and valid for the duration of the call
// is the caller's job.
func (h *Hook) Call(data unsafe.Pointer) (int32, error) {
	if !h.b.enter() {
		return 0, oops.Code(CodeInvalidPlugin).
			With("symbol", h.name).
			Errorf("hook %s called after its library was unloaded", h.name)
	}
	defer h.b.exit()
	return h.fn(data), nil
}

// Hook resolves the named symbol as a Hook. The plugin must be started.
func (p *Plugin) Hook(name string) (*Hook, error) {
	start := time.Now()
	b, err := p.activeBinding(name)
	if err != nil {
		recordOperation(OpResolve, start, err)
		return nil, err
	}

	h := &Hook{name: name, b: b}
	err = b.bind(&h.fn, name)
	recordOperation(OpResolve, start, err)
	if err != nil {
		p.logger.Error("couldn't resolve hook", "symbol", name, "error", err)
		return nil, err
	}
	return h, nil
}

// Func is a resolved plugin function with a caller-chosen signature F.
type Func[F any] struct {
	name string
	b    *binding
	fn   F
}

// Name returns the symbol the function was resolved from.
func (f *Func[F]) Name() string {
	return f.name
}

// Do runs call with the bound function. The library stays loaded until call
// returns, so fn must not be retained past it.
func (f *Func[F]) Do(call func(fn F)) error {
	if !f.b.enter() {
		return oops.Code(CodeInvalidPlugin).
			With("symbol", f.name).
			Errorf("function %s called after its library was unloaded", f.name)
	}
	defer f.b.exit()
	call(f.fn)
	return nil
}

// CustomHook resolves the named symbol as a function of type F, which must be
// a func type that purego can translate. Nothing verifies that F matches the
// native signature; a mismatch is undefined behavior in plugin code.
func CustomHook[F any](p *Plugin, name string) (*Func[F], error) {
	start := time.Now()
	if t := reflect.TypeFor[F](); t.Kind() != reflect.Func {
		err := ErrParameters("custom hook type %s is not a function", t)
		recordOperation(OpResolve, start, err)
		return nil, err
	}

	b, err := p.activeBinding(name)
	if err != nil {
		recordOperation(OpResolve, start, err)
		return nil, err
	}

	f := &Func[F]{name: name, b: b}
	err = b.bind(&f.fn, name)
	recordOperation(OpResolve, start, err)
	if err != nil {
		p.logger.Error("couldn't resolve custom hook", "symbol", name, "error", err)
		return nil, err
	}
	return f, nil
}

// Address returns the raw address of the named symbol. The plugin must be
// started. The address is only meaningful while the library stays bound.
func (p *Plugin) Address(name string) (uintptr, error) {
	start := time.Now()
	b, err := p.activeBinding(name)
	if err != nil {
		recordOperation(OpResolve, start, err)
		return 0, err
	}
	addr, err := b.lookup(name)
	recordOperation(OpResolve, start, err)
	return addr, err
}

// SymbolPresent reports whether the library exports name. It works on any
// plugin with a bound library, started or not, and ignores the symbol policy.
func (p *Plugin) SymbolPresent(name string) bool {
	p.mu.Lock()
	b := p.lib
	p.mu.Unlock()

	if b == nil {
		p.logger.Warn("checking symbol on a plugin without a bound library", "symbol", name)
		return false
	}
	_, err := b.lookup(name)
	return err == nil
}

// activeBinding returns the binding for a symbol request, enforcing that the
// plugin is started and that the policy allows the symbol.
func (p *Plugin) activeBinding(name string) (*binding, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started || !p.valid || p.lib == nil {
		p.logger.Error("attempted to load plugin function that isn't started or isn't valid", "symbol", name)
		return nil, oops.Code(CodeInvalidPlugin).
			With("plugin", p.manifest.Name).
			With("symbol", name).
			Errorf("plugin %s is not started", p.manifest.Name)
	}
	if p.policy != nil && p.policy.IsRegistered(p.manifest.Name) && !p.policy.Check(p.manifest.Name, name) {
		p.logger.Warn("symbol denied by policy", "symbol", name)
		return nil, oops.Code(CodePermissionDenied).
			With("plugin", p.manifest.Name).
			With("symbol", name).
			Errorf("plugin %s may not resolve %s", p.manifest.Name, name)
	}
	return p.lib, nil
}
