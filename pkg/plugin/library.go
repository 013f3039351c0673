// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"sync"

	"github.com/samber/oops"
)

// Library is an opened shared object.
type Library interface {
	// Lookup returns the address of an exported symbol.
	Lookup(name string) (uintptr, error)

	// Bind resolves the named function and stores a callable with the native
	// signature described by fptr, which must be a pointer to a func
	// variable. The caller is responsible for that signature matching the
	// native one.
	Bind(fptr any, name string) error

	// Close unloads the library. Nothing obtained from it may be called
	// afterwards.
	Close() error
}

// Opener opens shared objects.
type Opener interface {
	// Open loads the shared object at path.
	Open(path string) (Library, error)
}

// recoverBind converts a panic raised while registering a native signature
// into an error.
func recoverBind(name string, err *error) {
	if r := recover(); r != nil {
		*err = oops.Code(CodeParameters).
			With("symbol", name).
			Errorf("unsupported native signature for %s: %v", name, r)
	}
}

// binding is the bound state of a plugin's library. Symbol handles hold the
// binding rather than raw addresses: once the binding is closed every handle
// refuses to call into the library.
type binding struct {
	lib Library

	mu     sync.Mutex
	closed bool
	calls  sync.WaitGroup
}

func newBinding(lib Library) *binding {
	return &binding{lib: lib}
}

// enter registers an in-flight call. It reports false once the binding is
// closed.
func (b *binding) enter() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.calls.Add(1)
	return true
}

func (b *binding) exit() {
	b.calls.Done()
}

func (b *binding) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *binding) lookup(name string) (uintptr, error) {
	if b.isClosed() {
		return 0, ErrInvalidPlugin("library is closed")
	}
	addr, err := b.lib.Lookup(name)
	if err != nil {
		if HasCode(err, CodeMissingSymbol) {
			return 0, err
		}
		return 0, ErrMissingSymbol(name, err)
	}
	return addr, nil
}

func (b *binding) bind(fptr any, name string) error {
	if b.isClosed() {
		return ErrInvalidPlugin("library is closed")
	}
	if err := b.lib.Bind(fptr, name); err != nil {
		if Code(err) != "" {
			return err
		}
		return ErrMissingSymbol(name, err)
	}
	return nil
}

// close unloads the library. A graceful close waits for in-flight calls made
// through symbol handles; a forced close does not.
func (b *binding) close(graceful bool) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if graceful {
		b.calls.Wait()
	}
	if err := b.lib.Close(); err != nil {
		return oops.Code(CodeInternal).Wrapf(err, "couldn't close the plugin's object file")
	}
	return nil
}

// errUnsupportedPlatform is returned by the default opener where dynamic
// loading is unavailable.
func errUnsupportedPlatform(goos string) error {
	return oops.Code(CodeInternal).
		With("goos", goos).
		Errorf("dynamic library loading is not supported on %s", goos)
}
