// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build darwin || freebsd || linux

package plugin

import (
	"github.com/ebitengine/purego"
	"github.com/samber/oops"
)

// DlopenOpener opens shared objects with the platform dynamic loader through
// purego, without cgo.
type DlopenOpener struct {
	// Mode is passed to dlopen. Zero means RTLD_NOW|RTLD_LOCAL.
	Mode int
}

// Open loads the shared object at path.
func (o DlopenOpener) Open(path string) (Library, error) {
	mode := o.Mode
	if mode == 0 {
		mode = purego.RTLD_NOW | purego.RTLD_LOCAL
	}
	h, err := purego.Dlopen(path, mode)
	if err != nil {
		return nil, oops.Code(CodeInvalidPlugin).
			With("path", path).
			Wrapf(err, "couldn't load shared object")
	}
	return &dlLibrary{path: path, handle: h}, nil
}

type dlLibrary struct {
	path   string
	handle uintptr
}

func (l *dlLibrary) Lookup(name string) (uintptr, error) {
	addr, err := purego.Dlsym(l.handle, name)
	if err != nil {
		return 0, ErrMissingSymbol(name, err)
	}
	return addr, nil
}

func (l *dlLibrary) Bind(fptr any, name string) (err error) {
	addr, err := l.Lookup(name)
	if err != nil {
		return err
	}
	defer recoverBind(name, &err)
	purego.RegisterFunc(fptr, addr)
	return nil
}

func (l *dlLibrary) Close() error {
	if err := purego.Dlclose(l.handle); err != nil {
		return oops.With("path", l.path).Wrap(err)
	}
	return nil
}
