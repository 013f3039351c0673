// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin_test

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"unsafe"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/holomush/plughost/pkg/plugin"
)

// fakeLibrary stands in for a shared object. Its symbols are Go funcs whose
// types mirror the native signatures the package binds.
type fakeLibrary struct {
	mu       sync.Mutex
	symbols  map[string]any
	closed   int
	closeErr error
}

func newFakeLibrary(symbols map[string]any) *fakeLibrary {
	return &fakeLibrary{symbols: symbols}
}

func (l *fakeLibrary) Lookup(name string) (uintptr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn, ok := l.symbols[name]
	if !ok {
		return 0, fmt.Errorf("undefined symbol: %s", name)
	}
	return reflect.ValueOf(fn).Pointer(), nil
}

func (l *fakeLibrary) Bind(fptr any, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn, ok := l.symbols[name]
	if !ok {
		return fmt.Errorf("undefined symbol: %s", name)
	}
	dst := reflect.ValueOf(fptr).Elem()
	src := reflect.ValueOf(fn)
	if !src.Type().AssignableTo(dst.Type()) {
		return fmt.Errorf("symbol %s has type %s, not %s", name, src.Type(), dst.Type())
	}
	dst.Set(src)
	return nil
}

func (l *fakeLibrary) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed++
	return l.closeErr
}

func (l *fakeLibrary) closeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// fakeOpener hands out lib for any object file that exists on disk.
type fakeOpener struct {
	lib *fakeLibrary

	mu     sync.Mutex
	opened []string
}

func (o *fakeOpener) Open(path string) (plugin.Library, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.opened = append(o.opened, path)
	o.mu.Unlock()
	return o.lib, nil
}

// mockOpener is a testify mock for asserting how the loader opens objects.
type mockOpener struct {
	mock.Mock
}

func (m *mockOpener) Open(path string) (plugin.Library, error) {
	args := m.Called(path)
	lib, _ := args.Get(0).(plugin.Library)
	return lib, args.Error(1)
}

// lifecycle holds counters for the standard fake plugin symbols.
type lifecycle struct {
	mu      sync.Mutex
	inits   int
	exits   int
	initRet int32
}

func (c *lifecycle) start() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inits++
	return c.initRet
}

func (c *lifecycle) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exits++
}

func (c *lifecycle) counts() (inits, exits int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inits, c.exits
}

// standardSymbols returns entry point, destructor and an echo hook that
// returns the int32 data points to.
func standardSymbols(c *lifecycle) map[string]any {
	return map[string]any{
		plugin.DefaultEntryPoint: c.start,
		plugin.DestructorSymbol:  c.stop,
		"echo_hook": func(data unsafe.Pointer) int32 {
			if data == nil {
				return -1
			}
			return *(*int32)(data)
		},
	}
}

func manifestTOML(name, version, objfile string) string {
	return fmt.Sprintf("[metadata]\nname = %q\nversion = %q\nobjfile = %q\ndescription = \"test plugin\"\n",
		name, version, objfile)
}

// writeArchive writes a zip of files to dir/<file> and returns its path.
func writeArchive(t *testing.T, dir, file string, files map[string]string) string {
	t.Helper()
	path := filepath.Join(dir, file)
	out, err := os.Create(path)
	require.NoError(t, err)
	defer out.Close() //nolint:errcheck // test cleanup

	zw := zip.NewWriter(out)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return path
}

// writePluginArchive writes a well-formed package for name.
func writePluginArchive(t *testing.T, dir, name string) string {
	t.Helper()
	return writeArchive(t, dir, name+".zip", map[string]string{
		plugin.ManifestFile: manifestTOML(name, "1.0.0", "lib"+name+".so"),
		"lib" + name + ".so": "not really an ELF",
	})
}

func newTestRoot(t *testing.T) *plugin.Root {
	t.Helper()
	root, err := plugin.NewRoot(filepath.Join(t.TempDir(), "root"))
	require.NoError(t, err)
	return root
}
