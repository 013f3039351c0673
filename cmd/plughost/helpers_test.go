package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"unsafe"

	"github.com/klauspost/compress/zip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/holomush/plughost/internal/observability"
	"github.com/holomush/plughost/pkg/plugin"
)

// stubLibrary binds symbols to Go funcs with the matching signature.
type stubLibrary struct {
	mu      sync.Mutex
	symbols map[string]any
	inits   int
	exits   int
}

func (l *stubLibrary) Lookup(name string) (uintptr, error) {
	fn, ok := l.symbols[name]
	if !ok {
		return 0, fmt.Errorf("undefined symbol: %s", name)
	}
	return reflect.ValueOf(fn).Pointer(), nil
}

func (l *stubLibrary) Bind(fptr any, name string) error {
	fn, ok := l.symbols[name]
	if !ok {
		return fmt.Errorf("undefined symbol: %s", name)
	}
	dst := reflect.ValueOf(fptr).Elem()
	src := reflect.ValueOf(fn)
	if !src.Type().AssignableTo(dst.Type()) {
		return fmt.Errorf("symbol %s has type %s", name, src.Type())
	}
	dst.Set(src)
	return nil
}

func (l *stubLibrary) Close() error { return nil }

func (l *stubLibrary) counts() (inits, exits int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inits, l.exits
}

// newEchoLibrary mimics plugins/echo: echo_hook returns the length of the
// NUL-terminated string it is given.
func newEchoLibrary(withDestructor bool) *stubLibrary {
	l := &stubLibrary{}
	l.symbols = map[string]any{
		plugin.DefaultEntryPoint: func() int32 {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.inits++
			return 0
		},
		"echo_hook": func(data unsafe.Pointer) int32 {
			if data == nil {
				return -1
			}
			var n int32
			for *(*byte)(unsafe.Add(data, n)) != 0 {
				n++
			}
			return n
		},
	}
	if withDestructor {
		l.symbols[plugin.DestructorSymbol] = func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.exits++
		}
	}
	return l
}

// stubOpener returns lib for any object file that exists.
type stubOpener struct {
	lib plugin.Library
}

func (o stubOpener) Open(path string) (plugin.Library, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return o.lib, nil
}

// stubServer records what run does with the observability server.
type stubServer struct {
	metrics *observability.Metrics
	errCh   chan error
	started bool
	stopped bool
}

func newStubServer() *stubServer {
	return &stubServer{
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
		errCh:   make(chan error),
	}
}

func (s *stubServer) Start() (<-chan error, error) {
	s.started = true
	return s.errCh, nil
}

func (s *stubServer) Stop(context.Context) error {
	s.stopped = true
	close(s.errCh)
	return nil
}

func (s *stubServer) Metrics() *observability.Metrics { return s.metrics }

// isolate points the XDG directories at temporary locations.
func isolate(t *testing.T) {
	t.Helper()
	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(base, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(base, "data"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(base, "state"))
}

// writePluginDir lays out an unpacked echo plugin and returns its directory.
func writePluginDir(t *testing.T, name, version string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifest := fmt.Sprintf("[metadata]\nname = %q\nversion = %q\nobjfile = \"lib%s.so\"\ndescription = \"echoes its input\"\n",
		name, version, name)
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFile), []byte(manifest), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib"+name+".so"), []byte("stub"), 0o600))
	return dir
}

// packPlugin packs an echo plugin and returns the archive path.
func packPlugin(t *testing.T, name string) string {
	t.Helper()
	dir := writePluginDir(t, name, "1.2.3")
	path := filepath.Join(t.TempDir(), name+".zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	_, err = plugin.Pack(dir, f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return path
}

// execute runs the CLI with deps and args and returns stdout and stderr.
func execute(t *testing.T, deps *Deps, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	cmd := newRootCmd(deps)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err = cmd.Execute()
	return out.String(), errOut.String(), err
}

// writeZip writes files into a zip archive at path.
func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}
