// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build darwin || freebsd || linux

package plugin_test

import (
	"path/filepath"
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/plughost/pkg/errutil"
	"github.com/holomush/plughost/pkg/plugin"
)

func libcPath() string {
	switch runtime.GOOS {
	case "darwin":
		return "/usr/lib/libSystem.B.dylib"
	case "freebsd":
		return "libc.so.7"
	default:
		return "libc.so.6"
	}
}

func openLibc(t *testing.T) plugin.Library {
	t.Helper()
	lib, err := plugin.DlopenOpener{}.Open(libcPath())
	if err != nil {
		t.Skipf("system C library not loadable: %v", err)
	}
	t.Cleanup(func() { _ = lib.Close() })
	return lib
}

func TestDlopenOpener_BindCallsNativeCode(t *testing.T) {
	lib := openLibc(t)

	var strlen func(unsafe.Pointer) uintptr
	require.NoError(t, lib.Bind(&strlen, "strlen"))

	s := []byte("plughost\x00")
	assert.Equal(t, uintptr(8), strlen(unsafe.Pointer(&s[0])))
	runtime.KeepAlive(s)

	addr, err := lib.Lookup("strlen")
	require.NoError(t, err)
	assert.NotZero(t, addr)
}

func TestDlopenOpener_MissingSymbol(t *testing.T) {
	lib := openLibc(t)

	_, err := lib.Lookup("vplugin_definitely_not_exported")
	errutil.AssertErrorCode(t, err, plugin.CodeMissingSymbol)

	var fn func()
	err = lib.Bind(&fn, "vplugin_definitely_not_exported")
	errutil.AssertErrorCode(t, err, plugin.CodeMissingSymbol)
	assert.Nil(t, fn)
}

func TestDlopenOpener_UnsupportedSignature(t *testing.T) {
	lib := openLibc(t)

	var notAFunc int
	err := lib.Bind(&notAFunc, "strlen")
	errutil.AssertErrorCode(t, err, plugin.CodeParameters)
}

func TestDlopenOpener_NotASharedObject(t *testing.T) {
	_, err := plugin.DlopenOpener{}.Open(filepath.Join(t.TempDir(), "missing.so"))
	errutil.AssertErrorCode(t, err, plugin.CodeInvalidPlugin)
}
