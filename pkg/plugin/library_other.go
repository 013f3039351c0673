// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build !(darwin || freebsd || linux)

package plugin

import "runtime"

// DlopenOpener reports that dynamic loading is unavailable on this platform.
type DlopenOpener struct {
	Mode int
}

// Open always fails on this platform.
func (o DlopenOpener) Open(_ string) (Library, error) {
	return nil, errUnsupportedPlatform(runtime.GOOS)
}
