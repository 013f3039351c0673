// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"errors"
	"io"
	"io/fs"
	"syscall"

	"github.com/samber/oops"
)

// Error codes for plugin lifecycle failures.
const (
	CodeParameters         = "PARAMETERS_ERROR"
	CodeInvalidPlugin      = "INVALID_PLUGIN"
	CodeNoSuchFile         = "NO_SUCH_FILE"
	CodePermissionDenied   = "PERMISSION_DENIED"
	CodeMissingSymbol      = "MISSING_SYMBOL"
	CodeFailedToInitialize = "FAILED_TO_INITIALIZE"
	CodeInternal           = "INTERNAL_ERROR"

	// CodeUnidentified marks the panic raised for a manifest whose name is
	// empty or contains whitespace. It is never returned as an error.
	CodeUnidentified = "UNIDENTIFIED_PLUGIN"
)

// Code returns the error code carried by err, or "" if err is not an oops
// error or has no code.
func Code(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	var code any = oopsErr.Code()
	s, _ := code.(string)
	return s
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code string) bool {
	return err != nil && Code(err) == code
}

// ErrInvalidPlugin creates an error for a structurally broken plugin or a
// lifecycle-order violation.
func ErrInvalidPlugin(format string, args ...any) error {
	return oops.Code(CodeInvalidPlugin).Errorf(format, args...)
}

// ErrMissingSymbol creates an error for a symbol absent from the library.
func ErrMissingSymbol(symbol string, cause error) error {
	builder := oops.Code(CodeMissingSymbol).With("symbol", symbol)
	if cause != nil {
		return builder.Wrapf(cause, "symbol %s not found", symbol)
	}
	return builder.Errorf("symbol %s not found", symbol)
}

// ErrParameters creates an error for malformed input.
func ErrParameters(format string, args ...any) error {
	return oops.Code(CodeParameters).Errorf(format, args...)
}

// ErrFailedToInitialize creates an error for an entry point that could not be
// resolved or did not report success.
func ErrFailedToInitialize(format string, args ...any) error {
	return oops.Code(CodeFailedToInitialize).Errorf(format, args...)
}

// classifyFileError maps a filesystem error from opening path onto the plugin
// error taxonomy.
func classifyFileError(err error, path string) error {
	builder := oops.With("path", path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return builder.Code(CodeNoSuchFile).Wrapf(err, "no such file")
	case errors.Is(err, fs.ErrPermission):
		return builder.Code(CodePermissionDenied).Wrapf(err, "permission denied")
	case errors.Is(err, errors.ErrUnsupported):
		return builder.Code(CodeInternal).Wrapf(err, "unsupported file")
	case errors.Is(err, syscall.EINTR), errors.Is(err, io.ErrUnexpectedEOF):
		return builder.Code(CodeInvalidPlugin).Wrapf(err, "interrupted while reading plugin")
	case errors.Is(err, syscall.ENOMEM):
		return builder.Code(CodeInternal).Wrapf(err, "host is out of memory")
	default:
		return builder.Code(CodeInternal).Wrapf(err, "unknown error")
	}
}
