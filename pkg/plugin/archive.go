// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/samber/oops"
)

// DefaultMaxFileSize bounds the uncompressed size of a single archive entry.
const DefaultMaxFileSize int64 = 512 << 20

// Archive is an opened plugin package.
type Archive struct {
	path        string
	file        *os.File
	reader      *zip.Reader
	maxFileSize int64
	logger      *slog.Logger
}

// ExtractStats summarizes an extraction.
type ExtractStats struct {
	Files       int
	Directories int
	Skipped     []string
}

// OpenArchive opens the plugin package at path.
func OpenArchive(path string) (*Archive, error) {
	return openArchive(path, slog.Default())
}

func openArchive(archivePath string, logger *slog.Logger) (*Archive, error) {
	f, err := os.Open(archivePath) //nolint:gosec // archivePath is supplied by the host
	if err != nil {
		logger.Error("couldn't open plugin archive", "path", archivePath, "error", err)
		return nil, classifyFileError(err, archivePath)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, classifyFileError(err, archivePath)
	}

	r, err := zip.NewReader(f, info.Size())
	if err != nil {
		_ = f.Close()
		return nil, oops.Code(CodeInvalidPlugin).
			With("path", archivePath).
			Wrapf(err, "unreadable plugin archive")
	}
	return &Archive{
		path:        archivePath,
		file:        f,
		reader:      r,
		maxFileSize: DefaultMaxFileSize,
		logger:      logger,
	}, nil
}

// Path returns the archive's path.
func (a *Archive) Path() string {
	return a.path
}

// SetMaxFileSize changes the per-entry size limit used by ExtractTo.
func (a *Archive) SetMaxFileSize(n int64) {
	a.maxFileSize = n
}

// ReadManifest returns the raw manifest without extracting anything.
func (a *Archive) ReadManifest() ([]byte, error) {
	for _, f := range a.reader.File {
		if path.Clean(f.Name) != ManifestFile {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, oops.Code(CodeInvalidPlugin).
				With("path", a.path).
				Wrapf(err, "couldn't open %s", ManifestFile)
		}
		defer rc.Close() //nolint:errcheck // read-only
		data, err := io.ReadAll(io.LimitReader(rc, a.maxFileSize+1))
		if err != nil {
			return nil, oops.Code(CodeParameters).
				With("path", a.path).
				Wrapf(err, "error reading %s", ManifestFile)
		}
		if int64(len(data)) > a.maxFileSize {
			return nil, oops.Code(CodeInvalidPlugin).
				With("path", a.path).
				With("limit", a.maxFileSize).
				Errorf("%s exceeds the %d byte limit", ManifestFile, a.maxFileSize)
		}
		return data, nil
	}
	return nil, oops.Code(CodeNoSuchFile).
		With("path", a.path).
		Errorf("archive has no %s", ManifestFile)
}

// ExtractTo unpacks every entry of the archive under dir, which must be an
// absolute path. Entries that would land outside dir, and symlinks, are
// skipped rather than failing the extraction.
func (a *Archive) ExtractTo(dir string) (ExtractStats, error) {
	var stats ExtractStats
	if !filepath.IsAbs(dir) {
		return stats, ErrParameters("extraction target %q is not absolute", dir)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return stats, classifyFileError(err, dir)
	}

	for _, f := range a.reader.File {
		target, ok := enclosedPath(dir, f.Name)
		if !ok || f.Mode()&fs.ModeSymlink != 0 {
			a.logger.Warn("skipping unsafe archive entry",
				"path", a.path,
				"entry", f.Name)
			stats.Skipped = append(stats.Skipped, f.Name)
			recordSkippedEntry()
			continue
		}

		if strings.HasSuffix(f.Name, "/") || f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o700); err != nil {
				return stats, classifyFileError(err, target)
			}
			stats.Directories++
			continue
		}

		if err := a.extractFile(f, target); err != nil {
			return stats, err
		}
		stats.Files++
	}
	return stats, nil
}

func (a *Archive) extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return classifyFileError(err, filepath.Dir(target))
	}

	rc, err := f.Open()
	if err != nil {
		return oops.Code(CodeInvalidPlugin).
			With("path", a.path).
			With("entry", f.Name).
			Wrapf(err, "corrupt archive entry")
	}
	defer rc.Close() //nolint:errcheck // read-only

	perm := f.Mode().Perm()&0o700 | 0o600
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm) //nolint:gosec // target is enclosed in the working directory
	if err != nil {
		return classifyFileError(err, target)
	}

	n, err := io.Copy(out, io.LimitReader(rc, a.maxFileSize+1))
	closeErr := out.Close()
	switch {
	case err != nil && errors.Is(err, zip.ErrChecksum):
		return oops.Code(CodeInvalidPlugin).With("entry", f.Name).Wrapf(err, "corrupt archive entry")
	case err != nil:
		return classifyFileError(err, target)
	case n > a.maxFileSize:
		return oops.Code(CodeInvalidPlugin).
			With("entry", f.Name).
			With("limit", a.maxFileSize).
			Errorf("archive entry exceeds size limit")
	case closeErr != nil:
		return classifyFileError(closeErr, target)
	}
	return nil
}

// Close releases the archive.
func (a *Archive) Close() error {
	if err := a.file.Close(); err != nil {
		return oops.With("path", a.path).Wrap(err)
	}
	return nil
}

// enclosedPath joins an archive entry name onto dir, reporting false when the
// entry is absolute or climbs out of dir.
func enclosedPath(dir, name string) (string, bool) {
	if name == "" || strings.Contains(name, "\\") || strings.HasPrefix(name, "/") {
		return "", false
	}
	local := filepath.FromSlash(strings.TrimSuffix(name, "/"))
	if local == "" || !filepath.IsLocal(local) {
		return "", false
	}
	return filepath.Join(dir, local), true
}
