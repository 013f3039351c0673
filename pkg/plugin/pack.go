// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"
	"github.com/samber/oops"
)

// Pack writes the contents of dir as a plugin package to w. The directory
// must contain a valid metadata.toml whose objfile exists inside dir.
func Pack(dir string, w io.Writer) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile)) //nolint:gosec // dir is supplied by the packager
	if err != nil {
		return nil, classifyFileError(err, filepath.Join(dir, ManifestFile))
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}

	objPath, ok := enclosedPath(dir, filepath.ToSlash(m.ObjFile))
	if !ok {
		return nil, ErrInvalidPlugin("objfile %q escapes the package directory", m.ObjFile)
	}
	if _, err := os.Stat(objPath); err != nil {
		return nil, classifyFileError(err, objPath)
	}

	zw := zip.NewWriter(w)
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil || rel == "." {
			return err
		}
		name := filepath.ToSlash(rel)
		if d.IsDir() {
			_, err := zw.Create(name + "/")
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return addFile(zw, p, name)
	})
	if err != nil {
		return nil, oops.Code(CodeInternal).With("dir", dir).Wrapf(err, "failed to pack plugin")
	}
	if err := zw.Close(); err != nil {
		return nil, oops.Code(CodeInternal).With("dir", dir).Wrapf(err, "failed to finish plugin archive")
	}
	return m, nil
}

func addFile(zw *zip.Writer, src, name string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate

	dst, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	in, err := os.Open(src) //nolint:gosec // src comes from walking the package directory
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck // read-only
	_, err = io.Copy(dst, in)
	return err
}
