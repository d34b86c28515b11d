// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// LocalFS implements FS on the local filesystem. A leading "~" is expanded to the home directory.
type LocalFS struct{}

// Compile-time check that LocalFS implements FS.
var _ FS = (*LocalFS)(nil)

func localPath(p string) (string, error) {
	expanded, err := fsutil.ReplaceTildeInDir(p)
	if err != nil {
		return "", errors.WithMessagef(err, "invalid path %q", p)
	}
	return expanded, nil
}

// Open implements FS.
func (LocalFS) Open(_ context.Context, p string) (io.ReadCloser, error) {
	p, err := localPath(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", p)
	}
	return f, nil
}

// Create implements FS. The parent directory must exist.
func (LocalFS) Create(_ context.Context, p string) (io.WriteCloser, error) {
	p, err := localPath(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Create(p)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %q", p)
	}
	return f, nil
}

// MkdirAll implements FS.
func (LocalFS) MkdirAll(_ context.Context, p string) error {
	p, err := localPath(p)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(filepath.Clean(p), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", p)
	}
	return nil
}

// Exists implements FS.
func (LocalFS) Exists(_ context.Context, p string) (bool, error) {
	p, err := localPath(p)
	if err != nil {
		return false, err
	}
	exists, err := fsutil.FileExists(p)
	if err != nil {
		return false, errors.WithMessagef(err, "failed to check %q", p)
	}
	return exists, nil
}
