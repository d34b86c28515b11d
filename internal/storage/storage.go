// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package storage routes file operations to the local filesystem or to remote object storage
// (Google Cloud Storage, paths starting with "gs://" or "gcs://"), based on the path.
//
// Remote paths are treated as opaque object names: directories don't need to be created and
// files are written whole when closed, there is no rename.
package storage

import (
	"context"
	"io"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// FS is the file abstraction used for data, run artifacts and tracker output.
type FS interface {
	// Open path for reading.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Create (or truncate) path for writing. The contents are only guaranteed to be stored
	// once Close returns without error.
	Create(ctx context.Context, path string) (io.WriteCloser, error)

	// MkdirAll creates the directory and its parents. It's a no-op if it already exists.
	MkdirAll(ctx context.Context, path string) error

	// Exists returns whether path exists.
	Exists(ctx context.Context, path string) (bool, error)
}

// RemoteSchemes are the path prefixes handled by Google Cloud Storage.
var RemoteSchemes = []string{"gs://", "gcs://"}

// IsRemote returns whether the path refers to remote object storage.
func IsRemote(p string) bool {
	for _, scheme := range RemoteSchemes {
		if strings.HasPrefix(p, scheme) {
			return true
		}
	}
	return false
}

// Join path elements, preserving the scheme of remote paths.
func Join(base string, elems ...string) string {
	if !IsRemote(base) {
		return filepath.Join(append([]string{base}, elems...)...)
	}
	for _, scheme := range RemoteSchemes {
		if rest, found := strings.CutPrefix(base, scheme); found {
			return scheme + path.Join(append([]string{rest}, elems...)...)
		}
	}
	return base
}

// Options to create the FS router.
type Options struct {
	// GCloudProject is billed for remote storage requests. Optional.
	GCloudProject string
}

// Router is an FS that dispatches each call to the local filesystem or to remote storage.
// The remote storage client is only created when a remote path is first used.
type Router struct {
	options Options
	local   *LocalFS

	muRemote  sync.Mutex
	remote    FS
	newRemote func(ctx context.Context, options Options) (FS, error)
}

// Compile-time check that Router implements FS.
var _ FS = (*Router)(nil)

// New returns a Router that handles local and remote paths.
func New(options Options) *Router {
	return &Router{
		options:   options,
		local:     &LocalFS{},
		newRemote: func(ctx context.Context, options Options) (FS, error) { return NewGCSFS(ctx, options) },
	}
}

// WithRemote replaces the remote storage implementation: used for testing.
func (r *Router) WithRemote(remote FS) *Router {
	r.muRemote.Lock()
	defer r.muRemote.Unlock()
	r.remote = remote
	return r
}

func (r *Router) route(ctx context.Context, p string) (FS, error) {
	if !IsRemote(p) {
		return r.local, nil
	}
	r.muRemote.Lock()
	defer r.muRemote.Unlock()
	if r.remote == nil {
		remote, err := r.newRemote(ctx, r.options)
		if err != nil {
			return nil, errors.WithMessagef(err, "while accessing %q", p)
		}
		r.remote = remote
	}
	return r.remote, nil
}

// Open implements FS.
func (r *Router) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	fs, err := r.route(ctx, p)
	if err != nil {
		return nil, err
	}
	return fs.Open(ctx, p)
}

// Create implements FS.
func (r *Router) Create(ctx context.Context, p string) (io.WriteCloser, error) {
	fs, err := r.route(ctx, p)
	if err != nil {
		return nil, err
	}
	return fs.Create(ctx, p)
}

// MkdirAll implements FS.
func (r *Router) MkdirAll(ctx context.Context, p string) error {
	fs, err := r.route(ctx, p)
	if err != nil {
		return err
	}
	return fs.MkdirAll(ctx, p)
}

// Exists implements FS.
func (r *Router) Exists(ctx context.Context, p string) (bool, error) {
	fs, err := r.route(ctx, p)
	if err != nil {
		return false, err
	}
	return fs.Exists(ctx, p)
}

// ReadFile reads the whole contents of path.
func ReadFile(ctx context.Context, fs FS, p string) ([]byte, error) {
	reader, err := fs.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	contents, err := io.ReadAll(reader)
	closeErr := reader.Close()
	if err != nil {
		return nil, errors.Wrapf(err, "failed reading %q", p)
	}
	if closeErr != nil {
		return nil, errors.Wrapf(closeErr, "failed closing %q", p)
	}
	return contents, nil
}

// WriteFile writes contents to path, replacing any previous contents.
func WriteFile(ctx context.Context, fs FS, p string, contents []byte) error {
	writer, err := fs.Create(ctx, p)
	if err != nil {
		return err
	}
	if _, err = writer.Write(contents); err != nil {
		_ = writer.Close()
		return errors.Wrapf(err, "failed writing %q", p)
	}
	if err = writer.Close(); err != nil {
		return errors.Wrapf(err, "failed closing %q", p)
	}
	return nil
}
