// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/option"
	"k8s.io/klog/v2"
)

// GCSFS implements FS on Google Cloud Storage.
//
// Credentials are the application default credentials. If a project is given, it's used as the
// quota project and as the billing project of requester-pays buckets.
type GCSFS struct {
	client  *gcs.Client
	project string
}

// Compile-time check that GCSFS implements FS.
var _ FS = (*GCSFS)(nil)

// NewGCSFS creates the storage client.
func NewGCSFS(ctx context.Context, options Options) (*GCSFS, error) {
	var clientOptions []option.ClientOption
	if options.GCloudProject != "" {
		clientOptions = append(clientOptions, option.WithQuotaProject(options.GCloudProject))
	}
	client, err := gcs.NewClient(ctx, clientOptions...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Google Cloud Storage client")
	}
	klog.V(1).Infof("Google Cloud Storage client created (project=%q)", options.GCloudProject)
	return &GCSFS{client: client, project: options.GCloudProject}, nil
}

// SplitRemotePath returns the bucket and the object name of a "gs://bucket/object" path.
func SplitRemotePath(p string) (bucket, object string, err error) {
	for _, scheme := range RemoteSchemes {
		if rest, found := strings.CutPrefix(p, scheme); found {
			bucket, object, _ = strings.Cut(rest, "/")
			if bucket == "" {
				return "", "", errors.Errorf("missing bucket name in %q", p)
			}
			return bucket, object, nil
		}
	}
	return "", "", errors.Errorf("%q is not a remote storage path", p)
}

func (s *GCSFS) object(p string) (*gcs.ObjectHandle, error) {
	bucketName, objectName, err := SplitRemotePath(p)
	if err != nil {
		return nil, err
	}
	if objectName == "" {
		return nil, errors.Errorf("missing object name in %q", p)
	}
	bucket := s.client.Bucket(bucketName)
	if s.project != "" {
		bucket = bucket.UserProject(s.project)
	}
	return bucket.Object(objectName), nil
}

// Open implements FS.
func (s *GCSFS) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	obj, err := s.object(p)
	if err != nil {
		return nil, err
	}
	reader, err := obj.NewReader(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", p)
	}
	return reader, nil
}

// Create implements FS. The object is only written when the returned writer is closed.
func (s *GCSFS) Create(ctx context.Context, p string) (io.WriteCloser, error) {
	obj, err := s.object(p)
	if err != nil {
		return nil, err
	}
	return obj.NewWriter(ctx), nil
}

// MkdirAll implements FS. Object storage has no directories, so it only validates the path.
func (s *GCSFS) MkdirAll(_ context.Context, p string) error {
	_, _, err := SplitRemotePath(p)
	return err
}

// Exists implements FS.
func (s *GCSFS) Exists(ctx context.Context, p string) (bool, error) {
	obj, err := s.object(p)
	if err != nil {
		return false, err
	}
	_, err = obj.Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to stat %q", p)
	}
	return true, nil
}

// Close releases the storage client.
func (s *GCSFS) Close() error {
	return s.client.Close()
}
