// Package storage defines the Backend interface for backup output storage.
//
// The local backend holds backup runs on disk and performs the copy half of
// incremental reuse. The s3 backend mirrors run artifacts off-host.
package storage

import (
	"context"
	"io"
)

// Backend is the interface for object storage backends. Keys are
// slash-separated and relative to the backend root.
type Backend interface {
	// GetObject retrieves an object by key and returns its size.
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// PutObject stores content under the given key.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes an object by key. Missing objects are not an error.
	DeleteObject(ctx context.Context, key string) error

	// CopyObject copies an object from srcKey to dstKey.
	CopyObject(ctx context.Context, srcKey, dstKey string) error

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
