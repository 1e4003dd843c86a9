// Package objectstore provides the object store adapter (C2): durable
// storage for raw data item bytes, keyed by data_item_id, plus a multipart
// upload path for the pre-assembly flow. Implementations must make Put
// immediately visible to Get/Head from any process, matching the guarantee
// the worker package relies on.
package objectstore

import (
	"context"
	"errors"
	"io"
)

// Sentinel errors every implementation returns for the same conditions.
var (
	ErrNotFound       = errors.New("object not found")
	ErrUploadNotFound = errors.New("multipart upload not found")
)

// ObjectStore is the storage surface data items are staged on: raw
// uploads, bundle headers and payloads, and multipart upload state.
type ObjectStore interface {
	// Put writes data under key, replacing any existing object.
	Put(ctx context.Context, key string, data io.Reader, contentType string) error

	// Get returns a reader for the object at key. Callers must Close it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// GetRange returns a reader for [offset, offset+length) of the object.
	GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)

	// Head reports whether key exists and its size, without transferring
	// the body.
	Head(ctx context.Context, key string) (ByteCount int64, exists bool, err error)

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// CreateMultipartUpload begins a multipart upload for key and returns
	// an upload id.
	CreateMultipartUpload(ctx context.Context, key, contentType string) (uploadID string, err error)

	// UploadPart uploads one part of an in-progress multipart upload.
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, data io.Reader) (etag string, err error)

	// CompleteMultipartUpload finalizes the upload, making the assembled
	// object visible at key.
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) error

	// AbortMultipartUpload discards an in-progress upload and any parts
	// already received.
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
}

// Part identifies one uploaded part of a multipart upload, by 1-based
// part number and the etag UploadPart returned for it.
type Part struct {
	PartNumber int
	ETag       string
}
