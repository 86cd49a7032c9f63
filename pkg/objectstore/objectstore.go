// Package objectstore abstracts the binary object store that holds build
// artifacts. Implementations: S3 (production) and an in-memory store used
// by tests and when no store is configured.
package objectstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for keys that do not exist.
var ErrNotFound = errors.New("objectstore: not found")

// PutOptions carries metadata for an upload.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Info describes a stored object.
type Info struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// Store is the object-store surface the artifact pipeline consumes.
type Store interface {
	Upload(ctx context.Context, key string, data []byte, opts PutOptions) error
	Delete(ctx context.Context, key string) error
	GetSignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	GetInfo(ctx context.Context, key string) (*Info, error)
}
