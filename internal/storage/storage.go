// Package storage defines the Storage interface for audit archive destinations.
//
// Archives are written once when audit records are purged and must never be overwritten: an
// Upload to a path that already holds an object fails with ErrObjectExists on every backend.
//
// New backends are added by implementing Storage and registering with the factory via an
// init() function in the backend's own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Storage, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// cmd/server imports each backend with a blank import to trigger init().
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrObjectExists is returned by Upload when the path is already taken.
	ErrObjectExists = errors.New("storage: object already exists")
	// ErrObjectNotFound is returned by Download and GetMetadata for a missing path.
	ErrObjectNotFound = errors.New("storage: object not found")
)

// Storage is a write-once object store.
type Storage interface {
	// Upload stores a new object and returns its size and SHA-256 checksum. It never replaces
	// an existing object.
	Upload(ctx context.Context, path string, reader io.Reader, size int64) (*UploadResult, error)

	// Download retrieves an object.
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error

	// Exists checks if an object exists at the specified path.
	Exists(ctx context.Context, path string) (bool, error)

	// GetMetadata retrieves object metadata without downloading the content.
	GetMetadata(ctx context.Context, path string) (*FileMetadata, error)
}

// Provisioner is implemented by backends that can create their bucket or container.
type Provisioner interface {
	Provision(ctx context.Context) error
}

// Provision creates s's bucket or container when the backend supports it. It reports whether
// the backend is a Provisioner.
func Provision(ctx context.Context, s Storage) (bool, error) {
	p, ok := s.(Provisioner)
	if !ok {
		return false, nil
	}
	return true, p.Provision(ctx)
}

// UploadResult contains information about an uploaded object
type UploadResult struct {
	Path     string
	Size     int64
	Checksum string // hex SHA-256 of the content
}

// FileMetadata contains metadata about a stored object
type FileMetadata struct {
	Path         string
	Size         int64
	Checksum     string // empty when the backend does not store one
	LastModified time.Time
}
