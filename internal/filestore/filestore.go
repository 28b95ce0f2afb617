package filestore

import (
	"errors"
	"io"
)

var (
	ErrBucketNotFound = errors.New("bucket not found")
	ErrObjectExists   = errors.New("object already exists")
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidPath    = errors.New("invalid object path")
)

// FileStore stores objects by bucket and path.
type FileStore interface {
	// Save writes the object. It fails with ErrBucketNotFound for an unknown
	// bucket and ErrObjectExists if the path is already taken.
	Save(bucket, path string, r io.Reader) error

	// Open returns the object content.
	Open(bucket, path string) (io.ReadCloser, error)
}
