package filestore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// LocalFileStore implements FileStore on the local filesystem. Each bucket
// is a directory under root.
type LocalFileStore struct {
	root string
}

func NewLocalFileStore(root string, buckets ...string) (*LocalFileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	s := &LocalFileStore{root: root}
	for _, b := range buckets {
		if err := s.CreateBucket(b); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *LocalFileStore) CreateBucket(bucket string) error {
	if err := validateSegment(bucket); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(s.root, bucket), 0755); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return nil
}

func (s *LocalFileStore) HasBucket(bucket string) bool {
	if validateSegment(bucket) != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(s.root, bucket))
	return err == nil && info.IsDir()
}

func (s *LocalFileStore) getPath(bucket, objectPath string) (string, error) {
	if err := validateSegment(bucket); err != nil {
		return "", err
	}
	if err := ValidatePath(objectPath); err != nil {
		return "", err
	}
	if !s.HasBucket(bucket) {
		return "", fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}
	return filepath.Join(s.root, bucket, filepath.FromSlash(objectPath)), nil
}

func (s *LocalFileStore) Save(bucket, objectPath string, r io.Reader) error {
	p, err := s.getPath(bucket, objectPath)
	if err != nil {
		return err
	}

	if _, err := os.Stat(p); err == nil {
		return fmt.Errorf("%w: %s/%s", ErrObjectExists, bucket, objectPath)
	}

	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Write to a temporary file first so readers never see partial objects.
	tmp, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}

	return nil
}

func (s *LocalFileStore) Open(bucket, objectPath string) (io.ReadCloser, error) {
	p, err := s.getPath(bucket, objectPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, objectPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s/%s: %w", bucket, objectPath, err)
	}
	return f, nil
}

// ValidatePath rejects absolute paths and paths escaping the bucket.
func ValidatePath(objectPath string) error {
	if objectPath == "" || strings.HasPrefix(objectPath, "/") || strings.Contains(objectPath, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, objectPath)
	}
	if path.Clean(objectPath) != objectPath {
		return fmt.Errorf("%w: %q", ErrInvalidPath, objectPath)
	}
	for _, seg := range strings.Split(objectPath, "/") {
		if err := validateSegment(seg); err != nil {
			return err
		}
	}
	return nil
}

func validateSegment(seg string) error {
	if seg == "" || seg == "." || seg == ".." || strings.ContainsAny(seg, "/\\\x00") {
		return fmt.Errorf("%w: segment %q", ErrInvalidPath, seg)
	}
	return nil
}
