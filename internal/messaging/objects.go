package messaging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"offgrid/internal/content"
	"offgrid/internal/filestore"
	"offgrid/internal/storage"
)

const sniffLen = 512

// Upload stores an object for userID. Objects live under a prefix named
// after their owner and are checked against the attachment rules by their
// content, not by what the client claims.
func (s *Service) Upload(ctx context.Context, userID, bucket, objectPath string, r io.Reader) (storage.ObjectMetadata, error) {
	if err := filestore.ValidatePath(objectPath); err != nil {
		return storage.ObjectMetadata{}, err
	}
	if !strings.HasPrefix(objectPath, userID+"/") {
		return storage.ObjectMetadata{}, fmt.Errorf("%w: objects must be stored under %s/", ErrForbidden, userID)
	}

	data, err := io.ReadAll(io.LimitReader(r, content.MaxAttachmentSize+1))
	if err != nil {
		return storage.ObjectMetadata{}, fmt.Errorf("failed to read upload: %w", err)
	}
	mimeType := content.DetectMIME(data[:min(len(data), sniffLen)])
	if err := content.ValidateAttachment(mimeType, int64(len(data))); err != nil {
		s.metrics.Uploads.WithLabelValues(bucket, "rejected").Inc()
		return storage.ObjectMetadata{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	if err := s.files.Save(bucket, objectPath, bytes.NewReader(data)); err != nil {
		s.metrics.Uploads.WithLabelValues(bucket, "error").Inc()
		return storage.ObjectMetadata{}, err
	}

	meta := storage.ObjectMetadata{
		Bucket:    bucket,
		Path:      objectPath,
		MimeType:  mimeType,
		Size:      int64(len(data)),
		CreatedAt: s.now().Unix(),
		UserID:    userID,
	}
	if err := s.store.UpsertObjectMetadata(meta); err != nil {
		return storage.ObjectMetadata{}, fmt.Errorf("failed to store object metadata: %w", err)
	}
	s.metrics.Uploads.WithLabelValues(bucket, "ok").Inc()

	s.log.Debug().Str("user_id", userID).Str("bucket", bucket).Str("path", objectPath).Msg("object uploaded")
	return meta, nil
}

// OpenSigned opens an object addressed by a signed URL.
func (s *Service) OpenSigned(bucket, objectPath string, expires int64, sig string) (io.ReadCloser, storage.ObjectMetadata, error) {
	if err := s.signer.Verify(bucket, objectPath, expires, sig); err != nil {
		return nil, storage.ObjectMetadata{}, fmt.Errorf("%w: %w", ErrForbidden, err)
	}
	return s.open(bucket, objectPath)
}

// OpenPublic opens an object of a public bucket.
func (s *Service) OpenPublic(bucket, objectPath string) (io.ReadCloser, storage.ObjectMetadata, error) {
	if !slices.Contains(s.PublicBuckets, bucket) {
		return nil, storage.ObjectMetadata{}, fmt.Errorf("%w: bucket %s is not public", ErrForbidden, bucket)
	}
	return s.open(bucket, objectPath)
}

func (s *Service) open(bucket, objectPath string) (io.ReadCloser, storage.ObjectMetadata, error) {
	meta, err := s.store.GetObjectMetadata(bucket, objectPath)
	if err != nil {
		return nil, storage.ObjectMetadata{}, err
	}
	rc, err := s.files.Open(bucket, objectPath)
	if err != nil {
		return nil, storage.ObjectMetadata{}, err
	}
	return rc, meta, nil
}
