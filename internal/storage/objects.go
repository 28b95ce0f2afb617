package storage

import (
	"fmt"

	"offgrid/internal/models"

	"go.etcd.io/bbolt"
)

func (s *BboltStorage) UpsertObjectMetadata(meta ObjectMetadata) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := putRecord(tx.Bucket(bucketObjects), &meta); err != nil {
			return fmt.Errorf("failed to put object metadata: %w", err)
		}
		return nil
	})
}

func (s *BboltStorage) GetObjectMetadata(bucket, path string) (ObjectMetadata, error) {
	meta := ObjectMetadata{Bucket: bucket, Path: path}
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketObjects).Get(meta.Key())
		if data == nil {
			return fmt.Errorf("object %s/%s: %w", bucket, path, models.ErrNotFound)
		}
		return meta.UnmarshalBinary(data)
	})
	return meta, err
}
