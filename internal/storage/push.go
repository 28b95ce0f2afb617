package storage

import (
	"bytes"

	"go.etcd.io/bbolt"
)

func (s *BboltStorage) UpsertPushSubscription(sub PushSubscription) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putRecord(tx.Bucket(bucketPushSubscriptions), &sub)
	})
}

func (s *BboltStorage) DeletePushSubscription(userID, endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		sub := PushSubscription{UserID: userID, Endpoint: endpoint}
		return tx.Bucket(bucketPushSubscriptions).Delete(sub.Key())
	})
}

// ListPushSubscriptions returns every endpoint registered by userID.
func (s *BboltStorage) ListPushSubscriptions(userID string) ([]PushSubscription, error) {
	var subs []PushSubscription
	prefix := []byte(userID + "\x00")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketPushSubscriptions).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var sub PushSubscription
			if err := sub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, sub)
		}
		return nil
	})
	return subs, err
}
