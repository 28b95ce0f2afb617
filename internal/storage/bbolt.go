package storage

import (
	"fmt"
	"time"

	"offgrid/internal/auth"
	"offgrid/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers              = []byte("users")
	bucketMessages           = []byte("messages")
	bucketConversations      = []byte("conversations")
	bucketClientIDs          = []byte("client_ids")
	bucketTokens             = []byte("tokens")
	bucketRegistrationTokens = []byte("registration_tokens")
	bucketObjects            = []byte("objects")
	bucketPushSubscriptions  = []byte("push_subscriptions")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers,
			bucketMessages,
			bucketConversations,
			bucketClientIDs,
			bucketTokens,
			bucketRegistrationTokens,
			bucketObjects,
			bucketPushSubscriptions,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func putRecord(b *bbolt.Bucket, r Storeable) error {
	data, err := r.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(r.Key(), data)
}

// UpsertCredentials stores new or updated user credentials.
func (s *BboltStorage) UpsertCredentials(credentials auth.UserCredentials) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putRecord(tx.Bucket(bucketUsers), &DBUser{
			ID:                  credentials.ID,
			UserName:            credentials.UserName,
			DisplayName:         credentials.DisplayName,
			Bio:                 credentials.Bio,
			AvatarURL:           credentials.AvatarURL,
			LastSeen:            credentials.Presence.LastSeen,
			PasswordHash:        credentials.PasswordHash,
			FailedLoginAttempts: credentials.FailedLoginAttempts,
			LastAttemptTime:     credentials.LastAttemptTime,
		})
	})
}

// ListCredentials returns all user credentials stored in the database.
func (s *BboltStorage) ListCredentials() ([]auth.UserCredentials, error) {
	var credentials []auth.UserCredentials
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			credentials = append(credentials, auth.UserCredentials{
				User:                dbUser.toModel(),
				PasswordHash:        dbUser.PasswordHash,
				FailedLoginAttempts: dbUser.FailedLoginAttempts,
				LastAttemptTime:     dbUser.LastAttemptTime,
			})
			return nil
		})
	})
	return credentials, err
}

// GetUser returns the public profile of a user.
func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		user = dbUser.toModel()
		return nil
	})
	return user, err
}

func (u *DBUser) toModel() models.User {
	return models.User{
		ID:          u.ID,
		UserName:    u.UserName,
		DisplayName: u.DisplayName,
		Bio:         u.Bio,
		AvatarURL:   u.AvatarURL,
		Presence: models.Presence{
			LastSeen: u.LastSeen,
		},
	}
}

// UpsertToken stores a login token hash. Raw tokens are never persisted.
func (s *BboltStorage) UpsertToken(tokenHash, userID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putRecord(tx.Bucket(bucketTokens), &DBToken{
			UserID: userID,
			Token:  tokenHash,
		})
	})
}

func (s *BboltStorage) DeleteToken(tokenHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).Delete([]byte(tokenHash))
	})
}

// ListTokens returns token hash -> user id.
func (s *BboltStorage) ListTokens() (map[string]string, error) {
	tokens := make(map[string]string)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).ForEach(func(k, v []byte) error {
			var dbToken DBToken
			if err := dbToken.UnmarshalBinary(v); err != nil {
				return err
			}
			tokens[dbToken.Token] = dbToken.UserID
			return nil
		})
	})
	return tokens, err
}

func (s *BboltStorage) UpsertRegistrationToken(userID string, token string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbToken := &DBToken{
			UserID: userID,
			Token:  token,
		}
		data, err := dbToken.MarshalBinary()
		if err != nil {
			return err
		}
		// One pending registration per user.
		return tx.Bucket(bucketRegistrationTokens).Put([]byte(userID), data)
	})
}

func (s *BboltStorage) DeleteRegistrationToken(userID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRegistrationTokens).Delete([]byte(userID))
	})
}

// ListRegistrationTokens returns user id -> registration token.
func (s *BboltStorage) ListRegistrationTokens() (map[string]string, error) {
	tokens := make(map[string]string)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRegistrationTokens).ForEach(func(k, v []byte) error {
			var dbToken DBToken
			if err := dbToken.UnmarshalBinary(v); err != nil {
				return err
			}
			tokens[dbToken.UserID] = dbToken.Token
			return nil
		})
	})
	return tokens, err
}
