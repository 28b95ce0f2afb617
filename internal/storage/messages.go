package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"offgrid/internal/models"

	"go.etcd.io/bbolt"
)

func toDBMessage(m models.Message) DBMessage {
	dbMessage := DBMessage{
		ID:         m.ID,
		ClientID:   m.ClientID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		Status:     string(m.Status),
		CreatedAt:  m.CreatedAt.UnixNano(),
	}
	if len(m.Attachments) > 0 {
		dbMessage.Attachments = make([]DBAttachment, len(m.Attachments))
		for i, a := range m.Attachments {
			dbMessage.Attachments[i] = DBAttachment(a)
		}
	}
	return dbMessage
}

func (m *DBMessage) toModel() models.Message {
	msg := models.Message{
		ID:         m.ID,
		ClientID:   m.ClientID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		Status:     models.MessageStatus(m.Status),
		CreatedAt:  time.Unix(0, m.CreatedAt).UTC(),
	}
	if len(m.Attachments) > 0 {
		msg.Attachments = make([]models.Attachment, len(m.Attachments))
		for i, a := range m.Attachments {
			msg.Attachments[i] = models.Attachment(a)
		}
	}
	return msg
}

// ErrDuplicateClientID is returned when a sender reuses a client id.
var ErrDuplicateClientID = errors.New("duplicate client id")

func clientIDKey(senderID, clientID string) []byte {
	return []byte(senderID + "/" + clientID)
}

func getDBMessage(tx *bbolt.Tx, id string) (DBMessage, error) {
	var dbMsg DBMessage
	data := tx.Bucket(bucketMessages).Get([]byte(id))
	if data == nil {
		return dbMsg, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	if err := dbMsg.UnmarshalBinary(data); err != nil {
		return dbMsg, fmt.Errorf("failed to unmarshal message %s: %w", id, err)
	}
	return dbMsg, nil
}

// InsertMessage saves a new message and indexes it under its conversation.
func (s *BboltStorage) InsertMessage(message models.Message) error {
	switch {
	case message.ID == "":
		return errors.New("message missing id")
	case message.SenderID == "" || message.ReceiverID == "":
		return errors.New("message missing sender or receiver")
	case !message.Status.Valid():
		return fmt.Errorf("invalid message status %q", message.Status)
	case message.CreatedAt.IsZero():
		return errors.New("message missing creation time")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		messages := tx.Bucket(bucketMessages)
		if messages.Get([]byte(message.ID)) != nil {
			return fmt.Errorf("message %s already exists", message.ID)
		}
		if message.ClientID != "" {
			clientIDs := tx.Bucket(bucketClientIDs)
			key := clientIDKey(message.SenderID, message.ClientID)
			if clientIDs.Get(key) != nil {
				return fmt.Errorf("client id %s: %w", message.ClientID, ErrDuplicateClientID)
			}
			if err := clientIDs.Put(key, []byte(message.ID)); err != nil {
				return fmt.Errorf("failed to index client id: %w", err)
			}
		}

		dbMessage := toDBMessage(message)
		if err := putRecord(messages, &dbMessage); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		topic := models.PairTopic(message.SenderID, message.ReceiverID)
		index, err := tx.Bucket(bucketConversations).CreateBucketIfNotExists([]byte(topic))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}
		return index.Put(dbMessage.IndexKey(), []byte(message.ID))
	})
}

// InsertAttachments appends attachments to an existing message.
func (s *BboltStorage) InsertAttachments(messageID string, attachments []models.Attachment) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbMsg, err := getDBMessage(tx, messageID)
		if err != nil {
			return err
		}
		for _, a := range attachments {
			dbMsg.Attachments = append(dbMsg.Attachments, DBAttachment(a))
		}
		return putRecord(tx.Bucket(bucketMessages), &dbMsg)
	})
}

// MessageByClientID returns the message senderID stored under clientID.
func (s *BboltStorage) MessageByClientID(senderID, clientID string) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketClientIDs).Get(clientIDKey(senderID, clientID))
		if id == nil {
			return fmt.Errorf("client id %s: %w", clientID, models.ErrNotFound)
		}
		dbMsg, err := getDBMessage(tx, string(id))
		if err != nil {
			return err
		}
		msg = dbMsg.toModel()
		return nil
	})
	return msg, err
}

func (s *BboltStorage) GetMessage(id string) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbMsg, err := getDBMessage(tx, id)
		if err != nil {
			return err
		}
		msg = dbMsg.toModel()
		return nil
	})
	return msg, err
}

// UpdateMessageStatus moves a message forward along sent -> delivered -> read.
// It reports false without error when the status would not advance.
func (s *BboltStorage) UpdateMessageStatus(id string, status models.MessageStatus) (models.Message, bool, error) {
	var (
		msg     models.Message
		changed bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbMsg, err := getDBMessage(tx, id)
		if err != nil {
			return err
		}
		if !models.MessageStatus(dbMsg.Status).Advances(status) {
			msg = dbMsg.toModel()
			return nil
		}
		dbMsg.Status = string(status)
		if err := putRecord(tx.Bucket(bucketMessages), &dbMsg); err != nil {
			return err
		}
		msg = dbMsg.toModel()
		changed = true
		return nil
	})
	return msg, changed, err
}

// MarkRead marks every message from senderID to receiverID that is not read
// yet as read and returns the updated messages.
func (s *BboltStorage) MarkRead(senderID, receiverID string) ([]models.Message, error) {
	var updated []models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket(bucketConversations).Bucket([]byte(models.PairTopic(senderID, receiverID)))
		if index == nil {
			return nil
		}
		messages := tx.Bucket(bucketMessages)

		var ids []string
		if err := index.ForEach(func(_, v []byte) error {
			ids = append(ids, string(v))
			return nil
		}); err != nil {
			return err
		}

		for _, id := range ids {
			dbMsg, err := getDBMessage(tx, id)
			if err != nil {
				return err
			}
			if dbMsg.SenderID != senderID || dbMsg.ReceiverID != receiverID {
				continue
			}
			if !models.MessageStatus(dbMsg.Status).Advances(models.MessageStatusRead) {
				continue
			}
			dbMsg.Status = string(models.MessageStatusRead)
			if err := putRecord(messages, &dbMsg); err != nil {
				return err
			}
			updated = append(updated, dbMsg.toModel())
		}
		return nil
	})
	return updated, err
}

// ListMessages returns the conversation between a and b, oldest first.
func (s *BboltStorage) ListMessages(a, b string) ([]models.Message, error) {
	messages := []models.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		index := tx.Bucket(bucketConversations).Bucket([]byte(models.PairTopic(a, b)))
		if index == nil {
			return nil // No messages for this pair
		}
		return index.ForEach(func(_, v []byte) error {
			dbMsg, err := getDBMessage(tx, string(v))
			if err != nil {
				return err
			}
			messages = append(messages, dbMsg.toModel())
			return nil
		})
	})
	return messages, err
}

// ListConversations returns the latest message of every conversation userID
// takes part in, newest first.
func (s *BboltStorage) ListConversations(userID string) ([]models.Message, error) {
	var latest []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		conversations := tx.Bucket(bucketConversations)
		return conversations.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil
			}
			parts := strings.Split(strings.TrimPrefix(string(k), "messages:"), ":")
			if len(parts) != 2 || (parts[0] != userID && parts[1] != userID) {
				return nil
			}
			_, id := conversations.Bucket(k).Cursor().Last()
			if id == nil {
				return nil
			}
			dbMsg, err := getDBMessage(tx, string(id))
			if err != nil {
				return err
			}
			latest = append(latest, dbMsg.toModel())
			return nil
		})
	})
	sort.Slice(latest, func(i, j int) bool {
		return latest[i].CreatedAt.After(latest[j].CreatedAt)
	})
	return latest, err
}
