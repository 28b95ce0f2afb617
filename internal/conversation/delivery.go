package conversation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"

	"offgrid/internal/content"
	"offgrid/internal/filestore"
	"offgrid/internal/models"

	"github.com/google/uuid"
)

// File is an attachment picked by the user.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// SendText appends an optimistic entry and sends it. The entry is
// confirmed in place on success or marked failed on error.
func (c *Conversation) SendText(ctx context.Context, text string) (models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Message{}, fmt.Errorf("%w: message is empty", ErrValidation)
	}

	req := models.SendMessageRequest{ReceiverID: c.cfg.PartnerID, Content: text}
	temp, err := c.addPending(req, nil)
	if err != nil {
		return models.Message{}, err
	}
	c.typing.Stop()
	return c.deliver(ctx, temp.ID, req)
}

// SendAttachment validates and uploads f, then sends a message carrying it.
// Nothing is added to the conversation when validation or upload fails.
func (c *Conversation) SendAttachment(ctx context.Context, f File) (models.Message, error) {
	if err := content.ValidateAttachment(f.ContentType, f.Size); err != nil {
		return models.Message{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	name := objectName(f.Name)
	if name == "" {
		return models.Message{}, fmt.Errorf("%w: file has no name", ErrValidation)
	}

	c.mu.Lock()
	self, closed := c.self.ID, c.closed
	c.mu.Unlock()
	if closed {
		return models.Message{}, ErrClosed
	}

	data, err := io.ReadAll(io.LimitReader(f.Body, content.MaxAttachmentSize+1))
	if err != nil {
		return models.Message{}, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	if err := content.ValidateAttachment(f.ContentType, int64(len(data))); err != nil {
		return models.Message{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	objectPath := fmt.Sprintf("%s/%d_%s", self, c.now().UnixMilli(), name)
	bucket, err := c.upload(ctx, objectPath, data)
	if err != nil {
		c.notice("Failed to upload "+f.Name, err)
		return models.Message{}, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	ref := models.AttachmentRef{
		Bucket: bucket,
		Path:   objectPath,
		Type:   f.ContentType,
		Name:   f.Name,
		Size:   int64(len(data)),
	}
	req := models.SendMessageRequest{ReceiverID: c.cfg.PartnerID, Attachments: []models.AttachmentRef{ref}}
	attachments := []models.Attachment{{URL: objectPath, Type: ref.Type, Name: ref.Name, Size: ref.Size}}

	temp, err := c.addPending(req, attachments)
	if err != nil {
		return models.Message{}, err
	}
	return c.deliver(ctx, temp.ID, req)
}

// upload writes to the attachments bucket and falls back once when that
// bucket does not exist.
func (c *Conversation) upload(ctx context.Context, objectPath string, data []byte) (string, error) {
	bucket := c.cfg.AttachmentsBucket
	err := c.backend.UploadObject(ctx, bucket, objectPath, bytes.NewReader(data))
	if errors.Is(err, filestore.ErrBucketNotFound) && c.cfg.FallbackBucket != bucket {
		c.log.Warn().Str("bucket", bucket).Str("fallback", c.cfg.FallbackBucket).Msg("bucket not found, using fallback")
		bucket = c.cfg.FallbackBucket
		err = c.backend.UploadObject(ctx, bucket, objectPath, bytes.NewReader(data))
	}
	if err != nil {
		return "", err
	}
	return bucket, nil
}

// Retry resends a failed message. On success the entry takes the new
// authoritative id in place.
func (c *Conversation) Retry(ctx context.Context, id string) (models.Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return models.Message{}, ErrClosed
	}
	i := c.index(id)
	req, ok := c.pending[id]
	if i < 0 || !ok || c.messages[i].Status != models.MessageStatusFailed {
		c.mu.Unlock()
		return models.Message{}, fmt.Errorf("%w: message %s cannot be retried", ErrValidation, id)
	}
	c.messages[i].Status = models.MessageStatusSending
	c.mu.Unlock()

	c.bus.Publish(MessagesChanged{})
	return c.deliver(ctx, id, req)
}

func (c *Conversation) addPending(req models.SendMessageRequest, attachments []models.Attachment) (models.Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return models.Message{}, ErrClosed
	}
	temp := models.Message{
		ID:          models.TempIDPrefix + uuid.NewString(),
		Content:     req.Content,
		CreatedAt:   c.now(),
		SenderID:    c.self.ID,
		ReceiverID:  c.cfg.PartnerID,
		Status:      models.MessageStatusSending,
		Attachments: attachments,
	}
	c.messages = append(c.messages, temp)
	c.pending[temp.ID] = req
	c.mu.Unlock()

	c.bus.Publish(MessagesChanged{})
	return temp.Clone(), nil
}

func (c *Conversation) deliver(ctx context.Context, tempID string, req models.SendMessageRequest) (models.Message, error) {
	req.ClientID = tempID
	msg, err := c.backend.SendMessage(ctx, req)
	if err != nil {
		c.fail(tempID, err)
		return models.Message{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if msg.Status == "" {
		msg.Status = models.MessageStatusSent
	}
	c.confirm(tempID, msg)
	return msg, nil
}

// confirm applies the send response for the temporary entry tempID:
//
//	temp present, id absent:  replace in place
//	temp present, id present: the feed row takes the temp's position
//	temp absent,  id absent:  append
//	temp absent,  id present: keep, only advance the status
func (c *Conversation) confirm(tempID string, msg models.Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	delete(c.pending, tempID)

	var events []Event
	ti, mi := c.index(tempID), c.index(msg.ID)
	switch {
	case ti >= 0 && mi < 0:
		c.messages[ti] = msg.Clone()
		events = append(events, MessageReplaced{OldID: tempID, NewID: msg.ID})
	case ti >= 0:
		row := c.messages[mi]
		if row.Status.Advances(msg.Status) {
			row.Status = msg.Status
		}
		c.messages[ti] = row
		c.messages = slices.Delete(c.messages, mi, mi+1)
		events = append(events, MessageReplaced{OldID: tempID, NewID: msg.ID})
	case mi < 0:
		c.messages = append(c.messages, msg.Clone())
	default:
		if !c.messages[mi].Status.Advances(msg.Status) {
			c.mu.Unlock()
			return
		}
		c.messages[mi].Status = msg.Status
	}
	c.mu.Unlock()

	c.bus.Publish(append(events, MessagesChanged{})...)
}

func (c *Conversation) fail(tempID string, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	i := c.index(tempID)
	if i >= 0 {
		c.messages[i].Status = models.MessageStatusFailed
	}
	c.mu.Unlock()

	c.log.Warn().Err(err).Str("message_id", tempID).Msg("failed to send message")
	if i >= 0 {
		c.bus.Publish(MessageFailed{ID: tempID, Err: err}, MessagesChanged{})
	}
	c.notice("Failed to send message", err)
}

// objectName keeps the base name and drops characters object paths reject.
func objectName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	name = strings.Map(func(r rune) rune {
		switch {
		case r == 0, r == '/':
			return -1
		case r == ' ':
			return '_'
		}
		return r
	}, name)
	if name == "." || name == ".." || name == "/" {
		return ""
	}
	return name
}
