package messaging

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"offgrid/internal/content"
	"offgrid/internal/filestore"
	"offgrid/internal/logging"
	"offgrid/internal/metrics"
	"offgrid/internal/models"
	"offgrid/internal/storage"

	"github.com/google/uuid"
)

const maxClientIDLen = 64

var (
	ErrValidation = errors.New("invalid message")
	ErrForbidden  = errors.New("forbidden")
)

type Store interface {
	InsertMessage(message models.Message) error
	InsertAttachments(messageID string, attachments []models.Attachment) error
	GetMessage(id string) (models.Message, error)
	UpdateMessageStatus(id string, status models.MessageStatus) (models.Message, bool, error)
	MarkRead(senderID, receiverID string) ([]models.Message, error)
	ListMessages(a, b string) ([]models.Message, error)
	ListConversations(userID string) ([]models.Message, error)
	MessageByClientID(senderID, clientID string) (models.Message, error)
	UpsertObjectMetadata(meta storage.ObjectMetadata) error
	GetObjectMetadata(bucket, path string) (storage.ObjectMetadata, error)
}

type Users interface {
	GetUser(id string) (models.User, error)
}

// Publisher is the realtime side: change feed fan-out and presence lookups.
type Publisher interface {
	PublishChange(kind models.ChangeKind, message models.Message)
	IsOnline(userID string) bool
	Presence(userID string) models.Presence
}

type Notifier interface {
	NotifyMessage(ctx context.Context, msg models.Message, senderName string) error
}

type Config struct {
	BaseURL       string
	PublicBuckets []string
	SignedURLTTL  time.Duration
}

type Service struct {
	Config
	store    Store
	users    Users
	hub      Publisher
	notifier Notifier
	files    filestore.FileStore
	signer   *filestore.Signer
	log      *logging.Logger
	metrics  *metrics.Metrics

	// background push deliveries
	wg sync.WaitGroup

	now func() time.Time
}

func NewService(
	config Config,
	store Store,
	users Users,
	hub Publisher,
	notifier Notifier,
	files filestore.FileStore,
	signer *filestore.Signer,
	log *logging.Logger,
	m *metrics.Metrics,
) *Service {
	if config.SignedURLTTL <= 0 {
		config.SignedURLTTL = time.Hour
	}
	return &Service{
		Config:   config,
		store:    store,
		users:    users,
		hub:      hub,
		notifier: notifier,
		files:    files,
		signer:   signer,
		log:      log.Sub("messaging"),
		metrics:  m,
		now:      time.Now,
	}
}

// Send stores a new message from senderID, links its attachments, marks
// the partner's messages read and announces the change to both sides.
// Attachments of a text message are best effort: a failure there does not
// fail the send. A message needs text or at least one attachment that
// resolves. Resending a client id returns the message already stored for
// it.
func (s *Service) Send(ctx context.Context, senderID string, req models.SendMessageRequest) (models.Message, error) {
	text := strings.TrimSpace(req.Content)
	if text == "" && len(req.Attachments) == 0 {
		return models.Message{}, fmt.Errorf("%w: message cannot be empty", ErrValidation)
	}
	if req.ReceiverID == "" || req.ReceiverID == senderID {
		return models.Message{}, fmt.Errorf("%w: invalid receiver", ErrValidation)
	}
	sender, err := s.users.GetUser(senderID)
	if err != nil {
		return models.Message{}, fmt.Errorf("sender: %w", err)
	}
	if _, err := s.users.GetUser(req.ReceiverID); err != nil {
		return models.Message{}, fmt.Errorf("%w: unknown receiver", ErrValidation)
	}

	cid := clientID(req.ClientID)
	if cid != "" {
		existing, err := s.store.MessageByClientID(senderID, cid)
		switch {
		case err == nil:
			return s.resent(existing, req)
		case !errors.Is(err, models.ErrNotFound):
			return models.Message{}, fmt.Errorf("failed to look up client id: %w", err)
		}
	}

	atts := s.resolveAttachments(senderID, req.Attachments)
	if text == "" && len(atts) == 0 {
		return models.Message{}, fmt.Errorf("%w: no attachment could be resolved", ErrValidation)
	}

	msg := models.Message{
		ID:         uuid.NewString(),
		ClientID:   cid,
		Content:    text,
		CreatedAt:  s.now().UTC(),
		SenderID:   senderID,
		ReceiverID: req.ReceiverID,
		Status:     models.MessageStatusSent,
	}
	// Without text the attachments are the message and are stored with it.
	if text == "" {
		msg.Attachments = atts
	}
	if err := s.store.InsertMessage(msg); err != nil {
		if errors.Is(err, storage.ErrDuplicateClientID) {
			if existing, lookupErr := s.store.MessageByClientID(senderID, cid); lookupErr == nil {
				return s.resent(existing, req)
			}
		}
		return models.Message{}, fmt.Errorf("failed to send message: %w", err)
	}
	s.metrics.MessagesSent.Inc()

	if text == "" {
		s.metrics.AttachmentsStored.Add(float64(len(atts)))
	} else if len(atts) > 0 {
		if err := s.store.InsertAttachments(msg.ID, atts); err != nil {
			s.log.Error().Str("message_id", msg.ID).Err(err).Msg("failed to insert attachments")
		} else {
			msg.Attachments = atts
			s.metrics.AttachmentsStored.Add(float64(len(atts)))
		}
	}

	out := s.decorate(msg)
	s.hub.PublishChange(models.ChangeInsert, out)

	// Replying means the partner's messages have been seen.
	read, err := s.store.MarkRead(req.ReceiverID, senderID)
	if err != nil {
		s.log.Error().Str("sender_id", req.ReceiverID).Err(err).Msg("failed to mark messages read on reply")
	}
	for _, m := range read {
		s.metrics.StatusUpdates.WithLabelValues(string(models.MessageStatusRead)).Inc()
		s.hub.PublishChange(models.ChangeUpdate, s.decorate(m))
	}

	if s.notifier != nil && !s.hub.IsOnline(req.ReceiverID) {
		pushCtx := context.WithoutCancel(ctx)
		s.wg.Go(func() {
			if err := s.notifier.NotifyMessage(pushCtx, msg, sender.DisplayName); err != nil {
				s.log.Warn().Str("message_id", msg.ID).Err(err).Msg("push notification failed")
			}
		})
	}

	return out, nil
}

// Wait blocks until background push deliveries are finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// MarkDelivered is the receiver's acknowledgement that a message arrived.
func (s *Service) MarkDelivered(ctx context.Context, userID, messageID string) (models.Message, error) {
	msg, err := s.store.GetMessage(messageID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.ReceiverID != userID {
		return models.Message{}, fmt.Errorf("%w: not the receiver of %s", ErrForbidden, messageID)
	}

	updated, changed, err := s.store.UpdateMessageStatus(messageID, models.MessageStatusDelivered)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to mark delivered: %w", err)
	}
	out := s.decorate(updated)
	if changed {
		s.metrics.StatusUpdates.WithLabelValues(string(models.MessageStatusDelivered)).Inc()
		s.hub.PublishChange(models.ChangeUpdate, out)
	}
	return out, nil
}

// History returns the conversation of userID with partnerID, oldest first.
func (s *Service) History(ctx context.Context, userID, partnerID string) ([]models.Message, error) {
	if partnerID == "" {
		return nil, fmt.Errorf("%w: missing partner", ErrValidation)
	}
	messages, err := s.store.ListMessages(userID, partnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	for i := range messages {
		messages[i] = s.decorate(messages[i])
	}
	return messages, nil
}

// Conversations lists the latest message exchanged with every partner of
// userID, newest first.
func (s *Service) Conversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	latest, err := s.store.ListConversations(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversations: %w", err)
	}

	summaries := make([]models.ConversationSummary, 0, len(latest))
	for _, m := range latest {
		partnerID := m.Partner(userID)
		partner, err := s.Profile(partnerID)
		if err != nil {
			s.log.Warn().Str("partner_id", partnerID).Err(err).Msg("conversation partner missing")
			continue
		}
		summaries = append(summaries, models.ConversationSummary{
			PartnerID:   partnerID,
			Partner:     partner,
			LastMessage: s.decorate(m),
		})
	}
	return summaries, nil
}

// Profile returns the user with live presence filled in.
func (s *Service) Profile(userID string) (models.User, error) {
	user, err := s.users.GetUser(userID)
	if err != nil {
		return models.User{}, err
	}
	user.Presence = s.hub.Presence(userID)
	return user, nil
}

// resent answers a send whose client id is already stored.
func (s *Service) resent(existing models.Message, req models.SendMessageRequest) (models.Message, error) {
	if existing.ReceiverID != req.ReceiverID {
		return models.Message{}, fmt.Errorf("%w: client id %s already used for another receiver", ErrValidation, existing.ClientID)
	}
	s.log.Debug().Str("message_id", existing.ID).Str("client_id", existing.ClientID).Msg("duplicate send, returning stored message")
	return s.decorate(existing), nil
}

// clientID drops sender supplied ids that are not temporary ids.
func clientID(id string) string {
	if !models.IsTempID(id) || len(id) > maxClientIDLen {
		return ""
	}
	return id
}

func (s *Service) resolveAttachments(senderID string, refs []models.AttachmentRef) []models.Attachment {
	atts := make([]models.Attachment, 0, len(refs))
	for _, ref := range refs {
		att := models.Attachment{
			URL:  ref.URL,
			Type: ref.Type,
			Name: ref.Name,
			Size: ref.Size,
		}

		if att.URL == "" {
			if ref.Bucket == "" || ref.Path == "" {
				s.log.Warn().Str("name", ref.Name).Msg("attachment without url or object reference skipped")
				continue
			}
			meta, err := s.store.GetObjectMetadata(ref.Bucket, ref.Path)
			if err != nil {
				s.log.Warn().Str("bucket", ref.Bucket).Str("path", ref.Path).Err(err).Msg("attachment object not found")
				continue
			}
			if meta.UserID != senderID {
				s.log.Warn().Str("bucket", ref.Bucket).Str("path", ref.Path).Msg("attachment object owned by another user")
				continue
			}
			att.Bucket = ref.Bucket
			att.Path = ref.Path
			if att.Type == "" {
				att.Type = meta.MimeType
			}
			if att.Size == 0 {
				att.Size = meta.Size
			}
			if att.Name == "" {
				att.Name = path.Base(ref.Path)
			}
		}

		atts = append(atts, att)
	}
	return atts
}

// decorate prepares a stored message for clients: rendered HTML and
// fresh access URLs for objects in the local store.
func (s *Service) decorate(msg models.Message) models.Message {
	msg = msg.Clone()
	if msg.Content != "" {
		html, err := content.Render(msg.Content)
		if err != nil {
			s.log.Warn().Str("message_id", msg.ID).Err(err).Msg("failed to render message")
		}
		msg.HTML = html
	}
	for i, a := range msg.Attachments {
		if a.Bucket != "" && a.Path != "" {
			msg.Attachments[i].URL = s.objectURL(a.Bucket, a.Path)
		}
	}
	return msg
}

func (s *Service) objectURL(bucket, objectPath string) string {
	if slices.Contains(s.PublicBuckets, bucket) {
		return filestore.PublicURL(s.BaseURL, bucket, objectPath)
	}
	return s.signer.SignedURL(s.BaseURL, bucket, objectPath, s.SignedURLTTL)
}
