package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"offgrid/internal/backend"
	"offgrid/internal/logging"
	"offgrid/internal/models"
)

const (
	DefaultAttachmentsBucket = "attachments"
	DefaultFallbackBucket    = "avatars"
)

// Backend is everything a conversation needs from the offgrid service.
// *backend.Client implements it.
type Backend interface {
	CurrentUser(ctx context.Context) (models.User, error)
	GetProfile(ctx context.Context, userID string) (models.User, error)
	QueryMessages(ctx context.Context, partnerID string) ([]models.Message, error)
	SendMessage(ctx context.Context, req models.SendMessageRequest) (models.Message, error)
	MarkDelivered(ctx context.Context, messageID string) error
	UploadObject(ctx context.Context, bucket, objectPath string, body io.Reader) error
	SubscribeChanges(ctx context.Context, partnerID string, handler backend.ChangeHandler) (func(), error)
	SubscribeBroadcast(ctx context.Context, channel string, handler backend.BroadcastHandler) (func(), error)
	PublishBroadcast(ctx context.Context, channel, event string, payload any) error
}

type Config struct {
	PartnerID         string
	AttachmentsBucket string
	FallbackBucket    string
	TypingInterval    time.Duration
	TypingIdle        time.Duration
}

func (c *Config) setDefaults() {
	if c.AttachmentsBucket == "" {
		c.AttachmentsBucket = DefaultAttachmentsBucket
	}
	if c.FallbackBucket == "" {
		c.FallbackBucket = DefaultFallbackBucket
	}
	if c.TypingInterval <= 0 {
		c.TypingInterval = DefaultTypingInterval
	}
	if c.TypingIdle <= 0 {
		c.TypingIdle = DefaultTypingIdle
	}
}

// Conversation holds the messages exchanged with one partner together with
// the partner's typing and presence state.
type Conversation struct {
	cfg     Config
	backend Backend
	log     *logging.Logger
	bus     *Bus

	now       func() time.Time
	afterFunc func(time.Duration, func()) timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	typing *typingSignaler

	// serializes Open
	openMu sync.Mutex

	mu            sync.Mutex
	self          models.User
	partner       models.User
	messages      []models.Message
	pending       map[string]models.SendMessageRequest
	partnerTyping bool
	partnerTimer  timer
	presence      Presence
	unsubscribe   []func()
	opened        bool
	closed        bool
}

func New(b Backend, cfg Config, log *logging.Logger) *Conversation {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conversation{
		cfg:       cfg,
		backend:   b,
		log:       log.Sub("conversation").With("partner_id", cfg.PartnerID),
		bus:       NewBus(),
		now:       time.Now,
		afterFunc: realAfterFunc,
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]models.SendMessageRequest),
	}
	c.typing = newTypingSignaler(cfg.TypingInterval, cfg.TypingIdle, c.publishTyping,
		func() time.Time { return c.now() },
		func(d time.Duration, f func()) timer { return c.afterFunc(d, f) })
	return c
}

// Events returns the bus carrying this conversation's notifications.
func (c *Conversation) Events() *Bus {
	return c.bus
}

// Open resolves the current user, subscribes to the pair's change feed and
// the partner's typing and presence channels, then loads the history.
// A failed Open leaves nothing subscribed and may be called again.
func (c *Conversation) Open(ctx context.Context) error {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	c.mu.Lock()
	closed, opened := c.closed, c.opened
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if opened {
		return nil
	}

	self, err := c.backend.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthenticationRequired, err)
	}
	if self.ID == c.cfg.PartnerID {
		return fmt.Errorf("%w: cannot open a conversation with yourself", ErrValidation)
	}
	c.mu.Lock()
	c.self = self
	c.mu.Unlock()

	subs := []struct {
		name string
		fn   func() (func(), error)
	}{
		{"changes", func() (func(), error) {
			return c.backend.SubscribeChanges(ctx, c.cfg.PartnerID, c.handleChange)
		}},
		{"typing", func() (func(), error) {
			return c.backend.SubscribeBroadcast(ctx, models.TypingChannel(c.cfg.PartnerID, self.ID), c.handleTyping)
		}},
		{"presence", func() (func(), error) {
			return c.backend.SubscribeBroadcast(ctx, models.PresenceChannel(c.cfg.PartnerID), c.handlePresence)
		}},
	}
	for _, s := range subs {
		unsub, err := s.fn()
		if err != nil {
			c.dropSubscriptions()
			return fmt.Errorf("%w: subscribe %s: %w", ErrLoadFailed, s.name, err)
		}
		c.mu.Lock()
		c.unsubscribe = append(c.unsubscribe, unsub)
		c.mu.Unlock()
	}

	if err := c.Load(ctx); err != nil {
		c.dropSubscriptions()
		return err
	}

	c.mu.Lock()
	c.opened = true
	c.mu.Unlock()
	return nil
}

// Load fetches the full history and the partner profile and replaces the
// in-memory state with them.
func (c *Conversation) Load(ctx context.Context) error {
	history, err := c.backend.QueryMessages(ctx, c.cfg.PartnerID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	partner, err := c.backend.GetProfile(ctx, c.cfg.PartnerID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}

	messages := make([]models.Message, 0, len(history))
	seen := make(map[string]bool, len(history))
	for _, m := range history {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		messages = append(messages, m.Clone())
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.partner = partner
	c.messages = messages
	c.pending = make(map[string]models.SendMessageRequest)
	c.mu.Unlock()

	c.log.Debug().Int("messages", len(messages)).Msg("conversation loaded")
	c.bus.Publish(MessagesChanged{})
	return nil
}

// Messages returns a snapshot of the conversation, oldest first.
func (c *Conversation) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = m.Clone()
	}
	return out
}

func (c *Conversation) Self() models.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

func (c *Conversation) Partner() models.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partner
}

func (c *Conversation) PartnerTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partnerTyping
}

func (c *Conversation) PartnerPresence() Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence
}

// Keystroke reports local input activity to the partner.
func (c *Conversation) Keystroke() {
	c.typing.Keystroke()
}

func (c *Conversation) publishTyping(event string) {
	c.mu.Lock()
	self := c.self.ID
	c.mu.Unlock()

	signal := models.TypingSignal{
		UserID:       self,
		TargetUserID: c.cfg.PartnerID,
		IsTyping:     event == models.EventTyping,
	}
	err := c.backend.PublishBroadcast(c.ctx, models.TypingChannel(self, c.cfg.PartnerID), event, signal)
	if err != nil {
		c.log.Debug().Err(err).Str("event", event).Msg("failed to publish typing signal")
	}
}

// Close emits a final stopped_typing if needed, tears down every
// subscription and timer and abandons in-flight sends.
func (c *Conversation) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.typing.Close()

	c.mu.Lock()
	c.closed = true
	if c.partnerTimer != nil {
		c.partnerTimer.Stop()
		c.partnerTimer = nil
	}
	c.mu.Unlock()

	c.dropSubscriptions()
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Conversation) dropSubscriptions() {
	c.mu.Lock()
	unsubs := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// index returns the position of the message with id or -1.
// Callers hold c.mu.
func (c *Conversation) index(id string) int {
	for i := range c.messages {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Conversation) notice(text string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	c.bus.Publish(Notice{Text: text, Err: err})
}
