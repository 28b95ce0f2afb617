package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"offgrid/internal/logging"
	"offgrid/internal/metrics"
	"offgrid/internal/models"

	"github.com/google/uuid"
)

const (
	DefaultPresenceTTL = 45 * time.Second
	sessionQueueSize   = 100
)

var (
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidFrame = errors.New("invalid frame")
)

// Session is one websocket connection of a user.
type Session struct {
	ID     string
	UserID string

	send   chan models.ServerFrame
	topics map[string]struct{}
}

// Frames returns the outbound queue of the session. It is closed on Leave.
func (s *Session) Frames() <-chan models.ServerFrame {
	return s.send
}

type presenceState struct {
	sessions int
	online   bool
	lastSeen time.Time
}

type Config struct {
	PresenceTTL time.Duration
}

// Hub routes change feed events and broadcast channel events to the
// sessions subscribed to them and tracks who is online.
type Hub struct {
	Config
	log     *logging.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
	// topic -> session id -> session
	topics   map[string]map[string]*Session
	presence map[string]*presenceState

	now func() time.Time
}

func NewHub(config Config, log *logging.Logger, m *metrics.Metrics) *Hub {
	if config.PresenceTTL <= 0 {
		config.PresenceTTL = DefaultPresenceTTL
	}
	return &Hub{
		Config:   config,
		log:      log.Sub("realtime"),
		metrics:  m,
		sessions: make(map[string]*Session),
		topics:   make(map[string]map[string]*Session),
		presence: make(map[string]*presenceState),
		now:      time.Now,
	}
}

// Run expires presence of users that stopped sending heartbeats until ctx
// is done.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.PresenceTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.sweep()
		case <-ctx.Done():
			return nil
		}
	}
}

func (h *Hub) sweep() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	for userID, st := range h.presence {
		if st.online && now.Sub(st.lastSeen) > h.PresenceTTL {
			h.log.Debug().Str("user_id", userID).Msg("presence expired")
			h.setOnline(userID, st, false)
		}
	}
}

func (h *Hub) Join(userID string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		send:   make(chan models.ServerFrame, sessionQueueSize),
		topics: make(map[string]struct{}),
	}
	h.sessions[s.ID] = s
	h.metrics.Sessions.Inc()

	st := h.presenceOf(userID)
	st.sessions++
	st.lastSeen = h.now()
	if !st.online {
		h.setOnline(userID, st, true)
	}

	h.log.Debug().Str("user_id", userID).Str("session_id", s.ID).Msg("session joined")
	return s
}

func (h *Hub) Leave(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessions[s.ID]; !ok {
		return
	}
	delete(h.sessions, s.ID)
	h.metrics.Sessions.Dec()

	for topic := range s.topics {
		h.unsubscribe(s, topic)
	}
	close(s.send)

	st := h.presenceOf(s.UserID)
	st.sessions--
	st.lastSeen = h.now()
	if st.sessions <= 0 {
		st.sessions = 0
		if st.online {
			h.setOnline(s.UserID, st, false)
		}
	}

	h.log.Debug().Str("user_id", s.UserID).Str("session_id", s.ID).Msg("session left")
}

// Dispatch executes one client frame on behalf of the session.
func (h *Hub) Dispatch(s *Session, frame models.ClientFrame) error {
	switch frame.Type {
	case models.ClientFrameSubscribeChanges:
		return h.SubscribeChanges(s, frame.Topic)
	case models.ClientFrameSubscribe:
		return h.Subscribe(s, frame.Topic)
	case models.ClientFrameUnsubscribe:
		h.Unsubscribe(s, frame.Topic)
		return nil
	case models.ClientFramePublish:
		return h.Publish(s, frame.Topic, frame.Event, frame.Payload)
	case models.ClientFrameHeartbeat:
		h.Heartbeat(s)
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, frame.Type)
	}
}

// SubscribeChanges subscribes the session to the messages feed of the pair
// made of its user and partnerID.
func (h *Hub) SubscribeChanges(s *Session, partnerID string) error {
	if partnerID == "" {
		return fmt.Errorf("%w: missing partner", ErrInvalidFrame)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subscribe(s, models.PairTopic(s.UserID, partnerID))
	return nil
}

// Subscribe joins a broadcast channel. A typing channel may only be joined
// by one of its two users. Presence channels are open to everyone.
func (h *Hub) Subscribe(s *Session, channel string) error {
	if from, to, ok := models.ParseTypingChannel(channel); ok {
		if s.UserID != from && s.UserID != to {
			return fmt.Errorf("%w: %s", ErrForbidden, channel)
		}
		h.mu.Lock()
		h.subscribe(s, channel)
		h.mu.Unlock()
		return nil
	}

	if userID, ok := models.ParsePresenceChannel(channel); ok {
		h.mu.Lock()
		defer h.mu.Unlock()

		h.subscribe(s, channel)
		// New subscribers learn the current state right away.
		st, known := h.presence[userID]
		h.deliver(s, presenceFrame(userID, known && st.online))
		return nil
	}

	return fmt.Errorf("%w: unknown channel %q", ErrInvalidFrame, channel)
}

func (h *Hub) Unsubscribe(s *Session, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.unsubscribe(s, topic)
}

// Publish sends a client event to a typing channel. Only the typing user
// may publish on it and the signal is stamped with the caller's id.
func (h *Hub) Publish(s *Session, channel, event string, payload json.RawMessage) error {
	from, to, ok := models.ParseTypingChannel(channel)
	if !ok || from != s.UserID {
		return fmt.Errorf("%w: %s", ErrForbidden, channel)
	}
	if event != models.EventTyping && event != models.EventStoppedTyping {
		return fmt.Errorf("%w: unknown event %q", ErrInvalidFrame, event)
	}

	var signal models.TypingSignal
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &signal); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidFrame, err)
		}
	}
	if signal.UserID != "" && signal.UserID != s.UserID {
		return fmt.Errorf("%w: signal user mismatch", ErrForbidden)
	}
	signal.UserID = from
	signal.TargetUserID = to
	signal.IsTyping = event == models.EventTyping

	data, err := json.Marshal(signal)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	h.broadcast(channel, event, data, s)
	return nil
}

// Heartbeat refreshes the presence of the session's user.
func (h *Hub) Heartbeat(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.presenceOf(s.UserID)
	st.lastSeen = h.now()
	if !st.online && st.sessions > 0 {
		h.setOnline(s.UserID, st, true)
	}
}

// PublishChange fans a messages change out to the sessions subscribed to
// the pair of the message.
func (h *Hub) PublishChange(kind models.ChangeKind, message models.Message) {
	topic := models.PairTopic(message.SenderID, message.ReceiverID)
	frame := models.ServerFrame{
		Type:    models.ServerFrameChange,
		Topic:   topic,
		Event:   string(kind),
		Message: &message,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, s := range h.topics[topic] {
		h.deliver(s, frame)
	}
}

// IsOnline reports whether the user has a live session.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st, ok := h.presence[userID]
	return ok && st.online
}

// Presence returns the presence of the user as shown in profiles.
func (h *Hub) Presence(userID string) models.Presence {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st, ok := h.presence[userID]
	if !ok {
		return models.Presence{}
	}
	return models.Presence{
		Online:   st.online,
		LastSeen: st.lastSeen.Unix(),
	}
}

func (h *Hub) presenceOf(userID string) *presenceState {
	st, ok := h.presence[userID]
	if !ok {
		st = &presenceState{}
		h.presence[userID] = st
	}
	return st
}

// setOnline must be called with the write lock held.
func (h *Hub) setOnline(userID string, st *presenceState, online bool) {
	st.online = online
	if online {
		h.metrics.OnlineUsers.Inc()
	} else {
		h.metrics.OnlineUsers.Dec()
	}

	frame := presenceFrame(userID, online)
	h.broadcast(frame.Topic, frame.Event, frame.Payload, nil)
}

func presenceFrame(userID string, online bool) models.ServerFrame {
	data, _ := json.Marshal(models.PresenceSignal{UserID: userID, Online: online})
	return models.ServerFrame{
		Type:    models.ServerFrameBroadcast,
		Topic:   models.PresenceChannel(userID),
		Event:   models.EventPresence,
		Payload: data,
	}
}

func (h *Hub) subscribe(s *Session, topic string) {
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]*Session)
		h.topics[topic] = subs
	}
	subs[s.ID] = s
	s.topics[topic] = struct{}{}
}

func (h *Hub) unsubscribe(s *Session, topic string) {
	delete(s.topics, topic)
	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(subs, s.ID)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

// broadcast delivers to every subscriber of channel except the sender.
func (h *Hub) broadcast(channel, event string, payload json.RawMessage, sender *Session) {
	frame := models.ServerFrame{
		Type:    models.ServerFrameBroadcast,
		Topic:   channel,
		Event:   event,
		Payload: payload,
	}
	h.metrics.Broadcasts.WithLabelValues(event).Inc()

	for id, s := range h.topics[channel] {
		if sender != nil && id == sender.ID {
			continue
		}
		h.deliver(s, frame)
	}
}

func (h *Hub) deliver(s *Session, frame models.ServerFrame) {
	select {
	case s.send <- frame:
	default:
		h.metrics.DroppedFrames.Inc()
		h.log.Warn().
			Str("session_id", s.ID).
			Str("topic", frame.Topic).
			Msg("session queue full, frame dropped")
	}
}
