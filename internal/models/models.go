package models

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// TempIDPrefix marks message ids generated locally before the backend
// assigned an authoritative one.
const TempIDPrefix = "temp-"

// IsTempID reports whether id is a locally generated temporary id.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// User represents a user in the system.
type User struct {
	ID          string   `json:"id"`
	UserName    string   `json:"userName"`
	DisplayName string   `json:"displayName"`
	Bio         string   `json:"bio,omitempty"`
	AvatarURL   string   `json:"avatarUrl,omitempty"`
	Presence    Presence `json:"presence"`
}

// Presence represents the online status of a user.
type Presence struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"lastSeen"` // Unix timestamp (seconds)
}

type MessageStatus string

const (
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// rank orders the statuses an authoritative message moves through.
// Local-only statuses rank below all of them.
func (s MessageStatus) rank() int {
	switch s {
	case MessageStatusSent:
		return 1
	case MessageStatusDelivered:
		return 2
	case MessageStatusRead:
		return 3
	default:
		return 0
	}
}

// Advances reports whether moving from s to next goes forward along
// sent -> delivered -> read.
func (s MessageStatus) Advances(next MessageStatus) bool {
	return next.rank() > s.rank()
}

func (s MessageStatus) Valid() bool {
	switch s {
	case MessageStatusSending, MessageStatusSent, MessageStatusDelivered, MessageStatusRead, MessageStatusFailed:
		return true
	}
	return false
}

// Message represents one direct message between two users.
type Message struct {
	ID          string        `json:"id"`
	// ClientID echoes the temporary id the sending client attached.
	ClientID    string        `json:"clientId,omitempty"`
	Content     string        `json:"content"`
	HTML        string        `json:"html,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	SenderID    string        `json:"senderId"`
	ReceiverID  string        `json:"receiverId"`
	Status      MessageStatus `json:"status"`
	Attachments []Attachment  `json:"attachments,omitempty"`
}

// Partner returns the other side of the message from userID's point of view.
func (m Message) Partner(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// FirstAttachmentName returns the name of the first attachment or "".
func (m Message) FirstAttachmentName() string {
	if len(m.Attachments) == 0 {
		return ""
	}
	return m.Attachments[0].Name
}

// Clone returns a copy that does not share the attachments slice.
func (m Message) Clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return m
}

// Attachment is a file reference owned by exactly one message.
type Attachment struct {
	URL  string `json:"url"`
	Type string `json:"type"`
	Name string `json:"name"`
	Size int64  `json:"size,omitempty"`

	// Set for objects in the server's own store. Signed URLs are minted
	// from them again whenever the message is served.
	Bucket string `json:"-"`
	Path   string `json:"-"`
}

// AttachmentRef is what a sender hands to the backend: either a ready URL
// or a bucket and path the server turns into an access URL.
type AttachmentRef struct {
	URL    string `json:"url,omitempty"`
	Bucket string `json:"bucket,omitempty"`
	Path   string `json:"path,omitempty"`
	Type   string `json:"type"`
	Name   string `json:"name"`
	Size   int64  `json:"size,omitempty"`
}

// SendMessageRequest is the body of POST /api/messages.
type SendMessageRequest struct {
	ClientID    string          `json:"clientId,omitempty"`
	ReceiverID  string          `json:"receiverId"`
	Content     string          `json:"content"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
}

// ConversationSummary is the latest message exchanged with one partner.
type ConversationSummary struct {
	PartnerID   string  `json:"partnerId"`
	Partner     User    `json:"partner"`
	LastMessage Message `json:"lastMessage"`
}

// TypingSignal is never stored, it only travels over broadcast channels.
type TypingSignal struct {
	UserID       string `json:"user_id"`
	TargetUserID string `json:"to"`
	IsTyping     bool   `json:"isTyping"`
}

type PresenceSignal struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
)

// ChangeEvent is a row-level notification from the messages change feed.
type ChangeEvent struct {
	Kind    ChangeKind `json:"kind"`
	Message Message    `json:"message"`
}

// Broadcast event names.
const (
	EventTyping        = "typing"
	EventStoppedTyping = "stopped_typing"
	EventPresence      = "presence"
)

const (
	typingChannelPrefix   = "typing:"
	presenceChannelPrefix = "presence:"
)

// TypingChannel names the channel fromUserID publishes its typing state on.
func TypingChannel(fromUserID, toUserID string) string {
	return typingChannelPrefix + fromUserID + ":" + toUserID
}

// ParseTypingChannel is the inverse of TypingChannel.
func ParseTypingChannel(channel string) (from, to string, ok bool) {
	rest, found := strings.CutPrefix(channel, typingChannelPrefix)
	if !found {
		return "", "", false
	}
	from, to, ok = strings.Cut(rest, ":")
	if !ok || from == "" || to == "" {
		return "", "", false
	}
	return from, to, true
}

func PresenceChannel(userID string) string {
	return presenceChannelPrefix + userID
}

// ParsePresenceChannel is the inverse of PresenceChannel.
func ParsePresenceChannel(channel string) (string, bool) {
	userID, found := strings.CutPrefix(channel, presenceChannelPrefix)
	return userID, found && userID != ""
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Error codes carried by failed API responses.
const (
	CodeValidation     = "validation"
	CodeUnauthorized   = "unauthorized"
	CodeForbidden      = "forbidden"
	CodeNotFound       = "not_found"
	CodeBucketNotFound = "bucket_not_found"
	CodeConflict       = "conflict"
	CodeInternal       = "internal"
)
