package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"unicode/utf8"

	"offgrid/internal/logging"
	"offgrid/internal/metrics"
	"offgrid/internal/models"
	"offgrid/internal/storage"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const (
	// Seconds a push service keeps an undelivered notification.
	notificationTTL = 24 * 60 * 60
	maxPreviewRunes = 120
)

type SubscriptionStore interface {
	ListPushSubscriptions(userID string) ([]storage.PushSubscription, error)
	DeletePushSubscription(userID, endpoint string) error
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subject         string
}

// Notification is the JSON payload the service worker receives.
type Notification struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
}

// Notifier sends web push notifications about new messages to receivers
// that have no live session.
type Notifier struct {
	Config
	store   SubscriptionStore
	log     *logging.Logger
	metrics *metrics.Metrics
	client  webpush.HTTPClient
}

func NewNotifier(config Config, store SubscriptionStore, log *logging.Logger, m *metrics.Metrics) *Notifier {
	return &Notifier{
		Config:  config,
		store:   store,
		log:     log.Sub("push"),
		metrics: m,
		client:  http.DefaultClient,
	}
}

func (n *Notifier) Enabled() bool {
	return n.VAPIDPublicKey != "" && n.VAPIDPrivateKey != ""
}

// NotifyMessage pushes a preview of msg to every subscription of its
// receiver. Subscriptions the push service reports as gone are removed.
func (n *Notifier) NotifyMessage(ctx context.Context, msg models.Message, senderName string) error {
	if !n.Enabled() {
		return nil
	}

	subs, err := n.store.ListPushSubscriptions(msg.ReceiverID)
	if err != nil {
		return fmt.Errorf("failed to list push subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	payload, err := json.Marshal(Notification{
		Title:     senderName,
		Body:      preview(msg),
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
	})
	if err != nil {
		return err
	}

	for _, sub := range subs {
		n.send(ctx, sub, payload)
	}
	return nil
}

func (n *Notifier) send(ctx context.Context, sub storage.PushSubscription, payload []byte) {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, &webpush.Options{
		HTTPClient:      n.client,
		Subscriber:      n.Subject,
		VAPIDPublicKey:  n.VAPIDPublicKey,
		VAPIDPrivateKey: n.VAPIDPrivateKey,
		TTL:             notificationTTL,
	})
	if err != nil {
		n.metrics.PushNotifications.WithLabelValues("error").Inc()
		n.log.Warn().Str("user_id", sub.UserID).Err(err).Msg("push failed")
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		n.metrics.PushNotifications.WithLabelValues("expired").Inc()
		if err := n.store.DeletePushSubscription(sub.UserID, sub.Endpoint); err != nil {
			n.log.Error().Str("user_id", sub.UserID).Err(err).Msg("failed to delete expired subscription")
		}
	case resp.StatusCode >= 300:
		n.metrics.PushNotifications.WithLabelValues("rejected").Inc()
		n.log.Warn().Str("user_id", sub.UserID).Int("status", resp.StatusCode).Msg("push rejected")
	default:
		n.metrics.PushNotifications.WithLabelValues("sent").Inc()
	}
}

func preview(msg models.Message) string {
	body := msg.Content
	if body == "" {
		if name := msg.FirstAttachmentName(); name != "" {
			return "Sent " + name
		}
		return "New message"
	}
	if utf8.RuneCountInString(body) > maxPreviewRunes {
		runes := []rune(body)
		body = string(runes[:maxPreviewRunes]) + "…"
	}
	return body
}

// GenerateKeys returns a new VAPID key pair for the server config.
func GenerateKeys() (privateKey, publicKey string, err error) {
	return webpush.GenerateVAPIDKeys()
}
