package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"offgrid/internal/backend"
	"offgrid/internal/logging"
	"offgrid/internal/models"

	"github.com/stretchr/testify/require"
)

const (
	selfID    = "u-self"
	partnerID = "u-partner"
)

type publishedSignal struct {
	Channel string
	Event   string
	Signal  models.TypingSignal
}

type fakeBackend struct {
	mu sync.Mutex

	user      models.User
	userErr   error
	partner   models.User
	history   []models.Message
	loadErr   error
	nextID    int
	sendFn    func(req models.SendMessageRequest) (models.Message, error)
	uploadFn  func(bucket, objectPath string) error
	sent      []models.SendMessageRequest
	uploads   []string
	delivered []string
	published []publishedSignal

	changes      backend.ChangeHandler
	broadcasts   map[string]backend.BroadcastHandler
	unsubscribed []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		user:       models.User{ID: selfID, UserName: "self"},
		partner:    models.User{ID: partnerID, UserName: "partner"},
		broadcasts: make(map[string]backend.BroadcastHandler),
	}
}

func (f *fakeBackend) CurrentUser(ctx context.Context) (models.User, error) {
	return f.user, f.userErr
}

func (f *fakeBackend) GetProfile(ctx context.Context, userID string) (models.User, error) {
	if userID != partnerID {
		return models.User{}, models.ErrNotFound
	}
	return f.partner, nil
}

func (f *fakeBackend) QueryMessages(ctx context.Context, partner string) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Message(nil), f.history...), f.loadErr
}

// authoritative builds the row the server would store for req.
func (f *fakeBackend) authoritative(req models.SendMessageRequest) models.Message {
	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("m-%d", f.nextID)
	f.mu.Unlock()

	msg := models.Message{
		ID:         id,
		ClientID:   req.ClientID,
		Content:    req.Content,
		CreatedAt:  time.Unix(1700000000, 0),
		SenderID:   selfID,
		ReceiverID: req.ReceiverID,
		Status:     models.MessageStatusSent,
	}
	for _, ref := range req.Attachments {
		msg.Attachments = append(msg.Attachments, models.Attachment{
			URL:  "https://files/" + ref.Bucket + "/" + ref.Path,
			Type: ref.Type,
			Name: ref.Name,
			Size: ref.Size,
		})
	}
	return msg
}

func (f *fakeBackend) SendMessage(ctx context.Context, req models.SendMessageRequest) (models.Message, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	fn := f.sendFn
	f.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return f.authoritative(req), nil
}

func (f *fakeBackend) MarkDelivered(ctx context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, messageID)
	return nil
}

func (f *fakeBackend) UploadObject(ctx context.Context, bucket, objectPath string, body io.Reader) error {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return err
	}
	f.mu.Lock()
	f.uploads = append(f.uploads, bucket+"/"+objectPath)
	fn := f.uploadFn
	f.mu.Unlock()

	if fn != nil {
		return fn(bucket, objectPath)
	}
	return nil
}

func (f *fakeBackend) SubscribeChanges(ctx context.Context, partner string, handler backend.ChangeHandler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.changes = nil
		f.unsubscribed = append(f.unsubscribed, models.PairTopic(selfID, partner))
	}, nil
}

func (f *fakeBackend) SubscribeBroadcast(ctx context.Context, channel string, handler backend.BroadcastHandler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts[channel] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.broadcasts, channel)
		f.unsubscribed = append(f.unsubscribed, channel)
	}, nil
}

func (f *fakeBackend) PublishBroadcast(ctx context.Context, channel, event string, payload any) error {
	signal, _ := payload.(models.TypingSignal)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedSignal{Channel: channel, Event: event, Signal: signal})
	return nil
}

func (f *fakeBackend) emitChange(kind models.ChangeKind, m models.Message) {
	f.mu.Lock()
	h := f.changes
	f.mu.Unlock()
	if h != nil {
		h(models.ChangeEvent{Kind: kind, Message: m})
	}
}

func (f *fakeBackend) emitBroadcast(t *testing.T, channel, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	f.mu.Lock()
	h := f.broadcasts[channel]
	f.mu.Unlock()
	require.NotNil(t, h, "no subscriber on %s", channel)
	h(event, data)
}

func (f *fakeBackend) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.published))
	for i, p := range f.published {
		out[i] = p.Event
	}
	return out
}

func (f *fakeBackend) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeClock drives time and timers by hand.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *fakeClock
	at    time.Time
	f     func()
	done  bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.done
	t.done = true
	return active
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.done && !t.at.After(c.now) {
			t.done = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func newTestConversation(t *testing.T, fb *fakeBackend) (*Conversation, *fakeClock, *recorder) {
	t.Helper()
	clock := newFakeClock()
	c := New(fb, Config{PartnerID: partnerID}, logging.Nop())
	c.now = clock.Now
	c.afterFunc = clock.AfterFunc

	rec := &recorder{}
	c.Events().Subscribe(rec.record)

	require.NoError(t, c.Open(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c, clock, rec
}

func ids(messages []models.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}
