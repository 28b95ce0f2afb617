package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"offgrid/internal/logging"
	"offgrid/internal/metrics"
	"offgrid/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(ttl time.Duration) (*Hub, *time.Time) {
	h := NewHub(Config{PresenceTTL: ttl}, logging.Nop(), metrics.New())
	now := time.Unix(1700000000, 0)
	h.now = func() time.Time { return now }
	return h, &now
}

func drain(s *Session) []models.ServerFrame {
	var frames []models.ServerFrame
	for {
		select {
		case f := <-s.send:
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func next(t *testing.T, s *Session) models.ServerFrame {
	t.Helper()
	select {
	case f := <-s.send:
		return f
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
		return models.ServerFrame{}
	}
}

func TestHub_ChangeFeed(t *testing.T) {
	h, _ := newTestHub(time.Minute)

	alice := h.Join("alice")
	bob := h.Join("bob")
	carol := h.Join("carol")

	require.NoError(t, h.SubscribeChanges(alice, "bob"))
	require.NoError(t, h.SubscribeChanges(bob, "alice"))
	require.NoError(t, h.SubscribeChanges(carol, "dave"))
	assert.Error(t, h.SubscribeChanges(carol, ""))

	drain(alice)
	drain(bob)
	drain(carol)

	msg := models.Message{ID: "m1", SenderID: "alice", ReceiverID: "bob", Content: "hello", Status: models.MessageStatusSent}
	h.PublishChange(models.ChangeInsert, msg)

	for _, s := range []*Session{alice, bob} {
		f := next(t, s)
		assert.Equal(t, models.ServerFrameChange, f.Type)
		assert.Equal(t, string(models.ChangeInsert), f.Event)
		assert.Equal(t, models.PairTopic("alice", "bob"), f.Topic)
		require.NotNil(t, f.Message)
		assert.Equal(t, "m1", f.Message.ID)
	}

	assert.Empty(t, drain(carol), "unrelated pair must not see the change")

	h.Unsubscribe(bob, models.PairTopic("alice", "bob"))
	h.PublishChange(models.ChangeUpdate, msg)
	assert.Len(t, drain(alice), 1)
	assert.Empty(t, drain(bob))
}

func TestHub_Typing(t *testing.T) {
	h, _ := newTestHub(time.Minute)

	alice := h.Join("alice")
	bob := h.Join("bob")
	mallory := h.Join("mallory")

	channel := models.TypingChannel("alice", "bob")
	require.NoError(t, h.Subscribe(bob, channel))
	require.NoError(t, h.Subscribe(alice, channel))
	assert.ErrorIs(t, h.Subscribe(mallory, channel), ErrForbidden)

	drain(alice)
	drain(bob)

	t.Run("Publish", func(t *testing.T) {
		require.NoError(t, h.Publish(alice, channel, models.EventTyping, nil))

		f := next(t, bob)
		assert.Equal(t, models.ServerFrameBroadcast, f.Type)
		assert.Equal(t, models.EventTyping, f.Event)

		var signal models.TypingSignal
		require.NoError(t, json.Unmarshal(f.Payload, &signal))
		assert.Equal(t, models.TypingSignal{UserID: "alice", TargetUserID: "bob", IsTyping: true}, signal)

		assert.Empty(t, drain(alice), "sender does not receive its own broadcast")
	})

	t.Run("Forged", func(t *testing.T) {
		assert.ErrorIs(t, h.Publish(bob, channel, models.EventTyping, nil), ErrForbidden)
		assert.ErrorIs(t, h.Publish(mallory, channel, models.EventTyping, nil), ErrForbidden)

		payload, _ := json.Marshal(models.TypingSignal{UserID: "bob", TargetUserID: "alice", IsTyping: true})
		assert.ErrorIs(t, h.Publish(alice, channel, models.EventTyping, payload), ErrForbidden)

		assert.ErrorIs(t, h.Publish(alice, channel, "shout", nil), ErrInvalidFrame)
		assert.ErrorIs(t, h.Publish(alice, models.PresenceChannel("alice"), models.EventPresence, nil), ErrForbidden)

		assert.Empty(t, drain(bob))
	})
}

func TestHub_Presence(t *testing.T) {
	h, now := newTestHub(30 * time.Second)

	watcher := h.Join("watcher")
	require.NoError(t, h.Subscribe(watcher, models.PresenceChannel("bob")))

	// The current state is sent on subscribe.
	f := next(t, watcher)
	var signal models.PresenceSignal
	require.NoError(t, json.Unmarshal(f.Payload, &signal))
	assert.Equal(t, models.PresenceSignal{UserID: "bob", Online: false}, signal)

	bob1 := h.Join("bob")
	bob2 := h.Join("bob")
	assert.True(t, h.IsOnline("bob"))

	frames := drain(watcher)
	require.Len(t, frames, 1, "only the first session announces online")
	require.NoError(t, json.Unmarshal(frames[0].Payload, &signal))
	assert.True(t, signal.Online)

	h.Leave(bob1)
	assert.True(t, h.IsOnline("bob"))
	assert.Empty(t, drain(watcher))

	t.Run("TTL", func(t *testing.T) {
		*now = now.Add(20 * time.Second)
		h.Heartbeat(bob2)
		*now = now.Add(20 * time.Second)
		h.sweep()
		assert.True(t, h.IsOnline("bob"), "heartbeat keeps the user online")

		*now = now.Add(31 * time.Second)
		h.sweep()
		assert.False(t, h.IsOnline("bob"))

		f := next(t, watcher)
		require.NoError(t, json.Unmarshal(f.Payload, &signal))
		assert.False(t, signal.Online)

		h.Heartbeat(bob2)
		assert.True(t, h.IsOnline("bob"), "heartbeat revives an expired session")
		drain(watcher)
	})

	h.Leave(bob2)
	assert.False(t, h.IsOnline("bob"))
	assert.Equal(t, now.Unix(), h.Presence("bob").LastSeen)

	f = next(t, watcher)
	require.NoError(t, json.Unmarshal(f.Payload, &signal))
	assert.False(t, signal.Online)

	// Leaving twice is harmless.
	h.Leave(bob2)
}

func TestHub_Leave(t *testing.T) {
	h, _ := newTestHub(time.Minute)

	alice := h.Join("alice")
	require.NoError(t, h.SubscribeChanges(alice, "bob"))
	require.NoError(t, h.Subscribe(alice, models.TypingChannel("bob", "alice")))

	h.Leave(alice)

	_, ok := <-alice.Frames()
	for ok {
		_, ok = <-alice.Frames()
	}
	assert.Empty(t, h.topics)

	// Publishing to a pair without subscribers is a no-op.
	h.PublishChange(models.ChangeInsert, models.Message{ID: "m1", SenderID: "bob", ReceiverID: "alice"})
}

func TestHub_Dispatch(t *testing.T) {
	h, _ := newTestHub(time.Minute)
	alice := h.Join("alice")

	require.NoError(t, h.Dispatch(alice, models.ClientFrame{Type: models.ClientFrameSubscribeChanges, Topic: "bob"}))
	require.NoError(t, h.Dispatch(alice, models.ClientFrame{Type: models.ClientFrameSubscribe, Topic: models.TypingChannel("bob", "alice")}))
	require.NoError(t, h.Dispatch(alice, models.ClientFrame{Type: models.ClientFrameHeartbeat}))
	require.NoError(t, h.Dispatch(alice, models.ClientFrame{Type: models.ClientFrameUnsubscribe, Topic: models.TypingChannel("bob", "alice")}))

	assert.ErrorIs(t, h.Dispatch(alice, models.ClientFrame{Type: "bogus"}), ErrInvalidFrame)
	assert.ErrorIs(t, h.Dispatch(alice, models.ClientFrame{Type: models.ClientFrameSubscribe, Topic: "lobby"}), ErrInvalidFrame)

	assert.Len(t, alice.topics, 1)
}
