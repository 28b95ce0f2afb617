package conversation

import (
	"context"
	"testing"
	"time"

	"offgrid/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTyping_Outbound(t *testing.T) {
	t.Run("RateLimited", func(t *testing.T) {
		fb := newFakeBackend()
		c, clock, _ := newTestConversation(t, fb)

		// 50 keystrokes within one second.
		for range 50 {
			c.Keystroke()
			clock.Advance(20 * time.Millisecond)
		}
		assert.Equal(t, []string{models.EventTyping}, fb.events())

		require.Len(t, fb.published, 1)
		p := fb.published[0]
		assert.Equal(t, models.TypingChannel(selfID, partnerID), p.Channel)
		assert.Equal(t, models.TypingSignal{UserID: selfID, TargetUserID: partnerID, IsTyping: true}, p.Signal)

		// Still typing past the interval re-announces.
		clock.Advance(time.Second)
		c.Keystroke()
		assert.Equal(t, []string{models.EventTyping, models.EventTyping}, fb.events())
	})

	t.Run("IdleStopsOnce", func(t *testing.T) {
		fb := newFakeBackend()
		c, clock, _ := newTestConversation(t, fb)

		c.Keystroke()
		clock.Advance(2 * time.Second)
		c.Keystroke()
		clock.Advance(2 * time.Second)
		assert.Equal(t, []string{models.EventTyping, models.EventTyping}, fb.events())

		clock.Advance(time.Second)
		assert.Equal(t, []string{models.EventTyping, models.EventTyping, models.EventStoppedTyping}, fb.events())

		clock.Advance(10 * time.Second)
		require.NoError(t, c.Close())
		assert.Equal(t, []string{models.EventTyping, models.EventTyping, models.EventStoppedTyping}, fb.events())
	})

	t.Run("TeardownStops", func(t *testing.T) {
		fb := newFakeBackend()
		c, clock, _ := newTestConversation(t, fb)

		c.Keystroke()
		require.NoError(t, c.Close())
		assert.Equal(t, []string{models.EventTyping, models.EventStoppedTyping}, fb.events())

		// The idle timer was cleared.
		clock.Advance(time.Minute)
		c.Keystroke()
		assert.Equal(t, []string{models.EventTyping, models.EventStoppedTyping}, fb.events())
	})

	t.Run("SendStops", func(t *testing.T) {
		fb := newFakeBackend()
		c, clock, _ := newTestConversation(t, fb)

		c.Keystroke()
		_, err := c.SendText(context.Background(), "hi")
		require.NoError(t, err)
		assert.Equal(t, []string{models.EventTyping, models.EventStoppedTyping}, fb.events())

		// A new run inside the rate window is not announced, so its idle
		// transition has nothing to stop.
		clock.Advance(500 * time.Millisecond)
		c.Keystroke()
		clock.Advance(DefaultTypingIdle)
		assert.Equal(t, []string{models.EventTyping, models.EventStoppedTyping}, fb.events())
	})
}

func TestStoppedTypingNeverRepeats(t *testing.T) {
	clock := newFakeClock()
	var events []string
	s := newTypingSignaler(DefaultTypingInterval, DefaultTypingIdle, func(ev string) { events = append(events, ev) }, clock.Now, clock.AfterFunc)

	steps := []time.Duration{0, 100, 2500, 50, 3100, 10, 10, 1900, 4000, 0, 700, 3000}
	for i, d := range steps {
		clock.Advance(d * time.Millisecond)
		s.Keystroke()
		if i%4 == 3 {
			s.Stop()
		}
	}
	s.Close()

	require.NotEmpty(t, events)
	assert.Equal(t, models.EventTyping, events[0])
	assert.Equal(t, models.EventStoppedTyping, events[len(events)-1])
	for i := 1; i < len(events); i++ {
		if events[i] == models.EventStoppedTyping {
			assert.Equal(t, models.EventTyping, events[i-1], "stopped_typing at %d follows %s", i, events[i-1])
		}
	}
}

func TestTyping_Inbound(t *testing.T) {
	fb := newFakeBackend()
	c, clock, rec := newTestConversation(t, fb)
	channel := models.TypingChannel(partnerID, selfID)

	fb.emitBroadcast(t, channel, models.EventTyping, models.TypingSignal{UserID: partnerID, TargetUserID: selfID, IsTyping: true})
	assert.True(t, c.PartnerTyping())

	fb.emitBroadcast(t, channel, models.EventStoppedTyping, models.TypingSignal{UserID: partnerID, TargetUserID: selfID})
	assert.False(t, c.PartnerTyping())

	fb.emitBroadcast(t, channel, models.EventTyping, models.TypingSignal{UserID: partnerID, TargetUserID: selfID, IsTyping: true})
	fb.emitBroadcast(t, channel, models.EventTyping, models.TypingSignal{UserID: partnerID, TargetUserID: selfID, IsTyping: false})
	assert.False(t, c.PartnerTyping())

	// Not targeted at us, or not from the partner.
	fb.emitBroadcast(t, channel, models.EventTyping, models.TypingSignal{UserID: partnerID, TargetUserID: "u-other", IsTyping: true})
	fb.emitBroadcast(t, channel, models.EventTyping, models.TypingSignal{UserID: "u-other", TargetUserID: selfID, IsTyping: true})
	assert.False(t, c.PartnerTyping())

	var changes []bool
	for _, ev := range rec.all() {
		if tc, ok := ev.(TypingChanged); ok {
			changes = append(changes, tc.Typing)
		}
	}
	assert.Equal(t, []bool{true, false, true, false}, changes)

	t.Run("Expiry", func(t *testing.T) {
		fb.emitBroadcast(t, channel, models.EventTyping, models.TypingSignal{UserID: partnerID, TargetUserID: selfID, IsTyping: true})
		assert.True(t, c.PartnerTyping())

		clock.Advance(DefaultTypingIdle)
		assert.True(t, c.PartnerTyping())

		clock.Advance(DefaultTypingInterval)
		assert.False(t, c.PartnerTyping())
	})
}

func TestPresence(t *testing.T) {
	fb := newFakeBackend()
	c, _, rec := newTestConversation(t, fb)
	channel := models.PresenceChannel(partnerID)

	assert.Equal(t, PresenceUnknown, c.PartnerPresence())

	fb.emitBroadcast(t, channel, models.EventPresence, models.PresenceSignal{UserID: partnerID, Online: true})
	assert.Equal(t, PresenceOnline, c.PartnerPresence())

	fb.emitBroadcast(t, channel, models.EventPresence, models.PresenceSignal{UserID: "u-other", Online: false})
	assert.Equal(t, PresenceOnline, c.PartnerPresence())

	fb.emitBroadcast(t, channel, models.EventPresence, models.PresenceSignal{UserID: partnerID, Online: false})
	assert.Equal(t, PresenceOffline, c.PartnerPresence())
	assert.Equal(t, "offline", c.PartnerPresence().String())

	var seen []Presence
	for _, ev := range rec.all() {
		if pc, ok := ev.(PresenceChanged); ok {
			seen = append(seen, pc.Presence)
		}
	}
	assert.Equal(t, []Presence{PresenceOnline, PresenceOffline}, seen)
}
