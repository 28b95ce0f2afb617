package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageStatus_Advances(t *testing.T) {
	assert.True(t, MessageStatusSending.Advances(MessageStatusSent))
	assert.True(t, MessageStatusSent.Advances(MessageStatusDelivered))
	assert.True(t, MessageStatusSent.Advances(MessageStatusRead))
	assert.True(t, MessageStatusDelivered.Advances(MessageStatusRead))

	assert.False(t, MessageStatusRead.Advances(MessageStatusDelivered))
	assert.False(t, MessageStatusDelivered.Advances(MessageStatusSent))
	assert.False(t, MessageStatusSent.Advances(MessageStatusSent))
	assert.False(t, MessageStatusSent.Advances(MessageStatusFailed))
}

func TestTypingChannel(t *testing.T) {
	ch := TypingChannel("a-1", "b-2")
	from, to, ok := ParseTypingChannel(ch)
	assert.True(t, ok)
	assert.Equal(t, "a-1", from)
	assert.Equal(t, "b-2", to)

	_, _, ok = ParseTypingChannel("presence:a")
	assert.False(t, ok)
	_, _, ok = ParseTypingChannel("typing:a")
	assert.False(t, ok)
}

func TestPresenceChannel(t *testing.T) {
	id, ok := ParsePresenceChannel(PresenceChannel("u1"))
	assert.True(t, ok)
	assert.Equal(t, "u1", id)

	_, ok = ParsePresenceChannel("presence:")
	assert.False(t, ok)
}

func TestPairTopic(t *testing.T) {
	assert.Equal(t, PairTopic("u1", "u2"), PairTopic("u2", "u1"))
	assert.Equal(t, "messages:u1:u2", PairTopic("u2", "u1"))
}

func TestIsTempID(t *testing.T) {
	assert.True(t, IsTempID("temp-123"))
	assert.False(t, IsTempID("123"))
}
