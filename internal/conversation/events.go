package conversation

import "sync"

// Event is anything published on a conversation's Bus.
type Event interface {
	event()
}

// MessagesChanged fires after any change to the message list.
type MessagesChanged struct{}

// MessageReplaced fires when a temporary entry takes its authoritative id.
type MessageReplaced struct {
	OldID string
	NewID string
}

type MessageFailed struct {
	ID  string
	Err error
}

// Notice is a transient user-facing error.
type Notice struct {
	Text string
	Err  error
}

type TypingChanged struct {
	Typing bool
}

type PresenceChanged struct {
	Presence Presence
}

func (MessagesChanged) event() {}
func (MessageReplaced) event() {}
func (MessageFailed) event()   {}
func (Notice) event()          {}
func (TypingChanged) event()   {}
func (PresenceChanged) event() {}

// Bus is a publish/subscribe hub scoped to one Conversation.
// Subscribers run synchronously on the publishing goroutine.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Event)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a function removing it.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *Bus) Publish(events ...Event) {
	if len(events) == 0 {
		return
	}
	b.mu.RLock()
	subs := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}
