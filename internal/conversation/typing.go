package conversation

import (
	"encoding/json"
	"sync"
	"time"

	"offgrid/internal/models"
)

const (
	DefaultTypingInterval = 2 * time.Second
	DefaultTypingIdle     = 3 * time.Second
)

type timer interface {
	Stop() bool
}

func realAfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// typingSignaler turns keystrokes into typing / stopped_typing events.
// typing goes out at most once per interval. stopped_typing goes out once
// per idle transition and only if a typing event was announced before it.
type typingSignaler struct {
	interval  time.Duration
	idle      time.Duration
	send      func(event string)
	now       func() time.Time
	afterFunc func(time.Duration, func()) timer

	mu        sync.Mutex
	typing    bool
	announced bool
	lastSent  time.Time
	idleTimer timer
	closed    bool
}

func newTypingSignaler(interval, idle time.Duration, send func(string), now func() time.Time, afterFunc func(time.Duration, func()) timer) *typingSignaler {
	return &typingSignaler{
		interval:  interval,
		idle:      idle,
		send:      send,
		now:       now,
		afterFunc: afterFunc,
	}
}

func (t *typingSignaler) Keystroke() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.typing = true

	now := t.now()
	if t.lastSent.IsZero() || now.Sub(t.lastSent) >= t.interval {
		t.lastSent = now
		t.announced = true
		t.send(models.EventTyping)
	}

	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.idleTimer = t.afterFunc(t.idle, t.expire)
}

func (t *typingSignaler) expire() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.stopLocked()
}

// Stop ends the current typing run, e.g. when the message is sent.
func (t *typingSignaler) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.stopLocked()
}

func (t *typingSignaler) stopLocked() {
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	if !t.typing {
		return
	}
	t.typing = false
	if t.announced {
		t.announced = false
		t.send(models.EventStoppedTyping)
	}
}

// Close stops any running timer and emits the final stopped_typing.
func (t *typingSignaler) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.stopLocked()
	t.closed = true
}

func (t *typingSignaler) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

// handleTyping applies a typing signal published by the partner.
func (c *Conversation) handleTyping(event string, payload json.RawMessage) {
	var signal models.TypingSignal
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &signal); err != nil {
			c.log.Debug().Err(err).Msg("malformed typing signal")
			return
		}
	}

	c.mu.Lock()
	self := c.self.ID
	c.mu.Unlock()

	if signal.UserID != c.cfg.PartnerID || signal.TargetUserID != self {
		return
	}

	var typing bool
	switch event {
	case models.EventTyping:
		typing = signal.IsTyping
	case models.EventStoppedTyping:
		typing = false
	default:
		return
	}

	c.setPartnerTyping(typing)
}

// setPartnerTyping also arms an expiry so a lost stopped_typing cannot leave
// the banner up forever. The partner re-announces every interval while typing.
func (c *Conversation) setPartnerTyping(typing bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.partnerTimer != nil {
		c.partnerTimer.Stop()
		c.partnerTimer = nil
	}
	if typing {
		c.partnerTimer = c.afterFunc(c.cfg.TypingInterval+c.cfg.TypingIdle, func() {
			c.setPartnerTyping(false)
		})
	}
	changed := c.partnerTyping != typing
	c.partnerTyping = typing
	c.mu.Unlock()

	if changed {
		c.bus.Publish(TypingChanged{Typing: typing})
	}
}
