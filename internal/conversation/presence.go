package conversation

import (
	"encoding/json"

	"offgrid/internal/models"
)

// Presence is unknown until the first presence signal arrives.
type Presence int

const (
	PresenceUnknown Presence = iota
	PresenceOnline
	PresenceOffline
)

func (p Presence) String() string {
	switch p {
	case PresenceOnline:
		return "online"
	case PresenceOffline:
		return "offline"
	default:
		return "unknown"
	}
}

func (c *Conversation) handlePresence(event string, payload json.RawMessage) {
	if event != models.EventPresence {
		return
	}
	var signal models.PresenceSignal
	if err := json.Unmarshal(payload, &signal); err != nil {
		c.log.Debug().Err(err).Msg("malformed presence signal")
		return
	}
	if signal.UserID != c.cfg.PartnerID {
		return
	}

	next := PresenceOffline
	if signal.Online {
		next = PresenceOnline
	}

	c.mu.Lock()
	changed := !c.closed && c.presence != next
	if changed {
		c.presence = next
	}
	c.mu.Unlock()

	if changed {
		c.bus.Publish(PresenceChanged{Presence: next})
	}
}
