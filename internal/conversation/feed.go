package conversation

import (
	"offgrid/internal/models"
)

func (c *Conversation) handleChange(ev models.ChangeEvent) {
	switch ev.Kind {
	case models.ChangeInsert:
		c.handleInsert(ev.Message)
	case models.ChangeUpdate:
		c.handleUpdate(ev.Message)
	default:
		c.log.Debug().Str("kind", string(ev.Kind)).Msg("ignoring change event")
	}
}

func (c *Conversation) handleInsert(m models.Message) {
	c.mu.Lock()
	if c.closed || !c.inPair(m) {
		c.mu.Unlock()
		return
	}
	events := c.reconcile(m)
	if m.SenderID == c.cfg.PartnerID && m.Status == models.MessageStatusSent {
		c.wg.Go(func() {
			if err := c.backend.MarkDelivered(c.ctx, m.ID); err != nil {
				c.log.Debug().Err(err).Str("message_id", m.ID).Msg("failed to acknowledge delivery")
			}
		})
	}
	c.mu.Unlock()

	c.bus.Publish(events...)
}

// reconcile folds an authoritative insert into the list. A message already
// present only advances its status. Otherwise it replaces the pending
// temporary entry it confirms, and is appended when there is none.
// Callers hold c.mu.
func (c *Conversation) reconcile(m models.Message) []Event {
	if i := c.index(m.ID); i >= 0 {
		if c.messages[i].Status.Advances(m.Status) {
			c.messages[i].Status = m.Status
			return []Event{MessagesChanged{}}
		}
		return nil
	}

	if i := c.pendingMatch(m); i >= 0 {
		oldID := c.messages[i].ID
		c.messages[i] = m.Clone()
		delete(c.pending, oldID)
		return []Event{MessageReplaced{OldID: oldID, NewID: m.ID}, MessagesChanged{}}
	}

	c.messages = append(c.messages, m.Clone())
	return []Event{MessagesChanged{}}
}

// pendingMatch finds the temporary entry m confirms. The echoed client id
// is exact. Without one, or when it names no local entry as for sends from
// another session, the first pending entry of the same sender with the
// same content or the same first attachment name is taken.
// Callers hold c.mu.
func (c *Conversation) pendingMatch(m models.Message) int {
	if m.ClientID != "" {
		if i := c.index(m.ClientID); i >= 0 && isPending(c.messages[i], m.SenderID) {
			return i
		}
	}
	for i := range c.messages {
		if matchesPending(c.messages[i], m) {
			return i
		}
	}
	return -1
}

func isPending(local models.Message, senderID string) bool {
	return models.IsTempID(local.ID) && local.Status == models.MessageStatusSending && local.SenderID == senderID
}

func matchesPending(local, remote models.Message) bool {
	if !isPending(local, remote.SenderID) {
		return false
	}
	if len(remote.Attachments) > 0 {
		name := remote.FirstAttachmentName()
		return name != "" && local.FirstAttachmentName() == name
	}
	return len(local.Attachments) == 0 && local.Content == remote.Content
}

// handleUpdate only ever touches the status. Updates for messages that are
// not loaded are ignored.
func (c *Conversation) handleUpdate(m models.Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	i := c.index(m.ID)
	changed := i >= 0 && c.messages[i].Status.Advances(m.Status)
	if changed {
		c.messages[i].Status = m.Status
	}
	c.mu.Unlock()

	if changed {
		c.bus.Publish(MessagesChanged{})
	}
}

// Callers hold c.mu.
func (c *Conversation) inPair(m models.Message) bool {
	self, partner := c.self.ID, c.cfg.PartnerID
	return (m.SenderID == self && m.ReceiverID == partner) ||
		(m.SenderID == partner && m.ReceiverID == self)
}
