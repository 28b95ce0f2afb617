package backend

import (
	"encoding/json"
	"strconv"
	"time"

	"offgrid/internal/models"
)

// wireAttachment accepts every attachment shape seen on the wire:
// url/type/name/size as well as file_url/file_type/file_name/file_size.
type wireAttachment struct {
	URL      string    `json:"url"`
	FileURL  string    `json:"file_url"`
	Type     string    `json:"type"`
	FileType string    `json:"file_type"`
	Name     string    `json:"name"`
	FileName string    `json:"file_name"`
	Size     flexInt64 `json:"size"`
	FileSize flexInt64 `json:"file_size"`
}

func (w wireAttachment) toModel() models.Attachment {
	a := models.Attachment{
		URL:  first(w.URL, w.FileURL),
		Type: first(w.Type, w.FileType),
		Name: first(w.Name, w.FileName),
		Size: int64(w.Size),
	}
	if a.Size == 0 {
		a.Size = int64(w.FileSize)
	}
	return a
}

type wireMessage struct {
	ID          string               `json:"id"`
	ClientID    string               `json:"clientId"`
	Content     string               `json:"content"`
	HTML        string               `json:"html"`
	CreatedAt   time.Time            `json:"createdAt"`
	SenderID    string               `json:"senderId"`
	ReceiverID  string               `json:"receiverId"`
	Status      models.MessageStatus `json:"status"`
	Attachments []wireAttachment     `json:"attachments"`
}

func (w wireMessage) toModel() models.Message {
	m := models.Message{
		ID:         w.ID,
		ClientID:   w.ClientID,
		Content:    w.Content,
		HTML:       w.HTML,
		CreatedAt:  w.CreatedAt,
		SenderID:   w.SenderID,
		ReceiverID: w.ReceiverID,
		Status:     w.Status,
	}
	for _, a := range w.Attachments {
		att := a.toModel()
		if att.URL == "" && att.Name == "" {
			continue
		}
		m.Attachments = append(m.Attachments, att)
	}
	return m
}

type wireConversation struct {
	PartnerID   string      `json:"partnerId"`
	Partner     models.User `json:"partner"`
	LastMessage wireMessage `json:"lastMessage"`
}

// wireFrame mirrors models.ServerFrame with the message left undecoded.
type wireFrame struct {
	Type    models.ServerFrameType `json:"type"`
	Topic   string                 `json:"topic"`
	Event   string                 `json:"event"`
	Message *wireMessage           `json:"message"`
	Payload json.RawMessage        `json:"payload"`
	Error   string                 `json:"error"`
}

// flexInt64 decodes numbers, numeric strings and null.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = 0
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexInt64(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt64(n)
	return nil
}

func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
