package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBToken struct {
	UserID string `msgpack:"userId"`
	Token  string `msgpack:"token"`
}

func (t *DBToken) Key() []byte {
	return []byte(t.Token)
}

func (t *DBToken) MarshalBinary() (data []byte, err error) {
	type alias DBToken
	return msgpack.Marshal((*alias)(t))
}

func (t *DBToken) UnmarshalBinary(data []byte) error {
	type alias DBToken
	return msgpack.Unmarshal(data, (*alias)(t))
}

type DBUser struct {
	ID                  string `msgpack:"id"`
	UserName            string `msgpack:"userName"`
	DisplayName         string `msgpack:"displayName"`
	Bio                 string `msgpack:"bio"`
	AvatarURL           string `msgpack:"avatarUrl"`
	LastSeen            int64  `msgpack:"lastSeen"`
	PasswordHash        string `msgpack:"passwordHash"`
	FailedLoginAttempts int64  `msgpack:"failedLoginAttempts"`
	LastAttemptTime     int64  `msgpack:"lastAttemptTime"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBMessage struct {
	ID          string         `msgpack:"id"`
	ClientID    string         `msgpack:"clientId,omitempty"`
	SenderID    string         `msgpack:"senderId"`
	ReceiverID  string         `msgpack:"receiverId"`
	Content     string         `msgpack:"content"`
	Status      string         `msgpack:"status"`
	CreatedAt   int64          `msgpack:"createdAt"` // Unix nanoseconds
	Attachments []DBAttachment `msgpack:"attachments"`
}

type DBAttachment struct {
	URL    string `msgpack:"url"`
	Type   string `msgpack:"type"`
	Name   string `msgpack:"name"`
	Size   int64  `msgpack:"size"`
	Bucket string `msgpack:"bucket,omitempty"`
	Path   string `msgpack:"path,omitempty"`
}

func (m *DBMessage) Key() []byte {
	return []byte(m.ID)
}

// IndexKey orders messages of one conversation by creation time.
// The id suffix keeps keys unique for messages created in the same nanosecond.
func (m *DBMessage) IndexKey() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.CreatedAt))
	return append(key, m.ID...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

// ObjectMetadata describes an object uploaded to the file store.
type ObjectMetadata struct {
	Bucket    string `msgpack:"bucket"`
	Path      string `msgpack:"path"`
	MimeType  string `msgpack:"mimeType"`
	Size      int64  `msgpack:"size"`
	CreatedAt int64  `msgpack:"createdAt"`
	UserID    string `msgpack:"userId"`
}

func (o *ObjectMetadata) Key() []byte {
	return []byte(o.Bucket + "/" + o.Path)
}

func (o *ObjectMetadata) MarshalBinary() (data []byte, err error) {
	type alias ObjectMetadata
	return msgpack.Marshal((*alias)(o))
}

func (o *ObjectMetadata) UnmarshalBinary(data []byte) error {
	type alias ObjectMetadata
	return msgpack.Unmarshal(data, (*alias)(o))
}

// PushSubscription is a browser web push endpoint registered by a user.
type PushSubscription struct {
	UserID   string `msgpack:"userId" json:"-"`
	Endpoint string `msgpack:"endpoint" json:"endpoint"`
	Auth     string `msgpack:"auth" json:"auth"`
	P256dh   string `msgpack:"p256dh" json:"p256dh"`
}

func (p *PushSubscription) Key() []byte {
	return []byte(p.UserID + "\x00" + p.Endpoint)
}

func (p *PushSubscription) MarshalBinary() (data []byte, err error) {
	type alias PushSubscription
	return msgpack.Marshal((*alias)(p))
}

func (p *PushSubscription) UnmarshalBinary(data []byte) error {
	type alias PushSubscription
	return msgpack.Unmarshal(data, (*alias)(p))
}
