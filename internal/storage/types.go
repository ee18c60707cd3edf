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

type DBUser struct {
	ID          string `msgpack:"id"`
	UserName    string `msgpack:"userName"`
	DisplayName string `msgpack:"displayName"`
	AvatarURL   string `msgpack:"avatarUrl"`
	Online      bool   `msgpack:"online"`
	LastSeen    int64  `msgpack:"lastSeen"`
	CreatedAt   int64  `msgpack:"createdAt"`
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

type DBRoom struct {
	ID        string `msgpack:"id"`
	Kind      string `msgpack:"kind"`
	Name      string `msgpack:"name"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (r *DBRoom) Key() []byte {
	return []byte(r.ID)
}

func (r *DBRoom) MarshalBinary() (data []byte, err error) {
	type alias DBRoom
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRoom) UnmarshalBinary(data []byte) error {
	type alias DBRoom
	return msgpack.Unmarshal(data, (*alias)(r))
}

// DBMember is stored in the per-room members bucket, keyed by user ID.
type DBMember struct {
	UserID   string `msgpack:"userId"`
	Admin    bool   `msgpack:"admin"`
	JoinedAt int64  `msgpack:"joinedAt"`
}

func (m *DBMember) Key() []byte {
	return []byte(m.UserID)
}

func (m *DBMember) MarshalBinary() (data []byte, err error) {
	type alias DBMember
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMember) UnmarshalBinary(data []byte) error {
	type alias DBMember
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBMessage struct {
	ID              int64  `msgpack:"id"`
	RoomID          string `msgpack:"roomId"`
	SenderID        string `msgpack:"senderId"`
	Content         string `msgpack:"content"`
	CreatedAt       int64  `msgpack:"createdAt"`
	DeliveredAt     int64  `msgpack:"deliveredAt"`
	ReadAt          int64  `msgpack:"readAt"`
	EditedAt        int64  `msgpack:"editedAt"`
	TranslatedTo    string `msgpack:"translatedTo"`
	OriginalContent string `msgpack:"originalContent"`
}

func (m *DBMessage) Key() []byte {
	return messageKey(m.ID)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func messageKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

type DBBlock struct {
	BlockerID string `msgpack:"blockerId"`
	BlockedID string `msgpack:"blockedId"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (b *DBBlock) Key() []byte {
	return []byte(b.BlockedID)
}

func (b *DBBlock) MarshalBinary() (data []byte, err error) {
	type alias DBBlock
	return msgpack.Marshal((*alias)(b))
}

func (b *DBBlock) UnmarshalBinary(data []byte) error {
	type alias DBBlock
	return msgpack.Unmarshal(data, (*alias)(b))
}

type DBPushSubscription struct {
	Endpoint string `msgpack:"endpoint"`
	P256dh   string `msgpack:"p256dh"`
	Auth     string `msgpack:"auth"`
}

func (p *DBPushSubscription) Key() []byte {
	return []byte(p.Endpoint)
}

func (p *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(p))
}
