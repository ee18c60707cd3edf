package models

// User represents an identity known to the chat core.
type User struct {
	ID          string   `json:"id"`
	UserName    string   `json:"username"`
	DisplayName string   `json:"display_name,omitempty"`
	AvatarURL   string   `json:"avatar_url,omitempty"`
	Presence    Presence `json:"presence"`
	CreatedAt   int64    `json:"created_at"`
}

// Name returns the display name, falling back to the username.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.UserName
}

// Presence represents the online status of a user.
// Online is a cached view; the connection registry is authoritative at runtime.
type Presence struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"last_seen"` // Unix timestamp (seconds)
}

type RoomKind string

const (
	RoomKindDirect RoomKind = "direct"
	RoomKindGroup  RoomKind = "group"
)

// Room is a messaging scope: a two-party direct chat or a group.
type Room struct {
	ID        string   `json:"id"`
	Kind      RoomKind `json:"kind"`
	Name      string   `json:"name,omitempty"` // groups only
	CreatedAt int64    `json:"created_at"`
}

func (r Room) IsGroup() bool {
	return r.Kind == RoomKindGroup
}

// Membership relates an identity to a room.
type Membership struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Admin    bool   `json:"admin"`
	JoinedAt int64  `json:"joined_at"`
}

type MessageState string

const (
	MessageStateSent      MessageState = "sent"
	MessageStateDelivered MessageState = "delivered"
	MessageStateRead      MessageState = "read"
)

// Message represents a chat message together with its delivery/read state.
type Message struct {
	ID          int64  `json:"id"`
	RoomID      string `json:"room_id"`
	SenderID    string `json:"sender_id"`
	Content     string `json:"content"`
	HTML        string `json:"html,omitempty"` // rendered on the way out, never stored
	CreatedAt   int64  `json:"created_at"`
	Delivered   bool   `json:"delivered"`
	DeliveredAt int64  `json:"delivered_at,omitempty"`
	Read        bool   `json:"read"`
	ReadAt      int64  `json:"read_at,omitempty"`
	Edited      bool   `json:"edited,omitempty"`
	EditedAt    int64  `json:"edited_at,omitempty"`

	// Translation overlay. OriginalContent is set once, on the first translation.
	Translated      bool   `json:"translated,omitempty"`
	TranslatedTo    string `json:"translated_to,omitempty"`
	OriginalContent string `json:"-"`
}

func (m Message) State() MessageState {
	switch {
	case m.Read:
		return MessageStateRead
	case m.Delivered:
		return MessageStateDelivered
	default:
		return MessageStateSent
	}
}

// Block is a directed suppression edge from BlockerID to BlockedID.
type Block struct {
	BlockerID string `json:"blocker_id"`
	BlockedID string `json:"blocked_id"`
	CreatedAt int64  `json:"created_at"`
}

// PushSubscription is a browser web push endpoint registered by a user.
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}
