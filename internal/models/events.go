package models

import (
	"encoding/json"
)

type ClientMessageType string

const (
	ClientMessageTypeMessage          ClientMessageType = "message"
	ClientMessageTypeSeen             ClientMessageType = "seen"
	ClientMessageTypeDelivered        ClientMessageType = "delivered"
	ClientMessageTypeTyping           ClientMessageType = "typing"
	ClientMessageTypeUpdateMessage    ClientMessageType = "update_message"
	ClientMessageTypeDeleteMessage    ClientMessageType = "delete_message"
	ClientMessageTypeCallOffer        ClientMessageType = "call_offer"
	ClientMessageTypeCallAnswer       ClientMessageType = "call_answer"
	ClientMessageTypeCallIceCandidate ClientMessageType = "call_ice_candidate"
	ClientMessageTypeCallEnd          ClientMessageType = "call_end"
	ClientMessageTypeCallDecline      ClientMessageType = "call_decline"
)

type ServerMessageType string

const (
	ServerMessageTypeMessage          ServerMessageType = "message"
	ServerMessageTypeMessageDelivered ServerMessageType = "message_delivered"
	ServerMessageTypeMessageRead      ServerMessageType = "message_read"
	ServerMessageTypeSeenConfirmation ServerMessageType = "seen_confirmation"
	ServerMessageTypeMessageUpdated   ServerMessageType = "message_updated"
	ServerMessageTypeMessageDeleted   ServerMessageType = "message_deleted"
	ServerMessageTypeRoomCleared      ServerMessageType = "room_cleared"
	ServerMessageTypeTyping           ServerMessageType = "typing"
	ServerMessageTypeStatus           ServerMessageType = "status"
	ServerMessageTypeCallOffer        ServerMessageType = "call_offer"
	ServerMessageTypeCallAnswer       ServerMessageType = "call_answer"
	ServerMessageTypeCallIceCandidate ServerMessageType = "call_ice_candidate"
	ServerMessageTypeCallEnd          ServerMessageType = "call_end"
	ServerMessageTypeCallDecline      ServerMessageType = "call_decline"
	ServerMessageTypeCallStatus       ServerMessageType = "call_status"
	ServerMessageTypeNewRoom          ServerMessageType = "new_room"
	ServerMessageTypeGroupDeleted     ServerMessageType = "group_deleted"
	ServerMessageTypeBlockStatus      ServerMessageType = "block_status"
	ServerMessageTypeAvatarChanged    ServerMessageType = "avatar_changed"

	// Error replies. The type carries the error code.
	ServerMessageTypeUnauthorized ServerMessageType = "unauthorized"
	ServerMessageTypeForbidden    ServerMessageType = "forbidden"
	ServerMessageTypeBlocked      ServerMessageType = "blocked"
	ServerMessageTypeNotFound     ServerMessageType = "not_found"
	ServerMessageTypeInvalid      ServerMessageType = "invalid"
	ServerMessageTypeTransient    ServerMessageType = "transient"
	ServerMessageTypeEditWindow   ServerMessageType = "edit_window"
	ServerMessageTypeLastAdmin    ServerMessageType = "last_admin"
)

const (
	StatusOnline    = "online"
	StatusOffline   = "offline"
	StatusTyping    = "typing"
	StatusIdle      = "idle"
	StatusRinging   = "ringing"
	StatusFailed    = "failed"
	StatusBlocked   = "blocked"
	StatusUnblocked = "unblocked"

	ReasonTargetOffline = "target offline"
)

// ServerMessage represents an event pushed to a live connection.
// Only the fields relevant to Type are populated.
type ServerMessage struct {
	Type        ServerMessageType `json:"type"`
	Error       string            `json:"error,omitempty"`
	RequestType ClientMessageType `json:"request_type,omitempty"`
	TempID      string            `json:"temp_id,omitempty"`
	Self        bool              `json:"self,omitempty"`

	RoomID    string `json:"room_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
	TargetID  string `json:"target_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Reason    string `json:"reason,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	LastSeen  int64  `json:"last_seen,omitempty"`

	Message    *Message  `json:"message,omitempty"`
	MessageID  int64     `json:"message_id,omitempty"`
	MessageIDs []int64   `json:"message_ids,omitempty"`
	Content    string    `json:"content,omitempty"`
	EditedAt   int64     `json:"edited_at,omitempty"`
	DeletedBy  string    `json:"deleted_by,omitempty"`
	Room       *RoomInfo `json:"room,omitempty"`

	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	CallType  string          `json:"call_type,omitempty"`
}

// RoomInfo is the room summary sent when a user gains access to a room.
type RoomInfo struct {
	ID        string   `json:"id"`
	Kind      RoomKind `json:"kind"`
	Name      string   `json:"name"`
	AvatarURL string   `json:"avatar_url,omitempty"`
	UserID    string   `json:"user_id,omitempty"` // peer, direct rooms only
	Username  string   `json:"username,omitempty"`
	Online    bool     `json:"online,omitempty"`
	Members   []string `json:"members,omitempty"`
}
