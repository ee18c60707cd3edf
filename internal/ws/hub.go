package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"parley/internal/blocks"
	"parley/internal/chat"
	"parley/internal/models"
	"parley/internal/presence"
	"parley/internal/registry"
	"parley/internal/rooms"
	"parley/internal/signaling"
)

type Users interface {
	GetUser(id string) (models.User, error)
}

type HubConfig struct {
	Users       Users
	Rooms       *rooms.Resolver
	Blocks      *blocks.Filter
	Chat        *chat.Pipeline
	Presence    *presence.Broadcaster
	Relay       *signaling.Relay
	Connections *registry.Registry
	Log         *slog.Logger
}

// Hub routes client frames to the chat pipeline, presence and call relay,
// and pushes room-level notifications raised outside a connection.
type Hub struct {
	users    Users
	rooms    *rooms.Resolver
	blocks   *blocks.Filter
	chat     *chat.Pipeline
	presence *presence.Broadcaster
	relay    *signaling.Relay
	conns    *registry.Registry
	log      *slog.Logger
}

func NewHub(config HubConfig) *Hub {
	if config.Log == nil {
		config.Log = slog.Default()
	}
	return &Hub{
		users:    config.Users,
		rooms:    config.Rooms,
		blocks:   config.Blocks,
		chat:     config.Chat,
		presence: config.Presence,
		relay:    config.Relay,
		conns:    config.Connections,
		log:      config.Log,
	}
}

// Join admits an authenticated connection. Unknown identities are refused.
func (h *Hub) Join(ctx context.Context, userID string, conn registry.Sink) error {
	if _, err := h.users.GetUser(userID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("%w: unknown user", models.ErrUnauthorized)
		}
		return err
	}
	h.presence.Connect(ctx, userID, conn)
	h.log.Debug("connection joined", "user_id", userID, "conn_id", conn.ID())
	return nil
}

func (h *Hub) Leave(ctx context.Context, userID string, conn registry.Sink) {
	h.presence.Disconnect(ctx, userID, conn)
	h.log.Debug("connection left", "user_id", userID, "conn_id", conn.ID())
}

// Dispatch handles one client frame. Failures are answered on the
// originating connection only; a failing handler never takes the
// connection down.
func (h *Hub) Dispatch(ctx context.Context, userID string, conn registry.Sink, data []byte) {
	var (
		reqType models.ClientMessageType
		tempID  string
	)
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("handler panic", "user_id", userID, "type", reqType, "panic", r)
			h.replyError(ctx, userID, conn, reqType, tempID, models.ErrTransient)
		}
	}()

	cmd, err := models.DecodeCommand(data)
	if err != nil {
		var de *models.DecodeError
		if errors.As(err, &de) {
			reqType = de.Type
			err = de.Err
		}
		h.replyError(ctx, userID, conn, reqType, tempID, err)
		return
	}

	reqType = cmd.CommandType()
	if send, ok := cmd.(*models.SendCommand); ok {
		tempID = send.TempID
	}
	if err := h.handle(ctx, userID, conn, cmd); err != nil {
		h.replyError(ctx, userID, conn, reqType, tempID, err)
	}
}

func (h *Hub) handle(ctx context.Context, userID string, conn registry.Sink, cmd models.Command) error {
	switch c := cmd.(type) {
	case *models.SendCommand:
		roomID := c.RoomID
		if roomID == "" {
			// A blocked pair never gains a direct room.
			ok, err := h.blocks.CanDeliver(userID, c.TargetUserID)
			if err != nil {
				return models.Transient(err)
			}
			if !ok {
				return fmt.Errorf("%w: delivery to %s is blocked", models.ErrBlocked, c.TargetUserID)
			}
			room, created, err := h.rooms.DirectRoomBetween(userID, c.TargetUserID)
			if err != nil {
				return err
			}
			roomID = room.ID
			if created {
				h.NotifyNewRoom(ctx, room.ID, userID, c.TargetUserID)
				h.NotifyNewRoom(ctx, room.ID, c.TargetUserID, userID)
			}
		}
		_, err := h.chat.Send(ctx, chat.SendRequest{
			SenderID: userID,
			RoomID:   roomID,
			Content:  c.Content,
			TempID:   c.TempID,
			Origin:   conn,
		})
		return err

	case *models.SeenCommand:
		_, err := h.chat.MarkSeen(ctx, chat.ReceiptRequest{
			UserID:     userID,
			RoomID:     c.RoomID,
			MessageIDs: c.MessageIDs,
			Origin:     conn,
		})
		return err

	case *models.DeliveredCommand:
		_, err := h.chat.AckDelivered(ctx, chat.ReceiptRequest{
			UserID:     userID,
			RoomID:     c.RoomID,
			MessageIDs: c.MessageIDs,
			Origin:     conn,
		})
		return err

	case *models.TypingCommand:
		return h.presence.Typing(ctx, userID, c.RoomID, c.Status)

	case *models.UpdateMessageCommand:
		_, err := h.chat.Edit(ctx, chat.EditRequest{
			UserID:    userID,
			RoomID:    c.RoomID,
			MessageID: c.MessageID,
			Content:   c.Content,
		})
		return err

	case *models.DeleteMessageCommand:
		return h.chat.Delete(ctx, chat.DeleteRequest{
			UserID:    userID,
			RoomID:    c.RoomID,
			MessageID: c.MessageID,
		})

	case *models.CallOfferCommand:
		return h.relay.Offer(ctx, signaling.Signal{
			CallerID: userID,
			TargetID: c.TargetUserID,
			RoomID:   c.RoomID,
			SDP:      c.SDP,
			CallType: c.CallType,
		})

	case *models.CallAnswerCommand:
		return h.relay.Answer(ctx, signaling.Signal{
			CallerID: userID,
			TargetID: c.TargetUserID,
			RoomID:   c.RoomID,
			SDP:      c.SDP,
		})

	case *models.CallIceCandidateCommand:
		return h.relay.IceCandidate(ctx, signaling.Signal{
			CallerID:  userID,
			TargetID:  c.TargetUserID,
			RoomID:    c.RoomID,
			Candidate: c.Candidate,
		})

	case *models.CallEndCommand:
		return h.relay.End(ctx, signaling.Signal{
			CallerID: userID,
			TargetID: c.TargetUserID,
			RoomID:   c.RoomID,
		})

	case *models.CallDeclineCommand:
		return h.relay.Decline(ctx, signaling.Signal{
			CallerID: userID,
			TargetID: c.TargetUserID,
			RoomID:   c.RoomID,
			Reason:   c.Reason,
		})
	}

	return fmt.Errorf("%w: unsupported message type %q", models.ErrInvalid, cmd.CommandType())
}

func (h *Hub) replyError(
	ctx context.Context,
	userID string,
	conn registry.Sink,
	reqType models.ClientMessageType,
	tempID string,
	err error,
) {
	code := models.ErrorCode(err)
	text := err.Error()
	if code == models.ServerMessageTypeTransient {
		h.log.Error("request failed", "user_id", userID, "type", reqType, "error", err)
		text = "temporarily unavailable, try again"
	} else {
		h.log.Debug("request rejected", "user_id", userID, "type", reqType, "error", err)
	}

	h.conns.SendToConn(ctx, userID, conn, models.ServerMessage{
		Type:        code,
		Error:       text,
		RequestType: reqType,
		TempID:      tempID,
	})
}

// NotifyNewRoom tells targetID about a room it can now see. actorID is
// the identity whose action created or exposed the room.
func (h *Hub) NotifyNewRoom(ctx context.Context, roomID, targetID, actorID string) {
	room, err := h.rooms.Room(roomID)
	if err != nil {
		h.log.Warn("new room notification dropped", "room_id", roomID, "error", err)
		return
	}
	info, err := h.rooms.Info(room, targetID)
	if err != nil {
		h.log.Warn("new room notification dropped", "room_id", roomID, "error", err)
		return
	}
	if info.UserID != "" {
		info.Online = h.conns.IsOnline(info.UserID)
	}
	h.conns.SendToUser(ctx, targetID, models.ServerMessage{
		Type:   models.ServerMessageTypeNewRoom,
		RoomID: roomID,
		UserID: actorID,
		Room:   &info,
	})
}

// NotifyNewGroup tells each listed member about a group it was added to.
func (h *Hub) NotifyNewGroup(ctx context.Context, roomID string, memberIDs []string) {
	room, err := h.rooms.Room(roomID)
	if err != nil {
		h.log.Warn("new group notification dropped", "room_id", roomID, "error", err)
		return
	}
	info, err := h.rooms.Info(room, "")
	if err != nil {
		h.log.Warn("new group notification dropped", "room_id", roomID, "error", err)
		return
	}
	h.conns.SendToUsers(ctx, h.conns.Online(memberIDs), models.ServerMessage{
		Type:   models.ServerMessageTypeNewRoom,
		RoomID: roomID,
		Room:   &info,
	})
}

// NotifyGroupDeleted tells former members that a group is gone.
func (h *Hub) NotifyGroupDeleted(ctx context.Context, roomID string, memberIDs []string) {
	h.conns.SendToUsers(ctx, h.conns.Online(memberIDs), models.ServerMessage{
		Type:   models.ServerMessageTypeGroupDeleted,
		RoomID: roomID,
	})
}

// NotifyBlockStatusChanged tells both parties that blockerID blocked or
// unblocked blockedID.
func (h *Hub) NotifyBlockStatusChanged(ctx context.Context, blockerID, blockedID string, blocked bool) {
	status := models.StatusUnblocked
	if blocked {
		status = models.StatusBlocked
	}
	h.conns.SendToUsers(ctx, []string{blockerID, blockedID}, models.ServerMessage{
		Type:     models.ServerMessageTypeBlockStatus,
		UserID:   blockerID,
		TargetID: blockedID,
		Status:   status,
	})
}

func (h *Hub) NotifyAvatarChanged(ctx context.Context, userID, avatarURL string) {
	h.presence.AvatarChanged(ctx, userID, avatarURL)
}
