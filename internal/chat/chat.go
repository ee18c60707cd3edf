package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"parley/internal/content"
	"parley/internal/models"
	"parley/internal/push"
	"parley/internal/registry"

	"github.com/samber/lo"
)

const (
	DefaultEditWindow = 5 * time.Minute
	previewLength     = 120
)

type Store interface {
	GetUser(id string) (models.User, error)
	CreateMessage(msg models.Message) (models.Message, error)
	UpdateMessage(roomID string, id int64, fn func(m *models.Message) error) (models.Message, error)
	MarkDelivered(roomID string, ids []int64, at int64) ([]models.Message, error)
	AckDelivered(roomID, recipientID string, ids []int64, at int64) ([]models.Message, error)
	MarkRead(roomID, readerID string, ids []int64, at int64) ([]models.Message, error)
	DeleteMessage(roomID string, id int64, guard func(m models.Message) error) (models.Message, error)
	ClearRoomMessages(roomID string) (int, error)
}

type Rooms interface {
	RequireMember(roomID, userID string) (models.Room, error)
	MembersOf(roomID string) ([]string, error)
	IsAdmin(roomID, userID string) (bool, error)
}

type Blocks interface {
	CanDeliver(a, b string) (bool, error)
	BlockersOf(userID string) ([]string, error)
}

// Delivery is the live-connection side of fan-out.
type Delivery interface {
	SendToUser(ctx context.Context, userID string, msg models.ServerMessage) int
	SendToUserExcept(ctx context.Context, userID, exceptConnID string, msg models.ServerMessage) int
	SendToUsers(ctx context.Context, userIDs []string, msg models.ServerMessage) map[string]int
	SendToConn(ctx context.Context, userID string, sink registry.Sink, msg models.ServerMessage) bool
}

type Pusher interface {
	Notify(userID string, n push.Notification)
}

type Config struct {
	Store      Store
	Rooms      Rooms
	Blocks     Blocks
	Delivery   Delivery
	Push       Pusher // optional
	Log        *slog.Logger
	EditWindow time.Duration
}

// Pipeline validates, persists and fans out chat messages and tracks
// their delivery and read state.
type Pipeline struct {
	store      Store
	rooms      Rooms
	blocks     Blocks
	delivery   Delivery
	push       Pusher
	log        *slog.Logger
	editWindow time.Duration
	now        func() time.Time
}

func New(config Config) *Pipeline {
	if config.Log == nil {
		config.Log = slog.Default()
	}
	if config.EditWindow <= 0 {
		config.EditWindow = DefaultEditWindow
	}
	return &Pipeline{
		store:      config.Store,
		rooms:      config.Rooms,
		blocks:     config.Blocks,
		delivery:   config.Delivery,
		push:       config.Push,
		log:        config.Log,
		editWindow: config.EditWindow,
		now:        time.Now,
	}
}

type SendRequest struct {
	SenderID string
	RoomID   string
	Content  string
	TempID   string
	// Origin is the connection that issued the send. It receives the
	// echo carrying TempID. May be nil.
	Origin registry.Sink
}

// Send persists a message and delivers it to every reachable member.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (models.Message, error) {
	body, err := content.PrepareMessage(req.Content)
	if err != nil {
		return models.Message{}, err
	}

	room, err := p.rooms.RequireMember(req.RoomID, req.SenderID)
	if err != nil {
		return models.Message{}, err
	}

	targets, err := p.fanoutTargets(room, req.SenderID)
	if err != nil {
		return models.Message{}, err
	}

	msg, err := p.store.CreateMessage(models.Message{
		RoomID:    room.ID,
		SenderID:  req.SenderID,
		Content:   body,
		CreatedAt: p.now().Unix(),
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("persist message: %w", err)
	}

	out := render(msg)
	relayed := out
	delivered := p.delivery.SendToUsers(ctx, targets, models.ServerMessage{
		Type:    models.ServerMessageTypeMessage,
		RoomID:  room.ID,
		UserID:  req.SenderID,
		Message: &relayed,
	})

	if len(delivered) > 0 {
		at := p.now().Unix()
		if _, err := p.store.MarkDelivered(room.ID, []int64{msg.ID}, at); err != nil {
			p.log.Error("failed to persist delivery", "room_id", room.ID, "message_id", msg.ID, "error", err)
		} else {
			out.Delivered, out.DeliveredAt = true, at
		}
	}

	p.pushOffline(req.SenderID, out, lo.Filter(targets, func(id string, _ int) bool {
		return delivered[id] == 0
	}))

	echo := models.ServerMessage{
		Type:    models.ServerMessageTypeMessage,
		RoomID:  room.ID,
		UserID:  req.SenderID,
		Self:    true,
		Message: &out,
	}
	if req.Origin != nil {
		withTemp := echo
		withTemp.TempID = req.TempID
		p.delivery.SendToConn(ctx, req.SenderID, req.Origin, withTemp)
		p.delivery.SendToUserExcept(ctx, req.SenderID, req.Origin.ID(), echo)
	} else {
		p.delivery.SendToUser(ctx, req.SenderID, echo)
	}

	p.log.Debug("message sent",
		"room_id", room.ID,
		"message_id", msg.ID,
		"user_id", req.SenderID,
		"recipients", len(targets),
		"delivered", len(delivered),
	)
	return out, nil
}

// fanoutTargets computes who should receive a message from senderID.
// Direct rooms fail with ErrBlocked when a block exists either way; in
// groups members who blocked the sender are left out.
func (p *Pipeline) fanoutTargets(room models.Room, senderID string) ([]string, error) {
	members, err := p.rooms.MembersOf(room.ID)
	if err != nil {
		return nil, err
	}
	targets := lo.Without(members, senderID)

	if !room.IsGroup() {
		for _, peer := range targets {
			ok, err := p.blocks.CanDeliver(senderID, peer)
			if err != nil {
				return nil, models.Transient(err)
			}
			if !ok {
				return nil, fmt.Errorf("%w: delivery to %s is blocked", models.ErrBlocked, peer)
			}
		}
		return targets, nil
	}

	blockers, err := p.blocks.BlockersOf(senderID)
	if err != nil {
		return nil, models.Transient(err)
	}
	return lo.Without(targets, blockers...), nil
}

func (p *Pipeline) pushOffline(senderID string, msg models.Message, userIDs []string) {
	if p.push == nil || len(userIDs) == 0 {
		return
	}
	title := senderID
	if sender, err := p.store.GetUser(senderID); err == nil {
		title = sender.Name()
	}
	n := push.Notification{
		Title:     title,
		Body:      content.Preview(msg.Content, previewLength),
		RoomID:    msg.RoomID,
		MessageID: msg.ID,
	}
	for _, id := range userIDs {
		p.push.Notify(id, n)
	}
}

type ReceiptRequest struct {
	UserID     string
	RoomID     string
	MessageIDs []int64
	Origin     registry.Sink // optional
}

// MarkSeen marks messages read on behalf of req.UserID and notifies each
// original sender of the ids that changed state. Ids that are unknown,
// foreign to the room, sent by the reader or already read are dropped.
func (p *Pipeline) MarkSeen(ctx context.Context, req ReceiptRequest) ([]int64, error) {
	if _, err := p.rooms.RequireMember(req.RoomID, req.UserID); err != nil {
		return nil, err
	}

	changed, err := p.store.MarkRead(req.RoomID, req.UserID, req.MessageIDs, p.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	accepted := messageIDs(changed)

	p.notifySenders(ctx, models.ServerMessageTypeMessageRead, req, changed)

	if req.Origin != nil {
		p.delivery.SendToConn(ctx, req.UserID, req.Origin, models.ServerMessage{
			Type:       models.ServerMessageTypeSeenConfirmation,
			RoomID:     req.RoomID,
			MessageIDs: accepted,
		})
	}
	return accepted, nil
}

// AckDelivered records that the recipient's client received the messages.
func (p *Pipeline) AckDelivered(ctx context.Context, req ReceiptRequest) ([]int64, error) {
	if _, err := p.rooms.RequireMember(req.RoomID, req.UserID); err != nil {
		return nil, err
	}

	changed, err := p.store.AckDelivered(req.RoomID, req.UserID, req.MessageIDs, p.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("mark delivered: %w", err)
	}

	p.notifySenders(ctx, models.ServerMessageTypeMessageDelivered, req, changed)
	return messageIDs(changed), nil
}

func (p *Pipeline) notifySenders(ctx context.Context, t models.ServerMessageType, req ReceiptRequest, changed []models.Message) {
	if len(changed) == 0 {
		return
	}
	username := ""
	if u, err := p.store.GetUser(req.UserID); err == nil {
		username = u.UserName
	}
	for senderID, msgs := range lo.GroupBy(changed, func(m models.Message) string { return m.SenderID }) {
		p.delivery.SendToUser(ctx, senderID, models.ServerMessage{
			Type:       t,
			RoomID:     req.RoomID,
			UserID:     req.UserID,
			Username:   username,
			MessageIDs: messageIDs(msgs),
		})
	}
}

type EditRequest struct {
	UserID    string
	RoomID    string
	MessageID int64
	Content   string
}

// Edit replaces the content of a message. Only the sender may edit, and
// only within the edit window. Delivery and read state are kept.
func (p *Pipeline) Edit(ctx context.Context, req EditRequest) (models.Message, error) {
	body, err := content.PrepareMessage(req.Content)
	if err != nil {
		return models.Message{}, err
	}
	if _, err := p.rooms.RequireMember(req.RoomID, req.UserID); err != nil {
		return models.Message{}, err
	}

	now := p.now()
	msg, err := p.store.UpdateMessage(req.RoomID, req.MessageID, func(m *models.Message) error {
		if m.SenderID != req.UserID {
			return fmt.Errorf("%w: only the sender can edit a message", models.ErrForbidden)
		}
		if now.Sub(time.Unix(m.CreatedAt, 0)) > p.editWindow {
			return models.ErrEditWindow
		}
		m.Content = body
		m.Edited, m.EditedAt = true, now.Unix()
		m.Translated, m.TranslatedTo, m.OriginalContent = false, "", ""
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}

	out := render(msg)
	p.broadcast(ctx, req.RoomID, models.ServerMessage{
		Type:      models.ServerMessageTypeMessageUpdated,
		RoomID:    req.RoomID,
		UserID:    req.UserID,
		MessageID: msg.ID,
		Content:   msg.Content,
		EditedAt:  msg.EditedAt,
		Message:   &out,
	})
	return out, nil
}

type DeleteRequest struct {
	UserID    string
	RoomID    string
	MessageID int64
}

// Delete removes a message. The sender may always delete; in groups any
// admin may too. All members receive a tombstone.
func (p *Pipeline) Delete(ctx context.Context, req DeleteRequest) error {
	room, err := p.rooms.RequireMember(req.RoomID, req.UserID)
	if err != nil {
		return err
	}
	admin := false
	if room.IsGroup() {
		if admin, err = p.rooms.IsAdmin(req.RoomID, req.UserID); err != nil {
			return err
		}
	}

	msg, err := p.store.DeleteMessage(req.RoomID, req.MessageID, func(m models.Message) error {
		if m.SenderID == req.UserID || admin {
			return nil
		}
		return fmt.Errorf("%w: only the sender or an admin can delete a message", models.ErrForbidden)
	})
	if err != nil {
		return err
	}

	p.broadcast(ctx, req.RoomID, models.ServerMessage{
		Type:      models.ServerMessageTypeMessageDeleted,
		RoomID:    req.RoomID,
		MessageID: msg.ID,
		DeletedBy: req.UserID,
	})
	return nil
}

// ClearRoom deletes every message in a room. Either member of a direct
// room may clear it; in groups only admins may.
func (p *Pipeline) ClearRoom(ctx context.Context, userID, roomID string) (int, error) {
	room, err := p.rooms.RequireMember(roomID, userID)
	if err != nil {
		return 0, err
	}
	if room.IsGroup() {
		admin, err := p.rooms.IsAdmin(roomID, userID)
		if err != nil {
			return 0, err
		}
		if !admin {
			return 0, fmt.Errorf("%w: only admins can clear a group", models.ErrForbidden)
		}
	}

	n, err := p.store.ClearRoomMessages(roomID)
	if err != nil {
		return 0, err
	}

	p.broadcast(ctx, roomID, models.ServerMessage{
		Type:   models.ServerMessageTypeRoomCleared,
		RoomID: roomID,
		UserID: userID,
	})
	p.log.Info("room cleared", "room_id", roomID, "user_id", userID, "count", n)
	return n, nil
}

// ApplyTranslation overlays translated text on a message. The original
// content is kept from the first translation so it can be restored.
func (p *Pipeline) ApplyTranslation(userID, roomID string, messageID int64, text, lang string) (models.Message, error) {
	body, err := content.PrepareMessage(text)
	if err != nil {
		return models.Message{}, err
	}
	if lang == "" {
		return models.Message{}, fmt.Errorf("%w: language is required", models.ErrInvalid)
	}
	if _, err := p.rooms.RequireMember(roomID, userID); err != nil {
		return models.Message{}, err
	}

	msg, err := p.store.UpdateMessage(roomID, messageID, func(m *models.Message) error {
		if !m.Translated {
			m.OriginalContent = m.Content
		}
		m.Content = body
		m.Translated, m.TranslatedTo = true, lang
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return render(msg), nil
}

// RestoreOriginal removes the translation overlay.
func (p *Pipeline) RestoreOriginal(userID, roomID string, messageID int64) (models.Message, error) {
	if _, err := p.rooms.RequireMember(roomID, userID); err != nil {
		return models.Message{}, err
	}

	msg, err := p.store.UpdateMessage(roomID, messageID, func(m *models.Message) error {
		if !m.Translated {
			return fmt.Errorf("%w: message %d is not translated", models.ErrInvalid, m.ID)
		}
		m.Content = m.OriginalContent
		m.Translated, m.TranslatedTo, m.OriginalContent = false, "", ""
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return render(msg), nil
}

func (p *Pipeline) broadcast(ctx context.Context, roomID string, msg models.ServerMessage) {
	members, err := p.rooms.MembersOf(roomID)
	if err != nil {
		p.log.Warn("failed to resolve members for broadcast", "room_id", roomID, "type", msg.Type, "error", err)
		return
	}
	p.delivery.SendToUsers(ctx, members, msg)
}

func render(m models.Message) models.Message {
	m.HTML = content.Render(m.Content)
	return m
}

func messageIDs(msgs []models.Message) []int64 {
	return lo.Map(msgs, func(m models.Message, _ int) int64 { return m.ID })
}
