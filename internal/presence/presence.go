package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"parley/internal/models"
	"parley/internal/registry"

	"github.com/samber/lo"
)

type Store interface {
	GetUser(id string) (models.User, error)
	SetPresence(id string, online bool, lastSeen int64) error
}

type Rooms interface {
	RequireMember(roomID, userID string) (models.Room, error)
	MembersOf(roomID string) ([]string, error)
	Contacts(userID string) ([]string, error)
	CoMembers(userID string) ([]string, error)
}

type Blocks interface {
	CanDeliver(a, b string) (bool, error)
	BlockersOf(userID string) ([]string, error)
}

type Connections interface {
	Register(userID string, sink registry.Sink) bool
	Unregister(userID string, sink registry.Sink) bool
	Online(userIDs []string) []string
	SendToUsers(ctx context.Context, userIDs []string, msg models.ServerMessage) map[string]int
	SendToConn(ctx context.Context, userID string, sink registry.Sink, msg models.ServerMessage) bool
}

type Config struct {
	Store       Store
	Rooms       Rooms
	Blocks      Blocks
	Connections Connections
	Log         *slog.Logger
}

// Broadcaster admits connections into the registry and tells contacts
// when an identity comes online or goes offline. Only the first
// connection and the last disconnection of an identity are announced.
type Broadcaster struct {
	store  Store
	rooms  Rooms
	blocks Blocks
	conns  Connections
	log    *slog.Logger
	now    func() time.Time

	// Transitions of one identity are serialized so the persisted flag
	// and the announcements follow registry order.
	locks userLocks
}

func New(config Config) *Broadcaster {
	if config.Log == nil {
		config.Log = slog.Default()
	}
	return &Broadcaster{
		store:  config.Store,
		rooms:  config.Rooms,
		blocks: config.Blocks,
		conns:  config.Connections,
		log:    config.Log,
		now:    time.Now,
		locks:  userLocks{held: make(map[string]*userLock)},
	}
}

// userLocks hands out one mutex per identity, kept only while in use.
type userLocks struct {
	mu   sync.Mutex
	held map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func (u *userLocks) lock(userID string) (unlock func()) {
	u.mu.Lock()
	l, ok := u.held[userID]
	if !ok {
		l = &userLock{}
		u.held[userID] = l
	}
	l.refs++
	u.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		u.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(u.held, userID)
		}
		u.mu.Unlock()
	}
}

// Connect registers sink for userID. On the identity's first connection
// it is marked online and its online contacts are notified. The new
// connection receives the current status of its online contacts.
func (b *Broadcaster) Connect(ctx context.Context, userID string, sink registry.Sink) {
	unlock := b.locks.lock(userID)
	first := b.conns.Register(userID, sink)
	if first {
		now := b.now().Unix()
		if err := b.store.SetPresence(userID, true, now); err != nil {
			b.log.Warn("failed to persist presence", "user_id", userID, "error", err)
		}
		b.announce(ctx, userID, models.StatusOnline, 0)
	}
	unlock()

	b.sendSnapshot(ctx, userID, sink)
}

// Disconnect removes sink. When it was the identity's last connection the
// identity is marked offline with a last-seen timestamp and contacts are
// notified. Repeated calls for the same sink are no-ops.
func (b *Broadcaster) Disconnect(ctx context.Context, userID string, sink registry.Sink) {
	defer b.locks.lock(userID)()

	if !b.conns.Unregister(userID, sink) {
		return
	}
	now := b.now().Unix()
	if err := b.store.SetPresence(userID, false, now); err != nil {
		b.log.Warn("failed to persist presence", "user_id", userID, "error", err)
	}
	b.announce(ctx, userID, models.StatusOffline, now)
}

func (b *Broadcaster) announce(ctx context.Context, userID, status string, lastSeen int64) {
	contacts, err := b.rooms.Contacts(userID)
	if err != nil {
		b.log.Warn("failed to resolve contacts", "user_id", userID, "error", err)
		return
	}
	online := b.conns.Online(contacts)
	if len(online) == 0 {
		return
	}

	msg := models.ServerMessage{
		Type:     models.ServerMessageTypeStatus,
		UserID:   userID,
		Status:   status,
		LastSeen: lastSeen,
	}
	if u, err := b.store.GetUser(userID); err == nil {
		msg.Username = u.UserName
	}
	b.conns.SendToUsers(ctx, online, msg)
	b.log.Debug("presence announced", "user_id", userID, "status", status, "audience", len(online))
}

func (b *Broadcaster) sendSnapshot(ctx context.Context, userID string, sink registry.Sink) {
	contacts, err := b.rooms.Contacts(userID)
	if err != nil {
		b.log.Warn("failed to resolve contacts", "user_id", userID, "error", err)
		return
	}
	for _, id := range b.conns.Online(contacts) {
		b.conns.SendToConn(ctx, userID, sink, models.ServerMessage{
			Type:   models.ServerMessageTypeStatus,
			UserID: id,
			Status: models.StatusOnline,
		})
	}
}

// Typing relays a typing indicator to the other members of a room.
// Delivery is best effort; only the membership check can fail.
func (b *Broadcaster) Typing(ctx context.Context, userID, roomID, status string) error {
	room, err := b.rooms.RequireMember(roomID, userID)
	if err != nil {
		return err
	}
	members, err := b.rooms.MembersOf(roomID)
	if err != nil {
		b.log.Debug("typing dropped", "room_id", roomID, "error", err)
		return nil
	}
	targets := lo.Without(members, userID)

	if room.IsGroup() {
		if blockers, err := b.blocks.BlockersOf(userID); err == nil {
			targets = lo.Without(targets, blockers...)
		}
	} else {
		targets = lo.Filter(targets, func(peer string, _ int) bool {
			ok, err := b.blocks.CanDeliver(userID, peer)
			return err == nil && ok
		})
	}

	b.conns.SendToUsers(ctx, b.conns.Online(targets), models.ServerMessage{
		Type:   models.ServerMessageTypeTyping,
		RoomID: roomID,
		UserID: userID,
		Status: status,
	})
	return nil
}

// AvatarChanged tells every online identity sharing a room with userID
// about its new avatar.
func (b *Broadcaster) AvatarChanged(ctx context.Context, userID, avatarURL string) {
	peers, err := b.rooms.CoMembers(userID)
	if err != nil {
		b.log.Warn("failed to resolve co-members", "user_id", userID, "error", err)
		return
	}
	b.conns.SendToUsers(ctx, b.conns.Online(peers), models.ServerMessage{
		Type:      models.ServerMessageTypeAvatarChanged,
		UserID:    userID,
		AvatarURL: avatarURL,
	})
}
