package rooms

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"parley/internal/models"

	"github.com/samber/lo"
)

// Store is the slice of persistent storage the resolver needs.
type Store interface {
	GetUser(id string) (models.User, error)
	GetRoom(roomID string) (models.Room, error)
	GetOrCreateDirectRoom(a, b string, now int64) (models.Room, bool, error)
	CreateGroupRoom(name, creatorID string, memberIDs []string, now int64) (models.Room, []string, error)
	ListMembers(roomID string) ([]models.Membership, error)
	GetMembership(roomID, userID string) (models.Membership, error)
	AddMembers(roomID string, userIDs []string, now int64) ([]string, error)
	RemoveMember(roomID, userID string) (bool, error)
	SetAdmin(roomID, userID string, admin bool) error
	ListUserRooms(userID string) ([]models.Room, error)
}

// Resolver answers membership questions and manages room lifecycle.
type Resolver struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

func NewResolver(store Store, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		store: store,
		log:   log,
		now:   time.Now,
	}
}

// DirectRoomBetween returns the canonical direct room of a and b, creating
// it when needed. created reports whether this call created it.
func (r *Resolver) DirectRoomBetween(a, b string) (room models.Room, created bool, err error) {
	room, created, err = r.store.GetOrCreateDirectRoom(a, b, r.now().Unix())
	if err != nil {
		return models.Room{}, false, fmt.Errorf("resolve direct room: %w", err)
	}
	if created {
		r.log.Info("direct room created", "room_id", room.ID, "user_id", a, "peer_id", b)
	}
	return room, created, nil
}

func (r *Resolver) Room(roomID string) (models.Room, error) {
	return r.store.GetRoom(roomID)
}

// MembersOf returns member ids ordered by join time.
func (r *Resolver) MembersOf(roomID string) ([]string, error) {
	members, err := r.store.ListMembers(roomID)
	if err != nil {
		return nil, err
	}
	return lo.Map(members, func(m models.Membership, _ int) string { return m.UserID }), nil
}

func (r *Resolver) Memberships(roomID string) ([]models.Membership, error) {
	return r.store.ListMembers(roomID)
}

func (r *Resolver) IsMember(roomID, userID string) (bool, error) {
	_, err := r.store.GetMembership(roomID, userID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r *Resolver) IsAdmin(roomID, userID string) (bool, error) {
	m, err := r.store.GetMembership(roomID, userID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.Admin, nil
}

// RequireMember loads the room and fails with ErrForbidden if userID is not in it.
func (r *Resolver) RequireMember(roomID, userID string) (models.Room, error) {
	room, err := r.store.GetRoom(roomID)
	if err != nil {
		return models.Room{}, err
	}
	ok, err := r.IsMember(roomID, userID)
	if err != nil {
		return models.Room{}, err
	}
	if !ok {
		return models.Room{}, fmt.Errorf("%w: %s is not a member of room %s", models.ErrForbidden, userID, roomID)
	}
	return room, nil
}

// PeerInDirect returns the other member of a direct room.
func (r *Resolver) PeerInDirect(roomID, userID string) (string, error) {
	members, err := r.MembersOf(roomID)
	if err != nil {
		return "", err
	}
	for _, id := range members {
		if id != userID {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: direct room %s has no peer", models.ErrNotFound, roomID)
}

// Contacts returns the identities sharing a direct room with userID.
func (r *Resolver) Contacts(userID string) ([]string, error) {
	rooms, err := r.store.ListUserRooms(userID)
	if err != nil {
		return nil, err
	}
	var contacts []string
	for _, room := range rooms {
		if room.IsGroup() {
			continue
		}
		peer, err := r.PeerInDirect(room.ID, userID)
		if err != nil {
			r.log.Warn("direct room without peer", "room_id", room.ID, "user_id", userID, "error", err)
			continue
		}
		contacts = append(contacts, peer)
	}
	return lo.Uniq(contacts), nil
}

// CoMembers returns every identity sharing any room with userID.
func (r *Resolver) CoMembers(userID string) ([]string, error) {
	rooms, err := r.store.ListUserRooms(userID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, room := range rooms {
		members, err := r.MembersOf(room.ID)
		if err != nil {
			return nil, err
		}
		ids = append(ids, members...)
	}
	return lo.Without(lo.Uniq(ids), userID), nil
}

// CreateGroup creates a group seeded with creatorID as the sole admin.
// Ids that do not name an existing identity are skipped, not rejected.
func (r *Resolver) CreateGroup(name, creatorID string, memberIDs []string) (models.Room, []string, error) {
	if name == "" {
		return models.Room{}, nil, fmt.Errorf("%w: group name is required", models.ErrInvalid)
	}
	room, added, err := r.store.CreateGroupRoom(name, creatorID, memberIDs, r.now().Unix())
	if err != nil {
		return models.Room{}, nil, fmt.Errorf("create group: %w", err)
	}
	if skipped := lo.Without(lo.Uniq(memberIDs), added...); len(skipped) > 0 {
		r.log.Info("group created with unknown members skipped", "room_id", room.ID, "skipped", skipped)
	}
	return room, added, nil
}

func (r *Resolver) requireGroupAdmin(roomID, actorID string) error {
	room, err := r.RequireMember(roomID, actorID)
	if err != nil {
		return err
	}
	if !room.IsGroup() {
		return fmt.Errorf("%w: room %s is not a group", models.ErrInvalid, roomID)
	}
	admin, err := r.IsAdmin(roomID, actorID)
	if err != nil {
		return err
	}
	if !admin {
		return fmt.Errorf("%w: %s is not an admin of %s", models.ErrForbidden, actorID, roomID)
	}
	return nil
}

// AddMembers lets a group admin add identities. Unknown ids are skipped.
func (r *Resolver) AddMembers(actorID, roomID string, userIDs []string) ([]string, error) {
	if err := r.requireGroupAdmin(roomID, actorID); err != nil {
		return nil, err
	}
	return r.store.AddMembers(roomID, userIDs, r.now().Unix())
}

// RemoveMember removes userID from a group. Admins may remove anyone;
// other members may only remove themselves. deleted reports whether the
// group was deleted because it became empty.
func (r *Resolver) RemoveMember(actorID, roomID, userID string) (deleted bool, err error) {
	if actorID != userID {
		if err := r.requireGroupAdmin(roomID, actorID); err != nil {
			return false, err
		}
	}
	deleted, err = r.store.RemoveMember(roomID, userID)
	if err != nil {
		return false, err
	}
	if deleted {
		r.log.Info("group deleted", "room_id", roomID, "user_id", userID)
	}
	return deleted, nil
}

// SetAdmin lets a group admin promote or demote a member.
func (r *Resolver) SetAdmin(actorID, roomID, userID string, admin bool) error {
	if err := r.requireGroupAdmin(roomID, actorID); err != nil {
		return err
	}
	return r.store.SetAdmin(roomID, userID, admin)
}

// Info builds the room summary shown to viewerID.
func (r *Resolver) Info(room models.Room, viewerID string) (models.RoomInfo, error) {
	info := models.RoomInfo{ID: room.ID, Kind: room.Kind, Name: room.Name}
	members, err := r.MembersOf(room.ID)
	if err != nil {
		return info, err
	}
	if room.IsGroup() {
		info.Members = members
		return info, nil
	}
	for _, id := range members {
		if id == viewerID {
			continue
		}
		peer, err := r.store.GetUser(id)
		if err != nil {
			return info, err
		}
		info.UserID = peer.ID
		info.Username = peer.UserName
		info.Name = peer.Name()
		info.AvatarURL = peer.AvatarURL
	}
	return info, nil
}
