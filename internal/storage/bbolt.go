package storage

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"parley/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketUsers       = []byte("users")
	bucketUsernames   = []byte("usernames")
	bucketRooms       = []byte("rooms")
	bucketMembers     = []byte("members")
	bucketUserRooms   = []byte("user_rooms")
	bucketDirectPairs = []byte("direct_pairs")
	bucketMessages    = []byte("messages")
	bucketBlocks      = []byte("blocks")
	bucketBlockedBy   = []byte("blocked_by")
	bucketPush        = []byte("push_subscriptions")

	rootBuckets = [][]byte{
		bucketUsers, bucketUsernames, bucketRooms, bucketMembers, bucketUserRooms,
		bucketDirectPairs, bucketMessages, bucketBlocks, bucketBlockedBy, bucketPush,
	}
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range rootBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func (s *BboltStorage) view(fn func(tx *bbolt.Tx) error) error {
	return models.Transient(s.db.View(fn))
}

func (s *BboltStorage) update(fn func(tx *bbolt.Tx) error) error {
	return models.Transient(s.db.Update(fn))
}

func get(b *bbolt.Bucket, key []byte, v Storeable) (bool, error) {
	if b == nil {
		return false, nil
	}
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	if err := v.UnmarshalBinary(data); err != nil {
		return false, fmt.Errorf("failed to unmarshal %q: %w", key, err)
	}
	return true, nil
}

func put(b *bbolt.Bucket, v Storeable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal %q: %w", v.Key(), err)
	}
	return b.Put(v.Key(), data)
}

// nested returns the child bucket of root named key, creating it when create is set.
func nested(tx *bbolt.Tx, root []byte, key string, create bool) (*bbolt.Bucket, error) {
	parent := tx.Bucket(root)
	if !create {
		return parent.Bucket([]byte(key)), nil
	}
	return parent.CreateBucketIfNotExists([]byte(key))
}

func deleteNested(tx *bbolt.Tx, root []byte, key string) error {
	err := tx.Bucket(root).DeleteBucket([]byte(key))
	if errors.Is(err, bbolt.ErrBucketNotFound) {
		return nil
	}
	return err
}

// Users

func userFromDB(u DBUser) models.User {
	return models.User{
		ID:          u.ID,
		UserName:    u.UserName,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		Presence: models.Presence{
			Online:   u.Online,
			LastSeen: u.LastSeen,
		},
		CreatedAt: u.CreatedAt,
	}
}

// UpsertUser stores a new or updated identity. Usernames are unique
// case-insensitively; a clash with another identity yields ErrUserExists.
func (s *BboltStorage) UpsertUser(user models.User) error {
	if user.ID == "" || user.UserName == "" {
		return fmt.Errorf("%w: user id and username are required", models.ErrInvalid)
	}
	return s.update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		names := tx.Bucket(bucketUsernames)

		nameKey := []byte(strings.ToLower(user.UserName))
		if owner := names.Get(nameKey); owner != nil && string(owner) != user.ID {
			return fmt.Errorf("%w: %s", models.ErrUserExists, user.UserName)
		}

		var prev DBUser
		found, err := get(users, []byte(user.ID), &prev)
		if err != nil {
			return err
		}
		if found && !strings.EqualFold(prev.UserName, user.UserName) {
			if err := names.Delete([]byte(strings.ToLower(prev.UserName))); err != nil {
				return err
			}
		}

		dbUser := &DBUser{
			ID:          user.ID,
			UserName:    user.UserName,
			DisplayName: user.DisplayName,
			AvatarURL:   user.AvatarURL,
			Online:      user.Presence.Online,
			LastSeen:    user.Presence.LastSeen,
			CreatedAt:   user.CreatedAt,
		}
		if err := put(users, dbUser); err != nil {
			return err
		}
		return names.Put(nameKey, []byte(user.ID))
	})
}

func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var user models.User
	err := s.view(func(tx *bbolt.Tx) error {
		var dbUser DBUser
		found, err := get(tx.Bucket(bucketUsers), []byte(id), &dbUser)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: user %s", models.ErrNotFound, id)
		}
		user = userFromDB(dbUser)
		return nil
	})
	return user, err
}

func (s *BboltStorage) GetUserByName(username string) (models.User, error) {
	var user models.User
	err := s.view(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketUsernames).Get([]byte(strings.ToLower(username)))
		if id == nil {
			return fmt.Errorf("%w: user %s", models.ErrNotFound, username)
		}
		var dbUser DBUser
		found, err := get(tx.Bucket(bucketUsers), id, &dbUser)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: user %s", models.ErrNotFound, username)
		}
		user = userFromDB(dbUser)
		return nil
	})
	return user, err
}

func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, userFromDB(dbUser))
			return nil
		})
	})
	return users, err
}

func (s *BboltStorage) updateUser(id string, fn func(u *DBUser)) error {
	return s.update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		var dbUser DBUser
		found, err := get(users, []byte(id), &dbUser)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: user %s", models.ErrNotFound, id)
		}
		fn(&dbUser)
		return put(users, &dbUser)
	})
}

// SetPresence persists the cached online flag and last-seen timestamp.
func (s *BboltStorage) SetPresence(id string, online bool, lastSeen int64) error {
	return s.updateUser(id, func(u *DBUser) {
		u.Online = online
		u.LastSeen = lastSeen
	})
}

func (s *BboltStorage) UpdateAvatar(id, avatarURL string) error {
	return s.updateUser(id, func(u *DBUser) {
		u.AvatarURL = avatarURL
	})
}

// Rooms

func roomFromDB(r DBRoom) models.Room {
	return models.Room{
		ID:        r.ID,
		Kind:      models.RoomKind(r.Kind),
		Name:      r.Name,
		CreatedAt: r.CreatedAt,
	}
}

func pairKey(a, b string) []byte {
	if b < a {
		a, b = b, a
	}
	return []byte(a + "|" + b)
}

func getRoom(tx *bbolt.Tx, roomID string) (DBRoom, error) {
	var dbRoom DBRoom
	found, err := get(tx.Bucket(bucketRooms), []byte(roomID), &dbRoom)
	if err != nil {
		return dbRoom, err
	}
	if !found {
		return dbRoom, fmt.Errorf("%w: room %s", models.ErrNotFound, roomID)
	}
	return dbRoom, nil
}

func userExists(tx *bbolt.Tx, id string) bool {
	return tx.Bucket(bucketUsers).Get([]byte(id)) != nil
}

func addMember(tx *bbolt.Tx, roomID string, m *DBMember) error {
	members, err := nested(tx, bucketMembers, roomID, true)
	if err != nil {
		return err
	}
	if err := put(members, m); err != nil {
		return err
	}
	userRooms, err := nested(tx, bucketUserRooms, m.UserID, true)
	if err != nil {
		return err
	}
	return userRooms.Put([]byte(roomID), []byte{})
}

func (s *BboltStorage) GetRoom(roomID string) (models.Room, error) {
	var room models.Room
	err := s.view(func(tx *bbolt.Tx) error {
		dbRoom, err := getRoom(tx, roomID)
		if err != nil {
			return err
		}
		room = roomFromDB(dbRoom)
		return nil
	})
	return room, err
}

// GetOrCreateDirectRoom returns the direct room for the unordered pair {a, b},
// creating it together with both memberships when absent. bbolt serializes
// writers, so lookup and creation cannot interleave with a concurrent call.
func (s *BboltStorage) GetOrCreateDirectRoom(a, b string, now int64) (models.Room, bool, error) {
	if a == b {
		return models.Room{}, false, fmt.Errorf("%w: direct room needs two distinct users", models.ErrInvalid)
	}

	var (
		room    models.Room
		created bool
	)
	err := s.update(func(tx *bbolt.Tx) error {
		pairs := tx.Bucket(bucketDirectPairs)
		key := pairKey(a, b)
		if id := pairs.Get(key); id != nil {
			dbRoom, err := getRoom(tx, string(id))
			if err != nil {
				return err
			}
			room = roomFromDB(dbRoom)
			return nil
		}

		for _, id := range []string{a, b} {
			if !userExists(tx, id) {
				return fmt.Errorf("%w: user %s", models.ErrNotFound, id)
			}
		}

		dbRoom := &DBRoom{
			ID:        uuid.NewString(),
			Kind:      string(models.RoomKindDirect),
			CreatedAt: now,
		}
		if err := put(tx.Bucket(bucketRooms), dbRoom); err != nil {
			return err
		}
		for _, id := range []string{a, b} {
			if err := addMember(tx, dbRoom.ID, &DBMember{UserID: id, JoinedAt: now}); err != nil {
				return err
			}
		}
		if err := pairs.Put(key, []byte(dbRoom.ID)); err != nil {
			return err
		}

		room = roomFromDB(*dbRoom)
		created = true
		return nil
	})
	return room, created, err
}

// CreateGroupRoom creates a group with creatorID as its only admin.
// Member ids that do not reference an existing user are skipped.
// It returns the ids that ended up as members, creator first.
func (s *BboltStorage) CreateGroupRoom(name, creatorID string, memberIDs []string, now int64) (models.Room, []string, error) {
	var (
		room  models.Room
		added []string
	)
	err := s.update(func(tx *bbolt.Tx) error {
		if !userExists(tx, creatorID) {
			return fmt.Errorf("%w: user %s", models.ErrNotFound, creatorID)
		}

		dbRoom := &DBRoom{
			ID:        uuid.NewString(),
			Kind:      string(models.RoomKindGroup),
			Name:      name,
			CreatedAt: now,
		}
		if err := put(tx.Bucket(bucketRooms), dbRoom); err != nil {
			return err
		}

		if err := addMember(tx, dbRoom.ID, &DBMember{UserID: creatorID, Admin: true, JoinedAt: now}); err != nil {
			return err
		}
		added = append(added, creatorID)

		for _, id := range memberIDs {
			if slices.Contains(added, id) || !userExists(tx, id) {
				continue
			}
			if err := addMember(tx, dbRoom.ID, &DBMember{UserID: id, JoinedAt: now}); err != nil {
				return err
			}
			added = append(added, id)
		}

		room = roomFromDB(*dbRoom)
		return nil
	})
	return room, added, err
}

func listMembers(tx *bbolt.Tx, roomID string) ([]models.Membership, error) {
	if _, err := getRoom(tx, roomID); err != nil {
		return nil, err
	}
	b, err := nested(tx, bucketMembers, roomID, false)
	if err != nil || b == nil {
		return nil, err
	}

	var members []models.Membership
	err = b.ForEach(func(k, v []byte) error {
		var m DBMember
		if err := m.UnmarshalBinary(v); err != nil {
			return err
		}
		members = append(members, models.Membership{
			RoomID:   roomID,
			UserID:   m.UserID,
			Admin:    m.Admin,
			JoinedAt: m.JoinedAt,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(members, func(x, y models.Membership) int {
		if x.JoinedAt != y.JoinedAt {
			if x.JoinedAt < y.JoinedAt {
				return -1
			}
			return 1
		}
		return strings.Compare(x.UserID, y.UserID)
	})
	return members, nil
}

// ListMembers returns memberships ordered by join time, then user id.
func (s *BboltStorage) ListMembers(roomID string) ([]models.Membership, error) {
	var members []models.Membership
	err := s.view(func(tx *bbolt.Tx) error {
		var err error
		members, err = listMembers(tx, roomID)
		return err
	})
	return members, err
}

func getMember(tx *bbolt.Tx, roomID, userID string) (DBMember, bool, error) {
	var m DBMember
	b, err := nested(tx, bucketMembers, roomID, false)
	if err != nil {
		return m, false, err
	}
	found, err := get(b, []byte(userID), &m)
	return m, found, err
}

// GetMembership returns ErrNotFound when userID is not a member of roomID.
func (s *BboltStorage) GetMembership(roomID, userID string) (models.Membership, error) {
	var membership models.Membership
	err := s.view(func(tx *bbolt.Tx) error {
		m, found, err := getMember(tx, roomID, userID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s is not a member of %s", models.ErrNotFound, userID, roomID)
		}
		membership = models.Membership{RoomID: roomID, UserID: m.UserID, Admin: m.Admin, JoinedAt: m.JoinedAt}
		return nil
	})
	return membership, err
}

// AddMembers adds existing users to a group. Unknown users and current
// members are skipped; the ids actually added are returned.
func (s *BboltStorage) AddMembers(roomID string, userIDs []string, now int64) ([]string, error) {
	var added []string
	err := s.update(func(tx *bbolt.Tx) error {
		dbRoom, err := getRoom(tx, roomID)
		if err != nil {
			return err
		}
		if dbRoom.Kind != string(models.RoomKindGroup) {
			return fmt.Errorf("%w: members can only be added to groups", models.ErrInvalid)
		}
		for _, id := range userIDs {
			if slices.Contains(added, id) || !userExists(tx, id) {
				continue
			}
			if _, found, err := getMember(tx, roomID, id); err != nil {
				return err
			} else if found {
				continue
			}
			if err := addMember(tx, roomID, &DBMember{UserID: id, JoinedAt: now}); err != nil {
				return err
			}
			added = append(added, id)
		}
		return nil
	})
	return added, err
}

func deleteRoom(tx *bbolt.Tx, roomID string) error {
	if err := deleteNested(tx, bucketMembers, roomID); err != nil {
		return err
	}
	if err := deleteNested(tx, bucketMessages, roomID); err != nil {
		return err
	}
	return tx.Bucket(bucketRooms).Delete([]byte(roomID))
}

// RemoveMember removes userID from a group. Removing the only admin while
// other members remain fails with ErrLastAdmin. When the group becomes
// empty it is deleted along with its messages and deleted is true.
func (s *BboltStorage) RemoveMember(roomID, userID string) (bool, error) {
	var deleted bool
	err := s.update(func(tx *bbolt.Tx) error {
		dbRoom, err := getRoom(tx, roomID)
		if err != nil {
			return err
		}
		if dbRoom.Kind != string(models.RoomKindGroup) {
			return fmt.Errorf("%w: cannot leave a direct room", models.ErrInvalid)
		}

		members, err := listMembers(tx, roomID)
		if err != nil {
			return err
		}
		idx := slices.IndexFunc(members, func(m models.Membership) bool { return m.UserID == userID })
		if idx < 0 {
			return fmt.Errorf("%w: %s is not a member of %s", models.ErrNotFound, userID, roomID)
		}

		if members[idx].Admin && len(members) > 1 {
			admins := 0
			for _, m := range members {
				if m.Admin {
					admins++
				}
			}
			if admins == 1 {
				return models.ErrLastAdmin
			}
		}

		b, err := nested(tx, bucketMembers, roomID, false)
		if err != nil {
			return err
		}
		if err := b.Delete([]byte(userID)); err != nil {
			return err
		}
		if ur, err := nested(tx, bucketUserRooms, userID, false); err != nil {
			return err
		} else if ur != nil {
			if err := ur.Delete([]byte(roomID)); err != nil {
				return err
			}
		}

		if len(members) == 1 {
			deleted = true
			return deleteRoom(tx, roomID)
		}
		return nil
	})
	return deleted, err
}

// SetAdmin changes the admin flag of a group member. Demoting the last
// admin fails with ErrLastAdmin.
func (s *BboltStorage) SetAdmin(roomID, userID string, admin bool) error {
	return s.update(func(tx *bbolt.Tx) error {
		dbRoom, err := getRoom(tx, roomID)
		if err != nil {
			return err
		}
		if dbRoom.Kind != string(models.RoomKindGroup) {
			return fmt.Errorf("%w: direct rooms have no admins", models.ErrInvalid)
		}
		m, found, err := getMember(tx, roomID, userID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s is not a member of %s", models.ErrNotFound, userID, roomID)
		}
		if m.Admin == admin {
			return nil
		}

		if !admin {
			members, err := listMembers(tx, roomID)
			if err != nil {
				return err
			}
			admins := 0
			for _, mm := range members {
				if mm.Admin {
					admins++
				}
			}
			if admins <= 1 {
				return models.ErrLastAdmin
			}
		}

		m.Admin = admin
		b, err := nested(tx, bucketMembers, roomID, false)
		if err != nil {
			return err
		}
		return put(b, &m)
	})
}

// ListUserRooms returns every room userID is a member of.
func (s *BboltStorage) ListUserRooms(userID string) ([]models.Room, error) {
	var rooms []models.Room
	err := s.view(func(tx *bbolt.Tx) error {
		ur, err := nested(tx, bucketUserRooms, userID, false)
		if err != nil || ur == nil {
			return err
		}
		return ur.ForEach(func(k, _ []byte) error {
			dbRoom, err := getRoom(tx, string(k))
			if errors.Is(err, models.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			rooms = append(rooms, roomFromDB(dbRoom))
			return nil
		})
	})
	return rooms, err
}

// Messages

func messageFromDB(m DBMessage) models.Message {
	return models.Message{
		ID:              m.ID,
		RoomID:          m.RoomID,
		SenderID:        m.SenderID,
		Content:         m.Content,
		CreatedAt:       m.CreatedAt,
		Delivered:       m.DeliveredAt != 0,
		DeliveredAt:     m.DeliveredAt,
		Read:            m.ReadAt != 0,
		ReadAt:          m.ReadAt,
		Edited:          m.EditedAt != 0,
		EditedAt:        m.EditedAt,
		Translated:      m.TranslatedTo != "",
		TranslatedTo:    m.TranslatedTo,
		OriginalContent: m.OriginalContent,
	}
}

func messageToDB(m models.Message) *DBMessage {
	dbMsg := &DBMessage{
		ID:        m.ID,
		RoomID:    m.RoomID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
	if m.Delivered {
		dbMsg.DeliveredAt = m.DeliveredAt
	}
	if m.Read {
		dbMsg.ReadAt = m.ReadAt
	}
	if m.Edited {
		dbMsg.EditedAt = m.EditedAt
	}
	if m.Translated {
		dbMsg.TranslatedTo = m.TranslatedTo
		dbMsg.OriginalContent = m.OriginalContent
	}
	return dbMsg
}

// CreateMessage persists a new message in the Sent state and assigns its id.
// The sender must be a member of the room when the transaction runs.
func (s *BboltStorage) CreateMessage(msg models.Message) (models.Message, error) {
	err := s.update(func(tx *bbolt.Tx) error {
		if _, err := getRoom(tx, msg.RoomID); err != nil {
			return err
		}
		if _, found, err := getMember(tx, msg.RoomID, msg.SenderID); err != nil {
			return err
		} else if !found {
			return fmt.Errorf("%w: %s is not a member of %s", models.ErrForbidden, msg.SenderID, msg.RoomID)
		}

		root := tx.Bucket(bucketMessages)
		seq, err := root.NextSequence()
		if err != nil {
			return err
		}
		roomBucket, err := root.CreateBucketIfNotExists([]byte(msg.RoomID))
		if err != nil {
			return fmt.Errorf("failed to create room bucket: %w", err)
		}

		msg.ID = int64(seq)
		msg.Delivered, msg.DeliveredAt = false, 0
		msg.Read, msg.ReadAt = false, 0
		return put(roomBucket, messageToDB(msg))
	})
	return msg, err
}

func (s *BboltStorage) GetMessage(roomID string, id int64) (models.Message, error) {
	var msg models.Message
	err := s.view(func(tx *bbolt.Tx) error {
		b, err := nested(tx, bucketMessages, roomID, false)
		if err != nil {
			return err
		}
		var dbMsg DBMessage
		found, err := get(b, messageKey(id), &dbMsg)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: message %d", models.ErrNotFound, id)
		}
		msg = messageFromDB(dbMsg)
		return nil
	})
	return msg, err
}

// UpdateMessage applies fn to the stored message inside a single write
// transaction. An error from fn aborts the update and is returned as is.
func (s *BboltStorage) UpdateMessage(roomID string, id int64, fn func(m *models.Message) error) (models.Message, error) {
	var msg models.Message
	err := s.update(func(tx *bbolt.Tx) error {
		b, err := nested(tx, bucketMessages, roomID, false)
		if err != nil {
			return err
		}
		var dbMsg DBMessage
		found, err := get(b, messageKey(id), &dbMsg)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: message %d", models.ErrNotFound, id)
		}
		msg = messageFromDB(dbMsg)
		if err := fn(&msg); err != nil {
			return err
		}
		msg.ID, msg.RoomID = dbMsg.ID, dbMsg.RoomID
		return put(b, messageToDB(msg))
	})
	return msg, err
}

// transition walks ids in roomID and applies fn to each stored message.
// Messages for which fn returns true are written back and returned.
func (s *BboltStorage) transition(roomID string, ids []int64, fn func(m *DBMessage) bool) ([]models.Message, error) {
	var changed []models.Message
	err := s.update(func(tx *bbolt.Tx) error {
		b, err := nested(tx, bucketMessages, roomID, false)
		if err != nil || b == nil {
			return err
		}
		seen := make(map[int64]struct{}, len(ids))
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}

			var dbMsg DBMessage
			found, err := get(b, messageKey(id), &dbMsg)
			if err != nil {
				return err
			}
			if !found || !fn(&dbMsg) {
				continue
			}
			if err := put(b, &dbMsg); err != nil {
				return err
			}
			changed = append(changed, messageFromDB(dbMsg))
		}
		return nil
	})
	return changed, err
}

// MarkDelivered moves the given messages out of the Sent state.
func (s *BboltStorage) MarkDelivered(roomID string, ids []int64, at int64) ([]models.Message, error) {
	return s.transition(roomID, ids, func(m *DBMessage) bool {
		if m.DeliveredAt != 0 {
			return false
		}
		m.DeliveredAt = at
		return true
	})
}

// AckDelivered is MarkDelivered restricted to messages not sent by recipientID.
func (s *BboltStorage) AckDelivered(roomID, recipientID string, ids []int64, at int64) ([]models.Message, error) {
	return s.transition(roomID, ids, func(m *DBMessage) bool {
		if m.SenderID == recipientID || m.DeliveredAt != 0 {
			return false
		}
		m.DeliveredAt = at
		return true
	})
}

// MarkRead marks unread messages not sent by readerID as read, implying
// delivery. Only the messages that changed state are returned.
func (s *BboltStorage) MarkRead(roomID, readerID string, ids []int64, at int64) ([]models.Message, error) {
	return s.transition(roomID, ids, func(m *DBMessage) bool {
		if m.SenderID == readerID || m.ReadAt != 0 {
			return false
		}
		m.ReadAt = at
		if m.DeliveredAt == 0 {
			m.DeliveredAt = at
		}
		return true
	})
}

// DeleteMessage removes a message after guard approves it inside the
// same transaction.
func (s *BboltStorage) DeleteMessage(roomID string, id int64, guard func(m models.Message) error) (models.Message, error) {
	var msg models.Message
	err := s.update(func(tx *bbolt.Tx) error {
		b, err := nested(tx, bucketMessages, roomID, false)
		if err != nil {
			return err
		}
		var dbMsg DBMessage
		found, err := get(b, messageKey(id), &dbMsg)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: message %d", models.ErrNotFound, id)
		}
		msg = messageFromDB(dbMsg)
		if guard != nil {
			if err := guard(msg); err != nil {
				return err
			}
		}
		return b.Delete(messageKey(id))
	})
	return msg, err
}

// ClearRoomMessages deletes every message of a room and returns how many were removed.
func (s *BboltStorage) ClearRoomMessages(roomID string) (int, error) {
	var n int
	err := s.update(func(tx *bbolt.Tx) error {
		if _, err := getRoom(tx, roomID); err != nil {
			return err
		}
		b, err := nested(tx, bucketMessages, roomID, false)
		if err != nil || b == nil {
			return err
		}
		n = b.Stats().KeyN
		return deleteNested(tx, bucketMessages, roomID)
	})
	return n, err
}

// ListMessages returns messages of a room with ids in [from, to], oldest first.
func (s *BboltStorage) ListMessages(roomID string, from, to int64) ([]models.Message, error) {
	var messages []models.Message
	err := s.view(func(tx *bbolt.Tx) error {
		b, err := nested(tx, bucketMessages, roomID, false)
		if err != nil || b == nil {
			return err
		}

		c := b.Cursor()
		maxKey := messageKey(to)
		for k, v := c.Seek(messageKey(from)); k != nil && bytes.Compare(k, maxKey) <= 0; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, messageFromDB(dbMsg))
		}
		return nil
	})
	return messages, err
}

// Blocks

// PutBlock records that blockerID blocks blockedID. Repeating it is a no-op.
func (s *BboltStorage) PutBlock(blockerID, blockedID string, now int64) error {
	return s.update(func(tx *bbolt.Tx) error {
		for _, id := range []string{blockerID, blockedID} {
			if !userExists(tx, id) {
				return fmt.Errorf("%w: user %s", models.ErrNotFound, id)
			}
		}
		blocks, err := nested(tx, bucketBlocks, blockerID, true)
		if err != nil {
			return err
		}
		if blocks.Get([]byte(blockedID)) != nil {
			return nil
		}
		if err := put(blocks, &DBBlock{BlockerID: blockerID, BlockedID: blockedID, CreatedAt: now}); err != nil {
			return err
		}
		blockedBy, err := nested(tx, bucketBlockedBy, blockedID, true)
		if err != nil {
			return err
		}
		return blockedBy.Put([]byte(blockerID), []byte{})
	})
}

// DeleteBlock removes the edge and reports whether it existed.
func (s *BboltStorage) DeleteBlock(blockerID, blockedID string) (bool, error) {
	var existed bool
	err := s.update(func(tx *bbolt.Tx) error {
		blocks, err := nested(tx, bucketBlocks, blockerID, false)
		if err != nil || blocks == nil {
			return err
		}
		if blocks.Get([]byte(blockedID)) == nil {
			return nil
		}
		existed = true
		if err := blocks.Delete([]byte(blockedID)); err != nil {
			return err
		}
		blockedBy, err := nested(tx, bucketBlockedBy, blockedID, false)
		if err != nil || blockedBy == nil {
			return err
		}
		return blockedBy.Delete([]byte(blockerID))
	})
	return existed, err
}

func hasBlock(tx *bbolt.Tx, blockerID, blockedID string) (bool, error) {
	b, err := nested(tx, bucketBlocks, blockerID, false)
	if err != nil || b == nil {
		return false, err
	}
	return b.Get([]byte(blockedID)) != nil, nil
}

// IsBlockedEither reports whether a block edge exists in either direction.
func (s *BboltStorage) IsBlockedEither(a, b string) (bool, error) {
	var blocked bool
	err := s.view(func(tx *bbolt.Tx) error {
		for _, pair := range [][2]string{{a, b}, {b, a}} {
			ok, err := hasBlock(tx, pair[0], pair[1])
			if err != nil {
				return err
			}
			if ok {
				blocked = true
				return nil
			}
		}
		return nil
	})
	return blocked, err
}

// ListBlockers returns the identities that have blocked userID.
func (s *BboltStorage) ListBlockers(userID string) ([]string, error) {
	var blockers []string
	err := s.view(func(tx *bbolt.Tx) error {
		b, err := nested(tx, bucketBlockedBy, userID, false)
		if err != nil || b == nil {
			return err
		}
		return b.ForEach(func(k, _ []byte) error {
			blockers = append(blockers, string(k))
			return nil
		})
	})
	return blockers, err
}

// ListBlocked returns the identities userID has blocked.
func (s *BboltStorage) ListBlocked(userID string) ([]models.Block, error) {
	var blocked []models.Block
	err := s.view(func(tx *bbolt.Tx) error {
		b, err := nested(tx, bucketBlocks, userID, false)
		if err != nil || b == nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var dbBlock DBBlock
			if err := dbBlock.UnmarshalBinary(v); err != nil {
				return err
			}
			blocked = append(blocked, models.Block{
				BlockerID: dbBlock.BlockerID,
				BlockedID: dbBlock.BlockedID,
				CreatedAt: dbBlock.CreatedAt,
			})
			return nil
		})
	})
	return blocked, err
}

// Push subscriptions

func (s *BboltStorage) UpsertPushSubscription(userID string, sub models.PushSubscription) error {
	if sub.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", models.ErrInvalid)
	}
	return s.update(func(tx *bbolt.Tx) error {
		if !userExists(tx, userID) {
			return fmt.Errorf("%w: user %s", models.ErrNotFound, userID)
		}
		b, err := nested(tx, bucketPush, userID, true)
		if err != nil {
			return err
		}
		return put(b, &DBPushSubscription{Endpoint: sub.Endpoint, P256dh: sub.P256dh, Auth: sub.Auth})
	})
}

func (s *BboltStorage) ListPushSubscriptions(userID string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	err := s.view(func(tx *bbolt.Tx) error {
		b, err := nested(tx, bucketPush, userID, false)
		if err != nil || b == nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var dbSub DBPushSubscription
			if err := dbSub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, models.PushSubscription{Endpoint: dbSub.Endpoint, P256dh: dbSub.P256dh, Auth: dbSub.Auth})
			return nil
		})
	})
	return subs, err
}

func (s *BboltStorage) DeletePushSubscription(userID, endpoint string) error {
	return s.update(func(tx *bbolt.Tx) error {
		b, err := nested(tx, bucketPush, userID, false)
		if err != nil || b == nil {
			return err
		}
		return b.Delete([]byte(endpoint))
	})
}
