package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"parley/internal/models"
)

const (
	CallTypeAudio = "audio"
	CallTypeVideo = "video"
)

type Users interface {
	GetUser(id string) (models.User, error)
}

type Rooms interface {
	IsMember(roomID, userID string) (bool, error)
}

type Connections interface {
	IsOnline(userID string) bool
	SendToUser(ctx context.Context, userID string, msg models.ServerMessage) int
}

// Relay forwards call negotiation payloads between two identities.
// It keeps no call state and never inspects or stores SDP or candidates.
type Relay struct {
	users Users
	rooms Rooms
	conns Connections
	log   *slog.Logger
}

func NewRelay(users Users, rooms Rooms, conns Connections, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{users: users, rooms: rooms, conns: conns, log: log}
}

// Signal is one relayed event from a caller to a target.
type Signal struct {
	CallerID  string
	TargetID  string
	RoomID    string
	SDP       json.RawMessage
	Candidate json.RawMessage
	CallType  string
	Reason    string
}

func (r *Relay) requireUser(id string) (models.User, error) {
	u, err := r.users.GetUser(id)
	if err != nil {
		return models.User{}, err
	}
	return u, nil
}

// Offer starts a call. Both parties must be members of the room. When the
// target has no live connection the caller is told so and nothing is relayed.
func (r *Relay) Offer(ctx context.Context, s Signal) error {
	if s.CallerID == s.TargetID {
		return fmt.Errorf("%w: cannot call yourself", models.ErrInvalid)
	}
	caller, err := r.requireUser(s.CallerID)
	if err != nil {
		return err
	}
	if _, err := r.requireUser(s.TargetID); err != nil {
		return err
	}
	for _, id := range []string{s.CallerID, s.TargetID} {
		ok, err := r.rooms.IsMember(s.RoomID, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s is not a member of room %s", models.ErrForbidden, id, s.RoomID)
		}
	}

	callType := s.CallType
	if callType == "" {
		callType = CallTypeAudio
	}

	if !r.conns.IsOnline(s.TargetID) || r.conns.SendToUser(ctx, s.TargetID, models.ServerMessage{
		Type:     models.ServerMessageTypeCallOffer,
		RoomID:   s.RoomID,
		UserID:   s.CallerID,
		Username: caller.UserName,
		SDP:      s.SDP,
		CallType: callType,
	}) == 0 {
		r.conns.SendToUser(ctx, s.CallerID, models.ServerMessage{
			Type:     models.ServerMessageTypeCallStatus,
			RoomID:   s.RoomID,
			TargetID: s.TargetID,
			Status:   models.StatusFailed,
			Reason:   models.ReasonTargetOffline,
		})
		return nil
	}

	r.conns.SendToUser(ctx, s.CallerID, models.ServerMessage{
		Type:     models.ServerMessageTypeCallStatus,
		RoomID:   s.RoomID,
		TargetID: s.TargetID,
		Status:   models.StatusRinging,
		CallType: callType,
	})
	r.log.Debug("call offer relayed", "room_id", s.RoomID, "user_id", s.CallerID, "target_id", s.TargetID)
	return nil
}

func (r *Relay) Answer(ctx context.Context, s Signal) error {
	return r.forward(ctx, s, models.ServerMessage{
		Type: models.ServerMessageTypeCallAnswer,
		SDP:  s.SDP,
	})
}

func (r *Relay) IceCandidate(ctx context.Context, s Signal) error {
	return r.forward(ctx, s, models.ServerMessage{
		Type:      models.ServerMessageTypeCallIceCandidate,
		Candidate: s.Candidate,
	})
}

func (r *Relay) End(ctx context.Context, s Signal) error {
	return r.forward(ctx, s, models.ServerMessage{
		Type: models.ServerMessageTypeCallEnd,
	})
}

func (r *Relay) Decline(ctx context.Context, s Signal) error {
	return r.forward(ctx, s, models.ServerMessage{
		Type:   models.ServerMessageTypeCallDecline,
		Reason: s.Reason,
	})
}

// forward validates only that the target exists. An offline target is
// silently skipped.
func (r *Relay) forward(ctx context.Context, s Signal, msg models.ServerMessage) error {
	if _, err := r.requireUser(s.TargetID); err != nil {
		return err
	}
	msg.RoomID = s.RoomID
	msg.UserID = s.CallerID
	if n := r.conns.SendToUser(ctx, s.TargetID, msg); n == 0 {
		r.log.Debug("call signal dropped, target offline", "type", msg.Type, "user_id", s.CallerID, "target_id", s.TargetID)
	}
	return nil
}
