package blocks

import (
	"fmt"
	"log/slog"
	"time"

	"parley/internal/models"
)

type Store interface {
	PutBlock(blockerID, blockedID string, now int64) error
	DeleteBlock(blockerID, blockedID string) (bool, error)
	IsBlockedEither(a, b string) (bool, error)
	ListBlockers(userID string) ([]string, error)
	ListBlocked(userID string) ([]models.Block, error)
}

// Filter decides whether delivery between two identities is allowed.
type Filter struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

func NewFilter(store Store, log *slog.Logger) *Filter {
	if log == nil {
		log = slog.Default()
	}
	return &Filter{store: store, log: log, now: time.Now}
}

// CanDeliver is false when a block edge exists between a and b in either direction.
func (f *Filter) CanDeliver(a, b string) (bool, error) {
	blocked, err := f.store.IsBlockedEither(a, b)
	if err != nil {
		return false, fmt.Errorf("check block %s/%s: %w", a, b, err)
	}
	return !blocked, nil
}

// BlockersOf returns the identities that have blocked userID.
func (f *Filter) BlockersOf(userID string) ([]string, error) {
	blockers, err := f.store.ListBlockers(userID)
	if err != nil {
		return nil, fmt.Errorf("list blockers of %s: %w", userID, err)
	}
	return blockers, nil
}

func (f *Filter) Block(blockerID, blockedID string) error {
	if blockerID == blockedID {
		return fmt.Errorf("%w: cannot block yourself", models.ErrInvalid)
	}
	if err := f.store.PutBlock(blockerID, blockedID, f.now().Unix()); err != nil {
		return err
	}
	f.log.Info("user blocked", "user_id", blockerID, "blocked_id", blockedID)
	return nil
}

// Unblock removes the edge. It reports whether an edge existed.
func (f *Filter) Unblock(blockerID, blockedID string) (bool, error) {
	existed, err := f.store.DeleteBlock(blockerID, blockedID)
	if err != nil {
		return false, err
	}
	if existed {
		f.log.Info("user unblocked", "user_id", blockerID, "blocked_id", blockedID)
	}
	return existed, nil
}

func (f *Filter) Blocked(blockerID string) ([]models.Block, error) {
	return f.store.ListBlocked(blockerID)
}
