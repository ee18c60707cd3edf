package blocks

import (
	"errors"
	"testing"

	"parley/internal/models"

	"github.com/stretchr/testify/require"
)

// memStore keeps block edges in a map.
type memStore struct {
	edges map[[2]string]bool
	err   error
}

func newMemStore() *memStore {
	return &memStore{edges: make(map[[2]string]bool)}
}

func (m *memStore) PutBlock(blockerID, blockedID string, _ int64) error {
	m.edges[[2]string{blockerID, blockedID}] = true
	return nil
}

func (m *memStore) DeleteBlock(blockerID, blockedID string) (bool, error) {
	key := [2]string{blockerID, blockedID}
	existed := m.edges[key]
	delete(m.edges, key)
	return existed, nil
}

func (m *memStore) IsBlockedEither(a, b string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.edges[[2]string{a, b}] || m.edges[[2]string{b, a}], nil
}

func (m *memStore) ListBlockers(userID string) ([]string, error) {
	var out []string
	for k := range m.edges {
		if k[1] == userID {
			out = append(out, k[0])
		}
	}
	return out, nil
}

func (m *memStore) ListBlocked(userID string) ([]models.Block, error) {
	var out []models.Block
	for k := range m.edges {
		if k[0] == userID {
			out = append(out, models.Block{BlockerID: k[0], BlockedID: k[1]})
		}
	}
	return out, nil
}

func TestFilter(t *testing.T) {
	req := require.New(t)
	f := NewFilter(newMemStore(), nil)

	ok, err := f.CanDeliver("a", "b")
	req.NoError(err)
	req.True(ok)

	req.NoError(f.Block("a", "b"))

	// Either direction suppresses delivery.
	ok, _ = f.CanDeliver("a", "b")
	req.False(ok)
	ok, _ = f.CanDeliver("b", "a")
	req.False(ok)

	blockers, err := f.BlockersOf("b")
	req.NoError(err)
	req.Equal([]string{"a"}, blockers)

	existed, err := f.Unblock("a", "b")
	req.NoError(err)
	req.True(existed)
	ok, _ = f.CanDeliver("b", "a")
	req.True(ok)

	existed, err = f.Unblock("a", "b")
	req.NoError(err)
	req.False(existed)
}

func TestFilter_SelfBlock(t *testing.T) {
	f := NewFilter(newMemStore(), nil)
	require.ErrorIs(t, f.Block("a", "a"), models.ErrInvalid)
}

func TestFilter_StoreError(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("disk on fire")
	f := NewFilter(store, nil)

	_, err := f.CanDeliver("a", "b")
	require.ErrorIs(t, err, store.err)
}
