package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"parley/internal/models"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultSendTimeout = 5 * time.Second
	DefaultConcurrency = 32
)

var (
	ErrClosed      = errors.New("connection closed")
	ErrSendTimeout = errors.New("send timed out")
)

// Sink is one live connection of an identity.
// Send must be safe for concurrent use and must honour ctx.
type Sink interface {
	ID() string
	Send(ctx context.Context, msg models.ServerMessage) error
}

// Registry maps identities to their set of live connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[string]Sink // user id -> conn id -> sink

	sendTimeout time.Duration
	concurrency int
	log         *slog.Logger
}

type Option func(*Registry)

func WithSendTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sendTimeout = d
		}
	}
}

func WithConcurrency(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		conns:       make(map[string]map[string]Sink),
		sendTimeout: DefaultSendTimeout,
		concurrency: DefaultConcurrency,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds sink to the live set of userID.
// It reports whether this is the identity's first live connection.
func (r *Registry) Register(userID string, sink Sink) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[userID]
	if !ok {
		set = make(map[string]Sink)
		r.conns[userID] = set
	}
	set[sink.ID()] = sink
	return !ok
}

// Unregister removes sink from the live set of userID and reports whether
// it was the identity's last connection. Removing an unknown sink is a no-op.
func (r *Registry) Unregister(userID string, sink Sink) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[userID]
	if !ok {
		return false
	}
	if _, ok := set[sink.ID()]; !ok {
		return false
	}
	delete(set, sink.ID())
	if len(set) == 0 {
		delete(r.conns, userID)
		return true
	}
	return false
}

// ConnectionsFor returns a snapshot of the live connections of userID.
func (r *Registry) ConnectionsFor(userID string) []Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.conns[userID]
	sinks := make([]Sink, 0, len(set))
	for _, s := range set {
		sinks = append(sinks, s)
	}
	return sinks
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID]) > 0
}

// Online filters userIDs down to the identities with a live connection.
func (r *Registry) Online(userIDs []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var online []string
	for _, id := range userIDs {
		if len(r.conns[id]) > 0 {
			online = append(online, id)
		}
	}
	return online
}

type delivery struct {
	userID string
	sink   Sink
}

// SendToUser delivers msg to every live connection of userID and returns
// the number of successful deliveries.
func (r *Registry) SendToUser(ctx context.Context, userID string, msg models.ServerMessage) int {
	return r.SendToUserExcept(ctx, userID, "", msg)
}

// SendToUserExcept is SendToUser skipping the connection with id exceptConnID.
func (r *Registry) SendToUserExcept(ctx context.Context, userID, exceptConnID string, msg models.ServerMessage) int {
	var targets []delivery
	for _, s := range r.ConnectionsFor(userID) {
		if s.ID() != exceptConnID {
			targets = append(targets, delivery{userID: userID, sink: s})
		}
	}
	return r.deliver(ctx, targets, msg)[userID]
}

// SendToConn delivers msg to one specific connection of userID.
func (r *Registry) SendToConn(ctx context.Context, userID string, sink Sink, msg models.ServerMessage) bool {
	return r.deliver(ctx, []delivery{{userID: userID, sink: sink}}, msg)[userID] > 0
}

// SendToUsers fans msg out to every live connection of every identity in
// userIDs. The result holds the successful delivery count per identity;
// identities with no successful delivery are absent.
func (r *Registry) SendToUsers(ctx context.Context, userIDs []string, msg models.ServerMessage) map[string]int {
	var targets []delivery
	for _, id := range userIDs {
		for _, s := range r.ConnectionsFor(id) {
			targets = append(targets, delivery{userID: id, sink: s})
		}
	}
	return r.deliver(ctx, targets, msg)
}

// deliver sends to each target concurrently. A failed send is logged and
// does not affect the others. Cancelling ctx does not abort sends already
// dispatched; each one is bounded by the send timeout instead.
func (r *Registry) deliver(ctx context.Context, targets []delivery, msg models.ServerMessage) map[string]int {
	delivered := make(map[string]int)
	if len(targets) == 0 {
		return delivered
	}

	ctx = context.WithoutCancel(ctx)
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, t := range targets {
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
			defer cancel()

			if err := t.sink.Send(sendCtx, msg); err != nil {
				r.log.Warn("delivery failed",
					"user_id", t.userID,
					"conn_id", t.sink.ID(),
					"type", msg.Type,
					"error", err,
				)
				return nil
			}
			mu.Lock()
			delivered[t.userID]++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return delivered
}
