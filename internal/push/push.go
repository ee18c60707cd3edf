package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"parley/internal/models"

	"github.com/SherClockHolmes/webpush-go"
)

const (
	DefaultTTL       = 60 * 60
	DefaultQueueSize = 256
)

// Notification is the JSON payload delivered to the service worker.
type Notification struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	RoomID    string `json:"room_id"`
	MessageID int64  `json:"message_id,omitempty"`
}

type Store interface {
	ListPushSubscriptions(userID string) ([]models.PushSubscription, error)
	DeletePushSubscription(userID, endpoint string) error
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	TTL             int
	QueueSize       int
}

type sendFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

type job struct {
	userID string
	n      Notification
}

// WebPush delivers notifications to identities without a live connection.
// Notify only enqueues; Run performs the sends.
type WebPush struct {
	config Config
	store  Store
	log    *slog.Logger
	queue  chan job
	send   sendFunc
}

func New(config Config, store Store, log *slog.Logger) *WebPush {
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &WebPush{
		config: config,
		store:  store,
		log:    log,
		queue:  make(chan job, config.QueueSize),
		send:   webpush.SendNotificationWithContext,
	}
}

// Enabled reports whether VAPID keys are configured.
func (w *WebPush) Enabled() bool {
	return w.config.VAPIDPublicKey != "" && w.config.VAPIDPrivateKey != ""
}

// Notify queues a notification for userID. It never blocks; when the
// queue is full the notification is dropped.
func (w *WebPush) Notify(userID string, n Notification) {
	if !w.Enabled() {
		return
	}
	select {
	case w.queue <- job{userID: userID, n: n}:
	default:
		w.log.Warn("push queue full, dropping notification", "user_id", userID, "room_id", n.RoomID)
	}
}

// Run sends queued notifications until ctx is cancelled.
func (w *WebPush) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-w.queue:
			w.deliver(ctx, j)
		}
	}
}

func (w *WebPush) deliver(ctx context.Context, j job) {
	subs, err := w.store.ListPushSubscriptions(j.userID)
	if err != nil {
		w.log.Error("failed to list push subscriptions", "user_id", j.userID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(j.n)
	if err != nil {
		w.log.Error("failed to encode notification", "user_id", j.userID, "error", err)
		return
	}

	opts := &webpush.Options{
		Subscriber:      w.config.Subscriber,
		VAPIDPublicKey:  w.config.VAPIDPublicKey,
		VAPIDPrivateKey: w.config.VAPIDPrivateKey,
		TTL:             w.config.TTL,
		Urgency:         webpush.UrgencyHigh,
	}

	for _, sub := range subs {
		resp, err := w.send(ctx, payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
		}, opts)
		if err != nil {
			w.log.Warn("push failed", "user_id", j.userID, "error", err)
			continue
		}
		_ = resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusNotFound, http.StatusGone:
			// Subscription expired on the push service side.
			if err := w.store.DeletePushSubscription(j.userID, sub.Endpoint); err != nil {
				w.log.Warn("failed to drop stale subscription", "user_id", j.userID, "error", err)
			}
		default:
			if resp.StatusCode >= 400 {
				w.log.Warn("push rejected", "user_id", j.userID, "status", resp.StatusCode)
			}
		}
	}
}
