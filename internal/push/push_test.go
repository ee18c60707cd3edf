package push

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"parley/internal/models"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	subs    map[string][]models.PushSubscription
	deleted []string
}

func (f *fakeStore) ListPushSubscriptions(userID string) ([]models.PushSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[userID], nil
}

func (f *fakeStore) DeletePushSubscription(userID, endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, endpoint)
	return nil
}

func (f *fakeStore) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type sent struct {
	endpoint string
	payload  Notification
}

func newTestPush(store Store, status map[string]int) (*WebPush, chan sent) {
	w := New(Config{VAPIDPublicKey: "pub", VAPIDPrivateKey: "priv", Subscriber: "ops@example.com"}, store, nil)
	out := make(chan sent, 10)
	w.send = func(_ context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error) {
		if opts.VAPIDPublicKey != "pub" {
			return nil, errors.New("missing keys")
		}
		var n Notification
		if err := json.Unmarshal(payload, &n); err != nil {
			return nil, err
		}
		out <- sent{endpoint: sub.Endpoint, payload: n}
		code := http.StatusCreated
		if c, ok := status[sub.Endpoint]; ok {
			code = c
		}
		return &http.Response{StatusCode: code, Body: io.NopCloser(strings.NewReader(""))}, nil
	}
	return w, out
}

func TestWebPush_Deliver(t *testing.T) {
	req := require.New(t)
	store := &fakeStore{subs: map[string][]models.PushSubscription{
		"u1": {{Endpoint: "https://push/ok"}, {Endpoint: "https://push/gone"}},
	}}
	w, out := newTestPush(store, map[string]int{"https://push/gone": http.StatusGone})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	w.Notify("u1", Notification{Title: "alice", Body: "hi", RoomID: "r1", MessageID: 7})

	got := map[string]Notification{}
	for range 2 {
		select {
		case s := <-out:
			got[s.endpoint] = s.payload
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for push")
		}
	}
	req.Equal("r1", got["https://push/ok"].RoomID)
	req.Equal(int64(7), got["https://push/ok"].MessageID)

	req.Eventually(func() bool {
		d := store.Deleted()
		return len(d) == 1 && d[0] == "https://push/gone"
	}, time.Second, 10*time.Millisecond)
}

func TestWebPush_Disabled(t *testing.T) {
	w := New(Config{}, &fakeStore{}, nil)
	require.False(t, w.Enabled())

	w.Notify("u1", Notification{Body: "hi"})
	require.Empty(t, w.queue)
}

func TestWebPush_QueueFullDrops(t *testing.T) {
	w := New(Config{VAPIDPublicKey: "p", VAPIDPrivateKey: "k", QueueSize: 1}, &fakeStore{}, nil)
	w.Notify("u1", Notification{Body: "1"})
	w.Notify("u1", Notification{Body: "2"})
	require.Len(t, w.queue, 1)
}
