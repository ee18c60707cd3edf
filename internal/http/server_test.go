package http

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	oshttp "net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"parley/internal/api"
	"parley/internal/auth"
	"parley/internal/blocks"
	"parley/internal/chat"
	"parley/internal/models"
	"parley/internal/presence"
	"parley/internal/registry"
	"parley/internal/registry/registrytest"
	"parley/internal/rooms"
	"parley/internal/signaling"
	"parley/internal/storage"
	"parley/internal/ws"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type testServers struct {
	admin *httptest.Server
	api   *httptest.Server
	store *storage.BboltStorage
	auth  *auth.AuthService
	rooms *rooms.Resolver
	conns *registry.Registry
}

func newTestServers(t *testing.T) *testServers {
	t.Helper()
	ctx := t.Context()

	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "http.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret: base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123")),
	})
	require.NoError(t, err)

	conns := registry.New(registry.WithSendTimeout(time.Second))
	resolver := rooms.NewResolver(store, nil)
	filter := blocks.NewFilter(store, nil)
	pipeline := chat.New(chat.Config{Store: store, Rooms: resolver, Blocks: filter, Delivery: conns})
	hub := ws.NewHub(ws.HubConfig{
		Users:       store,
		Rooms:       resolver,
		Blocks:      filter,
		Chat:        pipeline,
		Presence:    presence.New(presence.Config{Store: store, Rooms: resolver, Blocks: filter, Connections: conns}),
		Relay:       signaling.NewRelay(store, resolver, conns, nil),
		Connections: conns,
	})

	adminServer := NewAdminServer(api.NewAdminHandler(api.AdminConfig{
		Auth:    authService,
		Store:   store,
		Rooms:   resolver,
		Blocks:  filter,
		Chat:    pipeline,
		Hub:     hub,
		BaseURL: "http://localhost:8080",
	}), "", nil)
	apiServer := NewAPIServer(ctx, api.New(authService, store, resolver, conns, nil), ws.NewServer(authService, hub, []string{"http://localhost:8080"}, nil), "", nil)

	s := &testServers{
		admin: httptest.NewServer(adminServer.Handler()),
		api:   httptest.NewServer(apiServer.Handler()),
		store: store,
		auth:  authService,
		rooms: resolver,
		conns: conns,
	}
	t.Cleanup(s.admin.Close)
	t.Cleanup(s.api.Close)
	return s
}

func (s *testServers) do(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := oshttp.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := oshttp.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServers) addUser(t *testing.T, username string) api.AddUserResponse {
	t.Helper()
	var out api.AddUserResponse
	status := s.do(t, oshttp.MethodPost, s.admin.URL+"/admin/users", api.AddUserRequest{Username: username}, &out)
	require.Equal(t, oshttp.StatusOK, status)
	return out
}

func (s *testServers) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.api.URL, "http") + "/api/chat?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	awaitJoined(t, conn)
	return conn
}

// awaitJoined round-trips a frame through the hub; frames are only read
// once the connection has been admitted.
func awaitJoined(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{}`)))
	readUntil(t, conn, models.ServerMessageTypeInvalid)
}

func readUntil(t *testing.T, conn *websocket.Conn, want models.ServerMessageType) models.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg models.ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == want {
			return msg
		}
	}
}

func TestAdmin_AddUser(t *testing.T) {
	s := newTestServers(t)

	alice := s.addUser(t, "alice")
	require.True(t, alice.Success)
	require.True(t, strings.HasPrefix(alice.ConnectURL, "ws://localhost:8080/api/chat?token="))

	userID, err := s.auth.Verify(alice.Token)
	require.NoError(t, err)
	require.Equal(t, alice.UserID, userID)

	var resp api.Response
	status := s.do(t, oshttp.MethodPost, s.admin.URL+"/admin/users", api.AddUserRequest{Username: "ALICE"}, &resp)
	require.Equal(t, oshttp.StatusConflict, status)
	require.False(t, resp.Success)

	status = s.do(t, oshttp.MethodPost, s.admin.URL+"/admin/users", api.AddUserRequest{Username: "bad name"}, &resp)
	require.Equal(t, oshttp.StatusBadRequest, status)
	require.Equal(t, string(models.ServerMessageTypeInvalid), resp.Code)
}

func TestAdmin_GroupLifecycle(t *testing.T) {
	s := newTestServers(t)
	alice := s.addUser(t, "alice")
	bob := s.addUser(t, "bob")
	bobConn := s.dial(t, bob.Token)

	var created api.RoomResponse
	status := s.do(t, oshttp.MethodPost, s.admin.URL+"/admin/groups", api.CreateGroupRequest{
		Name:      "team",
		CreatorID: alice.UserID,
		MemberIDs: []string{bob.UserID, "nobody"},
	}, &created)
	require.Equal(t, oshttp.StatusOK, status)
	require.Equal(t, []string{alice.UserID, bob.UserID}, created.Members)
	require.Equal(t, []string{"nobody"}, created.Skipped)

	newRoom := readUntil(t, bobConn, models.ServerMessageTypeNewRoom)
	require.Equal(t, created.Room.ID, newRoom.RoomID)
	require.Equal(t, "team", newRoom.Room.Name)

	groupURL := s.admin.URL + "/admin/groups/" + created.Room.ID

	// The only admin cannot leave while bob remains.
	var resp api.Response
	status = s.do(t, oshttp.MethodDelete, groupURL+"/members/"+alice.UserID+"?actorId="+alice.UserID, nil, &resp)
	require.Equal(t, oshttp.StatusConflict, status)
	require.Equal(t, string(models.ServerMessageTypeLastAdmin), resp.Code)

	// Bob is not an admin and cannot promote himself.
	status = s.do(t, oshttp.MethodPut, groupURL+"/admins/"+bob.UserID, api.AdminRequest{ActorID: bob.UserID, Admin: true}, &resp)
	require.Equal(t, oshttp.StatusForbidden, status)

	status = s.do(t, oshttp.MethodPut, groupURL+"/admins/"+bob.UserID, api.AdminRequest{ActorID: alice.UserID, Admin: true}, &resp)
	require.Equal(t, oshttp.StatusOK, status)

	status = s.do(t, oshttp.MethodDelete, groupURL+"/members/"+alice.UserID+"?actorId="+alice.UserID, nil, &resp)
	require.Equal(t, oshttp.StatusOK, status)

	// Bob leaving empties the group.
	status = s.do(t, oshttp.MethodDelete, groupURL+"/members/"+bob.UserID+"?actorId="+bob.UserID, nil, &resp)
	require.Equal(t, oshttp.StatusOK, status)
	readUntil(t, bobConn, models.ServerMessageTypeGroupDeleted)

	_, err := s.store.GetRoom(created.Room.ID)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestAdmin_BlockNotifiesAndStopsDelivery(t *testing.T) {
	s := newTestServers(t)
	alice := s.addUser(t, "alice")
	bob := s.addUser(t, "bob")

	var room api.RoomResponse
	status := s.do(t, oshttp.MethodPost, s.admin.URL+"/admin/rooms/direct", api.DirectRoomRequest{
		UserID:       alice.UserID,
		TargetUserID: bob.UserID,
	}, &room)
	require.Equal(t, oshttp.StatusOK, status)
	require.True(t, room.Created)

	aliceConn := s.dial(t, alice.Token)
	bobConn := s.dial(t, bob.Token)
	readUntil(t, aliceConn, models.ServerMessageTypeStatus)

	status = s.do(t, oshttp.MethodPost, s.admin.URL+"/admin/blocks", api.BlockRequest{BlockerID: bob.UserID, BlockedID: alice.UserID}, nil)
	require.Equal(t, oshttp.StatusOK, status)

	blocked := readUntil(t, aliceConn, models.ServerMessageTypeBlockStatus)
	require.Equal(t, models.StatusBlocked, blocked.Status)
	require.Equal(t, bob.UserID, blocked.UserID)

	require.NoError(t, aliceConn.WriteJSON(map[string]string{"type": "message", "room_id": room.Room.ID, "content": "hi"}))
	readUntil(t, aliceConn, models.ServerMessageTypeBlocked)

	status = s.do(t, oshttp.MethodPost, s.admin.URL+"/admin/blocks/remove", api.BlockRequest{BlockerID: bob.UserID, BlockedID: alice.UserID}, nil)
	require.Equal(t, oshttp.StatusOK, status)
	unblocked := readUntil(t, bobConn, models.ServerMessageTypeBlockStatus)
	require.Equal(t, models.StatusBlocked, unblocked.Status)
	unblocked = readUntil(t, bobConn, models.ServerMessageTypeBlockStatus)
	require.Equal(t, models.StatusUnblocked, unblocked.Status)
}

func TestAdmin_ClearAndTranslate(t *testing.T) {
	s := newTestServers(t)
	alice := s.addUser(t, "alice")
	bob := s.addUser(t, "bob")

	room, _, err := s.store.GetOrCreateDirectRoom(alice.UserID, bob.UserID, time.Now().Unix())
	require.NoError(t, err)
	msg, err := s.store.CreateMessage(models.Message{RoomID: room.ID, SenderID: alice.UserID, Content: "hola", CreatedAt: time.Now().Unix()})
	require.NoError(t, err)

	translationURL := fmt.Sprintf("%s/admin/rooms/%s/messages/%d/translation", s.admin.URL, room.ID, msg.ID)

	var translated models.Message
	status := s.do(t, oshttp.MethodPost, translationURL, api.TranslationRequest{ActorID: bob.UserID, Text: "hello", Language: "en"}, &translated)
	require.Equal(t, oshttp.StatusOK, status)
	require.Equal(t, "hello", translated.Content)
	require.True(t, translated.Translated)

	var restored models.Message
	status = s.do(t, oshttp.MethodDelete, translationURL+"?actorId="+bob.UserID, nil, &restored)
	require.Equal(t, oshttp.StatusOK, status)
	require.Equal(t, "hola", restored.Content)

	var resp api.Response
	status = s.do(t, oshttp.MethodDelete, translationURL+"?actorId="+bob.UserID, nil, &resp)
	require.Equal(t, oshttp.StatusBadRequest, status)

	var cleared api.ClearRoomResponse
	status = s.do(t, oshttp.MethodPost, s.admin.URL+"/admin/rooms/"+room.ID+"/clear", api.ActorRequest{ActorID: bob.UserID}, &cleared)
	require.Equal(t, oshttp.StatusOK, status)
	require.Equal(t, 1, cleared.Deleted)
}

func TestAPI_RequiresToken(t *testing.T) {
	s := newTestServers(t)

	resp, err := oshttp.Get(s.api.URL + "/api/me")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, oshttp.StatusUnauthorized, resp.StatusCode)

	resp, err = oshttp.Get(s.api.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, oshttp.StatusOK, resp.StatusCode)
}

func TestAPI_RoomsAndHistory(t *testing.T) {
	s := newTestServers(t)
	alice := s.addUser(t, "alice")
	bob := s.addUser(t, "bob")
	carol := s.addUser(t, "carol")

	room, _, err := s.store.GetOrCreateDirectRoom(alice.UserID, bob.UserID, time.Now().Unix())
	require.NoError(t, err)
	for _, text := range []string{"one", "two", "three"} {
		_, err := s.store.CreateMessage(models.Message{RoomID: room.ID, SenderID: alice.UserID, Content: text})
		require.NoError(t, err)
	}

	get := func(token, path string, out any) int {
		req, err := oshttp.NewRequest(oshttp.MethodGet, s.api.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := oshttp.DefaultClient.Do(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		if out != nil {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
		}
		return resp.StatusCode
	}

	var infos []models.RoomInfo
	require.Equal(t, oshttp.StatusOK, get(alice.Token, "/api/rooms", &infos))
	require.Len(t, infos, 1)
	require.Equal(t, bob.UserID, infos[0].UserID)
	require.Equal(t, "bob", infos[0].Username)

	var history []models.Message
	require.Equal(t, oshttp.StatusOK, get(bob.Token, "/api/rooms/"+room.ID+"/messages?from=2", &history))
	require.Len(t, history, 2)
	require.Equal(t, "two", history[0].Content)

	require.Equal(t, oshttp.StatusForbidden, get(carol.Token, "/api/rooms/"+room.ID+"/messages", nil))
	require.Equal(t, oshttp.StatusBadRequest, get(bob.Token, "/api/rooms/"+room.ID+"/messages?from=x", nil))
}

func TestAPI_PushSubscription(t *testing.T) {
	s := newTestServers(t)
	alice := s.addUser(t, "alice")

	post := func(path string, body any) int {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
		req, err := oshttp.NewRequest(oshttp.MethodPost, s.api.URL+path, &buf)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+alice.Token)
		resp, err := oshttp.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp.StatusCode
	}

	sub := map[string]any{
		"endpoint": "https://push.example/1",
		"keys":     map[string]string{"p256dh": "key", "auth": "secret"},
	}
	require.Equal(t, oshttp.StatusOK, post("/api/push/subscribe", sub))

	subs, err := s.store.ListPushSubscriptions(alice.UserID)
	require.NoError(t, err)
	require.Len(t, subs, 1)

	require.Equal(t, oshttp.StatusBadRequest, post("/api/push/subscribe", map[string]string{"endpoint": "x"}))
	require.Equal(t, oshttp.StatusOK, post("/api/push/unsubscribe", map[string]string{"endpoint": "https://push.example/1"}))

	subs, err = s.store.ListPushSubscriptions(alice.UserID)
	require.NoError(t, err)
	require.Empty(t, subs)
}

func TestAPI_LogoffRevokesToken(t *testing.T) {
	s := newTestServers(t)
	alice := s.addUser(t, "alice")

	req, err := oshttp.NewRequest(oshttp.MethodPost, s.api.URL+"/api/logoff", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+alice.Token)
	resp, err := oshttp.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, oshttp.StatusOK, resp.StatusCode)

	_, err = s.auth.Verify(alice.Token)
	require.ErrorIs(t, err, models.ErrUnauthorized)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.api.URL, "http")+"/api/chat?token="+alice.Token, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "unexpected error: %v", err)
}

func TestAPI_ConnectWithManyOnlineContacts(t *testing.T) {
	const contacts = 70
	s := newTestServers(t)
	alice := s.addUser(t, "alice")

	for i := range contacts {
		id := fmt.Sprintf("contact-%d", i)
		require.NoError(t, s.store.UpsertUser(models.User{ID: id, UserName: id}))
		_, _, err := s.rooms.DirectRoomBetween(alice.UserID, id)
		require.NoError(t, err)
		s.conns.Register(id, registrytest.NewSink(id))
	}

	url := "ws" + strings.TrimPrefix(s.api.URL, "http") + "/api/chat?token=" + alice.Token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	start := time.Now()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	online := 0
	for {
		var msg models.ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == models.ServerMessageTypeStatus && msg.Status == models.StatusOnline {
			online++
		}
		if msg.Type == models.ServerMessageTypeInvalid {
			break
		}
	}
	require.Equal(t, contacts, online)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestAPI_WebsocketOrigin(t *testing.T) {
	s := newTestServers(t)
	alice := s.addUser(t, "alice")
	url := "ws" + strings.TrimPrefix(s.api.URL, "http") + "/api/chat?token=" + alice.Token

	_, resp, err := websocket.DefaultDialer.Dial(url, oshttp.Header{"Origin": {"http://evil.example"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, oshttp.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, oshttp.Header{"Origin": {"http://localhost:8080"}})
	require.NoError(t, err)
	_ = conn.Close()
}
