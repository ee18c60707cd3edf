package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"parley/internal/auth"
	"parley/internal/models"
	"parley/internal/registry"
	"parley/internal/rooms"
	"parley/internal/storage"
)

type contextKey struct{}

type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

type API struct {
	auth  *auth.AuthService
	store *storage.BboltStorage
	rooms *rooms.Resolver
	conns *registry.Registry
	log   *slog.Logger
}

func New(
	authService *auth.AuthService,
	store *storage.BboltStorage,
	resolver *rooms.Resolver,
	conns *registry.Registry,
	log *slog.Logger,
) *API {
	if log == nil {
		log = slog.Default()
	}
	return &API{auth: authService, store: store, rooms: resolver, conns: conns, log: log}
}

func getToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return t
		}
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}

// RequireAuth resolves the caller from its bearer token.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.Verify(getToken(r))
		if err != nil {
			writeError(w, a.log, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, userID)))
	}
}

func userIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(contextKey{}).(string)
	return id
}

func (a *API) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.log, http.StatusOK, Response{Success: true, Message: "ok"})
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := getToken(r); token != "" {
		a.auth.Revoke(token)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusOK)
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, err := a.store.GetUser(userIDFrom(r))
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, a.log, http.StatusOK, user)
}

// RoomsHandler lists the caller's rooms as seen by the caller.
func (a *API) RoomsHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	list, err := a.store.ListUserRooms(userID)
	if err != nil {
		writeError(w, a.log, err)
		return
	}

	infos := make([]models.RoomInfo, 0, len(list))
	for _, room := range list {
		info, err := a.rooms.Info(room, userID)
		if err != nil {
			writeError(w, a.log, err)
			return
		}
		if info.UserID != "" {
			info.Online = a.conns.IsOnline(info.UserID)
		}
		infos = append(infos, info)
	}
	writeJSON(w, a.log, http.StatusOK, infos)
}

// MessagesHandler returns room history. Optional from/to query parameters
// bound the message ids.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	if _, err := a.rooms.RequireMember(roomID, userIDFrom(r)); err != nil {
		writeError(w, a.log, err)
		return
	}

	from, err := queryInt(r, "from", 0)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	to, err := queryInt(r, "to", math.MaxInt64)
	if err != nil {
		writeError(w, a.log, err)
		return
	}

	messages, err := a.store.ListMessages(roomID, from, to)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, a.log, http.StatusOK, messages)
}

type PushSubscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (a *API) SubscribePushHandler(w http.ResponseWriter, r *http.Request) {
	var req PushSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, a.log, fmt.Errorf("%w: invalid request body", models.ErrInvalid))
		return
	}
	if req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		writeError(w, a.log, fmt.Errorf("%w: endpoint and keys are required", models.ErrInvalid))
		return
	}

	err := a.store.UpsertPushSubscription(userIDFrom(r), models.PushSubscription{
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	})
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, a.log, http.StatusOK, Response{Success: true})
}

func (a *API) UnsubscribePushHandler(w http.ResponseWriter, r *http.Request) {
	var req PushSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeError(w, a.log, fmt.Errorf("%w: endpoint is required", models.ErrInvalid))
		return
	}
	if err := a.store.DeletePushSubscription(userIDFrom(r), req.Endpoint); err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, a.log, http.StatusOK, Response{Success: true})
}

func queryInt(r *http.Request, key string, fallback int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", models.ErrInvalid, key)
	}
	return n, nil
}

func statusFor(err error) int {
	switch models.ErrorCode(err) {
	case models.ServerMessageTypeUnauthorized:
		return http.StatusUnauthorized
	case models.ServerMessageTypeForbidden, models.ServerMessageTypeBlocked, models.ServerMessageTypeEditWindow:
		return http.StatusForbidden
	case models.ServerMessageTypeNotFound:
		return http.StatusNotFound
	case models.ServerMessageTypeLastAdmin:
		return http.StatusConflict
	case models.ServerMessageTypeInvalid:
		if errors.Is(err, models.ErrUserExists) {
			return http.StatusConflict
		}
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusServiceUnavailable {
		log.Error("request failed", "error", err)
		msg = "temporarily unavailable"
	}
	writeJSON(w, log, status, Response{
		Success: false,
		Message: msg,
		Code:    string(models.ErrorCode(err)),
	})
}

func writeJSON(w http.ResponseWriter, log *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to encode response", "error", err)
	}
}
