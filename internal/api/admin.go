package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"parley/internal/auth"
	"parley/internal/blocks"
	"parley/internal/chat"
	"parley/internal/content"
	"parley/internal/models"
	"parley/internal/rooms"
	"parley/internal/storage"
	"parley/internal/ws"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type AdminConfig struct {
	Auth    *auth.AuthService
	Store   *storage.BboltStorage
	Rooms   *rooms.Resolver
	Blocks  *blocks.Filter
	Chat    *chat.Pipeline
	Hub     *ws.Hub
	BaseURL string
	Log     *slog.Logger
}

// AdminHandler is the loopback surface used by collaborators that own
// identities, groups and blocks. Every write is followed by the matching
// live notification.
type AdminHandler struct {
	authService *auth.AuthService
	store       *storage.BboltStorage
	rooms       *rooms.Resolver
	blocks      *blocks.Filter
	chat        *chat.Pipeline
	hub         *ws.Hub
	baseURL     string
	log         *slog.Logger
}

func NewAdminHandler(config AdminConfig) *AdminHandler {
	if config.Log == nil {
		config.Log = slog.Default()
	}
	return &AdminHandler{
		authService: config.Auth,
		store:       config.Store,
		rooms:       config.Rooms,
		blocks:      config.Blocks,
		chat:        config.Chat,
		hub:         config.Hub,
		baseURL:     strings.TrimRight(config.BaseURL, "/"),
		log:         config.Log,
	}
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body", models.ErrInvalid)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalid, err)
	}
	return nil
}

type AddUserRequest struct {
	Username    string `json:"username" validate:"required,max=64"`
	DisplayName string `json:"displayName,omitempty" validate:"max=128"`
}

type AddUserResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	UserID     string `json:"userId,omitempty"`
	Username   string `json:"username,omitempty"`
	Token      string `json:"token,omitempty"`
	ConnectURL string `json:"connectUrl,omitempty"`
}

func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := content.ValidateUsername(req.Username); err != nil {
		writeError(w, h.log, fmt.Errorf("%w: %v", models.ErrInvalid, err))
		return
	}

	displayName := content.Sanitize(req.DisplayName)
	if displayName == "" {
		displayName = req.Username
	}

	user := models.User{
		ID:          uuid.NewString(),
		UserName:    req.Username,
		DisplayName: displayName,
		CreatedAt:   time.Now().Unix(),
	}
	if err := h.store.UpsertUser(user); err != nil {
		writeError(w, h.log, err)
		return
	}

	token, _, err := h.authService.IssueToken(user.ID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	h.log.Info("user created", "user_id", user.ID, "username", user.UserName)
	writeJSON(w, h.log, http.StatusOK, AddUserResponse{
		Success:    true,
		UserID:     user.ID,
		Username:   user.UserName,
		Token:      token,
		ConnectURL: h.connectURL(token),
	})
}

func (h *AdminHandler) connectURL(token string) string {
	base := h.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return fmt.Sprintf("%s/api/chat?token=%s", base, url.QueryEscape(token))
}

func (h *AdminHandler) ListUsersHandler(w http.ResponseWriter, _ *http.Request) {
	users, err := h.store.ListUsers()
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if users == nil {
		users = []models.User{}
	}
	writeJSON(w, h.log, http.StatusOK, users)
}

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

// IssueTokenHandler mints a connect token for an existing identity.
func (h *AdminHandler) IssueTokenHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if _, err := h.store.GetUser(userID); err != nil {
		writeError(w, h.log, err)
		return
	}
	token, expires, err := h.authService.IssueToken(userID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, TokenResponse{Token: token, ExpiresAt: expires.Unix()})
}

type RevokeTokenRequest struct {
	Token string `json:"token" validate:"required"`
}

func (h *AdminHandler) RevokeTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req RevokeTokenRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	h.authService.Revoke(req.Token)
	writeJSON(w, h.log, http.StatusOK, Response{Success: true})
}

type AvatarRequest struct {
	AvatarURL string `json:"avatarUrl" validate:"omitempty,url"`
}

func (h *AdminHandler) UpdateAvatarHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	var req AvatarRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := h.store.UpdateAvatar(userID, req.AvatarURL); err != nil {
		writeError(w, h.log, err)
		return
	}
	h.hub.NotifyAvatarChanged(r.Context(), userID, req.AvatarURL)
	writeJSON(w, h.log, http.StatusOK, Response{Success: true})
}

type DirectRoomRequest struct {
	UserID       string `json:"userId" validate:"required"`
	TargetUserID string `json:"targetUserId" validate:"required"`
}

type RoomResponse struct {
	Room    models.Room `json:"room"`
	Created bool        `json:"created"`
	Members []string    `json:"members,omitempty"`
	Skipped []string    `json:"skipped,omitempty"`
}

func (h *AdminHandler) DirectRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req DirectRoomRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	room, created, err := h.rooms.DirectRoomBetween(req.UserID, req.TargetUserID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if created {
		h.hub.NotifyNewRoom(r.Context(), room.ID, req.TargetUserID, req.UserID)
		h.hub.NotifyNewRoom(r.Context(), room.ID, req.UserID, req.TargetUserID)
	}
	writeJSON(w, h.log, http.StatusOK, RoomResponse{Room: room, Created: created})
}

type CreateGroupRequest struct {
	Name      string   `json:"name" validate:"required,max=128"`
	CreatorID string   `json:"creatorId" validate:"required"`
	MemberIDs []string `json:"memberIds"`
}

// CreateGroupHandler creates a group. Unknown member ids are skipped and
// reported back.
func (h *AdminHandler) CreateGroupHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	room, added, err := h.rooms.CreateGroup(content.Sanitize(req.Name), req.CreatorID, req.MemberIDs)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	h.hub.NotifyNewGroup(r.Context(), room.ID, added)
	writeJSON(w, h.log, http.StatusOK, RoomResponse{
		Room:    room,
		Created: true,
		Members: added,
		Skipped: skipped(req.MemberIDs, added, req.CreatorID),
	})
}

type MembersRequest struct {
	ActorID string   `json:"actorId" validate:"required"`
	UserIDs []string `json:"userIds" validate:"required,min=1"`
}

func (h *AdminHandler) AddMembersHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	var req MembersRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	added, err := h.rooms.AddMembers(req.ActorID, roomID, req.UserIDs)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	h.hub.NotifyNewGroup(r.Context(), roomID, added)
	room, err := h.rooms.Room(roomID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, RoomResponse{
		Room:    room,
		Members: added,
		Skipped: skipped(req.UserIDs, added, ""),
	})
}

// RemoveMemberHandler removes a member (or lets a member leave). The
// removed identity is told the group is gone for it; when the group
// empties every former member is.
func (h *AdminHandler) RemoveMemberHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	userID := r.PathValue("userId")
	actorID := r.URL.Query().Get("actorId")
	if actorID == "" {
		writeError(w, h.log, fmt.Errorf("%w: actorId is required", models.ErrInvalid))
		return
	}

	before, err := h.rooms.MembersOf(roomID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	deleted, err := h.rooms.RemoveMember(actorID, roomID, userID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	if deleted {
		h.hub.NotifyGroupDeleted(r.Context(), roomID, before)
	} else {
		h.hub.NotifyGroupDeleted(r.Context(), roomID, []string{userID})
	}
	writeJSON(w, h.log, http.StatusOK, Response{Success: true, Message: fmt.Sprintf("deleted=%t", deleted)})
}

type AdminRequest struct {
	ActorID string `json:"actorId" validate:"required"`
	Admin   bool   `json:"admin"`
}

func (h *AdminHandler) SetAdminHandler(w http.ResponseWriter, r *http.Request) {
	var req AdminRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := h.rooms.SetAdmin(req.ActorID, r.PathValue("id"), r.PathValue("userId"), req.Admin); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, Response{Success: true})
}

type BlockRequest struct {
	BlockerID string `json:"blockerId" validate:"required"`
	BlockedID string `json:"blockedId" validate:"required"`
}

func (h *AdminHandler) BlockHandler(w http.ResponseWriter, r *http.Request) {
	var req BlockRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := h.blocks.Block(req.BlockerID, req.BlockedID); err != nil {
		writeError(w, h.log, err)
		return
	}
	h.hub.NotifyBlockStatusChanged(r.Context(), req.BlockerID, req.BlockedID, true)
	writeJSON(w, h.log, http.StatusOK, Response{Success: true})
}

func (h *AdminHandler) UnblockHandler(w http.ResponseWriter, r *http.Request) {
	var req BlockRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	existed, err := h.blocks.Unblock(req.BlockerID, req.BlockedID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if existed {
		h.hub.NotifyBlockStatusChanged(r.Context(), req.BlockerID, req.BlockedID, false)
	}
	writeJSON(w, h.log, http.StatusOK, Response{Success: true})
}

func (h *AdminHandler) ListBlockedHandler(w http.ResponseWriter, r *http.Request) {
	list, err := h.blocks.Blocked(r.PathValue("id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if list == nil {
		list = []models.Block{}
	}
	writeJSON(w, h.log, http.StatusOK, list)
}

type ActorRequest struct {
	ActorID string `json:"actorId" validate:"required"`
}

type ClearRoomResponse struct {
	Success bool `json:"success"`
	Deleted int  `json:"deleted"`
}

func (h *AdminHandler) ClearRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	n, err := h.chat.ClearRoom(r.Context(), req.ActorID, r.PathValue("id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, ClearRoomResponse{Success: true, Deleted: n})
}

type TranslationRequest struct {
	ActorID  string `json:"actorId" validate:"required"`
	Text     string `json:"text" validate:"required"`
	Language string `json:"language" validate:"required"`
}

func (h *AdminHandler) TranslateHandler(w http.ResponseWriter, r *http.Request) {
	messageID, err := pathInt(r, "messageId")
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	var req TranslationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	msg, err := h.chat.ApplyTranslation(req.ActorID, r.PathValue("id"), messageID, req.Text, req.Language)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, msg)
}

func (h *AdminHandler) RestoreOriginalHandler(w http.ResponseWriter, r *http.Request) {
	messageID, err := pathInt(r, "messageId")
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	actorID := r.URL.Query().Get("actorId")
	if actorID == "" {
		writeError(w, h.log, fmt.Errorf("%w: actorId is required", models.ErrInvalid))
		return
	}
	msg, err := h.chat.RestoreOriginal(actorID, r.PathValue("id"), messageID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, msg)
}

func pathInt(r *http.Request, key string) (int64, error) {
	n, err := strconv.ParseInt(r.PathValue(key), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", models.ErrInvalid, key)
	}
	return n, nil
}

func skipped(requested, added []string, creatorID string) []string {
	return lo.Uniq(lo.Filter(requested, func(id string, _ int) bool {
		return id != creatorID && !lo.Contains(added, id)
	}))
}
