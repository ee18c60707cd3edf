package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"parley/internal/api"
)

type AdminServer struct {
	server *http.Server
	log    *slog.Logger
	wg     sync.WaitGroup
}

// NewAdminServer exposes the collaborator hooks. It is meant to listen on
// a loopback address only.
func NewAdminServer(adminHandler *api.AdminHandler, addr string, log *slog.Logger) *AdminServer {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/users", adminHandler.AddUserHandler)
	mux.HandleFunc("GET /admin/users", adminHandler.ListUsersHandler)
	mux.HandleFunc("POST /admin/users/{id}/tokens", adminHandler.IssueTokenHandler)
	mux.HandleFunc("PUT /admin/users/{id}/avatar", adminHandler.UpdateAvatarHandler)
	mux.HandleFunc("GET /admin/users/{id}/blocks", adminHandler.ListBlockedHandler)
	mux.HandleFunc("POST /admin/tokens/revoke", adminHandler.RevokeTokenHandler)

	mux.HandleFunc("POST /admin/rooms/direct", adminHandler.DirectRoomHandler)
	mux.HandleFunc("POST /admin/rooms/{id}/clear", adminHandler.ClearRoomHandler)
	mux.HandleFunc("POST /admin/rooms/{id}/messages/{messageId}/translation", adminHandler.TranslateHandler)
	mux.HandleFunc("DELETE /admin/rooms/{id}/messages/{messageId}/translation", adminHandler.RestoreOriginalHandler)

	mux.HandleFunc("POST /admin/groups", adminHandler.CreateGroupHandler)
	mux.HandleFunc("POST /admin/groups/{id}/members", adminHandler.AddMembersHandler)
	mux.HandleFunc("DELETE /admin/groups/{id}/members/{userId}", adminHandler.RemoveMemberHandler)
	mux.HandleFunc("PUT /admin/groups/{id}/admins/{userId}", adminHandler.SetAdminHandler)

	mux.HandleFunc("POST /admin/blocks", adminHandler.BlockHandler)
	mux.HandleFunc("POST /admin/blocks/remove", adminHandler.UnblockHandler)

	if addr == "" {
		addr = "localhost:8081"
	}
	if log == nil {
		log = slog.Default()
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		log: log,
	}
}

func (s *AdminServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *AdminServer) Start() error {
	s.log.Info("admin API started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
