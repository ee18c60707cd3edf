package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"parley/internal/api"
	"parley/internal/ws"
)

type APIServer struct {
	server *http.Server
	log    *slog.Logger
	wg     sync.WaitGroup
}

// NewAPIServer serves the client API and the websocket endpoint. Live
// connections derive their context from ctx and end when it is cancelled.
func NewAPIServer(ctx context.Context, apiHandlers *api.API, wsServer *ws.Server, addr string, log *slog.Logger) *APIServer {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", apiHandlers.HealthHandler)

	mux.HandleFunc("POST /api/logoff", apiHandlers.LogoffHandler)
	mux.HandleFunc("GET /api/me", apiHandlers.RequireAuth(apiHandlers.MeHandler))
	mux.HandleFunc("GET /api/rooms", apiHandlers.RequireAuth(apiHandlers.RoomsHandler))
	mux.HandleFunc("GET /api/rooms/{id}/messages", apiHandlers.RequireAuth(apiHandlers.MessagesHandler))
	mux.HandleFunc("POST /api/push/subscribe", apiHandlers.RequireAuth(apiHandlers.SubscribePushHandler))
	mux.HandleFunc("POST /api/push/unsubscribe", apiHandlers.RequireAuth(apiHandlers.UnsubscribePushHandler))

	// WebSocket endpoint
	mux.HandleFunc("GET /api/chat", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}
	if log == nil {
		log = slog.Default()
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
			BaseContext: func(net.Listener) context.Context {
				return ctx
			},
		},
		log: log,
	}
}

func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) Start() error {
	s.log.Info("server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
