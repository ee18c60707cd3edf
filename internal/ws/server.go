package ws

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

type TokenVerifier interface {
	Verify(token string) (string, error)
}

type Server struct {
	auth     TokenVerifier
	hub      messageHub
	upgrader *websocket.Upgrader
	log      *slog.Logger
}

// NewServer builds the websocket endpoint. Browser upgrades are accepted
// only from allowedOrigins ("*" accepts any); requests without an Origin
// header come from non-browser clients and are always accepted.
func NewServer(auth TokenVerifier, hub messageHub, allowedOrigins []string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		auth: auth,
		hub:  hub,
		log:  log,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: originChecker(allowedOrigins),
		},
	}
}

// HandleConnections upgrades the request and authenticates it with the
// bearer token. A bad token closes the socket with a policy violation
// before the connection is admitted anywhere.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("error upgrading to websocket", "error", err)
		return
	}

	userID, err := s.auth.Verify(requestToken(r))
	if err != nil {
		s.log.Info("websocket rejected", "remote", r.RemoteAddr, "error", err)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	conn := NewConnection(s.hub, ws, userID)
	if err := conn.Handle(r.Context()); err != nil {
		s.log.Warn("connection closed with error", "user_id", userID, "conn_id", conn.ID(), "error", err)
	}
}

func requestToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
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

func originChecker(allowed []string) func(r *http.Request) bool {
	anyOrigin := lo.Contains(allowed, "*")
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || anyOrigin {
			return true
		}
		return lo.ContainsBy(allowed, func(o string) bool {
			return strings.EqualFold(o, origin)
		})
	}
}
