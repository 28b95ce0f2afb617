package realtime

import (
	"net/http"

	"offgrid/internal/logging"

	"github.com/gorilla/websocket"
)

// TokenResolver maps a login token to a user id.
type TokenResolver interface {
	GetUserID(token string) (string, error)
}

// Server upgrades authenticated requests to websocket sessions on the hub.
type Server struct {
	hub      *Hub
	auth     TokenResolver
	upgrader *websocket.Upgrader
	log      *logging.Logger
}

func NewServer(hub *Hub, auth TokenResolver, log *logging.Logger) *Server {
	return &Server{
		hub:  hub,
		auth: auth,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: log.Sub("realtime-server"),
	}
}

// requestToken takes the token from the header, or from the query string
// for browser clients that cannot set headers on a websocket handshake.
func requestToken(r *http.Request) string {
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.GetUserID(requestToken(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("error upgrading to websocket")
		return
	}

	conn := NewConnection(s.hub, ws, userID)
	if err := conn.Handle(r.Context()); err != nil && !isNormalClose(err) {
		s.log.Warn().Str("user_id", userID).Err(err).Msg("realtime session ended")
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
