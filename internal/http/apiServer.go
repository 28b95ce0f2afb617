package http

import (
	"context"
	"net/http"
	"sync"

	"offgrid/internal/api"
	"offgrid/internal/logging"
	"offgrid/internal/realtime"
)

type APIServer struct {
	server *http.Server
	log    *logging.Logger
	wg     sync.WaitGroup
}

func NewAPIServer(apiHandlers *api.API, realtimeServer *realtime.Server, addr string, log *logging.Logger) *APIServer {
	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: NewAPIMux(apiHandlers, realtimeServer),
		},
		log: log.Sub("api-server"),
	}
}

// NewAPIMux wires every public endpoint.
func NewAPIMux(a *api.API, realtimeServer *realtime.Server) *http.ServeMux {
	auth := a.RequireAuth
	same := api.RequireSameOrigin

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/login", same(a.LoginHandler))
	mux.HandleFunc("POST /api/logoff", same(a.LogoffHandler))
	mux.HandleFunc("POST /api/register", same(a.RegisterHandler))

	mux.HandleFunc("GET /api/me", auth(a.MeHandler))
	mux.HandleFunc("GET /api/users", auth(a.UsersHandler))
	mux.HandleFunc("GET /api/users/{id}", auth(a.UserHandler))
	mux.HandleFunc("GET /api/conversations", auth(a.ConversationsHandler))

	mux.HandleFunc("GET /api/messages", auth(a.MessagesHandler))
	mux.HandleFunc("POST /api/messages", same(auth(a.SendMessageHandler)))
	mux.HandleFunc("POST /api/messages/{id}/delivered", same(auth(a.DeliveredHandler)))

	mux.HandleFunc("PUT /api/storage/{bucket}/{path...}", same(auth(a.UploadHandler)))
	mux.HandleFunc("GET /api/storage/signed/{bucket}/{path...}", a.SignedObjectHandler)
	mux.HandleFunc("GET /api/storage/public/{bucket}/{path...}", a.PublicObjectHandler)

	mux.HandleFunc("GET /api/push/key", a.PushKeyHandler)
	mux.HandleFunc("POST /api/push/subscribe", same(auth(a.PushSubscribeHandler)))
	mux.HandleFunc("POST /api/push/unsubscribe", same(auth(a.PushUnsubscribeHandler)))

	// WebSocket endpoint
	mux.HandleFunc("GET /api/realtime", realtimeServer.HandleConnections)

	return mux
}

func (s *APIServer) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("server started")
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
