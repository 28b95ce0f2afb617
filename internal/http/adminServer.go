package http

import (
	"context"
	"net/http"
	"sync"

	"offgrid/internal/api"
	"offgrid/internal/logging"
	"offgrid/internal/metrics"
)

type AdminServer struct {
	server *http.Server
	log    *logging.Logger
	wg     sync.WaitGroup
}

func NewAdminServer(adminHandler *api.AdminHandler, m *metrics.Metrics, addr string, log *logging.Logger) *AdminServer {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/users", adminHandler.AddUserHandler)
	mux.HandleFunc("GET /admin/users", adminHandler.ListUsersHandler)
	mux.Handle("GET /metrics", m.Handler())

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		log: log.Sub("admin-server"),
	}
}

func (s *AdminServer) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("admin API started")
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
