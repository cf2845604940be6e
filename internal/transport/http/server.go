package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"tally/internal/service"
)

type Server struct {
	srv *http.Server
}

func NewServer(addr, jwtSecret string, svc service.LedgerService) *Server {
	mux := http.NewServeMux()
	NewHandler(svc).Register(mux, jwtSecret)

	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

func (s *Server) Start(ctx context.Context) error {
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
