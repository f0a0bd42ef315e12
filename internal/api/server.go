package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/mbaxter/chat-broker/internal/auth"
	"github.com/mbaxter/chat-broker/internal/broker"
	"github.com/mbaxter/chat-broker/internal/config"
)

type Server struct {
	log            *log.Logger
	b              *broker.Broker
	verifier       auth.TokenVerifier
	mux            *http.Server
	allowedOrigins []string
	internalToken  string
}

// NewServer registers the broker's routes on mux and wraps it in CORS and
// panic recovery. The stats handler is expected to already be on mux.
func NewServer(mux *http.ServeMux, logger *log.Logger, b *broker.Broker, verifier auth.TokenVerifier, cfg *config.Config) *Server {
	s := &Server{
		log:            logger,
		b:              b,
		verifier:       verifier,
		allowedOrigins: cfg.AllowedOrigins,
		internalToken:  cfg.InternalToken,
	}

	mux.HandleFunc("GET /ws", s.serveWs)
	mux.Handle("POST /api/internal/deliver", s.internalAuthMiddleware(s.deliver))
	mux.HandleFunc("GET /api/healthz", s.healthz)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *Server) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *Server) Handler() http.Handler {
	return s.mux.Handler
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
