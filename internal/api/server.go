package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/shohag/cardhook/internal/config"
)

type Server struct {
	cfg     config.ServerConfig
	card    *CardHandler
	webhook *WebhookHandler
	filter  *FilterHandler
	router  *chi.Mux
	log     zerolog.Logger
	http    *http.Server
}

func NewServer(cfg config.ServerConfig, card *CardHandler, webhook *WebhookHandler, filter *FilterHandler, log zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		card:    card,
		webhook: webhook,
		filter:  filter,
		log:     log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "cardhook",
		})
	})

	// management surface consumed by the Power-Up client
	r.Route("/trello", func(r chi.Router) {
		r.Get("/card", s.card.Get)
		r.Put("/card", s.card.Put)
		r.Delete("/card", s.card.Delete)
		r.Post("/filter", s.filter.Preview)
	})

	// public webhook receiver
	r.Post("/w/{address}", s.webhook.Receive)

	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
