// Package api exposes the HTTP surface: cookie-based account endpoints,
// the websocket upgrade path and health checking.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"

	"github.com/jfely/parley/internal/auth"
	"github.com/jfely/parley/internal/config"
	"github.com/jfely/parley/internal/database"
	"github.com/jfely/parley/internal/server"
	"github.com/jfely/parley/internal/stats"
)

const tokenCookieKey = "token"

type contextKey string

const userIdKey contextKey = "user-id"

func WithUserId(ctx context.Context, userId int64) context.Context {
	return context.WithValue(ctx, userIdKey, userId)
}

func UserId(ctx context.Context) (int64, bool) {
	userId, ok := ctx.Value(userIdKey).(int64)
	return userId, ok
}

type ParleyApp struct {
	log            *log.Logger
	db             database.Repository
	mux            *http.Server
	cs             *server.ChatServer
	creds          auth.CredentialStore
	tokens         *auth.TokenIssuer
	stats          stats.StatsProvider
	allowedOrigins []string
}

func NewParleyApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, db database.Repository,
	creds auth.CredentialStore, tokens *auth.TokenIssuer, su stats.StatsProvider, cfg *config.Config) *ParleyApp {
	s := &ParleyApp{
		log:            logger,
		db:             db,
		cs:             cs,
		creds:          creds,
		tokens:         tokens,
		stats:          su,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.Handle("GET /api/auth/session", s.authMiddleware(s.session))
	mux.Handle("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.HandleFunc("GET /ws", s.serveWs)
	mux.HandleFunc("GET /healthz", s.healthz)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
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

func (s *ParleyApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *ParleyApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
