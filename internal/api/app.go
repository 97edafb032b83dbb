package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/jobpulse/internal/cache"
	"github.com/npezzotti/jobpulse/internal/config"
	"github.com/npezzotti/jobpulse/internal/database"
	"github.com/npezzotti/jobpulse/internal/notify"
	"github.com/npezzotti/jobpulse/internal/realtime"
)

// ConnectionStatus is satisfied by *realtime.Manager.
type ConnectionStatus interface {
	State() realtime.State
	Attempts() int
}

// Toggler is satisfied by *cache.Synchronizer.
type Toggler interface {
	Toggle(ctx context.Context, jobId string) (cache.Result, error)
}

type Credential interface {
	Valid(now time.Time) bool
	UserId() (string, error)
}

// Deps are the components the companion service exposes. Archive is
// optional.
type Deps struct {
	Conn          ConnectionStatus
	Credential    Credential
	Notifications *notify.Store
	Caches        *cache.Registry
	Toggler       Toggler
	Archive       database.NotificationRepository
}

// App is the local HTTP service that exposes the session's connection
// state, notifications and job caches.
type App struct {
	log  *log.Logger
	deps Deps
	srv  *http.Server
	now  func() time.Time
}

func NewApp(mux *http.ServeMux, logger *log.Logger, deps Deps, cfg *config.Config) *App {
	s := &App{
		log:  logger,
		deps: deps,
		now:  time.Now,
	}

	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /api/connection", s.connection)
	mux.HandleFunc("GET /api/notifications", s.requireCredential(s.getNotifications))
	mux.HandleFunc("GET /api/notifications/archive", s.requireCredential(s.getArchive))
	mux.HandleFunc("POST /api/notifications/{id}/read", s.requireCredential(s.markRead))
	mux.HandleFunc("GET /api/jobs/{collection}", s.getJobs)
	mux.HandleFunc("GET /api/jobs/{id}/detail", s.requireCredential(s.getJobDetail))
	mux.HandleFunc("GET /api/jobs/{id}/related", s.requireCredential(s.getRelatedJobs))
	mux.HandleFunc("POST /api/jobs/{id}/save", s.toggleSave)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = handlers.LoggingHandler(logger.Writer(), h)
	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *App) Handler() http.Handler {
	return s.srv.Handler
}

func (s *App) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *App) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
