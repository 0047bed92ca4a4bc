// Package api serves the engine's merged view to presentation layers over
// local HTTP and a websocket event stream.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-chatsync/internal/engine"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/rs/zerolog"
)

// Engine is the part of the coordinator the view server drives.
type Engine interface {
	View() engine.View
	Messages() ([]types.Message, error)
	Subscribe() (<-chan engine.Event, func())
	Refresh(ctx context.Context) error
	LoadMoreRooms(ctx context.Context) (bool, error)
	Activate(ctx context.Context, roomId string) error
	Deactivate()
	LoadOlder(ctx context.Context) (int, error)
	MarkRead(ctx context.Context, roomId string) error
	Send(ctx context.Context, content string) (types.Message, error)
	Retry(ctx context.Context, provisionalId string) (types.Message, error)
	CreateGroup(ctx context.Context, params types.GroupParams) (types.Room, error)
	UpdateGroup(ctx context.Context, params types.GroupParams) (types.Room, error)
	DeleteGroup(ctx context.Context, roomId string) error
	UnreadCounts() map[string]int
}

// Notifications is the notification center surface.
type Notifications interface {
	Open(ctx context.Context) error
	Close() error
	IsOpen() bool
	Refresh(ctx context.Context) error
	MarkRead(ctx context.Context, id string) error
	UnreadCount() int
	Items() []types.Notification
}

// SplashMarker reports once whether the post-login splash should show.
type SplashMarker interface {
	Splash() bool
}

type Options struct {
	Addr           string
	AllowedOrigins []string
	Notifications  Notifications
	Splash         SplashMarker
}

type ViewServer struct {
	log            zerolog.Logger
	engine         Engine
	notify         Notifications
	splash         SplashMarker
	stats          stats.StatsProvider
	allowedOrigins []string
	srv            *http.Server

	// ctx outlives requests for work that continues after a response, such
	// as notification polling.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewViewServer registers the view routes on mux. Notifications and Splash
// are optional.
func NewViewServer(mux *http.ServeMux, logger zerolog.Logger, eng Engine, sp stats.StatsProvider, opts Options) *ViewServer {
	s := &ViewServer{
		log:            logger,
		engine:         eng,
		notify:         opts.Notifications,
		splash:         opts.Splash,
		stats:          sp,
		allowedOrigins: opts.AllowedOrigins,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	api := http.NewServeMux()
	api.HandleFunc("GET /api/view", s.getView)
	api.HandleFunc("GET /api/rooms", s.getRooms)
	api.HandleFunc("POST /api/rooms/refresh", s.refreshRooms)
	api.HandleFunc("POST /api/rooms/more", s.loadMoreRooms)
	api.HandleFunc("POST /api/rooms/deactivate", s.deactivateRoom)
	api.HandleFunc("POST /api/rooms/{id}/activate", s.activateRoom)
	api.HandleFunc("POST /api/rooms/{id}/read", s.markRead)
	api.HandleFunc("GET /api/messages", s.getMessages)
	api.HandleFunc("POST /api/messages", s.sendMessage)
	api.HandleFunc("POST /api/messages/older", s.loadOlder)
	api.HandleFunc("POST /api/messages/{id}/retry", s.retryMessage)
	api.HandleFunc("POST /api/groups", s.createGroup)
	api.HandleFunc("PUT /api/groups/{id}", s.updateGroup)
	api.HandleFunc("DELETE /api/groups/{id}", s.deleteGroup)
	api.HandleFunc("GET /api/unread", s.getUnread)
	api.HandleFunc("GET /api/notifications", s.getNotifications)
	api.HandleFunc("POST /api/notifications/open", s.openNotifications)
	api.HandleFunc("POST /api/notifications/close", s.closeNotifications)
	api.HandleFunc("POST /api/notifications/{id}/read", s.markNotificationRead)
	api.HandleFunc("GET /api/session/splash", s.getSplash)
	api.HandleFunc("GET /api/events", s.serveEvents)

	mux.Handle("/api/", noCache(api))
	mux.HandleFunc("GET /healthz", s.healthCheck)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(opts.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
	)(mux)

	h = handlers.LoggingHandler(logger.With().Str("component", "access").Logger(), h)
	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    opts.Addr,
		Handler: h,
	}

	return s
}

// Handler returns the fully wrapped handler.
func (s *ViewServer) Handler() http.Handler {
	return s.srv.Handler
}

func (s *ViewServer) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("starting view server")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *ViewServer) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down view server...")
	s.cancel()
	if s.notify != nil && s.notify.IsOpen() {
		s.notify.Close()
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
