package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/go-chatsync/internal/api"
	"github.com/npezzotti/go-chatsync/internal/config"
	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/engine"
	"github.com/npezzotti/go-chatsync/internal/history"
	"github.com/npezzotti/go-chatsync/internal/logging"
	"github.com/npezzotti/go-chatsync/internal/notify"
	"github.com/npezzotti/go-chatsync/internal/session"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/transport"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newRootCmd() *cobra.Command {
	var (
		configFile string
		envFile    string
	)

	cmd := &cobra.Command{
		Use:           "chatsync",
		Short:         "Keep a merged, deduplicated view of chat history and live events",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader := config.NewLoader()
			loader.SetConfigFile(configFile)
			loader.SetEnvFiles(envFile)
			if err := loader.BindFlags(cmd.Flags()); err != nil {
				return fmt.Errorf("bind flags: %w", err)
			}

			cfg, err := loader.Load()
			if err != nil {
				return err
			}

			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "config file (default ./chatsync.yaml or ~/.config/chatsync/chatsync.yaml)")
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	flags.String("server-url", "", "chat server REST base URL")
	flags.String("websocket-url", "", "chat server websocket URL (derived from --server-url when empty)")
	flags.String("token", "", "session token")
	flags.String("signing-secret", "", "base64 token signing secret, verifies the token locally when set")
	flags.String("database-dsn", "", "read history from the chat server database instead of the REST API")
	flags.String("listen-addr", "", "view server address")
	flags.StringSlice("allowed-origins", nil, "origins allowed to use the view server")
	flags.Int("room-page-size", 0, "rooms per page")
	flags.Int("message-page-size", 0, "messages per page")
	flags.Duration("notification-interval", 0, "notification refresh interval while the center is open")
	flags.Bool("splash", false, "show the post-login splash once")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "", "log format (console, json)")

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: os.Stderr})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	key, err := cfg.SigningKey()
	if err != nil {
		return err
	}
	sess, err := session.New(cfg.Token, key, cfg.Splash)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	logger = logger.With().Str("session_id", sess.Id).Str("user_id", sess.UserId()).Logger()

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	historyAPI, notifications, closeHistory, err := openHistory(ctx, cfg, sess, logger)
	if err != nil {
		return err
	}
	defer closeHistory()

	channel := transport.NewChannel(transport.Config{
		URL:        cfg.WebsocketURL,
		Token:      cfg.Token,
		SessionId:  sess.Id,
		MinBackoff: cfg.MinBackoff,
		MaxBackoff: cfg.MaxBackoff,
	}, logging.Component(logger, "transport"), transport.WithStats(statsUpdater))
	defer channel.Close()

	eng := engine.New(engine.Config{
		SelfId:          sess.UserId(),
		RoomPageSize:    cfg.RoomPageSize,
		MessagePageSize: cfg.MessagePageSize,
	}, historyAPI, channel, statsUpdater, logging.Component(logger, "engine"))
	eng.Start()
	defer eng.Stop()

	if err := channel.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := eng.Refresh(ctx); err != nil {
		if errors.Is(err, history.ErrUnauthorized) {
			return fmt.Errorf("session rejected by server: %w", err)
		}
		logger.Warn().Err(err).Msg("initial room load failed")
	}

	opts := api.Options{
		Addr:           cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		Splash:         sess,
	}
	if notifications != nil {
		opts.Notifications = notifications
	}
	srv := api.NewViewServer(mux, logging.Component(logger, "api"), eng, statsUpdater, opts)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info().Msg("shutdown complete")
	return err
}

// openHistory selects the history backend. The database backend has no
// notification center.
func openHistory(ctx context.Context, cfg *config.Config, sess *session.Session, logger zerolog.Logger) (history.API, *notify.Poller, func(), error) {
	if cfg.DirectMode() {
		db, err := database.Open(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("db open: %w", err)
		}
		repo := database.NewPgChatRepository(db)

		h, err := database.NewPgHistory(repo, sess.UserId(), logging.Component(logger, "database"))
		if err != nil {
			repo.Close()
			return nil, nil, nil, err
		}
		closeFn := func() {
			if err := repo.Close(); err != nil {
				logger.Error().Err(err).Msg("db close")
			}
		}
		return h, nil, closeFn, nil
	}

	client := history.NewClient(cfg.ServerURL, cfg.Token, logging.Component(logger, "history"), history.WithSessionId(sess.Id))
	poller := notify.NewPoller(client, cfg.NotificationInterval, logging.Component(logger, "notify"))
	return client, poller, func() {}, nil
}
