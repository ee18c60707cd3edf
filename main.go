package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parley/internal/api"
	"parley/internal/auth"
	"parley/internal/blocks"
	"parley/internal/chat"
	"parley/internal/commands"
	"parley/internal/config"
	"parley/internal/http"
	"parley/internal/presence"
	"parley/internal/push"
	"parley/internal/registry"
	"parley/internal/rooms"
	"parley/internal/signaling"
	"parley/internal/storage"
	"parley/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("parley", flag.ContinueOnError)
	addUser := fs.String("add-user", "", "Username to create through the admin API (prints a connect URL)")
	displayName := fs.String("display-name", "", "Display name for -add-user")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*addUser != "")
	if err != nil {
		return err
	}

	if *addUser != "" {
		return commands.AddUser(*addUser, *displayName, cfg, os.Stdout)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(log)

	authConfig := auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authService, err := auth.NewAuthService(ctx, authConfig)
	if err != nil {
		return err
	}

	conns := registry.New(
		registry.WithSendTimeout(cfg.SendTimeout),
		registry.WithConcurrency(cfg.FanoutConcurrency),
		registry.WithLogger(log),
	)
	resolver := rooms.NewResolver(bbStorage, log)
	filter := blocks.NewFilter(bbStorage, log)

	pusher := push.New(push.Config{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subscriber:      cfg.VAPIDSubscriber,
	}, bbStorage, log)

	pipeline := chat.New(chat.Config{
		Store:      bbStorage,
		Rooms:      resolver,
		Blocks:     filter,
		Delivery:   conns,
		Push:       pusher,
		Log:        log,
		EditWindow: cfg.EditWindow,
	})
	broadcaster := presence.New(presence.Config{
		Store:       bbStorage,
		Rooms:       resolver,
		Blocks:      filter,
		Connections: conns,
		Log:         log,
	})
	relay := signaling.NewRelay(bbStorage, resolver, conns, log)

	hub := ws.NewHub(ws.HubConfig{
		Users:       bbStorage,
		Rooms:       resolver,
		Blocks:      filter,
		Chat:        pipeline,
		Presence:    broadcaster,
		Relay:       relay,
		Connections: conns,
		Log:         log,
	})

	adminServer := http.NewAdminServer(api.NewAdminHandler(api.AdminConfig{
		Auth:    authService,
		Store:   bbStorage,
		Rooms:   resolver,
		Blocks:  filter,
		Chat:    pipeline,
		Hub:     hub,
		BaseURL: cfg.BaseURL,
		Log:     log,
	}), cfg.AdminAddr, log)

	g, gCtx := errgroup.WithContext(ctx)

	apiServer := http.NewAPIServer(
		gCtx,
		api.New(authService, bbStorage, resolver, conns, log),
		ws.NewServer(authService, hub, cfg.AllowedOrigins, log),
		cfg.APIAddr,
		log,
	)

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	if pusher.Enabled() {
		g.Go(func() error {
			return pusher.Run(gCtx)
		})
	}

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Error("admin server shutdown error", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error("API server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, flag.ErrHelp) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
