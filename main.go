package main

import (
	"context"
	"errors"
	"flag"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"palaver/internal/auth"
	"palaver/internal/commands"
	"palaver/internal/config"
	"palaver/internal/coordinator"
	"palaver/internal/http"
	"palaver/internal/notify"
	"palaver/internal/offline"
	"palaver/internal/presence"
	"palaver/internal/registry"
	"palaver/internal/relay"
	"palaver/internal/rooms"
	"palaver/internal/screen"
	"palaver/internal/storage"
	"palaver/internal/typing"
	"palaver/internal/ws"
)

func run(ctx context.Context, addToken, tokenRole string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if addToken != "" {
		return commands.AddToken(addToken, tokenRole, cfg)
	}

	zl, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	logger := zl.Sugar()

	store, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	verifier, err := auth.NewVerifier(ctx, store, cfg.TokenExpiry, logger)
	if err != nil {
		return err
	}

	reg := registry.New(logger)
	roomManager := rooms.NewManager(reg, store, logger)
	if err := roomManager.Provision(cfg.DefaultRooms); err != nil {
		return err
	}

	presenceTracker := presence.NewTracker(reg, logger)
	typingTracker := typing.NewTracker(roomManager, reg, cfg.TypingTTL, logger)
	queue := offline.NewQueue(cfg.QueueLimit)
	dispatcher := notify.NewDispatcher(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.PushContact, logger)

	var coord *coordinator.Coordinator
	messageRelay := relay.New(
		relay.Config{
			MaxMessageChars: cfg.MaxMessageChars,
			MaxFileBytes:    cfg.MaxFileBytes,
			ScreenTimeout:   cfg.ScreenTimeout,
			MessageRate:     cfg.MessageRate,
			MessageBurst:    cfg.MessageBurst,
		},
		roomManager, reg, store, screen.NewAnalyzer(), dispatcher, queue,
		func(userID string) bool { return coord.Privileged(userID) },
		logger,
	)

	coord = coordinator.New(coordinator.Deps{
		Registry: reg,
		Rooms:    roomManager,
		Presence: presenceTracker,
		Typing:   typingTracker,
		Relay:    messageRelay,
		Queue:    queue,
		Verifier: verifier,
		History:  store,
		Logger:   logger,
	}, cfg.RecoveryWindow)

	wsServer := ws.NewServer(coord, verifier, logger)
	apiServer := http.NewAPIServer(wsServer, verifier, dispatcher, cfg.Addr, logger)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return dispatcher.Run(gCtx)
	})

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorw("server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	addToken := flag.String("add-token", "", "User id to issue an identity token for (prints the token and exits)")
	tokenRole := flag.String("role", "member", "Role for -add-token (member or admin)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addToken, *tokenRole); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
