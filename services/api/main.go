package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/roomchat/internal/auth"
	"github.com/roomchat/internal/config"
	"github.com/roomchat/internal/events"
	"github.com/roomchat/internal/fileserver"
	"github.com/roomchat/internal/handler"
	"github.com/roomchat/internal/logger"
	"github.com/roomchat/internal/repository"
	"github.com/roomchat/internal/service"
	"github.com/roomchat/internal/startup"
	"github.com/roomchat/internal/storage"
	"github.com/roomchat/internal/storage/memory"
	"github.com/roomchat/internal/ws"
)

const connectWait = 60 * time.Second

func main() {
	logger.SetPrefix("api")
	defer logger.Flush(3 * time.Second)
	migrate := flag.Bool("migrate", false, "apply migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	resetPresence := flag.Bool("reset-presence", false, "clear presence left by crashed instances (run with the cluster stopped)")
	flag.Parse()

	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	logger.Info("starting API service")
	if problems := cfg.Validate(); len(problems) > 0 {
		for _, p := range problems {
			logger.Errorf("config: %s", p)
		}
		fatal()
	}

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startup.StartEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			fatal()
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	ctx := context.Background()
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		fatal()
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = min(4, poolCfg.MaxConns)

	pool, err := startup.ConnectDB(ctx, poolCfg, connectWait)
	if err != nil {
		logger.Errorf("%v", err)
		fatal()
	}
	defer pool.Close()

	migrateCtx, migrateCancel := context.WithTimeout(ctx, 30*time.Second)
	err = startup.Migrate(migrateCtx, pool)
	migrateCancel()
	if err != nil {
		logger.Errorf("%v", err)
		fatal()
	}
	if *migrate && !*dev {
		return
	}

	userRepo := repository.NewUserRepository(pool)
	roomRepo := repository.NewRoomRepository(pool)
	msgRepo := repository.NewMessageRepository(pool)
	fileRepo := repository.NewFileRepository(pool)
	unreadRepo := repository.NewUnreadRepository(pool)

	registry, bus, closeShared := sharedState(ctx, cfg)
	defer closeShared()
	// A single instance owns every socket, so online flags from a previous run are stale.
	if cfg.Redis.URL == "" || *resetPresence {
		resetCtx, resetCancel := context.WithTimeout(ctx, 5*time.Second)
		if f, ok := registry.(presenceFlusher); ok && *resetPresence {
			if err := f.FlushPresence(resetCtx); err != nil {
				logger.Errorf("flush presence: %v", err)
			}
		}
		if err := userRepo.ResetOnline(resetCtx); err != nil {
			logger.Errorf("reset online status: %v", err)
		}
		resetCancel()
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.Kafka.Enabled() {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.MessagesTopic, func(err error) {
			logger.Errorf("kafka: %v", err)
		})
		defer func() {
			if err := kp.Close(); err != nil {
				logger.Errorf("kafka close: %v", err)
			}
		}()
		publisher = kp
		logger.Infof("kafka events enabled, topic %s", cfg.Kafka.MessagesTopic)
	}

	stores := []fileserver.ObjectStore{}
	if cfg.Minio.Endpoint != "" {
		ms, err := startup.ConnectMinio(ctx, cfg.Minio, connectWait)
		if err != nil {
			logger.Errorf("%v", err)
			fatal()
		}
		stores = append(stores, ms)
		logger.Infof("minio object storage at %s, bucket %s", cfg.Minio.Endpoint, cfg.Minio.Bucket)
	}
	stores = append(stores, fileserver.NewDiskStore(cfg.UploadDir))
	files := fileserver.New(fileRepo, cfg.MaxUploadSize, cfg.InlineFileLimit, stores...)

	tokens := auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTTTL)
	authSvc := service.NewAuthService(userRepo, tokens)
	userSvc := service.NewUserService(userRepo)
	roomSvc := service.NewRoomService(roomRepo, userRepo)
	chatSvc := service.NewChatService(msgRepo, roomRepo, userRepo, fileRepo, unreadRepo)

	hub := ws.NewHub(ws.Deps{
		Chats:    chatSvc,
		Rooms:    roomSvc,
		Users:    userRepo,
		Registry: registry,
		Bus:      bus,
		Events:   publisher,
	}, ws.Options{
		MaxConns:       cfg.MaxWSConnections,
		SendBufferSize: cfg.WSSendBufferSize,
		MaxMessageSize: cfg.WSMaxMessageSize,
	})
	hubCtx, hubCancel := context.WithCancel(ctx)
	if err := hub.Listen(hubCtx); err != nil {
		logger.Errorf("hub subscribe: %v", err)
		fatal()
	}

	router := handler.NewRouter(handler.Handlers{
		Auth:  handler.NewAuthHandler(authSvc, userSvc),
		Users: handler.NewUserHandler(userSvc),
		Rooms: handler.NewRoomHandler(roomSvc, hub),
		Chats: handler.NewChatHandler(chatSvc, hub),
		Files: handler.NewFileHandler(files, cfg.MaxUploadSize),
		WS:    handler.NewWSHandler(hub, cfg.CORSAllowedOrigins),
	}, handler.RouterOptions{
		Authenticator:  authSvc,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Health: func(r *http.Request) error {
			pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			return pool.Ping(pingCtx)
		},
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		hub.Run(hubCtx)
		return nil
	})
	g.Go(func() error {
		logger.Infof("server listening on %s", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	// Stop order: HTTP server, then the hub (closes every socket).
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		logger.Infof("server stopped accepting connections, closing %d sockets", hub.ConnectionCount())
		hubCancel()
		<-hub.Done()
		logger.Info("hub stopped")
		return err
	})
	if err := g.Wait(); err != nil {
		logger.Errorf("api: %v", err)
	}
}

type presenceFlusher interface {
	FlushPresence(ctx context.Context) error
}

// sharedState picks Redis when configured so presence and fan-out span instances;
// otherwise everything stays in this process.
func sharedState(ctx context.Context, cfg *config.Config) (storage.PresenceRegistry, storage.Bus, func()) {
	if cfg.Redis.URL == "" {
		mem := memory.New()
		logger.Info("presence and fan-out in process memory (single instance)")
		return mem, mem, func() { _ = mem.Close() }
	}
	rc, err := startup.ConnectRedis(ctx, cfg.Redis, connectWait)
	if err != nil {
		logger.Errorf("%v", err)
		fatal()
	}
	logger.Infof("presence and fan-out via redis channel %s", cfg.Redis.FanoutChannel)
	return rc, rc, func() {
		if err := rc.Close(); err != nil {
			logger.Errorf("redis close: %v", err)
		}
	}
}

func fatal() {
	logger.Flush(3 * time.Second)
	os.Exit(1)
}
