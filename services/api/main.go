package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatplatform/core/internal/auth"
	"github.com/chatplatform/core/internal/bus"
	"github.com/chatplatform/core/internal/config"
	"github.com/chatplatform/core/internal/consumer"
	"github.com/chatplatform/core/internal/dispatcher"
	"github.com/chatplatform/core/internal/event"
	"github.com/chatplatform/core/internal/handler"
	"github.com/chatplatform/core/internal/logger"
	"github.com/chatplatform/core/internal/media"
	"github.com/chatplatform/core/internal/middleware"
	"github.com/chatplatform/core/internal/repository"
	"github.com/chatplatform/core/internal/startup"
	"github.com/chatplatform/core/internal/story"
	"github.com/chatplatform/core/internal/ws"
	"github.com/chatplatform/core/migrations"
)

func main() {
	logger.SetPrefix("fanout")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	flag.Parse()

	logger.Info("starting fan-out node")
	cfg := config.Load()
	logger.Infof("instance id: %s", cfg.InstanceID)

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.ConnString())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConnections)
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second)
	defer pool.Close()

	runMigrations(pool)
	if *migrate && !*dev {
		return
	}

	// Узел только что поднялся: живых сессий нет, сбрасываем устаревший online.
	resetCtx, resetCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if _, err := pool.Exec(resetCtx, "UPDATE users SET status = 'offline' WHERE status != 'offline'"); err != nil {
		logger.Errorf("reset presence: %v", err)
	}
	resetCancel()
	logger.Info("database connected, migrations applied")

	userRepo := repository.NewUserRepository(pool)
	chatRepo := repository.NewChatRepository(pool)
	msgRepo := repository.NewMessageRepository(pool)
	storyRepo := repository.NewStoryRepository(pool)

	busPub := startup.ConnectBusWithRetry(cfg.Bus.URL, cfg.Bus.Exchange, 60*time.Second)
	defer busPub.Close()

	// Callback pub/sub доставляет только локально: исходящая публикация здесь
	// зациклила бы событие между узлами.
	var hub *ws.Hub
	router := startup.ConnectPubSubWithRetry(cfg.Redis.URL, cfg.InstanceID, func(userID string, env event.Envelope) {
		if hub != nil {
			hub.DeliverLocal(userID, env)
		}
	}, 60*time.Second)
	defer router.Close()

	hub = ws.NewHub(ws.Config{
		MaxConnections: cfg.MaxWSConnections,
		SendBufferSize: cfg.WSSendBufferSize,
		WriteTimeout:   time.Duration(cfg.WSWriteTimeout) * time.Second,
		PingInterval:   time.Duration(cfg.WSPingInterval) * time.Second,
		PongTimeout:    time.Duration(cfg.WSPongTimeout) * time.Second,
		MaxMessageSize: int64(cfg.WSMaxMessageSize),
	}, router, busPub, userRepo, chatRepo)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	disp := dispatcher.New(msgRepo, chatRepo, userRepo, storyRepo, busPub, hub)

	cons := consumer.New(chatRepo, hub)
	busConsumer := bus.NewConsumer(cfg.Bus.URL, cfg.Bus.Exchange, cfg.Bus.Queue, consumer.Bindings, cons.Handle)
	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	var bgWg sync.WaitGroup
	bgWg.Add(1)
	go func() {
		defer bgWg.Done()
		busConsumer.Run(consumerCtx)
	}()
	bgWg.Add(1)
	go func() {
		defer bgWg.Done()
		story.RunCleanup(consumerCtx, storyRepo, cfg.StoryCleanupInterval)
	}()

	authSvc := auth.New(cfg.Auth.Secret, cfg.Auth.Expiration)
	authH := handler.NewAuthHandler(userRepo, authSvc)
	userH := handler.NewUserHandler(userRepo)
	chatH := handler.NewChatHandler(chatRepo, msgRepo, disp)
	msgH := handler.NewMessageHandler(msgRepo, chatRepo, disp)
	storyH := handler.NewStoryHandler(disp)
	mediaSvc := media.New(cfg.UploadDir, cfg.MaxUploadSize, cfg.MediaSignSecret)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket — иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Post("/api/auth/signup", authH.Signup)
	r.Post("/api/auth/login", authH.Login)
	r.Put("/api/media/upload/{name}", mediaSvc.Upload)
	r.Get("/api/media/{name}", mediaSvc.Serve)

	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(authSvc))
		r.Get("/api/users/me", userH.GetMe)
		r.Patch("/api/users/me", userH.UpdateMe)
		r.Patch("/api/users/me/status", userH.UpdateStatus)
		r.Get("/api/users/search", userH.Search)
		r.Post("/api/users/{userID}/messages", msgH.SendToUser)
		r.Get("/api/chats", chatH.GetUserChats)
		r.Post("/api/chats/personal", chatH.CreatePersonal)
		r.Post("/api/chats/channel", chatH.CreateChannel)
		r.Get("/api/chats/{chatID}", chatH.GetChat)
		r.Get("/api/chats/{chatID}/messages", msgH.GetMessages)
		r.Post("/api/chats/{chatID}/messages", msgH.SendToChat)
		r.Post("/api/chats/{chatID}/block", chatH.Block)
		r.Post("/api/chats/{chatID}/unblock", chatH.Unblock)
		r.Post("/api/chats/{chatID}/messages/{msgID}/read", chatH.MarkRead)
		r.Get("/api/stories", storyH.List)
		r.Post("/api/stories", storyH.Create)
		r.Post("/api/media/upload-url", mediaSvc.SignUploadURL)
		r.Get("/ws", wsH.ServeWS)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("node listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	// Порядок остановки: новые сессии → живые сессии (+ отписки pub/sub) →
	// консьюмер шины и фоновые задачи → соединения. Общий дедлайн 10 секунд.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	go func() {
		<-shutdownCtx.Done()
		if shutdownCtx.Err() == context.DeadlineExceeded {
			logger.Errorf("shutdown deadline exceeded, forcing exit")
			os.Exit(1)
		}
	}()
	exitCode := 0
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
		exitCode = 1
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	consumerCancel()
	bgWg.Wait()
	logger.Info("consumer stopped")
	srvWg.Wait()
	if shutdownCtx.Err() != nil {
		exitCode = 1
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// runMigrations прогоняет встроенные миграции в лексикографическом порядке.
// SQL идемпотентен, поэтому прогон на существующей схеме безопасен.
func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		logger.Errorf("list migrations: %v", err)
		os.Exit(1)
	}
	sort.Strings(entries)
	for _, name := range entries {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			logger.Errorf("read migration %s: %v", name, err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Errorf("run migration %s: %v", name, err)
			os.Exit(1)
		}
		logger.Infof("migration applied: %s", name)
	}
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "chat"
		password = "chat_secret"
		database = "chat"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
