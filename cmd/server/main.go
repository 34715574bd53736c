// Command server starts the party-game backend: one process serving the
// room registry, event bus, five game state machines, and their HTTP/SSE
// surface, wired together in the style of the teacher's cmd/server/main.go.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ujinchoi03-star/recreation/internal/analytics"
	"github.com/ujinchoi03-star/recreation/internal/api"
	"github.com/ujinchoi03-star/recreation/internal/bus"
	"github.com/ujinchoi03-star/recreation/internal/catalog"
	"github.com/ujinchoi03-star/recreation/internal/config"
	"github.com/ujinchoi03-star/recreation/internal/gamecore"
	"github.com/ujinchoi03-star/recreation/internal/games/liar"
	"github.com/ujinchoi03-star/recreation/internal/games/mafia"
	"github.com/ujinchoi03-star/recreation/internal/games/marble"
	"github.com/ujinchoi03-star/recreation/internal/games/quiz"
	"github.com/ujinchoi03-star/recreation/internal/games/truth"
	"github.com/ujinchoi03-star/recreation/internal/hosttoken"
	"github.com/ujinchoi03-star/recreation/internal/observability"
	"github.com/ujinchoi03-star/recreation/internal/room"
	"github.com/ujinchoi03-star/recreation/internal/scheduler"
	"github.com/ujinchoi03-star/recreation/internal/store"
)

const releaseVersion = "0.1.0"

func main() {
	cobra.CheckErr(newCmd().Execute())
}

func newCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "recreation-server",
		Short:         "Realtime backend for a multi-room party-game night.",
		Args:          cobra.ExactArgs(0),
		Version:       releaseVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	// Bind registers the flag set once at construction; cobra parses the
	// flags before RunE runs, so v.Get* inside RunE reflects the values
	// actually supplied on this invocation.
	v := config.Bind(cmd.Flags())
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), config.Load(v))
	}
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	if err := godotenv.Load(); err != nil {
		fmt.Println("warning: .env file not found")
	}

	logger, err := observability.SetupLogger()
	if err != nil {
		log.Fatalf("cannot init logger: %v", err)
	}
	defer logger.Sync()

	tp, err := observability.SetupTracerProvider(cfg.TraceStdout)
	if err != nil {
		logger.Fatal("cannot init tracer provider", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	metrics := observability.NewMetrics()

	var st store.Store
	if cfg.RedisAddr != "" {
		rs := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rs.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.Warn("cannot reach redis, falling back to in-process store", zap.Error(err))
			st = store.NewMemoryStore()
		} else {
			logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
			st = rs
		}
	} else {
		logger.Info("no redis address configured, using in-process store")
		st = store.NewMemoryStore()
	}

	tokens := hosttoken.NewManager(cfg.JWTSecret, cfg.RoomTTL)
	registry := room.NewRegistry(st, cfg.RoomTTL, tokens, logger)
	eventBus := bus.New(registry, registry, logger)
	registry.SetBroadcaster(eventBus)

	pool := scheduler.NewPool()

	cat := catalog.New(logger, metrics.CatalogFallback)
	if cfg.DBDSN != "" {
		if err := cat.Connect(ctx, cfg.DBDSN); err != nil {
			logger.Warn("catalog: mysql connect failed, using embedded seed", zap.Error(err))
		}
	}

	var sink *analytics.Sink
	if cfg.RabbitMQURL != "" {
		sink = analytics.Connect(cfg.RabbitMQURL, cfg.SnapshotQueueName, logger)
		defer sink.Close()
	} else {
		sink = analytics.NewNoop()
	}

	games := map[string]gamecore.Machine{
		room.GameMarble: marble.New(st, registry, eventBus, cat, cfg.RoomTTL),
		room.GameMafia:  mafia.New(st, registry, eventBus, pool, cfg.RoomTTL),
		room.GameLiar:   liar.New(st, registry, eventBus, cat, pool, cfg.RoomTTL),
		room.GameQuiz:   quiz.New(st, registry, eventBus, cat, pool, cfg.RoomTTL),
		room.GameTruth:  truth.New(st, registry, eventBus, cfg.RoomTTL),
	}

	server := api.NewServer(st, registry, eventBus, games, sink, metrics, logger, cfg.AdminSecretHash, cfg.RoomTTL)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: server.Router}
	go func() {
		logger.Info("starting server", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
