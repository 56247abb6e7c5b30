// Flowstream Orchestrator: запускает одобренные flows в удалённом сервисе
// браузерной автоматизации и держит живые потоки их событий.
//
// Orchestrator:
//   - Создаёт tasks пакетом и сохраняет записи TaskSession
//   - Держит по одному потоку событий на task и сливает события с записями
//   - Отдаёт проекцию активной сессии через HTTP API, SSE и WebSocket
//   - Принимает команды flows.launch и sessions.activate из RabbitMQ
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaiso/Flowstream/internal/api"
	"github.com/shaiso/Flowstream/internal/browseruse"
	"github.com/shaiso/Flowstream/internal/config"
	"github.com/shaiso/Flowstream/internal/mq"
	"github.com/shaiso/Flowstream/internal/orchestrator"
	"github.com/shaiso/Flowstream/internal/repo"
	"github.com/shaiso/Flowstream/internal/telemetry"
)

// store: то, что нужно и orchestrator, и API.
type store interface {
	orchestrator.Store
	api.SessionStore
}

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting flowstream-orchestrator")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Хранилище
	var st store
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		st = repo.NewMemoryStore()
		logger.Warn("using in-memory store, records are lost on restart")
	default:
		pool, err := repo.NewPool(ctx, repo.PoolConfig{DSN: cfg.DatabaseURL})
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := repo.Migrate(ctx, pool); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		st = repo.NewPostgres(pool)
		logger.Info("database connected")
	}

	// RabbitMQ
	var publisher *mq.Publisher
	mqConn, err := mq.NewConnection(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, commands are accepted over HTTP only", "error", err)
		mqConn = nil
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}

		publisher = mq.NewPublisher(mqConn, logger)
	}

	// Удалённый сервис
	client := browseruse.NewClient(browseruse.Config{
		BaseURL:   cfg.BrowserUse.BaseURL,
		APIKey:    cfg.BrowserUse.APIKey,
		RateLimit: cfg.BrowserUse.CreateRateLimit,
		Logger:    logger,
	})

	var dialer orchestrator.Dialer
	switch cfg.Stream.Mode {
	case config.StreamModeSSE:
		dialer = browseruse.NewSSEDialer(browseruse.SSEConfig{
			BaseURL: cfg.Stream.BaseURL,
			APIKey:  cfg.BrowserUse.APIKey,
			Logger:  logger,
		})
	default:
		dialer = browseruse.NewPollingDialer(browseruse.PollingConfig{
			Getter:   client,
			Interval: cfg.Stream.PollInterval,
			Logger:   logger,
		})
	}
	logger.Info("stream transport configured", "mode", cfg.Stream.Mode)

	orchCfg := orchestrator.Config{
		Store:           st,
		Creator:         client,
		Dialer:          dialer,
		Stopper:         client,
		Conn:            mqConn,
		RefreshSchedule: cfg.RefreshSchedule,
		Retention:       cfg.Retention,
		WriteTimeout:    cfg.WriteTimeout,
		Logger:          logger,
	}
	if publisher != nil {
		orchCfg.Notifier = publisher
	}
	orch := orchestrator.New(orchCfg)

	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(api.Config{
		Sessions:     st,
		Orchestrator: orch,
		Publisher:    publisher,
		Logger:       logger,
	})

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	orch.Stop()
	logger.Info("flowstream-orchestrator stopped")
}
