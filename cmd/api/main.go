package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"guild-archive-bot/internal/adapters/httpapi"
	"guild-archive-bot/internal/adapters/repo"
	"guild-archive-bot/internal/infra/config"
	"guild-archive-bot/internal/infra/db"
	httpinfra "guild-archive-bot/internal/infra/http"
	applog "guild-archive-bot/internal/infra/log"
	"guild-archive-bot/internal/infra/metrics"
	queryusecase "guild-archive-bot/internal/usecase/query"
)

// Отдельный read-only сервис запросов к архиву: не держит подключений
// к платформе и может масштабироваться независимо от архиватора.
func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "api")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	pool, err := db.Connect(cfg.PGDSN, 5)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)
	queryService := queryusecase.NewService(repoAdapter)

	server := httpinfra.NewServer(logger.With().Str("component", "http").Logger())
	httpapi.RegisterQueryRoutes(server.Router, repoAdapter.ListGuilds, queryService, logger)

	go func() {
		if err := server.Start(":8080"); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}
