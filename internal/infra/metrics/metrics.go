package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	HistoryInsertedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "history_inserted_messages_total",
		Help: "Количество сообщений, вставленных при выгрузке истории",
	})
	HistoryGuildErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "history_guild_errors_total",
		Help: "Ошибки выгрузки истории по гильдиям",
	}, []string{"reason"})
	HistoryBatchSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "history_batch_seconds",
		Help:    "Время пакетной выгрузки истории",
		Buckets: prometheus.DefBuckets,
	})
	IngestSavedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_saved_messages_total",
		Help: "Количество сообщений, сохранённых живым приёмом",
	})
	IngestDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_dropped_messages_total",
		Help: "Отброшенные живым приёмом сообщения",
	}, []string{"reason"})
	GCRemovedRows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gc_removed_rows_total",
		Help: "Строки, удалённые сборкой мусора",
	})
	GCRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gc_runs_total",
		Help: "Запуски сборки мусора",
	}, []string{"status"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		HistoryInsertedTotal,
		HistoryGuildErrors,
		HistoryBatchSeconds,
		IngestSavedTotal,
		IngestDroppedTotal,
		GCRemovedRows,
		GCRuns,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}
