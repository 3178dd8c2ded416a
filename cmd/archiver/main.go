package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	gotdclient "github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"guild-archive-bot/internal/adapters/bots"
	"guild-archive-bot/internal/adapters/httpapi"
	"guild-archive-bot/internal/adapters/repo"
	"guild-archive-bot/internal/adapters/telegram"
	"guild-archive-bot/internal/domain"
	"guild-archive-bot/internal/infra/cache"
	"guild-archive-bot/internal/infra/config"
	"guild-archive-bot/internal/infra/db"
	httpinfra "guild-archive-bot/internal/infra/http"
	applog "guild-archive-bot/internal/infra/log"
	"guild-archive-bot/internal/infra/metrics"
	"guild-archive-bot/internal/infra/queue"
	historyusecase "guild-archive-bot/internal/usecase/history"
	ingestusecase "guild-archive-bot/internal/usecase/ingest"
	queryusecase "guild-archive-bot/internal/usecase/query"
	registryusecase "guild-archive-bot/internal/usecase/registry"
	retentionusecase "guild-archive-bot/internal/usecase/retention"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "archiver")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	pool, err := db.Connect(cfg.PGDSN, 10)
	if err != nil {
		logger.Fatal().Err(err).Msg("archiver: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	reg := registryusecase.New(repoAdapter)
	if err := reg.Load(ctx); err != nil {
		logger.Fatal().Err(err).Msg("archiver: не удалось загрузить реестр гильдий")
	}

	var events domain.MessageEvents
	if cfg.RabbitURL != "" {
		rabbit, err := queue.NewRabbitMessageEvents(cfg.RabbitURL, cfg.Queues.Events)
		if err != nil {
			logger.Fatal().Err(err).Msg("archiver: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbit.Close()
		events = rabbit
	}

	if cfg.Telegram.Token == "" {
		logger.Fatal().Msg("archiver: не указан токен Telegram (TG_BOT_TOKEN)")
	}
	if cfg.Telegram.APIID == 0 || cfg.Telegram.APIHash == "" {
		logger.Fatal().Msg("archiver: не указаны ключи MTProto (TG_API_ID, TG_API_HASH)")
	}

	dispatcher := tg.NewUpdateDispatcher()
	client := gotdclient.NewClient(cfg.Telegram.APIID, cfg.Telegram.APIHash, gotdclient.Options{
		SessionStorage: telegram.NewSessionStore(repoAdapter, cfg.Telegram.BotID),
		UpdateHandler:  dispatcher,
	})
	archBot := telegram.NewBot(cfg.Telegram.BotID, client.API(), logger.With().Str("component", "tg_bot").Logger())

	// Access hash каналов узнаётся только из потока апдейтов.
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		for id, ch := range e.Channels {
			archBot.RememberPeer(strconv.FormatInt(id, 10), id, ch.AccessHash)
		}
		return nil
	})

	directory := bots.NewDirectory()
	directory.Register(archBot)

	ingestService := ingestusecase.NewService(reg, repoAdapter, events, logger.With().Str("component", "ingest").Logger(), cfg.Readonly, cfg.RequireTracking)
	historyService := historyusecase.NewService(reg, repoAdapter, directory, logger.With().Str("component", "history").Logger(), cfg.History.PageSize, cfg.History.MaxCount, cfg.History.GuildTimeout)
	retentionService := retentionusecase.NewService(repoAdapter, reg, logger.With().Str("component", "retention").Logger(), retentionusecase.Config{
		Enabled:       cfg.GC.Enabled,
		OlderThanDays: cfg.GC.OlderThanDays,
		UntrackedOnly: cfg.GC.UntrackedOnly,
	})
	queryService := queryusecase.NewService(repoAdapter)

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("archiver: не удалось создать бота")
	}
	gateway := telegram.NewGateway(botAPI, archBot, ingestService, logger)
	go gateway.Run(ctx)

	launch := time.Now()
	go func() {
		err := client.Run(ctx, func(ctx context.Context) error {
			status, err := client.Auth().Status(ctx)
			if err != nil {
				return err
			}
			if !status.Authorized {
				if _, err := client.Auth().Bot(ctx, cfg.Telegram.Token); err != nil {
					return err
				}
			}
			archBot.SetActive(true)
			defer archBot.SetActive(false)
			logger.Info().Msg("archiver: MTProto клиент авторизован")

			if !cfg.Readonly {
				historyService.StartCatchUp(ctx, launch)
			}
			<-ctx.Done()
			return ctx.Err()
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("archiver: MTProto клиент остановлен")
		}
	}()

	startGCSchedule(ctx, cfg, retentionService, logger)

	server := httpinfra.NewServer(logger.With().Str("component", "http").Logger())
	registerAdminRoutes(server, cfg, reg, directory, historyService, retentionService, ingestService, queryService, logger)
	go func() {
		if err := server.Start(":8080"); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("archiver: HTTP сервер остановлен")
		}
	}()

	logger.Info().Bool("readonly", cfg.Readonly).Msg("archiver: запущен")
	<-ctx.Done()
	logger.Info().Msg("archiver: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

// startGCSchedule вешает плановую сборку мусора на cron-расписание.
// Замок в Redis не даёт нескольким экземплярам выполнить одну и ту же
// сборку одновременно; без Redis экземпляр работает в одиночку.
func startGCSchedule(ctx context.Context, cfg config.AppConfig, retentionService *retentionusecase.Service, logger zerolog.Logger) {
	if cfg.Readonly || !cfg.GC.Enabled {
		return
	}

	var locker domain.Cache
	if cfg.RedisAddr != "" {
		locker = cache.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	}

	run := func() {
		sweep := func() error {
			_, err := retentionService.Sweep(ctx)
			if errors.Is(err, retentionusecase.ErrDisabled) {
				return nil
			}
			return err
		}
		var err error
		if locker != nil {
			err = locker.Once(ctx, "gc:sweep:"+time.Now().UTC().Format("2006-01-02"), 12*time.Hour, sweep)
		} else {
			err = sweep()
		}
		if err != nil {
			logger.Error().Err(err).Msg("archiver: плановая сборка мусора не удалась")
		}
	}

	c := cron.New()
	if _, err := c.AddFunc(cfg.GC.Schedule, run); err != nil {
		logger.Fatal().Err(err).Str("schedule", cfg.GC.Schedule).Msg("archiver: некорректное расписание сборки мусора")
	}
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	logger.Info().Str("schedule", cfg.GC.Schedule).Msg("archiver: сборка мусора по расписанию включена")
}

type fetchRequest struct {
	StartMS   *int64 `json:"start_ms"`
	EndMS     *int64 `json:"end_ms"`
	MaxCount  int    `json:"max_count"`
	StopOnOld *bool  `json:"stop_on_old"`
	// Force позволяет привилегированному вызову выгрузить историю
	// даже в режиме только для чтения.
	Force bool `json:"force"`
}

type gcRequest struct {
	UntrackedOnly *bool `json:"untracked_only"`
}

type trackRequest struct {
	Platform   string `json:"platform"`
	GuildID    string `json:"guild_id"`
	AssigneeID string `json:"assignee_id"`
}

func registerAdminRoutes(server *httpinfra.Server, cfg config.AppConfig, reg *registryusecase.Registry, directory domain.BotDirectory, historyService *historyusecase.Service, retentionService *retentionusecase.Service, ingestService *ingestusecase.Service, queryService *queryusecase.Service, logger zerolog.Logger) {
	r := server.Router

	httpapi.RegisterQueryRoutes(r, func(context.Context) ([]domain.SavedGuild, error) {
		return reg.All(), nil
	}, queryService, logger)

	r.Group(func(admin chi.Router) {
		admin.Use(httpinfra.AdminAuthMiddleware(cfg.AdminToken))

		admin.Post("/api/v1/history/fetch", func(w http.ResponseWriter, req *http.Request) {
			var body fetchRequest
			if req.Body != nil {
				_ = json.NewDecoder(req.Body).Decode(&body)
			}
			if cfg.Readonly && !body.Force {
				httpapi.WriteError(w,http.StatusForbidden, "архив в режиме только для чтения")
				return
			}
			opts := historyusecase.DefaultOptions()
			opts.Duration = domain.Duration{Start: body.StartMS, End: body.EndMS}
			if !opts.Duration.Valid() {
				httpapi.WriteError(w,http.StatusBadRequest, "конец интервала раньше начала")
				return
			}
			opts.MaxCount = body.MaxCount
			if body.StopOnOld != nil {
				opts.StopOnOld = *body.StopOnOld
			}

			runID := uuid.NewString()
			runLog := logger.With().Str("run_id", runID).Logger()
			runLog.Info().Msg("archiver: ручная выгрузка истории")
			report := historyService.FetchHistory(req.Context(), opts)
			runLog.Info().
				Int("ok", report.OKCount).
				Int("errors", report.ErrorCount).
				Int("messages", report.MessageCount).
				Msg("archiver: ручная выгрузка завершена")
			httpapi.WriteJSON(w,reportResponse(runID, report))
		})

		admin.Post("/api/v1/gc", func(w http.ResponseWriter, req *http.Request) {
			if cfg.Readonly {
				httpapi.WriteError(w,http.StatusForbidden, "архив в режиме только для чтения")
				return
			}
			var body gcRequest
			if req.Body != nil {
				_ = json.NewDecoder(req.Body).Decode(&body)
			}
			untrackedOnly := cfg.GC.UntrackedOnly
			if body.UntrackedOnly != nil {
				untrackedOnly = *body.UntrackedOnly
			}
			removed, err := retentionService.SweepWithPolicy(req.Context(), untrackedOnly)
			if err != nil {
				logger.Error().Err(err).Msg("archiver: ручная сборка мусора не удалась")
				httpapi.WriteError(w,http.StatusInternalServerError, "сборка мусора не удалась")
				return
			}
			httpapi.WriteJSON(w,map[string]any{"removed": removed, "untracked_only": untrackedOnly})
		})

		admin.Get("/api/v1/guilds/members", func(w http.ResponseWriter, req *http.Request) {
			platform := req.URL.Query().Get("platform")
			guildID := req.URL.Query().Get("guild")
			guild, ok := reg.Get(domain.GuildKey{Platform: platform, GuildID: guildID})
			if !ok {
				httpapi.WriteError(w,http.StatusNotFound, "гильдия неизвестна")
				return
			}
			bot, ok := directory.Find(guild.Platform, guild.AssigneeID)
			if !ok || !bot.Active() {
				httpapi.WriteError(w,http.StatusServiceUnavailable, "нет живого бота для гильдии")
				return
			}
			members, err := bot.GetGuildMembers(req.Context(), guild.GuildID)
			if err != nil {
				logger.Error().Err(err).Str("guild", guild.Key().String()).Msg("archiver: список участников")
				httpapi.WriteError(w,http.StatusBadGateway, "не удалось получить участников")
				return
			}
			out := make([]map[string]any, 0, len(members))
			for _, m := range members {
				out = append(out, map[string]any{"id": m.ID, "name": m.Name})
			}
			httpapi.WriteJSON(w,map[string]any{"members": out})
		})

		admin.Post("/api/v1/guilds/track", func(w http.ResponseWriter, req *http.Request) {
			if cfg.Readonly {
				httpapi.WriteError(w,http.StatusForbidden, "архив в режиме только для чтения")
				return
			}
			var body trackRequest
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				httpapi.WriteError(w,http.StatusBadRequest, "некорректное тело запроса")
				return
			}
			if body.Platform == "" || body.GuildID == "" {
				httpapi.WriteError(w,http.StatusBadRequest, "platform и guild_id обязательны")
				return
			}
			guild, err := ingestService.Track(req.Context(), body.Platform, body.GuildID, body.AssigneeID)
			if err != nil {
				logger.Error().Err(err).Str("guild", body.Platform+":"+body.GuildID).Msg("archiver: не удалось включить отслеживание")
				httpapi.WriteError(w,http.StatusInternalServerError, "не удалось включить отслеживание")
				return
			}
			httpapi.WriteJSON(w,httpapi.GuildResponse(guild))
		})
	})
}

func reportResponse(runID string, report domain.FetchReport) map[string]any {
	results := make([]map[string]any, 0, len(report.Results))
	for _, res := range report.Results {
		item := map[string]any{
			"guild":    res.Guild.String(),
			"assignee": res.Assignee,
		}
		if res.OK() {
			item["inserted"] = res.Inserted
			item["exit"] = string(res.Exit)
		} else {
			item["error"] = string(res.Err)
		}
		results = append(results, item)
	}
	return map[string]any{
		"run_id":   runID,
		"ok":       report.OKCount,
		"errors":   report.ErrorCount,
		"messages": report.MessageCount,
		"results":  results,
	}
}
