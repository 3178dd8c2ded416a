package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"guild-archive-bot/internal/domain"
	"guild-archive-bot/internal/infra/metrics"
	"guild-archive-bot/internal/usecase/registry"
)

// Options управляет одной пакетной выгрузкой истории.
type Options struct {
	Duration domain.Duration
	// StopOnOld останавливает обход гильдии на первом уже известном
	// сообщении: архив предполагается непрерывным, всё более старое
	// уже сохранено.
	StopOnOld bool
	// MaxCount ограничивает число просмотренных сообщений на гильдию;
	// ноль означает предел из конфигурации.
	MaxCount int
}

// DefaultOptions возвращает параметры по умолчанию.
func DefaultOptions() Options {
	return Options{StopOnOld: true}
}

// Service реализует выгрузку истории по всем отслеживаемым гильдиям.
type Service struct {
	registry *registry.Registry
	messages domain.MessageRepo
	bots     domain.BotDirectory
	log      zerolog.Logger

	pageSize     int
	maxCount     int
	guildTimeout time.Duration
}

// NewService создаёт сервис выгрузки истории.
func NewService(reg *registry.Registry, messages domain.MessageRepo, bots domain.BotDirectory, log zerolog.Logger, pageSize, maxCount int, guildTimeout time.Duration) *Service {
	if pageSize <= 0 {
		pageSize = 100
	}
	if maxCount <= 0 {
		maxCount = 1000
	}
	return &Service{
		registry:     reg,
		messages:     messages,
		bots:         bots,
		log:          log,
		pageSize:     pageSize,
		maxCount:     maxCount,
		guildTimeout: guildTimeout,
	}
}

// FetchHistory обходит все отслеживаемые гильдии параллельно и
// возвращает сводный отчёт. Вызов не завершается, пока каждая гильдия
// не придёт к терминальному исходу; ошибка одной гильдии не прерывает
// остальных и не откатывает ничего.
func (s *Service) FetchHistory(ctx context.Context, opts Options) domain.FetchReport {
	guilds := s.registry.Tracked()

	batchStart := time.Now()
	results := make(chan domain.GuildFetchResult, len(guilds))
	var wg sync.WaitGroup
	for _, g := range guilds {
		wg.Add(1)
		go func(g domain.SavedGuild) {
			defer wg.Done()
			results <- s.fetchGuild(ctx, g, opts)
		}(g)
	}
	wg.Wait()
	close(results)

	var report domain.FetchReport
	for r := range results {
		s.logResult(r)
		report.Add(r)
	}
	metrics.HistoryBatchSeconds.Observe(time.Since(batchStart).Seconds())
	metrics.HistoryInsertedTotal.Add(float64(report.MessageCount))
	return report
}

// StartCatchUp запускает фоновую дозагрузку, ограниченную сверху
// временем запуска процесса, чтобы не гоняться с живым приёмом.
// Исход только логируется.
func (s *Service) StartCatchUp(ctx context.Context, launch time.Time) {
	go func() {
		start := int64(0)
		end := launch.UnixMilli()
		opts := DefaultOptions()
		opts.Duration = domain.Duration{Start: &start, End: &end}
		report := s.FetchHistory(ctx, opts)
		s.log.Info().
			Int("guilds", len(report.Results)).
			Int("ok", report.OKCount).
			Int("errors", report.ErrorCount).
			Int("messages", report.MessageCount).
			Msg("history: стартовая дозагрузка завершена")
	}()
}

func (s *Service) fetchGuild(ctx context.Context, g domain.SavedGuild, opts Options) domain.GuildFetchResult {
	res := domain.GuildFetchResult{Guild: g.Key(), Assignee: g.AssigneeID}

	bot, ok := s.bots.Find(g.Platform, g.AssigneeID)
	if !ok || !bot.Active() {
		res.Err = domain.FetchErrBotNotAvailable
		return res
	}

	if s.guildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.guildTimeout)
		defer cancel()
	}

	inserted, exit, err := s.walkGuild(ctx, bot, g, opts)
	if err != nil {
		res.Err = domain.FetchErrInternal
		res.Cause = err
		return res
	}
	res.Inserted = inserted
	res.Exit = exit
	return res
}

// walkGuild идёт по истории гильдии строго от новых сообщений к старым.
func (s *Service) walkGuild(ctx context.Context, bot domain.Bot, g domain.SavedGuild, opts Options) (int, domain.HistoryExit, error) {
	maxCount := opts.MaxCount
	if maxCount <= 0 {
		maxCount = s.maxCount
	}

	cursor, err := s.resumeCursor(ctx, bot, g, opts.Duration)
	if err != nil {
		return 0, "", err
	}

	it := newMessageIterator(bot, g.GuildID, cursor, s.pageSize)
	seen := 0
	inserted := 0
	for {
		msg, ok, err := it.Next(ctx)
		if err != nil {
			return inserted, "", fmt.Errorf("листинг истории: %w", err)
		}
		if !ok {
			return inserted, domain.ExitExhausted, nil
		}
		// Сообщения новее верхней границы окна не входят в обход:
		// они не занимают слот лимита и их дубликаты не означают,
		// что обход дошёл до уже известной территории.
		if opts.Duration.End != nil && msg.Timestamp >= *opts.Duration.End {
			continue
		}
		if seen == maxCount {
			// Текущее сообщение не обрабатывается.
			return inserted, domain.ExitReachedMax, nil
		}
		if opts.Duration.Start != nil && msg.Timestamp < *opts.Duration.Start {
			return inserted, domain.ExitDone, nil
		}
		if msg.Content == "" {
			// Пустое сообщение не занимает слот лимита.
			continue
		}
		seen++
		fresh, err := s.messages.UpsertMessage(ctx, domain.SavedMessage{
			ID:        msg.ID,
			Platform:  g.Platform,
			GuildID:   g.GuildID,
			UserID:    msg.UserID,
			Username:  msg.Username,
			Content:   msg.Content,
			Timestamp: msg.Timestamp,
		})
		if err != nil {
			return inserted, "", fmt.Errorf("сохранение сообщения %s: %w", msg.ID, err)
		}
		if fresh {
			inserted++
		} else if opts.StopOnOld {
			return inserted, domain.ExitDone, nil
		}
	}
}

// resumeCursor выбирает позицию, с которой начинать обход назад.
// При заданной верхней границе окна и умении подключения продолжать с
// произвольного id курсором становится самое свежее сообщение архива
// перед границей; иначе обход стартует с живого конца и полагается на
// фильтрацию по времени.
func (s *Service) resumeCursor(ctx context.Context, bot domain.Bot, g domain.SavedGuild, d domain.Duration) (string, error) {
	if d.End == nil || !bot.SupportsResume() {
		return "", nil
	}
	last, found, err := s.messages.LatestMessageBefore(ctx, g.Platform, g.GuildID, *d.End)
	if err != nil {
		return "", fmt.Errorf("поиск позиции продолжения: %w", err)
	}
	if !found {
		return "", nil
	}
	return last.ID, nil
}

func (s *Service) logResult(r domain.GuildFetchResult) {
	target := fmt.Sprintf("%s@%s", r.Guild, r.Assignee)
	if !r.OK() {
		metrics.HistoryGuildErrors.WithLabelValues(string(r.Err)).Inc()
		s.log.Warn().
			Str("guild", target).
			Str("error", string(r.Err)).
			Err(r.Cause).
			Msg("history: выгрузка гильдии не удалась")
		return
	}
	s.log.Info().
		Str("guild", target).
		Int("inserted", r.Inserted).
		Str("exit", string(r.Exit)).
		Msg("history: гильдия выгружена")
}
