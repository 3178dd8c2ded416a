package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"guild-archive-bot/internal/domain"
	"guild-archive-bot/internal/infra/metrics"
	"guild-archive-bot/internal/usecase/registry"
)

// Observer получает каждое свежевставленное сообщение. Уведомления
// живут в пределах одного процесса; межэкземплярной рассылки нет.
type Observer func(domain.SavedMessage)

// Service — синхронный обработчик живых сообщений: применяет политику
// отслеживания и сохраняет запись тем же идемпотентным примитивом, что
// и выгрузка истории.
type Service struct {
	registry *registry.Registry
	messages domain.MessageRepo
	events   domain.MessageEvents
	log      zerolog.Logger

	readonly        bool
	requireTracking bool

	mu        sync.Mutex
	observers []Observer
}

// NewService создаёт обработчик живого приёма. events может быть nil.
func NewService(reg *registry.Registry, messages domain.MessageRepo, events domain.MessageEvents, log zerolog.Logger, readonly, requireTracking bool) *Service {
	return &Service{
		registry:        reg,
		messages:        messages,
		events:          events,
		log:             log,
		readonly:        readonly,
		requireTracking: requireTracking,
	}
}

// Subscribe регистрирует наблюдателя свежих сообщений.
func (s *Service) Subscribe(fn Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// HandleMessage решает судьбу наблюдаемого сообщения. Гильдия
// становится известной с первого же сообщения независимо от политики
// отслеживания.
func (s *Service) HandleMessage(ctx context.Context, bot domain.Bot, raw domain.RawMessage) error {
	if s.readonly {
		return nil
	}
	if raw.GuildID == "" {
		// Личные сообщения не архивируются.
		return nil
	}

	key := domain.GuildKey{Platform: bot.Platform(), GuildID: raw.GuildID}
	guild, known := s.registry.Get(key)
	if !known {
		name := ""
		if g, err := bot.GetGuild(ctx, raw.GuildID); err == nil {
			name = g.Name
		} else {
			s.log.Warn().Err(err).Str("guild", key.String()).Msg("ingest: не удалось получить имя гильдии")
		}
		guild = domain.SavedGuild{
			Platform:   key.Platform,
			GuildID:    key.GuildID,
			Name:       name,
			AssigneeID: bot.ID(),
		}
		if err := s.registry.Upsert(ctx, guild); err != nil {
			return fmt.Errorf("регистрация гильдии: %w", err)
		}
	}

	if !guild.Tracked && s.requireTracking {
		metrics.IngestDroppedTotal.WithLabelValues("not_tracked").Inc()
		return nil
	}

	record := domain.SavedMessage{
		ID:        raw.ID,
		Platform:  key.Platform,
		GuildID:   raw.GuildID,
		UserID:    raw.UserID,
		Username:  raw.Username,
		Content:   raw.Content,
		Timestamp: raw.Timestamp,
	}
	fresh, err := s.messages.UpsertMessage(ctx, record)
	if err != nil {
		return fmt.Errorf("сохранение сообщения: %w", err)
	}
	if !fresh {
		metrics.IngestDroppedTotal.WithLabelValues("duplicate").Inc()
		return nil
	}
	metrics.IngestSavedTotal.Inc()
	s.notify(ctx, record)
	return nil
}

// Track включает архивирование гильдии; переход однонаправленный.
func (s *Service) Track(ctx context.Context, platform, guildID, assigneeID string) (domain.SavedGuild, error) {
	return s.registry.Track(ctx, domain.GuildKey{Platform: platform, GuildID: guildID}, assigneeID)
}

func (s *Service) notify(ctx context.Context, m domain.SavedMessage) {
	s.mu.Lock()
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(m)
	}
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, m); err != nil {
		s.log.Error().Err(err).Str("message", m.ID).Msg("ingest: не удалось опубликовать событие")
	}
}
