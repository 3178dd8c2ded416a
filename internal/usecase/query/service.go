package query

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"guild-archive-bot/internal/domain"
)

var (
	// ErrInvalidDuration возвращается при перепутанных границах окна.
	ErrInvalidDuration = errors.New("конец интервала раньше начала")
	// ErrInvalidPattern возвращается при некорректном регулярном выражении.
	ErrInvalidPattern = errors.New("некорректное регулярное выражение")
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// Service — тонкие read-only обёртки над репозиторием сообщений для
// консоли и HTTP API.
type Service struct {
	messages domain.MessageRepo
}

// NewService создаёт сервис запросов.
func NewService(messages domain.MessageRepo) *Service {
	return &Service{messages: messages}
}

func normalizeFilter(f domain.MessageFilter) (domain.MessageFilter, error) {
	if !f.Duration.Valid() {
		return f, ErrInvalidDuration
	}
	if f.Content != "" {
		if _, err := regexp.Compile(f.Content); err != nil {
			return f, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
		}
	}
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f, nil
}

// List возвращает страницу архива, новые сообщения первыми.
func (s *Service) List(ctx context.Context, f domain.MessageFilter) ([]domain.SavedMessage, error) {
	f, err := normalizeFilter(f)
	if err != nil {
		return nil, err
	}
	return s.messages.ListMessages(ctx, f)
}

// Count считает сообщения под фильтром.
func (s *Service) Count(ctx context.Context, f domain.MessageFilter) (int64, error) {
	f, err := normalizeFilter(f)
	if err != nil {
		return 0, err
	}
	return s.messages.CountMessages(ctx, f)
}

// Stats агрегирует количество сообщений по гильдиям, участникам или
// часовым корзинам.
func (s *Service) Stats(ctx context.Context, groupBy domain.GroupBy, d domain.Duration) ([]domain.StatRow, error) {
	if !d.Valid() {
		return nil, ErrInvalidDuration
	}
	switch groupBy {
	case domain.GroupByGuild, domain.GroupByUser, domain.GroupByHour:
	default:
		return nil, fmt.Errorf("неизвестный разрез агрегации: %q", groupBy)
	}
	return s.messages.MessageStats(ctx, groupBy, d)
}

// Storage возвращает сводку по занимаемому месту.
func (s *Service) Storage(ctx context.Context) (domain.TableStats, error) {
	return s.messages.TableStats(ctx)
}
