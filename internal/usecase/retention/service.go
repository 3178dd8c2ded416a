package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"guild-archive-bot/internal/domain"
	"guild-archive-bot/internal/infra/metrics"
)

// ErrDisabled возвращается, когда сборка мусора выключена конфигурацией.
// Это сигнал "операции не было", отличный от нуля удалённых строк.
var ErrDisabled = errors.New("сборка мусора отключена конфигурацией")

// TrackedSource отдаёт множество отслеживаемых гильдий, чья история
// сохраняется при политике untrackedOnly.
type TrackedSource interface {
	Tracked() []domain.SavedGuild
}

// Config задаёт политику удержания.
type Config struct {
	Enabled       bool
	OlderThanDays int
	UntrackedOnly bool
}

// Service реализует удержание архива одним условным bulk-удалением.
type Service struct {
	messages domain.MessageRepo
	tracked  TrackedSource
	log      zerolog.Logger
	cfg      Config
	now      func() time.Time
}

// NewService создаёт сервис удержания.
func NewService(messages domain.MessageRepo, tracked TrackedSource, log zerolog.Logger, cfg Config) *Service {
	return &Service{messages: messages, tracked: tracked, log: log, cfg: cfg, now: time.Now}
}

// Sweep удаляет сообщения старше настроенного порога и возвращает число
// удалённых строк. При выключенной сборке возвращается ErrDisabled.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	if !s.cfg.Enabled {
		return 0, ErrDisabled
	}
	return s.SweepWithPolicy(ctx, s.cfg.UntrackedOnly)
}

// SweepWithPolicy выполняет немедленную сборку с явной политикой;
// используется привилегированным ручным запуском.
func (s *Service) SweepWithPolicy(ctx context.Context, untrackedOnly bool) (int64, error) {
	cutoff := s.now().UnixMilli() - int64(s.cfg.OlderThanDays)*24*time.Hour.Milliseconds()

	var keep []domain.GuildKey
	if untrackedOnly {
		for _, g := range s.tracked.Tracked() {
			keep = append(keep, g.Key())
		}
	}

	removed, err := s.messages.DeleteMessagesBefore(ctx, cutoff, keep)
	if err != nil {
		metrics.GCRuns.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("удаление устаревших сообщений: %w", err)
	}
	metrics.GCRuns.WithLabelValues("success").Inc()
	metrics.GCRemovedRows.Add(float64(removed))
	s.log.Info().
		Int64("removed", removed).
		Int64("cutoff", cutoff).
		Bool("untracked_only", untrackedOnly).
		Msg("retention: сборка мусора завершена")
	return removed, nil
}
