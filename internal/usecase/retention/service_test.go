package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"guild-archive-bot/internal/domain"
)

type stubMessages struct {
	calls   int
	cutoff  int64
	keep    []domain.GuildKey
	removed int64
	err     error
}

func (s *stubMessages) UpsertMessage(context.Context, domain.SavedMessage) (bool, error) {
	return false, nil
}
func (s *stubMessages) LatestMessageBefore(context.Context, string, string, int64) (domain.SavedMessage, bool, error) {
	return domain.SavedMessage{}, false, nil
}
func (s *stubMessages) DeleteMessagesBefore(_ context.Context, cutoff int64, keep []domain.GuildKey) (int64, error) {
	s.calls++
	s.cutoff = cutoff
	s.keep = keep
	return s.removed, s.err
}
func (s *stubMessages) ListMessages(context.Context, domain.MessageFilter) ([]domain.SavedMessage, error) {
	return nil, nil
}
func (s *stubMessages) CountMessages(context.Context, domain.MessageFilter) (int64, error) {
	return 0, nil
}
func (s *stubMessages) MessageStats(context.Context, domain.GroupBy, domain.Duration) ([]domain.StatRow, error) {
	return nil, nil
}
func (s *stubMessages) TableStats(context.Context) (domain.TableStats, error) {
	return domain.TableStats{}, nil
}

type stubTracked struct {
	guilds []domain.SavedGuild
}

func (s *stubTracked) Tracked() []domain.SavedGuild { return s.guilds }

func TestSweepDisabled(t *testing.T) {
	messages := &stubMessages{}
	service := NewService(messages, &stubTracked{}, zerolog.Nop(), Config{Enabled: false})

	removed, err := service.Sweep(context.Background())
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("ожидали ErrDisabled, получили %v", err)
	}
	if removed != 0 {
		t.Fatalf("выключенная сборка не должна ничего удалять, удалено %d", removed)
	}
	if messages.calls != 0 {
		t.Fatalf("хранилище не должно было вызываться")
	}
}

func TestSweepCutoff(t *testing.T) {
	messages := &stubMessages{removed: 17}
	service := NewService(messages, &stubTracked{}, zerolog.Nop(), Config{Enabled: true, OlderThanDays: 30})
	now := time.UnixMilli(5_000_000_000)
	service.now = func() time.Time { return now }

	removed, err := service.Sweep(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if removed != 17 {
		t.Fatalf("ожидали 17 удалённых строк, получили %d", removed)
	}
	want := now.UnixMilli() - 30*24*time.Hour.Milliseconds()
	if messages.cutoff != want {
		t.Fatalf("ожидали порог %d, получили %d", want, messages.cutoff)
	}
	if len(messages.keep) != 0 {
		t.Fatalf("без untrackedOnly исключений быть не должно")
	}
}

func TestSweepUntrackedOnlyKeepsTracked(t *testing.T) {
	messages := &stubMessages{}
	tracked := &stubTracked{guilds: []domain.SavedGuild{
		{Platform: "test", GuildID: "g1", Tracked: true},
		{Platform: "test", GuildID: "g2", Tracked: true},
	}}
	service := NewService(messages, tracked, zerolog.Nop(), Config{Enabled: true, OlderThanDays: 7, UntrackedOnly: true})

	if _, err := service.Sweep(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(messages.keep) != 2 {
		t.Fatalf("ожидали 2 исключённые гильдии, получили %d", len(messages.keep))
	}
	if messages.keep[0].String() != "test:g1" || messages.keep[1].String() != "test:g2" {
		t.Fatalf("исключения не совпадают: %v", messages.keep)
	}
}

func TestSweepWithPolicyRunsWhenDisabled(t *testing.T) {
	// Ручной запуск срабатывает и при выключенном расписании.
	messages := &stubMessages{removed: 3}
	service := NewService(messages, &stubTracked{}, zerolog.Nop(), Config{Enabled: false, OlderThanDays: 1})

	removed, err := service.SweepWithPolicy(context.Background(), false)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if removed != 3 {
		t.Fatalf("ожидали 3 удалённые строки, получили %d", removed)
	}
}

func TestSweepPropagatesStorageError(t *testing.T) {
	messages := &stubMessages{err: errors.New("deadlock")}
	service := NewService(messages, &stubTracked{}, zerolog.Nop(), Config{Enabled: true, OlderThanDays: 1})

	if _, err := service.Sweep(context.Background()); err == nil {
		t.Fatalf("ожидали ошибку хранилища")
	}
}
