package registry

import (
	"context"
	"errors"
	"testing"

	"guild-archive-bot/internal/domain"
)

type stubGuildRepo struct {
	guilds  []domain.SavedGuild
	upserts []domain.SavedGuild
	listErr error
}

func (s *stubGuildRepo) UpsertGuild(_ context.Context, g domain.SavedGuild) error {
	s.upserts = append(s.upserts, g)
	return nil
}

func (s *stubGuildRepo) ListGuilds(context.Context) ([]domain.SavedGuild, error) {
	return s.guilds, s.listErr
}

func TestLoadFillsRegistry(t *testing.T) {
	repo := &stubGuildRepo{guilds: []domain.SavedGuild{
		{Platform: "test", GuildID: "g1", Tracked: true},
		{Platform: "test", GuildID: "g2"},
	}}
	reg := New(repo)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !reg.IsSaved(domain.GuildKey{Platform: "test", GuildID: "g1"}) {
		t.Fatalf("g1 должна быть известна")
	}
	if reg.IsSaved(domain.GuildKey{Platform: "test", GuildID: "g3"}) {
		t.Fatalf("g3 не должна быть известна")
	}
	tracked := reg.Tracked()
	if len(tracked) != 1 || tracked[0].GuildID != "g1" {
		t.Fatalf("отслеживается только g1, получили %v", tracked)
	}
	if len(reg.All()) != 2 {
		t.Fatalf("ожидали 2 гильдии")
	}
}

func TestLoadPropagatesError(t *testing.T) {
	reg := New(&stubGuildRepo{listErr: errors.New("нет таблицы")})
	if err := reg.Load(context.Background()); err == nil {
		t.Fatalf("ожидали ошибку загрузки")
	}
}

func TestUpsertKeepsTrackedFlag(t *testing.T) {
	repo := &stubGuildRepo{guilds: []domain.SavedGuild{{Platform: "test", GuildID: "g1", Tracked: true}}}
	reg := New(repo)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	// Повторная запись без флага не выключает отслеживание.
	if err := reg.Upsert(context.Background(), domain.SavedGuild{Platform: "test", GuildID: "g1", Name: "новое имя"}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	g, ok := reg.Get(domain.GuildKey{Platform: "test", GuildID: "g1"})
	if !ok || !g.Tracked {
		t.Fatalf("флаг tracked должен сохраниться: %+v", g)
	}
	if g.Name != "новое имя" {
		t.Fatalf("имя должно обновиться")
	}
	if len(repo.upserts) != 1 || !repo.upserts[0].Tracked {
		t.Fatalf("в хранилище тоже уходит tracked: %+v", repo.upserts)
	}
}

func TestTrackCreatesMissingGuild(t *testing.T) {
	repo := &stubGuildRepo{}
	reg := New(repo)

	g, err := reg.Track(context.Background(), domain.GuildKey{Platform: "test", GuildID: "g9"}, "b1")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !g.Tracked || g.AssigneeID != "b1" {
		t.Fatalf("гильдия должна быть создана отслеживаемой: %+v", g)
	}
	if !reg.IsSaved(domain.GuildKey{Platform: "test", GuildID: "g9"}) {
		t.Fatalf("гильдия должна попасть в реестр")
	}
}

func TestTrackKeepsAssigneeWhenEmpty(t *testing.T) {
	repo := &stubGuildRepo{guilds: []domain.SavedGuild{{Platform: "test", GuildID: "g1", AssigneeID: "b1"}}}
	reg := New(repo)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	g, err := reg.Track(context.Background(), domain.GuildKey{Platform: "test", GuildID: "g1"}, "")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if g.AssigneeID != "b1" {
		t.Fatalf("пустой assignee не должен затирать существующего: %+v", g)
	}
}
