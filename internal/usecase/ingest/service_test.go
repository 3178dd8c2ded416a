package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"guild-archive-bot/internal/domain"
	"guild-archive-bot/internal/usecase/registry"
)

type stubGuildRepo struct {
	guilds  []domain.SavedGuild
	upserts []domain.SavedGuild
}

func (s *stubGuildRepo) UpsertGuild(_ context.Context, g domain.SavedGuild) error {
	s.upserts = append(s.upserts, g)
	return nil
}
func (s *stubGuildRepo) ListGuilds(context.Context) ([]domain.SavedGuild, error) {
	return s.guilds, nil
}

type stubMessages struct {
	mu    sync.Mutex
	saved map[string]domain.SavedMessage
	calls int
}

func newStubMessages() *stubMessages {
	return &stubMessages{saved: make(map[string]domain.SavedMessage)}
}

func (s *stubMessages) UpsertMessage(_ context.Context, m domain.SavedMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if _, ok := s.saved[m.ID]; ok {
		return false, nil
	}
	s.saved[m.ID] = m
	return true, nil
}

func (s *stubMessages) LatestMessageBefore(context.Context, string, string, int64) (domain.SavedMessage, bool, error) {
	return domain.SavedMessage{}, false, nil
}
func (s *stubMessages) DeleteMessagesBefore(context.Context, int64, []domain.GuildKey) (int64, error) {
	return 0, nil
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

type stubEvents struct {
	published []domain.SavedMessage
	err       error
}

func (s *stubEvents) Publish(_ context.Context, m domain.SavedMessage) error {
	s.published = append(s.published, m)
	return s.err
}

type stubBot struct {
	id       string
	guildErr error
}

func (b *stubBot) ID() string           { return b.id }
func (b *stubBot) Platform() string     { return "test" }
func (b *stubBot) Active() bool         { return true }
func (b *stubBot) SupportsResume() bool { return false }
func (b *stubBot) ListMessages(context.Context, string, string, domain.ListDirection, int) (domain.MessagePage, error) {
	return domain.MessagePage{}, nil
}
func (b *stubBot) GetGuild(_ context.Context, guildID string) (domain.RawGuild, error) {
	if b.guildErr != nil {
		return domain.RawGuild{}, b.guildErr
	}
	return domain.RawGuild{ID: guildID, Name: "гильдия " + guildID}, nil
}
func (b *stubBot) GetGuildMembers(context.Context, string) ([]domain.RawMember, error) {
	return nil, nil
}

func loadedRegistry(t *testing.T, repo *stubGuildRepo) *registry.Registry {
	t.Helper()
	reg := registry.New(repo)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("не удалось загрузить реестр: %v", err)
	}
	return reg
}

func rawMessage(id, guildID string) domain.RawMessage {
	return domain.RawMessage{ID: id, GuildID: guildID, UserID: "7", Username: "user", Content: "привет", Timestamp: 1000}
}

func TestHandleMessageReadonly(t *testing.T) {
	repo := &stubGuildRepo{}
	messages := newStubMessages()
	service := NewService(loadedRegistry(t, repo), messages, nil, zerolog.Nop(), true, false)

	if err := service.HandleMessage(context.Background(), &stubBot{id: "b1"}, rawMessage("1", "g1")); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if messages.calls != 0 || len(repo.upserts) != 0 {
		t.Fatalf("в режиме readonly записей быть не должно")
	}
}

func TestHandleMessageSkipsDirect(t *testing.T) {
	messages := newStubMessages()
	service := NewService(loadedRegistry(t, &stubGuildRepo{}), messages, nil, zerolog.Nop(), false, false)

	if err := service.HandleMessage(context.Background(), &stubBot{id: "b1"}, rawMessage("1", "")); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if messages.calls != 0 {
		t.Fatalf("личные сообщения не архивируются")
	}
}

func TestHandleMessageRegistersUnknownGuild(t *testing.T) {
	repo := &stubGuildRepo{}
	messages := newStubMessages()
	reg := loadedRegistry(t, repo)
	service := NewService(reg, messages, nil, zerolog.Nop(), false, false)

	if err := service.HandleMessage(context.Background(), &stubBot{id: "b1"}, rawMessage("1", "g1")); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(repo.upserts) != 1 {
		t.Fatalf("ожидали регистрацию гильдии, записей %d", len(repo.upserts))
	}
	saved := repo.upserts[0]
	if saved.Tracked {
		t.Fatalf("новая гильдия не должна отслеживаться")
	}
	if saved.Name != "гильдия g1" || saved.AssigneeID != "b1" {
		t.Fatalf("метаданные гильдии не совпадают: %+v", saved)
	}
	if !reg.IsSaved(domain.GuildKey{Platform: "test", GuildID: "g1"}) {
		t.Fatalf("гильдия должна появиться в реестре")
	}
	if len(messages.saved) != 1 {
		t.Fatalf("сообщение должно быть сохранено")
	}
}

func TestHandleMessageRegistersGuildEvenWithoutName(t *testing.T) {
	repo := &stubGuildRepo{}
	service := NewService(loadedRegistry(t, repo), newStubMessages(), nil, zerolog.Nop(), false, false)
	bot := &stubBot{id: "b1", guildErr: errors.New("нет доступа")}

	if err := service.HandleMessage(context.Background(), bot, rawMessage("1", "g1")); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(repo.upserts) != 1 || repo.upserts[0].Name != "" {
		t.Fatalf("гильдия регистрируется и без имени: %+v", repo.upserts)
	}
}

func TestHandleMessageRequireTrackingDrops(t *testing.T) {
	repo := &stubGuildRepo{}
	messages := newStubMessages()
	service := NewService(loadedRegistry(t, repo), messages, nil, zerolog.Nop(), false, true)

	if err := service.HandleMessage(context.Background(), &stubBot{id: "b1"}, rawMessage("1", "g1")); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	// Гильдия становится известной, но сообщение отброшено.
	if len(repo.upserts) != 1 {
		t.Fatalf("гильдия должна быть зарегистрирована")
	}
	if messages.calls != 0 {
		t.Fatalf("сообщение неотслеживаемой гильдии не сохраняется")
	}
}

func TestHandleMessageTrackedGuildPassesPolicy(t *testing.T) {
	repo := &stubGuildRepo{guilds: []domain.SavedGuild{{Platform: "test", GuildID: "g1", Tracked: true}}}
	messages := newStubMessages()
	service := NewService(loadedRegistry(t, repo), messages, nil, zerolog.Nop(), false, true)

	if err := service.HandleMessage(context.Background(), &stubBot{id: "b1"}, rawMessage("1", "g1")); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(messages.saved) != 1 {
		t.Fatalf("сообщение отслеживаемой гильдии должно сохраняться")
	}
}

func TestHandleMessageNotifiesOnFreshInsert(t *testing.T) {
	messages := newStubMessages()
	events := &stubEvents{}
	service := NewService(loadedRegistry(t, &stubGuildRepo{}), messages, events, zerolog.Nop(), false, false)

	var observed []domain.SavedMessage
	service.Subscribe(func(m domain.SavedMessage) { observed = append(observed, m) })

	if err := service.HandleMessage(context.Background(), &stubBot{id: "b1"}, rawMessage("1", "g1")); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(observed) != 1 || len(events.published) != 1 {
		t.Fatalf("ожидали уведомление о свежей вставке: наблюдателей %d, событий %d", len(observed), len(events.published))
	}
	if observed[0].Platform != "test" || observed[0].GuildID != "g1" {
		t.Fatalf("уведомление не совпадает с записью: %+v", observed[0])
	}
}

func TestHandleMessageDuplicateIsSilent(t *testing.T) {
	messages := newStubMessages()
	events := &stubEvents{}
	service := NewService(loadedRegistry(t, &stubGuildRepo{}), messages, events, zerolog.Nop(), false, false)

	if err := service.HandleMessage(context.Background(), &stubBot{id: "b1"}, rawMessage("1", "g1")); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := service.HandleMessage(context.Background(), &stubBot{id: "b1"}, rawMessage("1", "g1")); err != nil {
		t.Fatalf("повтор не должен приводить к ошибке: %v", err)
	}
	if len(events.published) != 1 {
		t.Fatalf("дубликат не должен публиковаться, событий %d", len(events.published))
	}
}

func TestHandleMessagePublishErrorDoesNotFail(t *testing.T) {
	events := &stubEvents{err: errors.New("broker down")}
	service := NewService(loadedRegistry(t, &stubGuildRepo{}), newStubMessages(), events, zerolog.Nop(), false, false)

	if err := service.HandleMessage(context.Background(), &stubBot{id: "b1"}, rawMessage("1", "g1")); err != nil {
		t.Fatalf("ошибка публикации не должна ломать приём: %v", err)
	}
}

func TestTrackEnablesArchival(t *testing.T) {
	repo := &stubGuildRepo{}
	service := NewService(loadedRegistry(t, repo), newStubMessages(), nil, zerolog.Nop(), false, false)

	guild, err := service.Track(context.Background(), "test", "g1", "b1")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !guild.Tracked || guild.AssigneeID != "b1" {
		t.Fatalf("гильдия должна стать отслеживаемой: %+v", guild)
	}
}
