package bots

import (
	"context"
	"testing"

	"guild-archive-bot/internal/domain"
)

type fakeBot struct {
	id       string
	platform string
}

func (b *fakeBot) ID() string           { return b.id }
func (b *fakeBot) Platform() string     { return b.platform }
func (b *fakeBot) Active() bool         { return true }
func (b *fakeBot) SupportsResume() bool { return false }
func (b *fakeBot) ListMessages(context.Context, string, string, domain.ListDirection, int) (domain.MessagePage, error) {
	return domain.MessagePage{}, nil
}
func (b *fakeBot) GetGuild(context.Context, string) (domain.RawGuild, error) {
	return domain.RawGuild{}, nil
}
func (b *fakeBot) GetGuildMembers(context.Context, string) ([]domain.RawMember, error) {
	return nil, nil
}

func TestDirectoryFind(t *testing.T) {
	dir := NewDirectory()
	dir.Register(&fakeBot{id: "b1", platform: "telegram"})

	if _, ok := dir.Find("telegram", "b1"); !ok {
		t.Fatalf("ожидали найти зарегистрированного бота")
	}
	if _, ok := dir.Find("telegram", "b2"); ok {
		t.Fatalf("не ожидали найти незарегистрированного бота")
	}
	if _, ok := dir.Find("discord", "b1"); ok {
		t.Fatalf("платформа входит в ключ поиска")
	}
}

func TestDirectoryRegisterReplaces(t *testing.T) {
	dir := NewDirectory()
	first := &fakeBot{id: "b1", platform: "telegram"}
	second := &fakeBot{id: "b1", platform: "telegram"}
	dir.Register(first)
	dir.Register(second)

	got, ok := dir.Find("telegram", "b1")
	if !ok || got != domain.Bot(second) {
		t.Fatalf("повторная регистрация должна замещать подключение")
	}
}
