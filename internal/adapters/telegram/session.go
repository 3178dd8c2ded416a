package telegram

import (
	"context"

	"github.com/gotd/td/session"
)

// SessionRepo хранит сырые байты MTProto-сессии.
type SessionRepo interface {
	LoadBotSession(ctx context.Context, name string) ([]byte, error)
	StoreBotSession(ctx context.Context, name string, data []byte) error
}

// SessionStore реализует session.Storage поверх репозитория,
// чтобы авторизация бота переживала перезапуски.
type SessionStore struct {
	repo SessionRepo
	name string
}

var _ session.Storage = (*SessionStore)(nil)

// NewSessionStore создаёт хранилище сессии с указанным именем.
func NewSessionStore(repo SessionRepo, name string) *SessionStore {
	return &SessionStore{repo: repo, name: name}
}

// LoadSession загружает сессию.
func (s *SessionStore) LoadSession(ctx context.Context) ([]byte, error) {
	return s.repo.LoadBotSession(ctx, s.name)
}

// StoreSession сохраняет сессию.
func (s *SessionStore) StoreSession(ctx context.Context, data []byte) error {
	return s.repo.StoreBotSession(ctx, s.name, data)
}
