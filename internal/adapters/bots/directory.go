package bots

import (
	"sync"

	"guild-archive-bot/internal/domain"
)

// Directory хранит живые подключения ботов по платформе и идентификатору.
type Directory struct {
	mu   sync.RWMutex
	bots map[string]domain.Bot
}

var _ domain.BotDirectory = (*Directory)(nil)

// NewDirectory создаёт пустой справочник.
func NewDirectory() *Directory {
	return &Directory{bots: make(map[string]domain.Bot)}
}

// Register добавляет подключение; повторная регистрация того же
// (platform, id) замещает старое.
func (d *Directory) Register(b domain.Bot) {
	d.mu.Lock()
	d.bots[b.Platform()+":"+b.ID()] = b
	d.mu.Unlock()
}

// Find возвращает подключение, обслуживающее пару (platform, botID).
func (d *Directory) Find(platform, botID string) (domain.Bot, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.bots[platform+":"+botID]
	return b, ok
}
