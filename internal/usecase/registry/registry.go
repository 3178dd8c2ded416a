package registry

import (
	"context"
	"fmt"
	"sync"

	"guild-archive-bot/internal/domain"
)

// Registry — авторитетная in-memory картина известных гильдий.
// Наполняется одним сканом таблицы при старте; после этого хранилище
// не перечитывается, любая запись гильдии обязана идти через Upsert,
// который обновляет карту и БД одним логическим шагом.
type Registry struct {
	repo domain.GuildRepo

	mu     sync.RWMutex
	guilds map[domain.GuildKey]domain.SavedGuild
}

// New создаёт пустой реестр поверх репозитория гильдий.
func New(repo domain.GuildRepo) *Registry {
	return &Registry{repo: repo, guilds: make(map[domain.GuildKey]domain.SavedGuild)}
}

// Load наполняет реестр из хранилища.
func (r *Registry) Load(ctx context.Context) error {
	guilds, err := r.repo.ListGuilds(ctx)
	if err != nil {
		return fmt.Errorf("чтение гильдий: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range guilds {
		r.guilds[g.Key()] = g
	}
	return nil
}

// IsSaved сообщает, известна ли гильдия.
func (r *Registry) IsSaved(key domain.GuildKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.guilds[key]
	return ok
}

// Get возвращает запись гильдии.
func (r *Registry) Get(key domain.GuildKey) (domain.SavedGuild, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.guilds[key]
	return g, ok
}

// All возвращает все известные гильдии.
func (r *Registry) All() []domain.SavedGuild {
	r.mu.RLock()
	defer r.mu.RUnlock()
	guilds := make([]domain.SavedGuild, 0, len(r.guilds))
	for _, g := range r.guilds {
		guilds = append(guilds, g)
	}
	return guilds
}

// Tracked возвращает гильдии, включённые в архивирование.
func (r *Registry) Tracked() []domain.SavedGuild {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var tracked []domain.SavedGuild
	for _, g := range r.guilds {
		if g.Tracked {
			tracked = append(tracked, g)
		}
	}
	return tracked
}

// Upsert записывает гильдию в хранилище и карту. Снятого флага tracked
// не бывает: уже отслеживаемая гильдия остаётся отслеживаемой.
func (r *Registry) Upsert(ctx context.Context, g domain.SavedGuild) error {
	if existing, ok := r.Get(g.Key()); ok && existing.Tracked {
		g.Tracked = true
	}
	if err := r.repo.UpsertGuild(ctx, g); err != nil {
		return fmt.Errorf("сохранение гильдии: %w", err)
	}
	r.mu.Lock()
	r.guilds[g.Key()] = g
	r.mu.Unlock()
	return nil
}

// Track включает архивирование гильдии. Отсутствующая запись создаётся.
func (r *Registry) Track(ctx context.Context, key domain.GuildKey, assigneeID string) (domain.SavedGuild, error) {
	g, ok := r.Get(key)
	if !ok {
		g = domain.SavedGuild{Platform: key.Platform, GuildID: key.GuildID}
	}
	if assigneeID != "" {
		g.AssigneeID = assigneeID
	}
	g.Tracked = true
	if err := r.Upsert(ctx, g); err != nil {
		return domain.SavedGuild{}, err
	}
	return g, nil
}
