package domain

import (
	"context"
	"time"
)

// GuildRepo управляет записями гильдий.
type GuildRepo interface {
	UpsertGuild(ctx context.Context, g SavedGuild) error
	ListGuilds(ctx context.Context) ([]SavedGuild, error)
}

// GroupBy выбирает разрез агрегации статистики сообщений.
type GroupBy string

const (
	GroupByGuild GroupBy = "guild"
	GroupByUser  GroupBy = "user"
	GroupByHour  GroupBy = "hour"
)

// MessageFilter описывает условия выборки заархивированных сообщений.
// Content трактуется как POSIX-регулярное выражение без учёта регистра.
type MessageFilter struct {
	Platform string
	GuildID  string
	UserID   string
	Content  string
	Duration Duration
	Offset   int
	Limit    int
}

// StatRow — одна строка агрегата "ключ → количество".
type StatRow struct {
	Key   string
	Count int64
}

// TableStats — сводка по хранилищу сообщений.
type TableStats struct {
	SizeBytes int64
	Rows      int64
}

// MessageRepo управляет заархивированными сообщениями.
type MessageRepo interface {
	// UpsertMessage вставляет сообщение по первичному ключу id.
	// Возвращает false, если запись уже существовала; существующая
	// строка при этом не обновляется.
	UpsertMessage(ctx context.Context, m SavedMessage) (bool, error)
	// LatestMessageBefore возвращает самое свежее сообщение гильдии
	// с timestamp строго меньше before.
	LatestMessageBefore(ctx context.Context, platform, guildID string, before int64) (SavedMessage, bool, error)
	// DeleteMessagesBefore удаляет сообщения старше cutoff; гильдии из
	// keep не затрагиваются. Возвращает число удалённых строк.
	DeleteMessagesBefore(ctx context.Context, cutoff int64, keep []GuildKey) (int64, error)
	ListMessages(ctx context.Context, f MessageFilter) ([]SavedMessage, error)
	CountMessages(ctx context.Context, f MessageFilter) (int64, error)
	MessageStats(ctx context.Context, groupBy GroupBy, d Duration) ([]StatRow, error)
	TableStats(ctx context.Context) (TableStats, error)
}

// ListDirection задаёт направление постраничного обхода истории.
type ListDirection string

const (
	DirectionBefore ListDirection = "before"
	DirectionAfter  ListDirection = "after"
)

// MessagePage — страница истории. Data упорядочена от новых к старым,
// Next содержит курсор следующей страницы или пустую строку.
type MessagePage struct {
	Data []RawMessage
	Next string
}

// Bot — живое подключение бота к платформе.
type Bot interface {
	ID() string
	Platform() string
	Active() bool
	// SupportsResume сообщает, умеет ли подключение продолжать листинг
	// "before" с произвольного исторического id сообщения.
	SupportsResume() bool
	ListMessages(ctx context.Context, guildID, cursor string, dir ListDirection, limit int) (MessagePage, error)
	GetGuild(ctx context.Context, guildID string) (RawGuild, error)
	GetGuildMembers(ctx context.Context, guildID string) ([]RawMember, error)
}

// BotDirectory возвращает живое подключение, обслуживающее гильдию.
type BotDirectory interface {
	Find(platform, botID string) (Bot, bool)
}

// MessageEvents публикует события о новых заархивированных сообщениях
// для внешних наблюдателей (дашборд). Работает в пределах одного
// процесса-издателя, межэкземплярной рассылки нет.
type MessageEvents interface {
	Publish(ctx context.Context, m SavedMessage) error
}

// Cache используется для простых TTL-хранилищ и одноразовых замков.
type Cache interface {
	Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
}
