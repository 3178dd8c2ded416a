package repo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gotd/td/session"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"guild-archive-bot/internal/domain"
	"guild-archive-bot/internal/infra/metrics"
)

// Postgres реализует репозитории архива на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.GuildRepo   = (*Postgres)(nil)
	_ domain.MessageRepo = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// UpsertGuild сохраняет гильдию. Флаг tracked монотонен: однажды
// включённый, он не сбрасывается повторной записью.
func (p *Postgres) UpsertGuild(ctx context.Context, g domain.SavedGuild) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO saved_guilds (platform, guild_id, name, assignee_id, tracked)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (platform, guild_id) DO UPDATE
SET name = EXCLUDED.name,
    assignee_id = EXCLUDED.assignee_id,
    tracked = saved_guilds.tracked OR EXCLUDED.tracked
`, g.Platform, g.GuildID, g.Name, g.AssigneeID, g.Tracked)
	metrics.ObserveNetworkRequest("postgres", "saved_guilds_upsert", "saved_guilds", start, err)
	return err
}

// ListGuilds возвращает все известные гильдии одним сканом таблицы.
func (p *Postgres) ListGuilds(ctx context.Context) ([]domain.SavedGuild, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT platform, guild_id, name, assignee_id, tracked
FROM saved_guilds
`)
	metrics.ObserveNetworkRequest("postgres", "saved_guilds_list", "saved_guilds", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var guilds []domain.SavedGuild
	for rows.Next() {
		var g domain.SavedGuild
		if err := rows.Scan(&g.Platform, &g.GuildID, &g.Name, &g.AssigneeID, &g.Tracked); err != nil {
			return nil, err
		}
		guilds = append(guilds, g)
	}
	return guilds, rows.Err()
}

// UpsertMessage вставляет сообщение по первичному ключу id.
// Конфликт не обновляет существующую строку; возвращается false.
func (p *Postgres) UpsertMessage(ctx context.Context, m domain.SavedMessage) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
INSERT INTO saved_messages (id, platform, guild_id, user_id, username, content, ts)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING
`, m.ID, m.Platform, m.GuildID, m.UserID, m.Username, m.Content, m.Timestamp)
	metrics.ObserveNetworkRequest("postgres", "saved_messages_upsert", "saved_messages", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// LatestMessageBefore возвращает самое свежее сообщение гильдии
// с ts строго меньше before.
func (p *Postgres) LatestMessageBefore(ctx context.Context, platform, guildID string, before int64) (domain.SavedMessage, bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var m domain.SavedMessage
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, platform, guild_id, user_id, username, content, ts
FROM saved_messages
WHERE platform = $1 AND guild_id = $2 AND ts < $3
ORDER BY ts DESC
LIMIT 1
`, platform, guildID, before).Scan(&m.ID, &m.Platform, &m.GuildID, &m.UserID, &m.Username, &m.Content, &m.Timestamp)
	metrics.ObserveNetworkRequest("postgres", "saved_messages_latest_before", "saved_messages", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SavedMessage{}, false, nil
	}
	if err != nil {
		return domain.SavedMessage{}, false, err
	}
	return m, true, nil
}

// DeleteMessagesBefore удаляет сообщения старше cutoff одним условным
// запросом; гильдии из keep не затрагиваются.
func (p *Postgres) DeleteMessagesBefore(ctx context.Context, cutoff int64, keep []domain.GuildKey) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	query := `DELETE FROM saved_messages WHERE ts < $1`
	args := []any{cutoff}
	if len(keep) > 0 {
		keys := make([]string, 0, len(keep))
		for _, k := range keep {
			keys = append(keys, k.String())
		}
		query += ` AND platform || ':' || guild_id != ALL($2)`
		args = append(args, keys)
	}

	start := time.Now()
	tag, err := p.pool.Exec(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", "saved_messages_delete_before", "saved_messages", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func buildMessageWhere(f domain.MessageFilter) (string, []any) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.Platform != "" {
		conds = append(conds, "platform = "+arg(f.Platform))
	}
	if f.GuildID != "" {
		conds = append(conds, "guild_id = "+arg(f.GuildID))
	}
	if f.UserID != "" {
		conds = append(conds, "user_id = "+arg(f.UserID))
	}
	if f.Content != "" {
		conds = append(conds, "content ~* "+arg(f.Content))
	}
	if f.Duration.Start != nil {
		conds = append(conds, "ts >= "+arg(*f.Duration.Start))
	}
	if f.Duration.End != nil {
		conds = append(conds, "ts < "+arg(*f.Duration.End))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListMessages возвращает страницу архива, новые записи первыми.
func (p *Postgres) ListMessages(ctx context.Context, f domain.MessageFilter) ([]domain.SavedMessage, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	where, args := buildMessageWhere(f)
	query := `
SELECT id, platform, guild_id, user_id, username, content, ts
FROM saved_messages` + where + `
ORDER BY ts DESC
LIMIT $` + strconv.Itoa(len(args)+1) + ` OFFSET $` + strconv.Itoa(len(args)+2)
	args = append(args, f.Limit, f.Offset)

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", "saved_messages_list", "saved_messages", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.SavedMessage
	for rows.Next() {
		var m domain.SavedMessage
		if err := rows.Scan(&m.ID, &m.Platform, &m.GuildID, &m.UserID, &m.Username, &m.Content, &m.Timestamp); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// CountMessages считает сообщения, подходящие под фильтр.
func (p *Postgres) CountMessages(ctx context.Context, f domain.MessageFilter) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	where, args := buildMessageWhere(f)
	var count int64
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM saved_messages`+where, args...).Scan(&count)
	metrics.ObserveNetworkRequest("postgres", "saved_messages_count", "saved_messages", start, err)
	return count, err
}

// MessageStats агрегирует количество сообщений по выбранному разрезу.
func (p *Postgres) MessageStats(ctx context.Context, groupBy domain.GroupBy, d domain.Duration) ([]domain.StatRow, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var keyExpr string
	switch groupBy {
	case domain.GroupByGuild:
		keyExpr = `platform || ':' || guild_id`
	case domain.GroupByUser:
		keyExpr = `user_id`
	case domain.GroupByHour:
		keyExpr = `EXTRACT(HOUR FROM to_timestamp(ts / 1000.0) AT TIME ZONE 'UTC')::int::text`
	default:
		return nil, fmt.Errorf("неизвестный разрез агрегации: %q", groupBy)
	}

	where, args := buildMessageWhere(domain.MessageFilter{Duration: d})
	query := `SELECT ` + keyExpr + ` AS key, COUNT(*) FROM saved_messages` + where +
		` GROUP BY key ORDER BY COUNT(*) DESC`

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", "saved_messages_stats", "saved_messages", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []domain.StatRow
	for rows.Next() {
		var row domain.StatRow
		if err := rows.Scan(&row.Key, &row.Count); err != nil {
			return nil, err
		}
		stats = append(stats, row)
	}
	return stats, rows.Err()
}

// LoadBotSession загружает сохранённую MTProto-сессию бота.
func (p *Postgres) LoadBotSession(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}

	var data []byte
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT data FROM bot_sessions WHERE name = $1`, name).Scan(&data)
	metrics.ObserveNetworkRequest("postgres", "bot_sessions_load", "bot_sessions", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	clone := make([]byte, len(data))
	copy(clone, data)
	return clone, nil
}

// StoreBotSession сохраняет MTProto-сессию бота.
func (p *Postgres) StoreBotSession(ctx context.Context, name string, data []byte) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}

	tmp := make([]byte, len(data))
	copy(tmp, data)

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO bot_sessions (name, data, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
`, name, tmp)
	metrics.ObserveNetworkRequest("postgres", "bot_sessions_store", "bot_sessions", start, err)
	return err
}

// TableStats возвращает размер и число строк таблицы сообщений.
func (p *Postgres) TableStats(ctx context.Context) (domain.TableStats, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var stats domain.TableStats
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT pg_total_relation_size('saved_messages'),
       (SELECT COUNT(*) FROM saved_messages)
`).Scan(&stats.SizeBytes, &stats.Rows)
	metrics.ObserveNetworkRequest("postgres", "saved_messages_table_stats", "saved_messages", start, err)
	return stats, err
}
