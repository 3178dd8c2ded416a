package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"guild-archive-bot/internal/domain"
	queryusecase "guild-archive-bot/internal/usecase/query"
)

// GuildLister отдаёт известные гильдии для маршрута справочника.
type GuildLister func(ctx context.Context) ([]domain.SavedGuild, error)

// RegisterQueryRoutes вешает read-only маршруты архива на роутер.
// Используется и архиватором, и отдельным сервисом запросов, чтобы
// обе поверхности не расходились.
func RegisterQueryRoutes(r chi.Router, listGuilds GuildLister, queryService *queryusecase.Service, logger zerolog.Logger) {
	r.Get("/api/v1/messages", func(w http.ResponseWriter, req *http.Request) {
		filter, err := FilterFromQuery(req)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		messages, err := queryService.List(req.Context(), filter)
		if err != nil {
			writeQueryError(w, logger, "выборка сообщений", err)
			return
		}
		out := make([]map[string]any, 0, len(messages))
		for _, m := range messages {
			out = append(out, messageResponse(m))
		}
		WriteJSON(w, map[string]any{"messages": out})
	})

	r.Get("/api/v1/messages/count", func(w http.ResponseWriter, req *http.Request) {
		filter, err := FilterFromQuery(req)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		count, err := queryService.Count(req.Context(), filter)
		if err != nil {
			writeQueryError(w, logger, "подсчёт сообщений", err)
			return
		}
		WriteJSON(w, map[string]any{"count": count})
	})

	r.Get("/api/v1/stats", func(w http.ResponseWriter, req *http.Request) {
		d, err := DurationFromQuery(req)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		groupBy := domain.GroupBy(req.URL.Query().Get("group_by"))
		if groupBy == "" {
			groupBy = domain.GroupByGuild
		}
		stats, err := queryService.Stats(req.Context(), groupBy, d)
		if err != nil {
			writeQueryError(w, logger, "статистика сообщений", err)
			return
		}
		out := make([]map[string]any, 0, len(stats))
		for _, row := range stats {
			out = append(out, map[string]any{"key": row.Key, "count": row.Count})
		}
		WriteJSON(w, map[string]any{"group_by": string(groupBy), "stats": out})
	})

	r.Get("/api/v1/storage", func(w http.ResponseWriter, req *http.Request) {
		stats, err := queryService.Storage(req.Context())
		if err != nil {
			writeQueryError(w, logger, "сводка хранилища", err)
			return
		}
		WriteJSON(w, map[string]any{"size_bytes": stats.SizeBytes, "rows": stats.Rows})
	})

	r.Get("/api/v1/guilds", func(w http.ResponseWriter, req *http.Request) {
		all, err := listGuilds(req.Context())
		if err != nil {
			logger.Error().Err(err).Msg("список гильдий")
			WriteError(w, http.StatusInternalServerError, "внутренняя ошибка")
			return
		}
		out := make([]map[string]any, 0, len(all))
		for _, g := range all {
			out = append(out, GuildResponse(g))
		}
		WriteJSON(w, map[string]any{"guilds": out})
	})
}

// FilterFromQuery разбирает фильтр выборки из query-параметров.
func FilterFromQuery(req *http.Request) (domain.MessageFilter, error) {
	q := req.URL.Query()
	d, err := DurationFromQuery(req)
	if err != nil {
		return domain.MessageFilter{}, err
	}
	filter := domain.MessageFilter{
		Platform: q.Get("platform"),
		GuildID:  q.Get("guild"),
		UserID:   q.Get("user"),
		Content:  q.Get("content"),
		Duration: d,
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return domain.MessageFilter{}, errors.New("некорректный limit")
		}
		filter.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return domain.MessageFilter{}, errors.New("некорректный offset")
		}
		filter.Offset = offset
	}
	return filter, nil
}

// DurationFromQuery разбирает границы окна из query-параметров.
func DurationFromQuery(req *http.Request) (domain.Duration, error) {
	q := req.URL.Query()
	var d domain.Duration
	if raw := q.Get("start_ms"); raw != "" {
		start, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return domain.Duration{}, errors.New("некорректный start_ms")
		}
		d.Start = &start
	}
	if raw := q.Get("end_ms"); raw != "" {
		end, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return domain.Duration{}, errors.New("некорректный end_ms")
		}
		d.End = &end
	}
	return d, nil
}

func writeQueryError(w http.ResponseWriter, logger zerolog.Logger, msg string, err error) {
	if errors.Is(err, queryusecase.ErrInvalidDuration) || errors.Is(err, queryusecase.ErrInvalidPattern) {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	logger.Error().Err(err).Msg(msg)
	WriteError(w, http.StatusInternalServerError, "внутренняя ошибка")
}

func messageResponse(m domain.SavedMessage) map[string]any {
	return map[string]any{
		"id":       m.ID,
		"platform": m.Platform,
		"guild":    m.GuildID,
		"user":     m.UserID,
		"username": m.Username,
		"content":  m.Content,
		"ts":       m.Timestamp,
	}
}

// GuildResponse приводит запись гильдии к JSON-представлению API.
func GuildResponse(g domain.SavedGuild) map[string]any {
	return map[string]any{
		"platform": g.Platform,
		"guild":    g.GuildID,
		"name":     g.Name,
		"assignee": g.AssigneeID,
		"tracked":  g.Tracked,
	}
}

// WriteJSON сериализует ответ.
func WriteJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError сериализует ошибку с указанным статусом.
func WriteError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
