package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"guild-archive-bot/internal/domain"
	"guild-archive-bot/internal/infra/metrics"
)

// PlatformName — имя платформы в составных ключах гильдий.
const PlatformName = "telegram"

type peerRef struct {
	channelID  int64
	accessHash int64
}

// Bot реализует domain.Bot поверх MTProto-клиента Telegram.
// История запрашивается через messages.getHistory, который умеет
// продолжать листинг с произвольного offset id, поэтому подключение
// заявляет поддержку возобновления по курсору.
type Bot struct {
	id  string
	api *tg.Client
	log zerolog.Logger

	active atomic.Bool

	mu    sync.RWMutex
	peers map[string]peerRef
}

var _ domain.Bot = (*Bot)(nil)

// NewBot создаёт подключение с указанным идентификатором бота.
func NewBot(id string, api *tg.Client, log zerolog.Logger) *Bot {
	return &Bot{id: id, api: api, log: log, peers: make(map[string]peerRef)}
}

// ID возвращает идентификатор бота.
func (b *Bot) ID() string { return b.id }

// Platform возвращает имя платформы.
func (b *Bot) Platform() string { return PlatformName }

// Active сообщает, установлено ли живое подключение.
func (b *Bot) Active() bool { return b.active.Load() }

// SetActive переключает флаг живости; вызывается жизненным циклом клиента.
func (b *Bot) SetActive(v bool) { b.active.Store(v) }

// SupportsResume: messages.getHistory принимает произвольный offset id.
func (b *Bot) SupportsResume() bool { return true }

// RememberPeer запоминает access hash канала из потока апдейтов.
// Без него MTProto не даёт обращаться к каналу по одному только id.
func (b *Bot) RememberPeer(guildID string, channelID, accessHash int64) {
	b.mu.Lock()
	b.peers[guildID] = peerRef{channelID: channelID, accessHash: accessHash}
	b.mu.Unlock()
}

func (b *Bot) peer(guildID string) (peerRef, error) {
	b.mu.RLock()
	ref, ok := b.peers[guildID]
	b.mu.RUnlock()
	if !ok {
		return peerRef{}, fmt.Errorf("нет access hash для гильдии %s", guildID)
	}
	return ref, nil
}

// ListMessages возвращает страницу истории гильдии от новых к старым.
func (b *Bot) ListMessages(ctx context.Context, guildID, cursor string, dir domain.ListDirection, limit int) (domain.MessagePage, error) {
	if dir != domain.DirectionBefore {
		return domain.MessagePage{}, fmt.Errorf("направление листинга %q не поддерживается", dir)
	}
	ref, err := b.peer(guildID)
	if err != nil {
		return domain.MessagePage{}, err
	}

	req := &tg.MessagesGetHistoryRequest{
		Peer:  &tg.InputPeerChannel{ChannelID: ref.channelID, AccessHash: ref.accessHash},
		Limit: limit,
	}
	if cursor != "" {
		offsetID, err := strconv.Atoi(cursor)
		if err != nil {
			return domain.MessagePage{}, fmt.Errorf("некорректный курсор %q: %w", cursor, err)
		}
		req.OffsetID = offsetID
	}

	start := time.Now()
	res, err := b.api.MessagesGetHistory(ctx, req)
	metrics.ObserveNetworkRequest("telegram", "messages_get_history", guildID, start, err)
	if err != nil {
		return domain.MessagePage{}, fmt.Errorf("messages.getHistory: %w", err)
	}
	modified, ok := res.AsModified()
	if !ok {
		return domain.MessagePage{}, errors.New("неожиданный ответ messages.getHistory")
	}

	users := collectUserNames(modified.GetUsers())
	raws := modified.GetMessages()

	var page domain.MessagePage
	oldestID := 0
	for _, raw := range raws {
		oldestID = raw.GetID()
		msg, ok := raw.(*tg.Message)
		if !ok {
			// Служебные сообщения в архив не попадают.
			continue
		}
		out := domain.RawMessage{
			ID:        strconv.Itoa(msg.ID),
			GuildID:   guildID,
			Content:   msg.Message,
			Timestamp: int64(msg.Date) * 1000,
		}
		if from, ok := msg.GetFromID(); ok {
			if peerUser, ok := from.(*tg.PeerUser); ok {
				out.UserID = strconv.FormatInt(peerUser.UserID, 10)
				out.Username = users[peerUser.UserID]
			}
		}
		page.Data = append(page.Data, out)
	}
	if len(raws) >= limit && oldestID > 0 {
		page.Next = strconv.Itoa(oldestID)
	}
	return page, nil
}

// GetGuild возвращает метаданные канала.
func (b *Bot) GetGuild(ctx context.Context, guildID string) (domain.RawGuild, error) {
	ref, err := b.peer(guildID)
	if err != nil {
		return domain.RawGuild{}, err
	}
	start := time.Now()
	res, err := b.api.ChannelsGetChannels(ctx, []tg.InputChannelClass{
		&tg.InputChannel{ChannelID: ref.channelID, AccessHash: ref.accessHash},
	})
	metrics.ObserveNetworkRequest("telegram", "channels_get_channels", guildID, start, err)
	if err != nil {
		return domain.RawGuild{}, fmt.Errorf("channels.getChannels: %w", err)
	}
	for _, chat := range res.GetChats() {
		if ch, ok := chat.(*tg.Channel); ok && ch.ID == ref.channelID {
			return domain.RawGuild{ID: guildID, Name: ch.Title}, nil
		}
	}
	return domain.RawGuild{}, fmt.Errorf("гильдия %s не найдена в ответе", guildID)
}

// GetGuildMembers возвращает недавних участников канала.
func (b *Bot) GetGuildMembers(ctx context.Context, guildID string) ([]domain.RawMember, error) {
	ref, err := b.peer(guildID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := b.api.ChannelsGetParticipants(ctx, &tg.ChannelsGetParticipantsRequest{
		Channel: &tg.InputChannel{ChannelID: ref.channelID, AccessHash: ref.accessHash},
		Filter:  &tg.ChannelParticipantsRecent{},
		Limit:   200,
	})
	metrics.ObserveNetworkRequest("telegram", "channels_get_participants", guildID, start, err)
	if err != nil {
		return nil, fmt.Errorf("channels.getParticipants: %w", err)
	}
	participants, ok := res.(*tg.ChannelsChannelParticipants)
	if !ok {
		return nil, errors.New("неожиданный ответ channels.getParticipants")
	}
	var members []domain.RawMember
	for _, raw := range participants.GetUsers() {
		usr, ok := raw.(*tg.User)
		if !ok {
			continue
		}
		members = append(members, domain.RawMember{
			ID:   strconv.FormatInt(usr.ID, 10),
			Name: userName(usr),
		})
	}
	return members, nil
}

func collectUserNames(raws []tg.UserClass) map[int64]string {
	users := make(map[int64]string, len(raws))
	for _, raw := range raws {
		if usr, ok := raw.(*tg.User); ok {
			users[usr.ID] = userName(usr)
		}
	}
	return users
}

func userName(u *tg.User) string {
	if u.Username != "" {
		return u.Username
	}
	if u.LastName != "" {
		return u.FirstName + " " + u.LastName
	}
	return u.FirstName
}
