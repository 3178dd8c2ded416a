package telegram

import (
	"context"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"guild-archive-bot/internal/domain"
)

// Ingestor принимает живые сообщения платформы.
type Ingestor interface {
	HandleMessage(ctx context.Context, bot domain.Bot, msg domain.RawMessage) error
}

// Gateway слушает long polling Bot API и пересылает сообщения
// супергрупп и каналов в приёмный конвейер.
type Gateway struct {
	api *tgbotapi.BotAPI
	bot domain.Bot
	in  Ingestor
	log zerolog.Logger
}

// NewGateway создаёт слушателя апдейтов.
func NewGateway(api *tgbotapi.BotAPI, bot domain.Bot, in Ingestor, log zerolog.Logger) *Gateway {
	return &Gateway{api: api, bot: bot, in: in, log: log.With().Str("component", "tg_gateway").Logger()}
}

// Run читает апдейты до отмены контекста.
func (g *Gateway) Run(ctx context.Context) {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := g.api.GetUpdatesChan(cfg)
	g.log.Info().Msg("шлюз апдейтов запущен")

	for {
		select {
		case <-ctx.Done():
			g.api.StopReceivingUpdates()
			g.log.Info().Msg("шлюз апдейтов остановлен")
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			g.handleUpdate(ctx, upd)
		}
	}
}

func (g *Gateway) handleUpdate(ctx context.Context, upd tgbotapi.Update) {
	msg := upd.Message
	if msg == nil {
		msg = upd.ChannelPost
	}
	if msg == nil || msg.Chat == nil {
		return
	}

	raw := domain.RawMessage{
		ID:        strconv.Itoa(msg.MessageID),
		GuildID:   guildIDFromChat(msg.Chat),
		Content:   messageText(msg),
		Timestamp: int64(msg.Date) * 1000,
	}
	if msg.From != nil {
		raw.UserID = strconv.FormatInt(msg.From.ID, 10)
		raw.Username = msg.From.UserName
		if raw.Username == "" {
			raw.Username = msg.From.FirstName
		}
	}

	if err := g.in.HandleMessage(ctx, g.bot, raw); err != nil {
		g.log.Error().Err(err).Str("guild", raw.GuildID).Str("msg", raw.ID).Msg("не удалось сохранить сообщение")
	}
}

// guildIDFromChat приводит id чата Bot API к id канала MTProto.
// Супергруппы и каналы в Bot API имеют вид -100<channelID>;
// личные и обычные группы в архив не попадают (пустой id).
func guildIDFromChat(chat *tgbotapi.Chat) string {
	if !chat.IsSuperGroup() && !chat.IsChannel() {
		return ""
	}
	id := -chat.ID - 1000000000000
	if id <= 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

func messageText(msg *tgbotapi.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}
