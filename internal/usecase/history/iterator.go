package history

import (
	"context"

	"guild-archive-bot/internal/domain"
)

// messageIterator лениво тянет историю гильдии по одному сообщению,
// запрашивая следующую страницу "before" по мере исчерпания буфера.
// Последовательность конечна, однонаправленна и не перезапускается.
type messageIterator struct {
	bot      domain.Bot
	guildID  string
	cursor   string
	pageSize int

	buf  []domain.RawMessage
	idx  int
	done bool
}

func newMessageIterator(bot domain.Bot, guildID, cursor string, pageSize int) *messageIterator {
	return &messageIterator{bot: bot, guildID: guildID, cursor: cursor, pageSize: pageSize}
}

// Next возвращает следующее сообщение в порядке от новых к старым.
// Второй результат false означает, что источник исчерпан.
func (it *messageIterator) Next(ctx context.Context) (domain.RawMessage, bool, error) {
	if it.idx >= len(it.buf) {
		if it.done {
			return domain.RawMessage{}, false, nil
		}
		page, err := it.bot.ListMessages(ctx, it.guildID, it.cursor, domain.DirectionBefore, it.pageSize)
		if err != nil {
			return domain.RawMessage{}, false, err
		}
		if len(page.Data) == 0 {
			it.done = true
			return domain.RawMessage{}, false, nil
		}
		it.buf = page.Data
		it.idx = 0
		if page.Next == "" {
			it.done = true
		} else {
			it.cursor = page.Next
		}
	}
	msg := it.buf[it.idx]
	it.idx++
	return msg, true, nil
}
