package notifier

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

const telegramTextLimit = 4096

// Telegram sends notifications to one chat (and optional forum thread).
type Telegram struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
}

// NewTelegram builds a send-only bot; it never polls for updates.
func NewTelegram(token string, chatID int64, threadID int) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
		Client:  &http.Client{Timeout: 15 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chat: &tele.Chat{ID: chatID}, threadID: threadID}, nil
}

func (t *Telegram) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r := []rune(text); len(r) > telegramTextLimit {
		text = string(r[:telegramTextLimit-1]) + "…"
	}
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{
		ThreadID:              t.threadID,
		DisableWebPagePreview: true,
	})
	return err
}

// retryAfter extracts Telegram's flood-control hint.
func retryAfter(err error) (time.Duration, bool) {
	var fe tele.FloodError
	if errors.As(err, &fe) && fe.RetryAfter > 0 {
		return time.Duration(fe.RetryAfter) * time.Second, true
	}
	return 0, false
}
