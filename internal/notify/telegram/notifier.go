// Package telegram delivers restock notifications as Telegram bot messages.
// Subscriber addresses are chat IDs.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/JakeFAU/stockwatch/internal/notify"
	"github.com/JakeFAU/stockwatch/internal/restock"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier sends one Telegram message per notification.
type Notifier struct {
	bot sender
}

// New builds a Notifier authenticated with token.
func New(token string) (*Notifier, error) {
	if token == "" {
		return nil, errors.New("telegram bot token is required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Notifier{bot: bot}, nil
}

// Send delivers n to the chat identified by n.Address.
func (t *Notifier) Send(ctx context.Context, n restock.Notification) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("telegram send canceled: %w", err)
	}
	chatID, err := strconv.ParseInt(n.Address, 10, 64)
	if err != nil {
		return fmt.Errorf("parse chat id %q: %w", n.Address, err)
	}
	msg := tgbotapi.NewMessage(chatID, notify.FormatText(n))
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}
