// Package bot provides Telegram delivery and operator commands.
//
// notifier.go - one-way alert channel used by the trading engine, the
// reconciler and the daily report.
package bot

import (
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// retryDelay is the pause before the single alert redelivery attempt.
const retryDelay = 2 * time.Second

// Notifier pushes messages to the operator chat. Alert is fire-and-forget
// with one retry; SendMarkdown is synchronous and reports failure.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewNotifier connects to Telegram and targets the operator chat.
func NewNotifier(token string, chatID int64) (*Notifier, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram notifier: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("🔔 Telegram notifier connected")

	return &Notifier{api: api, chatID: chatID}, nil
}

// Alert sends a plain-text alert without blocking the caller. A failed send
// is retried once, then dropped with a log line.
func (n *Notifier) Alert(message string) {
	go func() {
		if err := n.sendText(message); err == nil {
			return
		}
		time.Sleep(retryDelay)
		if err := n.sendText(message); err != nil {
			log.Warn().Err(err).Str("message", message).Msg("Telegram alert dropped")
		}
	}()
}

// SendMarkdown delivers a Markdown-formatted message synchronously.
func (n *Notifier) SendMarkdown(text string) error {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = "Markdown"
	msg.DisableWebPagePreview = true
	_, err := n.api.Send(msg)
	return err
}

func (n *Notifier) sendText(message string) error {
	msg := tgbotapi.NewMessage(n.chatID, message)
	_, err := n.api.Send(msg)
	return err
}
