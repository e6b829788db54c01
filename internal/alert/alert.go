// Package alert implements the Alert Sink (C13): a nil-safe, fire-and-forget
// Telegram notifier. Adapted from the teacher's notification_service.go —
// its bot construction and Notify method are kept nearly verbatim, since
// this engine is fully automated and has no inbound command or
// approval-callback loop to preserve.
package alert

import (
	"log"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sink sends operator alerts. A nil *Sink (or one with no token configured)
// is a valid no-op, so callers never need to check for a disabled sink.
type Sink struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// New builds a Sink from a bot token and chat id. If token is empty, alerts
// are silently dropped — matching the teacher's "notifications disabled"
// behavior rather than failing startup.
func New(token string, chatID int64) *Sink {
	if token == "" {
		log.Println("[alert] no telegram token configured, alerts disabled")
		return nil
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		log.Printf("[alert] failed to init telegram bot: %v", err)
		return nil
	}

	return &Sink{bot: bot, chatID: chatID}
}

// Notify sends msg asynchronously. Safe to call on a nil Sink.
func (s *Sink) Notify(msg string) {
	if s == nil || s.bot == nil || s.chatID == 0 {
		return
	}

	go func() {
		cfg := tgbotapi.NewMessage(s.chatID, msg)
		cfg.ParseMode = "Markdown"
		if _, err := s.bot.Send(cfg); err != nil {
			log.Printf("[alert] failed to send telegram message: %v", err)
		}
	}()
}
