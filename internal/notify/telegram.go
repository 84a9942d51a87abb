// Package notify delivers operator-facing alerts (cycle summaries,
// persistent failures) over Telegram. Delivery is best-effort and buffered;
// a full buffer drops the message rather than stalling the workflow.
package notify

import (
	"context"
	"fmt"
	"log"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/skysnapco/skyreply/internal/config"
)

const outboundBufSize = 32

// Notifier is the capability the workflow sees.
type Notifier interface {
	Notify(text string)
}

// Nop discards every message. Used when operator alerts are disabled.
type Nop struct{}

func (Nop) Notify(string) {}

// TelegramBot is the slice of the bot API the notifier needs (mockable).
type TelegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token string) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token string) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

type TelegramNotifier struct {
	bot      TelegramBot
	chatID   int64
	outbound chan string
}

func NewTelegramNotifier(cfg config.TelegramConfig) (*TelegramNotifier, error) {
	return NewTelegramNotifierWithFactory(cfg, defaultBotFactory)
}

// NewTelegramNotifierWithFactory creates a TelegramNotifier with a custom
// bot factory (for testing).
func NewTelegramNotifierWithFactory(cfg config.TelegramConfig, factory BotFactory) (*TelegramNotifier, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat ID is required")
	}

	bot, err := factory(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	log.Printf("[notify] authorized as @%s", bot.GetSelf().UserName)

	return &TelegramNotifier{
		bot:      bot,
		chatID:   cfg.ChatID,
		outbound: make(chan string, outboundBufSize),
	}, nil
}

// Start drains the outbound buffer until ctx is cancelled.
func (n *TelegramNotifier) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case text := <-n.outbound:
				if _, err := n.bot.Send(tgbotapi.NewMessage(n.chatID, text)); err != nil {
					log.Printf("[notify] send warning: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Notify enqueues text for delivery; drops it when the buffer is full.
func (n *TelegramNotifier) Notify(text string) {
	select {
	case n.outbound <- text:
	default:
		log.Printf("[notify] outbound buffer full, dropping message")
	}
}
