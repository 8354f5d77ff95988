package telegram

import (
	"context"
	"fmt"
	"sort"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/quantarc/riskd/internal/adapters/config"
	"github.com/quantarc/riskd/pkg/logger"
	"github.com/quantarc/riskd/pkg/models"
)

// Notifier delivers alert events to the operator chat. The engine hands it
// structured events; formatting and transport live here.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewNotifier creates new Telegram notifier
func NewNotifier(cfg *config.TelegramConfig) (*Notifier, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	bot.Debug = false

	logger.Info("telegram notifier initialized",
		zap.String("bot_username", bot.Self.UserName),
	)

	return &Notifier{api: bot, chatID: cfg.ChatID}, nil
}

// Notify formats and sends one alert event.
func (n *Notifier) Notify(_ context.Context, event models.AlertEvent) error {
	msg := tgbotapi.NewMessage(n.chatID, formatAlert(event))
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := n.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram alert: %w", err)
	}

	logger.Debug("alert delivered",
		zap.String("symbol", event.Symbol),
		zap.String("reason", event.Reason),
	)
	return nil
}

// formatAlert renders the event as a compact operator message.
func formatAlert(event models.AlertEvent) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s *%s* %s\n", levelEmoji(event.Level), event.Action, event.Symbol)
	fmt.Fprintf(&b, "Strategy: `%s`\n", event.StrategyID)
	fmt.Fprintf(&b, "Reason: `%s`\n", event.Reason)

	keys := make([]string, 0, len(event.Metrics))
	for k := range event.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, event.Metrics[k])
	}

	fmt.Fprintf(&b, "_%s_", event.Timestamp.Format("2006-01-02 15:04:05 MST"))
	return b.String()
}

func levelEmoji(level models.AlertLevel) string {
	switch level {
	case models.AlertCritical:
		return "🚨"
	case models.AlertWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}
