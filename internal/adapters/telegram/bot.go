package telegram

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/quantarc/riskd/internal/adapters/config"
	"github.com/quantarc/riskd/pkg/logger"
)

// Bot listens for operator commands. Overrides that mutate engine state
// (breaker resets, reinitialization) only ever happen through this explicit
// channel, never implicitly inside a cycle.
type Bot struct {
	api            *tgbotapi.BotAPI
	chatID         int64
	commandHandler CommandHandler
}

// CommandHandler handles operator commands
type CommandHandler interface {
	HandleStatus(ctx context.Context) (string, error)
	HandleResetBreaker(ctx context.Context, strategyID string) (string, error)
	HandleReinitialize(ctx context.Context) (string, error)
}

// NewBot creates new Telegram bot
func NewBot(cfg *config.TelegramConfig) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	logger.Info("telegram bot initialized",
		zap.String("username", api.Self.UserName),
	)

	return &Bot{
		api:    api,
		chatID: cfg.ChatID,
	}, nil
}

// SetCommandHandler sets command handler
func (b *Bot) SetCommandHandler(handler CommandHandler) {
	b.commandHandler = handler
}

// Start starts listening for commands
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	logger.Info("telegram bot started, listening for commands")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update := <-updates:
			if update.Message == nil {
				continue
			}

			// Only process messages from configured chat
			if update.Message.Chat.ID != b.chatID {
				continue
			}

			go b.handleCommand(ctx, update.Message)
		}
	}
}

// handleCommand processes incoming commands
func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	if !message.IsCommand() {
		return
	}

	command := message.Command()

	logger.Info("received telegram command",
		zap.String("command", command),
		zap.Int64("from_chat", message.Chat.ID),
	)

	var response string
	var err error

	if b.commandHandler == nil {
		response = "⚠️ Command handler not initialized"
	} else {
		switch command {
		case "start", "help":
			response = b.getWelcomeMessage()
		case "status":
			response, err = b.commandHandler.HandleStatus(ctx)
		case "reset":
			strategyID := message.CommandArguments()
			if strategyID == "" {
				response = "Usage: /reset <strategy_id>"
			} else {
				response, err = b.commandHandler.HandleResetBreaker(ctx, strategyID)
			}
		case "reinit":
			response, err = b.commandHandler.HandleReinitialize(ctx)
		default:
			response = fmt.Sprintf("Unknown command: /%s", command)
		}
	}

	if err != nil {
		logger.Error("command handling failed",
			zap.String("command", command),
			zap.Error(err),
		)
		response = fmt.Sprintf("⚠️ Command failed: %v", err)
	}

	msg := tgbotapi.NewMessage(b.chatID, response)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.api.Send(msg); err != nil {
		logger.Error("failed to send command response", zap.Error(err))
	}
}

func (b *Bot) getWelcomeMessage() string {
	return `*Risk Engine Control*

/status - breaker states and open position count
/reset <strategy_id> - reset one strategy's circuit breaker
/reinit - rebuild regime, volatility and correlation state
/help - this message`
}
