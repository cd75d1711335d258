package services

import (
	"fmt"
	"strconv"
	"strings"

	"coldchain/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// TelegramNotifier mirrors CRITICA and SISTEMA alerts to an operator chat.
// It is optional: the webhook remains the system of record and telegram
// failures never block it.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *zap.Logger
}

func NewTelegramNotifier(token, chatID string, logger *zap.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}

	return &TelegramNotifier{
		bot:    bot,
		chatID: id,
		logger: logger,
	}, nil
}

// SendStartupMessage announces the service start to the operator chat.
func (t *TelegramNotifier) SendStartupMessage() error {
	msg := tgbotapi.NewMessage(t.chatID, "🧊 <b>Cold-chain monitor online</b>\nProcessamento de leituras iniciado.")
	msg.ParseMode = tgbotapi.ModeHTML
	_, err := t.bot.Send(msg)
	return err
}

// NotifyAlert forwards one alert to the operator chat.
func (t *TelegramNotifier) NotifyAlert(alert models.Alert) error {
	var b strings.Builder
	b.WriteString(priorityEmoji(alert.Priority))
	b.WriteString(" <b>")
	b.WriteString(string(alert.Priority))
	b.WriteString("</b> — ")
	b.WriteString(alert.SensorName)
	b.WriteString("\n<code>")
	b.WriteString(alert.SensorMAC)
	b.WriteString("</code>\n")
	for _, m := range alert.Messages {
		b.WriteString("• ")
		b.WriteString(m)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(alert.Timestamp)

	msg := tgbotapi.NewMessage(t.chatID, b.String())
	msg.ParseMode = tgbotapi.ModeHTML

	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("Failed to send telegram notification",
			zap.String("sensor_mac", alert.SensorMAC),
			zap.Error(err))
		return err
	}
	return nil
}

func priorityEmoji(p models.AlertPriority) string {
	switch p {
	case models.PriorityCritica:
		return "🔴"
	case models.PriorityAlta:
		return "🟠"
	case models.PriorityPreditiva:
		return "🟡"
	case models.PrioritySistema:
		return "⚙️"
	default:
		return "⚪"
	}
}
