package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	PlatformTelegram = "telegram"
	telegramLimit    = 4096
)

type TelegramGateway struct {
	Bot        *tgbotapi.BotAPI
	Supervisor Supervisor
	Logger     *slog.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewTelegramGateway(token string, sup Supervisor, logger *slog.Logger) (*TelegramGateway, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "telegram")
	logger.Info("authorized on account", "username", bot.Self.UserName)

	return &TelegramGateway{
		Bot:        bot,
		Supervisor: sup,
		Logger:     logger,
	}, nil
}

func (tg *TelegramGateway) Platform() string { return PlatformTelegram }

func (tg *TelegramGateway) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := tg.Bot.GetUpdatesChan(u)
	defer tg.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return tg.Stop()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			tg.wg.Add(1)
			go func(m *tgbotapi.Message) {
				defer tg.wg.Done()
				tg.handle(ctx, m)
			}(update.Message)
		}
	}
}

func (tg *TelegramGateway) handle(ctx context.Context, m *tgbotapi.Message) {
	sessionID := SessionID(PlatformTelegram, strconv.FormatInt(m.Chat.ID, 10))
	username := ""
	if m.From != nil {
		username = m.From.UserName
	}
	tg.Logger.Info("message received", "session_id", sessionID, "from", username, "length", len(m.Text))

	if _, err := tg.Bot.Request(tgbotapi.NewChatAction(m.Chat.ID, tgbotapi.ChatTyping)); err != nil {
		tg.Logger.Debug("typing indicator failed", "error", err)
	}

	response := Handle(ctx, tg.Supervisor, sessionID, m.Text)
	if response == "" {
		return
	}
	for _, part := range chunk(response, telegramLimit) {
		if _, err := tg.Bot.Send(tgbotapi.NewMessage(m.Chat.ID, part)); err != nil {
			tg.Logger.Error("failed to send reply", "session_id", sessionID, "error", err)
			return
		}
	}
}

// Send delivers text to the chat behind a "telegram:<chat id>" session.
func (tg *TelegramGateway) Send(sessionID string, text string) error {
	platform, chat, ok := ParseSessionID(sessionID)
	if !ok || platform != PlatformTelegram {
		return fmt.Errorf("invalid telegram session: %s", sessionID)
	}
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid chat ID: %s", chat)
	}

	for _, part := range chunk(text, telegramLimit) {
		msg := tgbotapi.NewMessage(id, part)
		msg.ParseMode = "Markdown" // Enable markdown for better alerts
		if _, err := tg.Bot.Send(msg); err != nil {
			return err
		}
	}
	return nil
}

// Stop ends the update loop. It is safe to call more than once.
func (tg *TelegramGateway) Stop() error {
	tg.stopOnce.Do(tg.Bot.StopReceivingUpdates)
	return nil
}
