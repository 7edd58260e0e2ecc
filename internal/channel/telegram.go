package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"relay/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramMaxMsgLen = 4000

// Telegram implements domain.Adapter for Telegram Bot API. Telegram
// supports message editing, so streams are delivered as paced edits of
// one placeholder message.
type Telegram struct {
	token        string
	parseMode    string
	editInterval time.Duration
	logger       *slog.Logger

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

type TelegramConfig struct {
	Token        string
	ParseMode    string
	EditInterval time.Duration
	Logger       *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	return &Telegram{
		token:        cfg.Token,
		parseMode:    cfg.ParseMode,
		editInterval: cfg.EditInterval,
		logger:       cfg.Logger,
	}
}

func (t *Telegram) Provider() domain.Provider { return domain.ProviderTelegram }

// ensureBot connects lazily on first use; this is also where a bad token
// surfaces, which is why credential shapes are validated at first use
// rather than at config-write time.
func (t *Telegram) ensureBot() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	t.bot = bot
	return bot, nil
}

func (t *Telegram) SendMessage(ctx context.Context, target string, text string) error {
	bot, err := t.ensureBot()
	if err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat ID %q: %w", target, err)
	}
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		if err := t.sendChunk(bot, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// sendChunk tries the configured parse mode first; on a Markdown parse
// error it falls back to plain text. No other failure is retried here;
// retry policy belongs to the executor.
func (t *Telegram) sendChunk(bot *tgbotapi.BotAPI, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = t.parseMode

	_, err := bot.Send(msg)
	if err == nil {
		return nil
	}
	if t.parseMode != "" && strings.Contains(err.Error(), "can't parse entities") {
		t.logger.Warn("telegram parse error, resending as plain text", "err", err)
		plain := tgbotapi.NewMessage(chatID, text)
		if _, err2 := bot.Send(plain); err2 != nil {
			return fmt.Errorf("telegram send: %w", err2)
		}
		return nil
	}
	return fmt.Errorf("telegram send: %w", err)
}

func (t *Telegram) SendStream(ctx context.Context, target string, chunks <-chan string) error {
	bot, err := t.ensureBot()
	if err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat ID %q: %w", target, err)
	}

	es := &editStreamer{
		interval: t.editInterval,
		maxLen:   telegramMaxMsgLen,
		send: func(ctx context.Context, _ string, text string) (string, error) {
			sent, err := bot.Send(tgbotapi.NewMessage(chatID, text))
			if err != nil {
				return "", fmt.Errorf("telegram placeholder: %w", err)
			}
			return strconv.Itoa(sent.MessageID), nil
		},
		edit: func(ctx context.Context, _ string, msgID, text string) error {
			id, _ := strconv.Atoi(msgID)
			if _, err := bot.Send(tgbotapi.NewEditMessageText(chatID, id, text)); err != nil {
				return fmt.Errorf("telegram edit: %w", err)
			}
			return nil
		},
	}

	full, msgID, err := es.run(ctx, target, chunks)
	if err != nil {
		return err
	}
	if full == "" {
		return nil
	}
	if msgID == "" {
		return t.SendMessage(ctx, target, full)
	}

	// Final edit carries the complete content; overflow beyond the
	// message limit goes out as follow-up messages.
	parts := splitMessage(full, telegramMaxMsgLen)
	id, _ := strconv.Atoi(msgID)
	if _, err := bot.Send(tgbotapi.NewEditMessageText(chatID, id, parts[0])); err != nil {
		return fmt.Errorf("telegram final edit: %w", err)
	}
	for _, part := range parts[1:] {
		if err := t.sendChunk(bot, chatID, part); err != nil {
			return err
		}
	}
	return nil
}
