package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relay/internal/domain"

	"github.com/bwmarrin/discordgo"
)

const discordMaxMsgLen = 2000

// Discord implements domain.Adapter for Discord. Delivery goes through
// the REST API only; no gateway connection is held. Discord supports
// message editing, so streams use the edit-based strategy.
type Discord struct {
	token        string
	editInterval time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	session *discordgo.Session
}

type DiscordConfig struct {
	Token        string
	EditInterval time.Duration
	Logger       *slog.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	return &Discord{
		token:        cfg.Token,
		editInterval: cfg.EditInterval,
		logger:       cfg.Logger,
	}
}

func (d *Discord) Provider() domain.Provider { return domain.ProviderDiscord }

func (d *Discord) ensureSession() (*discordgo.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		return d.session, nil
	}
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	d.session = session
	return session, nil
}

func (d *Discord) SendMessage(ctx context.Context, target string, text string) error {
	session, err := d.ensureSession()
	if err != nil {
		return err
	}
	for _, chunk := range splitMessage(text, discordMaxMsgLen) {
		if _, err := session.ChannelMessageSend(target, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

func (d *Discord) SendStream(ctx context.Context, target string, chunks <-chan string) error {
	session, err := d.ensureSession()
	if err != nil {
		return err
	}

	es := &editStreamer{
		interval: d.editInterval,
		maxLen:   discordMaxMsgLen,
		send: func(ctx context.Context, target, text string) (string, error) {
			msg, err := session.ChannelMessageSend(target, text, discordgo.WithContext(ctx))
			if err != nil {
				return "", fmt.Errorf("discord placeholder: %w", err)
			}
			return msg.ID, nil
		},
		edit: func(ctx context.Context, target, msgID, text string) error {
			if _, err := session.ChannelMessageEdit(target, msgID, text, discordgo.WithContext(ctx)); err != nil {
				return fmt.Errorf("discord edit: %w", err)
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
		return d.SendMessage(ctx, target, full)
	}

	parts := splitMessage(full, discordMaxMsgLen)
	if _, err := session.ChannelMessageEdit(target, msgID, parts[0], discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord final edit: %w", err)
	}
	for _, part := range parts[1:] {
		if _, err := session.ChannelMessageSend(target, part, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}
