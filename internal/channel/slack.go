package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"relay/internal/domain"

	"github.com/slack-go/slack"
)

const slackMaxMsgLen = 4000

// Slack implements domain.Adapter for Slack using buffered delivery:
// the whole chunk sequence is accumulated and posted as one message
// after the stream ends. The caller is never held up by Slack's
// response-time expectations because delivery already happens
// out-of-band from the triggering event.
type Slack struct {
	botToken string
	logger   *slog.Logger

	mu     sync.Mutex
	client *slack.Client
}

type SlackConfig struct {
	BotToken string
	Logger   *slog.Logger
}

func NewSlack(cfg SlackConfig) *Slack {
	return &Slack{botToken: cfg.BotToken, logger: cfg.Logger}
}

func (s *Slack) Provider() domain.Provider { return domain.ProviderSlack }

func (s *Slack) api() *slack.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		s.client = slack.New(s.botToken)
	}
	return s.client
}

func (s *Slack) SendMessage(ctx context.Context, target string, text string) error {
	api := s.api()
	for _, chunk := range splitMessage(text, slackMaxMsgLen) {
		_, _, err := api.PostMessageContext(ctx, target,
			slack.MsgOptionText(chunk, false),
			slack.MsgOptionAsUser(true),
		)
		if err != nil {
			return fmt.Errorf("slack send: %w", err)
		}
	}
	return nil
}

func (s *Slack) SendStream(ctx context.Context, target string, chunks <-chan string) error {
	full, err := collect(ctx, chunks)
	if err != nil {
		return err
	}
	if full == "" {
		return nil
	}
	return s.SendMessage(ctx, target, full)
}
