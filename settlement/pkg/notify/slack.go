package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/slack-go/slack"
	slackmdgo "github.com/snormore/slackmd/slackgo"

	"github.com/malbeclabs/clearing/settlement/pkg/settlement"
	"github.com/malbeclabs/clearing/utils/pkg/retry"
)

type SlackConfig struct {
	Logger   *slog.Logger
	BotToken string
	Channel  string
}

func (cfg *SlackConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BotToken == "" {
		return errors.New("bot token is required")
	}
	if cfg.Channel == "" {
		return errors.New("channel is required")
	}
	return nil
}

// Slack posts event notifications as markdown messages to a channel.
type Slack struct {
	log     *slog.Logger
	api     *slack.Client
	channel string
}

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Slack{
		log:     cfg.Logger,
		api:     slack.New(cfg.BotToken),
		channel: cfg.Channel,
	}, nil
}

func (s *Slack) Notify(ctx context.Context, ev settlement.Event) error {
	text := FormatEvent(ev)
	if text == "" {
		return nil
	}
	return s.post(ctx, text)
}

// Announce posts a free-form markdown message.
func (s *Slack) Announce(ctx context.Context, text string) error {
	return s.post(ctx, text)
}

func (s *Slack) post(ctx context.Context, text string) error {
	return retry.Do(ctx, retry.DefaultConfig(), func() error {
		_, err := slackmdgo.Post(ctx, s.api, s.channel, text, slackmdgo.WithRetry(nil))
		return err
	})
}
