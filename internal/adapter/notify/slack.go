// Package notify delivers run failure reports to chat.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"

	"sre-agent/internal/domain"
	"sre-agent/internal/infra/config"
)

// SlackNotifier posts messages with the Slack Web API.
type SlackNotifier struct {
	api    *slack.Client
	logger *slog.Logger
}

// NewSlackNotifier creates a notifier using the bot token. apiURL overrides
// the Slack API endpoint and is used in tests.
func NewSlackNotifier(botToken, apiURL string, logger *slog.Logger) *SlackNotifier {
	var opts []slack.Option
	if apiURL != "" {
		if !strings.HasSuffix(apiURL, "/") {
			apiURL += "/"
		}
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	return &SlackNotifier{api: slack.New(botToken, opts...), logger: logger}
}

// Notify implements domain.Notifier.
func (s *SlackNotifier) Notify(ctx context.Context, channel, text string) error {
	if channel == "" {
		return fmt.Errorf("%w: no channel configured", domain.ErrNotifyFailed)
	}
	_, ts, err := s.api.PostMessageContext(ctx, channel,
		slack.MsgOptionText(":warning: "+text, false),
	)
	if err != nil {
		return fmt.Errorf("%w: slack: %v", domain.ErrNotifyFailed, err)
	}
	s.logger.Debug("slack notification sent", "channel", channel, "ts", ts)
	return nil
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(context.Context, string, string) error { return nil }

// New returns the notifier selected by cfg.OnFailure.
func New(cfg config.NotifyConfig, logger *slog.Logger) domain.Notifier {
	if cfg.OnFailure == config.NotifySlack {
		return NewSlackNotifier(cfg.SlackBotToken, cfg.SlackAPIURL, logger)
	}
	return Nop{}
}

var (
	_ domain.Notifier = (*SlackNotifier)(nil)
	_ domain.Notifier = Nop{}
)
