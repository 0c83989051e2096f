package push

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"
)

// Slack posts each notification to a Slack incoming webhook. It suits
// single-team deployments where the channel is the device: device tokens
// are ignored and never reported invalid.
type Slack struct {
	url     string
	channel string
	client  *http.Client
}

// NewSlack creates a Slack dispatcher. channel overrides the webhook's
// default channel when set.
func NewSlack(webhookURL, channel string, timeout time.Duration) *Slack {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Slack{url: webhookURL, channel: channel, client: &http.Client{Timeout: timeout}}
}

func (s *Slack) Notify(ctx context.Context, tokens []string, n Notification) (Result, error) {
	msg := &slack.WebhookMessage{
		Channel: s.channel,
		Text:    fmt.Sprintf("*%s*\n%s", n.Title, n.Body),
	}
	if n.SessionKey != "" {
		msg.Text += fmt.Sprintf("\n_session %s_", n.SessionKey)
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.url, s.client, msg); err != nil {
		return Result{}, fmt.Errorf("post slack webhook: %w", err)
	}
	return Result{}, nil
}

func (s *Slack) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
