// Package push delivers notifications for messages that had no live receiver.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/amurg-ai/relay/hub/internal/config"
)

// BodyLimit is the maximum notification body length in runes.
const BodyLimit = 140

// Notification is the payload handed to the push backend.
type Notification struct {
	UserID     string `json:"userId"`
	SessionKey string `json:"sessionKey,omitempty"`
	MessageID  string `json:"messageId,omitempty"`
	Type       string `json:"type"`
	Title      string `json:"title"`
	Body       string `json:"body"`
}

// Result reports per-token outcomes of a Notify call.
type Result struct {
	InvalidTokens []string `json:"invalidTokens,omitempty"`
}

// Dispatcher sends a notification to a user's registered devices.
type Dispatcher interface {
	Notify(ctx context.Context, tokens []string, n Notification) (Result, error)
	Close() error
}

// New creates the Dispatcher selected by cfg.Driver.
func New(cfg config.PushConfig, logger *slog.Logger) (Dispatcher, error) {
	switch cfg.Driver {
	case "webhook":
		return NewWebhook(cfg.WebhookURL, cfg.WebhookSecret, cfg.Timeout.Duration), nil
	case "kafka":
		return NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.Timeout.Duration), nil
	case "slack":
		return NewSlack(cfg.SlackWebhookURL, cfg.SlackChannel, cfg.Timeout.Duration), nil
	case "none", "":
		return Noop{Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unsupported push driver: %q", cfg.Driver)
	}
}

// Truncate shortens s to at most limit runes, marking the cut with an ellipsis.
func Truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}

// Noop drops notifications. It is the default when no push backend is
// configured.
type Noop struct {
	Logger *slog.Logger
}

func (n Noop) Notify(ctx context.Context, tokens []string, notif Notification) (Result, error) {
	if n.Logger != nil {
		n.Logger.Debug("push disabled, dropping notification",
			"user_id", notif.UserID, "message_id", notif.MessageID, "devices", len(tokens))
	}
	return Result{}, nil
}

func (Noop) Close() error { return nil }
