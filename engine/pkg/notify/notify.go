package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/slack-go/slack"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Alert is an operator-facing notification about the treasury or ledgers.
type Alert struct {
	Title    string
	Text     string
	Severity Severity
	Fields   map[string]string
}

type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// Log writes alerts to the logger. Used when no webhook is configured.
type Log struct {
	log *slog.Logger
}

func NewLog(log *slog.Logger) *Log {
	return &Log{log: log}
}

func (n *Log) Notify(_ context.Context, alert Alert) error {
	args := []any{"title", alert.Title, "severity", alert.Severity}
	for _, k := range sortedKeys(alert.Fields) {
		args = append(args, k, alert.Fields[k])
	}
	switch alert.Severity {
	case SeverityError:
		n.log.Error("notify: "+alert.Text, args...)
	case SeverityWarning:
		n.log.Warn("notify: "+alert.Text, args...)
	default:
		n.log.Info("notify: "+alert.Text, args...)
	}
	return nil
}

type SlackConfig struct {
	Logger     *slog.Logger
	WebhookURL string
	Channel    string
	Username   string
	// Timeout bounds a single webhook post. Defaults to 10s.
	Timeout time.Duration
}

func (cfg *SlackConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.WebhookURL == "" {
		return errors.New("webhook url is required")
	}
	if cfg.Username == "" {
		cfg.Username = "incentives-engine"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return nil
}

// Slack posts alerts to an incoming webhook.
type Slack struct {
	log *slog.Logger
	cfg SlackConfig
}

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Slack{log: cfg.Logger, cfg: cfg}, nil
}

func (s *Slack) Notify(ctx context.Context, alert Alert) error {
	fields := make([]slack.AttachmentField, 0, len(alert.Fields))
	for _, k := range sortedKeys(alert.Fields) {
		fields = append(fields, slack.AttachmentField{Title: k, Value: alert.Fields[k], Short: true})
	}
	msg := &slack.WebhookMessage{
		Username: s.cfg.Username,
		Channel:  s.cfg.Channel,
		Text:     alert.Title,
		Attachments: []slack.Attachment{{
			Color:  color(alert.Severity),
			Text:   alert.Text,
			Fields: fields,
		}},
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	if err := slack.PostWebhookContext(ctx, s.cfg.WebhookURL, msg); err != nil {
		return fmt.Errorf("failed to post slack webhook: %w", err)
	}
	s.log.Debug("notify/slack: alert sent", "title", alert.Title)
	return nil
}

func color(sev Severity) string {
	switch sev {
	case SeverityError:
		return "danger"
	case SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
