package alerts

import (
	"context"
	"fmt"
	"net/http"

	"github.com/slack-go/slack"
)

// SlackSender posts alerts to a Slack incoming webhook.
type SlackSender struct {
	webhookURL string
	client     *http.Client
}

// NewSlackSender creates a Slack sender. A nil client uses http.DefaultClient.
func NewSlackSender(webhookURL string, client *http.Client) *SlackSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &SlackSender{webhookURL: webhookURL, client: client}
}

// Name identifies the channel.
func (s *SlackSender) Name() string { return "slack" }

// Configured reports whether a webhook URL is set.
func (s *SlackSender) Configured() bool { return s.webhookURL != "" }

// Send posts the alert with a header block and the body as markdown.
func (s *SlackSender) Send(ctx context.Context, subject, body string) error {
	if !s.Configured() {
		return fmt.Errorf("slack: %w", ErrNotConfigured)
	}

	header := slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, "commentops alert", false, false))
	section := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Alert:* %s", subject), false, false),
		nil, nil,
	)
	blocks := []slack.Block{header, section}
	if body != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Details:*\n%s", body), false, false),
			nil, nil,
		))
	}

	msg := &slack.WebhookMessage{
		Text:   subject,
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.webhookURL, s.client, msg); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}
