// Package notify pushes out-of-band alerts to Slack when a session needs
// attention, so an unattended console does not silently block on approvals.
package notify

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/yuya-takeyama/cc-console/pkg/types"
)

// poster sends one webhook message. Tests substitute a recorder.
type poster func(url string, msg *slack.WebhookMessage) error

// Notifier posts to a Slack incoming webhook. A Notifier with an empty URL
// is a no-op, so callers never branch on configuration.
type Notifier struct {
	webhookURL string
	channel    string
	logger     zerolog.Logger
	post       poster
}

// New creates a notifier for the given webhook URL.
func New(webhookURL, channel string, logger zerolog.Logger) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		channel:    channel,
		logger:     logger.With().Str("component", "notify").Logger(),
		post:       slack.PostWebhook,
	}
}

// Enabled reports whether a webhook is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.webhookURL != ""
}

// ApprovalRequested announces a pending tool approval.
func (n *Notifier) ApprovalRequested(sessionID string, req types.ApprovalRequest) {
	if !n.Enabled() {
		return
	}

	input := formatToolInput(req.Request.Input)
	text := fmt.Sprintf(":lock: Session `%s` is waiting for approval of *%s*", sessionID, req.Request.ToolName)
	if input != "" {
		text += "\n```" + input + "```"
	}

	n.send(&slack.WebhookMessage{
		Channel: n.channel,
		Text:    text,
	})
}

// SessionCompleted announces that a session's agent process exited.
func (n *Notifier) SessionCompleted(sessionID string) {
	if !n.Enabled() {
		return
	}
	n.send(&slack.WebhookMessage{
		Channel: n.channel,
		Text:    fmt.Sprintf(":checkered_flag: Session `%s` completed", sessionID),
	})
}

func (n *Notifier) send(msg *slack.WebhookMessage) {
	if err := n.post(n.webhookURL, msg); err != nil {
		n.logger.Warn().Err(err).Msg("Failed to post Slack notification")
	}
}

// formatToolInput renders tool input compactly, truncated for chat.
func formatToolInput(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	data, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	const maxLen = 400
	if len(data) > maxLen {
		return string(data[:maxLen]) + "..."
	}
	return string(data)
}
