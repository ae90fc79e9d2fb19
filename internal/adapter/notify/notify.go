// Package notify delivers pending approval requests to human operators.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/aymankanso/agent/internal/domain"
)

// LogNotifier writes pending approvals to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, req domain.ApprovalRequest) error {
	n.logger.WarnContext(ctx, "approval required",
		"approval_id", req.ID,
		"session_id", req.SessionID,
		"agent", req.Agent,
		"tool_id", req.ToolID,
		"risk_tier", req.RiskTier.String(),
		"description", req.Description,
		"expires_at", req.ExpiresAt.Format(time.RFC3339),
	)
	return nil
}

// SlackNotifier posts pending approvals to a Slack channel.
type SlackNotifier struct {
	api       *slack.Client
	channelID string
	logger    *slog.Logger
}

// SlackOption configures the Slack notifier.
type SlackOption func(*slackOptions)

type slackOptions struct {
	apiURL string
}

// WithSlackAPIURL points the client at a different Slack API base URL.
func WithSlackAPIURL(url string) SlackOption {
	return func(o *slackOptions) { o.apiURL = url }
}

// NewSlackNotifier creates a notifier posting with the given bot token.
func NewSlackNotifier(botToken, channelID string, logger *slog.Logger, opts ...SlackOption) *SlackNotifier {
	var o slackOptions
	for _, fn := range opts {
		fn(&o)
	}
	var clientOpts []slack.Option
	if o.apiURL != "" {
		url := o.apiURL
		if !strings.HasSuffix(url, "/") {
			url += "/"
		}
		clientOpts = append(clientOpts, slack.OptionAPIURL(url))
	}
	return &SlackNotifier{
		api:       slack.New(botToken, clientOpts...),
		channelID: channelID,
		logger:    logger,
	}
}

func (n *SlackNotifier) Notify(ctx context.Context, req domain.ApprovalRequest) error {
	_, ts, err := n.api.PostMessageContext(ctx, n.channelID, slack.MsgOptionText(FormatRequest(req), false))
	if err != nil {
		return fmt.Errorf("slack post approval %s: %w", req.ID, err)
	}
	n.logger.DebugContext(ctx, "approval posted to slack", "approval_id", req.ID, "ts", ts)
	return nil
}

// FormatRequest renders a request as operator-facing text.
func FormatRequest(req domain.ApprovalRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":warning: *Approval required* (%s risk)\n", strings.ToUpper(req.RiskTier.String()))
	fmt.Fprintf(&b, "*Tool:* `%s`\n", req.ToolID)
	if req.Agent != "" {
		fmt.Fprintf(&b, "*Agent:* %s\n", req.Agent)
	}
	if req.SessionID != "" {
		fmt.Fprintf(&b, "*Session:* %s\n", req.SessionID)
	}
	if req.Description != "" {
		fmt.Fprintf(&b, "*Action:* %s\n", req.Description)
	}
	fmt.Fprintf(&b, "*Request:* `%s`, expires %s", req.ID, req.ExpiresAt.UTC().Format(time.RFC3339))
	return b.String()
}

// Multi fans a request out to several notifiers. All are attempted; their
// errors are joined.
type Multi []domain.ApprovalNotifier

func (m Multi) Notify(ctx context.Context, req domain.ApprovalRequest) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, req); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ domain.ApprovalNotifier = (*LogNotifier)(nil)
	_ domain.ApprovalNotifier = (*SlackNotifier)(nil)
	_ domain.ApprovalNotifier = Multi(nil)
)
