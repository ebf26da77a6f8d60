// Package notifier sends scan and auto-pilot summaries to Slack.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/DrSkyle/reaper/pkg/autopilot"
	"github.com/DrSkyle/reaper/pkg/engine/scanner"
)

// HighImpactThreshold is the monthly waste above which a report is flagged.
const HighImpactThreshold = 500.0

// SlackClient handles Slack notifications.
type SlackClient struct {
	WebhookURL string
	Channel    string // Optional: Override default channel
	HTTPClient *http.Client
}

// NewSlackClient initializes the Slack integration.
func NewSlackClient(webhookURL string, channel string) *SlackClient {
	return &SlackClient{
		WebhookURL: webhookURL,
		Channel:    channel,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether a webhook is configured.
func (s *SlackClient) Enabled() bool { return s != nil && s.WebhookURL != "" }

// NotifyScan sends a summary of one scan report.
func (s *SlackClient) NotifyScan(ctx context.Context, r *scanner.Report) error {
	if !s.Enabled() || r == nil {
		return nil
	}
	return s.send(ctx, s.scanPayload(r))
}

// NotifyAutopilot sends the dispositions of an auto-pilot batch.
func (s *SlackClient) NotifyAutopilot(ctx context.Context, sum autopilot.Summary) error {
	if !s.Enabled() {
		return nil
	}
	return s.send(ctx, s.autopilotPayload(sum))
}

func (s *SlackClient) scanPayload(r *scanner.Report) map[string]interface{} {
	statusIcon := "🟢"
	if r.TotalMonthlyWaste > 1000 {
		statusIcon = "🔴"
	} else if r.TotalMonthlyWaste > 0 {
		statusIcon = "🟡"
	}

	var fields []map[string]interface{}
	total := 0
	for _, k := range r.CategoryKeys() {
		n := len(r.Categories[k])
		total += n
		if n == 0 {
			continue
		}
		fields = append(fields, map[string]interface{}{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*%s:*\n%d", k, n),
		})
	}

	blocks := []map[string]interface{}{
		{
			"type": "header",
			"text": map[string]interface{}{
				"type": "plain_text",
				"text": fmt.Sprintf("%s Zombie Resource Report", statusIcon),
			},
		},
		{
			"type": "context",
			"elements": []map[string]interface{}{
				{
					"type": "mrkdwn",
					"text": fmt.Sprintf("*Scan Date:* %s | *Provider:* %s | *Region:* %s",
						r.ScannedAt.UTC().Format("2006-01-02"), r.Provider, r.Region),
				},
			},
		},
		{"type": "divider"},
		{
			"type": "section",
			"fields": []map[string]interface{}{
				{
					"type": "mrkdwn",
					"text": fmt.Sprintf("*Total Monthly Waste:*\n$%.2f/mo", r.TotalMonthlyWaste),
				},
				{
					"type": "mrkdwn",
					"text": fmt.Sprintf("*Candidates:*\n%d", total),
				},
			},
		},
	}
	// Slack caps a section at 10 fields.
	for len(fields) > 0 {
		n := min(len(fields), 10)
		blocks = append(blocks, map[string]interface{}{"type": "section", "fields": fields[:n]})
		fields = fields[n:]
	}

	if r.TotalMonthlyWaste > HighImpactThreshold {
		blocks = append(blocks, map[string]interface{}{
			"type": "section",
			"text": map[string]interface{}{
				"type": "mrkdwn",
				"text": "⚠️ *High Financial Impact Detected*\nSignificant unused infrastructure has been identified. Immediate review is recommended.",
			},
		})
	}
	if r.Error != "" {
		blocks = append(blocks, map[string]interface{}{
			"type": "context",
			"elements": []map[string]interface{}{
				{"type": "mrkdwn", "text": "Partial report: " + r.Error},
			},
		})
	}
	return s.wrap(blocks)
}

func (s *SlackClient) autopilotPayload(sum autopilot.Summary) map[string]interface{} {
	mode := "human review"
	if sum.AutopilotEnabled {
		mode = "auto-pilot"
	}
	blocks := []map[string]interface{}{
		{
			"type": "header",
			"text": map[string]interface{}{
				"type": "plain_text",
				"text": "🤖 Remediation Summary",
			},
		},
		{
			"type": "context",
			"elements": []map[string]interface{}{
				{
					"type": "mrkdwn",
					"text": fmt.Sprintf("*Tenant:* %s | *Connection:* %s | *Mode:* %s", sum.TenantID, sum.ConnectionID, mode),
				},
			},
		},
		{
			"type": "section",
			"fields": []map[string]interface{}{
				{"type": "mrkdwn", "text": fmt.Sprintf("*Executed:*\n%d", sum.Count(autopilot.OutcomeExecuted))},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Approved:*\n%d", sum.Count(autopilot.OutcomeApproved))},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Pending Review:*\n%d", sum.Count(autopilot.OutcomePending))},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Failed:*\n%d", sum.Count(autopilot.OutcomeFailed))},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Realized Savings:*\n$%.2f/mo", sum.RealizedSavings)},
			},
		},
	}
	return s.wrap(blocks)
}

func (s *SlackClient) wrap(blocks []map[string]interface{}) map[string]interface{} {
	payload := map[string]interface{}{
		"blocks": blocks,
	}
	if s.Channel != "" {
		payload["channel"] = s.Channel
	}
	return payload
}

func (s *SlackClient) send(ctx context.Context, payload map[string]interface{}) error {
	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(jsonPayload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("received non-200 status from slack: %d", resp.StatusCode)
	}
	return nil
}
