package provider

import (
	"context"
	"time"

	"github.com/quotaguard/quotamux/internal/config"
	"github.com/quotaguard/quotamux/internal/httpclient"
	"github.com/quotaguard/quotamux/internal/models"
)

const claudeOAuthBeta = "oauth-2025-04-20"

// ClaudeUsage reads the Anthropic OAuth usage endpoint.
type ClaudeUsage struct {
	client          *httpclient.Client
	usageURL        string
	verificationURL string
	disabled        bool
	now             func() time.Time
}

// NewClaudeUsage creates the claude usage adapter.
func NewClaudeUsage(client *httpclient.Client, cfg config.UsageEndpointConfig) *ClaudeUsage {
	return &ClaudeUsage{
		client:          client,
		usageURL:        cfg.UsageURL,
		verificationURL: cfg.VerificationURL,
		disabled:        cfg.Disabled,
		now:             time.Now,
	}
}

type claudeUsageResponse struct {
	FiveHour *claudeUsageBucket `json:"five_hour"`
	SevenDay *claudeUsageBucket `json:"seven_day"`
}

type claudeUsageBucket struct {
	Utilization float64 `json:"utilization"`
	ResetsAt    string  `json:"resets_at"`
}

func (c *ClaudeUsage) Provider() models.Provider { return models.ProviderClaude }

func (c *ClaudeUsage) IsConfigured() bool {
	return !c.disabled && c.usageURL != ""
}

func (c *ClaudeUsage) IsAccountConfigured(acc *models.ConnectedAccount) bool {
	return acc.Provider == models.ProviderClaude &&
		acc.EffectiveAuthMethod() == models.AuthOAuth &&
		acc.AccessToken != ""
}

func (c *ClaudeUsage) FetchLiveQuota(ctx context.Context, acc *models.ConnectedAccount) (*models.QuotaSnapshot, error) {
	header := bearer(acc.AccessToken)
	header.Set("anthropic-beta", claudeOAuthBeta)

	var usage claudeUsageResponse
	if err := getJSON(ctx, c.client, models.ProviderClaude, c.usageURL, header, &usage); err != nil {
		return nil, authIssue(err, c.verificationURL)
	}
	if usage.FiveHour == nil && usage.SevenDay == nil {
		return nil, nil
	}

	now := c.now()
	snap := &models.QuotaSnapshot{}
	if usage.FiveHour != nil {
		snap.FiveHour = usage.FiveHour.toSnapshot("5h", models.FiveHourWindow, now)
	} else {
		snap.Partial = true
	}
	if usage.SevenDay != nil {
		snap.Weekly = usage.SevenDay.toSnapshot("7d", models.WeeklyWindow, now)
	} else {
		snap.Partial = true
	}
	return snap, nil
}

func (b *claudeUsageBucket) toSnapshot(label string, window time.Duration, now time.Time) models.WindowSnapshot {
	s := models.WindowSnapshot{
		Limit:         100,
		Used:          percentUsed(b.Utilization),
		Mode:          models.QuotaModePercent,
		Label:         label,
		WindowMinutes: int(window / time.Minute),
	}
	if t, err := time.Parse(time.RFC3339, b.ResetsAt); err == nil {
		t = t.UTC()
		// A reset boundary already behind us means the reported usage is stale.
		if !t.After(now) {
			s.Used = 0
		} else {
			s.ResetsAt = &t
		}
	}
	return s
}
