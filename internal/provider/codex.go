package provider

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/quotaguard/quotamux/internal/config"
	"github.com/quotaguard/quotamux/internal/httpclient"
	"github.com/quotaguard/quotamux/internal/models"
)

// CodexUsage reads the ChatGPT usage endpoint. The primary rate-limit window
// maps to the five-hour window and the secondary one to the weekly window.
type CodexUsage struct {
	client          *httpclient.Client
	usageURL        string
	verificationURL string
	disabled        bool
}

// NewCodexUsage creates the codex usage adapter.
func NewCodexUsage(client *httpclient.Client, cfg config.UsageEndpointConfig) *CodexUsage {
	return &CodexUsage{
		client:          client,
		usageURL:        cfg.UsageURL,
		verificationURL: cfg.VerificationURL,
		disabled:        cfg.Disabled,
	}
}

type codexUsagePayload struct {
	PlanType  string             `json:"plan_type,omitempty"`
	RateLimit *codexLimitDetails `json:"rate_limit,omitempty"`
	Credits   *codexCredits      `json:"credits,omitempty"`
}

type codexLimitDetails struct {
	Allowed         bool             `json:"allowed"`
	LimitReached    bool             `json:"limit_reached"`
	PrimaryWindow   *codexWindowInfo `json:"primary_window,omitempty"`
	SecondaryWindow *codexWindowInfo `json:"secondary_window,omitempty"`
}

type codexWindowInfo struct {
	UsedPercent        float64 `json:"used_percent"`
	LimitWindowSeconds int     `json:"limit_window_seconds"`
	ResetAt            int64   `json:"reset_at"`
}

type codexCredits struct {
	HasCredits bool `json:"has_credits"`
	Unlimited  bool `json:"unlimited"`
	Balance    any  `json:"balance"`
}

func (c *CodexUsage) Provider() models.Provider { return models.ProviderCodex }

func (c *CodexUsage) IsConfigured() bool {
	return !c.disabled && c.usageURL != ""
}

func (c *CodexUsage) IsAccountConfigured(acc *models.ConnectedAccount) bool {
	return acc.Provider == models.ProviderCodex &&
		acc.EffectiveAuthMethod() == models.AuthOAuth &&
		acc.AccessToken != ""
}

func (c *CodexUsage) FetchLiveQuota(ctx context.Context, acc *models.ConnectedAccount) (*models.QuotaSnapshot, error) {
	header := bearer(acc.AccessToken)
	if id := firstNonEmpty(acc.WorkspaceID, acc.ProviderAccountID); id != "" {
		header.Set("ChatGPT-Account-Id", id)
	}

	var payload codexUsagePayload
	if err := getJSON(ctx, c.client, models.ProviderCodex, c.usageURL, header, &payload); err != nil {
		return nil, authIssue(err, c.verificationURL)
	}

	rl := payload.RateLimit
	if rl == nil || (rl.PrimaryWindow == nil && rl.SecondaryWindow == nil) {
		return nil, nil
	}

	snap := &models.QuotaSnapshot{
		PlanType: payload.PlanType,
		Credits:  payload.Credits.toModel(),
	}
	if rl.PrimaryWindow != nil {
		snap.FiveHour = rl.PrimaryWindow.toSnapshot("5h", rl.LimitReached && rl.SecondaryWindow == nil)
	} else {
		snap.Partial = true
	}
	if rl.SecondaryWindow != nil {
		snap.Weekly = rl.SecondaryWindow.toSnapshot("weekly", false)
	} else {
		snap.Partial = true
	}
	return snap, nil
}

func (w *codexWindowInfo) toSnapshot(label string, exhausted bool) models.WindowSnapshot {
	used := percentUsed(w.UsedPercent)
	if exhausted {
		used = 100
	}
	s := models.WindowSnapshot{
		Limit:         100,
		Used:          used,
		Mode:          models.QuotaModePercent,
		Label:         label,
		WindowMinutes: w.LimitWindowSeconds / 60,
	}
	if w.ResetAt > 0 {
		t := time.Unix(w.ResetAt, 0).UTC()
		s.ResetsAt = &t
	}
	return s
}

func (c *codexCredits) toModel() *models.Credits {
	if c == nil {
		return nil
	}
	out := &models.Credits{HasCredits: c.HasCredits, Unlimited: c.Unlimited}
	switch v := c.Balance.(type) {
	case float64:
		out.Balance = &v
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out.Balance = &f
		}
	}
	return out
}

// percentUsed rounds a reported percentage into [0, 100].
func percentUsed(p float64) int {
	if math.IsNaN(p) {
		return 0
	}
	return int(math.Max(0, math.Min(100, math.Round(p))))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
