package models

import (
	"fmt"
	"time"
)

// QuotaMode tells whether a window counts raw units or a percentage.
type QuotaMode string

const (
	QuotaModeUnits   QuotaMode = "units"
	QuotaModePercent QuotaMode = "percent"
)

// Window durations used when a provider does not report an explicit reset time.
const (
	FiveHourWindow = 5 * time.Hour
	WeeklyWindow   = 7 * 24 * time.Hour
)

// QuotaWindow is one rolling capacity window of an account.
type QuotaWindow struct {
	Limit           int        `json:"limit"`
	Used            int        `json:"used"`
	Mode            QuotaMode  `json:"mode"`
	Label           string     `json:"label,omitempty"`
	WindowMinutes   int        `json:"window_minutes,omitempty"`
	WindowStartedAt time.Time  `json:"window_started_at"`
	ResetsAt        *time.Time `json:"resets_at,omitempty"`
}

// Validate checks the window invariants.
func (w *QuotaWindow) Validate() error {
	if w.Limit < 0 {
		return fmt.Errorf("limit cannot be negative")
	}
	if w.Used < 0 {
		return fmt.Errorf("used cannot be negative")
	}
	if w.Used > w.Limit {
		return fmt.Errorf("used cannot exceed limit")
	}
	if w.Mode == QuotaModePercent && w.Limit != 100 {
		return fmt.Errorf("percent windows must report a limit of 100")
	}
	return nil
}

// Clamp forces used into [0, limit] and limit to be non-negative.
func (w *QuotaWindow) Clamp() {
	if w.Limit < 0 {
		w.Limit = 0
	}
	if w.Used < 0 {
		w.Used = 0
	}
	if w.Used > w.Limit {
		w.Used = w.Limit
	}
}

// Reset zeroes usage and restarts the window at now.
func (w *QuotaWindow) Reset(now time.Time) {
	w.Used = 0
	w.WindowStartedAt = now
	w.ResetsAt = nil
}

// AccountQuotaState holds the two windows tracked for every account.
type AccountQuotaState struct {
	FiveHour QuotaWindow `json:"five_hour"`
	Weekly   QuotaWindow `json:"weekly"`
}

// Unknown reports whether neither window has a known limit.
func (s AccountQuotaState) Unknown() bool {
	return s.FiveHour.Limit <= 0 && s.Weekly.Limit <= 0
}

// NewQuotaState returns an empty state with both windows started at now.
func NewQuotaState(now time.Time) AccountQuotaState {
	return AccountQuotaState{
		FiveHour: QuotaWindow{Mode: QuotaModeUnits, WindowStartedAt: now},
		Weekly:   QuotaWindow{Mode: QuotaModeUnits, WindowStartedAt: now},
	}
}

// QuotaSnapshot is what a usage adapter reports for one account.
type QuotaSnapshot struct {
	FiveHour WindowSnapshot `json:"five_hour"`
	Weekly   WindowSnapshot `json:"weekly"`
	PlanType string         `json:"plan_type,omitempty"`
	Credits  *Credits       `json:"credits,omitempty"`
	Partial  bool           `json:"partial,omitempty"`
}

// WindowSnapshot is a provider-reported view of a single window.
type WindowSnapshot struct {
	Limit         int        `json:"limit"`
	Used          int        `json:"used"`
	Mode          QuotaMode  `json:"mode"`
	Label         string     `json:"label,omitempty"`
	WindowMinutes int        `json:"window_minutes,omitempty"`
	ResetsAt      *time.Time `json:"resets_at,omitempty"`
}

// Credits is optional balance metadata some plans expose.
type Credits struct {
	HasCredits bool     `json:"has_credits"`
	Unlimited  bool     `json:"unlimited"`
	Balance    *float64 `json:"balance,omitempty"`
}
