package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quotaguard/quotamux/internal/errors"
	"github.com/quotaguard/quotamux/internal/logging"
	"github.com/quotaguard/quotamux/internal/models"
	"github.com/quotaguard/quotamux/internal/store"
)

// Account returns the sanitized account with accountID.
func (s *Service) Account(ctx context.Context, accountID string) (*models.ConnectedAccount, error) {
	state, err := s.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	acc, ok := state.Accounts.FindByID(accountID)
	if !ok {
		return nil, accountNotFound(accountID)
	}
	out := acc.Sanitized()
	return &out, nil
}

// LinkOAuthAccount stores the result of a completed authorization. An account
// with the same provider account id is updated in place. Failing that, an
// account in the same workspace with the same display name is taken to be the
// same identity, since some issuers share workspace ids between users.
func (s *Service) LinkOAuthAccount(ctx context.Context, link OAuthLink) (*models.ConnectedAccount, error) {
	if !link.Provider.Valid() {
		return nil, &errors.ErrInput{Field: "provider", Err: errors.ErrInvalidProvider}
	}
	if link.ProviderAccountID == "" || link.AccessToken == "" {
		return nil, &errors.ErrInput{Field: "oauth identity", Err: fmt.Errorf("provider account id and access token are required")}
	}

	var linked models.ConnectedAccount
	var created bool
	_, err := s.store.Update(ctx, func(state *models.ConnectorState) error {
		now := s.now()
		acc := matchOAuthAccount(state.Accounts, link)
		if acc == nil {
			state.Accounts = append(state.Accounts, models.ConnectedAccount{
				ID:              s.newID(),
				Provider:        link.Provider,
				AuthMethod:      models.AuthOAuth,
				CreatedAt:       now,
				Enabled:         true,
				QuotaSyncStatus: models.SyncStale,
				Quota:           models.NewQuotaState(now),
			})
			acc = &state.Accounts[len(state.Accounts)-1]
			created = true
		}

		acc.AuthMethod = models.AuthOAuth
		acc.ProfileID = link.ProfileID
		acc.ProviderAccountID = link.ProviderAccountID
		acc.WorkspaceID = link.WorkspaceID
		if link.DisplayName != "" {
			acc.DisplayName = link.DisplayName
		}
		acc.AccessToken = link.AccessToken
		if link.RefreshToken != "" {
			acc.RefreshToken = link.RefreshToken
		}
		acc.ExpiresAt = link.ExpiresAt
		acc.SyncError = ""
		acc.SyncIssue = nil
		acc.LastSyncAttemptAt = time.Time{}
		acc.UpdatedAt = now
		linked = acc.Sanitized()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.AuditWithContext(ctx, logging.NewAuditEvent(logging.AccountLinked, logging.StatusSuccess).
		WithAccount(linked.ID, string(linked.Provider)).
		WithDetails(map[string]any{"auth_method": string(models.AuthOAuth), "created": created}))
	return &linked, nil
}

func matchOAuthAccount(accounts models.AccountSlice, link OAuthLink) *models.ConnectedAccount {
	for i := range accounts {
		acc := &accounts[i]
		if acc.Provider == link.Provider && acc.ProviderAccountID == link.ProviderAccountID {
			return acc
		}
	}
	if link.WorkspaceID == "" || link.DisplayName == "" {
		return nil
	}
	for i := range accounts {
		acc := &accounts[i]
		if acc.Provider == link.Provider &&
			acc.EffectiveAuthMethod() == models.AuthOAuth &&
			acc.WorkspaceID == link.WorkspaceID &&
			strings.EqualFold(strings.TrimSpace(acc.DisplayName), strings.TrimSpace(link.DisplayName)) {
			return acc
		}
	}
	return nil
}

// LinkAPIAccount registers an API-key account. Limits, when given, become
// manual limits.
func (s *Service) LinkAPIAccount(ctx context.Context, link APILink) (*models.ConnectedAccount, error) {
	p, err := models.ParseProvider(link.Provider)
	if err != nil {
		return nil, &errors.ErrInput{Field: "provider", Err: fmt.Errorf("%w: %v", errors.ErrInvalidProvider, err)}
	}
	key := strings.TrimSpace(link.APIKey)
	if key == "" {
		return nil, &errors.ErrInput{Field: "api_key", Err: fmt.Errorf("api key is required")}
	}
	if link.FiveHourLimit < 0 || link.WeeklyLimit < 0 {
		return nil, &errors.ErrInput{Field: "limits", Err: fmt.Errorf("limits cannot be negative")}
	}

	var linked models.ConnectedAccount
	_, err = s.store.Update(ctx, func(state *models.ConnectorState) error {
		now := s.now()
		acc := models.ConnectedAccount{
			ID:              s.newID(),
			Provider:        p,
			AuthMethod:      models.AuthAPI,
			DisplayName:     strings.TrimSpace(link.DisplayName),
			AccessToken:     key,
			CreatedAt:       now,
			UpdatedAt:       now,
			Enabled:         true,
			QuotaSyncStatus: models.SyncStale,
			Quota:           models.NewQuotaState(now),
		}
		if acc.DisplayName == "" {
			acc.DisplayName = models.MaskSecret(key)
		}
		if link.FiveHourLimit > 0 || link.WeeklyLimit > 0 {
			setManualLimits(&acc, link.FiveHourLimit, link.WeeklyLimit)
		}
		state.Accounts = append(state.Accounts, acc)
		linked = acc.Sanitized()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.AuditWithContext(ctx, logging.NewAuditEvent(logging.AccountLinked, logging.StatusSuccess).
		WithAccount(linked.ID, string(linked.Provider)).
		WithDetails(map[string]any{"auth_method": string(models.AuthAPI), "manual_limits": linked.ManualLimits}))
	return &linked, nil
}

// RemoveAccount deletes an account.
func (s *Service) RemoveAccount(ctx context.Context, accountID string) error {
	var removed models.ConnectedAccount
	_, err := s.store.Update(ctx, func(state *models.ConnectorState) error {
		i := state.Accounts.IndexOf(accountID)
		if i < 0 {
			return accountNotFound(accountID)
		}
		removed = state.Accounts[i]
		state.Accounts = append(state.Accounts[:i], state.Accounts[i+1:]...)
		return nil
	})
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.ForgetAccount(accountID)
	}
	s.logger.AuditWithContext(ctx, logging.NewAuditEvent(logging.AccountRemoved, logging.StatusSuccess).
		WithAccount(removed.ID, string(removed.Provider)))
	return nil
}

// UpdateAccountSettings applies a partial update to an account.
func (s *Service) UpdateAccountSettings(ctx context.Context, accountID string, settings AccountSettings) (*models.ConnectedAccount, error) {
	if (settings.FiveHourLimit != nil && *settings.FiveHourLimit < 0) ||
		(settings.WeeklyLimit != nil && *settings.WeeklyLimit < 0) {
		return nil, &errors.ErrInput{Field: "limits", Err: fmt.Errorf("limits cannot be negative")}
	}

	var updated models.ConnectedAccount
	changes := map[string]any{}
	_, err := s.store.Update(ctx, func(state *models.ConnectorState) error {
		acc, ok := state.Accounts.FindByID(accountID)
		if !ok {
			return accountNotFound(accountID)
		}
		now := s.now()

		if settings.DisplayName != nil {
			acc.DisplayName = strings.TrimSpace(*settings.DisplayName)
			changes["display_name"] = true
		}
		if settings.Enabled != nil {
			acc.Enabled = *settings.Enabled
			changes["enabled"] = acc.Enabled
		}
		switch {
		case settings.ClearManualLimits:
			acc.ManualLimits = false
			acc.Quota = models.NewQuotaState(now)
			acc.LastSyncAttemptAt = time.Time{}
			changes["manual_limits"] = false
		case settings.FiveHourLimit != nil || settings.WeeklyLimit != nil:
			five, weekly := acc.Quota.FiveHour.Limit, acc.Quota.Weekly.Limit
			if !acc.ManualLimits {
				five, weekly = 0, 0
			}
			if settings.FiveHourLimit != nil {
				five = *settings.FiveHourLimit
			}
			if settings.WeeklyLimit != nil {
				weekly = *settings.WeeklyLimit
			}
			if five == 0 && weekly == 0 {
				return &errors.ErrInput{Field: "limits", Err: fmt.Errorf("at least one limit must be positive")}
			}
			setManualLimits(acc, five, weekly)
			changes["manual_limits"] = true
		}

		if err := acc.Validate(); err != nil {
			return &errors.ErrInput{Field: "settings", Err: err}
		}
		acc.UpdatedAt = now
		updated = acc.Sanitized()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.AuditWithContext(ctx, logging.NewAuditEvent(logging.AccountUpdated, logging.StatusSuccess).
		WithAccount(updated.ID, string(updated.Provider)).
		WithDetails(changes))
	return &updated, nil
}

// setManualLimits switches both windows to unit counting with the given
// limits. A zero limit mirrors the other window so the account stays usable.
func setManualLimits(acc *models.ConnectedAccount, five, weekly int) {
	if five == 0 {
		five = weekly
	}
	if weekly == 0 {
		weekly = five
	}
	acc.ManualLimits = true
	acc.Estimate = models.UsageEstimate{}
	for _, w := range []struct {
		window *models.QuotaWindow
		limit  int
	}{{&acc.Quota.FiveHour, five}, {&acc.Quota.Weekly, weekly}} {
		if w.window.Mode != models.QuotaModeUnits {
			w.window.Used = 0
		}
		w.window.Mode = models.QuotaModeUnits
		w.window.Limit = w.limit
		w.window.ResetsAt = nil
		w.window.Clamp()
	}
	if acc.QuotaSyncStatus != models.SyncLive {
		acc.QuotaSyncStatus = models.SyncStale
	}
}

// ResetSync clears the sync error and issue of an account and marks it due
// for the next pass.
func (s *Service) ResetSync(ctx context.Context, accountID string) error {
	var acc models.ConnectedAccount
	_, err := s.store.Update(ctx, func(state *models.ConnectorState) error {
		a, ok := state.Accounts.FindByID(accountID)
		if !ok {
			return accountNotFound(accountID)
		}
		a.SyncError = ""
		a.SyncIssue = nil
		a.LastSyncAttemptAt = time.Time{}
		a.UpdatedAt = s.now()
		acc = *a
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.AuditWithContext(ctx, logging.NewAuditEvent(logging.AccountVerified, logging.StatusSuccess).
		WithAccount(acc.ID, string(acc.Provider)))
	return nil
}

// ConnectorKey returns the current connector key.
func (s *Service) ConnectorKey(ctx context.Context) (string, error) {
	state, err := s.store.Read(ctx)
	if err != nil {
		return "", err
	}
	return state.ConnectorKey, nil
}

// RotateConnectorKey replaces the connector key and returns the new one.
func (s *Service) RotateConnectorKey(ctx context.Context) (string, error) {
	key := store.NewConnectorKey()
	_, err := s.store.Update(ctx, func(state *models.ConnectorState) error {
		state.ConnectorKey = key
		return nil
	})
	if err != nil {
		s.logger.AuditWithContext(ctx, logging.NewAuditEvent(logging.KeyRotated, logging.StatusFailure).WithError(err))
		return "", err
	}
	s.logger.AuditWithContext(ctx, logging.NewAuditEvent(logging.KeyRotated, logging.StatusSuccess))
	return key, nil
}

// GetRoutingPreferences returns the stored preferences.
func (s *Service) GetRoutingPreferences(ctx context.Context) (models.RoutingPreferences, error) {
	state, err := s.store.Read(ctx)
	if err != nil {
		return models.RoutingPreferences{}, err
	}
	return state.Preferences.Clone(), nil
}

// SetRoutingPreferences validates, normalizes and stores prefs.
func (s *Service) SetRoutingPreferences(ctx context.Context, prefs models.RoutingPreferences) (models.RoutingPreferences, error) {
	normalized, err := models.NormalizePreferences(prefs)
	if err != nil {
		return models.RoutingPreferences{}, &errors.ErrInput{
			Field: "preferences",
			Err:   fmt.Errorf("%w: %v", errors.ErrInvalidPreferences, err),
		}
	}

	_, err = s.store.Update(ctx, func(state *models.ConnectorState) error {
		state.Preferences = normalized.Clone()
		return nil
	})
	if err != nil {
		return models.RoutingPreferences{}, err
	}

	s.logger.AuditWithContext(ctx, logging.NewAuditEvent(logging.PreferencesChanged, logging.StatusSuccess).
		WithDetails(map[string]any{
			"preferred_provider": normalized.PreferredProvider,
			"fallback_providers": normalized.FallbackProviders,
			"priority_models":    normalized.PriorityModels,
		}))
	return normalized, nil
}

// SetStrictLiveQuota toggles strict-live mode, in which only accounts with
// live provider data are routed to.
func (s *Service) SetStrictLiveQuota(ctx context.Context, enabled bool) error {
	_, err := s.store.Update(ctx, func(state *models.ConnectorState) error {
		state.StrictLiveQuota = enabled
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.AuditWithContext(ctx, logging.NewAuditEvent(logging.StrictModeChanged, logging.StatusSuccess).
		WithDetails(map[string]any{"enabled": enabled}))
	return nil
}
