package oauth

import (
	"context"
	"fmt"
	"time"

	"github.com/quotaguard/quotamux/internal/errors"
	"github.com/quotaguard/quotamux/internal/models"
)

type pendingVerification struct {
	provider  models.Provider
	createdAt time.Time
}

// Verification is a started verification flow.
type Verification struct {
	AccountID string          `json:"account_id"`
	Provider  models.Provider `json:"provider"`
	URL       string          `json:"url"`
	ExpiresAt time.Time       `json:"expires_at"`
}

type verificationURLer interface {
	VerificationURL() string
}

// StartVerification returns the page where the user proves their identity for
// accountID. The URL comes from the account's sync issue, or failing that from
// the account's OAuth profile.
func (c *Coordinator) StartVerification(ctx context.Context, accountID string) (*Verification, error) {
	acc, err := c.linker.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	url := c.verificationURL(acc)
	if url == "" {
		return nil, &errors.ErrInput{
			Field: "account_id",
			Err:   fmt.Errorf("no verification page is known for %s accounts", acc.Provider),
		}
	}

	now := c.now()
	c.mu.Lock()
	pruned := prune(c.verifications, now, func(v *pendingVerification) time.Time { return v.createdAt })
	c.verifications[accountID] = &pendingVerification{provider: acc.Provider, createdAt: now}
	c.mu.Unlock()

	if pruned > 0 {
		c.record(flowVerify, "pruned")
	}
	c.record(flowVerify, "started")
	c.logger.InfoWithContext(ctx, "verification started", "account_id", accountID, "provider", string(acc.Provider))

	return &Verification{
		AccountID: accountID,
		Provider:  acc.Provider,
		URL:       url,
		ExpiresAt: now.Add(PendingTTL),
	}, nil
}

func (c *Coordinator) verificationURL(acc *models.ConnectedAccount) string {
	if acc.SyncIssue != nil && acc.SyncIssue.RemediationURL != "" {
		return acc.SyncIssue.RemediationURL
	}
	adapter, ok := c.registry.TokensFor(acc)
	if !ok {
		return ""
	}
	if v, ok := adapter.(verificationURLer); ok {
		return v.VerificationURL()
	}
	return ""
}

// CompleteVerification is called when the user returns from the verification
// page. It clears the account's sync issue, runs a pass and returns the
// account as the pass left it.
func (c *Coordinator) CompleteVerification(ctx context.Context, accountID string) (*models.ConnectedAccount, error) {
	c.mu.Lock()
	v, ok := c.verifications[accountID]
	if ok {
		delete(c.verifications, accountID)
	}
	c.mu.Unlock()
	if !ok || c.now().Sub(v.createdAt) > PendingTTL {
		c.record(flowVerify, "not_pending")
		return nil, fmt.Errorf("%w: %s", errors.ErrVerificationNotPending, accountID)
	}

	if err := c.linker.ResetSync(ctx, accountID); err != nil {
		c.record(flowVerify, "failed")
		return nil, err
	}
	if c.syncer != nil {
		if err := c.syncer.SyncFresh(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.WarnWithContext(ctx, "sync after verification failed",
				"account_id", accountID,
				"error", err)
		}
	}
	c.record(flowVerify, "completed")

	acc, err := c.linker.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	c.logger.InfoWithContext(ctx, "verification completed",
		"account_id", accountID,
		"provider", string(v.provider),
		"quota_sync_status", string(acc.QuotaSyncStatus))
	return acc, nil
}
