package oauth

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotaguard/quotamux/internal/errors"
	"github.com/quotaguard/quotamux/internal/models"
)

func verifyAccount(id string, p models.Provider, issue *models.SyncIssue) models.ConnectedAccount {
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	return models.ConnectedAccount{
		ID:                id,
		Provider:          p,
		AuthMethod:        models.AuthOAuth,
		ProviderAccountID: "user-" + id,
		AccessToken:       "tok-" + id,
		RefreshToken:      "ref-" + id,
		CreatedAt:         now,
		UpdatedAt:         now,
		Enabled:           true,
		QuotaSyncStatus:   models.SyncUnavailable,
		SyncError:         "verification required",
		SyncIssue:         issue,
		LastSyncAttemptAt: now,
		Quota:             models.NewQuotaState(now),
	}
}

func TestVerification_RoundTrip(t *testing.T) {
	issue := &models.SyncIssue{
		Code:           models.IssueVerificationRequired,
		Message:        "verify your account",
		RemediationURL: "https://claude.ai/verify",
	}
	f := newFixture(t, verifyAccount("a", models.ProviderClaude, issue))
	ctx := context.Background()
	f.syncer.onSync = func() {
		_, err := f.store.Update(ctx, func(s *models.ConnectorState) error {
			acc, _ := s.Accounts.FindByID("a")
			if acc.SyncIssue == nil {
				acc.QuotaSyncStatus = models.SyncLive
			}
			return nil
		})
		assert.NoError(t, err)
	}

	v, err := f.coord.StartVerification(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "https://claude.ai/verify", v.URL)
	assert.Equal(t, models.ProviderClaude, v.Provider)

	acc, err := f.coord.CompleteVerification(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, acc.SyncIssue)
	assert.Empty(t, acc.SyncError)
	assert.Equal(t, models.SyncLive, acc.QuotaSyncStatus)
	assert.Empty(t, acc.AccessToken)
	assert.Equal(t, int32(1), f.syncer.syncs.Load())

	_, err = f.coord.CompleteVerification(ctx, "a")
	assert.ErrorIs(t, err, errors.ErrVerificationNotPending)
}

func TestVerification_URLFallsBackToProfile(t *testing.T) {
	f := newFixture(t, verifyAccount("a", models.ProviderCodex, nil))

	v, err := f.coord.StartVerification(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "https://verify.example.com/openai", v.URL)
}

func TestVerification_StartErrors(t *testing.T) {
	f := newFixture(t, verifyAccount("a", models.ProviderGemini, nil))
	ctx := context.Background()

	_, err := f.coord.StartVerification(ctx, "a")
	var input *errors.ErrInput
	assert.True(t, stderrors.As(err, &input))

	_, err = f.coord.StartVerification(ctx, "missing")
	assert.ErrorIs(t, err, errors.ErrAccountNotFound)
}

func TestVerification_NotPending(t *testing.T) {
	f := newFixture(t, verifyAccount("a", models.ProviderCodex, nil))
	ctx := context.Background()

	_, err := f.coord.CompleteVerification(ctx, "a")
	assert.ErrorIs(t, err, errors.ErrVerificationNotPending)

	_, err = f.coord.StartVerification(ctx, "a")
	require.NoError(t, err)
	f.clock.Advance(PendingTTL + time.Second)

	_, err = f.coord.CompleteVerification(ctx, "a")
	assert.ErrorIs(t, err, errors.ErrVerificationNotPending)
	assert.Zero(t, f.syncer.syncs.Load())
}

func TestVerification_SyncFailureStillReturnsAccount(t *testing.T) {
	f := newFixture(t, verifyAccount("a", models.ProviderCodex, nil))
	f.syncer.syncErr = stderrors.New("upstream down")
	ctx := context.Background()

	_, err := f.coord.StartVerification(ctx, "a")
	require.NoError(t, err)

	acc, err := f.coord.CompleteVerification(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, acc.SyncError)
	assert.True(t, acc.LastSyncAttemptAt.IsZero())
}
