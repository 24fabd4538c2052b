package errors

import (
	stderrors "errors"
	"fmt"
)

// Sentinels usable with errors.Is.
var (
	ErrUnauthorized              = stderrors.New("unauthorized")
	ErrInvalidUnits              = stderrors.New("units must be an integer between 1 and 1000")
	ErrInvalidProvider           = stderrors.New("invalid provider")
	ErrInvalidPreferences        = stderrors.New("invalid routing preferences")
	ErrNoAvailableAccounts       = stderrors.New("no available accounts")
	ErrStrictLiveQuotaRequired   = stderrors.New("strict live quota mode excludes every candidate account")
	ErrAccountNotFound           = stderrors.New("account not found")
	ErrStateMismatch             = stderrors.New("oauth state mismatch")
	ErrOAuthProfileNotConfigured = stderrors.New("oauth profile not configured")
	ErrVerificationNotPending    = stderrors.New("no verification pending for account")
)

// Input errors

type ErrInput struct {
	Field string
	Err   error
}

func (e *ErrInput) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ErrInput) Unwrap() error {
	return e.Err
}

// Admission errors

type ErrAdmission struct {
	Reason string
	Units  int
	Strict bool
}

func (e *ErrAdmission) Error() string {
	base := ErrNoAvailableAccounts
	if e.Strict {
		base = ErrStrictLiveQuotaRequired
	}
	if e.Reason != "" {
		return fmt.Sprintf("%v for %d units: %s", base, e.Units, e.Reason)
	}
	return fmt.Sprintf("%v for %d units", base, e.Units)
}

func (e *ErrAdmission) Unwrap() error {
	if e.Strict {
		return ErrStrictLiveQuotaRequired
	}
	return ErrNoAvailableAccounts
}

// Upstream errors

// Issue mirrors models.SyncIssue without importing models.
type Issue struct {
	Code           string
	Message        string
	RemediationURL string
}

type ErrProviderSync struct {
	AccountID string
	Provider  string
	Message   string
	Issue     *Issue
	Err       error
}

func (e *ErrProviderSync) Error() string {
	return fmt.Sprintf("%s sync failed for account %s: %s", e.Provider, e.AccountID, e.Message)
}

func (e *ErrProviderSync) Unwrap() error {
	return e.Err
}

// Kind groups errors for the HTTP layer.
type Kind string

const (
	KindInput         Kind = "input"
	KindAuthorization Kind = "authorization"
	KindAdmission     Kind = "admission"
	KindNotFound      Kind = "not_found"
	KindUpstream      Kind = "upstream"
	KindInternal      Kind = "internal"
)

// Classify returns the Kind of err.
func Classify(err error) Kind {
	var input *ErrInput
	var sync *ErrProviderSync
	switch {
	case err == nil:
		return ""
	case stderrors.As(err, &input),
		stderrors.Is(err, ErrInvalidUnits),
		stderrors.Is(err, ErrInvalidProvider),
		stderrors.Is(err, ErrInvalidPreferences),
		stderrors.Is(err, ErrStateMismatch),
		stderrors.Is(err, ErrVerificationNotPending):
		return KindInput
	case stderrors.Is(err, ErrUnauthorized), stderrors.Is(err, ErrOAuthProfileNotConfigured):
		return KindAuthorization
	case stderrors.Is(err, ErrNoAvailableAccounts), stderrors.Is(err, ErrStrictLiveQuotaRequired):
		return KindAdmission
	case stderrors.Is(err, ErrAccountNotFound):
		return KindNotFound
	case stderrors.As(err, &sync):
		return KindUpstream
	default:
		return KindInternal
	}
}
