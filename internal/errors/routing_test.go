package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrAdmission(t *testing.T) {
	err := &ErrAdmission{Units: 5, Reason: "all exhausted"}
	if !errors.Is(err, ErrNoAvailableAccounts) {
		t.Fatalf("expected unwrap to ErrNoAvailableAccounts")
	}
	if errors.Is(err, ErrStrictLiveQuotaRequired) {
		t.Fatalf("non-strict admission must not match strict sentinel")
	}
	if !strings.Contains(err.Error(), "all exhausted") || !strings.Contains(err.Error(), "5 units") {
		t.Fatalf("unexpected message: %s", err.Error())
	}

	strict := &ErrAdmission{Units: 1, Strict: true}
	if !errors.Is(strict, ErrStrictLiveQuotaRequired) {
		t.Fatalf("expected unwrap to ErrStrictLiveQuotaRequired")
	}
}

func TestErrInput(t *testing.T) {
	err := &ErrInput{Field: "units", Err: ErrInvalidUnits}
	if !errors.Is(err, ErrInvalidUnits) {
		t.Fatalf("expected unwrap to ErrInvalidUnits")
	}
	if !strings.HasPrefix(err.Error(), "invalid units") {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, ""},
		{&ErrInput{Field: "body", Err: errors.New("bad")}, KindInput},
		{fmt.Errorf("wrap: %w", ErrInvalidUnits), KindInput},
		{ErrStateMismatch, KindInput},
		{ErrUnauthorized, KindAuthorization},
		{ErrOAuthProfileNotConfigured, KindAuthorization},
		{&ErrAdmission{Units: 1}, KindAdmission},
		{&ErrAdmission{Units: 1, Strict: true}, KindAdmission},
		{fmt.Errorf("remove: %w", ErrAccountNotFound), KindNotFound},
		{&ErrProviderSync{AccountID: "a", Provider: "codex", Message: "timeout"}, KindUpstream},
		{errors.New("disk full"), KindInternal},
	}

	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Fatalf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
