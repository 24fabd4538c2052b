// Package store persists the connector state: the connector key, every
// connected account and the routing preferences. All mutation goes through
// Update, which serializes read-modify-write cycles.
package store

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/quotaguard/quotamux/internal/models"
)

// ConnectorKeyPrefix marks connector keys so they are recognizable in configs.
const ConnectorKeyPrefix = "qmx_"

// Mutator edits the state in place. Returning an error aborts the update and
// leaves the stored state untouched.
type Mutator func(state *models.ConnectorState) error

// Store is the account store. Read returns a snapshot the caller owns; Update
// applies mutate atomically and returns a snapshot of the result.
type Store interface {
	Read(ctx context.Context) (*models.ConnectorState, error)
	Update(ctx context.Context, mutate Mutator) (*models.ConnectorState, error)
	Close() error
}

// Defaults seed a fresh connector state.
type Defaults struct {
	Preferences     models.RoutingPreferences
	StrictLiveQuota bool
}

func (d Defaults) newState(now time.Time) *models.ConnectorState {
	state := models.NewConnectorState(NewConnectorKey(), now)
	if prefs, err := models.NormalizePreferences(d.Preferences); err == nil {
		state.Preferences = prefs
	}
	state.StrictLiveQuota = d.StrictLiveQuota
	return state
}

// NewConnectorKey returns a fresh random connector key.
func NewConnectorKey() string {
	return ConnectorKeyPrefix + rand.Text() + rand.Text()
}

// apply runs mutate on a copy of current and stamps the result.
func apply(current *models.ConnectorState, mutate Mutator, now time.Time) (*models.ConnectorState, error) {
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if next.Version == 0 {
		next.Version = models.StateVersion
	}
	if next.Accounts == nil {
		next.Accounts = models.AccountSlice{}
	}
	next.UpdatedAt = now
	return next, nil
}
