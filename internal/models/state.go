package models

import "time"

// StateVersion is the schema version of the persisted connector document.
const StateVersion = 1

// ConnectorState is the single aggregate persisted by the account store.
type ConnectorState struct {
	Version         int                `json:"version"`
	ConnectorKey    string             `json:"connector_key"`
	Accounts        AccountSlice       `json:"accounts"`
	Preferences     RoutingPreferences `json:"preferences"`
	StrictLiveQuota bool               `json:"strict_live_quota"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// NewConnectorState returns an empty state holding the given connector key.
func NewConnectorState(key string, now time.Time) *ConnectorState {
	return &ConnectorState{
		Version:      StateVersion,
		ConnectorKey: key,
		Accounts:     AccountSlice{},
		Preferences:  DefaultRoutingPreferences(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a deep copy so callers never share mutable state with the store.
func (s *ConnectorState) Clone() *ConnectorState {
	if s == nil {
		return nil
	}
	out := *s
	out.Accounts = make(AccountSlice, len(s.Accounts))
	for i, a := range s.Accounts {
		out.Accounts[i] = a.Clone()
	}
	out.Preferences = s.Preferences.Clone()
	return &out
}
