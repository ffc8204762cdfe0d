package model

import "time"

// MowerState is the published snapshot of one mower.
type MowerState struct {
	Serial             string    `json:"serial"`
	StateCode          int       `json:"state_code"`
	Description        string    `json:"description"`
	Detail             string    `json:"detail"`
	ErrorCode          *int      `json:"error_code,omitempty"`
	Position           *Position `json:"position,omitempty"`
	Runtime            *Runtime  `json:"runtime,omitempty"`
	Mowed              int       `json:"mowed"`
	MowMode            int       `json:"mow_mode"`
	MapUpdateAvailable bool      `json:"map_update_available"`
	Online             bool      `json:"online"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// NewMowerState derives the published view of a state payload.
func NewMowerState(serial string, st State, at time.Time) MowerState {
	return MowerState{
		Serial:             serial,
		StateCode:          st.Code,
		Description:        StateDescription(st.Code),
		Detail:             StateDetail(st.Code),
		ErrorCode:          st.Error,
		Position:           st.Position,
		Runtime:            st.Runtime,
		Mowed:              st.Mowed,
		MowMode:            st.MowMode,
		MapUpdateAvailable: st.MapUpdateAvailable,
		Online:             st.Code != StateOffline,
		UpdatedAt:          at.UTC(),
	}
}

// Equivalent compares two snapshots ignoring UpdatedAt.
func (m MowerState) Equivalent(o MowerState) bool {
	if m.Serial != o.Serial || m.StateCode != o.StateCode || m.Detail != o.Detail ||
		m.Online != o.Online || m.Mowed != o.Mowed || m.MowMode != o.MowMode ||
		m.MapUpdateAvailable != o.MapUpdateAvailable {
		return false
	}
	if !equalIntPtr(m.ErrorCode, o.ErrorCode) {
		return false
	}
	switch {
	case m.Position == nil && o.Position == nil:
	case m.Position == nil || o.Position == nil:
		return false
	case *m.Position != *o.Position:
		return false
	}
	switch {
	case m.Runtime == nil && o.Runtime == nil:
	case m.Runtime == nil || o.Runtime == nil:
		return false
	case *m.Runtime != *o.Runtime:
		return false
	}
	return true
}

func equalIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
