package models

import "time"

// ConnectivitySnapshot is the published connectivity state.
type ConnectivitySnapshot struct {
	Online        bool      `json:"online"`
	LastChangedAt time.Time `json:"last_changed_at"`
	Source        string    `json:"source,omitempty"`
}

// Label renders the state for status lines.
func (s ConnectivitySnapshot) Label() string {
	if s.Online {
		return "online"
	}
	return "offline"
}
