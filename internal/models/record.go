package models

import "time"

// SessionRecord is the local journal entry for a session this client started.
type SessionRecord struct {
	ID        string       `json:"id"`
	BrandName string       `json:"brand_name"`
	Email     string       `json:"email,omitempty"`
	LastState SessionState `json:"last_state"`
	LastError string       `json:"last_error,omitempty"`
	StartedAt time.Time    `json:"started_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// StateTransition is one observed state change of a journaled session.
type StateTransition struct {
	ID           string       `json:"id"`
	SessionID    string       `json:"session_id"`
	State        SessionState `json:"state"`
	ErrorMessage string       `json:"error_message,omitempty"`
	RecordedAt   time.Time    `json:"recorded_at"`
}
