package domain

import "time"

// StatusLevel is the severity of a status event
type StatusLevel string

const (
	StatusInfo    StatusLevel = "INFO"
	StatusSuccess StatusLevel = "SUCCESS"
	StatusWarning StatusLevel = "WARNING"
	StatusError   StatusLevel = "ERROR"
)

// EventType distinguishes status messages from completion notices
type EventType string

const (
	EventStatusChanged EventType = "status_changed"
	EventSyncCompleted EventType = "sync_completed"
)

// Event is what observers receive
type Event struct {
	Type     EventType   `json:"type"`
	Kind     string      `json:"kind,omitempty"`
	EntityID string      `json:"entity_id,omitempty"`
	Version  int         `json:"version,omitempty"`
	Level    StatusLevel `json:"level,omitempty"`
	Message  string      `json:"message,omitempty"`
	At       time.Time   `json:"at"`
}

// Observer receives status and completion notifications from the engine
type Observer interface {
	OnStatusChanged(kind string, level StatusLevel, message string)
	OnSyncCompleted(kind, id string, version int)
}
