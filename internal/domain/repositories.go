package domain

import (
	"context"
	"time"
)

// RemoteHandle identifies a document found in the remote store
type RemoteHandle struct {
	Path       string
	Size       int64
	ModifiedAt time.Time
}

// RemoteStore is the contract of the central document store.
// Expected failures (offline, permission, timeout) are returned as errors
// wrapping ErrRemoteUnavailable; implementations never panic.
type RemoteStore interface {
	// Find returns nil, nil when nothing exists at path
	Find(ctx context.Context, path string) (*RemoteHandle, error)

	// Download fetches the raw bytes of a found document
	Download(ctx context.Context, handle *RemoteHandle) ([]byte, error)

	// Upload creates or overwrites the document at path
	Upload(ctx context.Context, path string, data []byte) error

	// EnsureFolder creates the folder if missing; callers tolerate failures
	EnsureFolder(ctx context.Context, path string) error
}

// HealthChecker defines the interface for health checks
type HealthChecker interface {
	// CheckConnection checks if the remote store is reachable
	CheckConnection(ctx context.Context) error
}

// JournalEntry is one recorded sync transaction
type JournalEntry struct {
	ID          string        `json:"id"`
	Kind        string        `json:"kind"`
	EntityID    string        `json:"entity_id"`
	Outcome     SyncOutcome   `json:"outcome"`
	Version     int           `json:"version"`
	Attribution string        `json:"attribution"`
	Message     string        `json:"message,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
}

// SyncJournal records sync transactions for auditing
type SyncJournal interface {
	Record(ctx context.Context, entry JournalEntry) error
	Recent(ctx context.Context, kind, entityID string, limit int) ([]JournalEntry, error)
}
