package domain

import "context"

// LocalCache defines durable storage of the last merged entity per id
type LocalCache interface {
	// Load returns the cached entity, or nil when absent or unreadable
	Load(ctx context.Context, id string) (*Entity, error)

	// Save persists the entity atomically, replacing any previous copy
	Save(ctx context.Context, entity *Entity) error

	// ListKnownIDs enumerates every id tracked on this machine
	ListKnownIDs(ctx context.Context) ([]string, error)
}

// EntityMemo defines the in-memory layer in front of the durable cache
type EntityMemo interface {
	Get(ctx context.Context, id string) (*Entity, bool)
	Set(ctx context.Context, id string, entity *Entity) error
	Delete(ctx context.Context, id string) error
	CleanExpired(ctx context.Context) error
}
