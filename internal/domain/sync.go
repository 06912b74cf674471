package domain

import (
	"context"
	"time"
)

// SyncOutcome is the result class of one transaction
type SyncOutcome string

const (
	OutcomeSuccess SyncOutcome = "success"
	OutcomeFailed  SyncOutcome = "failed"
	OutcomeBusy    SyncOutcome = "busy"
)

// SyncState is the per-entity transaction state
type SyncState string

const (
	StateIdle        SyncState = "idle"
	StateDownloading SyncState = "downloading"
	StateMerging     SyncState = "merging"
	StateUploading   SyncState = "uploading"
	StateCaching     SyncState = "caching"
	StateFailed      SyncState = "failed"
)

// SyncResult reports one transaction
type SyncResult struct {
	Kind     string      `json:"kind"`
	EntityID string      `json:"entity_id"`
	Outcome  SyncOutcome `json:"outcome"`
	Version  int         `json:"version,omitempty"`
	Err      error       `json:"-"`
}

// Succeeded reports whether the transaction completed
func (r SyncResult) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// BatchSummary aggregates one whole-repository run
type BatchSummary struct {
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Busy      int           `json:"busy"`
	Duration  time.Duration `json:"duration"`
	// Skipped is set when the run was dropped because another was in progress
	Skipped bool `json:"skipped,omitempty"`
}

// Add counts one result
func (s *BatchSummary) Add(r SyncResult) {
	switch r.Outcome {
	case OutcomeSuccess:
		s.Succeeded++
	case OutcomeBusy:
		s.Busy++
	default:
		s.Failed++
	}
}

// Merger reconciles a local and a remote version of one entity
type Merger interface {
	Merge(local, remote *Entity, id, attribution string) *Entity
}

// EntitySyncer runs sync transactions for one entity kind
type EntitySyncer interface {
	Kind() string
	KnownIDs(ctx context.Context) ([]string, error)
	SyncEntity(ctx context.Context, id string, override *Entity) SyncResult
}

// BatchSyncer runs SyncEntity over many ids, results in input order
type BatchSyncer interface {
	SyncAll(ctx context.Context, syncer EntitySyncer, ids []string) ([]SyncResult, error)
}

// PointUpdate is a validation/approval update for one item
type PointUpdate struct {
	IsValidated       bool       `json:"isValidated"`
	ValidatedBy       string     `json:"validatedBy"`
	ValidatedDate     *time.Time `json:"validatedDate,omitempty"`
	ValidationComment string     `json:"comment"`
	IsApproved        bool       `json:"isApproved"`
	ApprovedBy        string     `json:"approvedBy"`
	ApprovedDate      *time.Time `json:"approvedDate,omitempty"`
	ApprovalComment   string     `json:"approvalComment"`
}

// ModuleValidation is a batch of point updates for one module
type ModuleValidation struct {
	Points            map[int]PointUpdate `json:"validatedPoints"`
	ModuleStatus      string              `json:"moduleStatus"`
	LastValidatedBy   string              `json:"lastValidatedBy"`
	LastValidatedDate *time.Time          `json:"lastValidatedDate,omitempty"`
}
