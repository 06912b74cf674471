// Package merge reconciles a local and a remote version of one entity.
//
// The entity-level LastModifiedDate picks which side is structurally
// authoritative (the base); the other side (the donor) may still add
// modules and items the base lacks, and overlay workflow fields of shared
// items whose own timestamp is newer than the base entity's stamp.
// Two users editing the same item inside one sync window resolve by the
// later item timestamp; there is no causality tracking.
package merge

import (
	"reflect"
	"time"

	"github.com/your-org/checksync/internal/domain"
)

// Engine implements domain.Merger. It never mutates its inputs.
type Engine struct {
	now func() time.Time
}

// NewEngine creates a merge engine; a nil clock means time.Now
func NewEngine(clock func() time.Time) *Engine {
	if clock == nil {
		clock = time.Now
	}
	return &Engine{now: clock}
}

// Merge produces one reconciled entity (implements domain.Merger)
func (e *Engine) Merge(local, remote *domain.Entity, id, attribution string) *domain.Entity {
	now := e.now().UTC()

	switch {
	case local == nil && remote == nil:
		return domain.NewEntity(id, attribution, now)

	case remote == nil:
		// Nothing published yet: local must be uploaded as a new version.
		merged := local.Clone()
		merged.Version++
		stamp(merged, attribution, now)
		return merged

	case local == nil:
		return remote.Clone()
	}

	base, donor := local, remote
	if remote.LastModifiedDate.After(local.LastModifiedDate) {
		base, donor = remote, local
	}

	merged := base.Clone()
	if merged.Children == nil {
		merged.Children = make(map[string]*domain.Child)
	}
	baseStamp := base.LastModifiedDate

	for key, donorChild := range donor.Children {
		if donorChild == nil {
			continue
		}
		mergedChild, ok := merged.Children[key]
		if !ok || mergedChild == nil {
			merged.Children[key] = donorChild.Clone()
			continue
		}
		mergeChild(mergedChild, donorChild, baseStamp)
	}

	merged.Version = max(local.Version, remote.Version) + 1
	stamp(merged, attribution, now)
	return merged
}

// mergeChild folds donor into target, which is already a copy of the base child
func mergeChild(target, donor *domain.Child, baseStamp time.Time) {
	if donor.ModifiedAt().After(baseStamp) {
		target.Status = donor.Status
		target.ValidatedBy = donor.ValidatedBy
		target.ValidatedDate = cloneTime(donor.ValidatedDate)
		target.ApprovedBy = donor.ApprovedBy
		target.ApprovedDate = cloneTime(donor.ApprovedDate)
	}

	for _, donorItem := range donor.Items {
		targetItem := target.FindItem(donorItem.ID)
		if targetItem == nil {
			target.Items = append(target.Items, donorItem.Clone())
			continue
		}
		if donorItem.ModifiedAt().After(baseStamp) {
			overlay := donorItem.Clone()
			targetItem.ValidationState = overlay.ValidationState
			targetItem.ApprovalState = overlay.ApprovalState
		}
	}
}

// ContentEqual reports whether a and b carry the same content,
// ignoring version and the entity-level modification stamp
func ContentEqual(a, b *domain.Entity) bool {
	if a == nil || b == nil {
		return a == b
	}
	left, right := a.Clone(), b.Clone()
	for _, e := range []*domain.Entity{left, right} {
		e.Version = 0
		e.LastModifiedBy = ""
		e.LastModifiedDate = time.Time{}
		if len(e.Children) == 0 {
			e.Children = nil
		}
	}
	return reflect.DeepEqual(left, right)
}

func stamp(e *domain.Entity, attribution string, now time.Time) {
	e.LastModifiedBy = attribution
	e.LastModifiedDate = now
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Verify that Engine implements domain.Merger interface
var _ domain.Merger = (*Engine)(nil)
