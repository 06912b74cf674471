package usecases

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/checksync/internal/domain"
)

// RecordModuleValidation applies a batch of point updates to one module
// and publishes the edited entity. Points missing from the module are
// skipped. The entity comes from the cache, or from the remote store when
// this machine has never synced it.
func (u *SyncUsecase) RecordModuleValidation(ctx context.Context, id, moduleID string, update domain.ModuleValidation) (domain.SyncResult, error) {
	if err := domain.ValidateID(id); err != nil {
		return domain.SyncResult{}, err
	}

	if !u.locks.TryLock(u.lockKey(id)) {
		return u.busy(id), nil
	}
	defer u.locks.Unlock(u.lockKey(id))

	entity, err := u.cache.Load(ctx, id)
	if err != nil {
		return domain.SyncResult{}, err
	}
	if entity == nil {
		if entity, err = u.download(ctx, u.kind.RemotePath(u.baseFolder, id), id); err != nil {
			return domain.SyncResult{}, err
		}
	}
	if entity == nil {
		return domain.SyncResult{}, fmt.Errorf("%w: %s %s", domain.ErrNotFound, u.kind.Name, id)
	}

	module, ok := entity.Children[moduleID]
	if !ok || module == nil {
		return domain.SyncResult{}, fmt.Errorf("%w: module %s in %s", domain.ErrNotFound, moduleID, id)
	}

	now := u.now().UTC()
	attribution := u.attribution(ctx)

	applied := 0
	for pointID, point := range update.Points {
		item := module.FindItem(pointID)
		if item == nil {
			u.logger.Debug("skipping unknown point",
				zap.String("entity_id", id),
				zap.String("module_id", moduleID),
				zap.Int("point_id", pointID),
			)
			continue
		}
		applyPoint(item, point, now)
		applied++
	}

	if update.ModuleStatus != "" {
		module.Status = update.ModuleStatus
		module.ValidatedBy = update.LastValidatedBy
		if module.ValidatedBy == "" {
			module.ValidatedBy = attribution
		}
		module.ValidatedDate = stampOrNow(update.LastValidatedDate, now)
	}

	entity.LastModifiedBy = attribution
	entity.LastModifiedDate = now

	u.logger.Info("module validation recorded",
		zap.String("entity_id", id),
		zap.String("module_id", moduleID),
		zap.Int("points", applied),
		zap.String("status", module.Status),
	)

	return u.syncLocked(ctx, id, entity), nil
}

func applyPoint(item *domain.Item, point domain.PointUpdate, now time.Time) {
	item.IsValidated = point.IsValidated
	item.ValidatedBy = point.ValidatedBy
	item.ValidationComment = point.ValidationComment
	if point.IsValidated {
		item.ValidatedDate = stampOrNow(point.ValidatedDate, now)
	} else {
		item.ValidatedDate = cloneStamp(point.ValidatedDate)
	}

	item.IsApproved = point.IsApproved
	item.ApprovedBy = point.ApprovedBy
	item.ApprovalComment = point.ApprovalComment
	if point.IsApproved {
		item.ApprovedDate = stampOrNow(point.ApprovedDate, now)
	} else {
		item.ApprovedDate = cloneStamp(point.ApprovedDate)
	}
}

func stampOrNow(t *time.Time, now time.Time) *time.Time {
	if t != nil {
		v := t.UTC()
		return &v
	}
	return &now
}

func cloneStamp(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// CreateEntity records the first local edit of an entity and publishes it.
// The draft's version is reset to 1 and its stamps are set by the engine.
func (u *SyncUsecase) CreateEntity(ctx context.Context, draft *domain.Entity) (domain.SyncResult, error) {
	if draft == nil {
		return domain.SyncResult{}, fmt.Errorf("%w: entity is nil", domain.ErrInvalidEntity)
	}
	if err := domain.ValidateID(draft.ID); err != nil {
		return domain.SyncResult{}, err
	}

	if !u.locks.TryLock(u.lockKey(draft.ID)) {
		return u.busy(draft.ID), nil
	}
	defer u.locks.Unlock(u.lockKey(draft.ID))

	existing, err := u.cache.Load(ctx, draft.ID)
	if err != nil {
		return domain.SyncResult{}, err
	}
	if existing != nil {
		return domain.SyncResult{}, fmt.Errorf("%w: %s %s", domain.ErrAlreadyExists, u.kind.Name, draft.ID)
	}

	now := u.now().UTC()
	attribution := u.attribution(ctx)

	entity := draft.Clone()
	entity.Version = 1
	if entity.CreatedBy == "" {
		entity.CreatedBy = attribution
	}
	if entity.CreatedDate.IsZero() {
		entity.CreatedDate = now
	}
	entity.LastModifiedBy = attribution
	entity.LastModifiedDate = now
	for key, child := range entity.Children {
		if child == nil {
			continue
		}
		if child.ID == "" {
			child.ID = key
		}
		if child.Status == "" {
			child.Status = domain.ChildStatusInProgress
		}
	}
	if err := entity.Validate(); err != nil {
		return domain.SyncResult{}, err
	}

	return u.syncLocked(ctx, entity.ID, entity), nil
}
