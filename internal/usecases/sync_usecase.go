package usecases

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/checksync/internal/domain"
	"github.com/your-org/checksync/internal/merge"
)

const defaultTransactionTimeout = 2 * time.Minute

// AttributionFunc returns the identity stamped on merged entities
type AttributionFunc func(ctx context.Context) string

// SyncConfig holds the per-kind settings of a coordinator
type SyncConfig struct {
	Kind               domain.EntityKind
	RemoteBaseFolder   string
	TransactionTimeout time.Duration
}

// SyncDeps are the collaborators of a coordinator.
// Journal and Clock are optional; Locks and Limiter may be shared between kinds.
type SyncDeps struct {
	Cache       domain.LocalCache
	Remote      domain.RemoteStore
	Merger      domain.Merger
	Observer    domain.Observer
	Journal     domain.SyncJournal
	Attribution AttributionFunc
	Locks       *LockTable
	Limiter     *TransferLimiter
	Clock       func() time.Time
}

// SyncUsecase runs sync transactions for one entity kind.
// A transaction downloads the remote document, merges it with the local
// copy, uploads the result and only then writes the local cache.
type SyncUsecase struct {
	kind        domain.EntityKind
	baseFolder  string
	timeout     time.Duration
	cache       domain.LocalCache
	remote      domain.RemoteStore
	health      domain.HealthChecker
	merger      domain.Merger
	observer    domain.Observer
	journal     domain.SyncJournal
	attribution AttributionFunc
	locks       *LockTable
	limiter     *TransferLimiter
	now         func() time.Time
	logger      *zap.Logger

	statesMu sync.RWMutex
	states   map[string]domain.SyncState
}

// NewSyncUsecase wires a coordinator for cfg.Kind
func NewSyncUsecase(cfg SyncConfig, deps SyncDeps, logger *zap.Logger) (*SyncUsecase, error) {
	if cfg.Kind.Name == "" || cfg.Kind.Prefix == "" {
		return nil, fmt.Errorf("%w: kind name and prefix are required", domain.ErrUnknownKind)
	}
	if deps.Cache == nil || deps.Remote == nil || deps.Merger == nil || deps.Observer == nil {
		return nil, errors.New("sync usecase: cache, remote, merger and observer are required")
	}
	if cfg.TransactionTimeout <= 0 {
		cfg.TransactionTimeout = defaultTransactionTimeout
	}
	if deps.Attribution == nil {
		deps.Attribution = func(context.Context) string { return "Unknown" }
	}
	if deps.Locks == nil {
		deps.Locks = NewLockTable(defaultLockShards)
	}
	if deps.Limiter == nil {
		deps.Limiter = NewTransferLimiter(0)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	u := &SyncUsecase{
		kind:        cfg.Kind,
		baseFolder:  cfg.RemoteBaseFolder,
		timeout:     cfg.TransactionTimeout,
		cache:       deps.Cache,
		remote:      deps.Remote,
		merger:      deps.Merger,
		observer:    deps.Observer,
		journal:     deps.Journal,
		attribution: deps.Attribution,
		locks:       deps.Locks,
		limiter:     deps.Limiter,
		now:         deps.Clock,
		logger:      logger.With(zap.String("kind", cfg.Kind.Name)),
		states:      make(map[string]domain.SyncState),
	}
	if hc, ok := deps.Remote.(domain.HealthChecker); ok {
		u.health = hc
	}
	return u, nil
}

// Kind implements domain.EntitySyncer
func (u *SyncUsecase) Kind() string {
	return u.kind.Name
}

// EntityKind returns the full kind descriptor
func (u *SyncUsecase) EntityKind() domain.EntityKind {
	return u.kind
}

// KnownIDs implements domain.EntitySyncer
func (u *SyncUsecase) KnownIDs(ctx context.Context) ([]string, error) {
	return u.cache.ListKnownIDs(ctx)
}

// Get returns the cached entity
func (u *SyncUsecase) Get(ctx context.Context, id string) (*domain.Entity, error) {
	entity, err := u.cache.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return nil, fmt.Errorf("%w: %s %s", domain.ErrNotFound, u.kind.Name, id)
	}
	return entity, nil
}

// State returns the transaction state of id
func (u *SyncUsecase) State(id string) domain.SyncState {
	u.statesMu.RLock()
	defer u.statesMu.RUnlock()

	if state, ok := u.states[id]; ok {
		return state
	}
	return domain.StateIdle
}

func (u *SyncUsecase) setState(id string, state domain.SyncState) {
	u.statesMu.Lock()
	u.states[id] = state
	u.statesMu.Unlock()
}

// History returns the most recent journal entries of id
func (u *SyncUsecase) History(ctx context.Context, id string, limit int) ([]domain.JournalEntry, error) {
	if u.journal == nil {
		return []domain.JournalEntry{}, nil
	}
	return u.journal.Recent(ctx, u.kind.Name, id, limit)
}

func (u *SyncUsecase) lockKey(id string) string {
	return u.kind.Name + ":" + id
}

// SyncEntity implements domain.EntitySyncer. A non-nil override replaces
// the cached copy as the local side of the merge.
func (u *SyncUsecase) SyncEntity(ctx context.Context, id string, override *domain.Entity) domain.SyncResult {
	if err := domain.ValidateID(id); err != nil {
		return u.reject(id, err)
	}
	if override != nil && override.ID != id {
		return u.reject(id, fmt.Errorf("%w: override id %q does not match %q", domain.ErrInvalidEntity, override.ID, id))
	}

	if !u.locks.TryLock(u.lockKey(id)) {
		return u.busy(id)
	}
	defer u.locks.Unlock(u.lockKey(id))

	return u.syncLocked(ctx, id, override)
}

func (u *SyncUsecase) reject(id string, err error) domain.SyncResult {
	u.observer.OnStatusChanged(u.kind.Name, domain.StatusError, fmt.Sprintf("Cannot sync %s: %v", id, err))
	return domain.SyncResult{Kind: u.kind.Name, EntityID: id, Outcome: domain.OutcomeFailed, Err: err}
}

func (u *SyncUsecase) busy(id string) domain.SyncResult {
	u.logger.Info("sync already in progress", zap.String("entity_id", id))
	u.observer.OnStatusChanged(u.kind.Name, domain.StatusWarning, fmt.Sprintf("Sync already in progress for %s", id))

	result := domain.SyncResult{Kind: u.kind.Name, EntityID: id, Outcome: domain.OutcomeBusy, Err: domain.ErrBusy}
	u.record(result, u.now(), "")
	return result
}

// syncLocked runs the transaction; the caller holds the lock of id
func (u *SyncUsecase) syncLocked(ctx context.Context, id string, override *domain.Entity) domain.SyncResult {
	started := u.now()
	attribution := u.attribution(ctx)

	// in-flight transfers are never cancelled by the caller going away
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.timeout)
	defer cancel()

	log := u.logger.With(zap.String("entity_id", id))
	u.observer.OnStatusChanged(u.kind.Name, domain.StatusInfo, fmt.Sprintf("Synchronizing %s...", id))

	fail := func(state domain.SyncState, message string, err error) domain.SyncResult {
		u.setState(id, domain.StateFailed)
		log.Error(message, zap.String("state", string(state)), zap.Error(err))
		u.observer.OnStatusChanged(u.kind.Name, domain.StatusError, fmt.Sprintf("%s for %s: %v", message, id, err))

		result := domain.SyncResult{Kind: u.kind.Name, EntityID: id, Outcome: domain.OutcomeFailed, Err: err}
		u.record(result, started, attribution)
		return result
	}

	// Downloading
	u.setState(id, domain.StateDownloading)
	if u.health != nil {
		if err := u.health.CheckConnection(ctx); err != nil {
			return fail(domain.StateDownloading, "Remote store not connected", err)
		}
	}
	remotePath := u.kind.RemotePath(u.baseFolder, id)
	remote, err := u.download(ctx, remotePath, id)
	if err != nil {
		return fail(domain.StateDownloading, "Download failed", err)
	}

	// Merging
	u.setState(id, domain.StateMerging)
	local := override
	if local == nil {
		if local, err = u.cache.Load(ctx, id); err != nil {
			return fail(domain.StateMerging, "Local cache read failed", err)
		}
	}
	merged := u.merger.Merge(local, remote, id, attribution)
	if ce := log.Check(zap.DebugLevel, "merged"); ce != nil {
		ce.Write(
			zap.Bool("had_local", local != nil),
			zap.Bool("had_remote", remote != nil),
			zap.Bool("local_changed", !merge.ContentEqual(local, merged)),
			zap.Int("version", merged.Version),
		)
	}

	// Uploading; a remote adopted verbatim is already published
	u.setState(id, domain.StateUploading)
	if remote == nil || merged.Version != remote.Version {
		if err := u.upload(ctx, remotePath, merged); err != nil {
			return fail(domain.StateUploading, "Upload failed", err)
		}
	}

	// Caching
	u.setState(id, domain.StateCaching)
	if err := u.cache.Save(ctx, merged); err != nil {
		return fail(domain.StateCaching, "Local cache write failed", err)
	}

	u.setState(id, domain.StateIdle)
	log.Info("entity synchronized",
		zap.Int("version", merged.Version),
		zap.Duration("duration", u.now().Sub(started)),
	)
	u.observer.OnSyncCompleted(u.kind.Name, id, merged.Version)
	u.observer.OnStatusChanged(u.kind.Name, domain.StatusSuccess, fmt.Sprintf("Synchronized %s (version %d)", id, merged.Version))

	result := domain.SyncResult{Kind: u.kind.Name, EntityID: id, Outcome: domain.OutcomeSuccess, Version: merged.Version}
	u.record(result, started, attribution)
	return result
}

// download returns the decoded remote entity, nil when there is none.
// Undecodable documents count as absent.
func (u *SyncUsecase) download(ctx context.Context, remotePath, id string) (*domain.Entity, error) {
	if err := u.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer u.limiter.Release()

	handle, err := u.remote.Find(ctx, remotePath)
	if err != nil {
		return nil, err
	}
	if handle == nil {
		u.logger.Debug("no remote document yet", zap.String("entity_id", id), zap.String("path", remotePath))
		return nil, nil
	}

	data, err := u.remote.Download(ctx, handle)
	if err != nil {
		return nil, err
	}

	entity, err := domain.UnmarshalEntity(data)
	if err == nil && entity.ID != id {
		err = fmt.Errorf("%w: document holds id %q", domain.ErrCorruptDocument, entity.ID)
	}
	if err != nil {
		u.logger.Warn("remote document corrupt, treating as absent",
			zap.String("entity_id", id),
			zap.String("path", remotePath),
			zap.Error(err),
		)
		u.observer.OnStatusChanged(u.kind.Name, domain.StatusWarning, fmt.Sprintf("Remote copy of %s is unreadable; it will be replaced", id))
		return nil, nil
	}
	return entity, nil
}

func (u *SyncUsecase) upload(ctx context.Context, remotePath string, entity *domain.Entity) error {
	data, err := domain.MarshalEntity(entity)
	if err != nil {
		return err
	}

	if err := u.limiter.Acquire(ctx); err != nil {
		return err
	}
	defer u.limiter.Release()

	folder := u.kind.RemoteFolder(u.baseFolder)
	if err := u.remote.EnsureFolder(ctx, folder); err != nil {
		// uploads may still succeed when the store creates folders on write
		u.logger.Warn("could not ensure remote folder",
			zap.String("folder", folder),
			zap.Error(err),
		)
	}

	return u.remote.Upload(ctx, remotePath, data)
}

// record writes the journal entry; failures are only logged
func (u *SyncUsecase) record(result domain.SyncResult, started time.Time, attribution string) {
	if u.journal == nil {
		return
	}

	entry := domain.JournalEntry{
		Kind:        result.Kind,
		EntityID:    result.EntityID,
		Outcome:     result.Outcome,
		Version:     result.Version,
		Attribution: attribution,
		StartedAt:   started,
		Duration:    u.now().Sub(started),
	}
	if result.Err != nil {
		entry.Message = result.Err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := u.journal.Record(ctx, entry); err != nil {
		u.logger.Warn("failed to record sync journal entry",
			zap.String("entity_id", result.EntityID),
			zap.Error(err),
		)
	}
}

// Verify that SyncUsecase implements domain.EntitySyncer interface
var _ domain.EntitySyncer = (*SyncUsecase)(nil)
