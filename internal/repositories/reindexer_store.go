package repositories

import (
	"context"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/restream/reindexer/v4"
	// cproto is the binary RPC binding; faster than the HTTP one
	_ "github.com/restream/reindexer/v4/bindings/cproto"
	"go.uber.org/zap"

	"github.com/your-org/checksync/internal/domain"
)

const (
	documentsNamespace = "remote_documents"
	foldersNamespace   = "remote_folders"

	defaultMaxRetries     = 3
	defaultRetryDelay     = 1 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultQueryTimeout   = 5 * time.Second
)

// remoteDocument is one stored entity document
type remoteDocument struct {
	Path      string `json:"path" reindex:"path,,pk"`
	Folder    string `json:"folder" reindex:"folder"`
	Content   string `json:"content"`
	Size      int64  `json:"size"`
	UpdatedAt int64  `json:"updated_at" reindex:"updated_at"`
}

// remoteFolder marks a folder as existing
type remoteFolder struct {
	Path      string `json:"path" reindex:"path,,pk"`
	CreatedAt int64  `json:"created_at"`
}

// HealthStatus holds the last known connection state
type HealthStatus struct {
	IsHealthy   bool
	LastCheck   time.Time
	LastError   error
	Connections int
}

// ReindexerStore keeps remote documents in a Reindexer database
// shared by every workstation. It pools connections, tracks health
// and creates its namespaces on first use.
type ReindexerStore struct {
	dsn            string
	maxConnections int
	logger         *zap.Logger

	mu          sync.RWMutex
	db          *reindexer.Reindexer
	connections []*reindexer.Reindexer
	poolSize    int
	next        atomic.Uint32

	// read lock-free by health checks
	healthStatus atomic.Value // *HealthStatus

	collectionsInitialized atomic.Bool
	collectionsMu          sync.Mutex
}

// NewReindexerStore connects with retries and returns the store
func NewReindexerStore(dsn string, maxConnections int, logger *zap.Logger) (*ReindexerStore, error) {
	if maxConnections < 1 {
		maxConnections = 1
	}

	store := &ReindexerStore{
		dsn:            dsn,
		maxConnections: maxConnections,
		logger:         logger,
		poolSize:       maxConnections,
		connections:    make([]*reindexer.Reindexer, 0, maxConnections),
	}

	store.healthStatus.Store(&HealthStatus{
		IsHealthy: false,
		LastCheck: time.Now(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	if err := store.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to reindexer: %w", err)
	}

	return store, nil
}

// Connect (re)establishes the main connection and the pool
func (r *ReindexerStore) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.connectWithRetry(ctx, defaultMaxRetries)
}

func (r *ReindexerStore) connectWithRetry(ctx context.Context, maxRetries int) error {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if attempt > 0 {
			delay := defaultRetryDelay * time.Duration(attempt)
			r.logger.Info("retrying reindexer connection",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
			)
			time.Sleep(delay)
		}

		db := reindexer.NewReindex(r.dsn, reindexer.WithCreateDBIfMissing())
		if err := r.testConnection(ctx, db); err != nil {
			lastErr = err
			db.Close()
			r.logger.Warn("reindexer connection test failed",
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}

		if r.db != nil {
			r.db.Close()
		}
		for _, conn := range r.connections {
			if conn != nil {
				conn.Close()
			}
		}

		r.db = db
		r.connections = make([]*reindexer.Reindexer, 0, r.poolSize)
		for i := 0; i < r.poolSize; i++ {
			conn := reindexer.NewReindex(r.dsn, reindexer.WithCreateDBIfMissing())
			if err := r.testConnection(ctx, conn); err != nil {
				conn.Close()
				r.logger.Warn("failed to open pooled connection",
					zap.Int("index", i),
					zap.Error(err),
				)
				continue
			}
			r.connections = append(r.connections, conn)
		}
		r.collectionsInitialized.Store(false)

		r.updateHealthStatus(true, nil, len(r.connections)+1)
		r.logger.Info("connected to reindexer",
			zap.Int("pool_size", len(r.connections)),
		)
		return nil
	}

	r.updateHealthStatus(false, lastErr, 0)
	return fmt.Errorf("%w: no connection after %d attempts: %v", domain.ErrRemoteUnavailable, maxRetries, lastErr)
}

// testConnection runs a cheap query against the server
func (r *ReindexerStore) testConnection(ctx context.Context, db *reindexer.Reindexer) error {
	if db == nil {
		return fmt.Errorf("connection is nil")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return db.Status().Err
}

// getConnection picks a pooled connection round-robin
func (r *ReindexerStore) getConnection() *reindexer.Reindexer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.connections) == 0 {
		return r.db
	}
	idx := r.next.Add(1) % uint32(len(r.connections))
	return r.connections[idx]
}

func (r *ReindexerStore) updateHealthStatus(isHealthy bool, err error, connections int) {
	r.healthStatus.Store(&HealthStatus{
		IsHealthy:   isHealthy,
		LastCheck:   time.Now(),
		LastError:   err,
		Connections: connections,
	})
}

// Health returns the last recorded connection state
func (r *ReindexerStore) Health() *HealthStatus {
	status, _ := r.healthStatus.Load().(*HealthStatus)
	if status == nil {
		return &HealthStatus{IsHealthy: false}
	}
	return status
}

func (r *ReindexerStore) markUnhealthy(err error) {
	r.updateHealthStatus(false, err, r.Health().Connections)
}

// EnsureCollections opens both namespaces on every connection once
func (r *ReindexerStore) EnsureCollections(ctx context.Context) error {
	if r.collectionsInitialized.Load() {
		return nil
	}

	r.collectionsMu.Lock()
	defer r.collectionsMu.Unlock()

	if r.collectionsInitialized.Load() {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.db == nil {
		return fmt.Errorf("%w: reindexer connection is not established", domain.ErrRemoteUnavailable)
	}

	opts := reindexer.DefaultNamespaceOptions()
	open := func(db *reindexer.Reindexer) error {
		if err := db.OpenNamespace(documentsNamespace, opts, remoteDocument{}); err != nil {
			return err
		}
		return db.OpenNamespace(foldersNamespace, opts, remoteFolder{})
	}

	if err := open(r.db); err != nil {
		return fmt.Errorf("%w: open namespaces: %v", domain.ErrRemoteUnavailable, err)
	}
	for i, conn := range r.connections {
		if conn == nil {
			continue
		}
		if err := open(conn); err != nil {
			r.logger.Warn("failed to open namespaces on pooled connection",
				zap.Int("index", i),
				zap.Error(err),
			)
		}
	}

	r.collectionsInitialized.Store(true)
	r.logger.Info("reindexer namespaces ready",
		zap.String("documents", documentsNamespace),
		zap.String("folders", foldersNamespace),
	)
	return nil
}

func (r *ReindexerStore) readyConnection(ctx context.Context) (*reindexer.Reindexer, error) {
	if err := r.EnsureCollections(ctx); err != nil {
		return nil, err
	}
	db := r.getConnection()
	if db == nil {
		return nil, fmt.Errorf("%w: no reindexer connection available", domain.ErrRemoteUnavailable)
	}
	return db, nil
}

func (r *ReindexerStore) fetch(ctx context.Context, logical string) (*remoteDocument, error) {
	db, err := r.readyConnection(ctx)
	if err != nil {
		return nil, err
	}

	iter := db.Query(documentsNamespace).Where("path", reindexer.EQ, logical).Exec()
	defer iter.Close()

	if err := iter.Error(); err != nil {
		r.markUnhealthy(err)
		return nil, fmt.Errorf("%w: query %s: %v", domain.ErrRemoteUnavailable, logical, err)
	}

	for iter.Next() {
		doc, ok := iter.Object().(*remoteDocument)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected item type %T", domain.ErrRemoteUnavailable, iter.Object())
		}
		return doc, nil
	}
	return nil, nil
}

// Find implements domain.RemoteStore
func (r *ReindexerStore) Find(ctx context.Context, logical string) (*domain.RemoteHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	doc, err := r.fetch(ctx, logical)
	if err != nil || doc == nil {
		return nil, err
	}
	return &domain.RemoteHandle{
		Path:       doc.Path,
		Size:       doc.Size,
		ModifiedAt: time.Unix(0, doc.UpdatedAt).UTC(),
	}, nil
}

// Download implements domain.RemoteStore
func (r *ReindexerStore) Download(ctx context.Context, handle *domain.RemoteHandle) ([]byte, error) {
	if handle == nil {
		return nil, fmt.Errorf("%w: nil handle", domain.ErrRemoteUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	doc, err := r.fetch(ctx, handle.Path)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s vanished after lookup", domain.ErrRemoteUnavailable, handle.Path)
	}
	return []byte(doc.Content), nil
}

// Upload implements domain.RemoteStore
func (r *ReindexerStore) Upload(ctx context.Context, logical string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	db, err := r.readyConnection(ctx)
	if err != nil {
		return err
	}

	doc := &remoteDocument{
		Path:      logical,
		Folder:    path.Dir(logical),
		Content:   string(data),
		Size:      int64(len(data)),
		UpdatedAt: time.Now().UnixNano(),
	}
	if err := db.Upsert(documentsNamespace, doc); err != nil {
		r.logger.Error("failed to upsert document",
			zap.String("path", logical),
			zap.Error(err),
		)
		r.markUnhealthy(err)
		return fmt.Errorf("%w: upsert %s: %v", domain.ErrRemoteUnavailable, logical, err)
	}
	return nil
}

// EnsureFolder implements domain.RemoteStore
func (r *ReindexerStore) EnsureFolder(ctx context.Context, logical string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	db, err := r.readyConnection(ctx)
	if err != nil {
		return err
	}
	if err := db.Upsert(foldersNamespace, &remoteFolder{Path: logical, CreatedAt: time.Now().UnixNano()}); err != nil {
		r.markUnhealthy(err)
		return fmt.Errorf("%w: create folder %s: %v", domain.ErrRemoteUnavailable, logical, err)
	}
	return nil
}

// CheckConnection implements domain.HealthChecker
func (r *ReindexerStore) CheckConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	r.mu.RLock()
	db := r.db
	r.mu.RUnlock()

	if db == nil {
		return fmt.Errorf("%w: connection is not established", domain.ErrRemoteUnavailable)
	}

	if err := r.testConnection(ctx, db); err != nil {
		r.markUnhealthy(err)
		return fmt.Errorf("%w: %v", domain.ErrRemoteUnavailable, err)
	}

	r.updateHealthStatus(true, nil, r.Health().Connections)
	return nil
}

// Close releases every connection
func (r *ReindexerStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.db != nil {
		r.db.Close()
		r.db = nil
	}
	for i, conn := range r.connections {
		if conn != nil {
			conn.Close()
			r.connections[i] = nil
		}
	}
	r.connections = r.connections[:0]
	r.updateHealthStatus(false, fmt.Errorf("connection closed"), 0)
	return nil
}

var (
	_ domain.RemoteStore   = (*ReindexerStore)(nil)
	_ domain.HealthChecker = (*ReindexerStore)(nil)
)
