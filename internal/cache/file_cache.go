package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/your-org/checksync/internal/domain"
)

const tempFilePrefix = ".tmp-"

// FileCache is the durable local cache of one entity kind.
// Every entity lives in "{kind}/{Prefix}_{id}.json" on the given filesystem;
// writes go to a temp file first and are renamed into place.
type FileCache struct {
	fs     billy.Filesystem
	kind   domain.EntityKind
	dir    string
	memo   domain.EntityMemo
	logger *zap.Logger
}

// NewFileCache creates the kind folder if needed. memo may be nil.
func NewFileCache(fs billy.Filesystem, kind domain.EntityKind, memo domain.EntityMemo, logger *zap.Logger) (*FileCache, error) {
	if kind.Name == "" || kind.Prefix == "" {
		return nil, fmt.Errorf("%w: kind name and prefix are required", domain.ErrUnknownKind)
	}
	dir := kind.Name
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache folder %s: %w", dir, err)
	}
	return &FileCache{
		fs:     fs,
		kind:   kind,
		dir:    dir,
		memo:   memo,
		logger: logger.With(zap.String("kind", kind.Name)),
	}, nil
}

func (c *FileCache) memoKey(id string) string {
	return c.kind.Name + ":" + id
}

func (c *FileCache) path(id string) string {
	return c.fs.Join(c.dir, c.kind.FileName(id))
}

// Load returns the cached entity; nil when absent or unreadable (implements domain.LocalCache)
func (c *FileCache) Load(ctx context.Context, id string) (*domain.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := domain.ValidateID(id); err != nil {
		return nil, err
	}

	if c.memo != nil {
		if cached, ok := c.memo.Get(ctx, c.memoKey(id)); ok {
			return cached, nil
		}
	}

	filePath := c.path(id)
	data, err := util.ReadFile(c.fs, filePath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("cache file unreadable, treating as absent",
				zap.String("entity_id", id),
				zap.String("path", filePath),
				zap.Error(err),
			)
		}
		return nil, nil
	}

	entity, err := domain.UnmarshalEntity(data)
	if err != nil {
		c.logger.Warn("cache file corrupt, treating as absent",
			zap.String("entity_id", id),
			zap.String("path", filePath),
			zap.Error(err),
		)
		return nil, nil
	}
	if entity.ID != id {
		c.logger.Warn("cache file holds another entity, treating as absent",
			zap.String("entity_id", id),
			zap.String("found_id", entity.ID),
		)
		return nil, nil
	}

	if c.memo != nil {
		_ = c.memo.Set(ctx, c.memoKey(id), entity)
	}
	return entity, nil
}

// Save writes the entity atomically (implements domain.LocalCache)
func (c *FileCache) Save(ctx context.Context, entity *domain.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entity == nil {
		return fmt.Errorf("%w: entity is nil", domain.ErrInvalidEntity)
	}
	if err := domain.ValidateID(entity.ID); err != nil {
		return err
	}

	data, err := domain.MarshalEntity(entity)
	if err != nil {
		return err
	}

	tmpPath := c.fs.Join(c.dir, tempFilePrefix+uuid.NewString())
	if err := util.WriteFile(c.fs, tmpPath, data, 0o644); err != nil {
		_ = c.fs.Remove(tmpPath)
		return fmt.Errorf("write temp cache file: %w", err)
	}

	finalPath := c.path(entity.ID)
	if err := c.fs.Rename(tmpPath, finalPath); err != nil {
		_ = c.fs.Remove(tmpPath)
		return fmt.Errorf("replace cache file %s: %w", finalPath, err)
	}

	if c.memo != nil {
		if err := c.memo.Set(ctx, c.memoKey(entity.ID), entity); err != nil {
			// disk is the source of truth; drop the stale memo entry instead
			_ = c.memo.Delete(context.Background(), c.memoKey(entity.ID))
		}
	}

	c.logger.Debug("entity cached",
		zap.String("entity_id", entity.ID),
		zap.Int("version", entity.Version),
	)
	return nil
}

// ListKnownIDs enumerates ids from cache file names (implements domain.LocalCache)
func (c *FileCache) ListKnownIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := c.fs.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list cache folder %s: %w", c.dir, err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if id, ok := c.kind.IDFromFileName(entry.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Kind returns the entity kind served by this cache
func (c *FileCache) Kind() domain.EntityKind {
	return c.kind
}

// Verify that FileCache implements domain.LocalCache interface
var _ domain.LocalCache = (*FileCache)(nil)
