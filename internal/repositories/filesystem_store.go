package repositories

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/your-org/checksync/internal/domain"
)

// FilesystemStore serves remote documents from a shared folder,
// e.g. a mounted network drive standing in for the vault.
// Logical paths like "$/Engineering/x.json" map below the root.
type FilesystemStore struct {
	fs     billy.Filesystem
	logger *zap.Logger
}

// NewFilesystemStore creates a store over fs
func NewFilesystemStore(fs billy.Filesystem, logger *zap.Logger) *FilesystemStore {
	return &FilesystemStore{fs: fs, logger: logger}
}

// localPath strips the vault root marker and makes the path relative
func localPath(logical string) string {
	p := strings.TrimPrefix(logical, "$")
	p = path.Clean("/" + strings.TrimPrefix(p, "/"))
	return strings.TrimPrefix(p, "/")
}

// Find implements domain.RemoteStore
func (s *FilesystemStore) Find(ctx context.Context, logical string) (*domain.RemoteHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := s.fs.Stat(localPath(logical))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: stat %s: %v", domain.ErrRemoteUnavailable, logical, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a folder", domain.ErrRemoteUnavailable, logical)
	}

	return &domain.RemoteHandle{
		Path:       logical,
		Size:       info.Size(),
		ModifiedAt: info.ModTime(),
	}, nil
}

// Download implements domain.RemoteStore
func (s *FilesystemStore) Download(ctx context.Context, handle *domain.RemoteHandle) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if handle == nil {
		return nil, fmt.Errorf("%w: nil handle", domain.ErrRemoteUnavailable)
	}

	data, err := util.ReadFile(s.fs, localPath(handle.Path))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrRemoteUnavailable, handle.Path, err)
	}
	return data, nil
}

// Upload implements domain.RemoteStore; readers never see a partial file
func (s *FilesystemStore) Upload(ctx context.Context, logical string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target := localPath(logical)
	tmp := path.Join(path.Dir(target), ".upload-"+uuid.NewString())

	if err := util.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("%w: write %s: %v", domain.ErrRemoteUnavailable, logical, err)
	}
	if err := s.fs.Rename(tmp, target); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("%w: replace %s: %v", domain.ErrRemoteUnavailable, logical, err)
	}

	s.logger.Debug("document uploaded",
		zap.String("path", logical),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// EnsureFolder implements domain.RemoteStore
func (s *FilesystemStore) EnsureFolder(ctx context.Context, logical string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fs.MkdirAll(localPath(logical), 0o755); err != nil {
		return fmt.Errorf("%w: create folder %s: %v", domain.ErrRemoteUnavailable, logical, err)
	}
	return nil
}

// CheckConnection reports whether the share root is reachable
func (s *FilesystemStore) CheckConnection(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.fs.ReadDir("."); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRemoteUnavailable, err)
	}
	return nil
}

var (
	_ domain.RemoteStore   = (*FilesystemStore)(nil)
	_ domain.HealthChecker = (*FilesystemStore)(nil)
)
