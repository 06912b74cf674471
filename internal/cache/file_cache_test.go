package cache

import (
	"context"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/checksync/internal/domain"
)

var acpKind = domain.EntityKind{Name: "acp", Prefix: "ACP", Folder: "ACP data"}

func newTestFileCache(t *testing.T, memo domain.EntityMemo) (*FileCache, *memfsHandle) {
	t.Helper()
	fs := memfs.New()
	fc, err := NewFileCache(fs, acpKind, memo, zaptest.NewLogger(t))
	require.NoError(t, err)
	return fc, &memfsHandle{fc: fc}
}

// memfsHandle gives tests raw access to the files behind a FileCache
type memfsHandle struct {
	fc *FileCache
}

func (h *memfsHandle) write(t *testing.T, name string, data []byte) {
	t.Helper()
	require.NoError(t, util.WriteFile(h.fc.fs, h.fc.fs.Join(h.fc.dir, name), data, 0o644))
}

func sampleEntity(id string) *domain.Entity {
	validated := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	e := domain.NewEntity(id, "JD", time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	e.ProjectNumber = "10516"
	e.Reference = "01"
	e.Children["M01"] = &domain.Child{
		ID:     "M01",
		Name:   "Frame",
		Status: domain.ChildStatusInProgress,
		Items: []domain.Item{
			{
				ID:              1,
				Title:           "Door clearance",
				IsApplicable:    true,
				ValidationState: domain.ValidationState{IsValidated: true, ValidatedBy: "AB", ValidatedDate: &validated},
			},
		},
	}
	return e
}

func TestFileCacheLoadAbsent(t *testing.T) {
	fc, _ := newTestFileCache(t, nil)

	got, err := fc.Load(context.Background(), "10516-01")

	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestFileCacheSaveLoadRoundTrip(t *testing.T) {
	fc, _ := newTestFileCache(t, nil)
	ctx := context.Background()
	e := sampleEntity("10516-01")

	require.NoError(t, fc.Save(ctx, e))
	got, err := fc.Load(ctx, "10516-01")

	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, e, got)
}

func TestFileCacheSaveReplacesPreviousCopy(t *testing.T) {
	fc, _ := newTestFileCache(t, nil)
	ctx := context.Background()
	e := sampleEntity("u1")

	require.NoError(t, fc.Save(ctx, e))
	e.Version = 2
	e.Reference = "02"
	require.NoError(t, fc.Save(ctx, e))

	got, err := fc.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "02", got.Reference)

	entries, err := fc.fs.ReadDir(fc.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not linger")
}

func TestFileCacheCorruptFileTreatedAsAbsent(t *testing.T) {
	fc, raw := newTestFileCache(t, nil)
	raw.write(t, "ACP_broken.json", []byte("{not json"))
	raw.write(t, "ACP_mismatch.json", []byte(`{"id":"other","version":1,"children":{}}`))

	got, err := fc.Load(context.Background(), "broken")
	assert.NoError(t, err)
	assert.Nil(t, got)

	got, err = fc.Load(context.Background(), "mismatch")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestFileCacheListKnownIDs(t *testing.T) {
	fc, raw := newTestFileCache(t, nil)
	ctx := context.Background()

	ids, err := fc.ListKnownIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, fc.Save(ctx, sampleEntity("b-2")))
	require.NoError(t, fc.Save(ctx, sampleEntity("a-1")))
	raw.write(t, "Checklist_x.json", []byte("{}"))
	raw.write(t, ".tmp-leftover", []byte("{}"))
	raw.write(t, "notes.txt", []byte("hello"))

	ids, err = fc.ListKnownIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-1", "b-2"}, ids)
}

func TestFileCacheRejectsInvalidIDs(t *testing.T) {
	fc, _ := newTestFileCache(t, nil)
	ctx := context.Background()

	_, err := fc.Load(ctx, "../escape")
	assert.ErrorIs(t, err, domain.ErrInvalidEntity)

	err = fc.Save(ctx, sampleEntity(""))
	assert.ErrorIs(t, err, domain.ErrInvalidEntity)

	err = fc.Save(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidEntity)
}

func TestFileCacheUsesMemo(t *testing.T) {
	memo := NewShardedCache(4, 3600)
	fc, raw := newTestFileCache(t, memo)
	ctx := context.Background()

	require.NoError(t, fc.Save(ctx, sampleEntity("u1")))

	// the memo answers even after the file is damaged
	raw.write(t, "ACP_u1.json", []byte("garbage"))
	got, err := fc.Load(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.ID)

	require.NoError(t, memo.Delete(ctx, "acp:u1"))
	got, err = fc.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFileCacheCancelledContext(t *testing.T) {
	fc, _ := newTestFileCache(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fc.Load(ctx, "u1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, fc.Save(ctx, sampleEntity("u1")), context.Canceled)
}
