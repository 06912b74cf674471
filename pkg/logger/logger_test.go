package logger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBeforeInitIsNop(t *testing.T) {
	if globalLogger != nil {
		t.Skip("logger already initialized")
	}
	assert.NotNil(t, Get())
	assert.NoError(t, Sync())
}

func TestInitWritesToOutputPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checksync.log")

	require.NoError(t, Init("debug", false, path))
	Get().Info("hello")
	_ = Sync()

	assert.FileExists(t, path)
	// once-guarded: a second Init is a no-op
	assert.NoError(t, Init("not-a-level", true))
}
