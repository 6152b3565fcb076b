package wa

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthStoreLifecycle(t *testing.T) {
	root := t.TempDir()
	store := NewAuthStore(root)

	assert.Equal(t, filepath.Join(root, "auth_info_abc"), store.Dir("abc"))
	assert.False(t, store.Exists("abc"))

	require.NoError(t, os.MkdirAll(store.Dir("abc"), 0o700))
	assert.True(t, store.Exists("abc"))

	require.NoError(t, store.Delete("abc"))
	assert.False(t, store.Exists("abc"))
	require.NoError(t, store.Delete("abc"))
}

func TestAuthStorePurgeExcept(t *testing.T) {
	root := t.TempDir()
	store := NewAuthStore(root)
	for _, id := range []string{"keep", "drop1", "drop2"} {
		require.NoError(t, os.MkdirAll(store.Dir(id), 0o700))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "images"), 0o700))

	purged, err := store.PurgeExcept(map[string]bool{"keep": true})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"drop1", "drop2"}, purged)
	assert.True(t, store.Exists("keep"))
	assert.DirExists(t, filepath.Join(root, "images"))
}

func TestAuthStorePurgeMissingRoot(t *testing.T) {
	store := NewAuthStore(filepath.Join(t.TempDir(), "missing"))
	purged, err := store.PurgeExcept(nil)
	require.NoError(t, err)
	assert.Empty(t, purged)
}

func TestValidateSessionID(t *testing.T) {
	require.NoError(t, ValidateSessionID("session_0f8e-12"))
	require.ErrorIs(t, ValidateSessionID(""), ErrInvalidSessionID)
	require.ErrorIs(t, ValidateSessionID("a/b"), ErrInvalidSessionID)
}
