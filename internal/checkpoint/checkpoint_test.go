package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/FranksOps/instaharvest/internal/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tmp")
	s := NewFileStore(dir)

	cursor, err := s.Load(resource.Post, resource.StageDiscovered)
	require.NoError(t, err)
	assert.Empty(t, cursor)

	require.NoError(t, s.Save(resource.Post, resource.StageDiscovered, "abc"))
	assert.FileExists(t, filepath.Join(dir, "post-discovered.cursor"))

	cursor, err = s.Load(resource.Post, resource.StageDiscovered)
	require.NoError(t, err)
	assert.Equal(t, "abc", cursor)

	// other stages are independent
	cursor, err = s.Load(resource.Post, resource.StageRetrieved)
	require.NoError(t, err)
	assert.Empty(t, cursor)

	require.NoError(t, s.Save(resource.Post, resource.StageDiscovered, "def"))
	cursor, _ = s.Load(resource.Post, resource.StageDiscovered)
	assert.Equal(t, "def", cursor)

	require.NoError(t, s.Clear(resource.Post, resource.StageDiscovered))
	assert.NoFileExists(t, filepath.Join(dir, "post-discovered.cursor"))
	require.NoError(t, s.Clear(resource.Post, resource.StageDiscovered))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no temporary files left behind")
}

func TestFileStore_SaveEmptyClears(t *testing.T) {
	s := NewFileStore(t.TempDir())
	require.NoError(t, s.Save(resource.User, resource.StageAll, "x"))
	require.NoError(t, s.Save(resource.User, resource.StageAll, ""))

	cursor, err := s.Load(resource.User, resource.StageAll)
	require.NoError(t, err)
	assert.Empty(t, cursor)
}
