package sessionstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestLoad_MissingFile(t *testing.T) {
	svc := NewService(t.TempDir(), arbor.NewLogger())

	sessions, err := svc.Load()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(dir, arbor.NewLogger())

	require.NoError(t, svc.Save("alpha", "0", "session-a"))
	require.NoError(t, svc.Save("beta", "0", "session-b"))

	// A second process sees the same document
	reload := NewService(dir, arbor.NewLogger())
	sessions, err := reload.Load()
	require.NoError(t, err)
	assert.Equal(t, "session-a", sessions["alpha"]["0"])
	assert.Equal(t, "session-b", sessions["beta"]["0"])
}

func TestSave_OverwritesInstance(t *testing.T) {
	svc := NewService(t.TempDir(), arbor.NewLogger())

	require.NoError(t, svc.Save("alpha", "0", "old-session"))
	require.NoError(t, svc.Save("alpha", "0", "new-session"))

	sessions, err := svc.Load()
	require.NoError(t, err)
	assert.Equal(t, "new-session", sessions["alpha"]["0"])
	assert.Len(t, sessions["alpha"], 1)
}

func TestRemove_DeletesFileWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(dir, arbor.NewLogger())

	require.NoError(t, svc.Save("alpha", "0", "session-a"))
	require.NoError(t, svc.Save("beta", "0", "session-b"))

	require.NoError(t, svc.Remove("alpha", "0"))
	sessions, err := svc.Load()
	require.NoError(t, err)
	assert.NotContains(t, sessions, "alpha")
	assert.Contains(t, sessions, "beta")

	// Removing the last entry deletes the file itself
	require.NoError(t, svc.Remove("beta", "0"))
	_, err = os.Stat(filepath.Join(dir, fileName))
	assert.True(t, os.IsNotExist(err))
}

func TestRemove_UnknownTargetIsNoop(t *testing.T) {
	svc := NewService(t.TempDir(), arbor.NewLogger())
	require.NoError(t, svc.Save("alpha", "0", "session-a"))

	require.NoError(t, svc.Remove("ghost", "0"))

	sessions, err := svc.Load()
	require.NoError(t, err)
	assert.Equal(t, "session-a", sessions["alpha"]["0"])
}

func TestClear(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(dir, arbor.NewLogger())

	require.NoError(t, svc.Save("alpha", "0", "session-a"))
	require.NoError(t, svc.Clear())

	_, err := os.Stat(filepath.Join(dir, fileName))
	assert.True(t, os.IsNotExist(err))
}

func TestLoad_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, fileName), []byte("not json"), 0644))

	svc := NewService(dir, arbor.NewLogger())
	_, err := svc.Load()
	assert.Error(t, err)
}
