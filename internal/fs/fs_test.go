package fs

import (
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateSecureFolder(t *testing.T) {
	folder := path.Join(t.TempDir(), "a", "b")
	require.NoError(t, CreateSecureFolder(folder))
	info, err := os.Stat(folder)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	// a second call accepts the folder it created
	require.NoError(t, CreateSecureFolder(folder))
}

func TestSecureDirWrongPerm(t *testing.T) {
	folder := path.Join(t.TempDir(), "config")
	require.NoError(t, os.Mkdir(folder, 0700))
	require.NoError(t, os.Chmod(folder, 0777))
	require.Error(t, CreateSecureFolder(folder))
}

func TestSecureFolderIsFile(t *testing.T) {
	file := path.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0600))
	require.Error(t, CreateSecureFolder(file))
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	ok, err := Exists(dir)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Exists(path.Join(dir, "nope"))
	require.NoError(t, err)
	require.False(t, ok)
}
