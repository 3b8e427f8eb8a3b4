package transfer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStoreWriteThenReadAt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "song.mp3")

	fs, err := CreateFileStore(path, 10)
	require.NoError(t, err)
	defer fs.Close()

	require.NoError(t, fs.WriteAt(0, []byte("hello")))
	require.NoError(t, fs.WriteAt(5, []byte("world")))

	buf := make([]byte, 10)
	n, err := fs.ReadAt(0, buf)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Equal(t, "helloworld", string(buf))
}

func TestOpenFileStoreReportsSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "song.mp3")

	fs, err := CreateFileStore(path, 42)
	require.NoError(t, err)
	require.NoError(t, fs.Close())

	reopened, err := OpenFileStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	require.EqualValues(t, 42, reopened.Size())
}
