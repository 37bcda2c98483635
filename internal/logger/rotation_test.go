package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriterCreatesMissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "himari.log")

	w, err := NewRotatingWriter(path, 10, 7, false)
	require.NoError(t, err)
	defer w.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestRotatingWriterResumesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "himari.log")
	require.NoError(t, os.WriteFile(path, []byte("earlier run\n"), 0644))

	w, err := NewRotatingWriter(path, 10, 0, false)
	require.NoError(t, err)
	defer w.Close()

	// the size counter picks up where the previous process left off
	assert.EqualValues(t, len("earlier run\n"), w.size)

	_, err = w.Write([]byte("this run\n"))
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "earlier run\nthis run\n", string(content))
}

func TestRotatingWriterRotatesAtLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "himari.log")

	w, err := NewRotatingWriter(path, 10, 0, false)
	require.NoError(t, err)
	defer w.Close()
	w.limit = 32

	first := strings.Repeat("a", 30) + "\n"
	_, err = w.Write([]byte(first))
	require.NoError(t, err)

	second := "after rotation\n"
	_, err = w.Write([]byte(second))
	require.NoError(t, err)

	// the live file holds only the post-rotation write
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, second, string(content))

	rotated, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	require.Len(t, rotated, 1)
	aside, err := os.ReadFile(rotated[0])
	require.NoError(t, err)
	assert.Equal(t, first, string(aside))
}

func TestRotatingWriterCompressesRotated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "himari.log")

	w, err := NewRotatingWriter(path, 10, 0, true)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte("0123456789"))
	require.NoError(t, err)

	w.limit = 8
	_, err = w.Write([]byte("next"))
	require.NoError(t, err)

	rotated, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	require.Len(t, rotated, 1)
	assert.True(t, strings.HasSuffix(rotated[0], ".gz"))
}

func TestRotatingWriterPrunesExpired(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "himari.log")

	expired := path + ".20200101-120000"
	require.NoError(t, os.WriteFile(expired, []byte("old"), 0644))
	stale := time.Now().AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(expired, stale, stale))

	recent := path + "." + time.Now().Format(rotatedStamp)
	require.NoError(t, os.WriteFile(recent, []byte("new"), 0644))

	w, err := NewRotatingWriter(path, 10, 7, false)
	require.NoError(t, err)
	defer w.Close()

	_, err = os.Stat(expired)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(recent)
	assert.NoError(t, err)
}

func TestRotatingWriterCloseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "himari.log")
	w, err := NewRotatingWriter(path, 10, 7, false)
	require.NoError(t, err)

	assert.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}

func TestGzipFileReplacesOriginal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "himari.log.20260101-000000")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0644))

	require.NoError(t, gzipFile(path))

	_, err := os.Stat(path + ".gz")
	assert.NoError(t, err)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
