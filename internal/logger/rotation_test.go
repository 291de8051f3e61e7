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

func TestNewRotatingWriterCreatesDirectory(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "subdir", "tenantlink.log")

	rw, err := NewRotatingWriter(logFile, RotationOptions{MaxSizeMB: 10, MaxAgeDays: 7})
	require.NoError(t, err)
	defer rw.Close()

	_, err = os.Stat(logFile)
	assert.NoError(t, err)
}

func TestRotatingWriterWrite(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "tenantlink.log")

	rw, err := NewRotatingWriter(logFile, RotationOptions{MaxSizeMB: 1, MaxAgeDays: 7})
	require.NoError(t, err)
	defer rw.Close()

	data := []byte("session started\n")
	n, err := rw.Write(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, "session started\n", string(content))
}

func TestRotatingWriterRotatesWhenFull(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "tenantlink.log")

	rw, err := NewRotatingWriter(logFile, RotationOptions{MaxSizeMB: 1})
	require.NoError(t, err)
	defer rw.Close()
	rw.maxBytes = 100

	_, err = rw.Write([]byte(strings.Repeat("a", 80)))
	require.NoError(t, err)
	_, err = rw.Write([]byte(strings.Repeat("b", 80)))
	require.NoError(t, err)

	rotated, err := filepath.Glob(filepath.Join(dir, "tenantlink.log.*"))
	require.NoError(t, err)
	require.Len(t, rotated, 1)

	old, err := os.ReadFile(rotated[0])
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", 80), string(old))

	current, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("b", 80), string(current))
}

func TestRotatingWriterZeroSizeNeverRotates(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "tenantlink.log")

	rw, err := NewRotatingWriter(logFile, RotationOptions{})
	require.NoError(t, err)
	defer rw.Close()

	for i := 0; i < 5; i++ {
		_, err = rw.Write([]byte(strings.Repeat("x", 200)))
		require.NoError(t, err)
	}

	rotated, err := filepath.Glob(filepath.Join(dir, "tenantlink.log.*"))
	require.NoError(t, err)
	assert.Empty(t, rotated)
}

func TestRotatingWriterWriteAfterClose(t *testing.T) {
	rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "tenantlink.log"), RotationOptions{MaxSizeMB: 10})
	require.NoError(t, err)

	require.NoError(t, rw.Close())
	assert.NoError(t, rw.Close())

	_, err = rw.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestCompressFile(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "tenantlink.log.1")
	require.NoError(t, os.WriteFile(testFile, []byte("test content"), 0o644))

	require.NoError(t, compressFile(testFile))

	_, err := os.Stat(testFile + ".gz")
	assert.NoError(t, err)
	_, err = os.Stat(testFile)
	assert.True(t, os.IsNotExist(err))
}

func TestPruneRemovesExpiredFiles(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "tenantlink.log")

	oldFile := logFile + ".20200101-120000.000"
	require.NoError(t, os.WriteFile(oldFile, []byte("old log"), 0o644))
	oldTime := time.Now().AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(oldFile, oldTime, oldTime))

	freshFile := logFile + ".20990101-120000.000"
	require.NoError(t, os.WriteFile(freshFile, []byte("fresh log"), 0o644))

	rw, err := NewRotatingWriter(logFile, RotationOptions{MaxSizeMB: 10, MaxAgeDays: 7})
	require.NoError(t, err)
	defer rw.Close()

	rw.prune()

	_, err = os.Stat(oldFile)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(freshFile)
	assert.NoError(t, err)
}

func TestPruneKeepsNewestBackups(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "tenantlink.log")

	stamps := []string{"20240101-120000.000", "20240102-120000.000", "20240103-120000.000"}
	for i, stamp := range stamps {
		path := logFile + "." + stamp
		require.NoError(t, os.WriteFile(path, []byte(stamp), 0o644))
		mod := time.Now().Add(time.Duration(i-len(stamps)) * time.Hour)
		require.NoError(t, os.Chtimes(path, mod, mod))
	}
	stray := logFile + ".notes"
	require.NoError(t, os.WriteFile(stray, []byte("keep"), 0o644))

	rw, err := NewRotatingWriter(logFile, RotationOptions{MaxBackups: 1})
	require.NoError(t, err)
	defer rw.Close()

	_, err = os.Stat(logFile + "." + stamps[2])
	assert.NoError(t, err)
	for _, stamp := range stamps[:2] {
		_, err = os.Stat(logFile + "." + stamp)
		assert.True(t, os.IsNotExist(err), stamp)
	}
	_, err = os.Stat(stray)
	assert.NoError(t, err)
}

func TestRotatingWriterCompressesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "tenantlink.log")

	rw, err := NewRotatingWriter(logFile, RotationOptions{MaxSizeMB: 1, Compress: true})
	require.NoError(t, err)
	rw.maxBytes = 10

	_, err = rw.Write([]byte("first line\n"))
	require.NoError(t, err)
	_, err = rw.Write([]byte("second line\n"))
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	gz, err := filepath.Glob(filepath.Join(dir, "tenantlink.log.*.gz"))
	require.NoError(t, err)
	assert.Len(t, gz, 1)
}

func TestRotatingWriterFileMode(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "audit.log")

	rw, err := NewRotatingWriter(logFile, RotationOptions{Mode: 0o600})
	require.NoError(t, err)
	defer rw.Close()

	info, err := os.Stat(logFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
