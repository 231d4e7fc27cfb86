package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFileLogger(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("creates new file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "test1.log")
		logger, err := NewFileLogger(path)
		require.NoError(t, err)
		defer logger.Close()

		_, err = os.Stat(path)
		assert.NoError(t, err)
	})

	t.Run("appends to existing file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "test2.log")
		require.NoError(t, os.WriteFile(path, []byte("existing content\n"), 0644))

		logger, err := NewFileLogger(path)
		require.NoError(t, err)
		_, err = logger.Write([]byte("new content\n"))
		require.NoError(t, err)
		require.NoError(t, logger.Close())

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(content), "existing content")
		assert.Contains(t, string(content), "new content")
	})

	t.Run("returns error for invalid path", func(t *testing.T) {
		_, err := NewFileLogger("/nonexistent/directory/file.log")
		assert.Error(t, err)
	})
}

func TestFileLogger_WriteAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "closed.log")
	logger, err := NewFileLogger(path)
	require.NoError(t, err)
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())

	n, err := logger.Write([]byte("should not appear"))
	assert.NoError(t, err)
	assert.Equal(t, len("should not appear"), n)
	assert.NoError(t, logger.Sync())

	content, _ := os.ReadFile(path)
	assert.NotContains(t, string(content), "should not appear")
}

func TestFileLogger_Concurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	logger, err := NewFileLogger(path)
	require.NoError(t, err)
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = logger.Write([]byte("message from goroutine\n"))
		}()
	}
	wg.Wait()

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	assert.Len(t, lines, 100)
}
