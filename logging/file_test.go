package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLog(t *testing.T, path string) *FileLogger {
	t.Helper()
	l, err := NewFileLogger(path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestFileLogger_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taglink.log")
	require.NoError(t, os.WriteFile(path, []byte("before\n"), 0644))

	l := openLog(t, path)
	l.Log("controller %s connected", "line1")
	require.NoError(t, l.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "before", lines[0])
	assert.True(t, strings.HasSuffix(lines[1], " controller line1 connected"), lines[1])
}

func TestFileLogger_BadPath(t *testing.T) {
	_, err := NewFileLogger(filepath.Join(t.TempDir(), "missing", "taglink.log"))
	assert.Error(t, err)
}

func TestFileLogger_WriteAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taglink.log")
	l := openLog(t, path)

	n, err := l.Write([]byte("raw\n"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close(), "second close is a no-op")

	_, err = l.Write([]byte("late\n"))
	assert.ErrorIs(t, err, ErrClosed)

	content, _ := os.ReadFile(path)
	assert.Equal(t, "raw\n", string(content))
}

// The structured logger writes whole records, so concurrent goroutines never
// interleave within a line.
func TestFileLogger_BacksLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taglink.log")
	log := New(Options{Level: "info", Format: "json", Output: openLog(t, path)})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			log.With("controller", "line1").Info("tag changed", "n", n)
		}(i)
	}
	wg.Wait()
	log.Debug("filtered")

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 50)
	for _, line := range lines {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec), line)
		assert.Equal(t, "tag changed", rec["msg"])
		assert.Equal(t, "line1", rec["controller"])
		assert.Contains(t, rec, "ts")
	}
}
