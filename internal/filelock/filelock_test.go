package filelock

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These cover the two paths taskforge actually exercises: sweep.go's
// snapshot lock (NewFileLock/Lock/Unlock) and breaker.go's state writes
// (AtomicWrite), which is the package's whole API.

func TestLockUnlock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "snapshot.lock")
	lock := NewFileLock(lockPath)

	require.NoError(t, lock.Lock())
	require.NoError(t, lock.Unlock())
}

func TestConcurrentLockingSerializesWriters(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "snapshot.lock")
	counterPath := filepath.Join(dir, "counter.txt")
	require.NoError(t, os.WriteFile(counterPath, []byte("0"), 0644))

	const goroutines = 5
	const iterations = 10

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				lock := NewFileLock(lockPath)
				require.NoError(t, lock.Lock())

				data, err := os.ReadFile(counterPath)
				require.NoError(t, err)
				n, err := strconv.Atoi(string(data))
				require.NoError(t, err)
				require.NoError(t, os.WriteFile(counterPath, []byte(strconv.Itoa(n+1)), 0644))

				require.NoError(t, lock.Unlock())
			}
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(counterPath)
	require.NoError(t, err)
	n, err := strconv.Atoi(string(data))
	require.NoError(t, err)
	assert.Equal(t, goroutines*iterations, n)
}

func TestAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "sonnet.json")

	require.NoError(t, AtomicWrite(path, []byte(`{"key":"sonnet"}`)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"sonnet"}`, string(data))
}

func TestAtomicWriteOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sonnet.json")
	require.NoError(t, AtomicWrite(path, []byte(`{"consecutive_failures":1}`)))
	require.NoError(t, AtomicWrite(path, []byte(`{"consecutive_failures":2}`)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"consecutive_failures":2}`, string(data))
}

func TestAtomicWriteLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sonnet.json")
	require.NoError(t, AtomicWrite(path, []byte(`{}`)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sonnet.json", entries[0].Name())
}

func TestConcurrentAtomicWritesDoNotCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sonnet.json")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = AtomicWrite(path, []byte(`{"consecutive_failures":`+strconv.Itoa(n)+`}`))
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"consecutive_failures":`)
}
