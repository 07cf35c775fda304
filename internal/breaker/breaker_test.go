package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTripsAfterThreshold(t *testing.T) {
	m, err := NewManager(t.TempDir(), 3, time.Minute)
	require.NoError(t, err)

	assert.True(t, m.Allow("sonnet"))
	require.NoError(t, m.RecordFailure("sonnet"))
	require.NoError(t, m.RecordFailure("sonnet"))
	assert.True(t, m.Allow("sonnet"))
	require.NoError(t, m.RecordFailure("sonnet"))

	assert.False(t, m.Allow("sonnet"))
}

func TestSuccessResets(t *testing.T) {
	m, err := NewManager(t.TempDir(), 2, time.Minute)
	require.NoError(t, err)

	require.NoError(t, m.RecordFailure("sonnet"))
	require.NoError(t, m.RecordSuccess("sonnet"))
	require.NoError(t, m.RecordFailure("sonnet"))
	assert.True(t, m.Allow("sonnet"))
}

func TestPersistsAcrossManagers(t *testing.T) {
	dir := t.TempDir()
	m1, err := NewManager(dir, 1, time.Hour)
	require.NoError(t, err)
	require.NoError(t, m1.RecordFailure("sonnet"))

	m2, err := NewManager(dir, 1, time.Hour)
	require.NoError(t, err)
	assert.False(t, m2.Allow("sonnet"))
}

func TestPruneRemovesOldEntries(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, 1, time.Hour)
	require.NoError(t, err)
	require.NoError(t, m.RecordFailure("stale"))

	m.mu.Lock()
	m.cache["stale"].UpdatedAt = time.Now().Add(-8 * 24 * time.Hour)
	require.NoError(t, m.save(m.cache["stale"]))
	m.mu.Unlock()

	removed, err := m.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	keys, err := m.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}
