package filter

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsFreshSuppressesDuplicates(t *testing.T) {
	d := NewDedup(100, time.Hour)
	ts := time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)
	tsStr := "2024-05-01T00:00:00.000000000Z"

	assert.True(t, d.IsFresh([]byte("A"), ts, tsStr))
	assert.False(t, d.IsFresh([]byte("A"), ts, tsStr), "same (pk, ts) must be suppressed")
	assert.True(t, d.IsFresh([]byte("B"), ts, tsStr), "different pk is fresh")

	// Same pk at a later timestamp is a new event
	later := ts.Add(time.Second)
	assert.True(t, d.IsFresh([]byte("A"), later, "2024-05-01T00:00:01.000000000Z"))

	assert.Equal(t, 3, d.Len())
}

func TestVacuumRemovesExpiredEntries(t *testing.T) {
	d := NewDedup(1000, time.Minute)
	base := time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)

	// Old entries, outside the TTL at vacuum time
	for i := 0; i < 10; i++ {
		pk := []byte(fmt.Sprintf("old-%d", i))
		require.True(t, d.IsFresh(pk, base, fmt.Sprintf("old-%d", i)))
	}
	// Recent entries
	recent := base.Add(10 * time.Minute)
	for i := 0; i < 5; i++ {
		pk := []byte(fmt.Sprintf("new-%d", i))
		require.True(t, d.IsFresh(pk, recent, fmt.Sprintf("new-%d", i)))
	}

	removed := d.Vacuum(base.Add(11 * time.Minute))
	assert.Equal(t, 10, removed)
	assert.Equal(t, 5, d.Len())

	// Survivors remain suppressed after the bloom rebuild
	for i := 0; i < 5; i++ {
		pk := []byte(fmt.Sprintf("new-%d", i))
		assert.False(t, d.IsFresh(pk, recent, fmt.Sprintf("new-%d", i)))
	}

	// Vacuumed entries are fresh again
	assert.True(t, d.IsFresh([]byte("old-0"), recent, "old-0"))
}

func TestInsertTriggersVacuumAtCapacity(t *testing.T) {
	d := NewDedup(10, time.Minute)
	old := time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 9; i++ {
		pk := []byte(fmt.Sprintf("old-%d", i))
		require.True(t, d.IsFresh(pk, old, fmt.Sprintf("old-%d", i)))
	}
	require.Equal(t, 9, d.Len())

	// The insert that reaches capacity runs the opportunistic sweep, which
	// clears the expired backlog.
	fresh := time.Now().UTC()
	require.True(t, d.IsFresh([]byte("fresh"), fresh, "fresh"))
	assert.Equal(t, 1, d.Len())
}

func TestScheduledVacuumRuns(t *testing.T) {
	d := NewDedup(100, time.Millisecond)
	old := time.Now().Add(-time.Hour)
	require.True(t, d.IsFresh([]byte("stale"), old, "stale"))

	stopCh := make(chan struct{})
	d.StartVacuum(stopCh, 5*time.Millisecond)
	defer close(stopCh)

	deadline := time.After(time.Second)
	for d.Len() > 0 {
		select {
		case <-deadline:
			t.Fatal("scheduled vacuum never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
