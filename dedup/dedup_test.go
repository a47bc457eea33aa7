package dedup

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDeduper(t *testing.T, cfg Config) *Deduper {
	t.Helper()
	d, err := New(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestProbeAndRecordFirstSightingIsNew(t *testing.T) {
	d := newTestDeduper(t, DefaultConfig())

	assert.True(t, d.ProbeAndRecord("evt-1"))
	assert.False(t, d.ProbeAndRecord("evt-1"))
	assert.False(t, d.ProbeAndRecord("evt-1"))

	// A distinct id is independent
	assert.True(t, d.ProbeAndRecord("evt-2"))
}

func TestProbeAndRecordTTLExpiry(t *testing.T) {
	d := newTestDeduper(t, Config{MaxEntries: 100, TTL: 40 * time.Millisecond})

	assert.True(t, d.ProbeAndRecord("evt-1"))
	assert.False(t, d.ProbeAndRecord("evt-1"))

	time.Sleep(60 * time.Millisecond)

	// Retention elapsed: the id reads as new again
	assert.True(t, d.ProbeAndRecord("evt-1"))
}

func TestProbeAndRecordSlidingExpiration(t *testing.T) {
	d := newTestDeduper(t, Config{MaxEntries: 100, TTL: 60 * time.Millisecond})

	assert.True(t, d.ProbeAndRecord("evt-1"))

	// Re-sightings inside the window keep refreshing last-seen, so the id
	// stays a duplicate well past the original expiry
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		assert.False(t, d.ProbeAndRecord("evt-1"), "sighting %d should refresh the window", i)
	}
}

func TestProbeAndRecordConcurrentSingleWinner(t *testing.T) {
	// Connection slots can race on the same replayed id; exactly one
	// sighting per id may read as new.
	d := newTestDeduper(t, DefaultConfig())

	const rounds, racers = 200, 16
	for r := 0; r < rounds; r++ {
		id := fmt.Sprintf("evt-%d", r)
		start := make(chan struct{})
		var wg sync.WaitGroup
		var fresh atomic.Int64

		for g := 0; g < racers; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if d.ProbeAndRecord(id) {
					fresh.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		require.Equal(t, int64(1), fresh.Load(), "round %d", r)
	}
}

func TestProbeAndRecordEmptyIDAlwaysNew(t *testing.T) {
	d := newTestDeduper(t, DefaultConfig())

	assert.True(t, d.ProbeAndRecord(""))
	assert.True(t, d.ProbeAndRecord(""))
}

func TestCapacityEvictsLeastRecentlySeen(t *testing.T) {
	d := newTestDeduper(t, Config{MaxEntries: 3, TTL: time.Minute})

	require.True(t, d.ProbeAndRecord("a"))
	require.True(t, d.ProbeAndRecord("b"))
	require.True(t, d.ProbeAndRecord("c"))

	// Touch "a" so "b" is the least recently seen
	require.False(t, d.ProbeAndRecord("a"))

	require.True(t, d.ProbeAndRecord("d")) // evicts "b"

	assert.True(t, d.ProbeAndRecord("b"), "evicted id should read as new")
	assert.False(t, d.ProbeAndRecord("a"))
}

func TestSyntheticIDDeterministic(t *testing.T) {
	payload := []byte(`{"Type":"decision","UserID":"u1"}`)

	id1 := SyntheticID(payload)
	id2 := SyntheticID(payload)
	assert.Equal(t, id1, id2)
	assert.NotEmpty(t, id1)

	other := SyntheticID([]byte(`{"Type":"track"}`))
	assert.NotEqual(t, id1, other)
}

func TestSyntheticIDDeduplicatesIdenticalPayloads(t *testing.T) {
	d := newTestDeduper(t, DefaultConfig())

	payload := []byte(`{"Type":"decision","UserID":"u1"}`)
	assert.True(t, d.ProbeAndRecord(SyntheticID(payload)))
	assert.False(t, d.ProbeAndRecord(SyntheticID(payload)))
}

func TestSizeAndStats(t *testing.T) {
	d := newTestDeduper(t, DefaultConfig())

	for i := 0; i < 5; i++ {
		d.ProbeAndRecord(fmt.Sprintf("evt-%d", i))
	}
	assert.Equal(t, 5, d.Size())
	assert.Equal(t, int64(5), d.Stats().Sets())
	assert.Equal(t, int64(5), d.Stats().Misses())
}
