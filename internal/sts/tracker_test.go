package sts

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerCapacity(t *testing.T) {
	tr := NewTracker(2, time.Minute, testLogger())
	noop := func(string) {}

	assert.True(t, tr.HasCapacity())
	_, ok := tr.Track("a", noop)
	assert.True(t, ok)
	_, ok = tr.Track("b", noop)
	assert.True(t, ok)
	assert.False(t, tr.HasCapacity())
	_, ok = tr.Track("c", noop)
	assert.False(t, ok)

	assert.True(t, tr.Complete("a"))
	assert.True(t, tr.HasCapacity())
	_, ok = tr.Track("c", noop)
	assert.True(t, ok)
}

// Sequence numbers count every send, including those whose entries are long
// gone, so the service can spot gaps.
func TestTrackerSequenceNumbers(t *testing.T) {
	tr := NewTracker(2, time.Minute, testLogger())
	noop := func(string) {}

	seqA, _ := tr.Track("a", noop)
	seqB, _ := tr.Track("b", noop)
	assert.Equal(t, uint64(0), seqA)
	assert.Equal(t, uint64(1), seqB)

	tr.Complete("a")
	tr.Complete("b")
	seqC, _ := tr.Track("c", noop)
	assert.Equal(t, uint64(2), seqC, "completion must not rewind the counter")
	assert.Equal(t, uint64(3), tr.Stats().NextSequence)
}

func TestTrackerCompleteUnknown(t *testing.T) {
	tr := NewTracker(2, time.Minute, testLogger())
	assert.False(t, tr.Complete("ghost"))
}

func TestTrackerTimeout(t *testing.T) {
	tr := NewTracker(2, 20*time.Millisecond, testLogger())

	timedOut := make(chan string, 1)
	_, ok := tr.Track("a", func(id string) { timedOut <- id })
	require.True(t, ok)

	select {
	case id := <-timedOut:
		assert.Equal(t, "a", id)
	case <-time.After(time.Second):
		t.Fatal("timeout callback never fired")
	}

	// The entry is gone; a late completion is rejected.
	assert.False(t, tr.Complete("a"))
	assert.Equal(t, uint64(1), tr.Stats().TotalTimedOut)
}

func TestTrackerCompletionBeatsTimeout(t *testing.T) {
	tr := NewTracker(2, 50*time.Millisecond, testLogger())

	var fired atomic.Bool
	_, ok := tr.Track("a", func(string) { fired.Store(true) })
	require.True(t, ok)
	require.True(t, tr.Complete("a"))

	time.Sleep(100 * time.Millisecond)
	assert.False(t, fired.Load(), "completed fragment must not time out")
}

func TestTrackerClear(t *testing.T) {
	tr := NewTracker(3, time.Minute, testLogger())

	var fired atomic.Int32
	cb := func(string) { fired.Add(1) }
	tr.Track("a", cb)
	tr.Track("b", cb)

	ids := tr.Clear()
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
	assert.Equal(t, 0, tr.Inflight())
	assert.True(t, tr.HasCapacity())

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, fired.Load(), "cleared fragments must not fire timeouts")
}
