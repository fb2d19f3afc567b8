package persist_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/gateway/db"
	"github.com/agentmux/agentmux/internal/gateway/persist"
	"github.com/agentmux/agentmux/internal/gateway/store"
	"github.com/agentmux/agentmux/internal/util/testutil"
)

// flakyStore delegates to a real store but fails AppendEvents while the
// failure flag is set.
type flakyStore struct {
	store.Store
	failing atomic.Bool
	writes  atomic.Int64
}

func (f *flakyStore) AppendEvents(ctx context.Context, events []store.Event) error {
	if f.failing.Load() {
		return errors.New("disk full")
	}
	f.writes.Add(1)
	return f.Store.AppendEvents(ctx, events)
}

func newFlakyStore(t *testing.T) *flakyStore {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))
	return &flakyStore{Store: db.NewStore(sqlDB)}
}

func event(seq int64) store.Event {
	return store.Event{
		SessionID: "sess-1",
		Seq:       seq,
		Direction: store.DirectionAgent,
		Type:      store.EventOutputChunk,
		Payload:   []byte(`{"data":"x"}`),
		CreatedAt: time.Now().UTC(),
	}
}

func storedCount(t *testing.T, st store.Store) int64 {
	t.Helper()
	latest, err := st.LatestSeq(context.Background(), "sess-1")
	require.NoError(t, err)
	return latest
}

func TestWriterFlushesWhenBatchFills(t *testing.T) {
	st := newFlakyStore(t)
	w := persist.NewWriter(st, persist.Config{BatchSize: 4, FlushInterval: time.Hour})
	defer w.Stop(context.Background())

	for seq := int64(1); seq <= 4; seq++ {
		w.Enqueue(event(seq))
	}
	testutil.RequireEventually(t, func() bool { return storedCount(t, st) == 4 })
	assert.Equal(t, int64(1), st.writes.Load(), "full batch should be one write")
}

func TestWriterFlushesOnInterval(t *testing.T) {
	st := newFlakyStore(t)
	w := persist.NewWriter(st, persist.Config{BatchSize: 100, FlushInterval: 20 * time.Millisecond})
	defer w.Stop(context.Background())

	w.Enqueue(event(1))
	w.Enqueue(event(2))
	testutil.RequireEventually(t, func() bool { return storedCount(t, st) == 2 })
}

func TestFlushForcesWrite(t *testing.T) {
	st := newFlakyStore(t)
	w := persist.NewWriter(st, persist.Config{BatchSize: 100, FlushInterval: time.Hour})
	defer w.Stop(context.Background())

	w.Enqueue(event(1))
	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, int64(1), storedCount(t, st))

	// Flush with nothing buffered is a no-op.
	require.NoError(t, w.Flush(context.Background()))
}

func TestStopDrainsBufferedEvents(t *testing.T) {
	st := newFlakyStore(t)
	w := persist.NewWriter(st, persist.Config{BatchSize: 100, FlushInterval: time.Hour})

	for seq := int64(1); seq <= 7; seq++ {
		w.Enqueue(event(seq))
	}
	require.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, int64(7), storedCount(t, st))
}

func TestEnqueueRacingStopLosesNothing(t *testing.T) {
	st := newFlakyStore(t)
	w := persist.NewWriter(st, persist.Config{BatchSize: 8, FlushInterval: time.Hour})

	for seq := int64(1); seq <= 50; seq++ {
		w.Enqueue(event(seq))
	}

	// Keep enqueueing while Stop drains; every event must land, whether
	// through the final drain or the direct write path.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for seq := int64(51); seq <= 100; seq++ {
			w.Enqueue(event(seq))
		}
	}()
	require.NoError(t, w.Stop(context.Background()))
	wg.Wait()

	events, err := st.ListEventsFrom(context.Background(), "sess-1", 1, 200)
	require.NoError(t, err)
	assert.Len(t, events, 100)
}

func TestTransientFailureRetries(t *testing.T) {
	st := newFlakyStore(t)
	st.failing.Store(true)
	w := persist.NewWriter(st, persist.Config{BatchSize: 1, FlushInterval: time.Hour, MaxRetries: 50})
	defer w.Stop(context.Background())

	w.Enqueue(event(1))
	time.Sleep(150 * time.Millisecond) // let the first attempts fail
	st.failing.Store(false)

	testutil.RequireEventually(t, func() bool { return storedCount(t, st) == 1 })
}

func TestExhaustedRetriesPauseThenResume(t *testing.T) {
	st := newFlakyStore(t)
	st.failing.Store(true)

	var paused atomic.Bool
	var pauseErr error
	w := persist.NewWriter(st, persist.Config{
		BatchSize:     1,
		FlushInterval: time.Hour,
		MaxRetries:    2,
		OnError: func(err error) {
			pauseErr = err
			paused.Store(true)
		},
	})
	defer w.Stop(context.Background())

	w.Enqueue(event(1))
	testutil.RequireEventually(t, func() bool { return paused.Load() })
	assert.ErrorIs(t, pauseErr, persist.ErrPaused)
	assert.Equal(t, int64(0), storedCount(t, st), "nothing persisted while paused")

	// The buffered batch survives the pause and lands after resume.
	st.failing.Store(false)
	w.Resume()
	testutil.RequireEventually(t, func() bool { return storedCount(t, st) == 1 })
}

func TestTryEnqueueReportsFullQueue(t *testing.T) {
	st := newFlakyStore(t)
	st.failing.Store(true)

	var paused atomic.Bool
	w := persist.NewWriter(st, persist.Config{
		BatchSize:     1,
		FlushInterval: time.Hour,
		MaxRetries:    1,
		QueueDepth:    1,
		OnError:       func(error) { paused.Store(true) },
	})
	defer w.Stop(context.Background())

	// Jam the consumer: the first event fails and the writer pauses with
	// it buffered.
	w.Enqueue(event(1))
	testutil.RequireEventually(t, func() bool { return paused.Load() })

	// One slot in the queue, then full.
	assert.True(t, w.TryEnqueue(event(2)))
	assert.False(t, w.TryEnqueue(event(3)))

	st.failing.Store(false)
	w.Resume()
	testutil.RequireEventually(t, func() bool { return storedCount(t, st) == 2 })
}
