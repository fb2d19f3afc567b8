package cleanup_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/gateway/cleanup"
	"github.com/agentmux/agentmux/internal/gateway/db"
	"github.com/agentmux/agentmux/internal/gateway/persist"
	"github.com/agentmux/agentmux/internal/gateway/session"
	"github.com/agentmux/agentmux/internal/gateway/store"
)

func newHarness(t *testing.T) (*db.Store, *session.Manager) {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))
	st := db.NewStore(sqlDB)

	w := persist.NewWriter(st, persist.Config{BatchSize: 8, FlushInterval: 10 * time.Millisecond})
	m := session.NewManager(st, w, session.ManagerConfig{GatewayID: "gw-test", LeaseTimeout: time.Minute})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Close(ctx)
		_ = w.Stop(ctx)
	})
	return st, m
}

func seedSession(t *testing.T, st *db.Store, id string, status store.SessionStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateSession(ctx, store.CreateSessionParams{
		ID: id, UserID: "user-1", AgentType: "claude", WorkingDirectory: "/work",
	}))
	if status != store.StatusProvisioning {
		require.NoError(t, st.UpdateSessionStatus(ctx, id, status, ""))
	}
}

func TestSweepReapsAbandonedSessions(t *testing.T) {
	st, m := newHarness(t)
	ctx := context.Background()

	// A dead gateway's lease, expired well past the stale threshold.
	seedSession(t, st, "sess-dead", store.StatusRunning)
	require.NoError(t, st.AcquireLease(ctx, "sess-dead", "gw-dead", time.Now().UTC().Add(-time.Hour)))

	// A live lease is left alone.
	seedSession(t, st, "sess-live", store.StatusRunning)
	require.NoError(t, st.AcquireLease(ctx, "sess-live", "gw-other", time.Now().UTC().Add(time.Hour)))

	s := cleanup.NewSweeper(st, m, cleanup.Config{StaleLeaseTimeout: 5 * time.Minute})
	s.Sweep(ctx)

	dead, err := st.GetSession(ctx, "sess-dead")
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, dead.Status)

	live, err := st.GetSession(ctx, "sess-live")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, live.Status)
}

func TestSweepReapsNeverStartedSessions(t *testing.T) {
	st, m := newHarness(t)
	ctx := context.Background()

	// Abandoned in provisioning: the gateway died before the agent ran,
	// so there is no stopping leg to take.
	seedSession(t, st, "sess-early", store.StatusProvisioning)
	require.NoError(t, st.AcquireLease(ctx, "sess-early", "gw-dead", time.Now().UTC().Add(-time.Hour)))

	s := cleanup.NewSweeper(st, m, cleanup.Config{StaleLeaseTimeout: 5 * time.Minute})
	s.Sweep(ctx)

	sess, err := st.GetSession(ctx, "sess-early")
	require.NoError(t, err)
	assert.True(t, sess.Status.Terminal(), "status %s", sess.Status)

	// A terminal session drops out of the stale-lease listing, so the
	// next pass has nothing left to reap.
	ids, err := st.ListStaleLeaseSessions(ctx, time.Now().UTC().Add(-5*time.Minute), 100)
	require.NoError(t, err)
	assert.NotContains(t, ids, "sess-early")
}

func TestSweepResolvesExpiredAwaiting(t *testing.T) {
	st, m := newHarness(t)
	ctx := context.Background()

	// The prompt expired while no gateway hosted the session.
	seedSession(t, st, "sess-await", store.StatusRunning)
	require.NoError(t, st.UpdateSessionWorkflow(ctx, "sess-await", store.WorkflowAwaitingInput))
	require.NoError(t, st.SetAwaitingInput(ctx, store.AwaitingInputParams{
		SessionID:     "sess-await",
		Question:      "Proceed?",
		Options:       []string{"yes", "no"},
		DefaultAction: "yes",
		ExpiresAt:     time.Now().UTC().Add(-time.Minute),
	}))

	// A session held by a live peer is that gateway's to resolve.
	seedSession(t, st, "sess-held", store.StatusRunning)
	require.NoError(t, st.UpdateSessionWorkflow(ctx, "sess-held", store.WorkflowAwaitingInput))
	require.NoError(t, st.SetAwaitingInput(ctx, store.AwaitingInputParams{
		SessionID:     "sess-held",
		Question:      "Proceed?",
		DefaultAction: "no",
		ExpiresAt:     time.Now().UTC().Add(-time.Minute),
	}))
	require.NoError(t, st.AcquireLease(ctx, "sess-held", "gw-other", time.Now().UTC().Add(time.Hour)))

	s := cleanup.NewSweeper(st, m, cleanup.Config{})
	s.Sweep(ctx)

	sess, err := st.GetSession(ctx, "sess-await")
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowWorking, sess.WorkflowStatus)
	assert.Empty(t, sess.AwaitingQuestion)

	held, err := st.GetSession(ctx, "sess-held")
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowAwaitingInput, held.WorkflowStatus)
}

func TestSweepDemotesThenStopsIdleSessions(t *testing.T) {
	st, m := newHarness(t)
	ctx := context.Background()

	a, err := m.CreateSession(ctx, session.CreateParams{
		UserID: "user-1", AgentType: "claude", WorkingDirectory: "/work",
	})
	require.NoError(t, err)
	require.NoError(t, a.SetStatus(ctx, store.StatusStarting, ""))
	require.NoError(t, a.SetStatus(ctx, store.StatusRunning, ""))
	require.NoError(t, st.TouchSession(ctx, a.ID(), time.Now().UTC().Add(-time.Hour)))

	s := cleanup.NewSweeper(st, m, cleanup.Config{IdleTimeout: 30 * time.Minute})

	// First pass demotes.
	s.Sweep(ctx)
	sess, err := st.GetSession(ctx, a.ID())
	require.NoError(t, err)
	assert.Equal(t, store.StatusIdle, sess.Status)

	// Second pass stops the still-idle session.
	require.NoError(t, st.TouchSession(ctx, a.ID(), time.Now().UTC().Add(-time.Hour)))
	s.Sweep(ctx)
	sess, err = st.GetSession(ctx, a.ID())
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, sess.Status)
}

func TestSweepStopsAgedSessions(t *testing.T) {
	st, m := newHarness(t)
	ctx := context.Background()

	a, err := m.CreateSession(ctx, session.CreateParams{
		UserID: "user-1", AgentType: "claude", WorkingDirectory: "/work",
	})
	require.NoError(t, err)
	require.NoError(t, a.SetStatus(ctx, store.StatusStarting, ""))
	require.NoError(t, a.SetStatus(ctx, store.StatusRunning, ""))

	s := cleanup.NewSweeper(st, m, cleanup.Config{MaxSessionAge: time.Nanosecond})
	s.Sweep(ctx)

	sess, err := st.GetSession(ctx, a.ID())
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, sess.Status)
	assert.Zero(t, m.SessionCount())
}

func TestSweepTrimsAckedEventsOfStoppedSessions(t *testing.T) {
	st, m := newHarness(t)
	ctx := context.Background()

	seedSession(t, st, "sess-1", store.StatusStopped)
	events := make([]store.Event, 5)
	for i := range events {
		events[i] = store.Event{
			SessionID: "sess-1",
			Seq:       int64(i + 1),
			Direction: store.DirectionAgent,
			Type:      store.EventOutputChunk,
			Payload:   []byte(`{"data":"x"}`),
			CreatedAt: time.Now().UTC(),
		}
	}
	require.NoError(t, st.AppendEvents(ctx, events))
	require.NoError(t, st.PutConnection(ctx, store.Connection{
		SessionID: "sess-1", ClientID: "cli-1", GatewayID: "gw-test",
		DeviceType: "cli", LastAckSeq: 3,
	}))

	// A stopped session with no recorded connection keeps its log.
	seedSession(t, st, "sess-2", store.StatusStopped)
	require.NoError(t, st.AppendEvents(ctx, []store.Event{{
		SessionID: "sess-2", Seq: 1, Direction: store.DirectionAgent,
		Type: store.EventOutputChunk, Payload: []byte(`{}`), CreatedAt: time.Now().UTC(),
	}}))

	s := cleanup.NewSweeper(st, m, cleanup.Config{})
	s.Sweep(ctx)

	remaining, err := st.ListEventsFrom(ctx, "sess-1", 1, 100)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, int64(4), remaining[0].Seq)

	kept, err := st.ListEventsFrom(ctx, "sess-2", 1, 100)
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}
