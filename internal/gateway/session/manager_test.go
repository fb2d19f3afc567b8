package session_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/gateway/db"
	"github.com/agentmux/agentmux/internal/gateway/persist"
	"github.com/agentmux/agentmux/internal/gateway/session"
	"github.com/agentmux/agentmux/internal/gateway/store"
	"github.com/agentmux/agentmux/internal/gateway/wire"
	"github.com/agentmux/agentmux/internal/util/testutil"
)

func TestLeaseExcludesSecondGateway(t *testing.T) {
	st := newTestDB(t)
	mgrA := newManager(t, st, "gw-a", session.Config{})
	mgrB := newManager(t, st, "gw-b", session.Config{})
	ctx := context.Background()

	a, err := mgrA.CreateSession(ctx, session.CreateParams{
		UserID: "user-1", AgentType: "claude", WorkingDirectory: "/work",
	})
	require.NoError(t, err)
	attachAgent(t, a)
	require.NoError(t, a.SetStatus(ctx, store.StatusStarting, ""))
	require.NoError(t, a.SetStatus(ctx, store.StatusRunning, ""))

	_, err = mgrB.GetOrLoad(ctx, a.ID())
	held, ok := store.AsLeaseHeld(err)
	require.True(t, ok, "expected lease held, got %v", err)
	assert.Equal(t, "gw-a", held.Holder)

	// Stopping on A releases the lease; B can then load the stopped
	// session.
	require.NoError(t, mgrA.StopSession(ctx, a.ID()))
	b, err := mgrB.GetOrLoad(ctx, a.ID())
	require.NoError(t, err)

	snap, err := b.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, snap.Status)
}

func TestHandoffKeepsSequenceDense(t *testing.T) {
	st := newTestDB(t)
	mgrA := newManager(t, st, "gw-a", session.Config{})
	ctx := context.Background()

	a, err := mgrA.CreateSession(ctx, session.CreateParams{
		UserID: "user-1", AgentType: "claude", WorkingDirectory: "/work",
	})
	require.NoError(t, err)
	pipe := attachAgent(t, a)
	require.NoError(t, a.SetStatus(ctx, store.StatusStarting, ""))
	require.NoError(t, a.SetStatus(ctx, store.StatusRunning, ""))
	require.NoError(t, a.SetWorkflow(ctx, store.WorkflowWorking))
	for i := 0; i < 5; i++ {
		pipe.emit(t, "line")
	}
	testutil.RequireEventually(t, func() bool { return latestSeq(t, a) >= 8 })
	handedOff := latestSeq(t, a)

	// Close suspends without stopping: leases are released and the
	// session stays running in the store.
	require.NoError(t, mgrA.Close(ctx))
	sess, err := st.GetSession(ctx, a.ID())
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, sess.Status)
	assert.Empty(t, sess.ClaimedBy)

	mgrB := newManager(t, st, "gw-b", session.Config{})
	b, err := mgrB.GetOrLoad(ctx, a.ID())
	require.NoError(t, err)
	attachAgent(t, b)

	// Sequencing resumes with no gap and no reuse.
	seq, err := b.HandleInput(ctx, "in-1", "resume")
	require.NoError(t, err)
	assert.Equal(t, handedOff+1, seq)

	sink := &testSink{}
	_, err = b.AttachSubscriber(ctx, "cli-1", "cli", "gw-b", sink, 0)
	require.NoError(t, err)
	testutil.RequireEventually(t, func() bool {
		return int64(len(sink.eventSeqs(t))) >= handedOff+1
	})
	for i, got := range sink.eventSeqs(t) {
		require.Equal(t, int64(i+1), got)
	}
}

func TestExpiredAwaitingResolvedOnLoad(t *testing.T) {
	st := newTestDB(t)
	mgrA := newManager(t, st, "gw-a", session.Config{})
	ctx := context.Background()

	a, err := mgrA.CreateSession(ctx, session.CreateParams{
		UserID: "user-1", AgentType: "claude", WorkingDirectory: "/work",
	})
	require.NoError(t, err)
	attachAgent(t, a)
	require.NoError(t, a.SetStatus(ctx, store.StatusStarting, ""))
	require.NoError(t, a.SetStatus(ctx, store.StatusRunning, ""))
	require.NoError(t, a.SetWorkflow(ctx, store.WorkflowWorking))
	require.NoError(t, mgrA.Close(ctx))

	// Simulate a prompt that expired while no gateway was hosting the
	// session.
	require.NoError(t, st.UpdateSessionWorkflow(ctx, a.ID(), store.WorkflowAwaitingInput))
	require.NoError(t, st.SetAwaitingInput(ctx, store.AwaitingInputParams{
		SessionID:     a.ID(),
		Question:      "Continue?",
		Options:       []string{"yes", "no"},
		DefaultAction: "yes",
		ExpiresAt:     time.Now().UTC().Add(-time.Minute),
	}))

	mgrB := newManager(t, st, "gw-b", session.Config{})
	b, err := mgrB.GetOrLoad(ctx, a.ID())
	require.NoError(t, err)

	testutil.RequireEventually(t, func() bool {
		snap, err := b.Info(ctx)
		return err == nil && snap.Workflow == store.WorkflowWorking
	})
	sess, err := st.GetSession(ctx, a.ID())
	require.NoError(t, err)
	assert.Empty(t, sess.AwaitingQuestion)
}

func TestPendingAwaitingRearmedOnLoad(t *testing.T) {
	st := newTestDB(t)
	mgrA := newManager(t, st, "gw-a", session.Config{})
	ctx := context.Background()

	a, err := mgrA.CreateSession(ctx, session.CreateParams{
		UserID: "user-1", AgentType: "claude", WorkingDirectory: "/work",
	})
	require.NoError(t, err)
	attachAgent(t, a)
	require.NoError(t, a.SetStatus(ctx, store.StatusStarting, ""))
	require.NoError(t, a.SetStatus(ctx, store.StatusRunning, ""))
	require.NoError(t, a.SetWorkflow(ctx, store.WorkflowWorking))
	_, err = a.RequestInput(ctx, "Merge?", []string{"yes", "no"}, "no", time.Hour)
	require.NoError(t, err)
	require.NoError(t, mgrA.Close(ctx))

	mgrB := newManager(t, st, "gw-b", session.Config{})
	b, err := mgrB.GetOrLoad(ctx, a.ID())
	require.NoError(t, err)

	// The prompt is still pending; answering it resolves as usual.
	snap, err := b.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowAwaitingInput, snap.Workflow)

	pipe := attachAgent(t, b)
	_, err = b.HandleInput(ctx, "in-1", "yes")
	require.NoError(t, err)
	assert.Equal(t, "yes", pipe.readLine(t))

	snap, err = b.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowWorking, snap.Workflow)
}

// fencedStore fails lease renewals once tripped, mimicking a peer
// gateway taking the session over, and records seq or event writes made
// after the takeover.
type fencedStore struct {
	*db.Store
	lost atomic.Bool

	mu       sync.Mutex
	postLoss []string
}

func (s *fencedStore) RenewLease(ctx context.Context, sessionID, gatewayID string, expiresAt time.Time) error {
	if s.lost.Load() {
		return &store.ErrLeaseHeld{Holder: "gw-other", ExpiresAt: expiresAt}
	}
	return s.Store.RenewLease(ctx, sessionID, gatewayID, expiresAt)
}

func (s *fencedStore) UpdateNextSeq(ctx context.Context, sessionID string, nextSeq int64) error {
	s.record("UpdateNextSeq")
	return s.Store.UpdateNextSeq(ctx, sessionID, nextSeq)
}

func (s *fencedStore) AppendEvents(ctx context.Context, events []store.Event) error {
	s.record("AppendEvents")
	return s.Store.AppendEvents(ctx, events)
}

func (s *fencedStore) record(op string) {
	if !s.lost.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postLoss = append(s.postLoss, op)
}

func (s *fencedStore) postLossWrites() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.postLoss...)
}

func TestLeaseLossEvictsWithoutStoreWrites(t *testing.T) {
	fs := &fencedStore{Store: newTestDB(t)}
	w := persist.NewWriter(fs, persist.Config{BatchSize: 8, FlushInterval: 10 * time.Millisecond})
	m := session.NewManager(fs, w, session.ManagerConfig{
		GatewayID:    "gw-a",
		LeaseTimeout: 300 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Close(ctx)
		_ = w.Stop(ctx)
	})
	ctx := context.Background()

	a, err := m.CreateSession(ctx, session.CreateParams{
		UserID: "user-1", AgentType: "claude", WorkingDirectory: "/work",
	})
	require.NoError(t, err)
	pipe := attachAgent(t, a)
	require.NoError(t, a.SetStatus(ctx, store.StatusStarting, ""))
	require.NoError(t, a.SetStatus(ctx, store.StatusRunning, ""))
	require.NoError(t, a.SetWorkflow(ctx, store.WorkflowWorking))
	pipe.emit(t, "line one")
	pipe.emit(t, "line two")
	testutil.RequireEventually(t, func() bool {
		latest, err := fs.LatestSeq(ctx, a.ID())
		return err == nil && latest >= 5
	})

	sink := &testSink{}
	_, err = a.AttachSubscriber(ctx, "cli-1", "cli", "gw-a", sink, latestSeq(t, a))
	require.NoError(t, err)

	// Another gateway takes the lease; the next renewal fails and the
	// actor is evicted without touching the session's log or seq again.
	fs.lost.Store(true)
	testutil.RequireEventually(t, func() bool { return m.SessionCount() == 0 })

	closed, code := sink.closeState()
	assert.True(t, closed)
	assert.Equal(t, wire.CodeLeaseLost, code)
	assert.Empty(t, fs.postLossWrites())
}

func TestStopBeforeAgentStartReachesTerminal(t *testing.T) {
	m, st := newHarness(t, session.Config{})
	ctx := context.Background()

	a, err := m.CreateSession(ctx, session.CreateParams{
		UserID: "user-1", AgentType: "claude", WorkingDirectory: "/work",
	})
	require.NoError(t, err)

	// No agent ever attached; the stop must still land on a terminal
	// status or the sweeper would pick the session up forever.
	require.NoError(t, m.StopSession(ctx, a.ID()))

	sess, err := st.GetSession(ctx, a.ID())
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, sess.Status)
	assert.True(t, sess.Status.Terminal())
}

func TestGetOrLoadNotFound(t *testing.T) {
	m, _ := newHarness(t, session.Config{})
	_, err := m.GetOrLoad(context.Background(), "sess-missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestManagerClosedRejectsOperations(t *testing.T) {
	st := newTestDB(t)
	m := newManager(t, st, "gw-a", session.Config{})
	ctx := context.Background()
	require.NoError(t, m.Close(ctx))

	_, err := m.CreateSession(ctx, session.CreateParams{UserID: "u", AgentType: "claude", WorkingDirectory: "/w"})
	assert.ErrorIs(t, err, session.ErrManagerClosed)
	_, err = m.GetOrLoad(ctx, "sess-x")
	assert.ErrorIs(t, err, session.ErrManagerClosed)
}
