package frontend_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/agentio"
	"github.com/agentmux/agentmux/internal/gateway/auth"
	"github.com/agentmux/agentmux/internal/gateway/db"
	"github.com/agentmux/agentmux/internal/gateway/frontend"
	"github.com/agentmux/agentmux/internal/gateway/persist"
	"github.com/agentmux/agentmux/internal/gateway/session"
	"github.com/agentmux/agentmux/internal/gateway/store"
	"github.com/agentmux/agentmux/internal/gateway/wire"
)

// discardLauncher attaches a pipe-backed agent that swallows input and
// produces no output, enough to carry sessions into running state.
type discardLauncher struct{}

func (discardLauncher) Launch(ctx context.Context, sess *store.Session) (agentio.Stream, error) {
	near, far := net.Pipe()
	go func() {
		_, _ = io.Copy(io.Discard, far)
	}()
	return agentio.NewStream(near), nil
}

type wsHarness struct {
	st     *db.Store
	server *httptest.Server
	token  string
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()
	return newWSHarnessHeartbeat(t, 15*time.Second)
}

func newWSHarnessHeartbeat(t *testing.T, heartbeat time.Duration) *wsHarness {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))
	st := db.NewStore(sqlDB)

	w := persist.NewWriter(st, persist.Config{BatchSize: 8, FlushInterval: 10 * time.Millisecond})
	m := session.NewManager(st, w, session.ManagerConfig{
		GatewayID:    "gw-test",
		LeaseTimeout: time.Minute,
		Launcher:     discardLauncher{},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Close(ctx)
		_ = w.Stop(ctx)
	})

	token, err := auth.Issue(context.Background(), st, "user-1", time.Hour)
	require.NoError(t, err)

	h := frontend.NewHandler(auth.NewStoreValidator(st), m, st, "gw-test", heartbeat, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return &wsHarness{st: st, server: srv, token: token}
}

func (h *wsHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{frontend.Subprotocol},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

// connect dials and completes the hello handshake.
func (h *wsHarness) connect(t *testing.T, clientID string) *websocket.Conn {
	t.Helper()
	conn := h.dial(t)
	send(t, conn, fmt.Sprintf(`{"type":"hello","clientId":%q,"deviceType":"cli","token":%q}`, clientID, h.token))
	ok := readAs[*wire.HelloOK](t, conn)
	assert.Equal(t, "user-1", ok.UserID)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))
}

func readFrame(t *testing.T, conn *websocket.Conn) wire.ServerMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	msg, err := wire.DecodeServer(data)
	require.NoError(t, err)
	return msg
}

// readAs reads frames until one of type T arrives, skipping interleaved
// event frames.
func readAs[T wire.ServerMessage](t *testing.T, conn *websocket.Conn) T {
	t.Helper()
	for i := 0; i < 50; i++ {
		msg := readFrame(t, conn)
		if m, ok := msg.(T); ok {
			return m
		}
		if _, ok := msg.(*wire.Event); !ok {
			t.Fatalf("unexpected frame %T while waiting for %T", msg, *new(T))
		}
	}
	t.Fatalf("no %T frame after 50 reads", *new(T))
	panic("unreachable")
}

func TestHandshakeAndHeartbeat(t *testing.T) {
	h := newWSHarness(t)
	conn := h.connect(t, "cli-1")

	send(t, conn, `{"type":"ping"}`)
	readAs[*wire.Pong](t, conn)
}

func TestServerEmitsPongUnprompted(t *testing.T) {
	h := newWSHarnessHeartbeat(t, 100*time.Millisecond)
	conn := h.connect(t, "cli-1")

	// A client that never writes still gets a pong each interval and is
	// not dropped for staying quiet past two of them.
	start := time.Now()
	readAs[*wire.Pong](t, conn)
	readAs[*wire.Pong](t, conn)
	readAs[*wire.Pong](t, conn)
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)

	// The connection is still serviceable afterwards.
	send(t, conn, `{"type":"ping"}`)
	readAs[*wire.Pong](t, conn)
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	h := newWSHarness(t)
	conn := h.dial(t)

	send(t, conn, `{"type":"hello","clientId":"cli-1","deviceType":"cli","token":"bogus.bogus"}`)
	errFrame := readAs[*wire.Error](t, conn)
	assert.Equal(t, wire.CodeAuthFailed, errFrame.Code)
	assert.False(t, errFrame.Retryable)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Error(t, err, "connection should be closed after auth failure")
}

func TestFirstFrameMustBeHello(t *testing.T) {
	h := newWSHarness(t)
	conn := h.dial(t)

	send(t, conn, `{"type":"ping"}`)
	errFrame := readAs[*wire.Error](t, conn)
	assert.Equal(t, wire.CodeNotAuthenticated, errFrame.Code)
}

func TestSessionLifecycleOverWebSocket(t *testing.T) {
	h := newWSHarness(t)
	conn := h.connect(t, "cli-1")

	send(t, conn, `{"type":"create_session","agentType":"claude","workingDirectory":"/work"}`)
	created := readAs[*wire.SessionCreated](t, conn)
	require.NotEmpty(t, created.SessionID)
	assert.Equal(t, "provisioning", created.Status)
	sid := created.SessionID

	send(t, conn, fmt.Sprintf(`{"type":"subscribe","sessionId":%q}`, sid))
	sub := readAs[*wire.Subscribed](t, conn)
	assert.Equal(t, sid, sub.SessionID)

	// Input needs a live agent; wait out the async launch.
	require.Eventually(t, func() bool {
		sess, err := h.st.GetSession(context.Background(), sid)
		return err == nil && sess.Status == store.StatusRunning
	}, 10*time.Second, 10*time.Millisecond)

	send(t, conn, fmt.Sprintf(`{"type":"input","sessionId":%q,"clientInputId":"in-1","data":"hello"}`, sid))
	ack := readAs[*wire.InputAck](t, conn)
	assert.Equal(t, "in-1", ack.ClientInputID)
	assert.Positive(t, ack.AcceptedSeq)

	// The input event comes back on our own subscription.
	send(t, conn, fmt.Sprintf(`{"type":"ack","sessionId":%q,"seq":%d}`, sid, ack.AcceptedSeq))

	send(t, conn, fmt.Sprintf(`{"type":"unsubscribe","sessionId":%q}`, sid))
	readAs[*wire.Unsubscribed](t, conn)

	send(t, conn, fmt.Sprintf(`{"type":"stop_session","sessionId":%q}`, sid))
	stopped := readAs[*wire.SessionStopped](t, conn)
	assert.Equal(t, sid, stopped.SessionID)

	sess, err := h.st.GetSession(context.Background(), sid)
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, sess.Status)
}

func TestSubscribeReplaysStateEvents(t *testing.T) {
	h := newWSHarness(t)
	conn := h.connect(t, "cli-1")

	send(t, conn, `{"type":"create_session","agentType":"claude","workingDirectory":"/work"}`)
	created := readAs[*wire.SessionCreated](t, conn)
	sid := created.SessionID

	// Wait for the launcher to carry the session into running, then
	// subscribe from seq 0 and replay the transition events.
	require.Eventually(t, func() bool {
		sess, err := h.st.GetSession(context.Background(), sid)
		return err == nil && sess.Status == store.StatusRunning
	}, 10*time.Second, 10*time.Millisecond)

	send(t, conn, fmt.Sprintf(`{"type":"subscribe","sessionId":%q}`, sid))
	sub := readAs[*wire.Subscribed](t, conn)
	require.GreaterOrEqual(t, sub.LatestSeq, int64(2))

	var statuses []string
	for seq := int64(1); seq <= sub.LatestSeq; seq++ {
		ev, ok := readFrame(t, conn).(*wire.Event)
		require.True(t, ok)
		assert.Equal(t, seq, ev.Seq)
		if ev.EventType == string(store.EventState) {
			var p struct {
				Status string `json:"status"`
			}
			require.NoError(t, json.Unmarshal(ev.Payload, &p))
			statuses = append(statuses, p.Status)
		}
	}
	assert.Contains(t, statuses, "starting")
	assert.Contains(t, statuses, "running")
}

func TestReplayFollowsSubscribedAck(t *testing.T) {
	h := newWSHarness(t)
	conn := h.connect(t, "cli-1")

	send(t, conn, `{"type":"create_session","agentType":"claude","workingDirectory":"/work"}`)
	created := readAs[*wire.SessionCreated](t, conn)
	sid := created.SessionID

	require.Eventually(t, func() bool {
		sess, err := h.st.GetSession(context.Background(), sid)
		return err == nil && sess.Status == store.StatusRunning
	}, 10*time.Second, 10*time.Millisecond)

	send(t, conn, fmt.Sprintf(`{"type":"subscribe","sessionId":%q}`, sid))

	// The subscribed ack precedes every replayed event frame; the sink
	// holds deliveries until the ack is on the wire.
	first := readFrame(t, conn)
	sub, ok := first.(*wire.Subscribed)
	require.True(t, ok, "first frame after subscribe was %T", first)
	require.GreaterOrEqual(t, sub.LatestSeq, int64(2))

	for seq := int64(1); seq <= sub.LatestSeq; seq++ {
		ev, ok := readFrame(t, conn).(*wire.Event)
		require.True(t, ok)
		assert.Equal(t, seq, ev.Seq)
	}
}

func TestSubscribeUnknownSession(t *testing.T) {
	h := newWSHarness(t)
	conn := h.connect(t, "cli-1")

	send(t, conn, `{"type":"subscribe","sessionId":"sess-missing"}`)
	errFrame := readAs[*wire.Error](t, conn)
	assert.Equal(t, wire.CodeSessionNotFound, errFrame.Code)
}

func TestSubscribeOtherUsersSessionDenied(t *testing.T) {
	h := newWSHarness(t)
	require.NoError(t, h.st.CreateSession(context.Background(), store.CreateSessionParams{
		ID: "sess-other", UserID: "user-2", AgentType: "claude", WorkingDirectory: "/work",
	}))

	conn := h.connect(t, "cli-1")
	send(t, conn, `{"type":"subscribe","sessionId":"sess-other"}`)
	errFrame := readAs[*wire.Error](t, conn)
	assert.Equal(t, wire.CodeAccessDenied, errFrame.Code)
	assert.False(t, errFrame.Retryable)
}

func TestInvalidFrameKeepsConnection(t *testing.T) {
	h := newWSHarness(t)
	conn := h.connect(t, "cli-1")

	send(t, conn, `{"type":"warp"}`)
	errFrame := readAs[*wire.Error](t, conn)
	assert.Equal(t, wire.CodeInvalidMessage, errFrame.Code)

	// The connection survives a bad frame.
	send(t, conn, `{"type":"ping"}`)
	readAs[*wire.Pong](t, conn)
}
