package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/agentio"
	"github.com/agentmux/agentmux/internal/gateway/id"
	"github.com/agentmux/agentmux/internal/gateway/persist"
	"github.com/agentmux/agentmux/internal/gateway/store"
	"github.com/agentmux/agentmux/internal/gateway/wire"
	"github.com/agentmux/agentmux/internal/metrics"
)

// ErrManagerClosed is returned for operations after Close.
var ErrManagerClosed = errors.New("session: manager closed")

// AgentLauncher starts (or connects to) the agent process for a
// session. The standalone deployment spawns local processes; the
// containerized one dials into a sandbox.
type AgentLauncher interface {
	Launch(ctx context.Context, sess *store.Session) (agentio.Stream, error)
}

// ManagerConfig tunes the session manager.
type ManagerConfig struct {
	GatewayID    string
	LeaseTimeout time.Duration
	Actor        Config
	Launcher     AgentLauncher // nil: sessions run without a live agent
}

// Manager maps session IDs to resident actors. Residency is guarded by
// a per-session lease in the store: a session is active on at most one
// gateway at a time, and the manager renews its leases in the
// background, evicting actors whose lease is lost.
type Manager struct {
	cfg    ManagerConfig
	st     store.Store
	writer *persist.Writer
	log    *slog.Logger

	mu     sync.Mutex
	actors map[string]*Actor
	loads  map[string]chan struct{}
	closed bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager creates a Manager and starts its lease renewal loop.
func NewManager(st store.Store, writer *persist.Writer, cfg ManagerConfig) *Manager {
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 30 * time.Second
	}
	m := &Manager{
		cfg:    cfg,
		st:     st,
		writer: writer,
		log:    slog.With("component", "sessions", "gateway_id", cfg.GatewayID),
		actors: make(map[string]*Actor),
		loads:  make(map[string]chan struct{}),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go m.renewLoop()
	return m
}

// CreateParams holds the client-supplied attributes of a new session.
type CreateParams struct {
	UserID           string
	AgentType        string
	WorkingDirectory string
	WorktreeID       string
	RepositoryID     string
}

// CreateSession persists a new session, claims its lease, and starts
// its actor. Agent startup runs asynchronously; the returned actor is
// immediately subscribable in provisioning state.
func (m *Manager) CreateSession(ctx context.Context, p CreateParams) (*Actor, error) {
	sessionID := "sess-" + id.Generate()
	now := time.Now().UTC()

	if err := m.st.CreateSession(ctx, store.CreateSessionParams{
		ID:               sessionID,
		UserID:           p.UserID,
		AgentType:        p.AgentType,
		WorkingDirectory: p.WorkingDirectory,
		WorktreeID:       p.WorktreeID,
		RepositoryID:     p.RepositoryID,
	}); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	expiresAt := now.Add(m.cfg.LeaseTimeout)
	if err := m.st.AcquireLease(ctx, sessionID, m.cfg.GatewayID, expiresAt); err != nil {
		return nil, fmt.Errorf("claim new session: %w", err)
	}

	sess := &store.Session{
		ID:               sessionID,
		UserID:           p.UserID,
		AgentType:        p.AgentType,
		WorkingDirectory: p.WorkingDirectory,
		WorktreeID:       p.WorktreeID,
		RepositoryID:     p.RepositoryID,
		Status:           store.StatusProvisioning,
		WorkflowStatus:   store.WorkflowStarted,
		NextSeq:          1,
		CreatedAt:        now,
		LastActivityAt:   now,
		ClaimedBy:        m.cfg.GatewayID,
		LeaseExpiresAt:   expiresAt,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	a := newActor(sess, nil, m.st, m.writer, m.cfg.Actor)
	m.actors[sessionID] = a
	m.mu.Unlock()
	metrics.ActiveSessions.Inc()
	m.log.Info("session created", "session_id", sessionID, "agent_type", p.AgentType)

	if m.cfg.Launcher != nil {
		go m.launchAgent(a)
	}
	return a, nil
}

// Get returns the resident actor for a session, if any.
func (m *Manager) Get(sessionID string) (*Actor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[sessionID]
	return a, ok
}

// GetOrLoad returns the resident actor, loading the session from the
// store and claiming its lease when necessary. Concurrent loads of the
// same session collapse into one. Returns store.ErrLeaseHeld when
// another gateway owns the session.
func (m *Manager) GetOrLoad(ctx context.Context, sessionID string) (*Actor, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrManagerClosed
		}
		if a, ok := m.actors[sessionID]; ok {
			m.mu.Unlock()
			return a, nil
		}
		if ch, ok := m.loads[sessionID]; ok {
			m.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		ch := make(chan struct{})
		m.loads[sessionID] = ch
		m.mu.Unlock()

		a, err := m.load(ctx, sessionID)

		m.mu.Lock()
		delete(m.loads, sessionID)
		if err == nil {
			m.actors[sessionID] = a
		}
		m.mu.Unlock()
		close(ch)

		if err != nil {
			return nil, err
		}
		metrics.ActiveSessions.Inc()
		return a, nil
	}
}

// load claims and rehydrates one session: lease, seq reconciliation,
// ring warm-up from the stored tail, and recovery of a pending
// awaiting_input.
func (m *Manager) load(ctx context.Context, sessionID string) (*Actor, error) {
	sess, err := m.st.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().UTC().Add(m.cfg.LeaseTimeout)
	if err := m.st.AcquireLease(ctx, sessionID, m.cfg.GatewayID, expiresAt); err != nil {
		return nil, err
	}
	sess.ClaimedBy = m.cfg.GatewayID
	sess.LeaseExpiresAt = expiresAt

	// The event log is authoritative for seq assignment; the session
	// row may lag behind the last synced value.
	latest, err := m.st.LatestSeq(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("reconcile seq: %w", err)
	}
	if latest+1 > sess.NextSeq {
		sess.NextSeq = latest + 1
		if err := m.st.UpdateNextSeq(ctx, sessionID, sess.NextSeq); err != nil {
			return nil, fmt.Errorf("persist reconciled seq: %w", err)
		}
	}

	acfg := m.cfg.Actor.withDefaults()
	seedFrom := latest - int64(acfg.RingMaxEvents) + 1
	if seedFrom < 1 {
		seedFrom = 1
	}
	seed, err := m.st.ListEventsFrom(ctx, sessionID, seedFrom, acfg.RingMaxEvents)
	if err != nil {
		m.log.Warn("ring warm-up failed", "session_id", sessionID, "error", err)
		seed = nil
	}

	a := newActor(sess, seed, m.st, m.writer, m.cfg.Actor)
	if err := a.recoverAwaiting(ctx); err != nil {
		m.log.Warn("awaiting input recovery failed", "session_id", sessionID, "error", err)
	}
	m.log.Info("session loaded", "session_id", sessionID, "status", sess.Status, "latest_seq", latest)

	if m.cfg.Launcher != nil && !sess.Status.Terminal() {
		go m.launchAgent(a)
	}
	return a, nil
}

// launchAgent runs the provisioning → starting → running sequence. On
// recovery the session may already be past some of it; transitions that
// no longer apply are skipped.
func (m *Manager) launchAgent(a *Actor) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	snap, err := a.Info(ctx)
	if err != nil {
		return
	}
	if snap.Status == store.StatusProvisioning {
		if err := a.SetStatus(ctx, store.StatusStarting, ""); err != nil {
			m.log.Error("start transition failed", "session_id", a.ID(), "error", err)
			return
		}
	}

	sess, err := m.st.GetSession(ctx, a.ID())
	if err != nil {
		m.failSession(ctx, a, fmt.Errorf("load session for launch: %w", err))
		return
	}
	stream, err := m.cfg.Launcher.Launch(ctx, sess)
	if err != nil {
		m.failSession(ctx, a, fmt.Errorf("launch agent: %w", err))
		return
	}
	if err := a.AttachAgent(ctx, stream); err != nil {
		_ = stream.Close()
		return
	}

	snap, err = a.Info(ctx)
	if err != nil {
		return
	}
	if snap.Status != store.StatusRunning {
		if err := a.SetStatus(ctx, store.StatusRunning, ""); err != nil {
			m.log.Error("running transition failed", "session_id", a.ID(), "error", err)
		}
	}
}

func (m *Manager) failSession(ctx context.Context, a *Actor, cause error) {
	m.log.Error("session failed", "session_id", a.ID(), "error", cause)
	if err := a.SetStatus(ctx, store.StatusError, cause.Error()); err != nil {
		m.log.Error("error transition failed", "session_id", a.ID(), "error", err)
	}
}

// StopSession runs the orderly stop sequence and releases the lease.
// Non-resident sessions are loaded first so the stop is recorded
// through the same path.
func (m *Manager) StopSession(ctx context.Context, sessionID string) error {
	a, err := m.GetOrLoad(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := a.Shutdown(ctx); err != nil {
		return err
	}
	m.remove(sessionID)
	if err := m.st.ReleaseLease(ctx, sessionID, m.cfg.GatewayID); err != nil {
		m.log.Warn("release lease failed", "session_id", sessionID, "error", err)
	}
	m.log.Info("session stopped", "session_id", sessionID)
	return nil
}

func (m *Manager) remove(sessionID string) {
	m.mu.Lock()
	_, ok := m.actors[sessionID]
	delete(m.actors, sessionID)
	m.mu.Unlock()
	if ok {
		metrics.ActiveSessions.Dec()
	}
}

func (m *Manager) renewLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.LeaseTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.renewAll()
		}
	}
}

// renewAll extends the lease on every resident session. A failed
// renewal means another gateway took the session over after our lease
// expired; the actor is evicted and its subscribers told to reconnect.
func (m *Manager) renewAll() {
	m.mu.Lock()
	snapshot := make(map[string]*Actor, len(m.actors))
	for sid, a := range m.actors {
		snapshot[sid] = a
	}
	m.mu.Unlock()

	expiresAt := time.Now().UTC().Add(m.cfg.LeaseTimeout)
	for sid, a := range snapshot {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := m.st.RenewLease(ctx, sid, m.cfg.GatewayID, expiresAt)
		cancel()
		if err == nil {
			continue
		}
		metrics.LeaseRenewalFailuresTotal.Inc()
		m.log.Error("lease renewal failed, evicting session", "session_id", sid, "error", err)
		m.evict(sid, a)
	}
}

func (m *Manager) evict(sessionID string, a *Actor) {
	m.remove(sessionID)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Abandon(ctx, wire.CodeLeaseLost, "session moved to another gateway"); err != nil {
		m.log.Warn("abandon after lease loss failed", "session_id", sessionID, "error", err)
	}
}

// SessionCount returns the number of resident sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actors)
}

// Resident returns the IDs of sessions currently hosted by this
// gateway.
func (m *Manager) Resident() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.actors))
	for sid := range m.actors {
		out = append(out, sid)
	}
	return out
}

// Close suspends all resident actors and releases their leases so
// another gateway can pick the sessions up. Sessions are not stopped.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	snapshot := make(map[string]*Actor, len(m.actors))
	for sid, a := range m.actors {
		snapshot[sid] = a
	}
	m.actors = make(map[string]*Actor)
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh

	var firstErr error
	for sid, a := range snapshot {
		if err := a.Suspend(ctx, "", "gateway shutting down"); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := m.st.ReleaseLease(ctx, sid, m.cfg.GatewayID); err != nil && firstErr == nil {
			firstErr = err
		}
		metrics.ActiveSessions.Dec()
	}
	if err := m.st.DeleteConnectionsForGateway(ctx, m.cfg.GatewayID); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
