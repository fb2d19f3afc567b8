// Package cleanup runs the background sweeper: it reaps sessions
// abandoned by dead gateways, demotes inactive sessions to idle, stops
// sessions past the age cap, and trims acked events of stopped
// sessions from the store.
package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/agentmux/agentmux/internal/gateway/session"
	"github.com/agentmux/agentmux/internal/gateway/store"
	"github.com/agentmux/agentmux/internal/metrics"
)

// SessionControl is the slice of the session manager the sweeper needs.
type SessionControl interface {
	Get(sessionID string) (*session.Actor, bool)
	GetOrLoad(ctx context.Context, sessionID string) (*session.Actor, error)
	StopSession(ctx context.Context, sessionID string) error
}

// Config tunes the sweeper. Zero values take defaults.
type Config struct {
	Interval          time.Duration
	StaleLeaseTimeout time.Duration
	IdleTimeout       time.Duration
	MaxSessionAge     time.Duration
	BatchLimit        int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Interval <= 0 {
		out.Interval = time.Minute
	}
	if out.StaleLeaseTimeout <= 0 {
		out.StaleLeaseTimeout = 5 * time.Minute
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = 30 * time.Minute
	}
	if out.MaxSessionAge <= 0 {
		out.MaxSessionAge = 168 * time.Hour
	}
	if out.BatchLimit <= 0 {
		out.BatchLimit = 200
	}
	return out
}

// Sweeper is the periodic cleanup job. It never appends session events
// itself; all state changes go through the owning actor, so the
// single-writer property holds.
type Sweeper struct {
	st       store.Store
	sessions SessionControl
	cfg      Config
	log      *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewSweeper(st store.Store, sessions SessionControl, cfg Config) *Sweeper {
	return &Sweeper{
		st:       st,
		sessions: sessions,
		cfg:      cfg.withDefaults(),
		log:      slog.With("component", "cleanup"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	go s.run()
}

// Stop halts the loop, waiting for an in-flight sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	close(s.stopCh)
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Interval)
			s.Sweep(ctx)
			cancel()
		}
	}
}

// Sweep runs one pass of every cleanup task. Exported for tests and
// for forcing a pass from tooling.
func (s *Sweeper) Sweep(ctx context.Context) {
	metrics.CleanupSweepsTotal.Inc()
	now := time.Now().UTC()
	s.reapStaleLeases(ctx, now)
	s.resolveExpiredAwaits(ctx, now)
	s.sweepIdle(ctx, now)
	s.reapAged(ctx, now)
	s.trimEvents(ctx)
}

// resolveExpiredAwaits applies the default action to awaiting_input
// sessions whose deadline passed while no gateway hosted them. Loading
// through the manager resolves the expiry on the actor, so the timeout
// event goes through the session's single writer.
func (s *Sweeper) resolveExpiredAwaits(ctx context.Context, now time.Time) {
	ids, err := s.st.ListExpiredAwaiting(ctx, now, s.cfg.BatchLimit)
	if err != nil {
		s.log.Error("list expired awaiting failed", "error", err)
		return
	}
	for _, sid := range ids {
		if _, resident := s.sessions.Get(sid); resident {
			// The resident actor's own timer resolves it.
			continue
		}
		if _, err := s.sessions.GetOrLoad(ctx, sid); err != nil {
			if _, held := store.AsLeaseHeld(err); held {
				continue
			}
			s.log.Warn("load session with expired await failed", "session_id", sid, "error", err)
			continue
		}
		metrics.CleanupReapedTotal.WithLabelValues("expired_await").Inc()
		s.log.Info("resolved expired awaiting input", "session_id", sid)
	}
}

// reapStaleLeases stops sessions whose lease expired long ago: their
// gateway died without handing the session off, and the agent process
// died with it.
func (s *Sweeper) reapStaleLeases(ctx context.Context, now time.Time) {
	ids, err := s.st.ListStaleLeaseSessions(ctx, now.Add(-s.cfg.StaleLeaseTimeout), s.cfg.BatchLimit)
	if err != nil {
		s.log.Error("list stale leases failed", "error", err)
		return
	}
	for _, sid := range ids {
		if _, resident := s.sessions.Get(sid); resident {
			// Our own renewal loop deals with resident sessions.
			continue
		}
		if err := s.sessions.StopSession(ctx, sid); err != nil {
			if _, held := store.AsLeaseHeld(err); held {
				continue
			}
			s.log.Warn("stop abandoned session failed", "session_id", sid, "error", err)
			continue
		}
		metrics.CleanupReapedTotal.WithLabelValues("stale_lease").Inc()
		s.log.Info("reaped abandoned session", "session_id", sid)
	}
}

// sweepIdle handles sessions past the inactivity threshold in two
// steps: running sessions are demoted to idle, and sessions that were
// already idle on a previous pass are stopped.
func (s *Sweeper) sweepIdle(ctx context.Context, now time.Time) {
	ids, err := s.st.ListIdleSessions(ctx, now.Add(-s.cfg.IdleTimeout), s.cfg.BatchLimit)
	if err != nil {
		s.log.Error("list idle sessions failed", "error", err)
		return
	}
	for _, sid := range ids {
		sess, err := s.st.GetSession(ctx, sid)
		if err != nil {
			continue
		}
		switch sess.Status {
		case store.StatusRunning:
			a, resident := s.sessions.Get(sid)
			if !resident {
				continue
			}
			if err := a.SetStatus(ctx, store.StatusIdle, ""); err != nil {
				var invalid *session.InvalidTransitionError
				if !errors.As(err, &invalid) {
					s.log.Warn("demote to idle failed", "session_id", sid, "error", err)
				}
			}
		case store.StatusIdle:
			if err := s.sessions.StopSession(ctx, sid); err != nil {
				if _, held := store.AsLeaseHeld(err); held {
					continue
				}
				s.log.Warn("stop idle session failed", "session_id", sid, "error", err)
				continue
			}
			metrics.CleanupReapedTotal.WithLabelValues("idle").Inc()
			s.log.Info("reaped idle session", "session_id", sid)
		}
	}
}

// reapAged stops sessions older than the age cap regardless of
// activity.
func (s *Sweeper) reapAged(ctx context.Context, now time.Time) {
	ids, err := s.st.ListAgedSessions(ctx, now.Add(-s.cfg.MaxSessionAge), s.cfg.BatchLimit)
	if err != nil {
		s.log.Error("list aged sessions failed", "error", err)
		return
	}
	for _, sid := range ids {
		if err := s.sessions.StopSession(ctx, sid); err != nil {
			if _, held := store.AsLeaseHeld(err); held {
				continue
			}
			s.log.Warn("stop aged session failed", "session_id", sid, "error", err)
			continue
		}
		metrics.CleanupReapedTotal.WithLabelValues("aged").Inc()
		s.log.Info("reaped aged session", "session_id", sid)
	}
}

// trimEvents deletes events of stopped sessions below the lowest ack
// watermark across their recorded connections. Sessions without any
// recorded connection keep their full log for later replay.
func (s *Sweeper) trimEvents(ctx context.Context) {
	ids, err := s.st.ListStoppedSessions(ctx, s.cfg.BatchLimit)
	if err != nil {
		s.log.Error("list stopped sessions failed", "error", err)
		return
	}
	for _, sid := range ids {
		minAck, ok, err := s.st.MinAckedSeq(ctx, sid)
		if err != nil {
			s.log.Warn("min acked seq failed", "session_id", sid, "error", err)
			continue
		}
		if !ok || minAck <= 0 {
			continue
		}
		deleted, err := s.st.DeleteEventsBefore(ctx, sid, minAck+1)
		if err != nil {
			s.log.Warn("trim events failed", "session_id", sid, "error", err)
			continue
		}
		if deleted > 0 {
			metrics.CleanupReapedTotal.WithLabelValues("events").Add(float64(deleted))
			s.log.Debug("trimmed acked events", "session_id", sid, "deleted", deleted)
		}
	}
}
