// Package gateway provides a reusable gateway server that can be
// embedded in other binaries (e.g. an all-in-one standalone binary).
package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/agentmux/agentmux/internal/gateway/auth"
	"github.com/agentmux/agentmux/internal/gateway/cleanup"
	"github.com/agentmux/agentmux/internal/gateway/config"
	"github.com/agentmux/agentmux/internal/gateway/db"
	"github.com/agentmux/agentmux/internal/gateway/frontend"
	"github.com/agentmux/agentmux/internal/gateway/persist"
	"github.com/agentmux/agentmux/internal/gateway/session"
	"github.com/agentmux/agentmux/internal/logging"
	"github.com/agentmux/agentmux/internal/metrics"
)

// bootstrapTokenTTL is the lifetime of the token minted on first run.
const bootstrapTokenTTL = 90 * 24 * time.Hour

// Options configures an embedded gateway server.
type Options struct {
	Config *config.Config

	// Launcher starts agent processes for sessions hosted here. Nil
	// runs the gateway without live agents (replay and coordination
	// only), which is what most tests want.
	Launcher session.AgentLauncher
}

// Server is a reusable gateway instance.
type Server struct {
	cfg        *config.Config
	sqlDB      *sql.DB
	store      *db.Store
	writer     *persist.Writer
	sessions   *session.Manager
	sweeper    *cleanup.Sweeper
	server     *http.Server
	shutdownCh chan struct{}
}

// NewServer opens the database, runs migrations, seeds the bootstrap
// token, and wires all components. Call Serve to start listening.
func NewServer(opts Options) (*Server, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	sqlDB, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	st := db.NewStore(sqlDB)

	if err := bootstrapToken(context.Background(), st); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	// Connections recorded by a previous run of this gateway are gone.
	if err := st.DeleteConnectionsForGateway(context.Background(), cfg.GatewayID); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("clear stale connections: %w", err)
	}

	writer := persist.NewWriter(st, persist.Config{
		BatchSize:     cfg.PersistBatchSize,
		FlushInterval: cfg.PersistFlushInterval,
	})

	sessions := session.NewManager(st, writer, session.ManagerConfig{
		GatewayID:    cfg.GatewayID,
		LeaseTimeout: cfg.LeaseTimeout,
		Launcher:     opts.Launcher,
		Actor: session.Config{
			RingMaxEvents:        cfg.RingMaxEvents,
			RingMaxBytes:         cfg.RingMaxBytes,
			SubscriberQueueDepth: cfg.SubscriberQueueDepth,
			InputDedupWindow:     cfg.InputDedupWindow,
			AwaitingInputTimeout: cfg.AwaitingInputTimeout,
		},
	})

	sweeper := cleanup.NewSweeper(st, sessions, cleanup.Config{
		Interval:          cfg.CleanupInterval,
		StaleLeaseTimeout: cfg.StaleLeaseTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxSessionAge:     cfg.MaxSessionAge,
	})

	shutdownCh := make(chan struct{})
	validator := auth.NewStoreValidator(st)

	mux := http.NewServeMux()
	mux.Handle("/ws", frontend.NewHandler(validator, sessions, st, cfg.GatewayID, cfg.HeartbeatInterval, shutdownCh))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	h2cHandler := h2c.NewHandler(logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)), &http2.Server{
		MaxConcurrentStreams: 1000,
	})

	server := &http.Server{
		Handler:           h2cHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		cfg:        cfg,
		sqlDB:      sqlDB,
		store:      st,
		writer:     writer,
		sessions:   sessions,
		sweeper:    sweeper,
		server:     server,
		shutdownCh: shutdownCh,
	}, nil
}

// Store exposes the durable store for embedding binaries (e.g. to mint
// tokens directly).
func (s *Server) Store() *db.Store {
	return s.store
}

// Sessions exposes the session manager.
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// bootstrapToken mints an initial admin token on a fresh database and
// logs it once. There is no other way to obtain the first credential.
func bootstrapToken(ctx context.Context, st *db.Store) error {
	n, err := st.CountAuthTokens(ctx)
	if err != nil {
		return fmt.Errorf("count tokens: %w", err)
	}
	if n > 0 {
		return nil
	}
	token, err := auth.Issue(ctx, st, "admin", bootstrapTokenTTL)
	if err != nil {
		return fmt.Errorf("issue bootstrap token: %w", err)
	}
	slog.Info("created bootstrap token, store it now; it is not shown again", "token", token)
	return nil
}

// Serve starts the gateway listener. It blocks until ctx is cancelled,
// then performs graceful shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		_ = s.sqlDB.Close()
		return fmt.Errorf("listen tcp: %w", err)
	}

	s.sweeper.Start()

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("gateway shutting down...")

		// 1. Reject new websocket connections.
		close(s.shutdownCh)

		// 2. Drain in-flight HTTP requests and open sockets.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = s.server.Shutdown(shutdownCtx)
		cancel()

		// 3. Stop the cleanup sweeper.
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = s.sweeper.Stop(stopCtx)
		cancel()

		// 4. Suspend sessions and release leases so another gateway can
		// pick them up.
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := s.sessions.Close(closeCtx); err != nil {
			slog.Warn("session manager close", "error", err)
		}
		cancel()

		// 5. Flush the persistence writer.
		writerCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := s.writer.Stop(writerCtx); err != nil {
			slog.Warn("persistence writer stop", "error", err)
		}
		cancel()

		close(shutdownDone)
	}()

	slog.Info("gateway listening", "addr", s.cfg.Addr, "gateway_id", s.cfg.GatewayID)
	if err := s.server.Serve(ln); err != http.ErrServerClosed {
		_ = s.sqlDB.Close()
		return fmt.Errorf("serve: %w", err)
	}

	<-shutdownDone

	// 6. Checkpoint WAL into the main DB file before closing.
	if _, err := s.sqlDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("WAL checkpoint failed", "error", err)
	}

	// 7. Close database.
	_ = s.sqlDB.Close()
	return nil
}
