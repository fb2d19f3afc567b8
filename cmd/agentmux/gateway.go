package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/agentmux/agentmux/gateway"
	"github.com/agentmux/agentmux/internal/agentio"
	"github.com/agentmux/agentmux/internal/gateway/config"
	"github.com/agentmux/agentmux/internal/gateway/session"
	"github.com/agentmux/agentmux/internal/gateway/store"
	"github.com/agentmux/agentmux/internal/logging"
)

func runGateway(args []string) error {
	fs := flag.NewFlagSet("gateway", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	addr := fs.String("addr", "", "listen address (overrides config)")
	dataDir := fs.String("data-dir", "", "data directory (overrides config)")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	agentCmd := fs.String("agent-cmd", "", "command to spawn per session agent (standalone mode)")
	agentPTY := fs.Bool("agent-pty", false, "run spawned agents under a PTY")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logging.SetLevel(level)

	if err := cfg.Validate(); err != nil {
		return err
	}
	logging.PrintBanner(version, cfg.GatewayID, cfg.Addr)

	var launcher session.AgentLauncher
	if *agentCmd != "" {
		launcher = &localLauncher{command: *agentCmd, usePTY: *agentPTY}
	}

	server, err := gateway.NewServer(gateway.Options{
		Config:   cfg,
		Launcher: launcher,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Serve(ctx)
}

// localLauncher spawns one local agent process per session, in the
// session's working directory. Sandboxed deployments replace this with
// a dialer into the container runtime.
type localLauncher struct {
	command string
	usePTY  bool
}

func (l *localLauncher) Launch(ctx context.Context, sess *store.Session) (agentio.Stream, error) {
	slog.Info("spawning local agent", "session_id", sess.ID, "agent_type", sess.AgentType, "command", l.command)
	return agentio.StartLocal(context.Background(), agentio.LocalOptions{
		Command:    l.command,
		Args:       []string{sess.AgentType},
		WorkingDir: sess.WorkingDirectory,
		UsePTY:     l.usePTY,
	})
}
