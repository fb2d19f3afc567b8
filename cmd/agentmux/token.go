package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/agentmux/agentmux/internal/gateway/auth"
	"github.com/agentmux/agentmux/internal/gateway/config"
	"github.com/agentmux/agentmux/internal/gateway/db"
)

// runToken mints an API token directly against the gateway database.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	dataDir := fs.String("data-dir", "", "data directory (overrides config)")
	userID := fs.String("user", "admin", "user id the token authenticates as")
	ttl := fs.Duration("ttl", 90*24*time.Hour, "token lifetime")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sqlDB, err := db.Open(cfg.DBPath())
	if err != nil {
		return err
	}
	defer func() { _ = sqlDB.Close() }()
	if err := db.Migrate(sqlDB); err != nil {
		return err
	}

	token, err := auth.Issue(context.Background(), db.NewStore(sqlDB), *userID, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
