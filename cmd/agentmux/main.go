package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/agentmux/agentmux/internal/logging"
)

var version = "dev"

func main() {
	logging.Setup()

	if len(os.Args) < 2 {
		// No subcommand: run the gateway (default).
		if err := runGateway(os.Args[1:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "gateway":
		if err := runGateway(os.Args[2:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
	case "token":
		if err := runToken(os.Args[2:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		// If the first arg starts with '-', treat as gateway flags.
		if len(os.Args[1]) > 0 && os.Args[1][0] == '-' {
			if err := runGateway(os.Args[1:]); err != nil {
				slog.Error("fatal", "error", err)
				os.Exit(1)
			}
			return
		}
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "usage: agentmux [gateway|token|version] [flags]\n")
		os.Exit(1)
	}
}
