package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset = "\033[0m"
	bold  = "\033[1m"
	cyan  = "\033[36m"
	dim   = "\033[2m"
)

// AgentMux ASCII art.
var logoLines = [6]string{
	`     _                    _   __  __            `,
	`    / \   __ _  ___ _ __ | |_|  \/  |_   ___  __`,
	`   / _ \ / _` + "`" + ` |/ _ \ '_ \| __| |\/| | | | \ \/ /`,
	`  / ___ \ (_| |  __/ | | | |_| |  | | |_| |>  < `,
	` /_/   \_\__, |\___|_| |_|\__|_|  |_|\__,_/_/\_\`,
	`         |___/                                  `,
}

// PrintBanner prints the AgentMux ASCII art logo with version, gateway
// id, and listen address below. Colors are used only when stderr is a TTY.
func PrintBanner(ver, gatewayID, addr string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	for i := 0; i < 6; i++ {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s\n", bold+cyan, logoLines[i], reset)
		} else {
			fmt.Fprintln(os.Stderr, logoLines[i])
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %sgateway%s %s   %saddr%s %s\n\n",
			dim, reset, ver, dim, reset, gatewayID, dim, reset, addr)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   gateway %s   addr %s\n\n", ver, gatewayID, addr)
	}
}
