package agentio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// LocalOptions configures a locally spawned agent process. Used by the
// standalone deployment and tests; production agents live in sandbox
// containers reached through a Dialer.
type LocalOptions struct {
	Command    string
	Args       []string
	WorkingDir string
	Env        []string

	// UsePTY runs the process under a pseudo-terminal and switches the
	// stream to raw chunk framing. Shell-kind agents need a PTY;
	// NDJSON-speaking agents use plain pipes.
	UsePTY bool
}

// StartLocal spawns an agent process and returns its Stream. The
// process receives SIGTERM when ctx is cancelled, with a kill delay.
func StartLocal(ctx context.Context, opts LocalOptions) (Stream, error) {
	cmd := exec.CommandContext(ctx, opts.Command, opts.Args...)
	cmd.Dir = opts.WorkingDir
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	if opts.UsePTY {
		return startPTY(cmd)
	}
	return startPipes(cmd)
}

func startPipes(cmd *exec.Cmd) (Stream, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %s: %w", cmd.Path, err)
	}

	rwc := &pipePair{Reader: stdout, Writer: stdin, closers: []io.Closer{stdin}}
	return newStream(rwc, true, waitFor(cmd)), nil
}

func startPTY(cmd *exec.Cmd) (Stream, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start agent pty %s: %w", cmd.Path, err)
	}
	return newStream(&ptyConn{ptmx: ptmx}, false, waitFor(cmd)), nil
}

// waitFor returns a function that reaps the process and reports its
// exit status. Called once from the stream's read loop after EOF.
func waitFor(cmd *exec.Cmd) func() ExitStatus {
	return func() ExitStatus {
		err := cmd.Wait()
		if err == nil {
			return ExitStatus{Code: 0}
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			status := ExitStatus{Code: exitErr.ExitCode()}
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				status.Signal = ws.Signal().String()
			}
			return status
		}
		return ExitStatus{Code: -1, Err: err}
	}
}

// pipePair joins a read end and a write end into one ReadWriteCloser.
type pipePair struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (p *pipePair) Close() error {
	var firstErr error
	for _, c := range p.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ptyConn adapts the PTY master to io.ReadWriteCloser.
type ptyConn struct {
	ptmx *os.File
}

func (p *ptyConn) Read(b []byte) (int, error)  { return p.ptmx.Read(b) }
func (p *ptyConn) Write(b []byte) (int, error) { return p.ptmx.Write(b) }
func (p *ptyConn) Close() error                { return p.ptmx.Close() }
