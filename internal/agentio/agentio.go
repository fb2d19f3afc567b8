// Package agentio provides the duplex stream contract between a session
// actor and its agent process. The gateway does not interpret agent
// semantics; a stream carries opaque lines (or raw chunks for PTY-hosted
// agents) in both directions. Container-hosted agents are reached
// through a Dialer; local agents are spawned by the local host in this
// package.
package agentio

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
)

// Buffer sizes for the stream's bounded channels. The output channel
// blocking is deliberate: a full actor inbox stalls the reader, which
// stalls the agent process itself.
const (
	outputBufferSize   = 256
	outboundBufferSize = 256
	maxChunkSize       = 32 * 1024
)

// ErrAgentBusy is returned by Send when the outbound buffer is full.
// The caller owns the backpressure policy.
var ErrAgentBusy = errors.New("agentio: outbound buffer full")

// ErrStreamClosed is returned by Send after the stream has closed.
var ErrStreamClosed = errors.New("agentio: stream closed")

// ExitStatus describes how the agent side of a stream terminated.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

// Stream is a duplex byte/line stream to one agent.
type Stream interface {
	// Send queues one line for the agent. It never blocks: when the
	// bounded outbound buffer is full it returns ErrAgentBusy.
	Send(line []byte) error

	// Output delivers agent output. The channel is bounded; a slow
	// consumer blocks the reader and, transitively, the agent.
	Output() <-chan []byte

	// Exit delivers the terminal status exactly once, then closes.
	Exit() <-chan ExitStatus

	// Close tears down the stream. Safe to call multiple times.
	Close() error
}

type stream struct {
	rwc        io.ReadWriteCloser
	lineFramed bool

	out      chan []byte
	outbound chan []byte
	exit     chan ExitStatus

	// wait, when set, supplies the process exit status after the
	// reader drains (local exec/PTY hosts).
	wait func() ExitStatus

	closeOnce sync.Once
	done      chan struct{}
}

// NewStream wraps an open duplex connection (e.g. a TCP or Unix socket
// to a sandbox container) as a line-framed Stream.
func NewStream(rwc io.ReadWriteCloser) Stream {
	return newStream(rwc, true, nil)
}

func newStream(rwc io.ReadWriteCloser, lineFramed bool, wait func() ExitStatus) *stream {
	s := &stream{
		rwc:        rwc,
		lineFramed: lineFramed,
		out:        make(chan []byte, outputBufferSize),
		outbound:   make(chan []byte, outboundBufferSize),
		exit:       make(chan ExitStatus, 1),
		wait:       wait,
		done:       make(chan struct{}),
	}
	go s.writeLoop()
	go s.readLoop()
	return s
}

func (s *stream) Send(line []byte) error {
	// Copy: the caller may reuse the slice after Send returns.
	buf := make([]byte, len(line))
	copy(buf, line)

	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}

	select {
	case s.outbound <- buf:
		return nil
	case <-s.done:
		return ErrStreamClosed
	default:
		return ErrAgentBusy
	}
}

func (s *stream) Output() <-chan []byte { return s.out }

func (s *stream) Exit() <-chan ExitStatus { return s.exit }

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.rwc.Close()
	})
	return nil
}

func (s *stream) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case line := <-s.outbound:
			if s.lineFramed && (len(line) == 0 || line[len(line)-1] != '\n') {
				line = append(line, '\n')
			}
			if _, err := s.rwc.Write(line); err != nil {
				_ = s.Close()
				return
			}
		}
	}
}

func (s *stream) readLoop() {
	var readErr error
	if s.lineFramed {
		readErr = s.readLines()
	} else {
		readErr = s.readChunks()
	}
	close(s.out)

	status := ExitStatus{}
	if s.wait != nil {
		status = s.wait()
	} else if readErr != nil && !errors.Is(readErr, io.EOF) && !isClosed(readErr) {
		status.Err = readErr
		status.Code = -1
	}
	s.exit <- status
	close(s.exit)
	_ = s.Close()
}

func (s *stream) readLines() error {
	scanner := bufio.NewScanner(s.rwc)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		select {
		case s.out <- line:
		case <-s.done:
			return nil
		}
	}
	return scanner.Err()
}

func (s *stream) readChunks() error {
	buf := make([]byte, maxChunkSize)
	for {
		n, err := s.rwc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.out <- chunk:
			case <-s.done:
				return nil
			}
		}
		if err != nil {
			return err
		}
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}
