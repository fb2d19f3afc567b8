// Package persist batches session events into the durable store. One
// consumer goroutine drains a bounded queue fed by many actors; batches
// are written when they reach the configured size or age. Failed writes
// are retried with exponential backoff; when the retry cap is exceeded
// the writer pauses and surfaces a structural error, holding buffered
// events until an operator resumes it.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/agentmux/agentmux/internal/gateway/store"
	"github.com/agentmux/agentmux/internal/metrics"
)

// ErrPaused is returned by flush operations while the writer is paused
// after exhausting its retry budget.
var ErrPaused = errors.New("persist: writer paused after repeated write failures")

// Config tunes the writer's batching and retry behavior.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int           // attempts per batch before pausing
	QueueDepth    int           // bounded queue between actors and the consumer
	OnError       func(error)   // called once when the writer pauses
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BatchSize <= 0 {
		out.BatchSize = 64
	}
	if out.FlushInterval <= 0 {
		out.FlushInterval = 250 * time.Millisecond
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 8
	}
	if out.QueueDepth <= 0 {
		out.QueueDepth = 4096
	}
	return out
}

type flushRequest struct {
	done chan error
}

// Writer is the batching persistence writer.
type Writer struct {
	st  store.Store
	cfg Config
	log *slog.Logger

	in       chan store.Event
	flushReq chan flushRequest
	resumeCh chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWriter creates and starts a Writer.
func NewWriter(st store.Store, cfg Config) *Writer {
	w := &Writer{
		st:       st,
		cfg:      cfg.withDefaults(),
		log:      slog.With("component", "persist"),
		flushReq: make(chan flushRequest),
		resumeCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	w.in = make(chan store.Event, w.cfg.QueueDepth)
	go w.run()
	return w
}

// Enqueue hands one event to the writer. It never fails; when the queue
// is full it blocks, which is the actors' backpressure signal. Events
// arriving after Stop bypass the queue and are written synchronously,
// so shutdown loses nothing.
func (w *Writer) Enqueue(ev store.Event) {
	select {
	case w.in <- ev:
		metrics.PersistQueueDepth.Inc()
	case <-w.stopCh:
		// The consumer is draining for shutdown and may already be
		// gone. The store upserts on (sessionID, seq), so a direct
		// write is safe even if the event also reached the queue.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.st.AppendEvents(ctx, []store.Event{ev}); err != nil {
			w.log.Error("late event write failed during shutdown", "session_id", ev.SessionID, "seq", ev.Seq, "error", err)
		}
	}
}

// TryEnqueue hands one event to the writer without blocking. Returns
// false when the queue is full.
func (w *Writer) TryEnqueue(ev store.Event) bool {
	select {
	case w.in <- ev:
		metrics.PersistQueueDepth.Inc()
		return true
	default:
		return false
	}
}

// Flush forces all buffered events to the store and waits for the write
// to finish. Returns ErrPaused when the writer is paused.
func (w *Writer) Flush(ctx context.Context) error {
	req := flushRequest{done: make(chan error, 1)}
	select {
	case w.flushReq <- req:
	case <-w.doneCh:
		return fmt.Errorf("persist: writer stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DrainSession flushes everything buffered for the given session.
// Batches are global, so this is a full flush; the granularity of the
// contract is what matters to callers.
func (w *Writer) DrainSession(ctx context.Context, sessionID string) error {
	return w.Flush(ctx)
}

// Resume lifts a pause caused by exhausted retries.
func (w *Writer) Resume() {
	select {
	case w.resumeCh <- struct{}{}:
	default:
	}
}

// Stop flushes remaining buffered events and returns after completion
// or error. Safe to call once.
func (w *Writer) Stop(ctx context.Context) error {
	close(w.stopCh)
	select {
	case <-w.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	var buf []store.Event
	for {
		select {
		case ev := <-w.in:
			buf = append(buf, ev)
			if len(buf) >= w.cfg.BatchSize {
				buf = w.writeAll(buf)
			}

		case <-ticker.C:
			if len(buf) > 0 {
				buf = w.writeAll(buf)
			}

		case req := <-w.flushReq:
			buf = append(buf, w.drainQueue()...)
			buf = w.writeAll(buf)
			if len(buf) > 0 {
				req.done <- ErrPaused
			} else {
				req.done <- nil
			}

		case <-w.stopCh:
			// Enqueues can race the close of stopCh and still land in
			// the queue; keep draining until it stays empty.
			for {
				buf = append(buf, w.drainQueue()...)
				buf = w.writeAll(buf)
				if len(buf) > 0 {
					w.log.Error("stopping with unpersisted events", "count", len(buf))
					return
				}
				if len(w.in) == 0 {
					return
				}
			}
		}
	}
}

func (w *Writer) drainQueue() []store.Event {
	var out []store.Event
	for {
		select {
		case ev := <-w.in:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// writeAll writes buf to the store, retrying with exponential backoff.
// Sequence numbers are assigned before enqueue and the store upserts on
// (sessionID, seq), so retried batches are idempotent. Returns the
// events that remain unpersisted (non-empty only after pausing and
// failing again, or when stopped mid-pause).
func (w *Writer) writeAll(buf []store.Event) []store.Event {
	if len(buf) == 0 {
		return nil
	}

	bo := newBatchBackoff()
	attempts := 0
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := w.st.AppendEvents(ctx, buf)
		cancel()

		if err == nil {
			metrics.PersistBatchesTotal.Inc()
			metrics.PersistQueueDepth.Sub(float64(len(buf)))
			return nil
		}

		attempts++
		metrics.PersistRetriesTotal.Inc()
		if attempts >= w.cfg.MaxRetries {
			w.log.Error("write retries exhausted, pausing writer", "attempts", attempts, "error", err)
			metrics.PersistPaused.Set(1)
			if w.cfg.OnError != nil {
				w.cfg.OnError(fmt.Errorf("%w: %v", ErrPaused, err))
			}

			// Hold the buffer until an operator resumes or we stop.
			select {
			case <-w.resumeCh:
				w.log.Info("writer resumed")
				metrics.PersistPaused.Set(0)
				bo.Reset()
				attempts = 0
				continue
			case <-w.stopCh:
				return buf
			}
		}

		interval := bo.NextBackOff()
		w.log.Warn("batch write failed, retrying", "attempt", attempts, "backoff", interval, "error", err)
		select {
		case <-time.After(interval):
		case <-w.stopCh:
			// One final attempt happens on the stop path.
		}
	}
}

// newBatchBackoff creates an exponential backoff: 100ms → 10s, multiplier 2x, ±20% jitter.
func newBatchBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}
