// Package session implements the in-memory session runtime: one actor
// goroutine per resident session owning its event log tail, workflow
// state, subscribers, and agent stream, plus the manager that maps
// sessions to actors under cross-gateway lease coordination.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentmux/agentmux/internal/agentio"
	"github.com/agentmux/agentmux/internal/gateway/persist"
	"github.com/agentmux/agentmux/internal/gateway/store"
	"github.com/agentmux/agentmux/internal/gateway/wire"
	"github.com/agentmux/agentmux/internal/metrics"
	"github.com/agentmux/agentmux/internal/util/timefmt"
)

var (
	// ErrActorStopped is returned for operations posted after the actor
	// halted.
	ErrActorStopped = errors.New("session: actor stopped")

	// ErrReplayUnavailable means the requested replay range is no longer
	// retained; the client must resubscribe with lastAckSeq 0.
	ErrReplayUnavailable = errors.New("session: replay unavailable")

	// ErrSessionStopped is returned for input to a terminal session.
	ErrSessionStopped = errors.New("session: session stopped")

	// ErrNoAgent is returned for input when no agent stream is attached.
	ErrNoAgent = errors.New("session: no agent attached")

	// ErrAgentBusy mirrors the agent stream's backpressure signal.
	ErrAgentBusy = agentio.ErrAgentBusy
)

// Config tunes per-actor behavior. Zero values take defaults.
type Config struct {
	RingMaxEvents        int
	RingMaxBytes         int
	SubscriberQueueDepth int
	InboxDepth           int
	InputDedupWindow     time.Duration
	AwaitingInputTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.RingMaxEvents <= 0 {
		out.RingMaxEvents = 1024
	}
	if out.RingMaxBytes <= 0 {
		out.RingMaxBytes = 4 * 1024 * 1024
	}
	if out.SubscriberQueueDepth <= 0 {
		out.SubscriberQueueDepth = 256
	}
	if out.InboxDepth <= 0 {
		out.InboxDepth = 256
	}
	if out.InputDedupWindow <= 0 {
		out.InputDedupWindow = 5 * time.Minute
	}
	if out.AwaitingInputTimeout <= 0 {
		out.AwaitingInputTimeout = 30 * time.Minute
	}
	return out
}

type dedupEntry struct {
	seq int64
	at  time.Time
}

// Actor owns all mutable state of one resident session. Every mutation
// runs on the actor goroutine, fed through a bounded inbox; public
// methods post closures and wait for the reply. Store calls made inside
// the loop briefly suspend the session, which is acceptable: they are
// rare (state transitions, subscriber churn) or deliberate backpressure
// (persistence flush).
type Actor struct {
	id  string
	cfg Config

	st     store.Store
	writer *persist.Writer
	log    *slog.Logger

	inbox   chan func()
	done    chan struct{}
	halted  chan struct{}
	stopErr error

	// Actor-confined state. Only the run loop touches these.
	sess       *store.Session
	ring       *ringBuffer
	subs       map[string]*subscriber
	dedup      map[string]dedupEntry
	agent      agentio.Stream
	awaitTimer *time.Timer
	lastTouch  time.Time
	seqSynced  int64 // highest nextSeq persisted to the session row
}

// newActor wraps a loaded session record and starts the run loop. seed
// holds the tail of the persisted event log used to warm the ring.
func newActor(sess *store.Session, seed []store.Event, st store.Store, writer *persist.Writer, cfg Config) *Actor {
	a := &Actor{
		id:        sess.ID,
		cfg:       cfg.withDefaults(),
		st:        st,
		writer:    writer,
		log:       slog.With("component", "session", "session_id", sess.ID),
		done:      make(chan struct{}),
		halted:    make(chan struct{}),
		sess:      sess,
		subs:      make(map[string]*subscriber),
		dedup:     make(map[string]dedupEntry),
		seqSynced: sess.NextSeq,
	}
	a.inbox = make(chan func(), a.cfg.InboxDepth)
	a.ring = newRingBuffer(a.cfg.RingMaxEvents, a.cfg.RingMaxBytes)
	for _, ev := range seed {
		a.ring.push(ev)
	}
	go a.run()
	return a
}

// ID returns the session ID.
func (a *Actor) ID() string { return a.id }

func (a *Actor) run() {
	defer close(a.halted)
	for {
		select {
		case fn := <-a.inbox:
			fn()
		case <-a.done:
			return
		}
	}
}

// post schedules fn on the actor goroutine, blocking while the inbox is
// full. Returns false once the actor has stopped.
func (a *Actor) post(fn func()) bool {
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.inbox <- fn:
		return true
	case <-a.done:
		return false
	}
}

// call runs fn on the actor goroutine and waits for it to finish.
func (a *Actor) call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !a.post(func() {
		defer close(ran)
		fn()
	}) {
		return ErrActorStopped
	}
	select {
	case <-ran:
		return nil
	case <-a.halted:
		return ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot is a point-in-time view of the actor's state.
type Snapshot struct {
	Status      store.SessionStatus
	Workflow    store.WorkflowStatus
	LatestSeq   int64
	Subscribers int
}

// Info returns a snapshot of the session's current state.
func (a *Actor) Info(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := a.call(ctx, func() {
		snap = Snapshot{
			Status:      a.sess.Status,
			Workflow:    a.sess.WorkflowStatus,
			LatestSeq:   a.sess.NextSeq - 1,
			Subscribers: len(a.subs),
		}
	})
	return snap, err
}

// AttachAgent wires the agent stream and starts the pump that feeds its
// output and exit into the actor. At most one agent per actor.
func (a *Actor) AttachAgent(ctx context.Context, s agentio.Stream) error {
	return a.call(ctx, func() {
		if a.agent != nil {
			_ = a.agent.Close()
		}
		a.agent = s
		go a.pumpAgent(s)
	})
}

// pumpAgent runs outside the actor goroutine. The post call blocks when
// the inbox is full, which stalls the stream reader and, transitively,
// the agent process: backpressure end to end.
func (a *Actor) pumpAgent(s agentio.Stream) {
	for line := range s.Output() {
		line := line
		if !a.post(func() { a.handleAgentOutput(line) }) {
			return
		}
	}
	status, ok := <-s.Exit()
	if ok {
		a.post(func() { a.handleAgentExit(s, status) })
	}
}

// SubscribeResult is the reply to a successful AttachSubscriber.
type SubscribeResult struct {
	CurrentState string
	LatestSeq    int64
}

// AttachSubscriber registers a client for the event stream, replaying
// events after lastAckSeq before live delivery. A second attach with
// the same clientID replaces the first.
func (a *Actor) AttachSubscriber(ctx context.Context, clientID, deviceType, gatewayID string, sink Sink, lastAckSeq int64) (SubscribeResult, error) {
	var (
		res  SubscribeResult
		oerr error
	)
	err := a.call(ctx, func() {
		res, oerr = a.attachSubscriber(ctx, clientID, deviceType, gatewayID, sink, lastAckSeq)
	})
	if err != nil {
		return SubscribeResult{}, err
	}
	return res, oerr
}

func (a *Actor) attachSubscriber(ctx context.Context, clientID, deviceType, gatewayID string, sink Sink, lastAckSeq int64) (SubscribeResult, error) {
	backlog, err := a.replayFrames(ctx, lastAckSeq)
	if err != nil {
		return SubscribeResult{}, err
	}

	if old, ok := a.subs[clientID]; ok {
		old.close("", "replaced by new connection")
	} else {
		metrics.ActiveSubscribers.Inc()
	}
	sub := newSubscriber(clientID, deviceType, gatewayID, sink, a.cfg.SubscriberQueueDepth, backlog, lastAckSeq)
	a.subs[clientID] = sub

	if err := a.st.PutConnection(ctx, store.Connection{
		SessionID:   a.id,
		ClientID:    clientID,
		GatewayID:   gatewayID,
		DeviceType:  deviceType,
		LastAckSeq:  lastAckSeq,
		ConnectedAt: time.Now().UTC(),
	}); err != nil {
		a.log.Warn("record connection failed", "client_id", clientID, "error", err)
	}

	return SubscribeResult{
		CurrentState: string(a.sess.WorkflowStatus),
		LatestSeq:    a.sess.NextSeq - 1,
	}, nil
}

// replayFrames collects the encoded event frames for seqs in
// (lastAckSeq, nextSeq), reading from the ring where possible and the
// store for anything older than the ring's head.
func (a *Actor) replayFrames(ctx context.Context, lastAckSeq int64) ([][]byte, error) {
	startSeq := lastAckSeq + 1
	latest := a.sess.NextSeq - 1
	if startSeq > latest {
		return nil, nil
	}

	var events []store.Event
	first := a.ring.firstSeq()
	if first != 0 && startSeq >= first {
		events = a.ring.from(startSeq)
	} else {
		// The range predates the ring. Flush so the store holds
		// everything assigned so far, then page it back in.
		if err := a.writer.Flush(ctx); err != nil {
			return nil, fmt.Errorf("flush before replay: %w", err)
		}
		stored, err := a.st.ListEventsFrom(ctx, a.id, startSeq, int(latest-startSeq+1))
		if err != nil {
			return nil, fmt.Errorf("load replay events: %w", err)
		}
		if len(stored) == 0 || stored[0].Seq != startSeq {
			return nil, ErrReplayUnavailable
		}
		events = stored
	}

	// The log is dense: any gap means retention already dropped part of
	// the requested range.
	want := startSeq
	frames := make([][]byte, 0, len(events))
	for _, ev := range events {
		if ev.Seq != want {
			return nil, ErrReplayUnavailable
		}
		want++
		frame, err := encodeEventFrame(ev)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	if want != latest+1 {
		return nil, ErrReplayUnavailable
	}
	return frames, nil
}

// DetachSubscriber removes a client. Queued frames are flushed before
// the sink closes.
func (a *Actor) DetachSubscriber(ctx context.Context, clientID string) error {
	return a.call(ctx, func() {
		sub, ok := a.subs[clientID]
		if !ok {
			return
		}
		sub.close("", "")
		a.dropSubscriber(ctx, clientID)
	})
}

func (a *Actor) dropSubscriber(ctx context.Context, clientID string) {
	delete(a.subs, clientID)
	metrics.ActiveSubscribers.Dec()
	if err := a.st.DeleteConnection(ctx, a.id, clientID); err != nil {
		a.log.Warn("delete connection failed", "client_id", clientID, "error", err)
	}
}

// HandleInput appends a client input event and forwards it to the
// agent. Duplicate clientInputIds within the dedup window return the
// originally assigned seq without a second append. Returns the assigned
// seq for the input_ack.
func (a *Actor) HandleInput(ctx context.Context, clientInputID, data string) (int64, error) {
	var (
		seq  int64
		oerr error
	)
	err := a.call(ctx, func() {
		seq, oerr = a.handleInput(ctx, clientInputID, data)
	})
	if err != nil {
		return 0, err
	}
	return seq, oerr
}

func (a *Actor) handleInput(ctx context.Context, clientInputID, data string) (int64, error) {
	now := time.Now().UTC()
	a.pruneDedup(now)
	if entry, ok := a.dedup[clientInputID]; ok {
		return entry.seq, nil
	}

	if a.sess.Status.Terminal() {
		return 0, ErrSessionStopped
	}
	if a.agent == nil {
		return 0, ErrNoAgent
	}

	// Forward before appending: a busy agent rejects the input outright
	// and nothing enters the log.
	if err := a.agent.Send([]byte(data)); err != nil {
		if errors.Is(err, agentio.ErrStreamClosed) {
			return 0, ErrNoAgent
		}
		return 0, err
	}

	ev := a.emit(store.DirectionClient, store.EventInput, inputPayload{
		Data:          data,
		ClientInputID: clientInputID,
	})
	a.dedup[clientInputID] = dedupEntry{seq: ev.Seq, at: now}

	if a.sess.Status == store.StatusIdle {
		a.transitionStatus(ctx, store.StatusRunning, "")
	}
	if a.sess.WorkflowStatus == store.WorkflowAwaitingInput {
		a.resolveAwaiting(ctx, Resolution{Type: ResolutionHuman, Value: data}, "")
	}
	a.touch(ctx, now)
	return ev.Seq, nil
}

func (a *Actor) pruneDedup(now time.Time) {
	for id, entry := range a.dedup {
		if now.Sub(entry.at) > a.cfg.InputDedupWindow {
			delete(a.dedup, id)
		}
	}
}

// UpdateAck records a client's delivery progress and lets the ring
// release events every subscriber has seen.
func (a *Actor) UpdateAck(ctx context.Context, clientID string, seq int64) error {
	return a.call(ctx, func() {
		sub, ok := a.subs[clientID]
		if !ok {
			return
		}
		if seq > sub.lastAck {
			sub.lastAck = seq
		}
		if err := a.st.PutConnection(ctx, store.Connection{
			SessionID:  a.id,
			ClientID:   clientID,
			GatewayID:  sub.gatewayID,
			DeviceType: sub.deviceType,
			LastAckSeq: sub.lastAck,
		}); err != nil {
			a.log.Warn("persist ack failed", "client_id", clientID, "error", err)
		}
		a.enforceRingLimit(ctx)
	})
}

// SetStatus drives a lifecycle transition, persisting it and emitting a
// state event.
func (a *Actor) SetStatus(ctx context.Context, to store.SessionStatus, detail string) error {
	var oerr error
	err := a.call(ctx, func() {
		oerr = a.transitionStatus(ctx, to, detail)
	})
	if err != nil {
		return err
	}
	return oerr
}

func (a *Actor) transitionStatus(ctx context.Context, to store.SessionStatus, detail string) error {
	from := a.sess.Status
	if from == to {
		return nil
	}
	if !CanTransitionStatus(from, to) {
		return &InvalidTransitionError{From: string(from), To: string(to)}
	}
	if err := a.st.UpdateSessionStatus(ctx, a.id, to, detail); err != nil {
		return fmt.Errorf("persist status %s: %w", to, err)
	}
	a.sess.Status = to
	a.sess.LastError = detail
	a.emit(store.DirectionSystem, store.EventState, statePayload{Status: string(to), Detail: detail})
	a.log.Info("status changed", "from", from, "to", to)
	return nil
}

// SetWorkflow drives a workflow transition. Transitions into
// awaiting_input go through RequestInput instead.
func (a *Actor) SetWorkflow(ctx context.Context, to store.WorkflowStatus) error {
	var oerr error
	err := a.call(ctx, func() {
		oerr = a.transitionWorkflow(ctx, to)
	})
	if err != nil {
		return err
	}
	return oerr
}

func (a *Actor) transitionWorkflow(ctx context.Context, to store.WorkflowStatus) error {
	from := a.sess.WorkflowStatus
	if from == to {
		return nil
	}
	if to == store.WorkflowAwaitingInput {
		return &InvalidTransitionError{From: string(from), To: string(to)}
	}
	if !CanTransitionWorkflow(from, to) {
		return &InvalidTransitionError{From: string(from), To: string(to)}
	}
	if err := a.st.UpdateSessionWorkflow(ctx, a.id, to); err != nil {
		return fmt.Errorf("persist workflow %s: %w", to, err)
	}
	a.sess.WorkflowStatus = to
	a.emit(store.DirectionSystem, store.EventState, statePayload{WorkflowStatus: string(to)})
	return nil
}

// RequestInput moves the session from working to awaiting_input with a
// question for the human and a timeout after which the default action
// proceeds. Returns the expiry time.
func (a *Actor) RequestInput(ctx context.Context, question string, options []string, defaultAction string, timeout time.Duration) (time.Time, error) {
	var (
		expires time.Time
		oerr    error
	)
	err := a.call(ctx, func() {
		expires, oerr = a.requestInput(ctx, question, options, defaultAction, timeout)
	})
	if err != nil {
		return time.Time{}, err
	}
	return expires, oerr
}

func (a *Actor) requestInput(ctx context.Context, question string, options []string, defaultAction string, timeout time.Duration) (time.Time, error) {
	if a.sess.WorkflowStatus != store.WorkflowWorking {
		return time.Time{}, &InvalidTransitionError{
			From: string(a.sess.WorkflowStatus),
			To:   string(store.WorkflowAwaitingInput),
		}
	}
	if timeout <= 0 {
		timeout = a.cfg.AwaitingInputTimeout
	}
	expires := time.Now().UTC().Add(timeout)

	if err := a.st.SetAwaitingInput(ctx, store.AwaitingInputParams{
		SessionID:     a.id,
		Question:      question,
		Options:       options,
		DefaultAction: defaultAction,
		ExpiresAt:     expires,
	}); err != nil {
		return time.Time{}, fmt.Errorf("persist awaiting input: %w", err)
	}

	a.sess.WorkflowStatus = store.WorkflowAwaitingInput
	a.sess.AwaitingQuestion = question
	a.sess.AwaitingOptions = options
	a.sess.AwaitingDefault = defaultAction
	a.sess.AwaitingExpiresAt = expires

	a.emit(store.DirectionSystem, store.EventState, statePayload{
		WorkflowStatus: string(store.WorkflowAwaitingInput),
		Question:       question,
		Options:        options,
		DefaultAction:  defaultAction,
		ExpiresAt:      timefmt.Format(expires),
	})
	a.scheduleAwaitTimer(expires)
	return expires, nil
}

func (a *Actor) scheduleAwaitTimer(expires time.Time) {
	if a.awaitTimer != nil {
		a.awaitTimer.Stop()
	}
	d := time.Until(expires)
	if d < 0 {
		d = 0
	}
	a.awaitTimer = time.AfterFunc(d, func() {
		a.post(func() { a.expireAwaiting(expires) })
	})
}

// expireAwaiting fires from the one-shot timer. A stale timer (the
// await was already resolved, or re-armed with a new expiry) is a no-op.
func (a *Actor) expireAwaiting(expires time.Time) {
	if a.sess.WorkflowStatus != store.WorkflowAwaitingInput {
		return
	}
	if !a.sess.AwaitingExpiresAt.Equal(expires) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msg := fmt.Sprintf("Timeout: proceeding with %s", a.sess.AwaitingDefault)
	a.resolveAwaiting(ctx, Resolution{Type: ResolutionTimeout, Value: a.sess.AwaitingDefault}, msg)
}

// ResolveInput resolves a pending awaiting_input with an explicit human
// decision (e.g. a button press rather than free-form input).
func (a *Actor) ResolveInput(ctx context.Context, res Resolution) error {
	var oerr error
	err := a.call(ctx, func() {
		if a.sess.WorkflowStatus != store.WorkflowAwaitingInput {
			oerr = &InvalidTransitionError{
				From: string(a.sess.WorkflowStatus),
				To:   string(store.WorkflowWorking),
			}
			return
		}
		a.resolveAwaiting(ctx, res, "")
	})
	if err != nil {
		return err
	}
	return oerr
}

func (a *Actor) resolveAwaiting(ctx context.Context, res Resolution, message string) {
	if a.awaitTimer != nil {
		a.awaitTimer.Stop()
		a.awaitTimer = nil
	}
	if err := a.st.ClearAwaitingInput(ctx, a.id); err != nil {
		a.log.Warn("clear awaiting input failed", "error", err)
	}
	if err := a.st.UpdateSessionWorkflow(ctx, a.id, store.WorkflowWorking); err != nil {
		a.log.Warn("persist workflow failed", "error", err)
	}

	a.sess.WorkflowStatus = store.WorkflowWorking
	a.sess.AwaitingQuestion = ""
	a.sess.AwaitingOptions = nil
	a.sess.AwaitingDefault = ""
	a.sess.AwaitingExpiresAt = time.Time{}

	a.emit(store.DirectionSystem, store.EventState, statePayload{
		WorkflowStatus: string(store.WorkflowWorking),
		Resolution:     &res,
		Message:        message,
	})

	// On timeout the default action is forwarded to the agent as if the
	// human had typed it.
	if res.Type == ResolutionTimeout && res.Value != "" && a.agent != nil {
		if err := a.agent.Send([]byte(res.Value)); err != nil {
			a.log.Warn("forward default action failed", "error", err)
		}
	}
}

// recoverAwaiting re-arms or resolves a pending awaiting_input after
// the session is loaded on a fresh gateway.
func (a *Actor) recoverAwaiting(ctx context.Context) error {
	return a.call(ctx, func() {
		if a.sess.WorkflowStatus != store.WorkflowAwaitingInput {
			return
		}
		if time.Now().After(a.sess.AwaitingExpiresAt) {
			a.expireAwaiting(a.sess.AwaitingExpiresAt)
			return
		}
		a.scheduleAwaitTimer(a.sess.AwaitingExpiresAt)
	})
}

func (a *Actor) handleAgentOutput(line []byte) {
	if a.sess.Status.Terminal() {
		return
	}
	a.emit(store.DirectionAgent, store.EventOutputChunk, outputPayload{Data: string(line)})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	a.touch(ctx, time.Now().UTC())
	cancel()
}

func (a *Actor) handleAgentExit(s agentio.Stream, status agentio.ExitStatus) {
	if a.agent != s {
		// A replaced stream's exit is stale.
		return
	}
	a.agent = nil

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	detail := ""
	to := store.StatusStopped
	if status.Err != nil {
		to = store.StatusError
		detail = status.Err.Error()
	} else if status.Code != 0 {
		to = store.StatusError
		detail = fmt.Sprintf("agent exited with code %d", status.Code)
		if status.Signal != "" {
			detail = fmt.Sprintf("agent killed by signal %s", status.Signal)
		}
	}
	if a.sess.Status.Terminal() {
		return
	}
	if a.sess.Status == store.StatusStopping {
		to = store.StatusStopped
		detail = ""
	}
	if !CanTransitionStatus(a.sess.Status, to) {
		// e.g. provisioning → stopped; record the error path instead.
		to = store.StatusError
		if detail == "" {
			detail = "agent exited unexpectedly"
		}
	}
	if err := a.transitionStatus(ctx, to, detail); err != nil {
		a.log.Error("agent exit transition failed", "error", err)
	}
}

// emit assigns the next seq, buffers, persists, and fans out one event.
// The single entry point for appends keeps the per-session order total.
func (a *Actor) emit(dir store.Direction, typ store.EventType, payload any) store.Event {
	ev := store.Event{
		SessionID: a.id,
		Seq:       a.sess.NextSeq,
		Direction: dir,
		Type:      typ,
		Payload:   mustMarshal(payload),
		CreatedAt: time.Now().UTC(),
	}
	a.sess.NextSeq++

	a.ring.push(ev)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	a.enforceRingLimit(ctx)
	cancel()

	a.writer.Enqueue(ev)
	metrics.EventsAppendedTotal.WithLabelValues(string(dir)).Inc()
	a.broadcast(ev)
	a.maybeSyncSeq()
	return ev
}

// enforceRingLimit evicts from the head while over the count or byte
// bound. Events every subscriber has acked go immediately; unacked
// events are forced to durable storage once, then evicted, and a
// lagging subscriber replays them from the store.
func (a *Actor) enforceRingLimit(ctx context.Context) {
	flushed := false
	for a.ring.overLimit() {
		minAck, ok := a.minSubscriberAck()
		if ok && a.ring.firstSeq() <= minAck {
			a.ring.evictHead()
			continue
		}
		if !flushed {
			if err := a.writer.Flush(ctx); err != nil {
				a.log.Error("flush for ring eviction failed", "error", err)
				return
			}
			flushed = true
		}
		a.ring.evictHead()
	}
}

func (a *Actor) minSubscriberAck() (int64, bool) {
	var (
		min   int64
		found bool
	)
	for _, sub := range a.subs {
		if sub.closed() {
			continue
		}
		if !found || sub.lastAck < min {
			min = sub.lastAck
			found = true
		}
	}
	return min, found
}

func (a *Actor) broadcast(ev store.Event) {
	if len(a.subs) == 0 {
		return
	}
	frame, err := encodeEventFrame(ev)
	if err != nil {
		a.log.Error("encode event frame failed", "seq", ev.Seq, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for clientID, sub := range a.subs {
		if sub.closed() {
			a.dropSubscriber(ctx, clientID)
			continue
		}
		if !sub.enqueue(frame) {
			metrics.SlowSubscribersTotal.Inc()
			a.log.Warn("evicting slow subscriber", "client_id", clientID, "seq", ev.Seq)
			sub.close(wire.CodeSlowSubscriber, "event queue overflow, resubscribe to resume")
			a.dropSubscriber(ctx, clientID)
		}
	}
}

// maybeSyncSeq persists the session row's next_seq. The event log
// itself is authoritative (load reconciles with MAX(seq)), so the row
// is only synced periodically to keep recovery cheap.
func (a *Actor) maybeSyncSeq() {
	if a.sess.NextSeq-a.seqSynced < 32 {
		return
	}
	a.syncSeq()
}

func (a *Actor) syncSeq() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.st.UpdateNextSeq(ctx, a.id, a.sess.NextSeq); err != nil {
		a.log.Warn("persist next seq failed", "error", err)
		return
	}
	a.seqSynced = a.sess.NextSeq
}

// touch refreshes last activity, persisting at most every few seconds.
func (a *Actor) touch(ctx context.Context, now time.Time) {
	a.sess.LastActivityAt = now
	if now.Sub(a.lastTouch) < 5*time.Second {
		return
	}
	a.lastTouch = now
	if err := a.st.TouchSession(ctx, a.id, now); err != nil {
		a.log.Warn("touch session failed", "error", err)
	}
}

// Shutdown performs the orderly stop sequence: stopping status, agent
// teardown, a full flush of buffered events, stopped status, then halts
// the loop. Subscribers receive the final state events before their
// sinks close.
func (a *Actor) Shutdown(ctx context.Context) error {
	var oerr error
	err := a.call(ctx, func() {
		oerr = a.shutdown(ctx)
		close(a.done)
	})
	if err != nil {
		if errors.Is(err, ErrActorStopped) {
			return nil
		}
		return err
	}
	return oerr
}

func (a *Actor) shutdown(ctx context.Context) error {
	if a.awaitTimer != nil {
		a.awaitTimer.Stop()
		a.awaitTimer = nil
	}

	if !a.sess.Status.Terminal() {
		to, detail := store.StatusStopping, ""
		if !CanTransitionStatus(a.sess.Status, to) {
			// Stops before the agent ever ran (provisioning, starting)
			// have no stopping leg; record the session as errored so it
			// still reaches a terminal state.
			to, detail = store.StatusError, "stopped before agent start"
		}
		if err := a.transitionStatus(ctx, to, detail); err != nil {
			a.log.Warn("transition on stop failed", "to", to, "error", err)
		}
	}
	if a.agent != nil {
		_ = a.agent.Close()
		a.agent = nil
	}
	if !a.sess.Status.Terminal() {
		if err := a.transitionStatus(ctx, store.StatusStopped, ""); err != nil {
			a.log.Warn("transition to stopped failed", "error", err)
		}
	}

	a.syncSeq()
	err := a.writer.DrainSession(ctx, a.id)
	if err != nil {
		a.log.Error("drain on shutdown failed", "error", err)
	}

	for clientID, sub := range a.subs {
		sub.close("", "session stopped")
		delete(a.subs, clientID)
		metrics.ActiveSubscribers.Dec()
	}
	return err
}

// Suspend halts the actor without lifecycle transitions, used when this
// gateway shuts down while still holding the lease and the session may
// resume elsewhere. Pending events are flushed; subscribers are closed
// with the given code so clients know to reconnect.
func (a *Actor) Suspend(ctx context.Context, code, message string) error {
	return a.suspend(ctx, code, message, true)
}

// Abandon halts the actor after lease loss. Ownership belongs to
// another gateway from the moment the renewal failed, so no store write
// may happen here: the new holder reassigns seqs and a late flush would
// claim (sessionId, seq) pairs out from under it. Events still buffered
// locally are dropped; the new holder replays from its own log.
func (a *Actor) Abandon(ctx context.Context, code, message string) error {
	return a.suspend(ctx, code, message, false)
}

func (a *Actor) suspend(ctx context.Context, code, message string, flush bool) error {
	var oerr error
	err := a.call(ctx, func() {
		if a.awaitTimer != nil {
			a.awaitTimer.Stop()
			a.awaitTimer = nil
		}
		if a.agent != nil {
			_ = a.agent.Close()
			a.agent = nil
		}
		if flush {
			a.syncSeq()
			oerr = a.writer.DrainSession(ctx, a.id)
		}
		for clientID, sub := range a.subs {
			sub.close(code, message)
			delete(a.subs, clientID)
			metrics.ActiveSubscribers.Dec()
		}
		close(a.done)
	})
	if err != nil {
		if errors.Is(err, ErrActorStopped) {
			return nil
		}
		return err
	}
	return oerr
}
