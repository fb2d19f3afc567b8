// Package store defines the durable state contract for the gateway:
// session records, the per-session event log, active connections, and
// lease coordination. Implementations are storage-specific; the rest of
// the gateway depends only on this contract.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SessionStatus is the lifecycle status of a session.
type SessionStatus string

const (
	StatusProvisioning SessionStatus = "provisioning"
	StatusStarting     SessionStatus = "starting"
	StatusRunning      SessionStatus = "running"
	StatusIdle         SessionStatus = "idle"
	StatusStopping     SessionStatus = "stopping"
	StatusStopped      SessionStatus = "stopped"
	StatusError        SessionStatus = "error"
)

// Terminal reports whether the status accepts no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// WorkflowStatus is the client-visible workflow state of a session.
type WorkflowStatus string

const (
	WorkflowStarted        WorkflowStatus = "started"
	WorkflowWorking        WorkflowStatus = "working"
	WorkflowAwaitingInput  WorkflowStatus = "awaiting_input"
	WorkflowBlocked        WorkflowStatus = "blocked"
	WorkflowAwaitingReview WorkflowStatus = "awaiting_review"
	WorkflowCompleted      WorkflowStatus = "completed"
)

// Direction identifies the origin of an event.
type Direction string

const (
	DirectionClient Direction = "client"
	DirectionAgent  Direction = "agent"
	DirectionSystem Direction = "system"
)

// EventType classifies an event's payload.
type EventType string

const (
	EventOutputChunk  EventType = "output_chunk"
	EventMessageFinal EventType = "message_final"
	EventInput        EventType = "input"
	EventToolCall     EventType = "tool_call"
	EventToolResult   EventType = "tool_result"
	EventState        EventType = "state"
	EventError        EventType = "error"
	EventHeartbeat    EventType = "heartbeat"
)

// Session is the persisted session record.
type Session struct {
	ID               string
	UserID           string
	AgentType        string
	WorkingDirectory string
	WorktreeID       string
	RepositoryID     string
	Status           SessionStatus
	WorkflowStatus   WorkflowStatus
	NextSeq          int64
	CreatedAt        time.Time
	LastActivityAt   time.Time
	ClaimedBy        string
	LeaseExpiresAt   time.Time
	LastError        string

	// Awaiting-input fields; zero values when the session is not
	// awaiting input.
	AwaitingQuestion  string
	AwaitingOptions   []string
	AwaitingDefault   string
	AwaitingExpiresAt time.Time
}

// Event is one persisted session event. Seq is a dense 1-based sequence
// per session; (SessionID, Seq) is unique.
type Event struct {
	SessionID string
	Seq       int64
	Direction Direction
	Type      EventType
	Payload   []byte
	CreatedAt time.Time
}

// Size returns an approximation of the event's in-memory footprint,
// used for ring buffer byte accounting.
func (e *Event) Size() int {
	return len(e.Payload) + 64
}

// Connection is an active client attachment, recorded for observability.
type Connection struct {
	SessionID   string
	ClientID    string
	GatewayID   string
	DeviceType  string
	LastAckSeq  int64
	ConnectedAt time.Time
}

// AuthToken is a stored API token. Secret holds the bcrypt hash of the
// secret half of the token; the plaintext never touches the store.
type AuthToken struct {
	ID         string
	UserID     string
	SecretHash string
	ExpiresAt  time.Time
}

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrLeaseHeld is returned by AcquireLease when another gateway holds a
// non-expired lease on the session.
type ErrLeaseHeld struct {
	Holder    string
	ExpiresAt time.Time
}

func (e *ErrLeaseHeld) Error() string {
	return fmt.Sprintf("store: lease held by %s until %s", e.Holder, e.ExpiresAt.UTC().Format(time.RFC3339))
}

// AsLeaseHeld unwraps err into an ErrLeaseHeld if possible.
func AsLeaseHeld(err error) (*ErrLeaseHeld, bool) {
	var lh *ErrLeaseHeld
	if errors.As(err, &lh) {
		return lh, true
	}
	return nil, false
}

// CreateSessionParams holds the initial attributes of a new session.
type CreateSessionParams struct {
	ID               string
	UserID           string
	AgentType        string
	WorkingDirectory string
	WorktreeID       string
	RepositoryID     string
}

// AwaitingInputParams records a transition into awaiting_input.
type AwaitingInputParams struct {
	SessionID     string
	Question      string
	Options       []string
	DefaultAction string
	ExpiresAt     time.Time
}

// Store is the durable state contract. All methods are safe for
// concurrent use. Implementations must enforce uniqueness on
// (sessionID, seq) for events and upsert on conflict so retried batches
// are idempotent.
type Store interface {
	// Sessions.
	CreateSession(ctx context.Context, p CreateSessionParams) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status SessionStatus, lastError string) error
	UpdateSessionWorkflow(ctx context.Context, sessionID string, wf WorkflowStatus) error
	SetAwaitingInput(ctx context.Context, p AwaitingInputParams) error
	ClearAwaitingInput(ctx context.Context, sessionID string) error
	UpdateNextSeq(ctx context.Context, sessionID string, nextSeq int64) error
	TouchSession(ctx context.Context, sessionID string, at time.Time) error

	// Leases. AcquireLease is a compare-and-set: it succeeds when the
	// session is unclaimed, the existing lease has expired, or the
	// caller already holds it. RenewLease succeeds only for the current
	// holder and never moves the expiry backwards.
	AcquireLease(ctx context.Context, sessionID, gatewayID string, expiresAt time.Time) error
	RenewLease(ctx context.Context, sessionID, gatewayID string, expiresAt time.Time) error
	ReleaseLease(ctx context.Context, sessionID, gatewayID string) error

	// Event log.
	AppendEvents(ctx context.Context, events []Event) error
	ListEventsFrom(ctx context.Context, sessionID string, fromSeq int64, limit int) ([]Event, error)
	LatestSeq(ctx context.Context, sessionID string) (int64, error)
	DeleteEventsBefore(ctx context.Context, sessionID string, uptoSeq int64) (int64, error)

	// Connections.
	PutConnection(ctx context.Context, c Connection) error
	DeleteConnection(ctx context.Context, sessionID, clientID string) error
	DeleteConnectionsForGateway(ctx context.Context, gatewayID string) error
	MinAckedSeq(ctx context.Context, sessionID string) (int64, bool, error)

	// Cleanup queries. All return at most limit session IDs.
	ListStaleLeaseSessions(ctx context.Context, olderThan time.Time, limit int) ([]string, error)
	ListIdleSessions(ctx context.Context, inactiveSince time.Time, limit int) ([]string, error)
	ListAgedSessions(ctx context.Context, createdBefore time.Time, limit int) ([]string, error)
	ListStoppedSessions(ctx context.Context, limit int) ([]string, error)
	ListExpiredAwaiting(ctx context.Context, expiredBefore time.Time, limit int) ([]string, error)

	// Auth.
	GetAuthToken(ctx context.Context, tokenID string) (*AuthToken, error)
}
