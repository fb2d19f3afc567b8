// Package wire implements the client↔gateway message codec. Each text
// frame carries a single JSON object tagged by a "type" field; the set
// of variants is closed and unknown tags are rejected.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidMessage is the single error kind returned by Decode for
// unknown tags, missing required fields, or wrong field types.
var ErrInvalidMessage = errors.New("invalid message")

// Error codes carried on error frames.
const (
	CodeInvalidMessage    = "INVALID_MESSAGE"
	CodeNotAuthenticated  = "NOT_AUTHENTICATED"
	CodeAuthFailed        = "AUTH_FAILED"
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeAccessDenied      = "ACCESS_DENIED"
	CodeAccessElsewhere   = "ACCESS_ELSEWHERE"
	CodeReplayUnavailable = "REPLAY_UNAVAILABLE"
	CodeSlowSubscriber    = "SLOW_SUBSCRIBER"
	CodeLeaseLost         = "LEASE_LOST"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeCreateFailed      = "CREATE_FAILED"
	CodeInternalError     = "INTERNAL_ERROR"
)

// ClientMessage is a decoded client frame. The concrete type is one of
// the variant structs below.
type ClientMessage interface {
	clientMessage()
}

// Hello authenticates the connection. Must be the first frame.
type Hello struct {
	ClientID   string `json:"clientId"`
	DeviceType string `json:"deviceType"`
	Token      string `json:"token"`
}

// Subscribe attaches the client to a session's event stream.
type Subscribe struct {
	SessionID  string `json:"sessionId"`
	LastAckSeq int64  `json:"lastAckSeq"` // optional, defaults to 0
}

// Unsubscribe detaches the client from a session.
type Unsubscribe struct {
	SessionID string `json:"sessionId"`
}

// Input injects client input into a session.
type Input struct {
	SessionID     string `json:"sessionId"`
	ClientInputID string `json:"clientInputId"`
	Data          string `json:"data"`
}

// Ack records the client's delivery progress for a session.
type Ack struct {
	SessionID string `json:"sessionId"`
	Seq       int64  `json:"seq"`
}

// Ping is a client-initiated heartbeat.
type Ping struct{}

// CreateSession requests a new session.
type CreateSession struct {
	AgentType        string `json:"agentType"`
	WorkingDirectory string `json:"workingDirectory"`
	WorktreeID       string `json:"worktreeId,omitempty"`
	RepositoryID     string `json:"repositoryId,omitempty"`
}

// StopSession requests an orderly stop of a session.
type StopSession struct {
	SessionID string `json:"sessionId"`
}

func (*Hello) clientMessage()         {}
func (*Subscribe) clientMessage()     {}
func (*Unsubscribe) clientMessage()   {}
func (*Input) clientMessage()         {}
func (*Ack) clientMessage()           {}
func (*Ping) clientMessage()          {}
func (*CreateSession) clientMessage() {}
func (*StopSession) clientMessage()   {}

type clientEnvelope struct {
	Type string `json:"type"`
}

// DecodeClient parses a single framed text payload into a client message
// variant, validating required fields.
func DecodeClient(data []byte) (ClientMessage, error) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch env.Type {
	case "hello":
		var m Hello
		if err := decodeInto(data, &m); err != nil {
			return nil, err
		}
		if m.ClientID == "" || m.DeviceType == "" || m.Token == "" {
			return nil, fmt.Errorf("%w: hello requires clientId, deviceType, token", ErrInvalidMessage)
		}
		return &m, nil

	case "subscribe":
		var m Subscribe
		if err := decodeInto(data, &m); err != nil {
			return nil, err
		}
		if m.SessionID == "" {
			return nil, fmt.Errorf("%w: subscribe requires sessionId", ErrInvalidMessage)
		}
		if m.LastAckSeq < 0 {
			return nil, fmt.Errorf("%w: subscribe lastAckSeq must not be negative", ErrInvalidMessage)
		}
		return &m, nil

	case "unsubscribe":
		var m Unsubscribe
		if err := decodeInto(data, &m); err != nil {
			return nil, err
		}
		if m.SessionID == "" {
			return nil, fmt.Errorf("%w: unsubscribe requires sessionId", ErrInvalidMessage)
		}
		return &m, nil

	case "input":
		var m Input
		if err := decodeInto(data, &m); err != nil {
			return nil, err
		}
		if m.SessionID == "" || m.ClientInputID == "" || m.Data == "" {
			return nil, fmt.Errorf("%w: input requires sessionId, clientInputId, data", ErrInvalidMessage)
		}
		return &m, nil

	case "ack":
		var m Ack
		if err := decodeInto(data, &m); err != nil {
			return nil, err
		}
		if m.SessionID == "" || m.Seq <= 0 {
			return nil, fmt.Errorf("%w: ack requires sessionId and a positive seq", ErrInvalidMessage)
		}
		return &m, nil

	case "ping":
		return &Ping{}, nil

	case "create_session":
		var m CreateSession
		if err := decodeInto(data, &m); err != nil {
			return nil, err
		}
		if m.AgentType == "" || m.WorkingDirectory == "" {
			return nil, fmt.Errorf("%w: create_session requires agentType, workingDirectory", ErrInvalidMessage)
		}
		return &m, nil

	case "stop_session":
		var m StopSession
		if err := decodeInto(data, &m); err != nil {
			return nil, err
		}
		if m.SessionID == "" {
			return nil, fmt.Errorf("%w: stop_session requires sessionId", ErrInvalidMessage)
		}
		return &m, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, env.Type)
	}
}

func decodeInto(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// ServerMessage is an encodable server frame. The concrete type is one
// of the variant structs below; the Type field is stamped by Encode.
type ServerMessage interface {
	serverMessage() string
}

// HelloOK acknowledges a successful handshake.
type HelloOK struct {
	Type                string `json:"type"`
	GatewayTime         string `json:"gatewayTime"`
	HeartbeatIntervalMs int64  `json:"heartbeatIntervalMs"`
	UserID              string `json:"userId"`
}

// Subscribed acknowledges a subscription; event frames with
// seq > lastAckSeq follow in ascending order.
type Subscribed struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId"`
	CurrentState string `json:"currentState"`
	LatestSeq    int64  `json:"latestSeq"`
}

// Unsubscribed acknowledges an unsubscribe.
type Unsubscribed struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// InputAck acknowledges an input frame with its assigned sequence number.
type InputAck struct {
	Type          string `json:"type"`
	SessionID     string `json:"sessionId"`
	ClientInputID string `json:"clientInputId"`
	AcceptedSeq   int64  `json:"acceptedSeq"`
}

// Pong is the server heartbeat.
type Pong struct {
	Type string `json:"type"`
}

// SessionCreated reports a freshly created session.
type SessionCreated struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

// SessionStopped reports completion of a stop_session request.
type SessionStopped struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// Event transports one session event to a subscriber.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Seq       int64           `json:"seq"`
	Direction string          `json:"direction"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"createdAt"`
}

// Error reports a protocol, session, or gateway error.
type Error struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
	Retryable bool   `json:"retryable"`
}

func (*HelloOK) serverMessage() string        { return "hello_ok" }
func (*Subscribed) serverMessage() string     { return "subscribed" }
func (*Unsubscribed) serverMessage() string   { return "unsubscribed" }
func (*InputAck) serverMessage() string       { return "input_ack" }
func (*Pong) serverMessage() string           { return "pong" }
func (*SessionCreated) serverMessage() string { return "session_created" }
func (*SessionStopped) serverMessage() string { return "session_stopped" }
func (*Event) serverMessage() string          { return "event" }
func (*Error) serverMessage() string          { return "error" }

// EncodeServer serializes a server message, stamping its type tag.
func EncodeServer(msg ServerMessage) ([]byte, error) {
	tag := msg.serverMessage()
	switch m := msg.(type) {
	case *HelloOK:
		m.Type = tag
	case *Subscribed:
		m.Type = tag
	case *Unsubscribed:
		m.Type = tag
	case *InputAck:
		m.Type = tag
	case *Pong:
		m.Type = tag
	case *SessionCreated:
		m.Type = tag
	case *SessionStopped:
		m.Type = tag
	case *Event:
		m.Type = tag
	case *Error:
		m.Type = tag
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", tag, err)
	}
	return data, nil
}

// DecodeServer parses a server frame. Used by test clients and tooling.
func DecodeServer(data []byte) (ServerMessage, error) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	var msg ServerMessage
	switch env.Type {
	case "hello_ok":
		msg = &HelloOK{}
	case "subscribed":
		msg = &Subscribed{}
	case "unsubscribed":
		msg = &Unsubscribed{}
	case "input_ack":
		msg = &InputAck{}
	case "pong":
		msg = &Pong{}
	case "session_created":
		msg = &SessionCreated{}
	case "session_stopped":
		msg = &SessionStopped{}
	case "event":
		msg = &Event{}
	case "error":
		msg = &Error{}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, env.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return msg, nil
}
