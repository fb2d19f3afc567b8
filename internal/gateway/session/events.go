package session

import (
	"encoding/json"

	"github.com/agentmux/agentmux/internal/gateway/store"
	"github.com/agentmux/agentmux/internal/gateway/wire"
	"github.com/agentmux/agentmux/internal/util/timefmt"
)

// Event payload shapes. Payloads are stored as JSON and forwarded to
// subscribers verbatim inside event frames.

type outputPayload struct {
	Data string `json:"data"`
}

type inputPayload struct {
	Data          string `json:"data"`
	ClientInputID string `json:"clientInputId"`
}

type statePayload struct {
	Status         string      `json:"status,omitempty"`
	WorkflowStatus string      `json:"workflowStatus,omitempty"`
	Detail         string      `json:"detail,omitempty"`
	Question       string      `json:"question,omitempty"`
	Options        []string    `json:"options,omitempty"`
	DefaultAction  string      `json:"defaultAction,omitempty"`
	ExpiresAt      string      `json:"expiresAt,omitempty"`
	Resolution     *Resolution `json:"resolution,omitempty"`
	Message        string      `json:"message,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// encodeEventFrame serializes one stored event as a wire event frame.
func encodeEventFrame(ev store.Event) ([]byte, error) {
	return wire.EncodeServer(&wire.Event{
		SessionID: ev.SessionID,
		Seq:       ev.Seq,
		Direction: string(ev.Direction),
		EventType: string(ev.Type),
		Payload:   json.RawMessage(ev.Payload),
		CreatedAt: timefmt.Format(ev.CreatedAt),
	})
}
