package session

import (
	"fmt"

	"github.com/agentmux/agentmux/internal/gateway/store"
)

// InvalidTransitionError reports an attempt at a transition outside the
// allowed set. No event is emitted for a rejected transition.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// lifecycleTransitions is the allowed lifecycle state machine.
// stopped and error are terminal.
var lifecycleTransitions = map[store.SessionStatus][]store.SessionStatus{
	store.StatusProvisioning: {store.StatusStarting, store.StatusError},
	store.StatusStarting:     {store.StatusRunning, store.StatusError},
	store.StatusRunning:      {store.StatusIdle, store.StatusStopping, store.StatusStopped, store.StatusError},
	store.StatusIdle:         {store.StatusRunning, store.StatusStopping, store.StatusError},
	store.StatusStopping:     {store.StatusStopped, store.StatusError},
	store.StatusStopped:      {},
	store.StatusError:        {},
}

// CanTransitionStatus reports whether from → to is an allowed lifecycle
// transition.
func CanTransitionStatus(from, to store.SessionStatus) bool {
	for _, allowed := range lifecycleTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// workflowTransitions is the allowed workflow state machine.
// completed is terminal; awaiting_input and blocked only return to working.
var workflowTransitions = map[store.WorkflowStatus][]store.WorkflowStatus{
	store.WorkflowStarted:        {store.WorkflowWorking},
	store.WorkflowWorking:        {store.WorkflowAwaitingInput, store.WorkflowBlocked, store.WorkflowAwaitingReview, store.WorkflowCompleted},
	store.WorkflowAwaitingInput:  {store.WorkflowWorking},
	store.WorkflowBlocked:        {store.WorkflowWorking},
	store.WorkflowAwaitingReview: {store.WorkflowWorking, store.WorkflowCompleted},
	store.WorkflowCompleted:      {},
}

// CanTransitionWorkflow reports whether from → to is an allowed workflow
// transition.
func CanTransitionWorkflow(from, to store.WorkflowStatus) bool {
	for _, allowed := range workflowTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ResolutionType distinguishes how an awaiting_input was resolved.
type ResolutionType string

const (
	ResolutionHuman   ResolutionType = "human"
	ResolutionTimeout ResolutionType = "timeout"
)

// Resolution records the outcome of an awaiting_input period.
type Resolution struct {
	Type  ResolutionType `json:"type"`
	Value string         `json:"value"`
}
