package domain

import (
	"errors"
	"strings"
	"time"
)

// OperationState is the lifecycle state of an operation.
type OperationState string

const (
	OperationRunning  OperationState = "running"
	OperationPaused   OperationState = "paused"
	OperationFinished OperationState = "finished"
)

var operationStates = [...]OperationState{
	OperationRunning,
	OperationPaused,
	OperationFinished,
}

// OperationStates returns the closed set of states in declaration order.
// The returned slice is a fresh copy.
func OperationStates() []OperationState {
	out := make([]OperationState, len(operationStates))
	copy(out, operationStates[:])
	return out
}

// ParseOperationState matches value exactly against the known states.
func ParseOperationState(value string) (OperationState, bool) {
	for _, state := range operationStates {
		if string(state) == value {
			return state, true
		}
	}
	return "", false
}

// IsTerminal reports whether no further transition is accepted from s.
func (s OperationState) IsTerminal() bool {
	return s == OperationFinished
}

func (s OperationState) String() string {
	return string(s)
}

// Operation is a long-running unit of work executed against a host group.
type Operation struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Group          string         `json:"host_group"`
	AdversaryID    string         `json:"adversary_id"`
	PlannerID      string         `json:"planner_id,omitempty"`
	SourceID       string         `json:"source_id,omitempty"`
	Jitter         string         `json:"jitter"`
	Phase          int            `json:"phase"`
	State          OperationState `json:"state"`
	AllowUntrusted bool           `json:"allow_untrusted"`
	Start          time.Time      `json:"start"`
	Finish         *time.Time     `json:"finish,omitempty"`
}

func (o Operation) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return errors.New("operation id is required")
	}
	if strings.TrimSpace(o.Name) == "" {
		return errors.New("operation name is required")
	}
	if strings.TrimSpace(o.Group) == "" {
		return errors.New("host group is required")
	}
	if strings.TrimSpace(o.AdversaryID) == "" {
		return errors.New("adversary id is required")
	}
	if _, ok := ParseOperationState(string(o.State)); !ok {
		return errors.New("operation state is invalid")
	}
	return nil
}
