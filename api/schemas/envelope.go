// File: api/schemas/envelope.go
package schemas

import (
	"encoding/json"
	"fmt"
)

// Action identifies the kind of envelope travelling between endpoints.
type Action string

const (
	ActionPing        Action = "ping"
	ActionPong        Action = "pong"
	ActionPerformTask Action = "perform_task"
	ActionTaskResult  Action = "task_result"
)

// Envelope is the top-level message unit exchanged over both channels.
// Which payload fields are populated depends on Action; Validate enforces
// the per-action requirements. TaskID is supplied by the initiator and
// echoed unchanged by every response.
type Envelope struct {
	Action Action `json:"action"`
	TaskID string `json:"task_id"`

	// Ping payload.
	Data json.RawMessage `json:"data,omitempty"`

	// PerformTask payload.
	Task *Task `json:"task,omitempty"`

	// TaskResult payload.
	Success *bool       `json:"success,omitempty"`
	Result  *TaskResult `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Validate checks that the envelope carries the fields its action requires.
func (e *Envelope) Validate() error {
	if e.TaskID == "" {
		return fmt.Errorf("envelope missing task_id")
	}
	switch e.Action {
	case ActionPing:
		if len(e.Data) == 0 {
			return fmt.Errorf("ping envelope missing data")
		}
	case ActionPong:
		// Only the echoed task_id is required.
	case ActionPerformTask:
		if e.Task == nil || len(e.Task.Steps) == 0 {
			return fmt.Errorf("perform_task envelope missing task.steps")
		}
	case ActionTaskResult:
		if e.Success == nil {
			return fmt.Errorf("task_result envelope missing success")
		}
		if e.Result == nil {
			return fmt.Errorf("task_result envelope missing result")
		}
	case "":
		return fmt.Errorf("envelope missing action")
	default:
		return fmt.Errorf("unknown action %q", e.Action)
	}
	return nil
}

// NewPong builds the response to a ping, echoing its task id.
func NewPong(taskID string) *Envelope {
	return &Envelope{Action: ActionPong, TaskID: taskID}
}

// NewTaskResultEnvelope wraps a finished TaskResult for the wire. The
// result's success and error are mirrored at the envelope level so that
// initiators can triage without descending into the payload.
func NewTaskResultEnvelope(res *TaskResult) *Envelope {
	success := res.Success
	return &Envelope{
		Action:  ActionTaskResult,
		TaskID:  res.TaskID,
		Success: &success,
		Result:  res,
		Error:   res.Error,
	}
}
