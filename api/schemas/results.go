// File: api/schemas/results.go
package schemas

// StepResult records the outcome of one attempted step. Exactly one is
// produced per attempted step; steps after the first failure are never
// attempted and leave no result.
type StepResult struct {
	Type    StepType    `json:"type"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// TaskResult is the terminal outcome of a task. Success is true iff every
// collected StepResult succeeded; Error carries the first failing step's
// error.
type TaskResult struct {
	TaskID  string       `json:"task_id"`
	Success bool         `json:"success"`
	Steps   []StepResult `json:"steps"`
	Error   string       `json:"error,omitempty"`
}
