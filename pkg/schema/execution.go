package schema

import "time"

// Execution statuses.
const (
	ExecStatusSuccess = "success"
	ExecStatusError   = "error"
)

// Execution is one entry of the per-ticket execution log. The log is written
// by the external evaluator; this engine only reads it, for dedup during
// dry-run and for the display overlay.
type Execution struct {
	RuleID     string         `json:"ruleId"`
	EventKey   string         `json:"eventKey"`
	Status     string         `json:"status"`
	ExecutedAt time.Time      `json:"executedAt"`
	Payload    map[string]any `json:"payload,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// AutomationState is the evaluator's memory between runs: the last seen
// work item status and per-subtask statuses, used to detect transitions.
type AutomationState struct {
	LastStatus    string                   `json:"lastStatus,omitempty"`
	Subtasks      map[string]SubtaskStatus `json:"subtasks,omitempty"`
	LastCheckedAt *time.Time               `json:"lastCheckedAt,omitempty"`
}

// SubtaskStatus is the remembered status of one subtask.
type SubtaskStatus struct {
	Status         string `json:"status,omitempty"`
	StatusCategory string `json:"statusCategory,omitempty"`
}
