package schema

// Trigger types. TriggerAllSubtasksDone is the AND-aggregation kind fed by a
// gate node; its targetKeys param is owned by the gate synchronizer.
const (
	TriggerStatusChanged    = "workitem.status.changed"
	TriggerStatusEquals     = "workitem.status.equals"
	TriggerStatusNotEquals  = "workitem.status.notEquals"
	TriggerSubtaskCompleted = "subtask.completed"
	TriggerSubtaskOverdue   = "subtask.overdue"
	TriggerAllSubtasksDone  = "subtask.allCompleted"
	TriggerActivityStart    = "activity.start"
	TriggerActivityOverdue  = "activity.overdue"
)

// Action types.
const (
	ActionComment    = "workitem.comment"
	ActionTransition = "workitem.transition"
	ActionAssign     = "workitem.assign"
)

// Well-known trigger param keys.
const (
	ParamTargetKeys = "targetKeys"
	ParamSubtaskKey = "subtaskKey"
	ParamActivityID = "activityId"
	ParamDueDate    = "dueDate"
	ParamStatus     = "status"
)

// Rule is the canonical compiler output consumed by the rule evaluator.
// It is derived from the graph on demand and never stored on nodes.
type Rule struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Enabled    bool           `json:"enabled"`
	Trigger    TriggerSpec    `json:"trigger"`
	Conditions *ConditionSpec `json:"conditions,omitempty"`
	Actions    []ActionSpec   `json:"actions"`
}

// Preset is one entry of the read-only template catalog. Instantiation must
// deep-copy params; the catalog is never aliased into live graph data.
type Preset struct {
	ID      string      `json:"id"`
	Title   string      `json:"title"`
	Icon    string      `json:"icon,omitempty"`
	Trigger TriggerSpec `json:"trigger"`
	Action  ActionSpec  `json:"action"`
}
