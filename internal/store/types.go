package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// AutomationConfig is the persisted automation of one ticket: the saved
// graph, the rules compiled from it at save time, and the evaluator state.
type AutomationConfig struct {
	TicketKey string                 `json:"ticketKey"`
	Graph     *schema.Graph          `json:"graph"`
	Rules     []schema.Rule          `json:"rules"`
	Enabled   bool                   `json:"enabled"`
	State     schema.AutomationState `json:"state"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// ExecutionRecord is one row of the per-ticket execution log.
type ExecutionRecord struct {
	ID         int64           `json:"id"`
	TicketKey  string          `json:"ticketKey"`
	RuleID     string          `json:"ruleId"`
	EventKey   string          `json:"eventKey"`
	Status     string          `json:"status"`
	ExecutedAt time.Time       `json:"executedAt"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Execution converts a record into the wire shape the evaluator and the
// overlay consume.
func (r *ExecutionRecord) Execution() schema.Execution {
	e := schema.Execution{
		RuleID:     r.RuleID,
		EventKey:   r.EventKey,
		Status:     r.Status,
		ExecutedAt: r.ExecutedAt,
		Error:      r.Error,
	}
	if len(r.Payload) > 0 {
		_ = json.Unmarshal(r.Payload, &e.Payload)
	}
	return e
}

// Executions converts a list of records, oldest first.
func Executions(records []*ExecutionRecord) []schema.Execution {
	out := make([]schema.Execution, 0, len(records))
	for _, r := range records {
		out = append(out, r.Execution())
	}
	return out
}

// EntitySnapshot is one cached upstream fetch for a ticket.
type EntitySnapshot struct {
	TicketKey  string            `json:"ticketKey"`
	WorkItem   *schema.WorkItem  `json:"workItem"`
	Subtasks   []schema.Subtask  `json:"subtasks"`
	Activities []schema.Activity `json:"activities"`
	FetchedAt  time.Time         `json:"fetchedAt"`
}
