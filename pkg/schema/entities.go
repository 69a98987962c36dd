package schema

// Upstream entity records. These are consumed, never owned: the natural key
// of each record derives its entity node ID.

// WorkItem is the ticket the whole graph is scoped to.
type WorkItem struct {
	Key            string `json:"key"`
	Summary        string `json:"summary,omitempty"`
	Status         string `json:"status,omitempty"`
	StatusCategory string `json:"statusCategory,omitempty"`
	Assignee       string `json:"assignee,omitempty"`
}

// Subtask is one kanban subtask of the work item.
type Subtask struct {
	ID             string `json:"id"`
	Key            string `json:"key"`
	Title          string `json:"title,omitempty"`
	StepKey        string `json:"stepKey,omitempty"`
	CardTitle      string `json:"cardTitle,omitempty"`
	Status         string `json:"status,omitempty"`
	StatusCategory string `json:"statusCategory,omitempty"`
	Done           bool   `json:"done,omitempty"`
}

// NaturalKey prefers the tracker key, falling back to the internal ID for
// subtasks that were never pushed upstream.
func (s *Subtask) NaturalKey() string {
	if s.Key != "" {
		return s.Key
	}
	return s.ID
}

// Activity is one row of the work item's schedule. Start and End are local
// dates in YYYY-MM-DD form.
type Activity struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Transition is one status transition available on the work item, surfaced
// to the inspector when editing a transition action.
type Transition struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	ToStatus string `json:"toStatus"`
}
