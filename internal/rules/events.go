package rules

import (
	"strings"

	"github.com/rendis/autoflow/pkg/schema"
)

// MaxExecutions bounds the stored per-ticket execution log.
const MaxExecutions = 100

// MakeEventKey joins the identifying parts of a firing into the dedup key
// stored on each execution entry.
func MakeEventKey(parts ...string) string {
	return strings.Join(parts, "|")
}

// HasExecuted reports whether a successful execution with the given event
// key is already on the log.
func HasExecuted(log []schema.Execution, eventKey string) bool {
	for _, e := range log {
		if e.EventKey == eventKey && e.Status == schema.ExecStatusSuccess {
			return true
		}
	}
	return false
}

// PushBounded appends an execution and drops the oldest entries beyond
// MaxExecutions. The input slice is never mutated.
func PushBounded(log []schema.Execution, entry schema.Execution) []schema.Execution {
	next := make([]schema.Execution, 0, len(log)+1)
	next = append(next, log...)
	next = append(next, entry)
	if len(next) > MaxExecutions {
		next = next[len(next)-MaxExecutions:]
	}
	return next
}

// isDoneStatus decides whether a status counts as finished. The category is
// authoritative when present; otherwise common closing words in the status
// name are accepted, including Portuguese tracker locales.
func isDoneStatus(statusCategory, statusName string) bool {
	if strings.EqualFold(statusCategory, "done") {
		return true
	}
	n := strings.ToLower(statusName)
	for _, marker := range []string{"done", "conclu", "fechad", "resol", "closed"} {
		if strings.Contains(n, marker) {
			return true
		}
	}
	return false
}
