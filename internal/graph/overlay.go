package graph

import (
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// ExecOutcome is the latest known execution result for one rule.
type ExecOutcome struct {
	Status     string
	ExecutedAt time.Time
}

// BuildExecIndex reduces an execution log to the latest outcome per rule.
// The entry with the greatest timestamp wins; on equal timestamps the entry
// appearing later in the input wins.
func BuildExecIndex(log []schema.Execution) map[string]ExecOutcome {
	idx := make(map[string]ExecOutcome, len(log))
	for _, e := range log {
		if e.RuleID == "" {
			continue
		}
		if prev, ok := idx[e.RuleID]; ok && prev.ExecutedAt.After(e.ExecutedAt) {
			continue
		}
		idx[e.RuleID] = ExecOutcome{Status: e.Status, ExecutedAt: e.ExecutedAt}
	}
	return idx
}

// ApplyExec decorates trigger and action nodes with their rule's latest
// execution outcome. A node whose decoration would be field-for-field
// identical to what it already carries is returned by its original
// reference, so an unchanged graph re-renders for free. Nodes of other
// kinds, and every field outside the decoration set, are never touched.
func ApplyExec(nodes []*schema.Node, idx map[string]ExecOutcome) []*schema.Node {
	if len(idx) == 0 {
		return nodes
	}
	out := make([]*schema.Node, len(nodes))
	for i, n := range nodes {
		out[i] = decorate(n, idx)
	}
	return out
}

func decorate(n *schema.Node, idx map[string]ExecOutcome) *schema.Node {
	var ruleID string
	var cur schema.ExecDecoration
	switch n.Kind {
	case schema.KindTrigger:
		td, err := n.TriggerData()
		if err != nil {
			return n
		}
		ruleID, cur = td.RuleID, td.ExecDecoration
	case schema.KindAction:
		ad, err := n.ActionData()
		if err != nil {
			return n
		}
		ruleID, cur = ad.RuleID, ad.ExecDecoration
	default:
		return n
	}

	outcome, ok := idx[ruleID]
	if !ok {
		return n
	}
	at := outcome.ExecutedAt
	next := schema.ExecDecoration{Executed: true, ExecStatus: outcome.Status, ExecAt: &at}
	if sameDecoration(cur, next) {
		return n
	}

	patched := *n
	patched.Data = mergedDecoration(n.Data, next)
	return &patched
}

func sameDecoration(a, b schema.ExecDecoration) bool {
	if a.Executed != b.Executed || a.ExecStatus != b.ExecStatus {
		return false
	}
	switch {
	case a.ExecAt == nil && b.ExecAt == nil:
		return true
	case a.ExecAt == nil || b.ExecAt == nil:
		return false
	default:
		return a.ExecAt.Equal(*b.ExecAt)
	}
}

func mergedDecoration(data []byte, d schema.ExecDecoration) []byte {
	return mergeRaw(data, map[string]any{
		"executed":   d.Executed,
		"execStatus": d.ExecStatus,
		"execAt":     d.ExecAt,
	})
}
