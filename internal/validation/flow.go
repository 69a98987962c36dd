// Package validation checks automation graphs before save and dry-run, and
// validates the persisted wire shapes with JSON Schema.
package validation

import (
	"fmt"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/pkg/schema"
)

// FlowValidator produces advisory, human-readable findings on a graph.
// Findings never mutate state; callers decide whether to block save or
// dry-run on a non-empty result.
type FlowValidator struct {
	conditions *expressions.Conditions
}

// NewFlowValidator creates a validator. conditions may be nil, in which case
// condition guards are not syntax-checked.
func NewFlowValidator(conditions *expressions.Conditions) *FlowValidator {
	return &FlowValidator{conditions: conditions}
}

// ValidateFlow returns one message per finding, empty when the graph is
// ready to save. A graph with no rules gets a single "add a rule" message
// and no further checks.
func (v *FlowValidator) ValidateFlow(g *schema.Graph) []string {
	var findings []string

	var triggers []*schema.Node
	for _, n := range g.Nodes {
		if n.Kind == schema.KindTrigger {
			triggers = append(triggers, n)
		}
	}
	if len(triggers) == 0 {
		return []string{"Add at least one rule (drop a template) before saving."}
	}

	for _, tn := range triggers {
		td, err := tn.TriggerData()
		if err != nil {
			findings = append(findings, fmt.Sprintf("Rule node %s has malformed data.", tn.ID))
			continue
		}
		name := td.Name
		if name == "" {
			name = tn.ID
		}

		if td.Trigger.Type == schema.TriggerAllSubtasksDone && len(aggregationKeys(td)) == 0 {
			findings = append(findings, fmt.Sprintf(
				"Rule %q needs at least one subtask connected to its AND gate.", name))
		}

		if v.conditions != nil && td.Conditions != nil {
			if err := v.conditions.Check(td.Conditions); err != nil {
				findings = append(findings, fmt.Sprintf(
					"Rule %q has an invalid condition: %v", name, err))
			}
		}
	}

	return findings
}

// aggregationKeys reads the non-empty entries of params.targetKeys.
func aggregationKeys(td *schema.TriggerData) []string {
	raw, ok := td.Trigger.Params[schema.ParamTargetKeys]
	if !ok {
		return nil
	}
	var keys []string
	switch list := raw.(type) {
	case []string:
		for _, k := range list {
			if k != "" {
				keys = append(keys, k)
			}
		}
	case []any:
		for _, v := range list {
			if k, ok := v.(string); ok && k != "" {
				keys = append(keys, k)
			}
		}
	}
	return keys
}
