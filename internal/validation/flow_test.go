package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/pkg/schema"
)

func newFlowValidator(t *testing.T) *FlowValidator {
	t.Helper()
	conditions, err := expressions.NewConditions()
	require.NoError(t, err)
	return NewFlowValidator(conditions)
}

func trigger(ruleID, name, trigType string, params map[string]any) *schema.Node {
	return &schema.Node{
		ID:   schema.TriggerNodeID(ruleID),
		Kind: schema.KindTrigger,
		Data: schema.MustData(&schema.TriggerData{
			RuleID:  ruleID,
			Name:    name,
			Trigger: schema.TriggerSpec{Type: trigType, Params: params},
		}),
	}
}

func TestValidateFlowRequiresARule(t *testing.T) {
	v := newFlowValidator(t)
	g := &schema.Graph{Nodes: []*schema.Node{
		{ID: "workitem:PROJ-1", Kind: schema.KindWorkItem},
	}}

	findings := v.ValidateFlow(g)
	require.Len(t, findings, 1)
	assert.Contains(t, findings[0], "Add at least one rule")
}

// An aggregation trigger with no connected subtasks produces exactly one
// message naming the rule; fixing the gate clears the finding.
func TestValidateFlowAggregationNeedsTargets(t *testing.T) {
	v := newFlowValidator(t)
	g := &schema.Graph{Nodes: []*schema.Node{
		trigger("r1", "all done → comment", schema.TriggerAllSubtasksDone, map[string]any{
			schema.ParamTargetKeys: []any{},
		}),
	}}

	findings := v.ValidateFlow(g)
	require.Len(t, findings, 1)
	assert.Contains(t, findings[0], `"all done → comment"`)

	g.Nodes[0] = trigger("r1", "all done → comment", schema.TriggerAllSubtasksDone, map[string]any{
		schema.ParamTargetKeys: []any{"PROJ-2"},
	})
	assert.Empty(t, v.ValidateFlow(g))
}

func TestValidateFlowIgnoresBlankTargetKeys(t *testing.T) {
	v := newFlowValidator(t)
	g := &schema.Graph{Nodes: []*schema.Node{
		trigger("r1", "gated", schema.TriggerAllSubtasksDone, map[string]any{
			schema.ParamTargetKeys: []any{""},
		}),
	}}
	require.Len(t, v.ValidateFlow(g), 1)
}

func TestValidateFlowOtherTriggersPass(t *testing.T) {
	v := newFlowValidator(t)
	g := &schema.Graph{Nodes: []*schema.Node{
		trigger("r1", "on change", schema.TriggerStatusChanged, map[string]any{}),
	}}
	assert.Empty(t, v.ValidateFlow(g))
}

func TestValidateFlowChecksConditionSyntax(t *testing.T) {
	v := newFlowValidator(t)
	bad := &schema.Node{
		ID:   schema.TriggerNodeID("r1"),
		Kind: schema.KindTrigger,
		Data: schema.MustData(&schema.TriggerData{
			RuleID:     "r1",
			Name:       "guarded",
			Trigger:    schema.TriggerSpec{Type: schema.TriggerStatusChanged},
			Conditions: &schema.ConditionSpec{Expression: `workitem.status ==`},
		}),
	}

	findings := v.ValidateFlow(&schema.Graph{Nodes: []*schema.Node{bad}})
	require.Len(t, findings, 1)
	assert.Contains(t, findings[0], "invalid condition")
}

func TestValidateFlowIsPure(t *testing.T) {
	v := newFlowValidator(t)
	tn := trigger("r1", "gated", schema.TriggerAllSubtasksDone, map[string]any{schema.ParamTargetKeys: []any{}})
	g := &schema.Graph{Nodes: []*schema.Node{tn}}
	before := string(tn.Data)

	_ = v.ValidateFlow(g)
	_ = v.ValidateFlow(g)

	assert.Equal(t, before, string(tn.Data))
	assert.Same(t, tn, g.Nodes[0])
}
