package graph

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/pkg/schema"
)

// Scenario: trigger T connected to action A at y=100, then action B added at
// y=50 and connected. The compiled rule orders actions [B, A].
func TestCompileOrdersActionsByVerticalPosition(t *testing.T) {
	s := newTestStore(t,
		triggerNode("r1", schema.TriggerStatusChanged),
		actionNode("r1", 0, 100, schema.ActionComment),
	)
	_, err := s.ConnectOrReplace("trigger:r1", "action:r1:0")
	require.NoError(t, err)

	s.AddNodes(actionNode("r1", 1, 50, schema.ActionTransition))
	_, err = s.ConnectOrReplace("trigger:r1", "action:r1:1")
	require.NoError(t, err)

	rules := Compile(s.Graph())
	require.Len(t, rules, 1)
	require.Len(t, rules[0].Actions, 2)
	assert.Equal(t, schema.ActionTransition, rules[0].Actions[0].Type)
	assert.Equal(t, schema.ActionComment, rules[0].Actions[1].Type)
}

func TestCompileMovingAnActionReorders(t *testing.T) {
	s := newTestStore(t,
		triggerNode("r1", schema.TriggerStatusChanged),
		actionNode("r1", 0, 100, schema.ActionComment),
		actionNode("r1", 1, 200, schema.ActionTransition),
	)
	for _, target := range []string{"action:r1:0", "action:r1:1"} {
		_, err := s.ConnectOrReplace("trigger:r1", target)
		require.NoError(t, err)
	}

	rules := Compile(s.Graph())
	require.Len(t, rules[0].Actions, 2)
	assert.Equal(t, schema.ActionComment, rules[0].Actions[0].Type)

	s.SetNodePosition("action:r1:1", schema.Position{X: 320, Y: 10})

	rules = Compile(s.Graph())
	assert.Equal(t, schema.ActionTransition, rules[0].Actions[0].Type)
}

func TestCompileIsDeterministic(t *testing.T) {
	s := newTestStore(t,
		triggerNode("r1", schema.TriggerStatusChanged),
		actionNode("r1", 0, 100, schema.ActionComment),
		actionNode("r1", 1, 100, schema.ActionTransition), // same y, tie broken by ID
		triggerNode("r2", schema.TriggerAllSubtasksDone),
	)
	for _, target := range []string{"action:r1:0", "action:r1:1"} {
		_, err := s.ConnectOrReplace("trigger:r1", target)
		require.NoError(t, err)
	}

	first, err := json.Marshal(Compile(s.Graph()))
	require.NoError(t, err)
	second, err := json.Marshal(Compile(s.Graph()))
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestCompileKeepsDisabledTriggers(t *testing.T) {
	disabled := false
	tn := &schema.Node{
		ID:   schema.TriggerNodeID("r1"),
		Kind: schema.KindTrigger,
		Data: schema.MustData(&schema.TriggerData{
			RuleID:  "r1",
			Name:    "paused rule",
			Enabled: &disabled,
			Trigger: schema.TriggerSpec{Type: schema.TriggerStatusChanged},
		}),
	}
	s := newTestStore(t, tn)

	rules := Compile(s.Graph())
	require.Len(t, rules, 1)
	assert.False(t, rules[0].Enabled)
}

func TestCompileCopiesParamsByValue(t *testing.T) {
	s := newTestStore(t, triggerNode("r1", schema.TriggerAllSubtasksDone))
	require.NoError(t, s.PatchNodeData("trigger:r1", map[string]any{
		"trigger": schema.TriggerSpec{
			Type:   schema.TriggerAllSubtasksDone,
			Params: map[string]any{schema.ParamTargetKeys: []any{"PROJ-2"}},
		},
	}))

	rules := Compile(s.Graph())
	require.Len(t, rules, 1)
	rules[0].Trigger.Params[schema.ParamTargetKeys] = []any{"MUTATED"}

	again := Compile(s.Graph())
	assert.Equal(t, []any{"PROJ-2"}, again[0].Trigger.Params[schema.ParamTargetKeys])
}

func TestCompileIgnoresActionsOfOtherRules(t *testing.T) {
	s := newTestStore(t,
		triggerNode("r1", schema.TriggerStatusChanged),
		actionNode("r1", 0, 100, schema.ActionComment),
		triggerNode("r2", schema.TriggerStatusChanged),
		actionNode("r2", 0, 50, schema.ActionTransition),
	)
	_, err := s.ConnectOrReplace("trigger:r1", "action:r1:0")
	require.NoError(t, err)
	_, err = s.ConnectOrReplace("trigger:r2", "action:r2:0")
	require.NoError(t, err)

	rules := Compile(s.Graph())
	require.Len(t, rules, 2)
	for _, r := range rules {
		assert.Len(t, r.Actions, 1)
	}
}
