package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/autoflow/pkg/schema"
)

func sampleGraph() *schema.Graph {
	return &schema.Graph{
		Nodes: []*schema.Node{
			{
				ID:   "workitem:PROJ-1",
				Kind: schema.KindWorkItem,
				Data: schema.MustData(schema.WorkItemData{Key: "PROJ-1", Summary: "Rollout"}),
			},
			{
				ID:   "subtask:PROJ-2",
				Kind: schema.KindSubtask,
				Data: schema.MustData(schema.SubtaskData{Key: "PROJ-2", Title: "Deploy", Done: true}),
			},
			{
				ID:   "trigger:r1",
				Kind: schema.KindTrigger,
				Data: schema.MustData(schema.TriggerData{
					RuleID:         "r1",
					Name:           "done → comment",
					Trigger:        schema.TriggerSpec{Type: schema.TriggerSubtaskCompleted},
					ExecDecoration: schema.ExecDecoration{Executed: true, ExecStatus: schema.ExecStatusSuccess},
				}),
			},
			{
				ID:   "action:r1:0",
				Kind: schema.KindAction,
				Data: schema.MustData(schema.ActionData{
					RuleID: "r1",
					Name:   "Comment",
					Action: schema.ActionSpec{Type: schema.ActionComment},
				}),
			},
		},
		Edges: []*schema.Edge{
			{ID: "edge:e1", Source: "trigger:r1", Target: "subtask:PROJ-2"},
			{ID: "edge:e2", Source: "trigger:r1", Target: "action:r1:0"},
		},
	}
}

func TestRenderMermaid(t *testing.T) {
	out := RenderMermaid("PROJ-1 automation", sampleGraph())

	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "%% PROJ-1 automation")
	assert.Contains(t, out, `workitem_PROJ_1(("PROJ-1 Rollout"))`)
	assert.Contains(t, out, `subtask_PROJ_2["PROJ-2 Deploy"]`)
	assert.Contains(t, out, `trigger_r1{{"done → comment"}}`)
	assert.Contains(t, out, `action_r1_0["Comment"]`)
	assert.Contains(t, out, "trigger_r1 --> subtask_PROJ_2")
	assert.Contains(t, out, "trigger_r1 --> action_r1_0")
}

func TestRenderMermaidStatusClasses(t *testing.T) {
	out := RenderMermaid("", sampleGraph())

	assert.Contains(t, out, "class trigger_r1 success")
	assert.Contains(t, out, "class subtask_PROJ_2 done")
	assert.NotContains(t, out, "class action_r1_0")
}

func TestRenderMermaidFallbackLabels(t *testing.T) {
	g := &schema.Graph{
		Nodes: []*schema.Node{
			{ID: "gate:abc", Kind: schema.KindGate, Data: schema.MustData(schema.GateData{Targets: []string{}})},
		},
	}
	out := RenderMermaid("", g)
	assert.Contains(t, out, `gate_abc{"gate:abc"}`)
}
