package graph

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/pkg/schema"
)

func freshEntities() []*schema.Node {
	return BuildEntityNodes(
		&schema.WorkItem{Key: "PROJ-1", Summary: "release", Status: "In Progress"},
		[]schema.Subtask{
			{ID: "s1", Key: "PROJ-2", Title: "build", Done: true},
			{ID: "s2", Key: "PROJ-3", Title: "deploy"},
		},
		[]schema.Activity{{ID: "a1", Name: "freeze", Start: "2026-01-10", End: "2026-01-12"}},
		EntityNodeOptions{ShowSubtasks: true, ShowActivities: true},
	)
}

func TestMergePreservesSavedLayout(t *testing.T) {
	fresh := freshEntities()

	// The user dragged PROJ-2 somewhere and the upstream data changed since.
	moved := *fresh[1]
	moved.Position = schema.Position{X: -900, Y: 40}
	moved.Data = schema.MustData(&schema.SubtaskData{Key: "PROJ-2", Title: "stale title"})
	saved := &schema.Graph{
		Nodes:    []*schema.Node{fresh[0], &moved},
		Viewport: schema.Viewport{X: 10, Y: 20, Zoom: 1.25},
	}

	merged := Merge(saved, freshEntities())

	var got *schema.Node
	for _, n := range merged.Nodes {
		if n.ID == "subtask:PROJ-2" {
			got = n
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, schema.Position{X: -900, Y: 40}, got.Position)

	var data schema.SubtaskData
	require.NoError(t, json.Unmarshal(got.Data, &data))
	assert.Equal(t, "build", data.Title, "fresh data overwrites the saved payload")
	assert.Equal(t, schema.Viewport{X: 10, Y: 20, Zoom: 1.25}, merged.Viewport)
}

func TestMergeKeepsAutomationNodesVerbatim(t *testing.T) {
	trig := triggerNode("r1", schema.TriggerStatusChanged)
	saved := &schema.Graph{
		Nodes:    append(freshEntities(), trig),
		Edges:    []*schema.Edge{{ID: "edge:1", Source: "trigger:r1", Target: "workitem:PROJ-1"}},
		Viewport: schema.DefaultViewport(),
	}

	merged := Merge(saved, freshEntities())

	var got *schema.Node
	for _, n := range merged.Nodes {
		if n.ID == "trigger:r1" {
			got = n
		}
	}
	assert.Same(t, trig, got, "non-entity nodes pass through by reference")
	assert.Equal(t, saved.Edges, merged.Edges)
}

func TestMergeDropsEntitiesGoneUpstream(t *testing.T) {
	saved := &schema.Graph{Nodes: freshEntities(), Viewport: schema.DefaultViewport()}

	onlyWorkItem := BuildEntityNodes(
		&schema.WorkItem{Key: "PROJ-1"}, nil, nil,
		EntityNodeOptions{ShowSubtasks: true, ShowActivities: true},
	)
	merged := Merge(saved, onlyWorkItem)

	require.Len(t, merged.Nodes, 1)
	assert.Equal(t, "workitem:PROJ-1", merged.Nodes[0].ID)
}

func TestMergeIsIdempotent(t *testing.T) {
	saved := &schema.Graph{
		Nodes:    append(freshEntities(), triggerNode("r1", schema.TriggerStatusChanged)),
		Viewport: schema.DefaultViewport(),
	}

	once := Merge(saved, freshEntities())
	twice := Merge(once, freshEntities())

	require.Len(t, twice.Nodes, len(once.Nodes))
	for i := range once.Nodes {
		assert.Equal(t, once.Nodes[i].ID, twice.Nodes[i].ID)
		assert.Equal(t, once.Nodes[i].Position, twice.Nodes[i].Position)
		assert.JSONEq(t, string(once.Nodes[i].Data), string(twice.Nodes[i].Data))
	}
}

func TestMergeNilSavedGraph(t *testing.T) {
	merged := Merge(nil, freshEntities())
	assert.Len(t, merged.Nodes, 4)
	assert.Equal(t, schema.DefaultViewport(), merged.Viewport)
}
