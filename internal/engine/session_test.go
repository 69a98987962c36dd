package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/presets"
	"github.com/rendis/autoflow/internal/rules"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/validation"
	"github.com/rendis/autoflow/pkg/schema"
)

// fakeSource serves fixed entities.
type fakeSource struct {
	workItem   *schema.WorkItem
	subtasks   []schema.Subtask
	activities []schema.Activity
	fetches    int
}

func (f *fakeSource) GetWorkItem(ctx context.Context, key string) (*schema.WorkItem, error) {
	f.fetches++
	if f.workItem == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "ticket %q not found", key)
	}
	return f.workItem, nil
}

func (f *fakeSource) ListSubtasks(ctx context.Context, key string) ([]schema.Subtask, error) {
	return f.subtasks, nil
}

func (f *fakeSource) ListScheduleActivities(ctx context.Context, key string) ([]schema.Activity, error) {
	return f.activities, nil
}

func (f *fakeSource) ListStatusTransitions(ctx context.Context, key string) ([]schema.Transition, error) {
	return nil, nil
}

// fakeStore keeps automations in memory.
type fakeStore struct {
	automations map[string]*store.AutomationConfig
	executions  map[string][]*store.ExecutionRecord
	snapshots   map[string]*store.EntitySnapshot
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		automations: map[string]*store.AutomationConfig{},
		executions:  map[string][]*store.ExecutionRecord{},
		snapshots:   map[string]*store.EntitySnapshot{},
	}
}

func (f *fakeStore) GetAutomation(ctx context.Context, key string) (*store.AutomationConfig, error) {
	cfg, ok := f.automations[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "automation %q not found", key)
	}
	return cfg, nil
}

func (f *fakeStore) SaveAutomation(ctx context.Context, cfg *store.AutomationConfig) error {
	f.automations[cfg.TicketKey] = cfg
	return nil
}

func (f *fakeStore) SetAutomationEnabled(ctx context.Context, key string, enabled bool) error {
	cfg, ok := f.automations[key]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "automation %q not found", key)
	}
	cfg.Enabled = enabled
	return nil
}

func (f *fakeStore) SaveAutomationState(ctx context.Context, key string, state []byte) error {
	return nil
}

func (f *fakeStore) ListEnabledTickets(ctx context.Context) ([]string, error) { return nil, nil }

func (f *fakeStore) DeleteAutomation(ctx context.Context, key string) error {
	delete(f.automations, key)
	return nil
}

func (f *fakeStore) AppendExecution(ctx context.Context, key string, rec *store.ExecutionRecord) error {
	f.executions[key] = append(f.executions[key], rec)
	return nil
}

func (f *fakeStore) ListExecutions(ctx context.Context, key string, limit int) ([]*store.ExecutionRecord, error) {
	return f.executions[key], nil
}

func (f *fakeStore) SaveEntitySnapshot(ctx context.Context, snap *store.EntitySnapshot) error {
	f.snapshots[snap.TicketKey] = snap
	return nil
}

func (f *fakeStore) GetEntitySnapshot(ctx context.Context, key string) (*store.EntitySnapshot, error) {
	snap, ok := f.snapshots[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "entity snapshot %q not found", key)
	}
	return snap, nil
}

func (f *fakeStore) Migrate(ctx context.Context) error { return nil }
func (f *fakeStore) Vacuum(ctx context.Context) error  { return nil }
func (f *fakeStore) Close() error                      { return nil }

func newTestEngine(t *testing.T, src *fakeSource, st store.Store) *Engine {
	t.Helper()
	conditions, err := expressions.NewConditions()
	require.NoError(t, err)
	wire, err := validation.NewWireValidator()
	require.NoError(t, err)
	catalog, err := presets.Load(wire)
	require.NoError(t, err)
	return New(Deps{
		Source:    src,
		Store:     st,
		Flow:      validation.NewFlowValidator(conditions),
		Catalog:   catalog,
		Evaluator: rules.NewEvaluator(conditions),
	})
}

func defaultSource() *fakeSource {
	return &fakeSource{
		workItem: &schema.WorkItem{Key: "PROJ-1", Summary: "Ship it", Status: "In Progress"},
		subtasks: []schema.Subtask{
			{ID: "s1", Key: "PROJ-2", Title: "Review", Status: "Done", StatusCategory: "done"},
			{ID: "s2", Key: "PROJ-3", Title: "Test", Status: "In Progress"},
		},
		activities: []schema.Activity{
			{ID: "a1", Name: "Kickoff", Start: "2026-03-10", End: "2026-03-12"},
		},
	}
}

func openSession(t *testing.T) *TicketSession {
	t.Helper()
	e := newTestEngine(t, defaultSource(), newFakeStore())
	s, err := e.Open(context.Background(), "PROJ-1", DefaultOpenOptions())
	require.NoError(t, err)
	return s
}

func TestOpenBuildsEntityNodes(t *testing.T) {
	s := openSession(t)

	g, err := s.Graph(context.Background())
	require.NoError(t, err)
	// work item + 2 subtasks + 1 activity
	require.Len(t, g.Nodes, 4)
	assert.Equal(t, schema.KindWorkItem, g.Nodes[0].Kind)
}

func TestOpenMissingWorkItemFails(t *testing.T) {
	e := newTestEngine(t, &fakeSource{}, newFakeStore())
	_, err := e.Open(context.Background(), "PROJ-404", DefaultOpenOptions())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestDropTemplateAndCompile(t *testing.T) {
	s := openSession(t)

	inst, err := s.DropTemplate("preset_status_changed_comment", schema.Position{X: 200, Y: 60})
	require.NoError(t, err)
	require.NotNil(t, inst.Trigger)
	require.NotNil(t, inst.Action)

	findings, err := s.Validate()
	require.NoError(t, err)
	assert.Empty(t, findings)

	cfg, err := s.Save(context.Background())
	require.NoError(t, err)
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, schema.TriggerStatusChanged, cfg.Rules[0].Trigger.Type)
	require.Len(t, cfg.Rules[0].Actions, 1)
}

func TestConnectTriggerToSubtaskBindsParam(t *testing.T) {
	s := openSession(t)

	inst, err := s.DropTemplate("preset_subtask_done_comment", schema.Position{X: 200, Y: 60})
	require.NoError(t, err)

	subtaskID := schema.EntityNodeID(schema.KindSubtask, "PROJ-2")
	require.NoError(t, s.Connect(inst.Trigger.ID, subtaskID))

	g, err := s.Graph(context.Background())
	require.NoError(t, err)
	var trigger *schema.Node
	for _, n := range g.Nodes {
		if n.ID == inst.Trigger.ID {
			trigger = n
		}
	}
	require.NotNil(t, trigger)
	td, err := trigger.TriggerData()
	require.NoError(t, err)
	assert.Equal(t, "PROJ-2", td.Trigger.Params[schema.ParamSubtaskKey])
}

func TestConnectRejectsNonsense(t *testing.T) {
	s := openSession(t)

	subtask := schema.EntityNodeID(schema.KindSubtask, "PROJ-2")
	activity := schema.EntityNodeID(schema.KindActivity, "a1")
	err := s.Connect(subtask, activity)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = s.Connect("nope", subtask)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestGateFlowThroughSession(t *testing.T) {
	s := openSession(t)

	inst, err := s.DropTemplate("preset_all_subtasks_done_comment", schema.Position{X: 240, Y: 80})
	require.NoError(t, err)

	gate, err := s.AddGate("AND", schema.Position{X: 120, Y: 80})
	require.NoError(t, err)

	s2 := schema.EntityNodeID(schema.KindSubtask, "PROJ-2")
	s3 := schema.EntityNodeID(schema.KindSubtask, "PROJ-3")
	require.NoError(t, s.Connect(s3, gate.ID))
	require.NoError(t, s.Connect(s2, gate.ID))
	require.NoError(t, s.Connect(gate.ID, inst.Trigger.ID))

	g, _ := s.Graph(context.Background())
	for _, n := range g.Nodes {
		if n.ID == inst.Trigger.ID {
			td, err := n.TriggerData()
			require.NoError(t, err)
			assert.Equal(t, []any{"PROJ-2", "PROJ-3"}, td.Trigger.Params[schema.ParamTargetKeys])
		}
	}

	// direct writes to targetKeys on a gate-bound trigger are refused
	err = s.Patch(inst.Trigger.ID, map[string]any{
		"trigger": map[string]any{
			"type":   schema.TriggerAllSubtasksDone,
			"params": map[string]any{schema.ParamTargetKeys: []any{"PROJ-9"}},
		},
	})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	// disconnect keeps the trigger in sync
	require.NoError(t, s.Disconnect(s3, gate.ID))
	g, _ = s.Graph(context.Background())
	for _, n := range g.Nodes {
		if n.ID == inst.Trigger.ID {
			td, _ := n.TriggerData()
			assert.Equal(t, []any{"PROJ-2"}, td.Trigger.Params[schema.ParamTargetKeys])
		}
	}
}

func TestSaveRefusesInvalidGraph(t *testing.T) {
	s := openSession(t)

	_, err := s.DropTemplate("preset_all_subtasks_done_comment", schema.Position{X: 240, Y: 80})
	require.NoError(t, err)

	_, err = s.Save(context.Background())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestSaveRefusesEmptyGraph(t *testing.T) {
	s := openSession(t)
	_, err := s.Save(context.Background())
	require.Error(t, err)
}

func TestDryRunReportsFirings(t *testing.T) {
	s := openSession(t)

	inst, err := s.DropTemplate("preset_subtask_done_comment", schema.Position{X: 200, Y: 60})
	require.NoError(t, err)
	subtaskID := schema.EntityNodeID(schema.KindSubtask, "PROJ-2")
	require.NoError(t, s.Connect(inst.Trigger.ID, subtaskID))

	res, err := s.DryRun(context.Background())
	require.NoError(t, err)
	require.Len(t, res.WouldFire, 1)
	assert.Contains(t, res.WouldFire[0].EventKey, schema.TriggerSubtaskCompleted)
	assert.False(t, res.WouldFire[0].AlreadyExecuted)
}

func TestLayoutSurvivesReopen(t *testing.T) {
	src := defaultSource()
	st := newFakeStore()
	e := newTestEngine(t, src, st)
	ctx := context.Background()

	s, err := e.Open(ctx, "PROJ-1", DefaultOpenOptions())
	require.NoError(t, err)

	inst, err := s.DropTemplate("preset_status_changed_comment", schema.Position{X: 200, Y: 60})
	require.NoError(t, err)
	subtaskID := schema.EntityNodeID(schema.KindSubtask, "PROJ-2")
	require.NoError(t, s.SetNodePosition(subtaskID, schema.Position{X: -900, Y: 400}))
	_, err = s.Save(ctx)
	require.NoError(t, err)

	// upstream status changed between sessions
	src.workItem = &schema.WorkItem{Key: "PROJ-1", Summary: "Ship it", Status: "Done"}

	s2, err := e.Open(ctx, "PROJ-1", DefaultOpenOptions())
	require.NoError(t, err)
	g, err := s2.Graph(ctx)
	require.NoError(t, err)

	found := false
	for _, n := range g.Nodes {
		if n.ID == subtaskID {
			found = true
			assert.Equal(t, schema.Position{X: -900, Y: 400}, n.Position)
		}
		if n.ID == inst.Trigger.ID {
			assert.Equal(t, schema.KindTrigger, n.Kind)
		}
	}
	assert.True(t, found)
}

func TestRefreshDetectsStaleFetch(t *testing.T) {
	s := openSession(t)

	// a mutation between the token capture and the merge invalidates the fetch
	token := s.generation.Load()
	_, err := s.DropTemplate("preset_status_changed_comment", schema.Position{X: 200, Y: 60})
	require.NoError(t, err)
	assert.NotEqual(t, token, s.generation.Load())

	// a clean refresh applies
	require.NoError(t, s.Refresh(context.Background()))
}

func TestSessionLifecycle(t *testing.T) {
	src := defaultSource()
	e := newTestEngine(t, src, newFakeStore())
	ctx := context.Background()

	s, err := e.Open(ctx, "PROJ-1", DefaultOpenOptions())
	require.NoError(t, err)
	assert.Same(t, s, e.Session("PROJ-1"))

	e.Close("PROJ-1")
	assert.Nil(t, e.Session("PROJ-1"))

	err = s.Connect("a", "b")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStaleContext))
}

func TestSnapshotPersistsEntities(t *testing.T) {
	st := newFakeStore()
	e := newTestEngine(t, defaultSource(), st)
	s, err := e.Open(context.Background(), "PROJ-1", DefaultOpenOptions())
	require.NoError(t, err)

	require.NoError(t, s.Snapshot(context.Background()))
	snap, err := st.GetEntitySnapshot(context.Background(), "PROJ-1")
	require.NoError(t, err)
	assert.Equal(t, "PROJ-1", snap.WorkItem.Key)
	assert.Len(t, snap.Subtasks, 2)
}
