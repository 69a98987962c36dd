package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/presets"
	"github.com/rendis/autoflow/internal/rules"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/validation"
	"github.com/rendis/autoflow/pkg/schema"
)

// memSource serves fixed entities.
type memSource struct {
	workItem    *schema.WorkItem
	subtasks    []schema.Subtask
	activities  []schema.Activity
	transitions []schema.Transition
}

func (m *memSource) GetWorkItem(ctx context.Context, key string) (*schema.WorkItem, error) {
	if m.workItem == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "ticket %q not found", key)
	}
	return m.workItem, nil
}

func (m *memSource) ListSubtasks(ctx context.Context, key string) ([]schema.Subtask, error) {
	return m.subtasks, nil
}

func (m *memSource) ListScheduleActivities(ctx context.Context, key string) ([]schema.Activity, error) {
	return m.activities, nil
}

func (m *memSource) ListStatusTransitions(ctx context.Context, key string) ([]schema.Transition, error) {
	return m.transitions, nil
}

// memStore keeps automations in memory.
type memStore struct {
	automations map[string]*store.AutomationConfig
	executions  map[string][]*store.ExecutionRecord
	snapshots   map[string]*store.EntitySnapshot
}

func newMemStore() *memStore {
	return &memStore{
		automations: map[string]*store.AutomationConfig{},
		executions:  map[string][]*store.ExecutionRecord{},
		snapshots:   map[string]*store.EntitySnapshot{},
	}
}

func (m *memStore) GetAutomation(ctx context.Context, key string) (*store.AutomationConfig, error) {
	cfg, ok := m.automations[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "automation %q not found", key)
	}
	return cfg, nil
}

func (m *memStore) SaveAutomation(ctx context.Context, cfg *store.AutomationConfig) error {
	m.automations[cfg.TicketKey] = cfg
	return nil
}

func (m *memStore) SetAutomationEnabled(ctx context.Context, key string, enabled bool) error {
	cfg, ok := m.automations[key]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "automation %q not found", key)
	}
	cfg.Enabled = enabled
	return nil
}

func (m *memStore) SaveAutomationState(ctx context.Context, key string, state []byte) error {
	return nil
}

func (m *memStore) ListEnabledTickets(ctx context.Context) ([]string, error) { return nil, nil }

func (m *memStore) DeleteAutomation(ctx context.Context, key string) error {
	delete(m.automations, key)
	return nil
}

func (m *memStore) AppendExecution(ctx context.Context, key string, rec *store.ExecutionRecord) error {
	m.executions[key] = append(m.executions[key], rec)
	return nil
}

func (m *memStore) ListExecutions(ctx context.Context, key string, limit int) ([]*store.ExecutionRecord, error) {
	return m.executions[key], nil
}

func (m *memStore) SaveEntitySnapshot(ctx context.Context, snap *store.EntitySnapshot) error {
	m.snapshots[snap.TicketKey] = snap
	return nil
}

func (m *memStore) GetEntitySnapshot(ctx context.Context, key string) (*store.EntitySnapshot, error) {
	snap, ok := m.snapshots[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "entity snapshot %q not found", key)
	}
	return snap, nil
}

func (m *memStore) Migrate(ctx context.Context) error { return nil }
func (m *memStore) Vacuum(ctx context.Context) error  { return nil }
func (m *memStore) Close() error                      { return nil }

func newTestServer(t *testing.T, src *memSource, st store.Store) *Server {
	t.Helper()
	wire, err := validation.NewWireValidator()
	require.NoError(t, err)
	catalog, err := presets.Load(wire)
	require.NoError(t, err)
	conditions, err := expressions.NewConditions()
	require.NoError(t, err)
	return New(Deps{
		Store:     st,
		Source:    src,
		Wire:      wire,
		Flow:      validation.NewFlowValidator(conditions),
		Evaluator: rules.NewEvaluator(conditions),
		Catalog:   catalog,
	})
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

// savedGraphDoc is a minimal valid rule graph: one trigger wired to one
// comment action.
const savedGraphDoc = `{
	"nodes": [
		{
			"id": "trigger:r1",
			"kind": "trigger",
			"position": {"x": 0, "y": 0},
			"data": {
				"ruleId": "r1",
				"name": "done → comment",
				"trigger": {"type": "subtask.completed", "params": {"subtaskKey": "PROJ-2"}}
			}
		},
		{
			"id": "action:r1:0",
			"kind": "action",
			"position": {"x": 320, "y": 140},
			"data": {
				"ruleId": "r1",
				"name": "Comment",
				"action": {"type": "workitem.comment", "params": {"text": "finished: {subtaskTitle}"}}
			}
		}
	],
	"edges": [
		{"id": "edge:e1", "source": "trigger:r1", "target": "action:r1:0"}
	],
	"viewport": {"x": 0, "y": 0, "zoom": 0.9}
}`

func putBody(graphDoc string, enabled bool) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"graph": %s, "enabled": %t}`, graphDoc, enabled))
}

func TestListPresets(t *testing.T) {
	s := newTestServer(t, &memSource{}, newMemStore())

	rec := doRequest(t, s, http.MethodGet, "/api/presets", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[struct {
		Presets []schema.Preset `json:"presets"`
	}](t, rec)
	assert.NotEmpty(t, body.Presets)
	for _, p := range body.Presets {
		assert.NotEmpty(t, p.ID)
		assert.NotEmpty(t, p.Trigger.Type)
	}
}

func TestGetAutomationNotFound(t *testing.T) {
	s := newTestServer(t, &memSource{}, newMemStore())

	rec := doRequest(t, s, http.MethodGet, "/api/tickets/PROJ-1/automation", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody[errorResponse](t, rec)
	assert.Equal(t, schema.ErrCodeNotFound, body.Code)
}

func TestPutAutomationSavesCompiledRules(t *testing.T) {
	st := newMemStore()
	s := newTestServer(t, &memSource{}, st)

	req := httptest.NewRequest(http.MethodPut, "/api/tickets/proj-1/automation",
		strings.NewReader(string(putBody(savedGraphDoc, true))))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cfg := decodeBody[store.AutomationConfig](t, rec)
	assert.Equal(t, "PROJ-1", cfg.TicketKey)
	assert.True(t, cfg.Enabled)
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, "r1", cfg.Rules[0].ID)
	require.Len(t, cfg.Rules[0].Actions, 1)
	assert.Equal(t, "workitem.comment", cfg.Rules[0].Actions[0].Type)

	// the stored copy matches what was returned
	stored, err := st.GetAutomation(context.Background(), "PROJ-1")
	require.NoError(t, err)
	assert.Len(t, stored.Rules, 1)

	rec = doRequest(t, s, http.MethodGet, "/api/tickets/PROJ-1/automation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPutAutomationRejectsEmptyGraph(t *testing.T) {
	s := newTestServer(t, &memSource{}, newMemStore())

	body := putBody(`{"nodes": [], "edges": [], "viewport": {"x": 0, "y": 0, "zoom": 1}}`, false)
	rec := doRequest(t, s, http.MethodPut, "/api/tickets/PROJ-1/automation", body)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[errorResponse](t, rec)
	assert.Equal(t, schema.ErrCodeValidation, resp.Code)
	assert.Contains(t, resp.Details, "findings")
}

func TestPutAutomationRejectsMalformedGraph(t *testing.T) {
	s := newTestServer(t, &memSource{}, newMemStore())

	// node without a kind fails the wire schema before flow validation
	body := putBody(`{"nodes": [{"id": "x", "position": {"x": 0, "y": 0}}], "edges": []}`, false)
	rec := doRequest(t, s, http.MethodPut, "/api/tickets/PROJ-1/automation", body)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[errorResponse](t, rec)
	assert.Equal(t, schema.ErrCodeValidation, resp.Code)
}

func TestPutAutomationPreservesState(t *testing.T) {
	st := newMemStore()
	s := newTestServer(t, &memSource{}, st)

	checked := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	st.automations["PROJ-1"] = &store.AutomationConfig{
		TicketKey: "PROJ-1",
		State: schema.AutomationState{
			LastStatus:    "In Progress",
			LastCheckedAt: &checked,
		},
		CreatedAt: checked,
	}

	rec := doRequest(t, s, http.MethodPut, "/api/tickets/PROJ-1/automation", putBody(savedGraphDoc, true))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored := st.automations["PROJ-1"]
	assert.Equal(t, "In Progress", stored.State.LastStatus)
	assert.Equal(t, checked, stored.CreatedAt)
}

func TestSetEnabled(t *testing.T) {
	st := newMemStore()
	s := newTestServer(t, &memSource{}, st)
	st.automations["PROJ-1"] = &store.AutomationConfig{TicketKey: "PROJ-1"}

	rec := doRequest(t, s, http.MethodPut, "/api/tickets/PROJ-1/automation/enabled",
		map[string]any{"enabled": true})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, st.automations["PROJ-1"].Enabled)

	rec = doRequest(t, s, http.MethodPut, "/api/tickets/MISSING/automation/enabled",
		map[string]any{"enabled": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteAutomation(t *testing.T) {
	st := newMemStore()
	s := newTestServer(t, &memSource{}, st)
	st.automations["PROJ-1"] = &store.AutomationConfig{TicketKey: "PROJ-1"}

	rec := doRequest(t, s, http.MethodDelete, "/api/tickets/PROJ-1/automation", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, st.automations)
}

func TestDryRunUsesStoredRules(t *testing.T) {
	st := newMemStore()
	src := &memSource{
		workItem: &schema.WorkItem{Key: "PROJ-1", Summary: "Rollout", Status: "In Progress"},
		subtasks: []schema.Subtask{
			{ID: "s1", Key: "PROJ-2", Title: "Deploy", Status: "Done", StatusCategory: "done", Done: true},
		},
	}
	s := newTestServer(t, src, st)
	st.automations["PROJ-1"] = &store.AutomationConfig{
		TicketKey: "PROJ-1",
		Rules: []schema.Rule{{
			ID:      "r1",
			Name:    "done → comment",
			Enabled: true,
			Trigger: schema.TriggerSpec{
				Type:   schema.TriggerSubtaskCompleted,
				Params: map[string]any{schema.ParamSubtaskKey: "PROJ-2"},
			},
			Actions: []schema.ActionSpec{{
				Type:   schema.ActionComment,
				Params: map[string]any{"text": "finished: {subtaskTitle}"},
			}},
		}},
	}

	rec := doRequest(t, s, http.MethodPost, "/api/tickets/PROJ-1/dry-run", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeBody[rules.Result](t, rec)
	require.Len(t, result.WouldFire, 1)
	assert.Equal(t, "r1", result.WouldFire[0].RuleID)
	assert.False(t, result.WouldFire[0].AlreadyExecuted)
	assert.Contains(t, result.WouldFire[0].ActionPreviews[0], "finished: Deploy")
}

func TestDryRunAcceptsRuleOverride(t *testing.T) {
	st := newMemStore()
	src := &memSource{
		workItem: &schema.WorkItem{Key: "PROJ-1", Status: "Done", StatusCategory: "done"},
	}
	s := newTestServer(t, src, st)

	body := map[string]any{
		"rules": []schema.Rule{{
			ID:      "draft",
			Name:    "status equals",
			Enabled: true,
			Trigger: schema.TriggerSpec{
				Type:   schema.TriggerStatusEquals,
				Params: map[string]any{schema.ParamStatus: "Done"},
			},
		}},
	}
	rec := doRequest(t, s, http.MethodPost, "/api/tickets/PROJ-1/dry-run", body)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeBody[rules.Result](t, rec)
	require.Len(t, result.WouldFire, 1)
	assert.Equal(t, "draft", result.WouldFire[0].RuleID)
}

func TestDryRunUpstreamMissingTicket(t *testing.T) {
	s := newTestServer(t, &memSource{}, newMemStore())

	rec := doRequest(t, s, http.MethodPost, "/api/tickets/PROJ-1/dry-run", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTransitions(t *testing.T) {
	src := &memSource{
		transitions: []schema.Transition{
			{ID: "31", Name: "Start work", ToStatus: "In Progress"},
			{ID: "41", Name: "Finish", ToStatus: "Done"},
		},
	}
	s := newTestServer(t, src, newMemStore())

	rec := doRequest(t, s, http.MethodGet, "/api/tickets/PROJ-1/transitions", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[struct {
		Transitions []schema.Transition `json:"transitions"`
	}](t, rec)
	require.Len(t, body.Transitions, 2)
	assert.Equal(t, "Done", body.Transitions[1].ToStatus)
}

func TestListExecutions(t *testing.T) {
	st := newMemStore()
	s := newTestServer(t, &memSource{}, st)
	st.executions["PROJ-1"] = []*store.ExecutionRecord{
		{ID: 1, TicketKey: "PROJ-1", RuleID: "r1", EventKey: "r1|subtask.completed|PROJ-2", Status: schema.ExecStatusSuccess},
	}

	rec := doRequest(t, s, http.MethodGet, "/api/tickets/PROJ-1/executions?limit=10", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[struct {
		TicketKey  string                   `json:"ticketKey"`
		Executions []*store.ExecutionRecord `json:"executions"`
	}](t, rec)
	assert.Equal(t, "PROJ-1", body.TicketKey)
	require.Len(t, body.Executions, 1)
	assert.Equal(t, "r1", body.Executions[0].RuleID)

	rec = doRequest(t, s, http.MethodGet, "/api/tickets/PROJ-1/executions?limit=nope", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTicketKeyNormalized(t *testing.T) {
	st := newMemStore()
	s := newTestServer(t, &memSource{}, st)
	st.automations["PROJ-1"] = &store.AutomationConfig{TicketKey: "PROJ-1"}

	rec := doRequest(t, s, http.MethodGet, "/api/tickets/proj-1/automation", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}
