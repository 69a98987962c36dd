package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/autoflow/internal/entities"
	"github.com/rendis/autoflow/internal/graph"
	"github.com/rendis/autoflow/internal/rules"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// TicketSession is the single writer of one ticket's in-memory graph. Every
// structural edit happens under the busy guard; a second mutable operation
// arriving while one is in flight is rejected with CONFLICT instead of
// queueing, so the caller always knows whether an edit applied.
type TicketSession struct {
	ticketKey string
	opts      OpenOptions
	deps      Deps

	busy       sync.Mutex
	graph      *graph.Store
	gate       *graph.GateSync
	enabled    bool
	state      schema.AutomationState
	entities   *entities.Snapshot
	generation atomic.Uint64
	dead       atomic.Bool
}

func newTicketSession(ticketKey string, opts OpenOptions, deps Deps) *TicketSession {
	gs := graph.NewStore()
	return &TicketSession{
		ticketKey: ticketKey,
		opts:      opts,
		deps:      deps,
		graph:     gs,
		gate:      graph.NewGateSync(gs),
		enabled:   true,
	}
}

// TicketKey returns the ticket this session edits.
func (s *TicketSession) TicketKey() string { return s.ticketKey }

func (s *TicketSession) invalidate() { s.dead.Store(true) }

// begin acquires the busy guard or fails with CONFLICT.
func (s *TicketSession) begin() error {
	if s.dead.Load() {
		return schema.NewErrorf(schema.ErrCodeStaleContext, "session for %s is closed", s.ticketKey)
	}
	if !s.busy.TryLock() {
		return schema.NewErrorf(schema.ErrCodeConflict, "another operation is in flight for %s", s.ticketKey)
	}
	return nil
}

func (s *TicketSession) end() { s.busy.Unlock() }

// load fetches upstream entities and the saved automation, merges the saved
// layout over the fresh entity nodes, and seeds the in-memory graph.
func (s *TicketSession) load(ctx context.Context) error {
	snap, err := entities.Fetch(ctx, s.deps.Source, s.ticketKey)
	if err != nil {
		return err
	}

	var saved *schema.Graph
	cfg, err := s.deps.Store.GetAutomation(ctx, s.ticketKey)
	switch {
	case err == nil:
		saved = cfg.Graph
		s.enabled = cfg.Enabled
		s.state = cfg.State
	case schema.IsCode(err, schema.ErrCodeNotFound):
		// first visit: nothing saved yet
	default:
		return err
	}

	fresh := graph.BuildEntityNodes(snap.WorkItem, snap.Subtasks, snap.Activities, graph.EntityNodeOptions{
		ShowSubtasks:   s.opts.ShowSubtasks,
		ShowActivities: s.opts.ShowActivities,
	})
	merged := graph.Merge(saved, fresh)
	if err := s.graph.LoadGraph(merged); err != nil {
		return err
	}
	s.entities = snap
	return nil
}

// Refresh re-fetches upstream entities and re-merges them under the current
// layout. The fetch happens outside the busy guard; a generation token taken
// before the fetch guarantees a stale response is dropped when the graph
// moved on in the meantime.
func (s *TicketSession) Refresh(ctx context.Context) error {
	token := s.generation.Load()

	snap, err := entities.Fetch(ctx, s.deps.Source, s.ticketKey)
	if err != nil {
		return err
	}

	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()

	if s.generation.Load() != token {
		return schema.NewErrorf(schema.ErrCodeStaleContext, "graph for %s changed during refresh", s.ticketKey)
	}

	fresh := graph.BuildEntityNodes(snap.WorkItem, snap.Subtasks, snap.Activities, graph.EntityNodeOptions{
		ShowSubtasks:   s.opts.ShowSubtasks,
		ShowActivities: s.opts.ShowActivities,
	})
	merged := graph.Merge(s.graph.Graph(), fresh)
	if err := s.graph.LoadGraph(merged); err != nil {
		return err
	}
	s.entities = snap
	s.generation.Add(1)
	return nil
}

// Graph returns a decorated snapshot: the current graph with execution
// outcomes painted onto rule nodes. The stored graph is never mutated.
func (s *TicketSession) Graph(ctx context.Context) (*schema.Graph, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	g := s.graph.Graph()
	s.end()

	recs, err := s.deps.Store.ListExecutions(ctx, s.ticketKey, 0)
	if err != nil || len(recs) == 0 {
		return g, nil
	}
	idx := graph.BuildExecIndex(store.Executions(recs))
	g.Nodes = graph.ApplyExec(g.Nodes, idx)
	return g, nil
}

// Connect wires two nodes, dispatching on the endpoint kinds:
//
//   - trigger → entity binds the entity into the trigger's params
//     (subtaskKey or activityId) and keeps the visual edge
//   - entity → gate adds the entity to the gate's membership
//   - gate → trigger links the gate and pushes its target set
//   - trigger → action attaches the action to the rule
func (s *TicketSession) Connect(source, target string) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()
	defer s.generation.Add(1)

	src := s.graph.Node(source)
	tgt := s.graph.Node(target)
	if src == nil || tgt == nil {
		return schema.NewError(schema.ErrCodeNotFound, "connect endpoints must exist")
	}

	switch {
	case src.Kind == schema.KindTrigger && tgt.Kind.IsEntity():
		return s.bindEntityToTrigger(src, tgt)
	case src.Kind.IsEntity() && tgt.Kind == schema.KindGate:
		return s.gate.ConnectEntityToGate(target, source)
	case src.Kind == schema.KindGate && tgt.Kind == schema.KindTrigger:
		return s.gate.LinkGateToTrigger(source, target)
	case src.Kind == schema.KindTrigger && tgt.Kind == schema.KindAction:
		_, err := s.graph.ConnectOrReplace(source, target)
		return err
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"cannot connect %s to %s", src.Kind, tgt.Kind)
}

func (s *TicketSession) bindEntityToTrigger(trigger, entity *schema.Node) error {
	td, err := trigger.TriggerData()
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "trigger data is malformed").WithNode(trigger.ID)
	}
	params := map[string]any{}
	for k, v := range td.Trigger.Params {
		params[k] = v
	}
	switch entity.Kind {
	case schema.KindSubtask:
		params[schema.ParamSubtaskKey] = schema.NaturalKey(entity.ID)
	case schema.KindActivity:
		params[schema.ParamActivityID] = schema.NaturalKey(entity.ID)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"trigger cannot bind to %s", entity.Kind)
	}
	if _, err := s.graph.ConnectOrReplace(trigger.ID, entity.ID); err != nil {
		return err
	}
	return s.graph.PatchNodeData(trigger.ID, map[string]any{
		"trigger": map[string]any{"type": td.Trigger.Type, "params": params},
	})
}

// Disconnect removes the edge between two nodes. Entity–gate edges go
// through the gate synchronizer so the bound trigger's targets follow.
func (s *TicketSession) Disconnect(source, target string) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()
	defer s.generation.Add(1)

	src := s.graph.Node(source)
	tgt := s.graph.Node(target)
	if src != nil && tgt != nil && src.Kind.IsEntity() && tgt.Kind == schema.KindGate {
		return s.gate.DisconnectEntityFromGate(target, source)
	}
	for _, e := range s.graph.EdgesFrom(source) {
		if e.Target == target {
			s.graph.RemoveEdge(e.ID)
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "no edge from %s to %s", source, target)
}

// DropTemplate instantiates a preset at a canvas position and adds the
// resulting trigger/action pair to the graph.
func (s *TicketSession) DropTemplate(presetID string, pos schema.Position) (*graph.Instantiated, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()
	defer s.generation.Add(1)

	preset, err := s.deps.Catalog.Get(presetID)
	if err != nil {
		return nil, err
	}
	inst := graph.Instantiate(preset, pos)
	s.graph.AddNodes(inst.Trigger, inst.Action)
	if _, err := s.graph.ConnectOrReplace(inst.Trigger.ID, inst.Action.ID); err != nil {
		return nil, err
	}
	return inst, nil
}

// AddGate places a fresh AND-aggregation gate on the canvas.
func (s *TicketSession) AddGate(name string, pos schema.Position) (*schema.Node, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()
	defer s.generation.Add(1)

	if name == "" {
		name = "All complete"
	}
	gate := &schema.Node{
		ID:       "gate:" + uuid.NewString(),
		Kind:     schema.KindGate,
		Position: pos,
		Data:     schema.MustData(&schema.GateData{Name: name}),
	}
	s.graph.AddNodes(gate)
	return gate, nil
}

// Remove deletes nodes. Entity nodes are never removed; triggers cascade to
// their rule's actions.
func (s *TicketSession) Remove(ids ...string) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()
	defer s.generation.Add(1)

	s.graph.RemoveNodesByID(ids...)
	return nil
}

// Patch applies a shallow merge into a node's data. Gate-bound triggers
// refuse direct writes to targetKeys; the gate synchronizer owns that field.
func (s *TicketSession) Patch(nodeID string, partial map[string]any) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()
	defer s.generation.Add(1)

	if patchTouchesTargetKeys(partial) && s.isGateBound(nodeID) {
		return schema.NewError(schema.ErrCodeValidation,
			"targetKeys of a gate-bound trigger are managed by its gate").WithNode(nodeID)
	}
	return s.graph.PatchNodeData(nodeID, partial)
}

// SetNodePosition moves a node.
func (s *TicketSession) SetNodePosition(nodeID string, pos schema.Position) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()
	defer s.generation.Add(1)

	s.graph.SetNodePosition(nodeID, pos)
	return nil
}

// SetViewport stores the canvas pan/zoom.
func (s *TicketSession) SetViewport(v schema.Viewport) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()
	s.graph.SetViewport(v)
	return nil
}

// SetEnabled toggles whether the external evaluator runs this automation.
func (s *TicketSession) SetEnabled(enabled bool) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()
	s.enabled = enabled
	return nil
}

// Validate returns advisory findings on the current graph.
func (s *TicketSession) Validate() ([]string, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()
	return s.deps.Flow.ValidateFlow(s.graph.Graph()), nil
}

// Save validates, compiles and persists the current graph. A graph with
// findings is refused.
func (s *TicketSession) Save(ctx context.Context) (*store.AutomationConfig, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()

	g := s.graph.Graph()
	if findings := s.deps.Flow.ValidateFlow(g); len(findings) > 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph has validation findings").
			WithDetails(map[string]any{"findings": findings})
	}

	cfg := &store.AutomationConfig{
		TicketKey: s.ticketKey,
		Graph:     g,
		Rules:     graph.Compile(g),
		Enabled:   s.enabled,
		State:     s.state,
	}
	if err := s.deps.Store.SaveAutomation(ctx, cfg); err != nil {
		return nil, err
	}
	s.deps.Logger.Info("automation saved",
		"ticket_key", s.ticketKey, "rules", len(cfg.Rules))
	return cfg, nil
}

// DryRun compiles the current graph and evaluates it against the loaded
// entities and the stored state, without executing anything.
func (s *TicketSession) DryRun(ctx context.Context) (*rules.Result, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	g := s.graph.Graph()
	snap := s.entities
	state := s.state
	s.end()

	var execs []schema.Execution
	if recs, err := s.deps.Store.ListExecutions(ctx, s.ticketKey, 0); err == nil {
		execs = store.Executions(recs)
	}

	return s.deps.Evaluator.Evaluate(ctx, rules.Input{
		TicketKey:  s.ticketKey,
		WorkItem:   snap.WorkItem,
		Subtasks:   snap.Subtasks,
		Activities: snap.Activities,
		Rules:      graph.Compile(g),
		State:      state,
		Executions: execs,
	})
}

// Executions returns the stored execution log, oldest first.
func (s *TicketSession) Executions(ctx context.Context, limit int) ([]schema.Execution, error) {
	recs, err := s.deps.Store.ListExecutions(ctx, s.ticketKey, limit)
	if err != nil {
		return nil, err
	}
	return store.Executions(recs), nil
}

// Snapshot persists the currently loaded entities so the scheduler and the
// read APIs can serve them without an upstream round-trip.
func (s *TicketSession) Snapshot(ctx context.Context) error {
	if err := s.begin(); err != nil {
		return err
	}
	snap := s.entities
	s.end()
	if snap == nil {
		return schema.NewError(schema.ErrCodeValidation, "no entities loaded")
	}
	return s.deps.Store.SaveEntitySnapshot(ctx, &store.EntitySnapshot{
		TicketKey:  s.ticketKey,
		WorkItem:   snap.WorkItem,
		Subtasks:   snap.Subtasks,
		Activities: snap.Activities,
		FetchedAt:  time.Now().UTC(),
	})
}

func (s *TicketSession) isGateBound(triggerID string) bool {
	n := s.graph.Node(triggerID)
	if n == nil || n.Kind != schema.KindTrigger {
		return false
	}
	for _, e := range s.graph.EdgesInto(triggerID) {
		if src := s.graph.Node(e.Source); src != nil && src.Kind == schema.KindGate {
			return true
		}
	}
	return false
}

func patchTouchesTargetKeys(partial map[string]any) bool {
	raw, ok := partial["trigger"]
	if !ok {
		return false
	}
	// the partial may arrive as a decoded map or as raw JSON
	switch t := raw.(type) {
	case map[string]any:
		if params, ok := t["params"].(map[string]any); ok {
			_, has := params[schema.ParamTargetKeys]
			return has
		}
	case json.RawMessage:
		var spec schema.TriggerSpec
		if err := json.Unmarshal(t, &spec); err == nil {
			_, has := spec.Params[schema.ParamTargetKeys]
			return has
		}
	case string:
		return strings.Contains(t, schema.ParamTargetKeys)
	}
	return false
}
