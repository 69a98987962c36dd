// Package graph implements the automation graph engine: the canonical
// node/edge state, the merge of upstream entities into a saved layout, the
// gate/trigger synchronizer, the preset instantiator, the rule compiler and
// the execution overlay.
package graph

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/rendis/autoflow/pkg/schema"
)

// Store owns the canonical nodes/edges/viewport of one ticket's automation
// graph and exposes the only mutation primitives. There is exactly one
// logical writer (the UI event loop); Store itself takes no locks.
type Store struct {
	nodes    []*schema.Node
	edges    []*schema.Edge
	viewport schema.Viewport
	index    map[string]int // node ID → position in nodes
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		viewport: schema.DefaultViewport(),
		index:    make(map[string]int),
	}
}

// LoadGraph atomically replaces the whole graph, used only at ticket-load
// time. Edges referencing a missing node are dropped rather than aborting
// the load; a missing work item node is fatal since it is structurally
// required.
func (s *Store) LoadGraph(g *schema.Graph) error {
	index := make(map[string]int, len(g.Nodes))
	nodes := make([]*schema.Node, 0, len(g.Nodes))
	hasWorkItem := false
	for _, n := range g.Nodes {
		if _, dup := index[n.ID]; dup {
			continue
		}
		if n.Kind == schema.KindWorkItem {
			hasWorkItem = true
		}
		index[n.ID] = len(nodes)
		nodes = append(nodes, n)
	}
	if !hasWorkItem {
		return schema.NewError(schema.ErrCodeValidation, "graph has no work item node")
	}

	edges := make([]*schema.Edge, 0, len(g.Edges))
	for _, e := range g.Edges {
		if _, ok := index[e.Source]; !ok {
			continue
		}
		if _, ok := index[e.Target]; !ok {
			continue
		}
		edges = append(edges, e)
	}

	s.nodes = nodes
	s.edges = edges
	s.index = index
	s.viewport = g.Viewport
	if s.viewport.Zoom == 0 {
		s.viewport = schema.DefaultViewport()
	}
	return nil
}

// Graph returns a snapshot of the current graph. Slices are copied so later
// mutations do not alias into the snapshot; node and edge values are shared.
func (s *Store) Graph() *schema.Graph {
	nodes := make([]*schema.Node, len(s.nodes))
	copy(nodes, s.nodes)
	edges := make([]*schema.Edge, len(s.edges))
	copy(edges, s.edges)
	return &schema.Graph{Nodes: nodes, Edges: edges, Viewport: s.viewport}
}

// Node returns the node with the given ID, or nil.
func (s *Store) Node(id string) *schema.Node {
	if i, ok := s.index[id]; ok {
		return s.nodes[i]
	}
	return nil
}

// Edges returns the live edge slice. Callers must not mutate it.
func (s *Store) Edges() []*schema.Edge { return s.edges }

// Nodes returns the live node slice. Callers must not mutate it.
func (s *Store) Nodes() []*schema.Node { return s.nodes }

// SetViewport records the saved pan/zoom.
func (s *Store) SetViewport(v schema.Viewport) { s.viewport = v }

// AddNodes appends nodes, replacing any node that already has the same ID.
func (s *Store) AddNodes(nodes ...*schema.Node) {
	for _, n := range nodes {
		if i, ok := s.index[n.ID]; ok {
			s.nodes[i] = n
			continue
		}
		s.index[n.ID] = len(s.nodes)
		s.nodes = append(s.nodes, n)
	}
}

// SetNodePosition moves a node. Unknown IDs are ignored.
func (s *Store) SetNodePosition(id string, pos schema.Position) {
	i, ok := s.index[id]
	if !ok {
		return
	}
	n := *s.nodes[i]
	n.Position = pos
	s.nodes[i] = &n
}

// PatchNodeData shallow-merges partial into the node's data payload. Only
// the patched node gets a new value; every other node keeps its identity so
// unaffected consumers see stable references.
func (s *Store) PatchNodeData(id string, partial map[string]any) error {
	i, ok := s.index[id]
	if !ok {
		return schema.NewError(schema.ErrCodeNotFound, "node not found").WithNode(id)
	}
	cur := map[string]any{}
	if len(s.nodes[i].Data) > 0 {
		if err := json.Unmarshal(s.nodes[i].Data, &cur); err != nil {
			return schema.NewError(schema.ErrCodeValidation, "malformed node data").WithNode(id).WithCause(err)
		}
	}
	for k, v := range partial {
		cur[k] = v
	}
	raw, err := json.Marshal(cur)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "marshal patched data").WithNode(id).WithCause(err)
	}
	n := *s.nodes[i]
	n.Data = raw
	s.nodes[i] = &n
	return nil
}

// RemoveNodesByID removes the given nodes, with two carve-outs: entity node
// IDs are silently ignored, and removing a trigger cascades to every action
// node sharing its ruleId. All edges touching a removed node go with it.
// This is the only removal path; there is no implicit garbage collection.
func (s *Store) RemoveNodesByID(ids ...string) {
	doomed := make(map[string]bool)
	ruleIDs := make(map[string]bool)
	for _, id := range ids {
		i, ok := s.index[id]
		if !ok {
			continue
		}
		n := s.nodes[i]
		if n.Kind.IsEntity() {
			continue
		}
		doomed[id] = true
		if n.Kind == schema.KindTrigger {
			if td, err := n.TriggerData(); err == nil && td.RuleID != "" {
				ruleIDs[td.RuleID] = true
			}
		}
	}

	// Cascade: a rule's actions do not survive their trigger.
	if len(ruleIDs) > 0 {
		for _, n := range s.nodes {
			if n.Kind != schema.KindAction {
				continue
			}
			if ad, err := n.ActionData(); err == nil && ruleIDs[ad.RuleID] {
				doomed[n.ID] = true
			}
		}
	}
	if len(doomed) == 0 {
		return
	}

	nodes := s.nodes[:0]
	for _, n := range s.nodes {
		if !doomed[n.ID] {
			nodes = append(nodes, n)
		}
	}
	s.nodes = nodes
	s.reindex()

	edges := s.edges[:0]
	for _, e := range s.edges {
		if !doomed[e.Source] && !doomed[e.Target] {
			edges = append(edges, e)
		}
	}
	s.edges = edges
}

// ConnectOrReplace inserts a directed edge. An edge that already expresses
// the same relationship for the same (source, target) pair is replaced, not
// duplicated; a gate keeps at most one outgoing edge to a trigger, so a new
// gate→trigger link replaces the previous one regardless of its target.
func (s *Store) ConnectOrReplace(source, target string) (*schema.Edge, error) {
	src := s.Node(source)
	tgt := s.Node(target)
	if src == nil || tgt == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "connect %s → %s: unknown endpoint", source, target)
	}

	gateLink := src.Kind == schema.KindGate && tgt.Kind == schema.KindTrigger

	kept := s.edges[:0]
	for _, e := range s.edges {
		if e.Source == source && e.Target == target {
			continue
		}
		if gateLink && e.Source == source {
			if t := s.Node(e.Target); t != nil && t.Kind == schema.KindTrigger {
				continue
			}
		}
		kept = append(kept, e)
	}
	edge := &schema.Edge{ID: "edge:" + uuid.NewString(), Source: source, Target: target}
	s.edges = append(kept, edge)
	return edge, nil
}

// RemoveEdge deletes an edge by ID. Unknown IDs are ignored.
func (s *Store) RemoveEdge(id string) {
	kept := s.edges[:0]
	for _, e := range s.edges {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	s.edges = kept
}

// EdgesFrom returns all edges with the given source.
func (s *Store) EdgesFrom(source string) []*schema.Edge {
	var out []*schema.Edge
	for _, e := range s.edges {
		if e.Source == source {
			out = append(out, e)
		}
	}
	return out
}

// EdgesInto returns all edges with the given target.
func (s *Store) EdgesInto(target string) []*schema.Edge {
	var out []*schema.Edge
	for _, e := range s.edges {
		if e.Target == target {
			out = append(out, e)
		}
	}
	return out
}

// mergeRaw shallow-merges partial into a raw JSON object, best-effort:
// undecodable input is treated as empty.
func mergeRaw(data json.RawMessage, partial map[string]any) json.RawMessage {
	cur := map[string]any{}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &cur)
	}
	for k, v := range partial {
		cur[k] = v
	}
	raw, err := json.Marshal(cur)
	if err != nil {
		return data
	}
	return raw
}

func (s *Store) reindex() {
	s.index = make(map[string]int, len(s.nodes))
	for i, n := range s.nodes {
		s.index[n.ID] = i
	}
}
