package graph

import (
	"sort"

	"github.com/rendis/autoflow/pkg/schema"
)

// GateSync maintains the invariant between a gate's connected entities and
// the params of its downstream trigger: whenever membership changes, the
// bound trigger's targetKeys becomes the sorted, de-duplicated natural keys
// of the gate's entities. This is the only writer of targetKeys for
// gate-bound triggers; no other path may set that field.
type GateSync struct {
	s *Store
}

// NewGateSync creates a synchronizer over the given store.
func NewGateSync(s *Store) *GateSync {
	return &GateSync{s: s}
}

// ConnectEntityToGate adds an entity to the gate's membership and inserts
// the corresponding edge. Non-entity sources are rejected. If the gate is
// already linked to a trigger, the updated target set is pushed immediately.
func (g *GateSync) ConnectEntityToGate(gateID, entityID string) error {
	gate := g.s.Node(gateID)
	if gate == nil || gate.Kind != schema.KindGate {
		return schema.NewError(schema.ErrCodeNotFound, "gate not found").WithNode(gateID)
	}
	ent := g.s.Node(entityID)
	if ent == nil {
		return schema.NewError(schema.ErrCodeNotFound, "entity not found").WithNode(entityID)
	}
	if !ent.Kind.IsEntity() {
		return schema.NewErrorf(schema.ErrCodeValidation, "only entity nodes can feed a gate, got %s", ent.Kind).WithNode(entityID)
	}

	data, err := gate.GateData()
	if err != nil {
		return err
	}
	present := false
	for _, t := range data.Targets {
		if t == entityID {
			present = true
			break
		}
	}
	if !present {
		data.Targets = append(data.Targets, entityID)
		if err := g.s.PatchNodeData(gateID, map[string]any{"targets": data.Targets}); err != nil {
			return err
		}
	}
	if _, err := g.s.ConnectOrReplace(entityID, gateID); err != nil {
		return err
	}
	return g.push(gateID)
}

// DisconnectEntityFromGate removes an entity from the gate's membership and
// drops its edge, then re-pushes the target set so a bound trigger never
// diverges from actual membership.
func (g *GateSync) DisconnectEntityFromGate(gateID, entityID string) error {
	gate := g.s.Node(gateID)
	if gate == nil || gate.Kind != schema.KindGate {
		return schema.NewError(schema.ErrCodeNotFound, "gate not found").WithNode(gateID)
	}
	data, err := gate.GateData()
	if err != nil {
		return err
	}
	kept := data.Targets[:0]
	for _, t := range data.Targets {
		if t != entityID {
			kept = append(kept, t)
		}
	}
	if err := g.s.PatchNodeData(gateID, map[string]any{"targets": kept}); err != nil {
		return err
	}
	for _, e := range g.s.EdgesInto(gateID) {
		if e.Source == entityID {
			g.s.RemoveEdge(e.ID)
		}
	}
	return g.push(gateID)
}

// LinkGateToTrigger binds the gate to a trigger, replacing any prior link
// from this gate, and pushes the current target set into the trigger.
func (g *GateSync) LinkGateToTrigger(gateID, triggerID string) error {
	gate := g.s.Node(gateID)
	if gate == nil || gate.Kind != schema.KindGate {
		return schema.NewError(schema.ErrCodeNotFound, "gate not found").WithNode(gateID)
	}
	trig := g.s.Node(triggerID)
	if trig == nil || trig.Kind != schema.KindTrigger {
		return schema.NewError(schema.ErrCodeNotFound, "trigger not found").WithNode(triggerID)
	}
	if _, err := g.s.ConnectOrReplace(gateID, triggerID); err != nil {
		return err
	}
	return g.push(gateID)
}

// BoundTrigger returns the trigger the gate currently feeds, or nil.
func (g *GateSync) BoundTrigger(gateID string) *schema.Node {
	for _, e := range g.s.EdgesFrom(gateID) {
		if n := g.s.Node(e.Target); n != nil && n.Kind == schema.KindTrigger {
			return n
		}
	}
	return nil
}

// push writes the gate's current membership into the bound trigger's params
// as sorted unique natural keys, forcing the aggregation trigger type. A
// gate with no bound trigger pushes nothing.
func (g *GateSync) push(gateID string) error {
	trig := g.BoundTrigger(gateID)
	if trig == nil {
		return nil
	}
	gate := g.s.Node(gateID)
	data, err := gate.GateData()
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(data.Targets))
	keys := make([]string, 0, len(data.Targets))
	for _, nodeID := range data.Targets {
		k := schema.NaturalKey(nodeID)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	sort.Strings(keys)

	td, err := trig.TriggerData()
	if err != nil {
		return err
	}
	params := map[string]any{}
	for k, v := range td.Trigger.Params {
		params[k] = v
	}
	params[schema.ParamTargetKeys] = keys

	return g.s.PatchNodeData(trig.ID, map[string]any{
		"trigger": schema.TriggerSpec{Type: schema.TriggerAllSubtasksDone, Params: params},
	})
}
