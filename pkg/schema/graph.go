package schema

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// NodeKind discriminates the per-kind payload carried in Node.Data.
type NodeKind string

const (
	KindWorkItem NodeKind = "workItem"
	KindSubtask  NodeKind = "subtask"
	KindActivity NodeKind = "activity"
	KindTrigger  NodeKind = "trigger"
	KindAction   NodeKind = "action"
	KindGate     NodeKind = "gate"
)

// Node ID prefixes. Entity node IDs are derived from the natural key so
// rebuilding them from the upstream source is idempotent.
const (
	prefixWorkItem = "workitem:"
	prefixSubtask  = "subtask:"
	prefixActivity = "activity:"
	prefixTrigger  = "trigger:"
	prefixAction   = "action:"
	prefixGate     = "gate:"
)

// IsEntity reports whether the kind mirrors an externally-owned object.
// Entity nodes are read-only from the engine's perspective and are never
// removed through the mutation API.
func (k NodeKind) IsEntity() bool {
	return k == KindWorkItem || k == KindSubtask || k == KindActivity
}

// EntityNodeID derives the deterministic node ID for an entity kind and its
// natural key. Returns "" for non-entity kinds.
func EntityNodeID(kind NodeKind, naturalKey string) string {
	switch kind {
	case KindWorkItem:
		return prefixWorkItem + naturalKey
	case KindSubtask:
		return prefixSubtask + naturalKey
	case KindActivity:
		return prefixActivity + naturalKey
	}
	return ""
}

// NaturalKey extracts the natural key from an entity node ID, or "" when the
// ID does not belong to an entity node.
func NaturalKey(nodeID string) string {
	for _, p := range []string{prefixWorkItem, prefixSubtask, prefixActivity} {
		if strings.HasPrefix(nodeID, p) {
			return nodeID[len(p):]
		}
	}
	return ""
}

// TriggerNodeID and ActionNodeID derive automation node IDs from a rule ID.
func TriggerNodeID(ruleID string) string { return prefixTrigger + ruleID }

// ActionNodeID derives the ID of the n-th action node of a rule.
func ActionNodeID(ruleID string, n int) string {
	return prefixAction + ruleID + ":" + strconv.Itoa(n)
}

// Position is a canvas coordinate. Action order within a rule is given by Y.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Viewport is the saved pan/zoom of the canvas.
type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// DefaultViewport is used when a saved graph carries no viewport.
func DefaultViewport() Viewport { return Viewport{X: 0, Y: 0, Zoom: 0.9} }

// Node is one element of the automation graph. Data is a tagged payload
// whose shape depends on Kind; decode it through the typed accessors.
type Node struct {
	ID        string          `json:"id"`
	Kind      NodeKind        `json:"kind"`
	Position  Position        `json:"position"`
	Data      json.RawMessage `json:"data,omitempty"`
	Draggable *bool           `json:"draggable,omitempty"`
}

// Edge is a directed connection between two nodes. The semantic role of an
// edge is enforced by construction and derived from the endpoint kinds, not
// stored.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// Graph is the persisted wire shape of the whole canvas.
type Graph struct {
	Nodes    []*Node  `json:"nodes"`
	Edges    []*Edge  `json:"edges"`
	Viewport Viewport `json:"viewport"`
}

// --- per-kind payloads ---

// TriggerSpec is the condition half of a rule.
type TriggerSpec struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// ActionSpec is one step of a rule's effect.
type ActionSpec struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// ConditionSpec is an optional expression guard on a rule, evaluated only
// during dry-run. Lang selects the expression engine (cel, expr or jq);
// empty means cel.
type ConditionSpec struct {
	Lang       string `json:"lang,omitempty"`
	Expression string `json:"expression"`
}

// ExecDecoration carries the latest known execution outcome painted onto
// trigger and action nodes for display. It never feeds back into compilation.
type ExecDecoration struct {
	Executed   bool       `json:"executed,omitempty"`
	ExecStatus string     `json:"execStatus,omitempty"`
	ExecAt     *time.Time `json:"execAt,omitempty"`
}

// TriggerData is the payload of a trigger node.
type TriggerData struct {
	RuleID     string         `json:"ruleId"`
	Name       string         `json:"name"`
	Enabled    *bool          `json:"enabled,omitempty"`
	Trigger    TriggerSpec    `json:"trigger"`
	Conditions *ConditionSpec `json:"conditions,omitempty"`
	Hint       string         `json:"hint,omitempty"`
	ExecDecoration
}

// IsEnabled treats a missing enabled flag as enabled.
func (d *TriggerData) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// ActionData is the payload of an action node.
type ActionData struct {
	RuleID  string     `json:"ruleId"`
	Name    string     `json:"name"`
	Action  ActionSpec `json:"action"`
	Preview string     `json:"preview,omitempty"`
	ExecDecoration
}

// GateData is the payload of an AND-aggregation gate node. Targets holds the
// IDs of the entity nodes connected into the gate.
type GateData struct {
	Name    string   `json:"name,omitempty"`
	Targets []string `json:"targets"`
}

// WorkItemData is the payload of the mandatory work item node.
type WorkItemData struct {
	Key      string `json:"key"`
	Summary  string `json:"summary,omitempty"`
	Status   string `json:"status,omitempty"`
	Assignee string `json:"assignee,omitempty"`
}

// SubtaskData is the payload of a subtask entity node.
type SubtaskData struct {
	Key       string `json:"key"`
	Title     string `json:"title,omitempty"`
	StepKey   string `json:"stepKey,omitempty"`
	CardTitle string `json:"cardTitle,omitempty"`
	Status    string `json:"status,omitempty"`
	Done      bool   `json:"done,omitempty"`
}

// ActivityData is the payload of a schedule activity entity node.
type ActivityData struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// --- typed accessors ---

// TriggerData decodes the node payload as a trigger.
func (n *Node) TriggerData() (*TriggerData, error) {
	if n.Kind != KindTrigger {
		return nil, NewErrorf(ErrCodeValidation, "node %s is %s, not a trigger", n.ID, n.Kind)
	}
	var d TriggerData
	if err := json.Unmarshal(n.Data, &d); err != nil {
		return nil, NewError(ErrCodeValidation, "malformed trigger data").WithNode(n.ID).WithCause(err)
	}
	return &d, nil
}

// ActionData decodes the node payload as an action.
func (n *Node) ActionData() (*ActionData, error) {
	if n.Kind != KindAction {
		return nil, NewErrorf(ErrCodeValidation, "node %s is %s, not an action", n.ID, n.Kind)
	}
	var d ActionData
	if err := json.Unmarshal(n.Data, &d); err != nil {
		return nil, NewError(ErrCodeValidation, "malformed action data").WithNode(n.ID).WithCause(err)
	}
	return &d, nil
}

// GateData decodes the node payload as a gate.
func (n *Node) GateData() (*GateData, error) {
	if n.Kind != KindGate {
		return nil, NewErrorf(ErrCodeValidation, "node %s is %s, not a gate", n.ID, n.Kind)
	}
	var d GateData
	if err := json.Unmarshal(n.Data, &d); err != nil {
		return nil, NewError(ErrCodeValidation, "malformed gate data").WithNode(n.ID).WithCause(err)
	}
	return &d, nil
}

// MustData marshals a payload struct into Node.Data form. Panics only on
// unmarshalable values, which payload structs never are.
func MustData(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
