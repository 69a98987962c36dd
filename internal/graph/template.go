package graph

import (
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/autoflow/pkg/schema"
)

// Offset of the action node relative to the dropped trigger.
const (
	actionOffsetX = 320
	actionOffsetY = 140
)

// Instantiated is a freshly created trigger+action pair with the edge that
// binds them. Nothing has been inserted anywhere; composition is the
// caller's job, which keeps instantiation a pure factory.
type Instantiated struct {
	Trigger *schema.Node
	Action  *schema.Node
	Edge    *schema.Edge
}

// Instantiate creates a trigger and action node pair from a catalog preset,
// placing the trigger at pos. Preset params are deep-copied: the catalog is
// immutable configuration and must never be aliased into live graph data.
func Instantiate(preset *schema.Preset, pos schema.Position) *Instantiated {
	ruleID := uuid.NewString()
	triggerID := schema.TriggerNodeID(ruleID)
	actionID := schema.ActionNodeID(ruleID, 0)

	trigger := &schema.Node{
		ID:       triggerID,
		Kind:     schema.KindTrigger,
		Position: pos,
		Data: schema.MustData(&schema.TriggerData{
			RuleID: ruleID,
			Name:   preset.Title,
			Trigger: schema.TriggerSpec{
				Type:   preset.Trigger.Type,
				Params: deepCopyParams(preset.Trigger.Params),
			},
			Hint: "Connect to an action, and optionally to a target entity.",
		}),
	}

	action := &schema.Node{
		ID:       actionID,
		Kind:     schema.KindAction,
		Position: schema.Position{X: pos.X + actionOffsetX, Y: pos.Y + actionOffsetY},
		Data: schema.MustData(&schema.ActionData{
			RuleID: ruleID,
			Name:   actionName(preset),
			Action: schema.ActionSpec{
				Type:   preset.Action.Type,
				Params: deepCopyParams(preset.Action.Params),
			},
			Preview: actionPreview(&preset.Action),
		}),
	}

	edge := &schema.Edge{ID: "edge:" + uuid.NewString(), Source: triggerID, Target: actionID}
	return &Instantiated{Trigger: trigger, Action: action, Edge: edge}
}

// actionName derives a short label from the preset title, taking the part
// after the arrow when the title reads "condition → effect".
func actionName(preset *schema.Preset) string {
	if _, after, ok := strings.Cut(preset.Title, "→"); ok {
		if name := strings.TrimSpace(after); name != "" {
			return name
		}
	}
	return "Action"
}

func actionPreview(a *schema.ActionSpec) string {
	switch a.Type {
	case schema.ActionComment:
		text, _ := a.Params["text"].(string)
		if len(text) > 80 {
			text = text[:80]
		}
		return text
	case schema.ActionTransition:
		to, _ := a.Params["toStatus"].(string)
		if to == "" {
			to = "(select)"
		}
		return "Transition → " + to
	case schema.ActionAssign:
		who, _ := a.Params["assignee"].(string)
		if who == "" {
			who = "(select)"
		}
		return "Assign → " + who
	}
	return ""
}

// deepCopyParams clones a params map including nested maps and slices.
func deepCopyParams(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyParams(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}
