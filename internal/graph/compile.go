package graph

import (
	"sort"

	"github.com/rendis/autoflow/pkg/schema"
)

// Compile derives the canonical, ordered rule list from the graph: one rule
// per trigger node, with the actions reachable by a direct trigger→action
// edge sorted ascending by vertical position (moving an action node up or
// down is the sole ordering mechanism). Disabled triggers are still
// compiled; evaluation-time filtering is the evaluator's concern.
//
// Compile never mutates the graph and is deterministic for an unmodified
// graph. Trigger or action nodes with undecodable data are skipped.
func Compile(g *schema.Graph) []schema.Rule {
	nodeByID := make(map[string]*schema.Node, len(g.Nodes))
	for _, n := range g.Nodes {
		nodeByID[n.ID] = n
	}

	rules := make([]schema.Rule, 0)
	for _, tn := range g.Nodes {
		if tn.Kind != schema.KindTrigger {
			continue
		}
		td, err := tn.TriggerData()
		if err != nil {
			continue
		}

		name := td.Name
		if name == "" {
			name = "Rule"
		}

		var actions []*schema.Node
		for _, e := range g.Edges {
			if e.Source != tn.ID {
				continue
			}
			if an, ok := nodeByID[e.Target]; ok && an.Kind == schema.KindAction {
				actions = append(actions, an)
			}
		}
		sort.SliceStable(actions, func(i, j int) bool {
			if actions[i].Position.Y != actions[j].Position.Y {
				return actions[i].Position.Y < actions[j].Position.Y
			}
			return actions[i].ID < actions[j].ID
		})

		specs := make([]schema.ActionSpec, 0, len(actions))
		for _, an := range actions {
			ad, err := an.ActionData()
			if err != nil {
				continue
			}
			specs = append(specs, schema.ActionSpec{
				Type:   ad.Action.Type,
				Params: deepCopyParams(ad.Action.Params),
			})
		}

		rule := schema.Rule{
			ID:      td.RuleID,
			Name:    name,
			Enabled: td.IsEnabled(),
			Trigger: schema.TriggerSpec{
				Type:   td.Trigger.Type,
				Params: deepCopyParams(td.Trigger.Params),
			},
			Actions: specs,
		}
		if td.Conditions != nil {
			c := *td.Conditions
			rule.Conditions = &c
		}
		rules = append(rules, rule)
	}
	return rules
}
