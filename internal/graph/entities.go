package graph

import "github.com/rendis/autoflow/pkg/schema"

// Default canvas placement for freshly derived entity nodes: work item at
// the origin, subtasks in a left column, activities in a right column.
const (
	entityColX  = 520
	entityRowY0 = 110
	entityPitch = 86
)

// EntityNodeOptions controls which entity families are materialized.
type EntityNodeOptions struct {
	ShowSubtasks   bool
	ShowActivities bool
}

// BuildEntityNodes derives the entity nodes for a work item and its
// subtasks and schedule activities. IDs are deterministic functions of the
// natural keys, so rebuilding after an upstream refresh is idempotent; the
// merger preserves any layout the user already gave these nodes.
func BuildEntityNodes(wi *schema.WorkItem, subtasks []schema.Subtask, activities []schema.Activity, opts EntityNodeOptions) []*schema.Node {
	pinned := false
	nodes := []*schema.Node{{
		ID:        schema.EntityNodeID(schema.KindWorkItem, wi.Key),
		Kind:      schema.KindWorkItem,
		Position:  schema.Position{X: 0, Y: 0},
		Draggable: &pinned,
		Data: schema.MustData(&schema.WorkItemData{
			Key:      wi.Key,
			Summary:  wi.Summary,
			Status:   wi.Status,
			Assignee: wi.Assignee,
		}),
	}}

	if opts.ShowSubtasks {
		for i, st := range subtasks {
			nodes = append(nodes, &schema.Node{
				ID:       schema.EntityNodeID(schema.KindSubtask, st.NaturalKey()),
				Kind:     schema.KindSubtask,
				Position: schema.Position{X: -entityColX, Y: float64(entityRowY0 + i*entityPitch)},
				Data: schema.MustData(&schema.SubtaskData{
					Key:       st.NaturalKey(),
					Title:     st.Title,
					StepKey:   st.StepKey,
					CardTitle: st.CardTitle,
					Status:    st.Status,
					Done:      st.Done,
				}),
			})
		}
	}

	if opts.ShowActivities {
		for i, a := range activities {
			nodes = append(nodes, &schema.Node{
				ID:       schema.EntityNodeID(schema.KindActivity, a.ID),
				Kind:     schema.KindActivity,
				Position: schema.Position{X: entityColX, Y: float64(entityRowY0 + i*entityPitch)},
				Data: schema.MustData(&schema.ActivityData{
					ID:    a.ID,
					Name:  a.Name,
					Start: a.Start,
					End:   a.End,
				}),
			})
		}
	}

	return nodes
}
