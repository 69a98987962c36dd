package graph

import "github.com/rendis/autoflow/pkg/schema"

// Merge reconciles freshly built entity nodes into a previously saved graph.
// For an entity the user already placed, the saved position and draggable
// flag win while kind and data are overwritten with the fresh values; unseen
// entities come through with their caller-assigned default position. Every
// non-entity node, all edges and the viewport pass through verbatim.
//
// Merging the same fresh entities twice is a fixed point.
func Merge(saved *schema.Graph, fresh []*schema.Node) *schema.Graph {
	var (
		savedNodes []*schema.Node
		savedEdges []*schema.Edge
		viewport   = schema.DefaultViewport()
	)
	if saved != nil {
		savedNodes = saved.Nodes
		savedEdges = saved.Edges
		if saved.Viewport.Zoom != 0 {
			viewport = saved.Viewport
		}
	}

	byID := make(map[string]*schema.Node, len(savedNodes))
	for _, n := range savedNodes {
		byID[n.ID] = n
	}

	merged := make([]*schema.Node, 0, len(fresh)+len(savedNodes))
	for _, en := range fresh {
		sn, ok := byID[en.ID]
		if !ok {
			merged = append(merged, en)
			continue
		}
		keep := *sn
		keep.Kind = en.Kind
		keep.Data = en.Data
		if en.Draggable != nil {
			keep.Draggable = en.Draggable
		}
		merged = append(merged, &keep)
	}

	for _, sn := range savedNodes {
		if sn.Kind.IsEntity() {
			continue
		}
		merged = append(merged, sn)
	}

	return &schema.Graph{Nodes: merged, Edges: savedEdges, Viewport: viewport}
}
