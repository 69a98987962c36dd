// Package diagram renders an automation graph as a Mermaid flowchart, for
// MCP clients and docs that cannot show the visual editor.
package diagram

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/autoflow/pkg/schema"
)

// RenderMermaid renders the graph as a Mermaid flowchart string. Execution
// decorations on rule nodes become status classes.
func RenderMermaid(title string, g *schema.Graph) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", title))
	}

	for _, n := range g.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", nodeDef(n)))
	}

	for _, e := range g.Edges {
		b.WriteString(fmt.Sprintf("    %s --> %s\n", safeID(e.Source), safeID(e.Target)))
	}

	b.WriteString("\n")
	b.WriteString("    classDef success fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef error fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef done fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")

	for _, n := range g.Nodes {
		if cls := statusClass(n); cls != "" {
			b.WriteString(fmt.Sprintf("    class %s %s\n", safeID(n.ID), cls))
		}
	}

	return b.String()
}

// nodeDef returns a Mermaid node definition with the appropriate shape.
func nodeDef(n *schema.Node) string {
	id := safeID(n.ID)
	label := nodeLabel(n)

	switch n.Kind {
	case schema.KindWorkItem:
		return fmt.Sprintf("%s((%q))", id, label)
	case schema.KindTrigger:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case schema.KindGate:
		return fmt.Sprintf("%s{%q}", id, label)
	case schema.KindActivity:
		return fmt.Sprintf("%s([%q])", id, label)
	default: // subtask, action
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// nodeLabel extracts a display label from the node payload, falling back to
// the node ID.
func nodeLabel(n *schema.Node) string {
	switch n.Kind {
	case schema.KindWorkItem:
		var d schema.WorkItemData
		if json.Unmarshal(n.Data, &d) == nil && d.Key != "" {
			return firstLine(d.Key + " " + d.Summary)
		}
	case schema.KindSubtask:
		var d schema.SubtaskData
		if json.Unmarshal(n.Data, &d) == nil && d.Key != "" {
			return firstLine(d.Key + " " + d.Title)
		}
	case schema.KindActivity:
		var d schema.ActivityData
		if json.Unmarshal(n.Data, &d) == nil && d.Name != "" {
			return firstLine(d.Name)
		}
	case schema.KindTrigger:
		if d, err := n.TriggerData(); err == nil {
			if d.Name != "" {
				return firstLine(d.Name)
			}
			return d.Trigger.Type
		}
	case schema.KindAction:
		if d, err := n.ActionData(); err == nil {
			if d.Name != "" {
				return firstLine(d.Name)
			}
			return d.Action.Type
		}
	case schema.KindGate:
		if d, err := n.GateData(); err == nil && d.Name != "" {
			return firstLine(d.Name)
		}
	}
	return n.ID
}

// statusClass maps a node's state to a Mermaid class name: execution outcome
// for rule nodes, completion for subtasks.
func statusClass(n *schema.Node) string {
	switch n.Kind {
	case schema.KindTrigger:
		if d, err := n.TriggerData(); err == nil && d.Executed {
			return execClass(d.ExecStatus)
		}
	case schema.KindAction:
		if d, err := n.ActionData(); err == nil && d.Executed {
			return execClass(d.ExecStatus)
		}
	case schema.KindSubtask:
		var d schema.SubtaskData
		if json.Unmarshal(n.Data, &d) == nil && d.Done {
			return "done"
		}
	}
	return ""
}

func execClass(status string) string {
	switch status {
	case schema.ExecStatusSuccess:
		return "success"
	case schema.ExecStatusError:
		return "error"
	default:
		return ""
	}
}

// safeID converts a node ID to a Mermaid-safe identifier.
func safeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", ":", "_", " ", "_")
	return r.Replace(id)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
