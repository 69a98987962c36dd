package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/autoflow/internal/diagram"
	"github.com/rendis/autoflow/internal/engine"
	"github.com/rendis/autoflow/internal/rules"
	"github.com/rendis/autoflow/pkg/schema"
)

// handleOpen opens (or re-opens) a ticket's editing session.
func (s *FlowServer) handleOpen(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ticketKey, err := req.RequireString("ticket_key")
	if err != nil {
		return mcp.NewToolResultError("ticket_key is required"), nil
	}

	opts := engine.DefaultOpenOptions()
	opts.ShowSubtasks = req.GetBool("show_subtasks", opts.ShowSubtasks)
	opts.ShowActivities = req.GetBool("show_activities", opts.ShowActivities)

	sess, openErr := s.engine.Open(ctx, ticketKey, opts)
	if openErr != nil {
		return toolError(openErr), nil
	}

	s.captureTicket(ctx, sess.TicketKey())

	g, gErr := sess.Graph(ctx)
	if gErr != nil {
		return toolError(gErr), nil
	}
	return marshalResult(map[string]any{
		"ticketKey": sess.TicketKey(),
		"graph":     g,
	})
}

func (s *FlowServer) handleClose(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ticketKey, err := req.RequireString("ticket_key")
	if err != nil {
		return mcp.NewToolResultError("ticket_key is required"), nil
	}
	s.engine.Close(ticketKey)
	s.sessions.Release(ticketKey)
	return marshalResult(map[string]any{"closed": ticketKey})
}

func (s *FlowServer) handleRefresh(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.requireSession(req)
	if errResult != nil {
		return errResult, nil
	}
	if err := sess.Refresh(ctx); err != nil {
		return toolError(err), nil
	}
	return s.graphResult(ctx, sess)
}

func (s *FlowServer) handleGraph(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.requireSession(req)
	if errResult != nil {
		return errResult, nil
	}
	return s.graphResult(ctx, sess)
}

func (s *FlowServer) handlePresets(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{"presets": s.engine.Catalog().List()})
}

func (s *FlowServer) handleDropTemplate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.requireSession(req)
	if errResult != nil {
		return errResult, nil
	}
	presetID, err := req.RequireString("preset_id")
	if err != nil {
		return mcp.NewToolResultError("preset_id is required"), nil
	}
	pos := schema.Position{
		X: req.GetFloat("x", 0),
		Y: req.GetFloat("y", 0),
	}

	inst, dropErr := sess.DropTemplate(presetID, pos)
	if dropErr != nil {
		return toolError(dropErr), nil
	}
	return marshalResult(map[string]any{
		"trigger": inst.Trigger,
		"action":  inst.Action,
		"edge":    inst.Edge,
	})
}

func (s *FlowServer) handleAddGate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.requireSession(req)
	if errResult != nil {
		return errResult, nil
	}
	pos := schema.Position{
		X: req.GetFloat("x", 0),
		Y: req.GetFloat("y", 0),
	}
	gate, err := sess.AddGate(req.GetString("name", ""), pos)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"gate": gate})
}

func (s *FlowServer) handleConnect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.requireSession(req)
	if errResult != nil {
		return errResult, nil
	}
	source, err := req.RequireString("source")
	if err != nil {
		return mcp.NewToolResultError("source is required"), nil
	}
	target, err := req.RequireString("target")
	if err != nil {
		return mcp.NewToolResultError("target is required"), nil
	}
	if connErr := sess.Connect(source, target); connErr != nil {
		return toolError(connErr), nil
	}
	return marshalResult(map[string]any{"connected": true, "source": source, "target": target})
}

func (s *FlowServer) handleDisconnect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.requireSession(req)
	if errResult != nil {
		return errResult, nil
	}
	source, err := req.RequireString("source")
	if err != nil {
		return mcp.NewToolResultError("source is required"), nil
	}
	target, err := req.RequireString("target")
	if err != nil {
		return mcp.NewToolResultError("target is required"), nil
	}
	if discErr := sess.Disconnect(source, target); discErr != nil {
		return toolError(discErr), nil
	}
	return marshalResult(map[string]any{"disconnected": true, "source": source, "target": target})
}

func (s *FlowServer) handleRemove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.requireSession(req)
	if errResult != nil {
		return errResult, nil
	}
	ids := req.GetStringSlice("node_ids", nil)
	if len(ids) == 0 {
		return mcp.NewToolResultError("node_ids is required"), nil
	}
	if err := sess.Remove(ids...); err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"removed": ids})
}

func (s *FlowServer) handlePatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.requireSession(req)
	if errResult != nil {
		return errResult, nil
	}
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	partial := mcp.ParseStringMap(req, "data", nil)
	if partial == nil {
		return mcp.NewToolResultError("data is required"), nil
	}
	if patchErr := sess.Patch(nodeID, partial); patchErr != nil {
		return toolError(patchErr), nil
	}
	return marshalResult(map[string]any{"patched": nodeID})
}

func (s *FlowServer) handleMove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.requireSession(req)
	if errResult != nil {
		return errResult, nil
	}
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	pos := schema.Position{
		X: req.GetFloat("x", 0),
		Y: req.GetFloat("y", 0),
	}
	if moveErr := sess.SetNodePosition(nodeID, pos); moveErr != nil {
		return toolError(moveErr), nil
	}
	return marshalResult(map[string]any{"moved": nodeID, "position": pos})
}

func (s *FlowServer) handleSetEnabled(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.requireSession(req)
	if errResult != nil {
		return errResult, nil
	}
	enabled, err := req.RequireBool("enabled")
	if err != nil {
		return mcp.NewToolResultError("enabled is required"), nil
	}
	if setErr := sess.SetEnabled(enabled); setErr != nil {
		return toolError(setErr), nil
	}
	return marshalResult(map[string]any{"ticketKey": sess.TicketKey(), "enabled": enabled})
}

func (s *FlowServer) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.requireSession(req)
	if errResult != nil {
		return errResult, nil
	}
	findings, err := sess.Validate()
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{
		"valid":    len(findings) == 0,
		"findings": findings,
	})
}

func (s *FlowServer) handleSave(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.requireSession(req)
	if errResult != nil {
		return errResult, nil
	}
	cfg, err := sess.Save(ctx)
	if err != nil {
		return toolError(err), nil
	}
	s.logger.InfoContext(ctx, "automation saved",
		"ticket_key", cfg.TicketKey, "rules", len(cfg.Rules), "enabled", cfg.Enabled)
	return marshalResult(map[string]any{
		"ticketKey": cfg.TicketKey,
		"rules":     cfg.Rules,
		"enabled":   cfg.Enabled,
	})
}

func (s *FlowServer) handleDryRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.requireSession(req)
	if errResult != nil {
		return errResult, nil
	}
	result, err := sess.DryRun(ctx)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(result)
}

// handleDiagram renders the working graph as a Mermaid flowchart.
func (s *FlowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.requireSession(req)
	if errResult != nil {
		return errResult, nil
	}
	g, err := sess.Graph(ctx)
	if err != nil {
		return toolError(err), nil
	}
	text := diagram.RenderMermaid(sess.TicketKey()+" automation", g)
	return mcp.NewToolResultText(text), nil
}

// handleQuery runs a jq expression over the ticket's execution log.
func (s *FlowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.requireSession(req)
	if errResult != nil {
		return errResult, nil
	}
	expression, err := req.RequireString("expression")
	if err != nil {
		return mcp.NewToolResultError("expression is required"), nil
	}
	limit := req.GetInt("limit", rules.MaxExecutions)

	executions, listErr := sess.Executions(ctx, limit)
	if listErr != nil {
		return toolError(listErr), nil
	}
	doc, docErr := toDocument(map[string]any{
		"ticketKey":  sess.TicketKey(),
		"executions": executions,
	})
	if docErr != nil {
		return toolError(docErr), nil
	}

	out, queryErr := s.conditions.Query(ctx, expression, doc)
	if queryErr != nil {
		return toolError(queryErr), nil
	}
	return marshalResult(map[string]any{"result": out})
}

// --- Helpers ---

// requireSession resolves the engine session for the request's ticket_key.
// The second return value is non-nil when the caller should bail out.
func (s *FlowServer) requireSession(req mcp.CallToolRequest) (*engine.TicketSession, *mcp.CallToolResult) {
	ticketKey, err := req.RequireString("ticket_key")
	if err != nil {
		return nil, mcp.NewToolResultError("ticket_key is required")
	}
	sess := s.engine.Session(ticketKey)
	if sess == nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("no open session for %s; call flow.open first", ticketKey))
	}
	return sess, nil
}

func (s *FlowServer) graphResult(ctx context.Context, sess *engine.TicketSession) (*mcp.CallToolResult, error) {
	g, err := sess.Graph(ctx)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{
		"ticketKey": sess.TicketKey(),
		"graph":     g,
	})
}

// captureTicket records which MCP session owns the ticket. A displaced
// owner is told its editing session is gone.
func (s *FlowServer) captureTicket(ctx context.Context, ticketKey string) {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return
	}
	prev := s.sessions.Register(ticketKey, session.SessionID())
	if prev == "" {
		return
	}
	err := s.notifier.NotifySession(ctx, prev, map[string]any{
		"level":     "warning",
		"event":     "flow/session_replaced",
		"ticketKey": ticketKey,
	})
	if err != nil {
		s.logger.Debug("session replacement notice dropped", "ticket_key", ticketKey, "error", err)
	}
}

// toolError maps a structured flow error to a tool error result.
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

// toDocument converts a value to plain maps and slices for jq.
func toDocument(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "query input: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "query input: %v", err)
	}
	return doc, nil
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
