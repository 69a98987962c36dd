package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/autoflow/internal/engine"
	"github.com/rendis/autoflow/internal/expressions"
)

// FlowServerDeps holds the dependencies for creating a FlowServer.
type FlowServerDeps struct {
	Engine     *engine.Engine
	Conditions *expressions.Conditions
	Logger     *slog.Logger
}

// FlowServer wraps an MCP server with the interactive rule-builder tools.
type FlowServer struct {
	engine     *engine.Engine
	conditions *expressions.Conditions
	logger     *slog.Logger
	sessions   *SessionRegistry
	notifier   TicketNotifier
	mcpServer  *server.MCPServer
}

// NewFlowServer creates a new FlowServer with all tools registered.
func NewFlowServer(deps FlowServerDeps) *FlowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlowServer{
		engine:     deps.Engine,
		conditions: deps.Conditions,
		logger:     logger,
		sessions:   NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"autoflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Autoflow is a visual rule builder for ticket automations. Call flow.open to load a ticket's graph, flow.presets to list rule templates, flow.drop_template / flow.connect / flow.patch to edit, flow.validate and flow.save to persist, and flow.dry_run to preview which rules would fire."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *FlowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: openTool(), Handler: s.handleOpen},
		{Tool: closeTool(), Handler: s.handleClose},
		{Tool: refreshTool(), Handler: s.handleRefresh},
		{Tool: graphTool(), Handler: s.handleGraph},
		{Tool: presetsTool(), Handler: s.handlePresets},
		{Tool: dropTemplateTool(), Handler: s.handleDropTemplate},
		{Tool: addGateTool(), Handler: s.handleAddGate},
		{Tool: connectTool(), Handler: s.handleConnect},
		{Tool: disconnectTool(), Handler: s.handleDisconnect},
		{Tool: removeTool(), Handler: s.handleRemove},
		{Tool: patchTool(), Handler: s.handlePatch},
		{Tool: moveTool(), Handler: s.handleMove},
		{Tool: setEnabledTool(), Handler: s.handleSetEnabled},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: saveTool(), Handler: s.handleSave},
		{Tool: dryRunTool(), Handler: s.handleDryRun},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func openTool() mcp.Tool {
	return mcp.NewTool("flow.open",
		mcp.WithDescription("Open a ticket for editing: fetch its entities, merge the saved graph and return the working graph"),
		mcp.WithString("ticket_key", mcp.Required(), mcp.Description("Ticket key, e.g. PROJ-123")),
		mcp.WithBoolean("show_subtasks", mcp.Description("Include subtask nodes (default: true)")),
		mcp.WithBoolean("show_activities", mcp.Description("Include schedule activity nodes (default: true)")),
	)
}

func closeTool() mcp.Tool {
	return mcp.NewTool("flow.close",
		mcp.WithDescription("Close a ticket's editing session, discarding unsaved edits"),
		mcp.WithString("ticket_key", mcp.Required(), mcp.Description("Ticket key")),
	)
}

func refreshTool() mcp.Tool {
	return mcp.NewTool("flow.refresh",
		mcp.WithDescription("Re-fetch the ticket's entities and merge them into the working graph, preserving layout and rule nodes"),
		mcp.WithString("ticket_key", mcp.Required(), mcp.Description("Ticket key")),
	)
}

func graphTool() mcp.Tool {
	return mcp.NewTool("flow.graph",
		mcp.WithDescription("Return the current working graph, decorated with execution results"),
		mcp.WithString("ticket_key", mcp.Required(), mcp.Description("Ticket key")),
	)
}

func presetsTool() mcp.Tool {
	return mcp.NewTool("flow.presets",
		mcp.WithDescription("List the rule templates available to flow.drop_template"),
	)
}

func dropTemplateTool() mcp.Tool {
	return mcp.NewTool("flow.drop_template",
		mcp.WithDescription("Instantiate a rule template at a position: adds a trigger node, an action node and the edge between them"),
		mcp.WithString("ticket_key", mcp.Required(), mcp.Description("Ticket key")),
		mcp.WithString("preset_id", mcp.Required(), mcp.Description("Preset ID from flow.presets")),
		mcp.WithNumber("x", mcp.Description("Drop position X (default: 0)")),
		mcp.WithNumber("y", mcp.Description("Drop position Y (default: 0)")),
	)
}

func addGateTool() mcp.Tool {
	return mcp.NewTool("flow.add_gate",
		mcp.WithDescription("Add an AND gate node. Connect subtasks into it and link it to an aggregation trigger"),
		mcp.WithString("ticket_key", mcp.Required(), mcp.Description("Ticket key")),
		mcp.WithString("name", mcp.Description("Gate label (default: All complete)")),
		mcp.WithNumber("x", mcp.Description("Position X (default: 0)")),
		mcp.WithNumber("y", mcp.Description("Position Y (default: 0)")),
	)
}

func connectTool() mcp.Tool {
	return mcp.NewTool("flow.connect",
		mcp.WithDescription("Connect two nodes. Trigger→entity binds the rule to that entity, entity→gate feeds the gate, gate→trigger drives an aggregation rule, trigger→action orders an action"),
		mcp.WithString("ticket_key", mcp.Required(), mcp.Description("Ticket key")),
		mcp.WithString("source", mcp.Required(), mcp.Description("Source node ID")),
		mcp.WithString("target", mcp.Required(), mcp.Description("Target node ID")),
	)
}

func disconnectTool() mcp.Tool {
	return mcp.NewTool("flow.disconnect",
		mcp.WithDescription("Remove the edge between two nodes, resyncing gate targets when applicable"),
		mcp.WithString("ticket_key", mcp.Required(), mcp.Description("Ticket key")),
		mcp.WithString("source", mcp.Required(), mcp.Description("Source node ID")),
		mcp.WithString("target", mcp.Required(), mcp.Description("Target node ID")),
	)
}

func removeTool() mcp.Tool {
	return mcp.NewTool("flow.remove",
		mcp.WithDescription("Remove nodes and every edge touching them"),
		mcp.WithString("ticket_key", mcp.Required(), mcp.Description("Ticket key")),
		mcp.WithArray("node_ids", mcp.Required(), mcp.Description("Node IDs to remove")),
	)
}

func patchTool() mcp.Tool {
	return mcp.NewTool("flow.patch",
		mcp.WithDescription("Shallow-merge a partial document into a node's data, e.g. rename a rule or edit action params"),
		mcp.WithString("ticket_key", mcp.Required(), mcp.Description("Ticket key")),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("Node ID to patch")),
		mcp.WithObject("data", mcp.Required(), mcp.Description("Partial node data to merge")),
	)
}

func moveTool() mcp.Tool {
	return mcp.NewTool("flow.move",
		mcp.WithDescription("Move a node. Action order within a rule follows vertical position"),
		mcp.WithString("ticket_key", mcp.Required(), mcp.Description("Ticket key")),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("Node ID to move")),
		mcp.WithNumber("x", mcp.Required(), mcp.Description("New position X")),
		mcp.WithNumber("y", mcp.Required(), mcp.Description("New position Y")),
	)
}

func setEnabledTool() mcp.Tool {
	return mcp.NewTool("flow.set_enabled",
		mcp.WithDescription("Enable or disable the ticket's automation (takes effect on save)"),
		mcp.WithString("ticket_key", mcp.Required(), mcp.Description("Ticket key")),
		mcp.WithBoolean("enabled", mcp.Required(), mcp.Description("Whether the automation is enabled")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("flow.validate",
		mcp.WithDescription("Validate the working graph and return human-readable findings. An empty list means the graph is saveable"),
		mcp.WithString("ticket_key", mcp.Required(), mcp.Description("Ticket key")),
	)
}

func saveTool() mcp.Tool {
	return mcp.NewTool("flow.save",
		mcp.WithDescription("Validate, compile and persist the working graph. Fails with findings if the graph is invalid"),
		mcp.WithString("ticket_key", mcp.Required(), mcp.Description("Ticket key")),
	)
}

func dryRunTool() mcp.Tool {
	return mcp.NewTool("flow.dry_run",
		mcp.WithDescription("Evaluate the working graph's rules against the ticket's current entities without performing any action"),
		mcp.WithString("ticket_key", mcp.Required(), mcp.Description("Ticket key")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("flow.diagram",
		mcp.WithDescription("Render the working graph as a Mermaid flowchart, with execution outcomes as status classes"),
		mcp.WithString("ticket_key", mcp.Required(), mcp.Description("Ticket key")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("flow.query",
		mcp.WithDescription("Run a jq expression over the ticket's execution log, e.g. '.executions[] | select(.status == \"error\")'"),
		mcp.WithString("ticket_key", mcp.Required(), mcp.Description("Ticket key")),
		mcp.WithString("expression", mcp.Required(), mcp.Description("jq expression; the input document is {ticketKey, executions}")),
		mcp.WithNumber("limit", mcp.Description("How many log entries to load (default: 100)")),
	)
}
