package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// TicketNotifier pushes notifications to MCP clients holding editing sessions.
type TicketNotifier interface {
	// Notify sends a message to the client that currently owns ticketKey.
	Notify(ctx context.Context, ticketKey string, payload map[string]any) error
	// NotifySession sends a message to a specific client session.
	NotifySession(ctx context.Context, sessionID string, payload map[string]any) error
}

// MCPNotifier implements TicketNotifier using MCP push notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier bound to the server's client sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the client owning ticketKey.
// Best-effort: returns nil if nobody has the ticket open.
func (n *MCPNotifier) Notify(ctx context.Context, ticketKey string, payload map[string]any) error {
	sessionID, ok := n.sessions.Owner(ticketKey)
	if !ok {
		return nil
	}
	return n.NotifySession(ctx, sessionID, payload)
}

// NotifySession pushes a notifications/message event to one client session.
func (n *MCPNotifier) NotifySession(_ context.Context, sessionID string, payload map[string]any) error {
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send, not an error.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
