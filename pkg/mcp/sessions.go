package mcp

import "sync"

// SessionRegistry maps ticket keys to the MCP session that currently has
// them open. Populated automatically on flow.open.
type SessionRegistry struct {
	mu      sync.RWMutex
	tickets map[string]string // ticketKey → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{tickets: make(map[string]string)}
}

// Register marks a session as the owner of a ticket. If another session
// already owns it, ownership transfers and the previous owner is returned.
func (r *SessionRegistry) Register(ticketKey, sessionID string) (previous string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.tickets[ticketKey]
	r.tickets[ticketKey] = sessionID
	if prev == sessionID {
		return ""
	}
	return prev
}

// Owner returns the session that has the given ticket open, if any.
func (r *SessionRegistry) Owner(ticketKey string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.tickets[ticketKey]
	return sid, ok
}

// Release drops the ownership entry for a ticket.
func (r *SessionRegistry) Release(ticketKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tickets, ticketKey)
}

// Remove drops all tickets owned by the given session and returns their
// keys, so the caller can close the matching engine sessions.
func (r *SessionRegistry) Remove(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []string
	for tk, sid := range r.tickets {
		if sid == sessionID {
			delete(r.tickets, tk)
			keys = append(keys, tk)
		}
	}
	return keys
}
