// Package engine hosts the interactive per-ticket editing sessions. Each
// session owns one in-memory automation graph and funnels every structural
// edit through it; persistence and upstream fetches are suspend points
// around the single-writer core.
package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/autoflow/internal/entities"
	"github.com/rendis/autoflow/internal/presets"
	"github.com/rendis/autoflow/internal/rules"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/validation"
)

// Deps are the collaborators a session needs.
type Deps struct {
	Source    entities.Source
	Store     store.Store
	Flow      *validation.FlowValidator
	Catalog   *presets.Catalog
	Evaluator *rules.Evaluator
	Logger    *slog.Logger
}

// Engine hands out ticket sessions, one live session per ticket key.
type Engine struct {
	deps Deps

	mu       sync.Mutex
	sessions map[string]*TicketSession
}

// New creates an engine.
func New(deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Engine{deps: deps, sessions: make(map[string]*TicketSession)}
}

// OpenOptions controls which entity columns are materialized on load.
type OpenOptions struct {
	ShowSubtasks   bool
	ShowActivities bool
}

// DefaultOpenOptions shows both entity columns.
func DefaultOpenOptions() OpenOptions {
	return OpenOptions{ShowSubtasks: true, ShowActivities: true}
}

// Open loads (or reloads) the session for a ticket: fresh upstream
// entities merged with the saved graph. Opening an already open ticket
// replaces its session.
func (e *Engine) Open(ctx context.Context, ticketKey string, opts OpenOptions) (*TicketSession, error) {
	s := newTicketSession(ticketKey, opts, e.deps)
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.sessions[ticketKey] = s
	e.mu.Unlock()
	e.deps.Logger.Info("session opened", "ticket_key", ticketKey)
	return s, nil
}

// Session returns the live session for a ticket, or nil.
func (e *Engine) Session(ticketKey string) *TicketSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[ticketKey]
}

// Close drops the session for a ticket. In-flight fetches started under the
// old session can no longer apply.
func (e *Engine) Close(ticketKey string) {
	e.mu.Lock()
	s := e.sessions[ticketKey]
	delete(e.sessions, ticketKey)
	e.mu.Unlock()
	if s != nil {
		s.invalidate()
		e.deps.Logger.Info("session closed", "ticket_key", ticketKey)
	}
}

// Catalog exposes the preset catalog.
func (e *Engine) Catalog() *presets.Catalog { return e.deps.Catalog }
