package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Automations (one per ticket)
	GetAutomation(ctx context.Context, ticketKey string) (*AutomationConfig, error)
	SaveAutomation(ctx context.Context, cfg *AutomationConfig) error
	SetAutomationEnabled(ctx context.Context, ticketKey string, enabled bool) error
	SaveAutomationState(ctx context.Context, ticketKey string, state []byte) error
	ListEnabledTickets(ctx context.Context) ([]string, error)
	DeleteAutomation(ctx context.Context, ticketKey string) error

	// Execution log (append-only, bounded on the read path)
	AppendExecution(ctx context.Context, ticketKey string, exec *ExecutionRecord) error
	ListExecutions(ctx context.Context, ticketKey string, limit int) ([]*ExecutionRecord, error)

	// Entity snapshots (cached upstream fetches)
	SaveEntitySnapshot(ctx context.Context, snap *EntitySnapshot) error
	GetEntitySnapshot(ctx context.Context, ticketKey string) (*EntitySnapshot, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
