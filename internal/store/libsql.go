package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/autoflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return applyMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Automations ---

func (s *LibSQLStore) GetAutomation(ctx context.Context, ticketKey string) (*AutomationConfig, error) {
	cfg := &AutomationConfig{TicketKey: ticketKey}
	var graph, rules, state string
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT graph, rules, enabled, state, created_at, updated_at FROM automations WHERE ticket_key = ?`,
		ticketKey,
	).Scan(&graph, &rules, &enabled, &state, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("automation", ticketKey)
	}
	if err != nil {
		return nil, storeErr("get automation", err)
	}
	cfg.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(graph), &cfg.Graph); err != nil {
		return nil, storeErr("decode automation graph", err)
	}
	if err := json.Unmarshal([]byte(rules), &cfg.Rules); err != nil {
		return nil, storeErr("decode automation rules", err)
	}
	if err := json.Unmarshal([]byte(state), &cfg.State); err != nil {
		return nil, storeErr("decode automation state", err)
	}
	return cfg, nil
}

func (s *LibSQLStore) SaveAutomation(ctx context.Context, cfg *AutomationConfig) error {
	graph, err := json.Marshal(cfg.Graph)
	if err != nil {
		return storeErr("marshal graph", err)
	}
	rules := json.RawMessage("[]")
	if cfg.Rules != nil {
		if rules, err = json.Marshal(cfg.Rules); err != nil {
			return storeErr("marshal rules", err)
		}
	}
	state, err := json.Marshal(cfg.State)
	if err != nil {
		return storeErr("marshal state", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO automations (ticket_key, graph, rules, enabled, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(ticket_key) DO UPDATE SET
		   graph=excluded.graph, rules=excluded.rules, enabled=excluded.enabled,
		   state=excluded.state, updated_at=excluded.updated_at`,
		cfg.TicketKey, string(graph), string(rules), boolInt(cfg.Enabled), string(state),
		timeOrNow(cfg.CreatedAt), now,
	)
	if err != nil {
		return storeErr("save automation", err)
	}
	return nil
}

func (s *LibSQLStore) SetAutomationEnabled(ctx context.Context, ticketKey string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE automations SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE ticket_key = ?`,
		boolInt(enabled), ticketKey,
	)
	if err != nil {
		return storeErr("set automation enabled", err)
	}
	return checkRowsAffected(res, "automation", ticketKey)
}

func (s *LibSQLStore) SaveAutomationState(ctx context.Context, ticketKey string, state []byte) error {
	if len(state) == 0 {
		state = []byte("{}")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE automations SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE ticket_key = ?`,
		string(state), ticketKey,
	)
	if err != nil {
		return storeErr("save automation state", err)
	}
	return checkRowsAffected(res, "automation", ticketKey)
}

func (s *LibSQLStore) ListEnabledTickets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ticket_key FROM automations WHERE enabled = 1 ORDER BY ticket_key`)
	if err != nil {
		return nil, storeErr("list enabled tickets", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, storeErr("scan ticket key", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *LibSQLStore) DeleteAutomation(ctx context.Context, ticketKey string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM automations WHERE ticket_key = ?`, ticketKey)
	if err != nil {
		return storeErr("delete automation", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE ticket_key = ?`, ticketKey); err != nil {
		return storeErr("delete executions", err)
	}
	return checkRowsAffected(res, "automation", ticketKey)
}

// --- Execution log ---

func (s *LibSQLStore) AppendExecution(ctx context.Context, ticketKey string, exec *ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (ticket_key, rule_id, event_key, status, executed_at, payload, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ticketKey, exec.RuleID, exec.EventKey, exec.Status,
		timeOrNow(exec.ExecutedAt), nullRaw(exec.Payload), nullStr(exec.Error),
	)
	if err != nil {
		return storeErr("append execution", err)
	}
	return nil
}

// ListExecutions returns the newest executions for a ticket, oldest first.
// limit <= 0 means the default bound.
func (s *LibSQLStore) ListExecutions(ctx context.Context, ticketKey string, limit int) ([]*ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rule_id, event_key, status, executed_at, payload, error
		 FROM executions WHERE ticket_key = ? ORDER BY id DESC LIMIT ?`,
		ticketKey, limit,
	)
	if err != nil {
		return nil, storeErr("list executions", err)
	}
	defer rows.Close()

	var recs []*ExecutionRecord
	for rows.Next() {
		r := &ExecutionRecord{TicketKey: ticketKey}
		var payload, errMsg sql.NullString
		if err := rows.Scan(&r.ID, &r.RuleID, &r.EventKey, &r.Status, &r.ExecutedAt, &payload, &errMsg); err != nil {
			return nil, storeErr("scan execution", err)
		}
		r.Payload = rawOrNil(payload)
		r.Error = errMsg.String
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate executions", err)
	}
	// reverse into chronological order
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

// --- Entity snapshots ---

func (s *LibSQLStore) SaveEntitySnapshot(ctx context.Context, snap *EntitySnapshot) error {
	workItem, err := json.Marshal(snap.WorkItem)
	if err != nil {
		return storeErr("marshal work item", err)
	}
	subtasks, err := json.Marshal(snap.Subtasks)
	if err != nil {
		return storeErr("marshal subtasks", err)
	}
	activities, err := json.Marshal(snap.Activities)
	if err != nil {
		return storeErr("marshal activities", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entity_snapshots (ticket_key, work_item, subtasks, activities, fetched_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(ticket_key) DO UPDATE SET
		   work_item=excluded.work_item, subtasks=excluded.subtasks,
		   activities=excluded.activities, fetched_at=excluded.fetched_at`,
		snap.TicketKey, string(workItem), string(subtasks), string(activities),
		timeOrNow(snap.FetchedAt),
	)
	if err != nil {
		return storeErr("save entity snapshot", err)
	}
	return nil
}

func (s *LibSQLStore) GetEntitySnapshot(ctx context.Context, ticketKey string) (*EntitySnapshot, error) {
	snap := &EntitySnapshot{TicketKey: ticketKey}
	var workItem, subtasks, activities string
	err := s.db.QueryRowContext(ctx,
		`SELECT work_item, subtasks, activities, fetched_at FROM entity_snapshots WHERE ticket_key = ?`,
		ticketKey,
	).Scan(&workItem, &subtasks, &activities, &snap.FetchedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("entity snapshot", ticketKey)
	}
	if err != nil {
		return nil, storeErr("get entity snapshot", err)
	}
	if err := json.Unmarshal([]byte(workItem), &snap.WorkItem); err != nil {
		return nil, storeErr("decode work item", err)
	}
	if err := json.Unmarshal([]byte(subtasks), &snap.Subtasks); err != nil {
		return nil, storeErr("decode subtasks", err)
	}
	if err := json.Unmarshal([]byte(activities), &snap.Activities); err != nil {
		return nil, storeErr("decode activities", err)
	}
	return snap, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeErr(op string, err error) *schema.FlowError {
	return schema.NewError(schema.ErrCodeStore, op).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
