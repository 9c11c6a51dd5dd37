package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/casegate/pkg/database"
)

// SQLSink persists entries to a ledger_entries table. It works on SQLite
// and Postgres through database.Dialect.
type SQLSink struct {
	db      *sql.DB
	dialect database.Dialect
	mu      sync.Mutex
	seq     int64
}

// NewSQLSink creates a sink. Call Init before first use.
func NewSQLSink(db *sql.DB, dialect database.Dialect) *SQLSink {
	return &SQLSink{db: db, dialect: dialect}
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	seq BIGINT PRIMARY KEY,
	ledger_id TEXT NOT NULL UNIQUE,
	ts TEXT NOT NULL,
	run_id TEXT NOT NULL,
	case_id TEXT NOT NULL,
	agent_name TEXT NOT NULL,
	action TEXT NOT NULL,
	action_description TEXT NOT NULL DEFAULT '',
	decision TEXT NOT NULL DEFAULT '',
	confidence DOUBLE PRECISION,
	reasoning TEXT NOT NULL DEFAULT '',
	state_changes TEXT NOT NULL DEFAULT '[]',
	policies_evaluated TEXT NOT NULL DEFAULT '[]',
	policy_violations TEXT NOT NULL DEFAULT '[]',
	memory_strategy TEXT NOT NULL DEFAULT '',
	requires_human_action BOOLEAN NOT NULL DEFAULT FALSE,
	entry_hash TEXT NOT NULL UNIQUE,
	previous_hash TEXT NOT NULL
);
`

// Init creates the table if it does not exist and positions the sequence
// after the last stored entry.
func (s *SQLSink) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("create ledger schema: %w", err)
	}
	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM ledger_entries").Scan(&last); err != nil {
		return fmt.Errorf("read ledger sequence: %w", err)
	}
	s.mu.Lock()
	s.seq = last.Int64
	s.mu.Unlock()
	return nil
}

const insertEntry = `INSERT INTO ledger_entries (
	seq, ledger_id, ts, run_id, case_id, agent_name, action, action_description, decision,
	confidence, reasoning, state_changes, policies_evaluated, policy_violations,
	memory_strategy, requires_human_action, entry_hash, previous_hash
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Write inserts one entry.
func (s *SQLSink) Write(ctx context.Context, e Entry) error {
	changes, err := json.Marshal(nonNil(e.StateChanges))
	if err != nil {
		return fmt.Errorf("marshal state changes: %w", err)
	}
	evaluated, _ := json.Marshal(nonNilStrings(e.PoliciesEvaluated))
	violations, _ := json.Marshal(nonNilStrings(e.PolicyViolations))

	var confidence sql.NullFloat64
	if e.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *e.Confidence, Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(insertEntry),
		s.seq+1, e.LedgerID, e.Timestamp.UTC().Format(TimestampLayout), e.RunID, e.CaseID, e.AgentName,
		string(e.Action), e.ActionDescription, e.Decision, confidence, e.Reasoning,
		string(changes), string(evaluated), string(violations), e.MemoryStrategy,
		e.RequiresHumanAction, e.EntryHash, e.PreviousHash,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	s.seq++
	return nil
}

const selectEntries = `SELECT ledger_id, ts, run_id, case_id, agent_name, action, action_description,
	decision, confidence, reasoning, state_changes, policies_evaluated, policy_violations,
	memory_strategy, requires_human_action, entry_hash, previous_hash
FROM ledger_entries ORDER BY seq ASC`

// Load returns every entry in chain order.
func (s *SQLSink) Load(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, selectEntries)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e                              Entry
			ts, action                     string
			confidence                     sql.NullFloat64
			changes, evaluated, violations string
		)
		if err := rows.Scan(&e.LedgerID, &ts, &e.RunID, &e.CaseID, &e.AgentName, &action,
			&e.ActionDescription, &e.Decision, &confidence, &e.Reasoning, &changes, &evaluated,
			&violations, &e.MemoryStrategy, &e.RequiresHumanAction, &e.EntryHash, &e.PreviousHash,
		); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		if e.Timestamp, err = time.Parse(TimestampLayout, ts); err != nil {
			return nil, fmt.Errorf("entry %s: parse timestamp: %w", e.LedgerID, err)
		}
		e.Action = Action(action)
		if confidence.Valid {
			e.Confidence = Confidence(confidence.Float64)
		}
		if err := unmarshalColumns(&e, changes, evaluated, violations); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func unmarshalColumns(e *Entry, changes, evaluated, violations string) error {
	if err := json.Unmarshal([]byte(changes), &e.StateChanges); err != nil {
		return fmt.Errorf("entry %s: state changes: %w", e.LedgerID, err)
	}
	if err := json.Unmarshal([]byte(evaluated), &e.PoliciesEvaluated); err != nil {
		return fmt.Errorf("entry %s: policies evaluated: %w", e.LedgerID, err)
	}
	if err := json.Unmarshal([]byte(violations), &e.PolicyViolations); err != nil {
		return fmt.Errorf("entry %s: policy violations: %w", e.LedgerID, err)
	}
	if len(e.StateChanges) == 0 {
		e.StateChanges = nil
	}
	if len(e.PoliciesEvaluated) == 0 {
		e.PoliciesEvaluated = nil
	}
	if len(e.PolicyViolations) == 0 {
		e.PolicyViolations = nil
	}
	return nil
}

func nonNil(c []StateChange) []StateChange {
	if c == nil {
		return []StateChange{}
	}
	return c
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
