package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
	"github.com/Mindburn-Labs/casegate/pkg/database"
)

// SQLCaseStore is a CaseStore over SQLite or Postgres.
type SQLCaseStore struct {
	db      *sql.DB
	dialect database.Dialect
	clock   func() time.Time
}

// NewSQLCaseStore creates the store. Call Migrate before first use.
func NewSQLCaseStore(db *sql.DB, dialect database.Dialect) *SQLCaseStore {
	return &SQLCaseStore{db: db, dialect: dialect, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *SQLCaseStore) WithClock(clock func() time.Time) *SQLCaseStore {
	s.clock = clock
	return s
}

const casesSchema = `
CREATE TABLE IF NOT EXISTS cases (
	case_id TEXT PRIMARY KEY,
	case_type TEXT NOT NULL,
	status TEXT NOT NULL,
	product TEXT NOT NULL DEFAULT '',
	product_line TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	linked_case_id TEXT NOT NULL DEFAULT '',
	lot_number TEXT NOT NULL DEFAULT '',
	customer_name TEXT NOT NULL DEFAULT '',
	customer_email TEXT NOT NULL DEFAULT '',
	resolution TEXT NOT NULL DEFAULT '',
	resolution_code TEXT NOT NULL DEFAULT '',
	ai_processed BOOLEAN NOT NULL DEFAULT FALSE,
	ai_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	ai_recommendation TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	closed_at TEXT NOT NULL DEFAULT '',
	closing_texts TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_cases_linked ON cases (linked_case_id);
`

// Migrate creates the cases table.
func (s *SQLCaseStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, casesSchema); err != nil {
		return fmt.Errorf("create cases schema: %w", err)
	}
	return nil
}

const caseColumns = `case_id, case_type, status, product, product_line, category, severity,
	description, linked_case_id, lot_number, customer_name, customer_email, resolution,
	resolution_code, ai_processed, ai_confidence, ai_recommendation, created_at, updated_at, closed_at`

func (s *SQLCaseStore) CreateCase(ctx context.Context, c contracts.Case) error {
	if err := contracts.ValidateCase(c); err != nil {
		return err
	}
	now := s.clock().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}

	var existing int
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT COUNT(*) FROM cases WHERE case_id = ?`), c.CaseID).Scan(&existing)
	if err != nil {
		return fmt.Errorf("check case %s: %w", c.CaseID, err)
	}
	if existing > 0 {
		return ErrCaseExists
	}

	query := `INSERT INTO cases (` + caseColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(query), caseArgs(c)...)
	if err != nil {
		return fmt.Errorf("insert case %s: %w", c.CaseID, err)
	}
	return nil
}

func caseArgs(c contracts.Case) []any {
	return []any{
		c.CaseID, string(c.CaseType), string(c.Status), c.Product, c.ProductLine,
		string(c.Category), string(c.Severity), c.Description, c.LinkedCaseID, c.LotNumber,
		c.CustomerName, c.CustomerEmail, c.Resolution, c.ResolutionCode,
		c.AIProcessed, c.AIConfidence, c.AIRecommendation,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt), formatOptionalTime(c.ClosedAt),
	}
}

func (s *SQLCaseStore) GetCase(ctx context.Context, caseID string) (contracts.Case, error) {
	return s.getCase(ctx, s.db, caseID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLCaseStore) getCase(ctx context.Context, q queryRower, caseID string) (contracts.Case, error) {
	row := q.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+caseColumns+` FROM cases WHERE case_id = ?`), caseID)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Case{}, &NotFoundError{Kind: "case", ID: caseID}
	}
	if err != nil {
		return contracts.Case{}, fmt.Errorf("get case %s: %w", caseID, err)
	}
	return c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCase(row scanner) (contracts.Case, error) {
	var (
		c                               contracts.Case
		caseType, status, category, sev string
		createdAt, updatedAt, closedAt  string
	)
	err := row.Scan(&c.CaseID, &caseType, &status, &c.Product, &c.ProductLine, &category, &sev,
		&c.Description, &c.LinkedCaseID, &c.LotNumber, &c.CustomerName, &c.CustomerEmail,
		&c.Resolution, &c.ResolutionCode, &c.AIProcessed, &c.AIConfidence, &c.AIRecommendation,
		&createdAt, &updatedAt, &closedAt)
	if err != nil {
		return contracts.Case{}, err
	}
	c.CaseType = contracts.CaseType(caseType)
	c.Status = contracts.CaseStatus(status)
	c.Category = contracts.Category(category)
	c.Severity = contracts.Severity(sev)
	c.CreatedAt = parseStoredTime(createdAt)
	c.UpdatedAt = parseStoredTime(updatedAt)
	if closedAt != "" {
		t := parseStoredTime(closedAt)
		c.ClosedAt = &t
	}
	return c, nil
}

func (s *SQLCaseStore) UpdateCase(ctx context.Context, caseID string, patch contracts.CasePatch) (contracts.Case, error) {
	var updated contracts.Case
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		c, err := s.getCase(ctx, tx, caseID)
		if err != nil {
			return err
		}
		if c.Status == contracts.CaseStatusClosed {
			return ErrCaseClosed
		}
		c = patch.Apply(c)
		c.UpdatedAt = s.clock().UTC()
		_, err = tx.ExecContext(ctx, s.dialect.Rebind(`UPDATE cases SET status = ?, product = ?, product_line = ?,
			category = ?, severity = ?, resolution = ?, resolution_code = ?, ai_processed = ?,
			ai_confidence = ?, ai_recommendation = ?, updated_at = ? WHERE case_id = ?`),
			string(c.Status), c.Product, c.ProductLine, string(c.Category), string(c.Severity),
			c.Resolution, c.ResolutionCode, c.AIProcessed, c.AIConfidence, c.AIRecommendation,
			formatTime(c.UpdatedAt), caseID)
		if err != nil {
			return fmt.Errorf("update case %s: %w", caseID, err)
		}
		updated = c
		return nil
	})
	return updated, err
}

func (s *SQLCaseStore) CloseCase(ctx context.Context, caseID string, req CloseRequest) (contracts.Case, error) {
	texts, err := json.Marshal(nonNilTexts(req.Texts))
	if err != nil {
		return contracts.Case{}, fmt.Errorf("marshal closing texts: %w", err)
	}
	var closed contracts.Case
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		c, err := s.getCase(ctx, tx, caseID)
		if err != nil {
			return err
		}
		if c.Status == contracts.CaseStatusClosed {
			return ErrCaseClosed
		}
		now := s.clock().UTC()
		c.Status = contracts.CaseStatusClosed
		c.Resolution = req.Resolution
		c.ResolutionCode = req.ResolutionCode
		c.UpdatedAt = now
		c.ClosedAt = &now
		_, err = tx.ExecContext(ctx, s.dialect.Rebind(`UPDATE cases SET status = ?, resolution = ?,
			resolution_code = ?, updated_at = ?, closed_at = ?, closing_texts = ? WHERE case_id = ?`),
			string(c.Status), c.Resolution, c.ResolutionCode, formatTime(now), formatTime(now),
			string(texts), caseID)
		if err != nil {
			return fmt.Errorf("close case %s: %w", caseID, err)
		}
		closed = c
		return nil
	})
	return closed, err
}

func (s *SQLCaseStore) LinkedTo(ctx context.Context, caseID string) ([]contracts.Case, error) {
	rows, err := s.db.QueryContext(ctx,
		s.dialect.Rebind(`SELECT `+caseColumns+` FROM cases WHERE linked_case_id = ? ORDER BY case_id`), caseID)
	if err != nil {
		return nil, fmt.Errorf("query linked cases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan linked case: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLCaseStore) ClosingTexts(ctx context.Context, caseID string) ([]contracts.LocalizedText, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT closing_texts FROM cases WHERE case_id = ?`), caseID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "case", ID: caseID}
	}
	if err != nil {
		return nil, fmt.Errorf("get closing texts %s: %w", caseID, err)
	}
	var texts []contracts.LocalizedText
	if err := json.Unmarshal([]byte(raw), &texts); err != nil {
		return nil, fmt.Errorf("decode closing texts %s: %w", caseID, err)
	}
	return texts, nil
}

func (s *SQLCaseStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseStoredTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nonNilTexts(t []contracts.LocalizedText) []contracts.LocalizedText {
	if t == nil {
		return []contracts.LocalizedText{}
	}
	return t
}
