// Package store holds current case state and run records. The ledger is
// the source of truth for decisions; this package only tracks where each
// case and run stands now.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrCaseExists   = errors.New("case already exists")
	ErrCaseClosed   = errors.New("case already closed")
	ErrRunImmutable = errors.New("run is terminal")
)

// NotFoundError names the missing record. It matches ErrNotFound.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s %s not found", contracts.CodeNotFound, e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// CloseRequest finalizes a case.
type CloseRequest struct {
	Resolution     string
	ResolutionCode string
	Texts          []contracts.LocalizedText
}

// CaseStore is the pipeline's view of the external case system.
type CaseStore interface {
	CreateCase(ctx context.Context, c contracts.Case) error
	GetCase(ctx context.Context, caseID string) (contracts.Case, error)
	UpdateCase(ctx context.Context, caseID string, patch contracts.CasePatch) (contracts.Case, error)
	CloseCase(ctx context.Context, caseID string, req CloseRequest) (contracts.Case, error)
	// LinkedTo returns the cases whose linked case id is caseID.
	LinkedTo(ctx context.Context, caseID string) ([]contracts.Case, error)
	// ClosingTexts returns the localized texts recorded when the case closed.
	ClosingTexts(ctx context.Context, caseID string) ([]contracts.LocalizedText, error)
}
