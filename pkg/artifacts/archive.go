package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/casegate/pkg/canonicalize"
	"github.com/Mindburn-Labs/casegate/pkg/ledger"
)

// MaxBundleSize bounds a single archived bundle.
const MaxBundleSize = 64 << 20

var ErrBundleTooLarge = errors.New("bundle exceeds archive size limit")

// Archive stores verified evidence bundles. Only bundles that verify are
// written, and every read is verified again.
type Archive struct {
	store  Store
	logger *slog.Logger
}

// NewArchive wraps store.
func NewArchive(store Store, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{store: store, logger: logger.With("component", "archive")}
}

// Put verifies b and stores its canonical JSON. It returns the content
// hash the bundle can be fetched by.
func (a *Archive) Put(ctx context.Context, b *ledger.Bundle) (string, error) {
	if err := ledger.VerifyBundle(b); err != nil {
		return "", fmt.Errorf("refusing to archive bundle: %w", err)
	}
	data, err := canonicalize.JCS(b)
	if err != nil {
		return "", fmt.Errorf("encode bundle: %w", err)
	}
	if len(data) > MaxBundleSize {
		return "", fmt.Errorf("%w: %d bytes", ErrBundleTooLarge, len(data))
	}
	hash, err := a.store.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("archive bundle %s: %w", b.BundleID, err)
	}
	a.logger.InfoContext(ctx, "bundle archived",
		"bundle_id", b.BundleID, "hash", hash, "entries", b.EntryCount, "run_id", b.RunID, "case_id", b.CaseID)
	return hash, nil
}

// Get fetches and verifies the bundle stored under hash.
func (a *Archive) Get(ctx context.Context, hash string) (*ledger.Bundle, error) {
	data, err := a.store.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	if got := ContentHash(data); got != hash {
		return nil, fmt.Errorf("%w: blob %s hashes to %s", ledger.ErrChainBroken, hash, got)
	}
	var b ledger.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle %s: %w", hash, err)
	}
	if err := ledger.VerifyBundle(&b); err != nil {
		return nil, fmt.Errorf("bundle %s: %w", hash, err)
	}
	return &b, nil
}
