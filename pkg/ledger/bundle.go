package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/casegate/pkg/canonicalize"
)

// BundleVersion is the evidence bundle format version.
const BundleVersion = "1.0.0"

var ErrEmptyBundle = errors.New("no entries match filter")

// Bundle is an exportable, self-verifying slice of the ledger.
type Bundle struct {
	BundleID   string    `json:"bundle_id"`
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	RunID      string    `json:"run_id,omitempty"`
	CaseID     string    `json:"case_id,omitempty"`
	EntryCount int       `json:"entry_count"`
	Entries    []Entry   `json:"entries"`
	// Contiguous bundles hold an unbroken chain segment that starts after
	// AnchorHash; filtered bundles only verify entry by entry.
	Contiguous bool   `json:"contiguous"`
	AnchorHash string `json:"anchor_hash"`
	ChainHead  string `json:"chain_head"`
	BundleHash string `json:"bundle_hash"`
}

// ExportBundle packages entries matching f. An empty filter exports the
// whole chain as a contiguous bundle anchored at genesis.
func (l *Ledger) ExportBundle(f Filter) (*Bundle, error) {
	entries := l.Entries(f)
	if len(entries) == 0 {
		return nil, ErrEmptyBundle
	}
	whole := f == (Filter{})

	b := &Bundle{
		BundleID:   uuid.NewString(),
		Version:    BundleVersion,
		CreatedAt:  l.clock().UTC(),
		RunID:      f.RunID,
		CaseID:     f.CaseID,
		EntryCount: len(entries),
		Entries:    entries,
		Contiguous: whole,
		AnchorHash: entries[0].PreviousHash,
		ChainHead:  entries[len(entries)-1].EntryHash,
	}
	hash, err := canonicalize.CanonicalHash(b.Entries)
	if err != nil {
		return nil, fmt.Errorf("hash bundle entries: %w", err)
	}
	b.BundleHash = hash
	return b, nil
}

// VerifyBundle checks the bundle hash and every entry hash, and the chain
// links when the bundle is contiguous.
func VerifyBundle(b *Bundle) error {
	if b == nil || len(b.Entries) == 0 {
		return ErrEmptyBundle
	}
	hash, err := canonicalize.CanonicalHash(b.Entries)
	if err != nil {
		return fmt.Errorf("hash bundle entries: %w", err)
	}
	if hash != b.BundleHash {
		return fmt.Errorf("%w: bundle hash mismatch", ErrChainBroken)
	}
	if b.Contiguous {
		return verifyFrom(b.Entries, b.AnchorHash)
	}
	for i, e := range b.Entries {
		computed, err := ComputeHash(e)
		if err != nil || computed != e.EntryHash {
			return &IntegrityError{Index: i, EntryID: e.LedgerID, Reason: "entry hash mismatch"}
		}
	}
	return nil
}
