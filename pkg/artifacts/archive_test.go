package artifacts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/casegate/pkg/ledger"
)

func sampleBundle(t *testing.T) *ledger.Bundle {
	t.Helper()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	n := 0
	l := ledger.New(ledger.WithClock(func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	}))
	ctx := context.Background()
	for _, action := range []ledger.Action{ledger.ActionRunStarted, ledger.ActionCaseAnalyzed, ledger.ActionComplianceChecked} {
		_, err := l.Append(ctx, ledger.Entry{
			RunID:        "run-1",
			CaseID:       "CASE-1",
			AgentName:    "router",
			Action:       action,
			Decision:     "ACT",
			Confidence:   ledger.Confidence(0.92),
			StateChanges: []ledger.StateChange{{Field: "pattern.PAT-1.version", Before: 1, After: 2}},
		})
		require.NoError(t, err)
	}
	b, err := l.ExportBundle(ledger.Filter{})
	require.NoError(t, err)
	return b
}

func TestArchive_PutGet(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	a := NewArchive(fs, nil)
	ctx := context.Background()

	b := sampleBundle(t)
	hash, err := a.Put(ctx, b)
	require.NoError(t, err)

	got, err := a.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, b.BundleID, got.BundleID)
	assert.Equal(t, b.BundleHash, got.BundleHash)
	assert.Equal(t, 3, got.EntryCount)
	assert.True(t, got.Contiguous)
}

func TestArchive_RefusesTamperedBundle(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	a := NewArchive(fs, nil)

	b := sampleBundle(t)
	b.Entries[1].Decision = "BLOCK"
	_, err = a.Put(context.Background(), b)
	assert.ErrorIs(t, err, ledger.ErrChainBroken)
}

func TestArchive_DetectsCorruptBlob(t *testing.T) {
	fake := newFakeS3()
	a := NewArchive(newS3Store(fake, "evidence", ""), nil)
	ctx := context.Background()

	hash, err := a.Put(ctx, sampleBundle(t))
	require.NoError(t, err)
	for k := range fake.objects {
		fake.objects[k] = []byte(`{"entries":[]}`)
	}
	_, err = a.Get(ctx, hash)
	assert.ErrorIs(t, err, ledger.ErrChainBroken)
}
