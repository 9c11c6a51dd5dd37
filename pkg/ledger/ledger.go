// Package ledger is the append-only, hash-chained decision log every
// pipeline stage writes to.
//
// Each entry commits to its predecessor:
//
//	entryHash = SHA-256(ledgerId ∥ previousHash ∥ canonical_payload)
//
// starting from a genesis previous hash of 64 zeros. The Ledger owns the
// tail pointer; callers hand it an Entry and get back the entry hash.
// A failed verification seals the ledger: every later Append fails until
// an operator audits the store. Nothing is repaired silently.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
)

var (
	ErrEntryNotFound = errors.New("ledger entry not found")
	ErrChainBroken   = errors.New("hash chain is broken")
	ErrSealed        = errors.New("ledger sealed after integrity failure")
)

// IntegrityError reports where verification failed. It matches
// ErrChainBroken and contracts.ErrLedgerIntegrity.
type IntegrityError struct {
	Index   int
	EntryID string
	Reason  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: %v: entry %d (%s): %s",
		contracts.CodeLedgerIntegrity, ErrChainBroken, e.Index, e.EntryID, e.Reason)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrChainBroken || target == contracts.ErrLedgerIntegrity
}

// Sink durably persists entries. Write is called under the ledger lock, in
// chain order; an entry is committed in memory only after Write succeeds.
type Sink interface {
	Write(ctx context.Context, e Entry) error
	Load(ctx context.Context) ([]Entry, error)
}

// EntryHandler observes committed entries.
type EntryHandler func(e Entry)

// Ledger is safe for concurrent use.
type Ledger struct {
	mu       sync.RWMutex
	entries  []Entry
	byID     map[string]int
	tail     string
	sealed   error
	sink     Sink
	handlers []EntryHandler
	clock    func() time.Time
	newID    func() string
	logger   *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithSink persists every entry to s before it is committed.
func WithSink(s Sink) Option {
	return func(l *Ledger) { l.sink = s }
}

// WithIDGenerator overrides entry id generation.
func WithIDGenerator(f func() string) Option {
	return func(l *Ledger) { l.newID = f }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		byID:   make(map[string]int),
		tail:   GenesisHash,
		clock:  time.Now,
		newID:  uuid.NewString,
		logger: slog.Default().With("component", "ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open creates a ledger over sink, replaying and verifying its contents.
// On an integrity failure the returned ledger is sealed and the error is
// returned alongside it so the operator can still read the entries.
func Open(ctx context.Context, sink Sink, opts ...Option) (*Ledger, error) {
	l := New(append(opts, WithSink(sink))...)
	entries, err := sink.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	for i, e := range entries {
		l.entries = append(l.entries, e)
		l.byID[e.LedgerID] = i
	}
	if len(entries) > 0 {
		l.tail = entries[len(entries)-1].EntryHash
	}
	if err := l.Verify(); err != nil {
		return l, err
	}
	return l, nil
}

// Append validates e, assigns its id, timestamp and chain links, persists
// it and returns the entry hash. Identity fields already set on e are
// ignored.
func (l *Ledger) Append(ctx context.Context, e Entry) (string, error) {
	if err := validateEntry(e); err != nil {
		return "", err
	}
	e = e.clone()

	committed, handlers, err := l.commit(ctx, e)
	if err != nil {
		return "", err
	}
	for _, h := range handlers {
		h(committed.clone())
	}
	return committed.EntryHash, nil
}

func (l *Ledger) commit(ctx context.Context, e Entry) (Entry, []EntryHandler, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sealed != nil {
		return Entry{}, nil, fmt.Errorf("%w: %w", ErrSealed, l.sealed)
	}

	e.LedgerID = l.newID()
	e.Timestamp = l.clock().UTC()
	e.PreviousHash = l.tail
	hash, err := ComputeHash(e)
	if err != nil {
		return Entry{}, nil, fmt.Errorf("compute entry hash: %w", err)
	}
	e.EntryHash = hash

	if l.sink != nil {
		if err := l.sink.Write(ctx, e); err != nil {
			return Entry{}, nil, fmt.Errorf("persist ledger entry: %w", err)
		}
	}

	l.byID[e.LedgerID] = len(l.entries)
	l.entries = append(l.entries, e)
	l.tail = hash
	return e, l.handlers, nil
}

func validateEntry(e Entry) error {
	missing := ""
	switch {
	case e.RunID == "":
		missing = "runId"
	case e.CaseID == "":
		missing = "caseId"
	case e.AgentName == "":
		missing = "agentName"
	case e.Action == "":
		missing = "action"
	}
	if missing != "" {
		return &contracts.ValidationError{Code: contracts.CodeValidation, Field: missing, Reason: "required ledger field is empty"}
	}
	return nil
}

// Verify re-verifies the whole chain. A failure seals the ledger.
func (l *Ledger) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := VerifyEntries(l.entries); err != nil {
		if l.sealed == nil {
			l.sealed = err
			l.logger.Error("ledger integrity failure, writes halted", "error", err)
		}
		return err
	}
	return nil
}

// Sealed returns the integrity error that halted writes, if any.
func (l *Ledger) Sealed() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sealed
}

// AddHandler registers a handler for committed entries.
func (l *Ledger) AddHandler(h EntryHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Get returns an entry by id.
func (l *Ledger) Get(id string) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.byID[id]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return l.entries[i].clone(), nil
}

// Head returns the hash of the latest entry, or GenesisHash.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tail
}

// Len returns the number of committed entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries returns committed entries matching f, oldest first.
func (l *Ledger) Entries(f Filter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0)
	for _, e := range l.entries {
		if !f.matches(e) {
			continue
		}
		out = append(out, e.clone())
		if f.MaxResults > 0 && len(out) >= f.MaxResults {
			break
		}
	}
	return out
}
