package patterns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
)

const patternKeyPrefix = "pattern/"

// BadgerPersister stores every pattern version in an embedded Badger
// database under pattern/<id>/<version>.
type BadgerPersister struct {
	db *badger.DB
}

// OpenBadger opens a persister at dir. An empty dir opens an in-memory
// database.
func OpenBadger(dir string, logger *slog.Logger) (*BadgerPersister, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create pattern db directory %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open pattern db: %w", err)
	}
	return &BadgerPersister{db: db}, nil
}

// Close closes the database.
func (b *BadgerPersister) Close() error { return b.db.Close() }

func patternKey(id string, version int) []byte {
	return []byte(fmt.Sprintf("%s%s/%08d", patternKeyPrefix, id, version))
}

// Save implements Persister.
func (b *BadgerPersister) Save(ctx context.Context, p contracts.Pattern) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pattern: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(patternKey(p.PatternID, p.Version), data)
	})
}

// LoadAll implements Persister.
func (b *BadgerPersister) LoadAll(ctx context.Context) ([]contracts.Pattern, error) {
	var out []contracts.Pattern
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(patternKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var p contracts.Pattern
				if err := json.Unmarshal(val, &p); err != nil {
					return fmt.Errorf("decode %s: %w", item.Key(), err)
				}
				out = append(out, p)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Version reads one stored version.
func (b *BadgerPersister) Version(id string, version int) (contracts.Pattern, error) {
	var p contracts.Pattern
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(patternKey(id, version))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s v%d", ErrPatternNotFound, id, version)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &p) })
	})
	return p, err
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
