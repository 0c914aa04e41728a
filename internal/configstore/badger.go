package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/embedd/internal/embedding"
)

// Key layout. Every record is a JSON value under a typed prefix so that
// listing is a prefix scan.
const (
	prefixCollection = "collection/"
	prefixPointer    = "pointer/"
	prefixDesired    = "desired/"
	prefixJob        = "job/"
	prefixCheckpoint = "checkpoint/"
)

// BadgerConfig holds configuration for the embedded badger store.
type BadgerConfig struct {
	// Path is the database directory. Empty uses an in-memory database,
	// intended for tests.
	Path string `koanf:"path"`
}

// BadgerStore is a Store backed by an embedded badger database.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// NewBadgerStore opens the database at the configured path.
func NewBadgerStore(config BadgerConfig, logger *zap.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(config.Path).WithLogger(nil)
	if config.Path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening config store at %q: %w", config.Path, err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

func (s *BadgerStore) put(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (s *BadgerStore) get(key string, out interface{}) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return err
}

func (s *BadgerStore) delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// scan visits every value under prefix.
func (s *BadgerStore) scan(prefix string, visit func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(visit); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) PutCollection(ctx context.Context, rec CollectionRecord) error {
	return s.put(prefixCollection+rec.CollectionID, rec)
}

func (s *BadgerStore) GetCollection(ctx context.Context, collectionID string) (*CollectionRecord, error) {
	var rec CollectionRecord
	if err := s.get(prefixCollection+collectionID, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BadgerStore) ListCollections(ctx context.Context, tenantID string) ([]CollectionRecord, error) {
	var recs []CollectionRecord
	err := s.scan(prefixCollection, func(val []byte) error {
		var rec CollectionRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		if tenantID == "" || rec.TenantID == tenantID {
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	return recs, nil
}

func (s *BadgerStore) DeleteCollection(ctx context.Context, collectionID string) error {
	return s.delete(prefixCollection + collectionID)
}

func (s *BadgerStore) GetActivePointer(ctx context.Context, tenantID string) (*ActivePointer, error) {
	var ptr ActivePointer
	if err := s.get(prefixPointer+tenantID, &ptr); err != nil {
		return nil, err
	}
	return &ptr, nil
}

// SetActivePointer performs a compare-and-swap on the owner token inside
// a single badger transaction, so concurrent writers cannot both move the
// pointer.
func (s *BadgerStore) SetActivePointer(ctx context.Context, ptr ActivePointer, expectedToken string) error {
	key := []byte(prefixPointer + ptr.TenantID)
	data, err := json.Marshal(ptr)
	if err != nil {
		return fmt.Errorf("encoding pointer for %s: %w", ptr.TenantID, err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if expectedToken != "" {
				return fmt.Errorf("%w: no pointer exists for tenant %s", ErrOwnershipConflict, ptr.TenantID)
			}
		case err != nil:
			return err
		default:
			var current ActivePointer
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &current)
			}); err != nil {
				return err
			}
			if current.OwnerToken != expectedToken {
				return fmt.Errorf("%w: tenant %s", ErrOwnershipConflict, ptr.TenantID)
			}
		}
		return txn.Set(key, data)
	})
}

func (s *BadgerStore) PutDesiredConfig(ctx context.Context, tenantID string, cfg embedding.Config) error {
	return s.put(prefixDesired+tenantID, cfg)
}

func (s *BadgerStore) GetDesiredConfig(ctx context.Context, tenantID string) (*embedding.Config, error) {
	var cfg embedding.Config
	if err := s.get(prefixDesired+tenantID, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *BadgerStore) PutJob(ctx context.Context, job JobRecord) error {
	return s.put(prefixJob+job.ID, job)
}

func (s *BadgerStore) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	var job JobRecord
	if err := s.get(prefixJob+jobID, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BadgerStore) ListJobs(ctx context.Context, tenantID string) ([]JobRecord, error) {
	var jobs []JobRecord
	err := s.scan(prefixJob, func(val []byte) error {
		var job JobRecord
		if err := json.Unmarshal(val, &job); err != nil {
			return err
		}
		if tenantID == "" || job.TenantID == tenantID {
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, nil
}

func (s *BadgerStore) PutCheckpoint(ctx context.Context, cp Checkpoint) error {
	return s.put(prefixCheckpoint+cp.JobID, cp)
}

func (s *BadgerStore) GetCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error) {
	var cp Checkpoint
	if err := s.get(prefixCheckpoint+jobID, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *BadgerStore) DeleteCheckpoint(ctx context.Context, jobID string) error {
	return s.delete(prefixCheckpoint + jobID)
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
