package configstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/embedd/internal/embedding"
)

// MemoryStore is an in-memory Store for tests and ephemeral deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]CollectionRecord
	pointers    map[string]ActivePointer
	desired     map[string]embedding.Config
	jobs        map[string]JobRecord
	checkpoints map[string]Checkpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]CollectionRecord),
		pointers:    make(map[string]ActivePointer),
		desired:     make(map[string]embedding.Config),
		jobs:        make(map[string]JobRecord),
		checkpoints: make(map[string]Checkpoint),
	}
}

func (s *MemoryStore) PutCollection(ctx context.Context, rec CollectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[rec.CollectionID] = rec
	return nil
}

func (s *MemoryStore) GetCollection(ctx context.Context, collectionID string) (*CollectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.collections[collectionID]
	if !ok {
		return nil, fmt.Errorf("%w: collection %s", ErrNotFound, collectionID)
	}
	return &rec, nil
}

func (s *MemoryStore) ListCollections(ctx context.Context, tenantID string) ([]CollectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var recs []CollectionRecord
	for _, rec := range s.collections {
		if tenantID == "" || rec.TenantID == tenantID {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func (s *MemoryStore) DeleteCollection(ctx context.Context, collectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, collectionID)
	return nil
}

func (s *MemoryStore) GetActivePointer(ctx context.Context, tenantID string) (*ActivePointer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ptr, ok := s.pointers[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: pointer for tenant %s", ErrNotFound, tenantID)
	}
	return &ptr, nil
}

func (s *MemoryStore) SetActivePointer(ctx context.Context, ptr ActivePointer, expectedToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.pointers[ptr.TenantID]
	if !exists {
		if expectedToken != "" {
			return fmt.Errorf("%w: no pointer exists for tenant %s", ErrOwnershipConflict, ptr.TenantID)
		}
	} else if current.OwnerToken != expectedToken {
		return fmt.Errorf("%w: tenant %s", ErrOwnershipConflict, ptr.TenantID)
	}
	s.pointers[ptr.TenantID] = ptr
	return nil
}

func (s *MemoryStore) PutDesiredConfig(ctx context.Context, tenantID string, cfg embedding.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.desired[tenantID] = cfg
	return nil
}

func (s *MemoryStore) GetDesiredConfig(ctx context.Context, tenantID string) (*embedding.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.desired[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: desired config for tenant %s", ErrNotFound, tenantID)
	}
	return &cfg, nil
}

func (s *MemoryStore) PutJob(ctx context.Context, job JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return &job, nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, tenantID string) ([]JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []JobRecord
	for _, job := range s.jobs {
		if tenantID == "" || job.TenantID == tenantID {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (s *MemoryStore) PutCheckpoint(ctx context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.JobID] = cp
	return nil
}

func (s *MemoryStore) GetCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: checkpoint for job %s", ErrNotFound, jobID)
	}
	return &cp, nil
}

func (s *MemoryStore) DeleteCheckpoint(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, jobID)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
