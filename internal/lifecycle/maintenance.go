package lifecycle

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/embedd/internal/configstore"
)

// TaskType identifies a maintenance task kind.
type TaskType string

const (
	TaskOptimize    TaskType = "optimize"
	TaskHealthCheck TaskType = "health_check"
	TaskRepair      TaskType = "repair"
	TaskCleanup     TaskType = "cleanup"
)

// Task is a scheduled maintenance unit for one tenant.
type Task struct {
	Type       TaskType
	TenantID   string
	Priority   int
	Attempts   int
	EnqueuedAt time.Time
}

// defaultPriority ranks task types when the caller does not set one.
// Repairs outrank routine checks.
func defaultPriority(t TaskType) int {
	switch t {
	case TaskRepair:
		return 30
	case TaskHealthCheck:
		return 20
	case TaskOptimize:
		return 10
	default:
		return 5
	}
}

// taskHeap orders tasks by priority, then age.
type taskHeap []Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(Task)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	task := old[n-1]
	*h = old[:n-1]
	return task
}

// MaintenanceConfig controls the maintenance scheduler.
type MaintenanceConfig struct {
	// Workers is the size of the execution pool.
	Workers int `koanf:"workers"`

	// MaxAttempts bounds retries per task before it is marked failed.
	MaxAttempts int `koanf:"max_attempts"`

	// CleanupGracePeriod is how long a stale collection is retained
	// before a cleanup task may delete it.
	CleanupGracePeriod time.Duration `koanf:"cleanup_grace_period"`
}

// ApplyDefaults fills in zero values with sensible defaults.
func (c *MaintenanceConfig) ApplyDefaults() {
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.CleanupGracePeriod == 0 {
		c.CleanupGracePeriod = 24 * time.Hour
	}
}

// Scheduler runs maintenance tasks from a priority queue on a bounded
// worker pool. Failed tasks are requeued with an attempt count and
// dropped with a log entry once the attempt cap is reached.
type Scheduler struct {
	manager *Manager
	config  MaintenanceConfig
	pool    *ants.Pool
	logger  *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  taskHeap
	closed bool
}

// NewScheduler creates a maintenance scheduler backed by a goroutine
// pool. Call Run to start draining the queue.
func NewScheduler(manager *Manager, config MaintenanceConfig, logger *zap.Logger) (*Scheduler, error) {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := ants.NewPool(config.Workers)
	if err != nil {
		return nil, fmt.Errorf("creating maintenance pool: %w", err)
	}

	s := &Scheduler{
		manager: manager,
		config:  config,
		pool:    pool,
		logger:  logger,
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Schedule enqueues a task. A zero priority is replaced by the default
// for the task type.
func (s *Scheduler) Schedule(task Task) {
	if task.Priority == 0 {
		task.Priority = defaultPriority(task.Type)
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = s.manager.clock.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	heap.Push(&s.queue, task)
	s.cond.Signal()
}

// Pending returns the number of queued tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Run drains the queue until ctx is cancelled or Close is called. It
// blocks and is meant to run in its own goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		task, ok := s.next()
		if !ok {
			return
		}
		t := task
		if err := s.pool.Submit(func() { s.execute(ctx, t) }); err != nil {
			if errors.Is(err, ants.ErrPoolClosed) {
				return
			}
			s.logger.Warn("submitting maintenance task", zap.Error(err))
		}
	}
}

// next blocks until a task is available or the scheduler closes.
func (s *Scheduler) next() (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.queue.Len() == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return Task{}, false
	}
	return heap.Pop(&s.queue).(Task), true
}

// ExecuteNext pops and runs a single task synchronously. It reports
// whether a task was available. Used by tests and by operators draining
// the queue manually.
func (s *Scheduler) ExecuteNext(ctx context.Context) bool {
	s.mu.Lock()
	if s.queue.Len() == 0 {
		s.mu.Unlock()
		return false
	}
	task := heap.Pop(&s.queue).(Task)
	s.mu.Unlock()

	s.execute(ctx, task)
	return true
}

// execute runs a task and requeues it on failure until the attempt cap.
func (s *Scheduler) execute(ctx context.Context, task Task) {
	task.Attempts++
	err := s.run(ctx, task)
	if err == nil {
		return
	}

	if task.Attempts >= s.config.MaxAttempts {
		s.logger.Error("maintenance task failed permanently",
			zap.String("type", string(task.Type)),
			zap.String("tenant_id", task.TenantID),
			zap.Int("attempts", task.Attempts),
			zap.Error(err))
		return
	}

	s.logger.Warn("maintenance task failed, requeueing",
		zap.String("type", string(task.Type)),
		zap.String("tenant_id", task.TenantID),
		zap.Int("attempts", task.Attempts),
		zap.Error(err))

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		heap.Push(&s.queue, task)
		s.cond.Signal()
	}
}

func (s *Scheduler) run(ctx context.Context, task Task) error {
	switch task.Type {
	case TaskHealthCheck:
		_, err := s.manager.HealthCheck(ctx, task.TenantID)
		return err

	case TaskOptimize:
		// The store optimizes itself; refreshing stats keeps the record's
		// point count current.
		rec, err := s.manager.ActiveCollection(ctx, task.TenantID)
		if err != nil {
			return err
		}
		stats, err := s.manager.vs.Stats(ctx, rec.CollectionID)
		if err != nil {
			return err
		}
		rec.PointCount = stats.PointCount
		rec.UpdatedAt = s.manager.clock.Now()
		return s.manager.records.PutCollection(ctx, *rec)

	case TaskRepair:
		rec, err := s.manager.ActiveCollection(ctx, task.TenantID)
		if err != nil {
			return err
		}
		_, err = s.manager.EnsureExists(ctx, task.TenantID, rec.Configuration)
		return err

	case TaskCleanup:
		return s.cleanup(ctx, task.TenantID)

	default:
		return fmt.Errorf("unknown maintenance task type %q", task.Type)
	}
}

// cleanup deletes stale collections older than the grace period.
func (s *Scheduler) cleanup(ctx context.Context, tenantID string) error {
	recs, err := s.manager.records.ListCollections(ctx, tenantID)
	if err != nil {
		return err
	}

	cutoff := s.manager.clock.Now().Add(-s.config.CleanupGracePeriod)
	for _, rec := range recs {
		if rec.Status != configstore.StatusStale || rec.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.manager.vs.DeleteCollection(ctx, rec.CollectionID); err != nil {
			return fmt.Errorf("deleting stale collection %s: %w", rec.CollectionID, err)
		}
		if err := s.manager.records.DeleteCollection(ctx, rec.CollectionID); err != nil {
			return err
		}
		s.logger.Info("stale collection cleaned up",
			zap.String("tenant_id", tenantID),
			zap.String("collection", rec.CollectionID))
	}
	return nil
}

// Close stops the scheduler and releases the worker pool.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	s.pool.Release()
}
