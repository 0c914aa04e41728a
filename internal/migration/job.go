package migration

import (
	"context"
	"sync"
	"time"

	"github.com/fyrsmithlabs/embedd/internal/embedding"
)

// Phase is a migration job phase. Phases advance monotonically forward;
// only an explicit rollback jumps to rolled_back.
type Phase string

const (
	PhaseValidating     Phase = "validating"
	PhaseBackingUp      Phase = "backing_up"
	PhaseCreatingTarget Phase = "creating_target"
	PhaseCopying        Phase = "copying"
	PhaseVerifying      Phase = "verifying"
	PhaseFinalizing     Phase = "finalizing"
	PhaseCleaningUp     Phase = "cleaning_up"
	PhaseRolledBack     Phase = "rolled_back"
	PhaseFailed         Phase = "failed"
	PhaseCompleted      Phase = "completed"
)

// Terminal reports whether the phase ends the job.
func (p Phase) Terminal() bool {
	return p == PhaseRolledBack || p == PhaseFailed || p == PhaseCompleted
}

// Progress tracks batch copy progress.
type Progress struct {
	TotalItems  int      `json:"total_items"`
	Processed   int      `json:"processed"`
	FailedItems []string `json:"failed_items,omitempty"`
	BatchIndex  int      `json:"batch_index"`
	BatchCount  int      `json:"batch_count"`
}

// Percent returns completion as a percentage in [0, 100].
func (p Progress) Percent() float64 {
	if p.TotalItems == 0 {
		return 100
	}
	return float64(p.Processed+len(p.FailedItems)) / float64(p.TotalItems) * 100
}

// FailureRate returns the fraction of items that failed, in [0, 1].
func (p Progress) FailureRate() float64 {
	if p.TotalItems == 0 {
		return 0
	}
	return float64(len(p.FailedItems)) / float64(p.TotalItems)
}

// RollbackInfo records what to restore if the job must be undone.
type RollbackInfo struct {
	PriorCollectionID  string           `json:"prior_collection_id"`
	PriorConfiguration embedding.Config `json:"prior_configuration"`

	// PriorToken is the pointer ownership token that was replaced when
	// the job took ownership. Empty until backing_up completes.
	PriorToken string `json:"-"`

	// OwnsPointer is true once the job holds the tenant's pointer.
	OwnsPointer bool `json:"-"`
}

// Status is a point-in-time snapshot of a job, safe to hand to callers.
type Status struct {
	JobID           string   `json:"job_id"`
	TenantID        string   `json:"tenant_id"`
	Phase           Phase    `json:"phase"`
	Progress        Progress `json:"progress"`
	PercentComplete float64  `json:"percent_complete"`
	// ETA is the estimated remaining copy time. Zero when unknown or done.
	ETA       time.Duration `json:"eta_ns"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Job is the in-memory state of one migration. Only the owning
// orchestration goroutine mutates it; readers take snapshots.
type Job struct {
	ID               string
	TenantID         string
	SourceConfig     embedding.Config
	TargetConfig     embedding.Config
	SourceCollection string
	TargetCollection string

	// OwnerToken identifies this job as the single legal writer of the
	// tenant's active pointer while it runs.
	OwnerToken string

	cancel context.CancelFunc

	mu        sync.RWMutex
	phase     Phase
	progress  Progress
	rollback  RollbackInfo
	err       error
	startedAt time.Time
	updatedAt time.Time
	batchAvg  time.Duration
}

// Phase returns the current phase.
func (j *Job) Phase() Phase {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.phase
}

// Cancel requests cooperative cancellation. The job finishes its current
// batch, then rolls back.
func (j *Job) Cancel() {
	if j.cancel != nil {
		j.cancel()
	}
}

func (j *Job) setPhase(phase Phase, now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.phase = phase
	j.updatedAt = now
}

func (j *Job) setError(err error, now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.err = err
	j.updatedAt = now
}

func (j *Job) setProgress(progress Progress, batchAvg time.Duration, now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.progress = progress
	j.batchAvg = batchAvg
	j.updatedAt = now
}

func (j *Job) snapshotProgress() Progress {
	j.mu.RLock()
	defer j.mu.RUnlock()
	p := j.progress
	p.FailedItems = append([]string(nil), j.progress.FailedItems...)
	return p
}

// Snapshot returns a consistent status view of the job.
func (j *Job) Snapshot() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()

	s := Status{
		JobID:           j.ID,
		TenantID:        j.TenantID,
		Phase:           j.phase,
		Progress:        j.progress,
		PercentComplete: j.progress.Percent(),
		StartedAt:       j.startedAt,
		UpdatedAt:       j.updatedAt,
	}
	s.Progress.FailedItems = append([]string(nil), j.progress.FailedItems...)
	if j.err != nil {
		s.Error = j.err.Error()
	}
	if j.phase == PhaseCopying && j.batchAvg > 0 {
		remaining := j.progress.BatchCount - j.progress.BatchIndex
		if remaining > 0 {
			s.ETA = time.Duration(remaining) * j.batchAvg
		}
	}
	return s
}
