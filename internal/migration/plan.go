package migration

import (
	"time"

	"github.com/fyrsmithlabs/embedd/internal/embedding"
)

// Plan is the validated blueprint for a migration, produced before any
// mutation happens.
type Plan struct {
	TenantID          string              `json:"tenant_id"`
	SourceCollection  string              `json:"source_collection"`
	TargetCollection  string              `json:"target_collection"`
	Source            embedding.Config    `json:"source"`
	Target            embedding.Config    `json:"target"`
	Compatibility     CompatibilityResult `json:"compatibility"`
	EstimatedItems    int                 `json:"estimated_items"`
	BatchSize         int                 `json:"batch_size"`
	EstimatedBatches  int                 `json:"estimated_batches"`
	EstimatedDuration time.Duration       `json:"estimated_duration_ns"`
	Steps             []string            `json:"steps"`
	RollbackSteps     []string            `json:"rollback_steps"`
}

// buildPlan assembles the step lists and estimates. avgBatch is the
// observed per-batch latency from prior migrations; zero falls back to a
// conservative default.
func buildPlan(tenantID, sourceCollection, targetCollection string, source, target embedding.Config, compat CompatibilityResult, itemCount, batchSize int, avgBatch time.Duration) *Plan {
	batches := 0
	if itemCount > 0 {
		batches = (itemCount + batchSize - 1) / batchSize
	}
	if avgBatch == 0 {
		avgBatch = 2 * time.Second
	}

	return &Plan{
		TenantID:          tenantID,
		SourceCollection:  sourceCollection,
		TargetCollection:  targetCollection,
		Source:            source,
		Target:            target,
		Compatibility:     compat,
		EstimatedItems:    itemCount,
		BatchSize:         batchSize,
		EstimatedBatches:  batches,
		EstimatedDuration: time.Duration(batches) * avgBatch,
		Steps: []string{
			"validate compatibility and source collection health",
			"record rollback information",
			"create target collection " + targetCollection,
			"copy points in batches, re-embedding as needed",
			"verify migrated point count",
			"flip active pointer to target collection",
			"retire source collection after grace period",
		},
		RollbackSteps: []string{
			"restore active pointer to " + sourceCollection,
			"delete target collection " + targetCollection,
		},
	}
}
