// Package recovery provides categorized error recovery for external calls.
//
// Every call to an embedding provider, vector store, or configuration store
// flows through the Coordinator, which classifies failures, consults a
// per-dependency circuit breaker, and selects a recovery strategy. The
// closed strategy set is dispatched exhaustively so every category has a
// defined strategy at compile time.
package recovery

import "time"

// Category classifies a failure by what went wrong.
type Category string

const (
	CategoryEmbeddingGeneration     Category = "embedding_generation"
	CategoryVectorSearch            Category = "vector_search"
	CategoryCollectionManagement    Category = "collection_management"
	CategoryAPIKeyValidation        Category = "api_key_validation"
	CategoryConfigurationValidation Category = "configuration_validation"
	CategoryNetwork                 Category = "network"
	CategoryResourceExhaustion      Category = "resource_exhaustion"
	CategoryDataCorruption          Category = "data_corruption"
)

// Severity ranks how urgently a failure needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityFor maps a category to its default severity.
func severityFor(category Category) Severity {
	switch category {
	case CategoryDataCorruption:
		return SeverityCritical
	case CategoryAPIKeyValidation, CategoryConfigurationValidation:
		return SeverityHigh
	case CategoryEmbeddingGeneration, CategoryCollectionManagement:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Strategy identifies the recovery strategy chosen for a failure.
type Strategy string

const (
	StrategyRetryBackoff        Strategy = "retry_backoff"
	StrategyFallbackProvider    Strategy = "fallback_provider"
	StrategyCacheFallback       Strategy = "cache_fallback"
	StrategyGracefulDegradation Strategy = "graceful_degradation"
	StrategySkipOperation       Strategy = "skip_operation"
	StrategyManualIntervention  Strategy = "manual_intervention"
)

// Status is the terminal status of a coordinated operation.
type Status string

const (
	// StatusSucceeded means the operation completed without any failure.
	StatusSucceeded Status = "succeeded"

	// StatusRecovered means the operation ultimately succeeded after one
	// or more failures (retry or fallback).
	StatusRecovered Status = "recovered"

	// StatusDegraded means the operation returned a reduced result: the
	// caller must surface an explicit degradation flag, never a silent
	// empty response.
	StatusDegraded Status = "degraded"

	// StatusEscalated means recovery was not possible and the failure is
	// propagated to the owning component.
	StatusEscalated Status = "escalated"
)

// Outcome is the result of a coordinated operation.
type Outcome struct {
	Status   Status
	Category Category
	Strategy Strategy
	Attempts int
	Err      error
}

// Failed reports whether the operation did not produce a usable result.
func (o Outcome) Failed() bool {
	return o.Status == StatusEscalated
}

// Ok reports whether the operation fully completed, directly or after
// recovery. Degraded outcomes are not Ok: the underlying call did not
// produce its full effect.
func (o Outcome) Ok() bool {
	return o.Status == StatusSucceeded || o.Status == StatusRecovered
}

// Degraded reports whether the result is reduced and must be flagged.
func (o Outcome) Degraded() bool {
	return o.Status == StatusDegraded
}

// ErrorEvent is an append-only record of a failure and how it was handled.
// Events are never mutated after creation.
type ErrorEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	Operation  string    `json:"operation"`
	Dependency string    `json:"dependency"`
	Category   Category  `json:"category"`
	Severity   Severity  `json:"severity"`
	Strategy   Strategy  `json:"chosen_strategy"`
	Outcome    Status    `json:"outcome"`
	Attempts   int       `json:"attempts"`
	Message    string    `json:"message"`
}
