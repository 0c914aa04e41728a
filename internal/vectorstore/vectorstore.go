// Package vectorstore defines the interface for vector storage operations.
//
// The Store interface is transport-agnostic and deliberately narrow: the
// lifecycle and migration layers own all policy (retries, circuit breaking,
// checkpointing), so implementations here do a single remote call per method
// and surface failures unmodified for classification upstream.
package vectorstore

import (
	"context"
	"errors"
	"regexp"
)

// Sentinel errors for vector store operations.
var (
	// ErrCollectionNotFound is returned when a collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrCollectionExists is returned when attempting to create an existing collection.
	ErrCollectionExists = errors.New("collection already exists")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrConnectionFailed indicates the store is unreachable.
	ErrConnectionFailed = errors.New("failed to connect to vector store")

	// ErrDimensionMismatch indicates a vector whose length does not match
	// the collection's configured dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// collectionNamePattern validates collection names.
// Pattern: lowercase letters, numbers, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName validates a collection name against naming rules.
// Rejects uppercase, special characters, path traversal, and spaces.
func ValidateCollectionName(name string) error {
	if name == "" {
		return errors.New("collection name cannot be empty")
	}
	if !collectionNamePattern.MatchString(name) {
		return ErrInvalidCollectionName
	}
	return nil
}

// Point is a single vector with its payload.
type Point struct {
	// ID is the unique point identifier within a collection.
	ID string

	// Vector is the embedding. Length must match the collection dimension.
	Vector []float32

	// Payload contains arbitrary key-value metadata. The source text used
	// to produce the vector is stored under "content" so migrations can
	// re-embed without consulting another system.
	Payload map[string]interface{}
}

// ScoredPoint is a search result.
type ScoredPoint struct {
	ID      string
	Score   float32
	Payload map[string]interface{}
}

// IndexStatus reports the store's view of a collection index.
type IndexStatus string

const (
	IndexStatusGreen  IndexStatus = "green"
	IndexStatusYellow IndexStatus = "yellow"
	IndexStatusRed    IndexStatus = "red"
)

// Stats contains collection statistics.
type Stats struct {
	// PointCount is the number of vectors in the collection.
	PointCount int

	// Dimension is the configured vector size.
	Dimension int

	// IndexStatus is the store-reported index health.
	IndexStatus IndexStatus
}

// Store is the interface for vector storage operations.
//
// Implementations must be safe for concurrent use. All methods honor
// context cancellation and deadlines.
type Store interface {
	// CreateCollection creates a new, empty collection sized for the given
	// vector dimension. Returns ErrCollectionExists if it already exists.
	CreateCollection(ctx context.Context, name string, dimension int) error

	// DeleteCollection deletes a collection and all its points.
	DeleteCollection(ctx context.Context, name string) error

	// CollectionExists checks if a collection exists. Returns an error only
	// if the check itself fails.
	CollectionExists(ctx context.Context, name string) (bool, error)

	// Upsert inserts or replaces points in a collection.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search performs similarity search and returns up to topK results
	// ordered by score, highest first. filter restricts results to points
	// whose payload matches all given key-value pairs; nil means no filter.
	Search(ctx context.Context, collection string, vector []float32, topK int, filter map[string]interface{}) ([]ScoredPoint, error)

	// Scroll reads points in stable batches for bulk operations. offset is
	// an opaque cursor; pass "" to start. The returned cursor is "" when
	// the collection is exhausted. Points include vectors and payloads.
	Scroll(ctx context.Context, collection string, offset string, limit int) ([]Point, string, error)

	// Stats returns collection statistics.
	// Returns ErrCollectionNotFound if the collection does not exist.
	Stats(ctx context.Context, collection string) (*Stats, error)

	// Close releases resources held by the store.
	Close() error
}
