package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// ChromemConfig holds configuration for the embedded chromem store.
type ChromemConfig struct {
	// Path is the persistence directory. Empty uses a pure in-memory DB.
	Path string `koanf:"path"`

	// Compress enables gzip compression for persisted collections.
	Compress bool `koanf:"compress"`
}

// ChromemStore is an embedded Store implementation backed by chromem-go.
//
// It exists for local development and tests where no Qdrant server is
// available. chromem has no native scroll API, so the store keeps a shadow
// index of upserted points; with persistence enabled, Scroll only covers
// points written by this process.
type ChromemStore struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger

	mu     sync.RWMutex
	dims   map[string]int
	points map[string]map[string]Point
}

// NewChromemStore creates a chromem-backed store.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	var err error
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(config.Path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening chromem db at %s: %w", config.Path, err)
		}
	}

	return &ChromemStore{
		db:     db,
		config: config,
		logger: logger,
		dims:   make(map[string]int),
		points: make(map[string]map[string]Point),
	}, nil
}

// noEmbedding is used for collections whose points always carry
// pre-computed vectors.
func noEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("embedding function should not be called: vectors are pre-computed")
}

// CreateCollection creates a new collection sized for the given dimension.
func (s *ChromemStore) CreateCollection(ctx context.Context, name string, dimension int) error {
	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidConfig, dimension)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.db.ListCollections()[name]; exists {
		return fmt.Errorf("%w: %s", ErrCollectionExists, name)
	}

	meta := map[string]string{"dimension": strconv.Itoa(dimension)}
	if _, err := s.db.CreateCollection(name, meta, noEmbedding); err != nil {
		return fmt.Errorf("creating collection %s: %w", name, err)
	}

	s.dims[name] = dimension
	s.points[name] = make(map[string]Point)
	s.logger.Debug("collection created",
		zap.String("collection", name),
		zap.Int("dimension", dimension))
	return nil
}

// DeleteCollection deletes a collection and all its points.
func (s *ChromemStore) DeleteCollection(ctx context.Context, name string) error {
	if err := ValidateCollectionName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("deleting collection %s: %w", name, err)
	}
	delete(s.dims, name)
	delete(s.points, name)
	return nil
}

// CollectionExists checks if a collection exists.
func (s *ChromemStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	if err := ValidateCollectionName(name); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.db.ListCollections()[name]
	return exists, nil
}

// Upsert inserts or replaces points in a collection.
func (s *ChromemStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	col := s.db.GetCollection(collection, noEmbedding)
	if col == nil {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}

	dim := s.dims[collection]
	docs := make([]chromem.Document, 0, len(points))
	for _, p := range points {
		if dim > 0 && len(p.Vector) != dim {
			return fmt.Errorf("%w: point %s has dimension %d, collection %s expects %d",
				ErrDimensionMismatch, p.ID, len(p.Vector), collection, dim)
		}
		content, metadata := splitPayload(p.Payload)
		docs = append(docs, chromem.Document{
			ID:        p.ID,
			Content:   content,
			Metadata:  metadata,
			Embedding: p.Vector,
		})
	}

	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("upserting %d points to %s: %w", len(points), collection, err)
	}

	shadow := s.points[collection]
	if shadow == nil {
		shadow = make(map[string]Point)
		s.points[collection] = shadow
	}
	for _, p := range points {
		shadow[p.ID] = p
	}
	return nil
}

// Search performs similarity search in a collection.
func (s *ChromemStore) Search(ctx context.Context, collection string, vector []float32, topK int, filter map[string]interface{}) ([]ScoredPoint, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	col := s.db.GetCollection(collection, noEmbedding)
	if col == nil {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}

	// chromem rejects nResults larger than the collection size.
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	var where map[string]string
	if len(filter) > 0 {
		where = make(map[string]string, len(filter))
		for k, v := range filter {
			if sv, ok := v.(string); ok {
				where[k] = sv
			}
		}
	}

	results, err := col.QueryEmbedding(ctx, vector, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("searching collection %s: %w", collection, err)
	}

	scored := make([]ScoredPoint, len(results))
	for i, r := range results {
		payload := make(map[string]interface{}, len(r.Metadata)+1)
		for k, v := range r.Metadata {
			payload[k] = v
		}
		if r.Content != "" {
			payload["content"] = r.Content
		}
		scored[i] = ScoredPoint{ID: r.ID, Score: r.Similarity, Payload: payload}
	}
	return scored, nil
}

// Scroll reads points in stable batches ordered by point ID.
func (s *ChromemStore) Scroll(ctx context.Context, collection string, offset string, limit int) ([]Point, string, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		return nil, "", fmt.Errorf("limit must be positive, got %d", limit)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	shadow, ok := s.points[collection]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}

	ids := make([]string, 0, len(shadow))
	for id := range shadow {
		if offset == "" || id > offset {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	if len(ids) > limit {
		ids = ids[:limit]
	}
	points := make([]Point, len(ids))
	for i, id := range ids {
		points[i] = shadow[id]
	}

	next := ""
	if len(ids) == limit {
		next = ids[len(ids)-1]
	}
	return points, next, nil
}

// Stats returns collection statistics. The embedded store always reports a
// green index since there is no background indexing.
func (s *ChromemStore) Stats(ctx context.Context, collection string) (*Stats, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	col := s.db.GetCollection(collection, noEmbedding)
	if col == nil {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}

	return &Stats{
		PointCount:  col.Count(),
		Dimension:   s.dims[collection],
		IndexStatus: IndexStatusGreen,
	}, nil
}

// Close releases resources. chromem has no connections to close.
func (s *ChromemStore) Close() error {
	return nil
}

// splitPayload separates the "content" text from the remaining metadata,
// converting values to the string form chromem stores.
func splitPayload(payload map[string]interface{}) (string, map[string]string) {
	content := ""
	metadata := make(map[string]string, len(payload))
	for k, v := range payload {
		if k == "content" {
			if sv, ok := v.(string); ok {
				content = sv
				continue
			}
		}
		switch val := v.(type) {
		case string:
			metadata[k] = val
		case int:
			metadata[k] = strconv.Itoa(val)
		case int64:
			metadata[k] = strconv.FormatInt(val, 10)
		case float64:
			metadata[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			metadata[k] = strconv.FormatBool(val)
		}
	}
	return content, metadata
}
