package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/embedd/internal/configstore"
	"github.com/fyrsmithlabs/embedd/internal/embedding"
	"github.com/fyrsmithlabs/embedd/internal/lifecycle"
	"github.com/fyrsmithlabs/embedd/internal/metrics"
	"github.com/fyrsmithlabs/embedd/internal/migration"
	"github.com/fyrsmithlabs/embedd/internal/pipeline"
	"github.com/fyrsmithlabs/embedd/internal/recovery"
	"github.com/fyrsmithlabs/embedd/internal/vectorstore"
)

type stubProvider struct {
	cfg embedding.Config
}

func (p *stubProvider) vector(text string) []float32 {
	v := make([]float32, p.cfg.Dimension)
	v[len(text)%p.cfg.Dimension] = 1
	return v
}

func (p *stubProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

func (p *stubProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return p.vector(text), nil
}

func (p *stubProvider) Config() embedding.Config { return p.cfg }
func (p *stubProvider) Close() error             { return nil }

func testConfig() embedding.Config {
	return embedding.Config{Provider: embedding.ProviderTEI, Model: "bge-small-en-v1.5", Dimension: 4}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, nil)
	require.NoError(t, err)

	records := configstore.NewMemoryStore()
	clock := recovery.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	coordinator := recovery.NewCoordinator(recovery.CoordinatorConfig{}, clock, nil)
	manager := lifecycle.NewManager(store, records, coordinator, nil, clock, nil)

	factory := func(cfg embedding.Config) (embedding.Provider, error) {
		return &stubProvider{cfg: cfg}, nil
	}

	orch := migration.NewOrchestrator(migration.Config{BatchSize: 5}, store, records, manager, coordinator, factory, nil, clock, nil)
	manager.SetRequester(orch)

	p := pipeline.New(pipeline.Config{}, store, records, manager, orch, coordinator, factory, nil)
	t.Cleanup(p.Close)

	_, err = manager.EnsureExists(context.Background(), "tenant_a", testConfig())
	require.NoError(t, err)

	m := metrics.New(coordinator.Registry())
	return New(Config{}, p, m, nil)
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthzEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEmbedEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/tenants/tenant_a/embeddings", map[string]string{"content": "hello world"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result pipeline.EmbedResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.NotEmpty(t, result.PointID)
	assert.False(t, result.Degraded)
}

func TestEmbedEndpointRejectsEmptyContent(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/tenants/tenant_a/embeddings", map[string]string{"content": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/tenants/tenant_a/embeddings", map[string]string{"content": "alpha"})
	require.Equal(t, http.StatusOK, rec.Code)

	query := (&stubProvider{cfg: testConfig()}).vector("alpha")
	rec = doJSON(t, s, http.MethodPost, "/v1/tenants/tenant_a/search", map[string]interface{}{
		"vector": query,
		"top_k":  3,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result pipeline.RetrievalResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.NotEmpty(t, result.Points)
	assert.Equal(t, "alpha", result.Points[0].Payload["content"])
}

func TestSearchEndpointRejectsWrongDimension(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/tenants/tenant_a/search", map[string]interface{}{
		"vector": make([]float32, 7),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTenantHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/v1/tenants/tenant_a/health", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var summary pipeline.HealthSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, lifecycle.HealthHealthy, summary.Status)
}

func TestMigrationEndpoints(t *testing.T) {
	s := newTestServer(t)

	for i := 0; i < 10; i++ {
		rec := doJSON(t, s, http.MethodPost, "/v1/tenants/tenant_a/embeddings",
			map[string]string{"content": fmt.Sprintf("chunk number %d", i)})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doJSON(t, s, http.MethodPost, "/v1/tenants/tenant_a/migrations", map[string]interface{}{
		"provider":  embedding.ProviderTEI,
		"model":     "bge-small-en-v1.5",
		"dimension": 8,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var started map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	jobID := started["job_id"]
	require.NotEmpty(t, jobID)

	deadline := time.After(5 * time.Second)
	for {
		rec = doJSON(t, s, http.MethodGet, "/v1/migrations/"+jobID, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var status migration.Status
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		if status.Phase.Terminal() {
			assert.Equal(t, migration.PhaseCompleted, status.Phase)
			break
		}
		select {
		case <-deadline:
			t.Fatalf("migration did not finish, phase %s", status.Phase)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestMigrationDryRunReturnsPlan(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/tenants/tenant_a/migrations", map[string]interface{}{
		"provider":  embedding.ProviderTEI,
		"model":     "bge-small-en-v1.5",
		"dimension": 8,
		"dry_run":   true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var plan migration.Plan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plan))
	assert.Equal(t, "tenant_a", plan.TenantID)
	assert.NotEmpty(t, plan.Steps)

	// Nothing started: the plan has no job to look up.
	rec = doJSON(t, s, http.MethodGet, "/v1/tenants/tenant_a/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestErrorsEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/v1/errors", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestMigrationStatusUnknownJob(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/v1/migrations/no-such-job", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestValidateConfigEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/tenants/tenant_a/config/validate", map[string]interface{}{
		"provider":  embedding.ProviderTEI,
		"model":     "bge-small-en-v1.5",
		"dimension": 8,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result migration.CompatibilityResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.MigrationRequired)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/tenants/tenant_a/embeddings", map[string]string{"content": "hello"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "embedd_embeddings_total"))
	assert.True(t, strings.Contains(rec.Body.String(), "embedd_circuits_open"))
}
