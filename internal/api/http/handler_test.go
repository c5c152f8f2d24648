package http

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/docstore/internal/index"
	"github.com/Zereker/docstore/internal/schema"
	"github.com/Zereker/docstore/internal/store"
	"github.com/Zereker/docstore/pkg/engine"
)

func newTestRoutes(t *testing.T) http.Handler {
	t.Helper()
	r := schema.NewRegistry()
	require.NoError(t, r.Register(&schema.Model{Name: "Item", Fields: []*schema.Field{
		{Name: "name", Type: schema.TypeString},
		{Name: "tags", Type: schema.TypeString, Array: true},
	}}))
	require.NoError(t, r.Resolve())

	client := engine.NewMemoryClient()
	manager := index.NewManager(client, index.Config{Namespace: "test"})
	docs := store.NewService(client, manager, store.Config{AutoCreate: true})
	return Routes(NewHandler(docs, r, ""), slog.Default())
}

func do(t *testing.T, h http.Handler, method, path string, body any) (int, Response) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, reader))

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec.Code, resp
}

func TestDocumentRoutes(t *testing.T) {
	h := newTestRoutes(t)

	code, resp := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)

	code, _ = do(t, h, http.MethodPost, "/api/v1/models/Item/docs", map[string]any{"id": "a", "name": "first"})
	assert.Equal(t, http.StatusCreated, code)

	code, resp = do(t, h, http.MethodPost, "/api/v1/models/Item/docs", map[string]any{"id": "a"})
	assert.Equal(t, http.StatusConflict, code)
	assert.False(t, resp.Success)

	code, _ = do(t, h, http.MethodPut, "/api/v1/models/Item/docs/b", map[string]any{"name": "second", "tags": []string{"x"}})
	assert.Equal(t, http.StatusOK, code)

	code, resp = do(t, h, http.MethodGet, "/api/v1/models/Item/docs/b", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"id": "b", "name": "second", "tags": []any{"x"}}, resp.Data)

	code, resp = do(t, h, http.MethodPatch, "/api/v1/models/Item/docs/b", map[string]any{"tags": nil})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"id": "b", "name": "second"}, resp.Data)

	code, _ = do(t, h, http.MethodDelete, "/api/v1/models/Item/docs/b", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, h, http.MethodGet, "/api/v1/models/Item/docs/b", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = do(t, h, http.MethodDelete, "/api/v1/models/Item/docs/b", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, h, http.MethodGet, "/api/v1/models/Nope/docs/a", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestQueryRoutes(t *testing.T) {
	h := newTestRoutes(t)

	code, resp := do(t, h, http.MethodPost, "/api/v1/bulk", map[string]any{"operations": []map[string]any{
		{"kind": "insert", "model": "Item", "id": "1", "document": map[string]any{"name": "b", "tags": []string{"x", "y"}}},
		{"kind": "insert", "model": "Item", "id": "2", "document": map[string]any{"name": "a", "tags": []string{"x"}}},
		{"kind": "upsert", "model": "Item", "id": "3", "document": map[string]any{"name": "c"}},
	}})
	require.Equal(t, http.StatusOK, code)
	data := resp.Data.(map[string]any)
	assert.Equal(t, map[string]any{"insert": 2.0, "upsert": 1.0, "update": 0.0, "delete": 0.0, "error": 0.0}, data["counts"])

	code, resp = do(t, h, http.MethodPost, "/api/v1/models/Item/query", map[string]any{
		"where":  map[string]any{"tags": "x"},
		"sort":   []map[string]any{{"field": "name", "order": 1}},
		"select": map[string]any{"name": 1},
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{
		map[string]any{"id": "2", "name": "a"},
		map[string]any{"id": "1", "name": "b"},
	}, resp.Data)

	code, resp = do(t, h, http.MethodPost, "/api/v1/models/Item/count", map[string]any{})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"count": 3.0}, resp.Data)

	code, resp = do(t, h, http.MethodPost, "/api/v1/models/Item/facet", map[string]any{"field": "tags"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{
		map[string]any{"key": "x", "count": 2.0},
		map[string]any{"key": "y", "count": 1.0},
	}, resp.Data)

	code, _ = do(t, h, http.MethodPost, "/api/v1/models/Item/query", map[string]any{"where": map[string]any{"nope": 1}})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, h, http.MethodPost, "/api/v1/bulk", map[string]any{"operations": []map[string]any{{"kind": "insert", "model": "Nope"}}})
	assert.Equal(t, http.StatusBadRequest, code)
}
