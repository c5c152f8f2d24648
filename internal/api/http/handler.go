package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Zereker/docstore/internal/query"
	"github.com/Zereker/docstore/internal/schema"
	"github.com/Zereker/docstore/internal/store"
	"github.com/Zereker/docstore/pkg/log"
)

// Documents is the document service used by the handler.
type Documents interface {
	Get(ctx context.Context, m *schema.Model, id string) (store.Document, error)
	Create(ctx context.Context, m *schema.Model, doc store.Document) (store.Document, error)
	Upsert(ctx context.Context, m *schema.Model, doc store.Document) (store.Document, error)
	UpdatePartial(ctx context.Context, m *schema.Model, id string, patch map[string]any) (store.Document, error)
	Delete(ctx context.Context, m *schema.Model, id string) error
	Query(ctx context.Context, m *schema.Model, q query.Query) ([]store.Document, error)
	QueryCount(ctx context.Context, m *schema.Model, where map[string]any) (int, error)
	Facet(ctx context.Context, m *schema.Model, field string, q query.Query, limit int) ([]store.FacetBucket, error)
	SuggestValues(ctx context.Context, m *schema.Model, field, prefix string, limit int) ([]string, error)
	ProcessBulk(ctx context.Context, ops []store.BulkOperation) (*store.BulkResponse, error)
}

// Models resolves model names.
type Models interface {
	Get(name string) (*schema.Model, bool)
}

// Handler handles HTTP API requests
type Handler struct {
	logger  *slog.Logger
	docs    Documents
	models  Models
	idField string
}

// NewHandler creates a new HTTP handler
func NewHandler(docs Documents, models Models, idField string) *Handler {
	if idField == "" {
		idField = "id"
	}
	return &Handler{
		logger:  log.Logger("http.handler"),
		docs:    docs,
		models:  models,
		idField: idField,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SortField is one entry of an ordered sort.
type SortField struct {
	Field string `json:"field"`
	Order any    `json:"order"` // 1 / -1, "asc" / "desc"
}

// QueryRequest is the body of query, count and facet requests.
type QueryRequest struct {
	Where  map[string]any `json:"where"`
	Select map[string]any `json:"select"`
	Sort   []SortField    `json:"sort"`
	Offset int            `json:"offset"`
	Limit  int            `json:"limit"`
	Field  string         `json:"field"`  // facet and suggest
	Prefix string         `json:"prefix"` // suggest
}

func (r QueryRequest) query() query.Query {
	q := query.Query{Where: r.Where, Select: r.Select, Offset: r.Offset, Limit: r.Limit}
	for _, s := range r.Sort {
		q.Sort = append(q.Sort, query.SortKey{Field: s.Field, Value: s.Order})
	}
	return q
}

// BulkRequest is the body of a bulk request.
type BulkRequest struct {
	Operations []struct {
		Kind     store.BulkKind `json:"kind"`
		Model    string         `json:"model"`
		ID       string         `json:"id"`
		Document store.Document `json:"document"`
	} `json:"operations"`
}

// RegisterRoutes registers all HTTP routes
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Documents
	mux.HandleFunc("POST /api/v1/models/{model}/docs", h.Create)
	mux.HandleFunc("GET /api/v1/models/{model}/docs/{id}", h.Get)
	mux.HandleFunc("PUT /api/v1/models/{model}/docs/{id}", h.Put)
	mux.HandleFunc("PATCH /api/v1/models/{model}/docs/{id}", h.Patch)
	mux.HandleFunc("DELETE /api/v1/models/{model}/docs/{id}", h.Delete)

	// Queries
	mux.HandleFunc("POST /api/v1/models/{model}/query", h.Query)
	mux.HandleFunc("POST /api/v1/models/{model}/count", h.Count)
	mux.HandleFunc("POST /api/v1/models/{model}/facet", h.Facet)
	mux.HandleFunc("POST /api/v1/models/{model}/suggest", h.Suggest)

	mux.HandleFunc("POST /api/v1/bulk", h.Bulk)

	// Health check
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /api/v1/health", h.Health)
}

func (h *Handler) model(w http.ResponseWriter, r *http.Request) (*schema.Model, bool) {
	name := r.PathValue("model")
	m, ok := h.models.Get(name)
	if !ok || m.Embedded {
		h.writeError(w, http.StatusNotFound, "unknown model: "+name)
		return nil, false
	}
	return m, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// Get handles GET /api/v1/models/{model}/docs/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	m, ok := h.model(w, r)
	if !ok {
		return
	}

	doc, err := h.docs.Get(r.Context(), m, r.PathValue("id"))
	if err != nil {
		h.fail(w, "get", err)
		return
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: doc})
}

// Create handles POST /api/v1/models/{model}/docs
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	m, ok := h.model(w, r)
	if !ok {
		return
	}
	var doc store.Document
	if !h.decode(w, r, &doc) {
		return
	}

	created, err := h.docs.Create(r.Context(), m, doc)
	if err != nil {
		h.fail(w, "create", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, Response{Success: true, Data: created})
}

// Put handles PUT /api/v1/models/{model}/docs/{id}
func (h *Handler) Put(w http.ResponseWriter, r *http.Request) {
	m, ok := h.model(w, r)
	if !ok {
		return
	}
	var doc store.Document
	if !h.decode(w, r, &doc) {
		return
	}
	if doc == nil {
		doc = store.Document{}
	}
	doc[h.idField] = r.PathValue("id")

	saved, err := h.docs.Upsert(r.Context(), m, doc)
	if err != nil {
		h.fail(w, "upsert", err)
		return
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: saved})
}

// Patch handles PATCH /api/v1/models/{model}/docs/{id}
func (h *Handler) Patch(w http.ResponseWriter, r *http.Request) {
	m, ok := h.model(w, r)
	if !ok {
		return
	}
	var patch map[string]any
	if !h.decode(w, r, &patch) {
		return
	}

	doc, err := h.docs.UpdatePartial(r.Context(), m, r.PathValue("id"), patch)
	if err != nil {
		h.fail(w, "update", err)
		return
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: doc})
}

// Delete handles DELETE /api/v1/models/{model}/docs/{id}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	m, ok := h.model(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	if err := h.docs.Delete(r.Context(), m, id); err != nil {
		h.fail(w, "delete", err)
		return
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: map[string]string{"deleted": id}})
}

// Query handles POST /api/v1/models/{model}/query
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	m, ok := h.model(w, r)
	if !ok {
		return
	}
	var req QueryRequest
	if !h.decode(w, r, &req) {
		return
	}

	docs, err := h.docs.Query(r.Context(), m, req.query())
	if err != nil {
		h.fail(w, "query", err)
		return
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: docs})
}

// Count handles POST /api/v1/models/{model}/count
func (h *Handler) Count(w http.ResponseWriter, r *http.Request) {
	m, ok := h.model(w, r)
	if !ok {
		return
	}
	var req QueryRequest
	if !h.decode(w, r, &req) {
		return
	}

	n, err := h.docs.QueryCount(r.Context(), m, req.Where)
	if err != nil {
		h.fail(w, "count", err)
		return
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: map[string]int{"count": n}})
}

// Facet handles POST /api/v1/models/{model}/facet
func (h *Handler) Facet(w http.ResponseWriter, r *http.Request) {
	m, ok := h.model(w, r)
	if !ok {
		return
	}
	var req QueryRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Field == "" {
		h.writeError(w, http.StatusBadRequest, "field is required")
		return
	}

	buckets, err := h.docs.Facet(r.Context(), m, req.Field, req.query(), req.Limit)
	if err != nil {
		h.fail(w, "facet", err)
		return
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: buckets})
}

// Suggest handles POST /api/v1/models/{model}/suggest
func (h *Handler) Suggest(w http.ResponseWriter, r *http.Request) {
	m, ok := h.model(w, r)
	if !ok {
		return
	}
	var req QueryRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Field == "" {
		h.writeError(w, http.StatusBadRequest, "field is required")
		return
	}

	values, err := h.docs.SuggestValues(r.Context(), m, req.Field, req.Prefix, req.Limit)
	if err != nil {
		h.fail(w, "suggest", err)
		return
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: values})
}

// Bulk handles POST /api/v1/bulk
func (h *Handler) Bulk(w http.ResponseWriter, r *http.Request) {
	var req BulkRequest
	if !h.decode(w, r, &req) {
		return
	}

	ops := make([]store.BulkOperation, len(req.Operations))
	for i, op := range req.Operations {
		m, ok := h.models.Get(op.Model)
		if !ok {
			h.writeError(w, http.StatusBadRequest, "operations["+strconv.Itoa(i)+"]: unknown model: "+op.Model)
			return
		}
		ops[i] = store.BulkOperation{Kind: op.Kind, Model: m, ID: op.ID, Document: op.Document}
	}

	resp, err := h.docs.ProcessBulk(r.Context(), ops)
	if err != nil {
		h.fail(w, "bulk", err)
		return
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: resp})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]string{
			"status": "healthy",
		},
	})
}

// fail maps service errors onto status codes.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	var (
		unknown  *query.UnknownFieldError
		operator *query.OperatorError
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrAlreadyExists), errors.Is(err, store.ErrMultipleResults):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &unknown), errors.As(err, &operator):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error(op+" failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, Response{
		Success: false,
		Error:   message,
	})
}
