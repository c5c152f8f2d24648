package engine

import (
	"context"
	"encoding/json"
	"time"
)

// Client is the set of search engine operations the adapter depends on.
// Request bodies are plain maps that are JSON encoded by the implementation.
type Client interface {
	// Get fetches a single document. Returns ErrNotFound when it does not exist.
	Get(ctx context.Context, index, id string) (*GetResult, error)

	// Index writes a whole document. OpType "create" fails with ErrVersionConflict on duplicates.
	Index(ctx context.Context, req IndexRequest) (*WriteResult, error)

	// Update applies a doc or script update. Returns ErrNotFound when the document is missing.
	Update(ctx context.Context, req UpdateRequest) (*WriteResult, error)

	// Delete removes a document. Returns ErrNotFound when it does not exist.
	Delete(ctx context.Context, index, id string, refresh string) (*WriteResult, error)

	// Search runs a query. A non-zero Scroll keeps a cursor open for Scroll calls.
	Search(ctx context.Context, req SearchRequest) (*SearchResult, error)

	// Scroll fetches the next page of an open cursor.
	Scroll(ctx context.Context, scrollID string, keepAlive time.Duration) (*SearchResult, error)

	// ClearScroll releases a cursor.
	ClearScroll(ctx context.Context, scrollID string) error

	// Count counts documents matching body["query"].
	Count(ctx context.Context, index string, body map[string]any) (int, error)

	// Bulk submits items in one request. Result items are in input order.
	Bulk(ctx context.Context, items []BulkItem, refresh string) (*BulkResult, error)

	// DeleteByQuery deletes matching documents and returns how many were deleted.
	DeleteByQuery(ctx context.Context, index string, body map[string]any) (int, error)

	// UpdateByQuery runs a script over matching documents and returns how many were updated.
	UpdateByQuery(ctx context.Context, index string, body map[string]any) (int, error)

	// Exists reports whether an index or alias with the given name exists.
	Exists(ctx context.Context, name string) (bool, error)

	// CreateIndex creates a physical index.
	CreateIndex(ctx context.Context, name string, body map[string]any) error

	// DeleteIndex deletes indices by name or wildcard pattern.
	DeleteIndex(ctx context.Context, names ...string) error

	// PutMapping applies an additive mapping update.
	PutMapping(ctx context.Context, indices []string, body map[string]any) error

	// GetAlias returns index -> aliases for the given alias name.
	GetAlias(ctx context.Context, alias string) (map[string][]string, error)

	// PutAlias binds an alias to an index.
	PutAlias(ctx context.Context, index, alias string) error

	// UpdateAliases applies all actions atomically.
	UpdateAliases(ctx context.Context, actions []AliasAction) error

	// CatAliases lists every alias to index binding.
	CatAliases(ctx context.Context) ([]AliasBinding, error)

	// Reindex starts a server side reindex and returns its task id.
	Reindex(ctx context.Context, body map[string]any) (string, error)

	// Task returns the status of a background task.
	Task(ctx context.Context, taskID string) (*TaskStatus, error)
}

// GetResult is a fetched document.
type GetResult struct {
	Index       string
	ID          string
	SeqNo       int64
	PrimaryTerm int64
	Source      json.RawMessage
}

// IndexRequest writes a full document.
type IndexRequest struct {
	Index   string
	ID      string
	Body    map[string]any
	OpType  string // "create" or "" (index)
	Refresh string
}

// UpdateRequest applies a partial update. Body is {"doc": ...} or {"script": ...}.
type UpdateRequest struct {
	Index         string
	ID            string
	Body          map[string]any
	Refresh       string
	IfSeqNo       *int64
	IfPrimaryTerm *int64
}

// WriteResult is the engine acknowledgement of a single write.
type WriteResult struct {
	Index  string
	ID     string
	Result string // created, updated, deleted, noop, not_found
}

// SearchRequest is a query against an index or alias.
type SearchRequest struct {
	Index  string
	Body   map[string]any
	Scroll time.Duration
}

// SearchResult is one page of hits.
type SearchResult struct {
	ScrollID     string
	Total        int
	Hits         []Hit
	Aggregations map[string]json.RawMessage
}

// Hit is a single search hit.
type Hit struct {
	Index  string
	ID     string
	Score  float64
	Source json.RawMessage
}

// BulkItem is one action of a bulk request.
type BulkItem struct {
	Action string // create, index, update, delete
	Index  string
	ID     string
	Body   map[string]any // nil for delete
}

// BulkResult holds per item outcomes in request order.
type BulkResult struct {
	Errors bool
	Items  []BulkItemResult
}

// BulkItemResult is the outcome of one bulk item.
type BulkItemResult struct {
	Action string
	Index  string
	ID     string
	Status int
	Result string
	Error  *Error
}

// AliasAction is one entry of an atomic alias update.
type AliasAction struct {
	Kind  string // add, remove, remove_index
	Index string
	Alias string
}

// AliasAction kinds.
const (
	AliasAdd         = "add"
	AliasRemove      = "remove"
	AliasRemoveIndex = "remove_index"
)

// AliasBinding is one row of the alias listing.
type AliasBinding struct {
	Alias string
	Index string
}

// TaskStatus reports background task progress.
type TaskStatus struct {
	Completed bool
	Failures  []Error
	Err       *Error
}
