package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryClient 内存搜索引擎（用于测试和本地运行）
// It supports the subset of the query DSL and painless statements the adapter emits.
type MemoryClient struct {
	mu      sync.Mutex
	indices map[string]*memIndex
	scrolls map[string][]Hit
	pages   map[string]int
	tasks   map[string]*TaskStatus
	seq     int64

	// Fail injects an error for the named operation, e.g. "Reindex" or "UpdateAliases".
	Fail map[string]error

	// AliasHistory records alias -> bound index count after every alias change.
	AliasHistory []map[string]int
}

type memIndex struct {
	name    string
	body    map[string]any
	aliases map[string]bool
	docs    map[string]*memDoc
	order   []string
}

type memDoc struct {
	source      map[string]any
	seqNo       int64
	primaryTerm int64
}

var _ Client = (*MemoryClient)(nil)

// NewMemoryClient creates an empty in-memory engine
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		indices: make(map[string]*memIndex),
		scrolls: make(map[string][]Hit),
		pages:   make(map[string]int),
		tasks:   make(map[string]*TaskStatus),
		Fail:    make(map[string]error),
	}
}

// Docs returns the sources stored in the named index or alias (test helper).
func (c *MemoryClient) Docs(name string) map[string]map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make(map[string]map[string]any)
	for _, idx := range c.resolve(name) {
		for id, doc := range idx.docs {
			result[id] = cloneMap(doc.source)
		}
	}
	return result
}

// IndexBody returns the creation body (settings and mappings) of an index (test helper).
func (c *MemoryClient) IndexBody(name string) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	if idx, ok := c.indices[name]; ok {
		return cloneMap(idx.body)
	}
	return nil
}

func (c *MemoryClient) fail(op string) error {
	if err, ok := c.Fail[op]; ok {
		return err
	}
	return nil
}

func (c *MemoryClient) nextSeq() int64 {
	c.seq++
	return c.seq
}

// resolve returns indices matching an index name, alias or wildcard pattern.
func (c *MemoryClient) resolve(name string) []*memIndex {
	if idx, ok := c.indices[name]; ok {
		return []*memIndex{idx}
	}

	var result []*memIndex
	for _, idx := range c.sortedIndices() {
		if idx.aliases[name] {
			result = append(result, idx)
			continue
		}
		if ok, _ := path.Match(name, idx.name); ok {
			result = append(result, idx)
		}
	}
	return result
}

func (c *MemoryClient) sortedIndices() []*memIndex {
	names := make([]string, 0, len(c.indices))
	for name := range c.indices {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]*memIndex, 0, len(names))
	for _, name := range names {
		result = append(result, c.indices[name])
	}
	return result
}

// writeIndex resolves the single index a write goes to, creating it on demand.
func (c *MemoryClient) writeIndex(name string) (*memIndex, error) {
	targets := c.resolve(name)
	switch len(targets) {
	case 0:
		idx := newMemIndex(name, nil)
		c.indices[name] = idx
		return idx, nil
	case 1:
		return targets[0], nil
	default:
		return nil, &Error{Status: 400, Type: "illegal_argument_exception", Reason: fmt.Sprintf("alias [%s] has more than one index", name)}
	}
}

func newMemIndex(name string, body map[string]any) *memIndex {
	if body == nil {
		body = map[string]any{}
	}
	return &memIndex{
		name:    name,
		body:    body,
		aliases: make(map[string]bool),
		docs:    make(map[string]*memDoc),
	}
}

func (idx *memIndex) put(id string, source map[string]any, seq int64) {
	if _, ok := idx.docs[id]; !ok {
		idx.order = append(idx.order, id)
	}
	idx.docs[id] = &memDoc{source: source, seqNo: seq, primaryTerm: 1}
}

func (idx *memIndex) remove(id string) {
	delete(idx.docs, id)
	for i, v := range idx.order {
		if v == id {
			idx.order = append(idx.order[:i], idx.order[i+1:]...)
			break
		}
	}
}

func indexNotFound(name string) error {
	return &Error{Status: 404, Type: TypeIndexNotFound, Reason: "no such index [" + name + "]"}
}

// Get retrieves a document by ID
func (c *MemoryClient) Get(_ context.Context, index, id string) (*GetResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fail("Get"); err != nil {
		return nil, err
	}

	targets := c.resolve(index)
	if len(targets) == 0 {
		return nil, indexNotFound(index)
	}
	for _, idx := range targets {
		if doc, ok := idx.docs[id]; ok {
			source, _ := json.Marshal(doc.source)
			return &GetResult{Index: idx.name, ID: id, SeqNo: doc.seqNo, PrimaryTerm: doc.primaryTerm, Source: source}, nil
		}
	}
	return nil, ErrNotFound
}

// Index stores a whole document
func (c *MemoryClient) Index(_ context.Context, req IndexRequest) (*WriteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fail("Index"); err != nil {
		return nil, err
	}
	return c.index(req.Index, req.ID, req.OpType, req.Body)
}

func (c *MemoryClient) index(name, id, opType string, body map[string]any) (*WriteResult, error) {
	idx, err := c.writeIndex(name)
	if err != nil {
		return nil, err
	}

	if id == "" {
		id = "auto_" + strconv.FormatInt(c.nextSeq(), 10)
	}

	_, exists := idx.docs[id]
	if exists && opType == "create" {
		return nil, &Error{Status: 409, Type: TypeVersionConflict, Reason: "[" + id + "]: version conflict, document already exists"}
	}

	source, err := normalize(body)
	if err != nil {
		return nil, err
	}
	idx.put(id, source, c.nextSeq())

	result := "created"
	if exists {
		result = "updated"
	}
	return &WriteResult{Index: idx.name, ID: id, Result: result}, nil
}

// Update applies a doc or script update
func (c *MemoryClient) Update(_ context.Context, req UpdateRequest) (*WriteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fail("Update"); err != nil {
		return nil, err
	}

	idx, doc, err := c.findDoc(req.Index, req.ID)
	if err != nil {
		return nil, err
	}
	if req.IfSeqNo != nil && req.IfPrimaryTerm != nil {
		if *req.IfSeqNo != doc.seqNo || *req.IfPrimaryTerm != doc.primaryTerm {
			return nil, &Error{Status: 409, Type: TypeVersionConflict, Reason: "[" + req.ID + "]: version conflict"}
		}
	}

	if err := c.applyUpdate(idx, req.ID, doc, req.Body); err != nil {
		return nil, err
	}
	return &WriteResult{Index: idx.name, ID: req.ID, Result: "updated"}, nil
}

func (c *MemoryClient) findDoc(name, id string) (*memIndex, *memDoc, error) {
	for _, idx := range c.resolve(name) {
		if doc, ok := idx.docs[id]; ok {
			return idx, doc, nil
		}
	}
	return nil, nil, &Error{Status: 404, Type: TypeDocumentMissing, Reason: "[" + id + "]: document missing"}
}

func (c *MemoryClient) applyUpdate(idx *memIndex, id string, doc *memDoc, body map[string]any) error {
	source := cloneMap(doc.source)

	body, err := normalize(body)
	if err != nil {
		return err
	}
	if partial, ok := body["doc"].(map[string]any); ok {
		deepMerge(source, partial)
	}

	if script, ok := body["script"].(map[string]any); ok {
		if err := runScript(script, source); err != nil {
			return err
		}
	}

	idx.put(id, source, c.nextSeq())
	return nil
}

// Delete deletes a document by ID
func (c *MemoryClient) Delete(_ context.Context, index, id string, _ string) (*WriteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fail("Delete"); err != nil {
		return nil, err
	}

	for _, idx := range c.resolve(index) {
		if _, ok := idx.docs[id]; ok {
			idx.remove(id)
			return &WriteResult{Index: idx.name, ID: id, Result: "deleted"}, nil
		}
	}
	return nil, ErrNotFound
}

// Search runs a query over every index the name resolves to
func (c *MemoryClient) Search(_ context.Context, req SearchRequest) (*SearchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fail("Search"); err != nil {
		return nil, err
	}

	targets := c.resolve(req.Index)
	if len(targets) == 0 {
		return nil, indexNotFound(req.Index)
	}

	body, err := normalize(req.Body)
	if err != nil {
		return nil, err
	}

	hits, err := c.match(targets, body["query"])
	if err != nil {
		return nil, err
	}

	result := &SearchResult{Total: len(hits)}

	if aggs := aggregationsOf(body); aggs != nil {
		result.Aggregations, err = aggregate(aggs, hits)
		if err != nil {
			return nil, err
		}
	}

	if err := sortHits(hits, body["sort"]); err != nil {
		return nil, err
	}

	from, size := intOf(body["from"], 0), intOf(body["size"], 10)
	if from > len(hits) {
		from = len(hits)
	}
	hits = hits[from:]

	page := make([]Hit, 0, size)
	for i := 0; i < len(hits) && i < size; i++ {
		page = append(page, toHit(hits[i], body["_source"]))
	}
	result.Hits = page

	if req.Scroll > 0 {
		rest := make([]Hit, 0)
		for i := len(page); i < len(hits); i++ {
			rest = append(rest, toHit(hits[i], body["_source"]))
		}
		id := "scroll_" + strconv.FormatInt(c.nextSeq(), 10)
		c.scrolls[id] = rest
		c.pages[id] = size
		result.ScrollID = id
	}

	return result, nil
}

// Scroll returns the next page of an open cursor
func (c *MemoryClient) Scroll(_ context.Context, scrollID string, _ time.Duration) (*SearchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fail("Scroll"); err != nil {
		return nil, err
	}

	rest, ok := c.scrolls[scrollID]
	if !ok {
		return nil, &Error{Status: 404, Type: "search_context_missing_exception", Reason: "no search context found for id [" + scrollID + "]"}
	}

	size := c.pages[scrollID]
	if size > len(rest) {
		size = len(rest)
	}
	c.scrolls[scrollID] = rest[size:]
	return &SearchResult{ScrollID: scrollID, Hits: rest[:size]}, nil
}

// ClearScroll releases a cursor
func (c *MemoryClient) ClearScroll(_ context.Context, scrollID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.scrolls, scrollID)
	delete(c.pages, scrollID)
	return nil
}

// OpenScrolls returns the number of cursors not yet cleared (test helper).
func (c *MemoryClient) OpenScrolls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.scrolls)
}

// Count counts documents matching the query
func (c *MemoryClient) Count(_ context.Context, index string, body map[string]any) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fail("Count"); err != nil {
		return 0, err
	}

	targets := c.resolve(index)
	if len(targets) == 0 {
		return 0, indexNotFound(index)
	}
	body, err := normalize(body)
	if err != nil {
		return 0, err
	}
	hits, err := c.match(targets, body["query"])
	if err != nil {
		return 0, err
	}
	return len(hits), nil
}

// Bulk processes every item in order
func (c *MemoryClient) Bulk(_ context.Context, items []BulkItem, _ string) (*BulkResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fail("Bulk"); err != nil {
		return nil, err
	}

	result := &BulkResult{Items: make([]BulkItemResult, 0, len(items))}
	for _, item := range items {
		r := c.bulkItem(item)
		if r.Error != nil || r.Status >= 300 {
			result.Errors = true
		}
		result.Items = append(result.Items, r)
	}
	return result, nil
}

func (c *MemoryClient) bulkItem(item BulkItem) BulkItemResult {
	r := BulkItemResult{Action: item.Action, Index: item.Index, ID: item.ID}

	switch item.Action {
	case "create", "index":
		opType := ""
		if item.Action == "create" {
			opType = "create"
		}
		w, err := c.index(item.Index, item.ID, opType, item.Body)
		if err != nil {
			return withError(r, err)
		}
		r.Index, r.ID, r.Result = w.Index, w.ID, w.Result
		r.Status = 200
		if w.Result == "created" {
			r.Status = 201
		}
	case "update":
		idx, doc, err := c.findDoc(item.Index, item.ID)
		if err == nil {
			err = c.applyUpdate(idx, item.ID, doc, item.Body)
		}
		if err != nil {
			return withError(r, err)
		}
		r.Index, r.Result, r.Status = idx.name, "updated", 200
	case "delete":
		for _, idx := range c.resolve(item.Index) {
			if _, ok := idx.docs[item.ID]; ok {
				idx.remove(item.ID)
				r.Index, r.Result, r.Status = idx.name, "deleted", 200
				return r
			}
		}
		r.Result, r.Status = TypeNotFound, 404
	default:
		return withError(r, &Error{Status: 400, Type: "illegal_argument_exception", Reason: "unknown action [" + item.Action + "]"})
	}
	return r
}

func withError(r BulkItemResult, err error) BulkItemResult {
	e, ok := err.(*Error)
	if !ok {
		e = &Error{Status: 500, Type: "exception", Reason: err.Error()}
	}
	r.Status = e.Status
	r.Error = e
	return r
}

// DeleteByQuery deletes every matching document
func (c *MemoryClient) DeleteByQuery(_ context.Context, index string, body map[string]any) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fail("DeleteByQuery"); err != nil {
		return 0, err
	}

	targets := c.resolve(index)
	if len(targets) == 0 {
		return 0, indexNotFound(index)
	}
	body, err := normalize(body)
	if err != nil {
		return 0, err
	}
	hits, err := c.match(targets, body["query"])
	if err != nil {
		return 0, err
	}
	for _, h := range hits {
		h.idx.remove(h.id)
	}
	return len(hits), nil
}

// UpdateByQuery runs the body script over every matching document
func (c *MemoryClient) UpdateByQuery(_ context.Context, index string, body map[string]any) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fail("UpdateByQuery"); err != nil {
		return 0, err
	}

	targets := c.resolve(index)
	if len(targets) == 0 {
		return 0, indexNotFound(index)
	}
	body, err := normalize(body)
	if err != nil {
		return 0, err
	}
	hits, err := c.match(targets, body["query"])
	if err != nil {
		return 0, err
	}

	script, _ := body["script"].(map[string]any)
	for _, h := range hits {
		if err := c.applyUpdate(h.idx, h.id, h.idx.docs[h.id], map[string]any{"script": script}); err != nil {
			return 0, err
		}
	}
	return len(hits), nil
}

// Exists reports whether an index or alias exists
func (c *MemoryClient) Exists(_ context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fail("Exists"); err != nil {
		return false, err
	}
	return len(c.resolve(name)) > 0, nil
}

// CreateIndex creates an index, binding any aliases named in the body
func (c *MemoryClient) CreateIndex(_ context.Context, name string, body map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fail("CreateIndex"); err != nil {
		return err
	}
	if _, ok := c.indices[name]; ok {
		return &Error{Status: 400, Type: TypeAlreadyExists, Reason: "index [" + name + "] already exists"}
	}

	normalized, err := normalize(body)
	if err != nil {
		return err
	}
	idx := newMemIndex(name, normalized)
	if aliases, ok := normalized["aliases"].(map[string]any); ok {
		for alias := range aliases {
			idx.aliases[alias] = true
		}
	}
	c.indices[name] = idx
	if len(idx.aliases) > 0 {
		c.recordAliases()
	}
	return nil
}

// DeleteIndex deletes indices by name or pattern
func (c *MemoryClient) DeleteIndex(_ context.Context, names ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fail("DeleteIndex"); err != nil {
		return err
	}

	for _, name := range names {
		if _, ok := c.indices[name]; ok {
			delete(c.indices, name)
			continue
		}
		matched := false
		for _, idx := range c.sortedIndices() {
			if ok, _ := path.Match(name, idx.name); ok {
				delete(c.indices, idx.name)
				matched = true
			}
		}
		if !matched && !isPattern(name) {
			return indexNotFound(name)
		}
	}
	c.recordAliases()
	return nil
}

// PutMapping merges new properties into the index mappings
func (c *MemoryClient) PutMapping(_ context.Context, indices []string, body map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fail("PutMapping"); err != nil {
		return err
	}

	normalized, err := normalize(body)
	if err != nil {
		return err
	}
	for _, name := range indices {
		targets := c.resolve(name)
		if len(targets) == 0 {
			return indexNotFound(name)
		}
		for _, idx := range targets {
			mappings, _ := idx.body["mappings"].(map[string]any)
			if mappings == nil {
				mappings = map[string]any{}
				idx.body["mappings"] = mappings
			}
			deepMerge(mappings, cloneMap(normalized))
		}
	}
	return nil
}

// GetAlias returns index -> aliases for the alias
func (c *MemoryClient) GetAlias(_ context.Context, alias string) (map[string][]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make(map[string][]string)
	for _, idx := range c.sortedIndices() {
		if idx.aliases[alias] {
			result[idx.name] = append(result[idx.name], alias)
		}
	}
	if len(result) == 0 {
		return nil, &Error{Status: 404, Type: "aliases_not_found_exception", Reason: "aliases [" + alias + "] missing"}
	}
	return result, nil
}

// PutAlias binds an alias to an index
func (c *MemoryClient) PutAlias(_ context.Context, index, alias string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fail("PutAlias"); err != nil {
		return err
	}
	idx, ok := c.indices[index]
	if !ok {
		return indexNotFound(index)
	}
	idx.aliases[alias] = true
	c.recordAliases()
	return nil
}

// UpdateAliases validates every action and then applies them together
func (c *MemoryClient) UpdateAliases(_ context.Context, actions []AliasAction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fail("UpdateAliases"); err != nil {
		return err
	}

	for _, a := range actions {
		if _, ok := c.indices[a.Index]; !ok {
			return indexNotFound(a.Index)
		}
	}
	for _, a := range actions {
		switch a.Kind {
		case AliasAdd:
			c.indices[a.Index].aliases[a.Alias] = true
		case AliasRemove:
			delete(c.indices[a.Index].aliases, a.Alias)
		case AliasRemoveIndex:
			delete(c.indices, a.Index)
		default:
			return &Error{Status: 400, Type: "illegal_argument_exception", Reason: "unknown alias action [" + a.Kind + "]"}
		}
	}
	c.recordAliases()
	return nil
}

func (c *MemoryClient) recordAliases() {
	counts := make(map[string]int)
	for _, idx := range c.indices {
		for alias := range idx.aliases {
			counts[alias]++
		}
	}
	c.AliasHistory = append(c.AliasHistory, counts)
}

// CatAliases lists every binding sorted by alias then index
func (c *MemoryClient) CatAliases(_ context.Context) ([]AliasBinding, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fail("CatAliases"); err != nil {
		return nil, err
	}

	var bindings []AliasBinding
	for _, idx := range c.sortedIndices() {
		for alias := range idx.aliases {
			bindings = append(bindings, AliasBinding{Alias: alias, Index: idx.name})
		}
	}
	sort.Slice(bindings, func(i, j int) bool {
		if bindings[i].Alias != bindings[j].Alias {
			return bindings[i].Alias < bindings[j].Alias
		}
		return bindings[i].Index < bindings[j].Index
	})
	return bindings, nil
}

// Reindex copies documents synchronously and registers a completed task
func (c *MemoryClient) Reindex(_ context.Context, body map[string]any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fail("Reindex"); err != nil {
		return "", err
	}

	body, err := normalize(body)
	if err != nil {
		return "", err
	}
	source, _ := body["source"].(map[string]any)
	dest, _ := body["dest"].(map[string]any)
	destName, _ := dest["index"].(string)

	var sources []string
	switch v := source["index"].(type) {
	case string:
		sources = []string{v}
	case []string:
		sources = v
	case []any:
		for _, s := range v {
			if name, ok := s.(string); ok {
				sources = append(sources, name)
			}
		}
	}

	target, ok := c.indices[destName]
	if !ok {
		return "", indexNotFound(destName)
	}

	script, _ := body["script"].(map[string]any)
	for _, name := range sources {
		for _, idx := range c.resolve(name) {
			for _, id := range idx.order {
				doc := cloneMap(idx.docs[id].source)
				if script != nil {
					if err := runScript(script, doc); err != nil {
						return "", err
					}
				}
				target.put(id, doc, c.nextSeq())
			}
		}
	}

	taskID := "node:" + strconv.FormatInt(c.nextSeq(), 10)
	status := &TaskStatus{Completed: true}
	if err := c.fail("Task"); err != nil {
		if e, ok := err.(*Error); ok {
			status.Err = e
		}
	}
	c.tasks[taskID] = status
	return taskID, nil
}

// Task returns a registered task
func (c *MemoryClient) Task(_ context.Context, taskID string) (*TaskStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status, ok := c.tasks[taskID]
	if !ok {
		return nil, &Error{Status: 404, Type: "resource_not_found_exception", Reason: "task [" + taskID + "] isn't running and hasn't stored its results"}
	}
	return status, nil
}

func isPattern(name string) bool {
	for _, r := range name {
		if r == '*' || r == '?' {
			return true
		}
	}
	return false
}

func normalize(v map[string]any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return out, nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				deepMerge(dv, sv)
				continue
			}
		}
		dst[k] = v
	}
}

func intOf(v any, def int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}
