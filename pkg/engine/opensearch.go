package engine

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/opensearch-project/opensearch-go/v4"
	"github.com/opensearch-project/opensearch-go/v4/opensearchapi"
)

// OpenSearchConfig holds OpenSearch connection configuration
type OpenSearchConfig struct {
	Addresses   []string `toml:"addresses"`
	Username    string   `toml:"username"`
	Password    string   `toml:"password"`
	InsecureSSL bool     `toml:"insecure_ssl"`
}

// Validate checks OpenSearch configuration
func (c *OpenSearchConfig) Validate() error {
	if len(c.Addresses) == 0 {
		return fmt.Errorf("addresses is required")
	}
	for _, addr := range c.Addresses {
		if _, err := url.Parse(addr); err != nil {
			return fmt.Errorf("invalid address %q: %w", addr, err)
		}
	}
	return nil
}

// OpenSearchClient implements Client on top of opensearch-go.
type OpenSearchClient struct {
	client *opensearchapi.Client
}

var _ Client = (*OpenSearchClient)(nil)

// NewOpenSearchClient creates a new OpenSearch client
func NewOpenSearchClient(cfg OpenSearchConfig) (*OpenSearchClient, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	client, err := opensearchapi.NewClient(opensearchapi.Config{
		Client: opensearch.Config{
			Addresses: cfg.Addresses,
			Username:  cfg.Username,
			Password:  cfg.Password,
			Transport: transport,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenSearch client: %w", err)
	}

	return &OpenSearchClient{client: client}, nil
}

// Get retrieves a document by ID
func (c *OpenSearchClient) Get(ctx context.Context, index, id string) (*GetResult, error) {
	resp, err := c.client.Document.Get(ctx, opensearchapi.DocumentGetReq{
		Index:      index,
		DocumentID: id,
	})
	if err != nil {
		return nil, classify(err, statusOf(resp))
	}
	if !resp.Found {
		return nil, ErrNotFound
	}

	return &GetResult{
		Index:       resp.Index,
		ID:          resp.ID,
		SeqNo:       int64(resp.SeqNo),
		PrimaryTerm: int64(resp.PrimaryTerm),
		Source:      resp.Source,
	}, nil
}

// Index stores a whole document
func (c *OpenSearchClient) Index(ctx context.Context, req IndexRequest) (*WriteResult, error) {
	body, err := json.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}

	resp, err := c.client.Index(ctx, opensearchapi.IndexReq{
		Index:      req.Index,
		DocumentID: req.ID,
		Body:       bytes.NewReader(body),
		Params:     opensearchapi.IndexParams{Refresh: req.Refresh, OpType: req.OpType},
	})
	if err != nil {
		return nil, classify(err, statusOf(resp))
	}

	return &WriteResult{Index: resp.Index, ID: resp.ID, Result: resp.Result}, nil
}

// Update applies a doc or script update
func (c *OpenSearchClient) Update(ctx context.Context, req UpdateRequest) (*WriteResult, error) {
	body, err := json.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal update: %w", err)
	}

	params := opensearchapi.UpdateParams{Refresh: req.Refresh}
	if req.IfSeqNo != nil && req.IfPrimaryTerm != nil {
		params.IfSeqNo = opensearchapi.ToPointer(int(*req.IfSeqNo))
		params.IfPrimaryTerm = opensearchapi.ToPointer(int(*req.IfPrimaryTerm))
	}

	resp, err := c.client.Update(ctx, opensearchapi.UpdateReq{
		Index:      req.Index,
		DocumentID: req.ID,
		Body:       bytes.NewReader(body),
		Params:     params,
	})
	if err != nil {
		return nil, classify(err, statusOf(resp))
	}

	return &WriteResult{Index: resp.Index, ID: resp.ID, Result: resp.Result}, nil
}

// Delete deletes a document by ID
func (c *OpenSearchClient) Delete(ctx context.Context, index, id string, refresh string) (*WriteResult, error) {
	resp, err := c.client.Document.Delete(ctx, opensearchapi.DocumentDeleteReq{
		Index:      index,
		DocumentID: id,
		Params:     opensearchapi.DocumentDeleteParams{Refresh: refresh},
	})
	if err != nil {
		return nil, classify(err, statusOf(resp))
	}
	if resp.Result == TypeNotFound {
		return nil, ErrNotFound
	}

	return &WriteResult{Index: resp.Index, ID: resp.ID, Result: resp.Result}, nil
}

// Search runs a query, optionally opening a scroll cursor
func (c *OpenSearchClient) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	body, err := json.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	resp, err := c.client.Search(ctx, &opensearchapi.SearchReq{
		Indices: []string{req.Index},
		Body:    bytes.NewReader(body),
		Params:  opensearchapi.SearchParams{Scroll: req.Scroll},
	})
	if err != nil {
		return nil, classify(err, statusOf(resp))
	}

	result := &SearchResult{Total: resp.Hits.Total.Value}
	if resp.ScrollID != nil {
		result.ScrollID = *resp.ScrollID
	}
	for _, hit := range resp.Hits.Hits {
		result.Hits = append(result.Hits, Hit{
			Index:  hit.Index,
			ID:     hit.ID,
			Score:  float64(hit.Score),
			Source: hit.Source,
		})
	}
	if len(resp.Aggregations) > 0 {
		if err := json.Unmarshal(resp.Aggregations, &result.Aggregations); err != nil {
			return nil, fmt.Errorf("failed to decode aggregations: %w", err)
		}
	}

	return result, nil
}

// Scroll fetches the next page of a scroll cursor
func (c *OpenSearchClient) Scroll(ctx context.Context, scrollID string, keepAlive time.Duration) (*SearchResult, error) {
	resp, err := c.client.Scroll.Get(ctx, opensearchapi.ScrollGetReq{
		ScrollID: scrollID,
		Params:   opensearchapi.ScrollGetParams{Scroll: keepAlive},
	})
	if err != nil {
		return nil, classify(err, statusOf(resp))
	}

	result := &SearchResult{Total: resp.Hits.Total.Value}
	if resp.ScrollID != nil {
		result.ScrollID = *resp.ScrollID
	}
	for _, hit := range resp.Hits.Hits {
		result.Hits = append(result.Hits, Hit{
			Index:  hit.Index,
			ID:     hit.ID,
			Score:  float64(hit.Score),
			Source: hit.Source,
		})
	}

	return result, nil
}

// ClearScroll releases a scroll cursor
func (c *OpenSearchClient) ClearScroll(ctx context.Context, scrollID string) error {
	if scrollID == "" {
		return nil
	}
	resp, err := c.client.Scroll.Delete(ctx, opensearchapi.ScrollDeleteReq{ScrollIDs: []string{scrollID}})
	if err != nil {
		return classify(err, statusOf(resp))
	}
	return nil
}

// Count counts documents matching the query
func (c *OpenSearchClient) Count(ctx context.Context, index string, body map[string]any) (int, error) {
	queryBody, err := json.Marshal(map[string]any{"query": body["query"]})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal query: %w", err)
	}

	resp, err := c.client.Search(ctx, &opensearchapi.SearchReq{
		Indices: []string{index},
		Body:    bytes.NewReader(queryBody),
		Params: opensearchapi.SearchParams{
			Size:           opensearchapi.ToPointer(0),
			TrackTotalHits: true,
		},
	})
	if err != nil {
		return 0, classify(err, statusOf(resp))
	}

	return resp.Hits.Total.Value, nil
}

// Bulk submits all items in one _bulk request
func (c *OpenSearchClient) Bulk(ctx context.Context, items []BulkItem, refresh string) (*BulkResult, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, item := range items {
		meta := map[string]any{"_index": item.Index}
		if item.ID != "" {
			meta["_id"] = item.ID
		}
		if err := enc.Encode(map[string]any{item.Action: meta}); err != nil {
			return nil, fmt.Errorf("failed to encode bulk action: %w", err)
		}
		if item.Action == "delete" {
			continue
		}
		if err := enc.Encode(item.Body); err != nil {
			return nil, fmt.Errorf("failed to encode bulk payload: %w", err)
		}
	}

	query := url.Values{}
	if refresh != "" {
		query.Set("refresh", refresh)
	}

	var raw struct {
		Errors bool                         `json:"errors"`
		Items  []map[string]json.RawMessage `json:"items"`
	}
	if err := c.perform(ctx, http.MethodPost, "/_bulk", query, &buf, "application/x-ndjson", &raw); err != nil {
		return nil, err
	}

	result := &BulkResult{Errors: raw.Errors, Items: make([]BulkItemResult, 0, len(raw.Items))}
	for _, entry := range raw.Items {
		for action, body := range entry {
			var item struct {
				Index  string `json:"_index"`
				ID     string `json:"_id"`
				Status int    `json:"status"`
				Result string `json:"result"`
				Error  *Error `json:"error"`
			}
			if err := json.Unmarshal(body, &item); err != nil {
				return nil, fmt.Errorf("failed to decode bulk item: %w", err)
			}
			if item.Error != nil {
				item.Error.Status = item.Status
			}
			result.Items = append(result.Items, BulkItemResult{
				Action: action,
				Index:  item.Index,
				ID:     item.ID,
				Status: item.Status,
				Result: item.Result,
				Error:  item.Error,
			})
		}
	}

	return result, nil
}

// DeleteByQuery deletes documents matching the query
func (c *OpenSearchClient) DeleteByQuery(ctx context.Context, index string, body map[string]any) (int, error) {
	queryBody, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal query: %w", err)
	}

	resp, err := c.client.Document.DeleteByQuery(ctx, opensearchapi.DocumentDeleteByQueryReq{
		Indices: []string{index},
		Body:    bytes.NewReader(queryBody),
		Params:  opensearchapi.DocumentDeleteByQueryParams{Refresh: opensearchapi.ToPointer(true)},
	})
	if err != nil {
		return 0, classify(err, statusOf(resp))
	}

	return resp.Deleted, nil
}

// UpdateByQuery runs a script over every matching document
func (c *OpenSearchClient) UpdateByQuery(ctx context.Context, index string, body map[string]any) (int, error) {
	var resp struct {
		Updated int `json:"updated"`
	}
	query := url.Values{"refresh": {"true"}, "conflicts": {"proceed"}}
	if err := c.performJSON(ctx, http.MethodPost, "/"+index+"/_update_by_query", query, body, &resp); err != nil {
		return 0, err
	}
	return resp.Updated, nil
}

// Exists reports whether an index or alias exists
func (c *OpenSearchClient) Exists(ctx context.Context, name string) (bool, error) {
	resp, err := c.client.Indices.Exists(ctx, opensearchapi.IndicesExistsReq{Indices: []string{name}})
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, classify(err, 0)
	}
	return true, nil
}

// CreateIndex creates a physical index
func (c *OpenSearchClient) CreateIndex(ctx context.Context, name string, body map[string]any) error {
	indexBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal index body: %w", err)
	}

	resp, err := c.client.Indices.Create(ctx, opensearchapi.IndicesCreateReq{
		Index: name,
		Body:  bytes.NewReader(indexBody),
	})
	if err != nil {
		return classify(err, statusOf(resp))
	}
	return nil
}

// DeleteIndex deletes indices by name or pattern
func (c *OpenSearchClient) DeleteIndex(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	resp, err := c.client.Indices.Delete(ctx, opensearchapi.IndicesDeleteReq{Indices: names})
	if err != nil {
		return classify(err, statusOf(resp))
	}
	return nil
}

// PutMapping applies an additive mapping update
func (c *OpenSearchClient) PutMapping(ctx context.Context, indices []string, body map[string]any) error {
	mappingBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal mapping: %w", err)
	}

	resp, err := c.client.Indices.Mapping.Put(ctx, opensearchapi.MappingPutReq{
		Indices: indices,
		Body:    bytes.NewReader(mappingBody),
	})
	if err != nil {
		return classify(err, statusOf(resp))
	}
	return nil
}

// GetAlias returns the indices bound to an alias
func (c *OpenSearchClient) GetAlias(ctx context.Context, alias string) (map[string][]string, error) {
	var raw map[string]struct {
		Aliases map[string]json.RawMessage `json:"aliases"`
	}
	if err := c.performJSON(ctx, http.MethodGet, "/_alias/"+alias, nil, nil, &raw); err != nil {
		return nil, err
	}

	result := make(map[string][]string, len(raw))
	for index, entry := range raw {
		for name := range entry.Aliases {
			result[index] = append(result[index], name)
		}
	}
	return result, nil
}

// PutAlias binds an alias to an index
func (c *OpenSearchClient) PutAlias(ctx context.Context, index, alias string) error {
	resp, err := c.client.Indices.Alias.Put(ctx, opensearchapi.AliasPutReq{
		Indices: []string{index},
		Alias:   alias,
	})
	if err != nil {
		return classify(err, statusOf(resp))
	}
	return nil
}

// UpdateAliases applies alias actions atomically via _aliases
func (c *OpenSearchClient) UpdateAliases(ctx context.Context, actions []AliasAction) error {
	body := make([]map[string]any, 0, len(actions))
	for _, action := range actions {
		spec := map[string]any{"index": action.Index}
		if action.Kind != AliasRemoveIndex {
			spec["alias"] = action.Alias
		}
		body = append(body, map[string]any{action.Kind: spec})
	}
	return c.performJSON(ctx, http.MethodPost, "/_aliases", nil, map[string]any{"actions": body}, nil)
}

// CatAliases lists every alias binding
func (c *OpenSearchClient) CatAliases(ctx context.Context) ([]AliasBinding, error) {
	resp, err := c.client.Cat.Aliases(ctx, &opensearchapi.CatAliasesReq{})
	if err != nil {
		return nil, classify(err, statusOf(resp))
	}

	bindings := make([]AliasBinding, 0, len(resp.Aliases))
	for _, a := range resp.Aliases {
		bindings = append(bindings, AliasBinding{Alias: a.Alias, Index: a.Index})
	}
	return bindings, nil
}

// Reindex starts an asynchronous reindex and returns the task id
func (c *OpenSearchClient) Reindex(ctx context.Context, body map[string]any) (string, error) {
	var resp struct {
		Task string `json:"task"`
	}
	query := url.Values{"wait_for_completion": {"false"}, "refresh": {"true"}}
	if err := c.performJSON(ctx, http.MethodPost, "/_reindex", query, body, &resp); err != nil {
		return "", err
	}
	if resp.Task == "" {
		return "", fmt.Errorf("reindex did not return a task id")
	}
	return resp.Task, nil
}

// Task returns the status of a background task
func (c *OpenSearchClient) Task(ctx context.Context, taskID string) (*TaskStatus, error) {
	var resp struct {
		Completed bool   `json:"completed"`
		Error     *Error `json:"error"`
		Response  struct {
			Failures []struct {
				Cause Error `json:"cause"`
			} `json:"failures"`
		} `json:"response"`
	}
	if err := c.performJSON(ctx, http.MethodGet, "/_tasks/"+taskID, nil, nil, &resp); err != nil {
		return nil, err
	}

	status := &TaskStatus{Completed: resp.Completed, Err: resp.Error}
	for _, f := range resp.Response.Failures {
		status.Failures = append(status.Failures, f.Cause)
	}
	return status, nil
}

func (c *OpenSearchClient) performJSON(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	return c.perform(ctx, method, path, query, reader, "application/json", out)
}

// perform sends a raw request through the client transport for endpoints
// that are not covered by typed requests.
func (c *OpenSearchClient) perform(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, out any) error {
	target := path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Client.Perform(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		return decodeError(resp.StatusCode, data)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(status int, data []byte) error {
	var body struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && len(body.Error) > 0 {
		var structured Error
		if err := json.Unmarshal(body.Error, &structured); err == nil && structured.Type != "" {
			structured.Status = status
			return &structured
		}
		reason, _ := strconv.Unquote(string(body.Error))
		return &Error{Status: status, Type: http.StatusText(status), Reason: reason}
	}
	return &Error{Status: status, Type: http.StatusText(status), Reason: strings.TrimSpace(string(data))}
}

// classify converts opensearch-go errors into engine errors.
func classify(err error, status int) error {
	var structErr *opensearch.StructError
	if errors.As(err, &structErr) && structErr.Err.Type != "" {
		if structErr.Status != 0 {
			status = structErr.Status
		}
		return &Error{Status: status, Type: structErr.Err.Type, Reason: structErr.Err.Reason}
	}

	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case http.StatusConflict:
		return fmt.Errorf("%w: %v", ErrVersionConflict, err)
	}
	return err
}

type inspector interface {
	Inspect() opensearchapi.Inspect
}

// statusOf returns the HTTP status carried by a typed response, or 0.
func statusOf[R any, P interface {
	*R
	inspector
}](resp P) int {
	if resp == nil {
		return 0
	}
	if r := resp.Inspect().Response; r != nil {
		return r.StatusCode
	}
	return 0
}
