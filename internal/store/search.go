package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Zereker/docstore/internal/mapping"
	"github.com/Zereker/docstore/internal/query"
	"github.com/Zereker/docstore/internal/schema"
	"github.com/Zereker/docstore/pkg/engine"
)

const facetAggregation = "facet"

// FacetBucket is one distinct value of a field and the number of matching documents.
type FacetBucket struct {
	Key   any `json:"key"`
	Count int `json:"count"`
}

// Query returns the documents matching q. A store that does not exist yet is empty.
func (s *Service) Query(ctx context.Context, m *schema.Model, q query.Query) ([]Document, error) {
	body, err := s.compiler.SearchRequest(m, q)
	if err != nil {
		return nil, err
	}
	return s.search(ctx, m, body)
}

func (s *Service) search(ctx context.Context, m *schema.Model, body map[string]any) ([]Document, error) {
	result, err := s.client.Search(ctx, engine.SearchRequest{Index: s.alias(m), Body: body})
	if err != nil {
		if notFound(err) {
			return []Document{}, nil
		}
		return nil, err
	}

	docs := make([]Document, 0, len(result.Hits))
	for _, hit := range result.Hits {
		doc, err := s.document(hit.ID, hit.Source)
		if err != nil {
			return nil, err
		}
		if s.expired(m, doc) {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// QueryOne returns the single document matching q. No match is a *NotFoundError;
// more than one is ErrMultipleResults unless allowMany, which returns the first.
func (s *Service) QueryOne(ctx context.Context, m *schema.Model, q query.Query, allowMany bool) (Document, error) {
	q.Limit = 2
	if allowMany {
		q.Limit = 1
	}

	docs, err := s.Query(ctx, m, q)
	if err != nil {
		return nil, err
	}
	switch {
	case len(docs) == 0:
		return nil, &NotFoundError{Model: m.Name}
	case len(docs) > 1 && !allowMany:
		return nil, fmt.Errorf("%s: %w", m.Name, ErrMultipleResults)
	}
	return docs[0], nil
}

// QueryCount counts the documents matching where.
func (s *Service) QueryCount(ctx context.Context, m *schema.Model, where map[string]any) (int, error) {
	filter, err := s.compiler.Filter(m, where)
	if err != nil {
		return 0, err
	}

	n, err := s.client.Count(ctx, s.alias(m), map[string]any{"query": filter})
	if err != nil {
		if notFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// Suggest returns the documents matching q whose field starts with prefix.
func (s *Service) Suggest(ctx context.Context, m *schema.Model, field, prefix string, q query.Query) ([]Document, error) {
	body, err := s.prefixRequest(m, field, prefix, q)
	if err != nil {
		return nil, err
	}
	return s.search(ctx, m, body)
}

// SuggestValues returns up to limit distinct values of field starting with prefix,
// most frequent first.
func (s *Service) SuggestValues(ctx context.Context, m *schema.Model, field, prefix string, limit int) ([]string, error) {
	body, err := s.prefixRequest(m, field, prefix, query.Query{})
	if err != nil {
		return nil, err
	}
	buckets, err := s.facet(ctx, m, field, body, limit)
	if err != nil {
		return nil, err
	}

	_, decl, _, _ := s.compiler.Path(m, field)
	fold := decl != nil && decl.Text && !s.config.CaseSensitive

	values := make([]string, 0, len(buckets))
	for _, b := range buckets {
		key := fmt.Sprint(b.Key)
		if fold {
			if !strings.HasPrefix(strings.ToLower(key), strings.ToLower(prefix)) {
				continue
			}
		} else if !strings.HasPrefix(key, prefix) {
			continue
		}
		values = append(values, key)
	}
	return values, nil
}

func (s *Service) prefixRequest(m *schema.Model, field, prefix string, q query.Query) (map[string]any, error) {
	body, err := s.compiler.SearchRequest(m, q)
	if err != nil {
		return nil, err
	}
	clause, err := s.compiler.Prefix(m, field, prefix)
	if err != nil {
		return nil, err
	}

	b := body["query"].(map[string]any)["bool"].(map[string]any)
	b["must"] = append(b["must"].([]any), clause)
	return body, nil
}

// Facet counts the distinct values of field over the documents matching q. The
// result is empty, never nil, when nothing matches.
func (s *Service) Facet(ctx context.Context, m *schema.Model, field string, q query.Query, limit int) ([]FacetBucket, error) {
	q.Offset = 0
	body, err := s.compiler.SearchRequest(m, q)
	if err != nil {
		return nil, err
	}
	return s.facet(ctx, m, field, body, limit)
}

func (s *Service) facet(ctx context.Context, m *schema.Model, field string, body map[string]any, limit int) ([]FacetBucket, error) {
	path, decl, nested, err := s.compiler.Path(m, field)
	if err != nil {
		return nil, err
	}
	if decl != nil && decl.Type == schema.TypeModel {
		return nil, &query.OperatorError{Path: path, Operator: "facet", Reason: "cannot facet an embedded model"}
	}
	if limit <= 0 {
		limit = 10
	}

	agg := map[string]any{"terms": map[string]any{"field": path, "size": limit}}
	for i := len(nested) - 1; i >= 0; i-- {
		agg = map[string]any{
			"nested": map[string]any{"path": nested[i]},
			"aggs":   map[string]any{facetAggregation: agg},
		}
	}
	body["aggs"] = map[string]any{facetAggregation: agg}
	body["size"] = 0
	delete(body, "from")
	delete(body, "sort")

	result, err := s.client.Search(ctx, engine.SearchRequest{Index: s.alias(m), Body: body})
	if err != nil {
		if notFound(err) {
			return []FacetBucket{}, nil
		}
		return nil, err
	}
	return facetBuckets(result.Aggregations[facetAggregation])
}

// facetBuckets reads the terms buckets, descending through nested wrappers.
func facetBuckets(raw json.RawMessage) ([]FacetBucket, error) {
	buckets := []FacetBucket{}
	for len(raw) > 0 {
		var agg struct {
			Buckets []struct {
				Key      any `json:"key"`
				DocCount int `json:"doc_count"`
			} `json:"buckets"`
			Inner json.RawMessage `json:"facet"`
		}
		if err := json.Unmarshal(raw, &agg); err != nil {
			return nil, fmt.Errorf("failed to decode facet aggregation: %w", err)
		}
		if agg.Inner != nil {
			raw = agg.Inner
			continue
		}
		for _, b := range agg.Buckets {
			buckets = append(buckets, FacetBucket{Key: b.Key, Count: b.DocCount})
		}
		break
	}
	return buckets, nil
}

// UpdateWhere applies a partial update to every document matching where and
// returns how many were updated.
func (s *Service) UpdateWhere(ctx context.Context, m *schema.Model, where, patch map[string]any) (int, error) {
	script := mapping.CompilePartialUpdate(s.patch(patch))
	if script.Empty() {
		return 0, nil
	}
	filter, err := s.compiler.Filter(m, where)
	if err != nil {
		return 0, err
	}

	n, err := s.client.UpdateByQuery(ctx, s.alias(m), map[string]any{
		"query":     filter,
		"script":    script.Body(),
		"conflicts": "proceed",
	})
	if err != nil {
		if notFound(err) {
			return 0, nil
		}
		return 0, err
	}
	s.logger.Info("documents updated by query", "model", m.Name, "count", n)
	return n, nil
}
