package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClientDocuments(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient()
	require.NoError(t, c.CreateIndex(ctx, "people_v1", map[string]any{"aliases": map[string]any{"people": map[string]any{}}}))

	t.Run("create then duplicate create", func(t *testing.T) {
		_, err := c.Index(ctx, IndexRequest{Index: "people", ID: "1", Body: map[string]any{"name": "ann"}, OpType: "create"})
		require.NoError(t, err)

		_, err = c.Index(ctx, IndexRequest{Index: "people", ID: "1", Body: map[string]any{"name": "ann"}, OpType: "create"})
		assert.True(t, errors.Is(err, ErrVersionConflict))
		assert.False(t, errors.Is(err, ErrNotFound))
	})

	t.Run("get through alias", func(t *testing.T) {
		res, err := c.Get(ctx, "people", "1")
		require.NoError(t, err)
		assert.Equal(t, "people_v1", res.Index)
		assert.JSONEq(t, `{"name":"ann"}`, string(res.Source))
	})

	t.Run("update missing document", func(t *testing.T) {
		_, err := c.Update(ctx, UpdateRequest{Index: "people", ID: "missing", Body: map[string]any{"doc": map[string]any{"a": 1}}})
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("optimistic update conflict", func(t *testing.T) {
		res, err := c.Get(ctx, "people", "1")
		require.NoError(t, err)

		stale := res.SeqNo - 1
		_, err = c.Update(ctx, UpdateRequest{
			Index: "people", ID: "1",
			Body:    map[string]any{"doc": map[string]any{"age": 3}},
			IfSeqNo: &stale, IfPrimaryTerm: &res.PrimaryTerm,
		})
		assert.True(t, errors.Is(err, ErrVersionConflict))
	})

	t.Run("delete missing document", func(t *testing.T) {
		_, err := c.Delete(ctx, "people", "missing", "")
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestMemoryClientScript(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient()

	_, err := c.Index(ctx, IndexRequest{Index: "things", ID: "a", Body: map[string]any{
		"name":  "widget",
		"stale": true,
		"inner": map[string]any{"keep": 1, "drop": 2},
	}})
	require.NoError(t, err)

	script := map[string]any{
		"source": "ctx._source['name'] = params.name;\n" +
			"ctx._source.remove('stale');\n" +
			"if (ctx._source['meta'] == null) { ctx._source['meta'] = [:]; }\n" +
			"ctx._source['meta']['owner'] = params.meta_owner;\n" +
			"if (ctx._source['inner'] instanceof Map) { ctx._source['inner'].remove('drop'); }\n" +
			"if (ctx._source['absent'] instanceof Map) { ctx._source['absent'].remove('x'); }",
		"lang":   "painless",
		"params": map[string]any{"name": "gadget", "meta_owner": "bob"},
	}

	_, err = c.Update(ctx, UpdateRequest{Index: "things", ID: "a", Body: map[string]any{"script": script}})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"name":  "gadget",
		"meta":  map[string]any{"owner": "bob"},
		"inner": map[string]any{"keep": float64(1)},
	}, c.Docs("things")["a"])
}

func TestMemoryClientScriptLoops(t *testing.T) {
	ctx := context.Background()

	removeLegacy := "if (ctx._source['tags'] instanceof Map) { ctx._source['tags'].remove('legacy'); } " +
		"else if (ctx._source['tags'] instanceof List) { for (def e0 : ctx._source['tags']) { " +
		"if (e0 instanceof Map) { e0.remove('legacy'); } } }"

	tests := []struct {
		name string
		doc  map[string]any
		want map[string]any
	}{
		{
			name: "list of objects",
			doc: map[string]any{"tags": []any{
				map[string]any{"k": "a", "legacy": 1},
				map[string]any{"k": "b"},
				"plain",
			}},
			want: map[string]any{"tags": []any{
				map[string]any{"k": "a"},
				map[string]any{"k": "b"},
				"plain",
			}},
		},
		{
			name: "single object",
			doc:  map[string]any{"tags": map[string]any{"k": "a", "legacy": 1}},
			want: map[string]any{"tags": map[string]any{"k": "a"}},
		},
		{
			name: "missing parent",
			doc:  map[string]any{"other": true},
			want: map[string]any{"other": true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewMemoryClient()
			_, err := c.Index(ctx, IndexRequest{Index: "things", ID: "a", Body: tt.doc})
			require.NoError(t, err)

			_, err = c.Update(ctx, UpdateRequest{Index: "things", ID: "a", Body: map[string]any{
				"script": map[string]any{"source": removeLegacy, "lang": "painless"},
			}})
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Docs("things")["a"])
		})
	}

	t.Run("remove on null fails", func(t *testing.T) {
		c := NewMemoryClient()
		_, err := c.Index(ctx, IndexRequest{Index: "things", ID: "a", Body: map[string]any{}})
		require.NoError(t, err)

		_, err = c.Update(ctx, UpdateRequest{Index: "things", ID: "a", Body: map[string]any{
			"script": map[string]any{"source": "ctx._source['meta'].remove('x');"},
		}})
		var engErr *Error
		require.ErrorAs(t, err, &engErr)
		assert.Equal(t, "script_exception", engErr.Type)
	})
}

func TestMemoryClientSearch(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient()

	docs := []map[string]any{
		{"name": "Alpha One", "n": 1, "tags": []string{"x"}},
		{"name": "beta two", "n": 2, "tags": []string{"x", "y"}},
		{"name": "Gamma", "n": 3},
	}
	for i, d := range docs {
		_, err := c.Index(ctx, IndexRequest{Index: "t", ID: string(rune('a' + i)), Body: d})
		require.NoError(t, err)
	}

	search := func(body map[string]any) *SearchResult {
		res, err := c.Search(ctx, SearchRequest{Index: "t", Body: body})
		require.NoError(t, err)
		return res
	}

	t.Run("bool with range and terms", func(t *testing.T) {
		res := search(map[string]any{"query": map[string]any{"bool": map[string]any{
			"filter":   []any{map[string]any{"range": map[string]any{"n": map[string]any{"gte": 2}}}},
			"must_not": []any{map[string]any{"term": map[string]any{"name": "Gamma"}}},
		}}})
		require.Len(t, res.Hits, 1)
		assert.Equal(t, "b", res.Hits[0].ID)
	})

	t.Run("phrase prefix on text subfield", func(t *testing.T) {
		res := search(map[string]any{"query": map[string]any{
			"match_phrase_prefix": map[string]any{"name.text": map[string]any{"query": "alp"}},
		}})
		require.Len(t, res.Hits, 1)
		assert.Equal(t, "a", res.Hits[0].ID)
	})

	t.Run("sort desc with source filter", func(t *testing.T) {
		res := search(map[string]any{
			"sort":    []any{map[string]any{"n": map[string]any{"order": "desc"}}},
			"_source": map[string]any{"includes": []string{"n"}},
		})
		require.Len(t, res.Hits, 3)
		assert.Equal(t, "c", res.Hits[0].ID)
		assert.JSONEq(t, `{"n":3}`, string(res.Hits[0].Source))
	})

	t.Run("terms aggregation", func(t *testing.T) {
		res := search(map[string]any{"size": 0, "aggs": map[string]any{
			"tags": map[string]any{"terms": map[string]any{"field": "tags", "size": 10}},
		}})
		var agg struct {
			Buckets []struct {
				Key      string `json:"key"`
				DocCount int    `json:"doc_count"`
			} `json:"buckets"`
		}
		require.NoError(t, json.Unmarshal(res.Aggregations["tags"], &agg))
		require.Len(t, agg.Buckets, 2)
		assert.Equal(t, "x", agg.Buckets[0].Key)
		assert.Equal(t, 2, agg.Buckets[0].DocCount)
	})

	t.Run("scroll pages", func(t *testing.T) {
		res, err := c.Search(ctx, SearchRequest{Index: "t", Body: map[string]any{"size": 2}, Scroll: 1})
		require.NoError(t, err)
		assert.Len(t, res.Hits, 2)

		next, err := c.Scroll(ctx, res.ScrollID, 1)
		require.NoError(t, err)
		assert.Len(t, next.Hits, 1)

		require.NoError(t, c.ClearScroll(ctx, res.ScrollID))
		assert.Equal(t, 0, c.OpenScrolls())
	})
}

func TestMemoryClientAliases(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient()

	require.NoError(t, c.CreateIndex(ctx, "ns_a_1", map[string]any{"aliases": map[string]any{"ns_a": map[string]any{}}}))
	require.NoError(t, c.CreateIndex(ctx, "ns_a_2", nil))

	err := c.CreateIndex(ctx, "ns_a_1", nil)
	assert.True(t, IsAlreadyExists(err))

	require.NoError(t, c.UpdateAliases(ctx, []AliasAction{
		{Kind: AliasAdd, Index: "ns_a_2", Alias: "ns_a"},
		{Kind: AliasRemoveIndex, Index: "ns_a_1"},
	}))

	bindings, err := c.CatAliases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []AliasBinding{{Alias: "ns_a", Index: "ns_a_2"}}, bindings)

	for _, counts := range c.AliasHistory {
		assert.NotZero(t, counts["ns_a"])
	}

	require.NoError(t, c.DeleteIndex(ctx, "ns_*"))
	ok, err := c.Exists(ctx, "ns_a")
	require.NoError(t, err)
	assert.False(t, ok)
}
