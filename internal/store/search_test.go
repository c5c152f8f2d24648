package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/docstore/internal/query"
	"github.com/Zereker/docstore/internal/schema"
	"github.com/Zereker/docstore/pkg/engine"
)

func seedItems(t *testing.T, s *Service, item *schema.Model) {
	t.Helper()
	docs := []Document{
		{"id": "1", "name": "apple pie", "count": 3, "tags": []string{"sweet", "baked"}},
		{"id": "2", "name": "apricot", "count": 1, "tags": []string{"sweet"}},
		{"id": "3", "name": "banana", "count": 2, "tags": []string{"fruit"}},
		{"id": "4", "name": "banana", "count": 5},
	}
	for _, doc := range docs {
		_, err := s.Create(context.Background(), item, doc)
		require.NoError(t, err)
	}
}

func ids(docs []Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID("id")
	}
	return out
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)
	item := model(t, r, "Item")
	s := newTestService(engine.NewMemoryClient(), Config{})
	seedItems(t, s, item)

	t.Run("where sort and limit", func(t *testing.T) {
		docs, err := s.Query(ctx, item, query.Query{
			Where: map[string]any{"count": map[string]any{"$gte": 2}},
			Sort:  []query.SortKey{{Field: "count", Value: -1}},
			Limit: 2,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"4", "1"}, ids(docs))
	})

	t.Run("projection", func(t *testing.T) {
		docs, err := s.Query(ctx, item, query.Query{
			Where:  map[string]any{"id": "2"},
			Select: map[string]any{"name": 1},
		})
		require.NoError(t, err)
		assert.Equal(t, []Document{{"id": "2", "name": "apricot"}}, docs)
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		_, err := s.Query(ctx, item, query.Query{Where: map[string]any{"nope": 1}})
		var unknown *query.UnknownFieldError
		assert.ErrorAs(t, err, &unknown)
	})

	t.Run("count", func(t *testing.T) {
		n, err := s.QueryCount(ctx, item, map[string]any{"name": "banana"})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		empty := newTestService(engine.NewMemoryClient(), Config{})
		n, err = empty.QueryCount(ctx, item, nil)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestQueryOne(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)
	item := model(t, r, "Item")
	s := newTestService(engine.NewMemoryClient(), Config{})
	seedItems(t, s, item)

	tests := []struct {
		name      string
		where     map[string]any
		allowMany bool
		wantID    string
		wantErr   error
	}{
		{name: "single match", where: map[string]any{"name": "apricot"}, wantID: "2"},
		{name: "multiple matches", where: map[string]any{"name": "banana"}, wantErr: ErrMultipleResults},
		{name: "multiple tolerated", where: map[string]any{"name": "banana"}, allowMany: true},
		{name: "no match", where: map[string]any{"name": "cherry"}, wantErr: ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := s.QueryOne(ctx, item, query.Query{Where: tt.where}, tt.allowMany)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.wantID != "" {
				assert.Equal(t, tt.wantID, doc.ID("id"))
			}
		})
	}
}

func TestSuggest(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)
	item := model(t, r, "Item")
	s := newTestService(engine.NewMemoryClient(), Config{})
	seedItems(t, s, item)

	docs, err := s.Suggest(ctx, item, "name", "ap", query.Query{Sort: []query.SortKey{{Field: "id", Value: 1}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, ids(docs))

	docs, err = s.Suggest(ctx, item, "name", "ap", query.Query{Where: map[string]any{"count": 1}})
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, ids(docs))

	values, err := s.SuggestValues(ctx, item, "name", "ap", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"apple pie", "apricot"}, values)

	_, err = s.Suggest(ctx, item, "count", "1", query.Query{})
	assert.Error(t, err, "prefix needs a string field")
}

func TestFacet(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)
	item := model(t, r, "Item")

	t.Run("missing store", func(t *testing.T) {
		s := newTestService(engine.NewMemoryClient(), Config{})
		buckets, err := s.Facet(ctx, item, "tags", query.Query{}, 10)
		require.NoError(t, err)
		assert.NotNil(t, buckets)
		assert.Empty(t, buckets)
	})

	s := newTestService(engine.NewMemoryClient(), Config{})
	seedItems(t, s, item)

	t.Run("counts distinct values", func(t *testing.T) {
		buckets, err := s.Facet(ctx, item, "tags", query.Query{}, 10)
		require.NoError(t, err)
		assert.Equal(t, []FacetBucket{
			{Key: "sweet", Count: 2},
			{Key: "baked", Count: 1},
			{Key: "fruit", Count: 1},
		}, buckets)
	})

	t.Run("limit and where", func(t *testing.T) {
		buckets, err := s.Facet(ctx, item, "tags", query.Query{Where: map[string]any{"name": "apricot"}}, 1)
		require.NoError(t, err)
		assert.Equal(t, []FacetBucket{{Key: "sweet", Count: 1}}, buckets)
	})

	t.Run("nothing matches", func(t *testing.T) {
		buckets, err := s.Facet(ctx, item, "tags", query.Query{Where: map[string]any{"name": "cherry"}}, 10)
		require.NoError(t, err)
		assert.Equal(t, []FacetBucket{}, buckets)
	})
}

func TestUpdateWhere(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)
	item := model(t, r, "Item")
	client := engine.NewMemoryClient()
	s := newTestService(client, Config{})
	seedItems(t, s, item)

	n, err := s.UpdateWhere(ctx, item, map[string]any{"name": "banana"}, map[string]any{"count": 0, "tags": nil})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	docs := client.Docs("ns_item")
	assert.EqualValues(t, 0, docs["3"]["count"])
	assert.NotContains(t, docs["3"], "tags")
	assert.EqualValues(t, 3, docs["1"]["count"])
}
