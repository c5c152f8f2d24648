package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompilePartialUpdate(t *testing.T) {
	t.Run("assign and remove", func(t *testing.T) {
		s := CompilePartialUpdate(map[string]any{"name": "bob", "age": nil})

		assert.Equal(t, []Op{
			{Kind: OpRemove, Path: []string{"age"}},
			{Kind: OpAssign, Path: []string{"name"}, Param: "name"},
		}, s.Ops)
		assert.Equal(t, map[string]any{"name": "bob"}, s.Params)
		assert.Equal(t, "ctx._source.remove('age');\nctx._source['name'] = params.name;", s.Source())
	})

	t.Run("nested objects get an init guard", func(t *testing.T) {
		s := CompilePartialUpdate(map[string]any{
			"Meta": map[string]any{"Owner-Id": 7, "old": nil},
			"tags": []string{"a"},
		})

		assert.Equal(t, []Op{
			{Kind: OpInit, Path: []string{"Meta"}},
			{Kind: OpAssign, Path: []string{"Meta", "Owner-Id"}, Param: "meta_owner_id"},
			{Kind: OpRemove, Path: []string{"Meta", "old"}},
			{Kind: OpAssign, Path: []string{"tags"}, Param: "tags"},
		}, s.Ops)
		assert.Equal(t, map[string]any{"meta_owner_id": 7, "tags": []string{"a"}}, s.Params)

		body := s.Body()
		assert.Equal(t, "painless", body["lang"])
		assert.Contains(t, body["source"], "if (ctx._source['Meta'] == null) { ctx._source['Meta'] = [:]; }")
		assert.Contains(t, body["source"], "ctx._source['Meta'].remove('old');")
	})

	t.Run("colliding parameter names", func(t *testing.T) {
		s := CompilePartialUpdate(map[string]any{"a_b": 1, "a": map[string]any{"b": 2}})
		assert.Len(t, s.Params, 2)
		assert.Equal(t, 2, s.Params["a_b"])
		assert.Equal(t, 1, s.Params["a_b_2"])
	})

	t.Run("typed nil pointer removes", func(t *testing.T) {
		var p *string
		s := CompilePartialUpdate(map[string]any{"x": p})
		assert.Equal(t, OpRemove, s.Ops[0].Kind)
		assert.Empty(t, s.Params)
	})

	t.Run("empty patch", func(t *testing.T) {
		assert.True(t, CompilePartialUpdate(nil).Empty())
	})
}

func TestRemovalScript(t *testing.T) {
	tests := []struct {
		name  string
		paths []string
		want  string
	}{
		{
			name:  "top level",
			paths: []string{"legacy"},
			want:  "ctx._source.remove('legacy');",
		},
		{
			name:  "object or array parent",
			paths: []string{"tags.legacy"},
			want: "if (ctx._source['tags'] instanceof Map) { ctx._source['tags'].remove('legacy'); } " +
				"else if (ctx._source['tags'] instanceof List) { for (def e0 : ctx._source['tags']) { " +
				"if (e0 instanceof Map) { e0.remove('legacy'); } } }",
		},
		{
			name:  "two levels",
			paths: []string{"meta.owner.id"},
			want: "if (ctx._source['meta'] instanceof Map) { " +
				"if (ctx._source['meta']['owner'] instanceof Map) { ctx._source['meta']['owner'].remove('id'); } " +
				"else if (ctx._source['meta']['owner'] instanceof List) { for (def e1 : ctx._source['meta']['owner']) { " +
				"if (e1 instanceof Map) { e1.remove('id'); } } } } " +
				"else if (ctx._source['meta'] instanceof List) { for (def e0 : ctx._source['meta']) { " +
				"if (e0 instanceof Map) { " +
				"if (e0['owner'] instanceof Map) { e0['owner'].remove('id'); } " +
				"else if (e0['owner'] instanceof List) { for (def e1 : e0['owner']) { " +
				"if (e1 instanceof Map) { e1.remove('id'); } } } } } }",
		},
		{
			name:  "quotes are escaped",
			paths: []string{"it's"},
			want:  `ctx._source.remove('it\'s');`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RemovalScript(tt.paths))
		})
	}

	t.Run("one statement per path", func(t *testing.T) {
		got := RemovalScript([]string{"a", "b"})
		assert.Equal(t, "ctx._source.remove('a');\nctx._source.remove('b');", got)
	})
}
