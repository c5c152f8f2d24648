package query

import (
	"strings"

	"github.com/Zereker/docstore/internal/schema"
)

// SortKey is one ordered sort entry: a truthy or positive value sorts ascending.
type SortKey struct {
	Field string
	Value any
}

// Query is a complete read request.
type Query struct {
	Where  map[string]any
	Select map[string]any
	Sort   []SortKey
	Offset int
	Limit  int // 0 leaves the engine default
}

// Sort compiles sort keys, in order. Fields below an embedded array carry their nested path.
func (c *Compiler) Sort(m *schema.Model, keys []SortKey) ([]map[string]any, error) {
	result := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		var nested []string
		err := c.walk(m, map[string]any{key.Field: key.Value}, handler{
			leaf: func(path string, f *schema.Field, value any) error {
				if f == nil {
					path = "_id"
				}
				spec := map[string]any{"order": direction(value)}
				if n := nestedSpec(nested); n != nil {
					spec["nested"] = n
				}
				result = append(result, map[string]any{path: spec})
				return nil
			},
			enter: func(path string, f *schema.Field) {
				if f.Array {
					nested = append(nested, path)
				}
			},
			leave: func(path string, f *schema.Field) error {
				if f.Array {
					nested = nested[:len(nested)-1]
				}
				return nil
			},
		})
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func direction(v any) string {
	if s, ok := v.(string); ok {
		switch strings.ToLower(s) {
		case "desc", "descending", "-1":
			return "desc"
		case "":
			return "desc"
		}
		return "asc"
	}
	if f, ok := number(v); ok {
		if f > 0 {
			return "asc"
		}
		return "desc"
	}
	if truthy(v) {
		return "asc"
	}
	return "desc"
}

// nestedSpec builds {"path": outer, "nested": {"path": inner}} for nested sorts.
func nestedSpec(paths []string) map[string]any {
	var spec map[string]any
	for i := len(paths) - 1; i >= 0; i-- {
		next := map[string]any{"path": paths[i]}
		if spec != nil {
			next["nested"] = spec
		}
		spec = next
	}
	return spec
}

// Select compiles a projection: 0 or false excludes a path, anything else includes it.
func (c *Compiler) Select(m *schema.Model, sel map[string]any) (includes, excludes []string, err error) {
	err = c.walk(m, sel, handler{
		leaf: func(path string, f *schema.Field, value any) error {
			if f == nil {
				path = "_id"
			}
			if truthy(value) {
				includes = append(includes, path)
			} else {
				excludes = append(excludes, path)
			}
			return nil
		},
	})
	if err != nil {
		return nil, nil, err
	}
	return includes, excludes, nil
}

// Filter combines a where clause with the expiry and discriminator filters of m.
func (c *Compiler) Filter(m *schema.Model, where map[string]any) (map[string]any, error) {
	node, err := c.Where(m, where)
	if err != nil {
		return nil, err
	}

	b := map[string]any{"must": []any{node}}
	if expiry := m.Expiry(); expiry != "" {
		b["must_not"] = []any{Expired(expiry)}
	}
	if t := c.TypeFilter(m); t != nil {
		b["filter"] = []any{t}
	}
	return map[string]any{"bool": b}, nil
}

// Expired matches documents whose expiry field is set and in the past.
func Expired(field string) map[string]any {
	return map[string]any{"range": map[string]any{field: map[string]any{"lte": "now"}}}
}

// TypeFilter restricts a polymorphic read to m and its subtypes.
func (c *Compiler) TypeFilter(m *schema.Model) map[string]any {
	if !m.Polymorphic() {
		return nil
	}
	names := m.TypeNames()
	list := make([]any, len(names))
	for i, n := range names {
		list[i] = n
	}
	return map[string]any{"terms": map[string]any{c.DiscriminatorField: list}}
}

// SearchRequest composes the full search body of a query.
func (c *Compiler) SearchRequest(m *schema.Model, q Query) (map[string]any, error) {
	filter, err := c.Filter(m, q.Where)
	if err != nil {
		return nil, err
	}
	body := map[string]any{"query": filter}

	if len(q.Select) > 0 {
		includes, excludes, err := c.Select(m, q.Select)
		if err != nil {
			return nil, err
		}
		source := map[string]any{}
		if len(includes) > 0 {
			source["includes"] = includes
		}
		if len(excludes) > 0 {
			source["excludes"] = excludes
		}
		body["_source"] = source
	}

	if len(q.Sort) > 0 {
		sorts, err := c.Sort(m, q.Sort)
		if err != nil {
			return nil, err
		}
		list := make([]any, len(sorts))
		for i, s := range sorts {
			list[i] = s
		}
		body["sort"] = list
	}

	if q.Offset > 0 {
		body["from"] = q.Offset
	}
	if q.Limit > 0 {
		body["size"] = q.Limit
	}
	return body, nil
}

// Prefix matches documents whose field starts with prefix: a phrase prefix over the
// analyzed sub-field for free-text fields, a keyword prefix otherwise.
func (c *Compiler) Prefix(m *schema.Model, field, prefix string) (map[string]any, error) {
	cs := newClauses()
	err := c.walk(m, map[string]any{field: prefix}, handler{
		leaf: func(path string, f *schema.Field, value any) error {
			if f == nil || f.Type != schema.TypeString {
				return &OperatorError{Path: path, Operator: "prefix", Reason: "not a string field"}
			}
			if f.Text {
				cs.add(map[string]any{"match_phrase_prefix": map[string]any{path + ".text": map[string]any{"query": value}}})
			} else {
				cs.add(map[string]any{"prefix": map[string]any{path: map[string]any{"value": value}}})
			}
			return nil
		},
		enter: cs.enter,
		leave: cs.leave,
	})
	if err != nil {
		return nil, err
	}
	return cs.node(), nil
}

// Path resolves a dotted field, returning its declaration and the enclosing nested
// paths, outermost first.
func (c *Compiler) Path(m *schema.Model, field string) (string, *schema.Field, []string, error) {
	var (
		resolved string
		decl     *schema.Field
		nested   []string
	)
	err := c.walk(m, map[string]any{field: true}, handler{
		leaf: func(path string, f *schema.Field, _ any) error {
			resolved, decl = path, f
			return nil
		},
		enter: func(path string, f *schema.Field) {
			if f.Array {
				nested = append(nested, path)
			}
		},
	})
	if err != nil {
		return "", nil, nil, err
	}
	if decl == nil {
		return "_id", nil, nil, nil
	}
	return resolved, decl, nested, nil
}
