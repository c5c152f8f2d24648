// Package query compiles engine-agnostic where/select/sort clauses into the
// engine's query DSL. Compilation is pure: no I/O and no state.
package query

import (
	"sort"
	"strings"

	"github.com/Zereker/docstore/internal/mapping"
	"github.com/Zereker/docstore/internal/schema"
)

// Options 查询编译选项
type Options struct {
	IDField            string // default "id"
	CaseSensitive      bool   // free-text fields carry a case preserving text_cs sub-field
	DiscriminatorField string // default "_type"
}

// Compiler translates clauses for a model.
type Compiler struct {
	Options
}

// NewCompiler creates a compiler, filling default field names
func NewCompiler(opts Options) *Compiler {
	if opts.IDField == "" {
		opts.IDField = mapping.DefaultIDField
	}
	if opts.DiscriminatorField == "" {
		opts.DiscriminatorField = mapping.DefaultDiscriminatorField
	}
	return &Compiler{Options: opts}
}

// handler receives the leaves of a walk. A nil field on a top-level leaf means
// the key is the identifier. enter and leave bracket every embedded model.
type handler struct {
	leaf  func(path string, f *schema.Field, value any) error
	enter func(path string, f *schema.Field)
	leave func(path string, f *schema.Field) error
}

// walk visits every key of a plain nested object in sorted order.
func (c *Compiler) walk(m *schema.Model, obj map[string]any, h handler) error {
	return c.walkFields(m, m.EffectiveFields(), obj, "", h)
}

func (c *Compiler) walkFields(m *schema.Model, fields []*schema.Field, obj map[string]any, prefix string, h handler) error {
	for _, key := range sortedKeys(obj) {
		if err := c.walkKey(m, fields, key, obj[key], prefix, h); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compiler) walkKey(m *schema.Model, fields []*schema.Field, key string, value any, prefix string, h handler) error {
	name, rest, dotted := strings.Cut(key, ".")
	path := prefix + name

	f := schema.Lookup(fields, name)
	if f == nil {
		if prefix == "" && key == c.IDField {
			return h.leaf(path, nil, value)
		}
		return &UnknownFieldError{Model: m.Name, Path: prefix + key}
	}

	if dotted {
		switch f.Type {
		case schema.TypeModel:
			return c.nest(m, f, path, map[string]any{rest: value}, h)
		case schema.TypeObject:
			return h.leaf(path+"."+rest, f, value)
		}
		return &UnknownFieldError{Model: m.Name, Path: prefix + key}
	}

	if obj, ok := value.(map[string]any); ok && f.Type == schema.TypeModel && isPlain(obj) {
		return c.nest(m, f, path, obj, h)
	}
	return h.leaf(path, f, value)
}

func (c *Compiler) nest(m *schema.Model, f *schema.Field, path string, obj map[string]any, h handler) error {
	if f.Nested == nil {
		return &UnknownFieldError{Model: m.Name, Path: path}
	}

	if h.enter != nil {
		h.enter(path, f)
	}
	if err := c.walkFields(m, f.Nested.InheritedFields(), obj, path+".", h); err != nil {
		return err
	}
	if h.leave != nil {
		return h.leave(path, f)
	}
	return nil
}

// isPlain reports whether an object holds field keys only.
func isPlain(obj map[string]any) bool {
	if len(obj) == 0 {
		return false
	}
	for k := range obj {
		if strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

func sortedKeys(obj map[string]any) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// clauses collects compiled leaves, wrapping embedded array models in nested queries.
type clauses struct {
	stack [][]map[string]any
}

func newClauses() *clauses {
	return &clauses{stack: [][]map[string]any{nil}}
}

func (cs *clauses) add(nodes ...map[string]any) {
	top := len(cs.stack) - 1
	cs.stack[top] = append(cs.stack[top], nodes...)
}

func (cs *clauses) enter(string, *schema.Field) {
	cs.stack = append(cs.stack, nil)
}

func (cs *clauses) leave(path string, f *schema.Field) error {
	top := len(cs.stack) - 1
	inner := cs.stack[top]
	cs.stack = cs.stack[:top]

	node := must(inner)
	if f.Array {
		node = map[string]any{"nested": map[string]any{"path": path, "query": node}}
	}
	cs.add(node)
	return nil
}

func (cs *clauses) node() map[string]any {
	return must(cs.stack[0])
}

// must combines nodes into one: match_all when empty, the node itself when single.
func must(nodes []map[string]any) map[string]any {
	switch len(nodes) {
	case 0:
		return map[string]any{"match_all": map[string]any{}}
	case 1:
		return nodes[0]
	}
	return boolQuery("must", nodes)
}

func boolQuery(occur string, nodes []map[string]any) map[string]any {
	list := make([]any, len(nodes))
	for i, n := range nodes {
		list[i] = n
	}
	return map[string]any{"bool": map[string]any{occur: list}}
}

func not(node map[string]any) map[string]any {
	return boolQuery("must_not", []map[string]any{node})
}
