package mapping

import (
	"reflect"
	"sort"

	"github.com/Zereker/docstore/internal/schema"
)

// ChangeKind classifies one field change between two schema versions.
type ChangeKind string

const (
	ChangeAdded       ChangeKind = "added"        // new field
	ChangeModified    ChangeKind = "modified"     // compatible change, e.g. a new sub-field
	ChangeRemoved     ChangeKind = "removed"      // field dropped
	ChangeTypeChanged ChangeKind = "type_changed" // field retyped
)

// Change is a single changed field path.
type Change struct {
	Path string     `json:"path"`
	Kind ChangeKind `json:"kind"`
}

// Breaking reports whether the change needs existing data to be rewritten.
func (c Change) Breaking() bool {
	return c.Kind == ChangeRemoved || c.Kind == ChangeTypeChanged
}

// ChangeSet is an ordered list of changes.
type ChangeSet []Change

// Partition splits the set into additive changes and breaking ones.
func (cs ChangeSet) Partition() (additive, breaking ChangeSet) {
	for _, c := range cs {
		if c.Breaking() {
			breaking = append(breaking, c)
		} else {
			additive = append(additive, c)
		}
	}
	return additive, breaking
}

// Paths returns the changed paths in order.
func (cs ChangeSet) Paths() []string {
	paths := make([]string, 0, len(cs))
	for _, c := range cs {
		paths = append(paths, c.Path)
	}
	return paths
}

// Diff compares the compiled mappings of two versions of a model.
func Diff(from, to *schema.Model) (ChangeSet, error) {
	before, err := Compile(from, Options{CaseSensitive: true})
	if err != nil {
		return nil, err
	}
	after, err := Compile(to, Options{CaseSensitive: true})
	if err != nil {
		return nil, err
	}

	a, b := flatten(before, ""), flatten(after, "")

	var cs ChangeSet
	for path, def := range a {
		next, ok := b[path]
		switch {
		case !ok:
			cs = append(cs, Change{Path: path, Kind: ChangeRemoved})
		case !reflect.DeepEqual(strip(def), strip(next)):
			cs = append(cs, Change{Path: path, Kind: ChangeTypeChanged})
		case !reflect.DeepEqual(def["fields"], next["fields"]):
			cs = append(cs, Change{Path: path, Kind: ChangeModified})
		}
	}
	for path := range b {
		if _, ok := a[path]; !ok {
			cs = append(cs, Change{Path: path, Kind: ChangeAdded})
		}
	}

	sort.Slice(cs, func(i, j int) bool { return cs[i].Path < cs[j].Path })
	return cs, nil
}

// flatten indexes every field definition by dotted path.
func flatten(mapping map[string]any, prefix string) map[string]map[string]any {
	result := make(map[string]map[string]any)
	props, _ := mapping["properties"].(map[string]any)
	for name, raw := range props {
		def, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		path := prefix + name
		result[path] = def
		for k, v := range flatten(def, path+".") {
			result[k] = v
		}
	}
	return result
}

// strip drops the parts of a definition that do not affect stored values.
func strip(def map[string]any) map[string]any {
	out := make(map[string]any, len(def))
	for k, v := range def {
		if k == "properties" || k == "fields" {
			continue
		}
		out[k] = v
	}
	return out
}
