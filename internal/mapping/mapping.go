// Package mapping compiles model schemas into engine index mappings and
// partial-update scripts. Everything here is pure: no I/O and no state.
package mapping

import (
	"fmt"
	"math"
	"reflect"

	"github.com/Zereker/docstore/internal/schema"
)

const (
	// DefaultIDField is the identifier field name of a document.
	DefaultIDField = "id"
	// DefaultDiscriminatorField stores the concrete type of polymorphic documents.
	DefaultDiscriminatorField = "_type"

	// CaseSensitiveAnalyzer is the non-lowercasing analyzer defined by Settings.
	CaseSensitiveAnalyzer = "case_sensitive"

	// DateFormat accepts ISO dates with optional time and epoch milliseconds.
	DateFormat = "strict_date_optional_time||epoch_millis"
)

// Options 映射编译选项
type Options struct {
	CaseSensitive      bool   // also index free-text fields with a case-preserving analyzer
	IDField            string // identifier field name, default "id"
	StoreID            bool   // the identifier is also stored as a regular keyword field
	DiscriminatorField string // default "_type"
}

// WithDefaults fills empty names
func (o Options) WithDefaults() Options {
	if o.IDField == "" {
		o.IDField = DefaultIDField
	}
	if o.DiscriminatorField == "" {
		o.DiscriminatorField = DefaultDiscriminatorField
	}
	return o
}

// ConflictError is returned when two models of one hierarchy define a field differently.
type ConflictError struct {
	Field    string
	Existing map[string]any
	Incoming map[string]any
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("mapping: conflicting definitions for field %q: %v vs %v", e.Field, e.Existing, e.Incoming)
}

// Compile returns the mapping of the store m belongs to: the root's fields merged
// with those of every descendant.
func Compile(m *schema.Model, opts Options) (map[string]any, error) {
	opts = opts.WithDefaults()
	root := m.Root()

	props := make(map[string]any)
	for _, model := range append([]*schema.Model{root}, root.Descendants()...) {
		if err := merge(props, model.Fields, opts, "", nil); err != nil {
			return nil, err
		}
	}

	if root.Polymorphic() {
		props[opts.DiscriminatorField] = map[string]any{"type": "keyword"}
	}
	if opts.StoreID {
		if _, ok := props[opts.IDField]; !ok {
			props[opts.IDField] = map[string]any{"type": "keyword"}
		}
	}

	return map[string]any{"properties": props}, nil
}

func merge(props map[string]any, fields []*schema.Field, opts Options, prefix string, visiting map[*schema.Model]bool) error {
	for _, f := range fields {
		path := prefix + f.Name

		def, err := field(f, opts, path, visiting)
		if err != nil {
			return err
		}

		if existing, ok := props[f.Name].(map[string]any); ok {
			if !reflect.DeepEqual(existing, def) {
				return &ConflictError{Field: path, Existing: existing, Incoming: def}
			}
			continue
		}
		props[f.Name] = def
	}
	return nil
}

func field(f *schema.Field, opts Options, path string, visiting map[*schema.Model]bool) (map[string]any, error) {
	switch f.Type {
	case schema.TypeString:
		def := map[string]any{"type": "keyword"}
		if f.Text {
			sub := map[string]any{"text": map[string]any{"type": "text"}}
			if opts.CaseSensitive {
				sub["text_cs"] = map[string]any{"type": "text", "analyzer": CaseSensitiveAnalyzer}
			}
			def["fields"] = sub
		}
		return def, nil

	case schema.TypeNumber:
		typ, factor := NumericType(f.Precision)
		def := map[string]any{"type": typ}
		if typ == "scaled_float" {
			def["scaling_factor"] = factor
		}
		return def, nil

	case schema.TypeDate:
		return map[string]any{"type": "date", "format": DateFormat}, nil

	case schema.TypeBoolean:
		return map[string]any{"type": "boolean"}, nil

	case schema.TypeGeoPoint:
		return map[string]any{"type": "geo_point"}, nil

	case schema.TypeObject:
		return map[string]any{"type": "object", "dynamic": true}, nil

	case schema.TypeModel:
		if f.Nested == nil {
			return nil, fmt.Errorf("mapping: field %q references unresolved model %q", path, f.Model)
		}
		if visiting[f.Nested] {
			return nil, fmt.Errorf("mapping: field %q embeds %q recursively", path, f.Nested.Name)
		}

		next := map[*schema.Model]bool{f.Nested: true}
		for k := range visiting {
			next[k] = true
		}

		props := make(map[string]any)
		if err := merge(props, f.Nested.InheritedFields(), opts, path+".", next); err != nil {
			return nil, err
		}

		typ := "object"
		if f.Array {
			typ = "nested"
		}
		return map[string]any{"type": typ, "properties": props}, nil
	}

	return nil, fmt.Errorf("mapping: field %q has unknown type %q", path, f.Type)
}

// NumericType picks the native numeric type for a declared precision.
// The scaling factor is only meaningful for scaled_float. Without a precision
// the value may carry a fraction, so it is stored as double.
func NumericType(p *schema.Precision) (string, float64) {
	if p == nil {
		return "double", 0
	}

	digits, decimals := p.Digits, p.Decimals
	if decimals > 0 {
		if digits+decimals < 16 {
			return "scaled_float", math.Pow10(decimals)
		}
		switch {
		case digits < 6 && decimals < 9:
			return "half_float", 0
		case digits > 20:
			return "double", 0
		default:
			return "float", 0
		}
	}

	switch {
	case digits <= 2:
		return "byte", 0
	case digits <= 4:
		return "short", 0
	case digits <= 9:
		return "integer", 0
	default:
		return "long", 0
	}
}

// Settings returns index creation settings. The case sensitive analyzer is only
// defined when free-text fields need it.
func Settings(opts Options, shards, replicas int) map[string]any {
	settings := map[string]any{}
	if shards > 0 {
		settings["number_of_shards"] = shards
	}
	if replicas >= 0 {
		settings["number_of_replicas"] = replicas
	}
	if opts.CaseSensitive {
		settings["analysis"] = map[string]any{
			"analyzer": map[string]any{
				CaseSensitiveAnalyzer: map[string]any{
					"type":      "custom",
					"tokenizer": "standard",
				},
			},
		}
	}
	return settings
}
