// Package schema describes application models as the storage adapter sees them:
// declared fields, store naming and polymorphic hierarchies.
package schema

import (
	"strings"
)

// FieldType is the declared primitive type of a field.
type FieldType string

const (
	TypeString   FieldType = "string"
	TypeNumber   FieldType = "number"
	TypeDate     FieldType = "date"
	TypeBoolean  FieldType = "boolean"
	TypeGeoPoint FieldType = "geopoint"
	TypeObject   FieldType = "object" // opaque, untyped object
	TypeModel    FieldType = "model"  // embedded model
)

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeDate, TypeBoolean, TypeGeoPoint, TypeObject, TypeModel:
		return true
	}
	return false
}

// Precision is the declared size of a numeric field.
type Precision struct {
	Digits   int `yaml:"digits"`
	Decimals int `yaml:"decimals"`
}

// Field is one declared field of a model.
type Field struct {
	Name      string     `yaml:"name"`
	Type      FieldType  `yaml:"type"`
	Array     bool       `yaml:"array"`
	Precision *Precision `yaml:"precision"`
	Text      bool       `yaml:"text"`  // free-text: also indexed as analyzed text
	Model     string     `yaml:"model"` // embedded model name when Type is TypeModel

	// Nested is linked by Registry.Resolve.
	Nested *Model `yaml:"-"`
}

// Model is the registry view of one application model.
type Model struct {
	Name        string   `yaml:"name"`
	Store       string   `yaml:"store"`        // logical store name override
	Base        string   `yaml:"base"`         // parent model name for polymorphic hierarchies
	ExpiryField string   `yaml:"expiry_field"` // documents whose value is in the past are expired
	Embedded    bool     `yaml:"embedded"`     // only used as a nested model, owns no store
	Fields      []*Field `yaml:"fields"`

	// Linked by Registry.Resolve.
	Parent   *Model   `yaml:"-"`
	Subtypes []*Model `yaml:"-"`
}

// StoreName derives a store name: lower-case with every non [a-z0-9] rune replaced by '_'.
func StoreName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Root returns the top of the model's hierarchy. Store identity belongs to the root.
func (m *Model) Root() *Model {
	root := m
	for root.Parent != nil {
		root = root.Parent
	}
	return root
}

// LogicalName is the store name shared by the whole hierarchy.
func (m *Model) LogicalName() string {
	root := m.Root()
	if root.Store != "" {
		return root.Store
	}
	return StoreName(root.Name)
}

// Expiry returns the expiry field name, inherited from the nearest ancestor declaring one.
func (m *Model) Expiry() string {
	for cur := m; cur != nil; cur = cur.Parent {
		if cur.ExpiryField != "" {
			return cur.ExpiryField
		}
	}
	return ""
}

// Polymorphic reports whether documents of this store need a discriminator.
func (m *Model) Polymorphic() bool {
	root := m.Root()
	return len(root.Subtypes) > 0
}

// Descendants returns every subtype below m, depth first.
func (m *Model) Descendants() []*Model {
	var result []*Model
	for _, sub := range m.Subtypes {
		result = append(result, sub)
		result = append(result, sub.Descendants()...)
	}
	return result
}

// TypeNames is the concrete type set a read of m matches: m and all its descendants.
func (m *Model) TypeNames() []string {
	names := []string{m.Name}
	for _, d := range m.Descendants() {
		names = append(names, d.Name)
	}
	return names
}

// Ancestors returns the chain from the root down to m's parent.
func (m *Model) Ancestors() []*Model {
	var chain []*Model
	for p := m.Parent; p != nil; p = p.Parent {
		chain = append([]*Model{p}, chain...)
	}
	return chain
}

// InheritedFields returns the fields a document of type m carries: ancestors first, then m's own.
func (m *Model) InheritedFields() []*Field {
	var fields []*Field
	for _, a := range m.Ancestors() {
		fields = append(fields, a.Fields...)
	}
	return append(fields, m.Fields...)
}

// EffectiveFields returns the fields readable through m: inherited fields plus
// those declared by any descendant.
func (m *Model) EffectiveFields() []*Field {
	fields := m.InheritedFields()
	for _, d := range m.Descendants() {
		fields = append(fields, d.Fields...)
	}
	return fields
}

// Field looks a field up by name among the effective fields.
func (m *Model) Field(name string) *Field {
	for _, f := range m.EffectiveFields() {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Lookup finds a field by name in a field list.
func Lookup(fields []*Field, name string) *Field {
	for _, f := range fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}
