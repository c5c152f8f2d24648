package schema

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Registry holds the models known to the adapter.
type Registry struct {
	models map[string]*Model
	order  []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]*Model)}
}

// Register adds models. Call Resolve once every model is registered.
func (r *Registry) Register(models ...*Model) error {
	for _, m := range models {
		if m.Name == "" {
			return fmt.Errorf("model name is required")
		}
		if _, ok := r.models[m.Name]; ok {
			return fmt.Errorf("model %q already registered", m.Name)
		}
		r.models[m.Name] = m
		r.order = append(r.order, m.Name)
	}
	return nil
}

// Get returns a model by name
func (r *Registry) Get(name string) (*Model, bool) {
	m, ok := r.models[name]
	return m, ok
}

// Models returns every model in registration order.
func (r *Registry) Models() []*Model {
	result := make([]*Model, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.models[name])
	}
	return result
}

// Roots returns the models that own a store: no parent and not embedded.
func (r *Registry) Roots() []*Model {
	var result []*Model
	for _, m := range r.Models() {
		if m.Parent == nil && !m.Embedded {
			result = append(result, m)
		}
	}
	return result
}

// Resolve links base names to parents and model-typed fields to their nested model.
// Unknown references and cyclic base chains are errors.
func (r *Registry) Resolve() error {
	for _, m := range r.models {
		m.Parent = nil
		m.Subtypes = nil
	}

	for _, m := range r.Models() {
		if m.Base != "" {
			parent, ok := r.models[m.Base]
			if !ok {
				return fmt.Errorf("model %q: unknown base %q", m.Name, m.Base)
			}
			m.Parent = parent
			parent.Subtypes = append(parent.Subtypes, m)
		}

		for _, f := range m.Fields {
			if f.Name == "" {
				return fmt.Errorf("model %q: field name is required", m.Name)
			}
			if !f.Type.Valid() {
				return fmt.Errorf("model %q: field %q has unknown type %q", m.Name, f.Name, f.Type)
			}
			if f.Type != TypeModel {
				continue
			}
			nested, ok := r.models[f.Model]
			if !ok {
				return fmt.Errorf("model %q: field %q references unknown model %q", m.Name, f.Name, f.Model)
			}
			f.Nested = nested
		}
	}

	for _, m := range r.models {
		seen := map[*Model]bool{m: true}
		for p := m.Parent; p != nil; p = p.Parent {
			if seen[p] {
				return fmt.Errorf("model %q: cyclic base chain", m.Name)
			}
			seen[p] = true
		}
	}
	return nil
}

type document struct {
	Models []*Model `yaml:"models"`
}

// Load reads a YAML document of the form `models: [...]` into a resolved registry.
func Load(r io.Reader) (*Registry, error) {
	var doc document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode models: %w", err)
	}

	registry := NewRegistry()
	if err := registry.Register(doc.Models...); err != nil {
		return nil, err
	}
	if err := registry.Resolve(); err != nil {
		return nil, err
	}
	return registry, nil
}

// LoadFile loads models from a YAML file
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open models file: %w", err)
	}
	defer f.Close()

	return Load(f)
}
