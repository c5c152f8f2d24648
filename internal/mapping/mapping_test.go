package mapping

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/docstore/internal/schema"
)

func TestNumericType(t *testing.T) {
	tests := []struct {
		name      string
		precision *schema.Precision
		want      string
		factor    float64
	}{
		{"no precision", nil, "double", 0},
		{"scaled two decimals", &schema.Precision{Digits: 10, Decimals: 2}, "scaled_float", 100},
		{"scaled boundary", &schema.Precision{Digits: 12, Decimals: 3}, "scaled_float", 1000},
		{"double", &schema.Precision{Digits: 21, Decimals: 2}, "double", 0},
		{"float at sum 16", &schema.Precision{Digits: 10, Decimals: 6}, "float", 0},
		{"float many decimals", &schema.Precision{Digits: 3, Decimals: 13}, "float", 0},
		{"byte", &schema.Precision{Digits: 2}, "byte", 0},
		{"zero digits", &schema.Precision{}, "byte", 0},
		{"short", &schema.Precision{Digits: 4}, "short", 0},
		{"integer", &schema.Precision{Digits: 9}, "integer", 0},
		{"long", &schema.Precision{Digits: 10}, "long", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, factor := NumericType(tt.precision)
			assert.Equal(t, tt.want, typ)
			assert.Equal(t, tt.factor, factor)
		})
	}

	t.Run("total over a grid", func(t *testing.T) {
		known := map[string]bool{
			"scaled_float": true, "half_float": true, "float": true, "double": true,
			"byte": true, "short": true, "integer": true, "long": true,
		}
		for d := 0; d <= 30; d++ {
			for s := 0; s <= 20; s++ {
				typ, _ := NumericType(&schema.Precision{Digits: d, Decimals: s})
				assert.True(t, known[typ], "digits=%d decimals=%d -> %s", d, s, typ)
			}
		}
	})
}

func resolved(t *testing.T, models ...*schema.Model) *schema.Registry {
	t.Helper()
	r := schema.NewRegistry()
	require.NoError(t, r.Register(models...))
	require.NoError(t, r.Resolve())
	return r
}

func TestCompile(t *testing.T) {
	r := resolved(t,
		&schema.Model{Name: "Address", Embedded: true, Fields: []*schema.Field{
			{Name: "city", Type: schema.TypeString},
		}},
		&schema.Model{Name: "Item", Fields: []*schema.Field{
			{Name: "title", Type: schema.TypeString, Text: true},
			{Name: "price", Type: schema.TypeNumber, Precision: &schema.Precision{Digits: 8, Decimals: 2}},
			{Name: "created", Type: schema.TypeDate},
			{Name: "active", Type: schema.TypeBoolean},
			{Name: "where", Type: schema.TypeGeoPoint},
			{Name: "extra", Type: schema.TypeObject},
			{Name: "home", Type: schema.TypeModel, Model: "Address"},
			{Name: "stops", Type: schema.TypeModel, Model: "Address", Array: true},
		}},
	)
	item, _ := r.Get("Item")

	got, err := Compile(item, Options{CaseSensitive: true, StoreID: true})
	require.NoError(t, err)

	props := got["properties"].(map[string]any)
	assert.Equal(t, map[string]any{
		"type": "keyword",
		"fields": map[string]any{
			"text":    map[string]any{"type": "text"},
			"text_cs": map[string]any{"type": "text", "analyzer": CaseSensitiveAnalyzer},
		},
	}, props["title"])
	assert.Equal(t, map[string]any{"type": "scaled_float", "scaling_factor": float64(100)}, props["price"])
	assert.Equal(t, map[string]any{"type": "date", "format": DateFormat}, props["created"])
	assert.Equal(t, map[string]any{"type": "boolean"}, props["active"])
	assert.Equal(t, map[string]any{"type": "geo_point"}, props["where"])
	assert.Equal(t, map[string]any{"type": "object", "dynamic": true}, props["extra"])
	assert.Equal(t, "object", props["home"].(map[string]any)["type"])
	assert.Equal(t, "nested", props["stops"].(map[string]any)["type"])
	assert.Equal(t, map[string]any{"type": "keyword"}, props["id"])
	assert.NotContains(t, props, DefaultDiscriminatorField)

	t.Run("without case sensitivity", func(t *testing.T) {
		got, err := Compile(item, Options{})
		require.NoError(t, err)
		title := got["properties"].(map[string]any)["title"].(map[string]any)
		assert.NotContains(t, title["fields"], "text_cs")
		assert.NotContains(t, got["properties"], "id")
	})
}

func TestCompilePolymorphic(t *testing.T) {
	t.Run("subtypes merge into the root mapping", func(t *testing.T) {
		r := resolved(t,
			&schema.Model{Name: "Shape", Fields: []*schema.Field{{Name: "name", Type: schema.TypeString}}},
			&schema.Model{Name: "Circle", Base: "Shape", Fields: []*schema.Field{
				{Name: "radius", Type: schema.TypeNumber},
				{Name: "label", Type: schema.TypeString},
			}},
			&schema.Model{Name: "Square", Base: "Shape", Fields: []*schema.Field{
				{Name: "side", Type: schema.TypeNumber},
				{Name: "label", Type: schema.TypeString},
			}},
		)
		circle, _ := r.Get("Circle")

		got, err := Compile(circle, Options{})
		require.NoError(t, err)
		props := got["properties"].(map[string]any)
		for _, name := range []string{"name", "radius", "side", "label", DefaultDiscriminatorField} {
			assert.Contains(t, props, name)
		}
	})

	t.Run("conflicting redefinition", func(t *testing.T) {
		r := resolved(t,
			&schema.Model{Name: "Shape"},
			&schema.Model{Name: "Circle", Base: "Shape", Fields: []*schema.Field{{Name: "size", Type: schema.TypeNumber}}},
			&schema.Model{Name: "Square", Base: "Shape", Fields: []*schema.Field{{Name: "size", Type: schema.TypeString}}},
		)
		shape, _ := r.Get("Shape")

		_, err := Compile(shape, Options{})
		var conflict *ConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, "size", conflict.Field)
	})

	t.Run("recursive embedding", func(t *testing.T) {
		r := resolved(t, &schema.Model{Name: "Node", Fields: []*schema.Field{
			{Name: "child", Type: schema.TypeModel, Model: "Node"},
		}})
		node, _ := r.Get("Node")

		_, err := Compile(node, Options{})
		assert.Error(t, err)
	})
}

func TestSettings(t *testing.T) {
	got := Settings(Options{CaseSensitive: true}, 3, 1)
	assert.Equal(t, 3, got["number_of_shards"])
	assert.Equal(t, 1, got["number_of_replicas"])
	assert.Contains(t, got, "analysis")

	assert.NotContains(t, Settings(Options{}, 1, 0), "analysis")
}

func TestDiff(t *testing.T) {
	before := &schema.Model{Name: "Item", Fields: []*schema.Field{
		{Name: "title", Type: schema.TypeString},
		{Name: "legacy", Type: schema.TypeString},
		{Name: "count", Type: schema.TypeNumber},
	}}
	after := &schema.Model{Name: "Item", Fields: []*schema.Field{
		{Name: "title", Type: schema.TypeString, Text: true},
		{Name: "count", Type: schema.TypeString},
		{Name: "added", Type: schema.TypeBoolean},
	}}

	cs, err := Diff(before, after)
	require.NoError(t, err)
	assert.Equal(t, ChangeSet{
		{Path: "added", Kind: ChangeAdded},
		{Path: "count", Kind: ChangeTypeChanged},
		{Path: "legacy", Kind: ChangeRemoved},
		{Path: "title", Kind: ChangeModified},
	}, cs)

	additive, breaking := cs.Partition()
	assert.Equal(t, []string{"added", "title"}, additive.Paths())
	assert.Equal(t, []string{"count", "legacy"}, breaking.Paths())
}
