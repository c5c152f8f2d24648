package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/docstore/internal/index"
	"github.com/Zereker/docstore/internal/schema"
	"github.com/Zereker/docstore/pkg/engine"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	r := schema.NewRegistry()
	require.NoError(t, r.Register(
		&schema.Model{Name: "Item", Fields: []*schema.Field{
			{Name: "name", Type: schema.TypeString, Text: true},
			{Name: "count", Type: schema.TypeNumber},
			{Name: "tags", Type: schema.TypeString, Array: true},
			{Name: "meta", Type: schema.TypeObject},
		}},
		&schema.Model{Name: "Session", ExpiryField: "expires", Fields: []*schema.Field{
			{Name: "token", Type: schema.TypeString},
			{Name: "expires", Type: schema.TypeDate},
		}},
		&schema.Model{Name: "Animal", Fields: []*schema.Field{{Name: "name", Type: schema.TypeString}}},
		&schema.Model{Name: "Dog", Base: "Animal", Fields: []*schema.Field{{Name: "barks", Type: schema.TypeBoolean}}},
		&schema.Model{Name: "Cat", Base: "Animal"},
	))
	require.NoError(t, r.Resolve())
	return r
}

func model(t *testing.T, r *schema.Registry, name string) *schema.Model {
	t.Helper()
	m, ok := r.Get(name)
	require.True(t, ok, name)
	return m
}

func newTestService(client engine.Client, config Config, opts ...Option) *Service {
	config.AutoCreate = true
	manager := index.NewManager(client, index.Config{Namespace: "ns", Shards: 1})
	return NewService(client, manager, config, opts...)
}

func at(year int) time.Time {
	return time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
}

func TestCRUD(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)
	item := model(t, r, "Item")

	t.Run("create generates an id and strips it from the source", func(t *testing.T) {
		client := engine.NewMemoryClient()
		s := newTestService(client, Config{})

		doc, err := s.Create(ctx, item, Document{"name": "first"})
		require.NoError(t, err)
		id := doc.ID("id")
		require.NotEmpty(t, id)

		stored := client.Docs("ns_item")[id]
		assert.Equal(t, "first", stored["name"])
		assert.NotContains(t, stored, "id")

		got, err := s.Get(ctx, item, id)
		require.NoError(t, err)
		assert.Equal(t, Document{"id": id, "name": "first"}, got)
	})

	t.Run("stored ids stay in the source", func(t *testing.T) {
		client := engine.NewMemoryClient()
		s := newTestService(client, Config{StoreID: true})

		_, err := s.Create(ctx, item, Document{"id": "a", "name": "first"})
		require.NoError(t, err)
		assert.Equal(t, "a", client.Docs("ns_item")["a"]["id"])
	})

	t.Run("duplicate create", func(t *testing.T) {
		s := newTestService(engine.NewMemoryClient(), Config{})
		_, err := s.Create(ctx, item, Document{"id": "a"})
		require.NoError(t, err)

		_, err = s.Create(ctx, item, Document{"id": "a"})
		assert.ErrorIs(t, err, ErrAlreadyExists)
		var exists *AlreadyExistsError
		require.ErrorAs(t, err, &exists)
		assert.Equal(t, "a", exists.ID)
	})

	t.Run("update merges, upsert replaces", func(t *testing.T) {
		s := newTestService(engine.NewMemoryClient(), Config{})
		_, err := s.Create(ctx, item, Document{"id": "a", "name": "first", "count": 1})
		require.NoError(t, err)

		_, err = s.Update(ctx, item, Document{"id": "a", "count": 2})
		require.NoError(t, err)
		got, err := s.Get(ctx, item, "a")
		require.NoError(t, err)
		assert.Equal(t, "first", got["name"])
		assert.EqualValues(t, 2, got["count"])

		_, err = s.Upsert(ctx, item, Document{"id": "a", "name": "replaced"})
		require.NoError(t, err)
		got, err = s.Get(ctx, item, "a")
		require.NoError(t, err)
		assert.Equal(t, Document{"id": "a", "name": "replaced"}, got)

		_, err = s.Upsert(ctx, item, Document{"id": "b"})
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, item, "a"))
		_, err = s.Get(ctx, item, "a")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("missing documents", func(t *testing.T) {
		s := newTestService(engine.NewMemoryClient(), Config{})

		_, err := s.Get(ctx, item, "nope")
		assert.ErrorIs(t, err, ErrNotFound, "store not created yet")

		_, err = s.Create(ctx, item, Document{"id": "a"})
		require.NoError(t, err)

		_, err = s.Get(ctx, item, "nope")
		var nf *NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, &NotFoundError{Model: "Item", ID: "nope"}, nf)

		_, err = s.Update(ctx, item, Document{"id": "nope", "name": "x"})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, item, "nope"), ErrNotFound)
	})

	t.Run("update requires an id", func(t *testing.T) {
		s := newTestService(engine.NewMemoryClient(), Config{})
		_, err := s.Update(ctx, item, Document{"name": "x"})
		assert.Error(t, err)
	})

	t.Run("transport errors pass through", func(t *testing.T) {
		client := engine.NewMemoryClient()
		s := newTestService(client, Config{})
		_, err := s.Create(ctx, item, Document{"id": "a"})
		require.NoError(t, err)

		boom := fmt.Errorf("connection refused")
		client.Fail["Get"] = boom
		_, err = s.Get(ctx, item, "a")
		assert.Equal(t, boom, err)
	})
}

func TestExpiredDocuments(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)
	session := model(t, r, "Session")

	s := newTestService(engine.NewMemoryClient(), Config{}, WithClock(func() time.Time { return at(2050) }))
	_, err := s.Create(ctx, session, Document{"id": "old", "token": "a", "expires": at(2040)})
	require.NoError(t, err)
	_, err = s.Create(ctx, session, Document{"id": "live", "token": "b", "expires": at(2060)})
	require.NoError(t, err)

	_, err = s.Get(ctx, session, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Update(ctx, session, Document{"id": "old", "token": "c"})
	assert.ErrorIs(t, err, ErrNotFound, "updating an expired record")

	_, err = s.Update(ctx, session, Document{"id": "live", "token": "c"})
	require.NoError(t, err)
	got, err := s.Get(ctx, session, "live")
	require.NoError(t, err)
	assert.Equal(t, "c", got["token"])
}

func TestPolymorphicModels(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)
	animal, dog, cat := model(t, r, "Animal"), model(t, r, "Dog"), model(t, r, "Cat")

	client := engine.NewMemoryClient()
	s := newTestService(client, Config{})

	_, err := s.Create(ctx, dog, Document{"id": "rex", "name": "Rex", "barks": true})
	require.NoError(t, err)
	assert.Equal(t, "Dog", client.Docs("ns_animal")["rex"]["_type"])

	_, err = s.Get(ctx, animal, "rex")
	assert.NoError(t, err)
	_, err = s.Get(ctx, dog, "rex")
	assert.NoError(t, err)
	_, err = s.Get(ctx, cat, "rex")
	assert.ErrorIs(t, err, ErrNotFound)

	cats, err := s.Query(ctx, cat, queryAll())
	require.NoError(t, err)
	assert.Empty(t, cats)

	animals, err := s.Query(ctx, animal, queryAll())
	require.NoError(t, err)
	assert.Len(t, animals, 1)
}

func TestPolymorphicUpdateKeepsType(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)
	animal, dog, cat := model(t, r, "Animal"), model(t, r, "Dog"), model(t, r, "Cat")

	client := engine.NewMemoryClient()
	s := newTestService(client, Config{})
	_, err := s.Create(ctx, dog, Document{"id": "rex", "barks": true})
	require.NoError(t, err)

	t.Run("through the base model", func(t *testing.T) {
		_, err := s.Update(ctx, animal, Document{"id": "rex", "name": "Rex"})
		require.NoError(t, err)

		stored := client.Docs("ns_animal")["rex"]
		assert.Equal(t, "Dog", stored["_type"])
		assert.Equal(t, true, stored["barks"])

		got, err := s.Get(ctx, dog, "rex")
		require.NoError(t, err)
		assert.Equal(t, "Rex", got["name"])
	})

	t.Run("a caller supplied discriminator is ignored", func(t *testing.T) {
		_, err := s.Update(ctx, animal, Document{"id": "rex", "_type": "Cat"})
		require.NoError(t, err)
		assert.Equal(t, "Dog", client.Docs("ns_animal")["rex"]["_type"])
	})

	t.Run("through a sibling model is not found", func(t *testing.T) {
		_, err := s.Update(ctx, cat, Document{"id": "rex", "name": "Tom"})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, "Rex", client.Docs("ns_animal")["rex"]["name"])
	})
}

func TestUpdatePartial(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)
	item := model(t, r, "Item")

	s := newTestService(engine.NewMemoryClient(), Config{})
	_, err := s.Create(ctx, item, Document{"id": "a", "name": "first", "meta": map[string]any{"color": "red", "size": 1}})
	require.NoError(t, err)

	got, err := s.UpdatePartial(ctx, item, "a", map[string]any{
		"id":   "ignored",
		"name": "second",
		"meta": map[string]any{"color": "blue", "size": nil},
	})
	require.NoError(t, err)
	assert.Equal(t, Document{
		"id":   "a",
		"name": "second",
		"meta": map[string]any{"color": "blue"},
	}, got)

	_, err = s.UpdatePartial(ctx, item, "missing", map[string]any{"name": "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}
