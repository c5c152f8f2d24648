package store

import (
	"context"

	"github.com/Zereker/docstore/internal/mapping"
	"github.com/Zereker/docstore/internal/schema"
)

// ApplySchemaChange migrates the store of m; see index.Manager.ApplySchemaChange.
func (s *Service) ApplySchemaChange(ctx context.Context, m *schema.Model, changes mapping.ChangeSet) error {
	return s.indices.ApplySchemaChange(ctx, m, changes)
}

// CreateStorage creates the stores of models.
func (s *Service) CreateStorage(ctx context.Context, models []*schema.Model) error {
	return s.indices.CreateStorage(ctx, models)
}

// DeleteStorage deletes every store of the namespace, or those of models when
// no namespace is configured.
func (s *Service) DeleteStorage(ctx context.Context, models []*schema.Model) error {
	s.ensured.Clear()
	return s.indices.DeleteStorage(ctx, models)
}

// DeleteModel deletes the store of m.
func (s *Service) DeleteModel(ctx context.Context, m *schema.Model) error {
	s.ensured.Delete(m.Root().Name)
	return s.indices.DeleteModel(ctx, m)
}
