package index

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Zereker/docstore/internal/mapping"
	"github.com/Zereker/docstore/internal/schema"
	"github.com/Zereker/docstore/pkg/engine"
)

// Migration steps reported through MigrationEvent.
const (
	StepMappingUpdated = "mapping_updated"
	StepIndexCreated   = "index_created"
	StepReindexed      = "reindexed"
	StepCutover        = "cutover"
	StepAborted        = "aborted"
)

// MigrationEvent is published for every schema change step.
type MigrationEvent struct {
	Model string    `json:"model"`
	Alias string    `json:"alias"`
	Index string    `json:"index,omitempty"`
	Step  string    `json:"step"`
	Error string    `json:"error,omitempty"`
	Time  time.Time `json:"time"`
}

// ApplySchemaChange brings the store of a model in line with a changed schema.
//
// Additive changes update the mapping of the bound indices in place. Removed or
// retyped fields need their data rewritten: a new index is created, documents are
// reindexed into it without those fields, and one atomic alias update binds the
// new index while dropping the old ones. Until that cutover the original index
// and alias are left untouched; a failure deletes the new index and returns the
// original error.
func (m *Manager) ApplySchemaChange(ctx context.Context, model *schema.Model, changes mapping.ChangeSet) error {
	additive, breaking := changes.Partition()
	if len(breaking) > 0 {
		return m.migrate(ctx, model, breaking)
	}
	if len(additive) == 0 {
		return nil
	}

	id := m.Resolve(model)
	if err := m.RefreshAliases(ctx, true); err != nil {
		return err
	}
	indices, err := m.Indices(ctx, id.Alias)
	if err != nil {
		return err
	}
	if len(indices) == 0 {
		return m.EnsureIndex(ctx, model)
	}

	mappings, err := mapping.Compile(model, m.config.Mapping)
	if err != nil {
		return err
	}
	if err := m.client.PutMapping(ctx, indices, mappings); err != nil {
		return err
	}

	m.logger.Info("mapping updated in place", "alias", id.Alias, "indices", indices, "changes", additive.Paths())
	m.publish(MigrationEvent{Model: model.Name, Alias: id.Alias, Step: StepMappingUpdated})
	return nil
}

func (m *Manager) migrate(ctx context.Context, model *schema.Model, breaking mapping.ChangeSet) error {
	id := m.Resolve(model)

	if err := m.RefreshAliases(ctx, true); err != nil {
		return err
	}
	old, err := m.Indices(ctx, id.Alias)
	if err != nil {
		return err
	}
	if len(old) == 0 {
		return m.EnsureIndex(ctx, model)
	}

	body, err := m.indexBody(model)
	if err != nil {
		return err
	}

	name := m.nextIndexName(id.Alias)
	if err := m.client.CreateIndex(ctx, name, body); err != nil {
		m.publish(MigrationEvent{Model: model.Name, Alias: id.Alias, Index: name, Step: StepAborted, Error: err.Error()})
		return err
	}
	m.logger.Info("migration index created", "alias", id.Alias, "index", name, "from", old)
	m.publish(MigrationEvent{Model: model.Name, Alias: id.Alias, Index: name, Step: StepIndexCreated})

	sources := make([]any, len(old))
	for i, idx := range old {
		sources[i] = idx
	}
	taskID, err := m.client.Reindex(ctx, map[string]any{
		"source": map[string]any{"index": sources},
		"dest":   map[string]any{"index": name},
		"script": map[string]any{
			"source": mapping.RemovalScript(breaking.Paths()),
			"lang":   "painless",
		},
	})
	if err != nil {
		return m.abort(ctx, model, id, name, err)
	}
	if err := m.await(ctx, taskID); err != nil {
		return m.abort(ctx, model, id, name, err)
	}
	m.logger.Info("reindex completed", "alias", id.Alias, "index", name, "task", taskID)
	m.publish(MigrationEvent{Model: model.Name, Alias: id.Alias, Index: name, Step: StepReindexed})

	actions := []engine.AliasAction{{Kind: engine.AliasAdd, Index: name, Alias: id.Alias}}
	for _, idx := range old {
		actions = append(actions, engine.AliasAction{Kind: engine.AliasRemoveIndex, Index: idx})
	}
	if err := m.client.UpdateAliases(ctx, actions); err != nil {
		return m.abort(ctx, model, id, name, err)
	}

	m.logger.Info("alias cut over", "alias", id.Alias, "index", name, "removed", old)
	m.publish(MigrationEvent{Model: model.Name, Alias: id.Alias, Index: name, Step: StepCutover})
	return m.RefreshAliases(ctx, true)
}

// abort removes the half-built index, best effort, and returns cause unchanged.
func (m *Manager) abort(ctx context.Context, model *schema.Model, id Identity, index string, cause error) error {
	if err := m.client.DeleteIndex(context.WithoutCancel(ctx), index); err != nil {
		m.logger.Warn("failed to delete aborted migration index", "index", index, "error", err)
	}

	m.logger.Error("migration aborted", "alias", id.Alias, "index", index, "error", cause)
	m.publish(MigrationEvent{Model: model.Name, Alias: id.Alias, Index: index, Step: StepAborted, Error: cause.Error()})
	return cause
}

// await polls a reindex task until it completes.
func (m *Manager) await(ctx context.Context, taskID string) error {
	for {
		status, err := m.client.Task(ctx, taskID)
		if err != nil {
			return err
		}
		if status.Completed {
			if status.Err != nil {
				return status.Err
			}
			if len(status.Failures) > 0 {
				return &status.Failures[0]
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.config.PollInterval):
		}
	}
}

func (m *Manager) publish(ev MigrationEvent) {
	if m.events == nil {
		return
	}
	ev.Time = m.now()

	data, err := json.Marshal(ev)
	if err != nil {
		m.logger.Warn("failed to encode migration event", "error", err)
		return
	}
	if err := m.events.Publish(m.topic, data); err != nil {
		m.logger.Warn("failed to publish migration event", "step", ev.Step, "error", err)
	}
}
