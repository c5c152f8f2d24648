// Package index owns the mapping from logical stores to physical indices and
// evolves index definitions without read or write downtime.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Zereker/docstore/internal/mapping"
	"github.com/Zereker/docstore/internal/schema"
	"github.com/Zereker/docstore/pkg/engine"
	"github.com/Zereker/docstore/pkg/log"
	"github.com/Zereker/docstore/pkg/mq"
)

// Identity names the store of a model.
type Identity struct {
	Logical string // derived from the model name
	Alias   string // namespace_logical, or logical without a namespace
}

// Config 索引管理配置
type Config struct {
	Namespace    string
	Shards       int
	Replicas     int
	Mapping      mapping.Options
	PollInterval time.Duration // reindex task polling, default 500ms
}

// Manager resolves store identities, caches alias bindings and manages index lifecycles.
// Each Manager owns its caches; instances never share state.
type Manager struct {
	client engine.Client
	config Config
	logger *slog.Logger
	now    func() time.Time

	events mq.MessageQueue
	topic  string

	mu             sync.RWMutex
	identities     map[string]Identity
	aliasToIndices map[string][]string
	indexToAliases map[string][]string
	loaded         bool
	lastMillis     int64
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithEvents publishes migration events to topic
func WithEvents(queue mq.MessageQueue, topic string) Option {
	return func(m *Manager) {
		m.events = queue
		m.topic = topic
	}
}

// WithClock overrides time.Now, used for index name suffixes
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an index manager
func NewManager(client engine.Client, config Config, opts ...Option) *Manager {
	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}

	m := &Manager{
		client:         client,
		config:         config,
		now:            time.Now,
		identities:     make(map[string]Identity),
		aliasToIndices: make(map[string][]string),
		indexToAliases: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = log.Logger("index")
	}
	return m
}

// Resolve returns the store identity of a model, memoised until Invalidate.
func (m *Manager) Resolve(model *schema.Model) Identity {
	m.mu.RLock()
	id, ok := m.identities[model.Name]
	m.mu.RUnlock()
	if ok {
		return id
	}

	id = Identity{Logical: model.LogicalName()}
	id.Alias = id.Logical
	if m.config.Namespace != "" {
		id.Alias = m.config.Namespace + "_" + id.Logical
	}

	m.mu.Lock()
	m.identities[model.Name] = id
	m.mu.Unlock()
	return id
}

// Invalidate drops memoised identities and alias bindings.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.identities = make(map[string]Identity)
	m.aliasToIndices = make(map[string][]string)
	m.indexToAliases = make(map[string][]string)
	m.loaded = false
}

// RefreshAliases reloads alias bindings from the engine. Without force it is a
// no-op once bindings are loaded.
func (m *Manager) RefreshAliases(ctx context.Context, force bool) error {
	m.mu.RLock()
	loaded := m.loaded
	m.mu.RUnlock()
	if loaded && !force {
		return nil
	}

	bindings, err := m.client.CatAliases(ctx)
	if err != nil {
		return fmt.Errorf("failed to list aliases: %w", err)
	}

	aliasToIndices := make(map[string][]string)
	indexToAliases := make(map[string][]string)
	for _, b := range bindings {
		aliasToIndices[b.Alias] = append(aliasToIndices[b.Alias], b.Index)
		indexToAliases[b.Index] = append(indexToAliases[b.Index], b.Alias)
	}
	for _, list := range aliasToIndices {
		sort.Strings(list)
	}

	m.mu.Lock()
	m.aliasToIndices = aliasToIndices
	m.indexToAliases = indexToAliases
	m.loaded = true
	m.mu.Unlock()

	m.logger.Debug("alias bindings refreshed", "aliases", len(aliasToIndices), "force", force)
	return nil
}

// Indices returns the physical indices bound to an alias.
func (m *Manager) Indices(ctx context.Context, alias string) ([]string, error) {
	if err := m.RefreshAliases(ctx, false); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.aliasToIndices[alias]...), nil
}

// Aliases returns the aliases bound to a physical index.
func (m *Manager) Aliases(ctx context.Context, index string) ([]string, error) {
	if err := m.RefreshAliases(ctx, false); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.indexToAliases[index]...), nil
}

// EnsureIndex creates the store of a model when its alias does not exist yet.
// The index, its mapping, settings and alias binding are created in one request.
func (m *Manager) EnsureIndex(ctx context.Context, model *schema.Model) error {
	id := m.Resolve(model)

	exists, err := m.client.Exists(ctx, id.Alias)
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", id.Alias, err)
	}
	if exists {
		return nil
	}

	body, err := m.indexBody(model)
	if err != nil {
		return err
	}
	body["aliases"] = map[string]any{id.Alias: map[string]any{}}

	name := m.nextIndexName(id.Alias)
	if err := m.client.CreateIndex(ctx, name, body); err != nil {
		if !engine.IsAlreadyExists(err) {
			return fmt.Errorf("failed to create index %s: %w", name, err)
		}
		m.logger.Warn("index already exists", "index", name, "alias", id.Alias)
	} else {
		m.logger.Info("index created", "index", name, "alias", id.Alias, "model", model.Name)
	}

	return m.RefreshAliases(ctx, true)
}

// CreateStorage ensures the store of every given root model exists.
func (m *Manager) CreateStorage(ctx context.Context, models []*schema.Model) error {
	for _, model := range models {
		if err := m.EnsureIndex(ctx, model); err != nil {
			return err
		}
	}
	return m.RefreshAliases(ctx, true)
}

// DeleteStorage deletes every physical index of the adapter: everything under the
// namespace wildcard, or the indices behind each model's alias without a namespace.
func (m *Manager) DeleteStorage(ctx context.Context, models []*schema.Model) error {
	if m.config.Namespace != "" {
		pattern := m.config.Namespace + "_*"
		if err := m.client.DeleteIndex(ctx, pattern); err != nil {
			return fmt.Errorf("failed to delete %s: %w", pattern, err)
		}
		m.logger.Info("storage deleted", "pattern", pattern)
		return m.RefreshAliases(ctx, true)
	}

	for _, model := range models {
		if err := m.DeleteModel(ctx, model); err != nil {
			return err
		}
	}
	return m.RefreshAliases(ctx, true)
}

// DeleteModel deletes every physical index behind the model's alias.
func (m *Manager) DeleteModel(ctx context.Context, model *schema.Model) error {
	id := m.Resolve(model)

	if err := m.RefreshAliases(ctx, true); err != nil {
		return err
	}
	indices, err := m.Indices(ctx, id.Alias)
	if err != nil {
		return err
	}
	if len(indices) == 0 {
		return nil
	}

	if err := m.client.DeleteIndex(ctx, indices...); err != nil {
		return fmt.Errorf("failed to delete indices of %s: %w", id.Alias, err)
	}
	m.logger.Info("model storage deleted", "alias", id.Alias, "indices", indices)
	return m.RefreshAliases(ctx, true)
}

func (m *Manager) indexBody(model *schema.Model) (map[string]any, error) {
	mappings, err := mapping.Compile(model, m.config.Mapping)
	if err != nil {
		return nil, fmt.Errorf("failed to compile mapping of %s: %w", model.Name, err)
	}
	return map[string]any{
		"settings": mapping.Settings(m.config.Mapping, m.config.Shards, m.config.Replicas),
		"mappings": mappings,
	}, nil
}

// nextIndexName returns {alias}_{epochMillis}, strictly increasing per manager.
func (m *Manager) nextIndexName(alias string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	millis := m.now().UnixMilli()
	if millis <= m.lastMillis {
		millis = m.lastMillis + 1
	}
	m.lastMillis = millis
	return fmt.Sprintf("%s_%d", alias, millis)
}
