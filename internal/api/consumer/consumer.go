package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/Zereker/docstore/internal/mapping"
	"github.com/Zereker/docstore/internal/schema"
	"github.com/Zereker/docstore/pkg/mq"
)

// Migrator applies schema changes to model stores.
type Migrator interface {
	ApplySchemaChange(ctx context.Context, m *schema.Model, changes mapping.ChangeSet) error
}

// Models resolves model names.
type Models interface {
	Get(name string) (*schema.Model, bool)
}

// SchemaChange 是 schema 变更消息
type SchemaChange struct {
	Model   string            `json:"model"`
	Changes mapping.ChangeSet `json:"changes"`
}

// Consumer 消费 schema 变更消息并执行迁移
type Consumer struct {
	logger    *slog.Logger
	migrator  Migrator
	models    Models
	consumers []*mq.KafkaConsumer
}

// Config 消费者配置
type Config struct {
	Kafka mq.KafkaConfig
}

// NewConsumer 创建消费者
func NewConsumer(migrator Migrator, models Models, cfg Config) (*Consumer, error) {
	c := &Consumer{
		logger:   slog.Default().With("module", "consumer"),
		migrator: migrator,
		models:   models,
	}

	if !cfg.Kafka.Enabled {
		c.logger.Info("kafka disabled, consumer not started")
		return c, nil
	}

	for _, consumerCfg := range cfg.Kafka.Consumers {
		kc, err := mq.NewKafkaConsumer(cfg.Kafka.Brokers, consumerCfg, c.Handle)
		if err != nil {
			_ = c.Stop()
			return nil, fmt.Errorf("consumer %s: %w", consumerCfg.Name, err)
		}
		c.consumers = append(c.consumers, kc)
	}
	return c, nil
}

// Handle applies one schema change message. Migrations run one message at a time
// per partition, so changes of one model are applied in order.
func (c *Consumer) Handle(ctx context.Context, topic string, message []byte) error {
	var change SchemaChange
	if err := json.Unmarshal(message, &change); err != nil {
		return fmt.Errorf("invalid schema change message: %w", err)
	}

	m, ok := c.models.Get(change.Model)
	if !ok {
		return fmt.Errorf("unknown model %q", change.Model)
	}

	c.logger.Info("applying schema change", "topic", topic, "model", m.Name, "changes", change.Changes.Paths())
	if err := c.migrator.ApplySchemaChange(ctx, m, change.Changes); err != nil {
		return fmt.Errorf("apply schema change of %s: %w", m.Name, err)
	}
	return nil
}

// Start 启动所有消费者
func (c *Consumer) Start(ctx context.Context) error {
	if len(c.consumers) == 0 {
		c.logger.Info("no consumers configured, skipping start")
		return nil
	}

	c.logger.Info("starting consumers", "count", len(c.consumers))

	g, ctx := errgroup.WithContext(ctx)
	for _, consumer := range c.consumers {
		g.Go(func() error {
			return consumer.Start(ctx)
		})
	}
	return g.Wait()
}

// Stop 停止所有消费者
func (c *Consumer) Stop() error {
	c.logger.Info("stopping consumers")

	for _, consumer := range c.consumers {
		if err := consumer.Stop(); err != nil {
			c.logger.Error("failed to stop consumer", "error", err)
		}
	}
	return nil
}
