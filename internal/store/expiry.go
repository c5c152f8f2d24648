package store

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Zereker/docstore/internal/query"
	"github.com/Zereker/docstore/internal/schema"
	"github.com/Zereker/docstore/pkg/log"
)

// CullExpired deletes every document of m whose expiry field is set and in the
// past, returning how many were deleted. Models without an expiry field are a no-op.
func (s *Service) CullExpired(ctx context.Context, m *schema.Model) (int, error) {
	field := m.Expiry()
	if field == "" {
		return 0, nil
	}

	filter := []any{
		map[string]any{"exists": map[string]any{"field": field}},
		query.Expired(field),
	}
	if t := s.compiler.TypeFilter(m); t != nil && m.Parent != nil {
		filter = append(filter, t)
	}

	n, err := s.client.DeleteByQuery(ctx, s.alias(m), map[string]any{
		"query": map[string]any{"bool": map[string]any{"filter": filter}},
	})
	if err != nil {
		if notFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// Locker is a distributed lock guarding a cull round across instances.
type Locker interface {
	// Acquire tries to take the lock for ttl. It reports false when another holder has it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// DefaultCullLockKey is the lock taken by each cull round.
const DefaultCullLockKey = "docstore:cull"

// Culler periodically removes expired documents.
type Culler struct {
	service  *Service
	models   func() []*schema.Model
	interval time.Duration
	locker   Locker
	lockKey  string
	logger   *slog.Logger
}

// CullerOption configures a Culler
type CullerOption func(*Culler)

// WithLocker guards every round with a distributed lock.
func WithLocker(locker Locker, key string) CullerOption {
	return func(c *Culler) {
		c.locker = locker
		if key != "" {
			c.lockKey = key
		}
	}
}

// WithCullLogger sets the logger
func WithCullLogger(logger *slog.Logger) CullerOption {
	return func(c *Culler) { c.logger = logger }
}

// NewCuller creates a culler over the models returned by models.
func NewCuller(service *Service, models func() []*schema.Model, interval time.Duration, opts ...CullerOption) *Culler {
	c := &Culler{
		service:  service,
		models:   models,
		interval: interval,
		lockKey:  DefaultCullLockKey,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.Logger("culler")
	}
	return c
}

// Run culls on every tick until ctx is done.
func (c *Culler) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("culler started", "interval", c.interval)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("culler stopped")
			return nil
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil {
				c.logger.Error("cull round failed", "error", err)
			}
		}
	}
}

// RunOnce culls every model with an expiry field once and returns the number of
// deleted documents per model. A round is skipped when the lock is held elsewhere.
func (c *Culler) RunOnce(ctx context.Context) (map[string]int, error) {
	if c.locker != nil {
		ok, err := c.locker.Acquire(ctx, c.lockKey, c.interval)
		if err != nil {
			return nil, err
		}
		if !ok {
			c.logger.Debug("cull lock held elsewhere, skipping round")
			return map[string]int{}, nil
		}
		defer func() {
			if err := c.locker.Release(context.WithoutCancel(ctx), c.lockKey); err != nil {
				c.logger.Warn("failed to release cull lock", "error", err)
			}
		}()
	}

	var models []*schema.Model
	for _, m := range c.models() {
		if m.Expiry() != "" {
			models = append(models, m)
		}
	}

	counts := make([]int, len(models))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range models {
		g.Go(func() error {
			n, err := c.service.CullExpired(gctx, m)
			if err != nil {
				return err
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := make(map[string]int, len(models))
	for i, m := range models {
		result[m.Name] = counts[i]
		if counts[i] > 0 {
			c.logger.Info("expired documents deleted", "model", m.Name, "count", counts[i])
		}
	}
	return result, nil
}
