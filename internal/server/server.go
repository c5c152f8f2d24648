package server

import (
	"context"
	"log/slog"
	stdhttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/docstore/internal/api/consumer"
	"github.com/Zereker/docstore/internal/api/http"
	"github.com/Zereker/docstore/internal/api/mcp"
	"github.com/Zereker/docstore/internal/index"
	"github.com/Zereker/docstore/internal/mapping"
	"github.com/Zereker/docstore/internal/schema"
	"github.com/Zereker/docstore/internal/store"
	"github.com/Zereker/docstore/pkg/engine"
	"github.com/Zereker/docstore/pkg/log"
	"github.com/Zereker/docstore/pkg/mq"
	"github.com/Zereker/docstore/pkg/redis"
)

// Server represents the docstore server
type Server struct {
	config   Config
	logger   *slog.Logger
	models   *schema.Registry
	engine   engine.Client
	indices  *index.Manager
	docs     *store.Service
	producer *mq.KafkaProducer
	redis    *goredis.Client
	culler   *store.Culler
	consumer *consumer.Consumer
}

// NewServer creates a new server with the given configuration
func NewServer(conf Config) (*Server, error) {
	server := &Server{
		config: conf,
	}

	if err := server.initDepend(); err != nil {
		return nil, errors.WithMessage(err, "init server dependency failed")
	}

	if err := server.initStore(); err != nil {
		return nil, errors.WithMessage(err, "init store failed")
	}

	if err := server.initWorkers(); err != nil {
		return nil, errors.WithMessage(err, "init workers failed")
	}

	return server, nil
}

// initDepend initializes all dependencies
func (s *Server) initDepend() error {
	// Initialize log first
	if err := log.Init(s.config.Log); err != nil {
		return errors.WithMessage(err, "failed to init log")
	}

	s.logger = log.Logger("server")
	s.logger.Info("initializing dependencies")

	s.logger.Info("loading models", "file", s.config.Models.File)
	models, err := schema.LoadFile(s.config.Models.File)
	if err != nil {
		return errors.WithMessage(err, "failed to load models")
	}
	s.models = models

	s.logger.Info("initializing storage")
	client, err := engine.NewOpenSearchClient(s.config.Storage)
	if err != nil {
		return errors.WithMessage(err, "failed to init storage")
	}
	s.engine = client

	s.logger.Info("initializing message queue")
	producer, err := mq.NewKafkaProducer(s.config.Kafka)
	if err != nil {
		return errors.WithMessage(err, "failed to init message queue")
	}
	s.producer = producer

	s.logger.Info("initializing redis")
	rdb, err := redis.NewClient(s.config.Redis)
	if err != nil {
		return errors.WithMessage(err, "failed to init redis")
	}
	s.redis = rdb

	return nil
}

// initStore wires the index manager and the document service
func (s *Server) initStore() error {
	cfg := s.config.Index

	replicas := -1
	if cfg.Replicas != nil {
		replicas = *cfg.Replicas
	}

	mappingOpts := mapping.Options{
		CaseSensitive:      cfg.CaseSensitive,
		IDField:            cfg.IDField,
		StoreID:            cfg.StoreID,
		DiscriminatorField: cfg.DiscriminatorField,
	}

	var opts []index.Option
	if s.producer != nil {
		opts = append(opts, index.WithEvents(s.producer, s.config.Kafka.EventsTopic))
	}
	s.indices = index.NewManager(s.engine, index.Config{
		Namespace: cfg.Namespace,
		Shards:    cfg.Shards,
		Replicas:  replicas,
		Mapping:   mappingOpts,
	}, opts...)

	var keepAlive time.Duration
	if cfg.ScrollKeepAlive != "" {
		keepAlive, _ = time.ParseDuration(cfg.ScrollKeepAlive)
	}

	s.docs = store.NewService(s.engine, s.indices, store.Config{
		IDField:            cfg.IDField,
		StoreID:            cfg.StoreID,
		AutoCreate:         cfg.AutoCreate,
		Refresh:            cfg.Refresh,
		ScrollKeepAlive:    keepAlive,
		PageSize:           cfg.PageSize,
		CaseSensitive:      cfg.CaseSensitive,
		DiscriminatorField: cfg.DiscriminatorField,
	})

	if cfg.AutoCreate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.docs.CreateStorage(ctx, s.models.Roots()); err != nil {
			return errors.WithMessage(err, "failed to create storage")
		}
	}
	return nil
}

// initWorkers initializes the expiry culler and the schema change consumer
func (s *Server) initWorkers() error {
	if s.config.Cull.Enabled {
		interval, _ := time.ParseDuration(s.config.Cull.Interval)
		var opts []store.CullerOption
		if s.redis != nil {
			opts = append(opts, store.WithLocker(redis.NewLocker(s.redis), s.config.Cull.LockKey))
		}
		s.culler = store.NewCuller(s.docs, s.models.Roots, interval, opts...)
	}

	s.logger.Info("initializing consumer")
	c, err := consumer.NewConsumer(s.docs, s.models, consumer.Config{
		Kafka: s.config.Kafka,
	})
	if err != nil {
		return errors.WithMessage(err, "failed to create consumer")
	}
	s.consumer = c
	return nil
}

// Start starts the server based on configuration mode
func (s *Server) Start() error {
	s.logger.Info("starting", "mode", s.config.Server.Mode, "port", s.config.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigCh:
			s.logger.Info("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	runWorkers := func() {
		if s.consumer != nil {
			g.Go(func() error {
				return s.runConsumer(ctx)
			})
		}
		if s.culler != nil {
			g.Go(func() error {
				return s.culler.Run(ctx)
			})
		}
	}

	switch s.config.Server.Mode {
	case "http":
		g.Go(func() error {
			return s.runHTTPServer(ctx)
		})
	case "worker":
		runWorkers()
	case "both":
		g.Go(func() error {
			return s.runHTTPServer(ctx)
		})
		runWorkers()
	case "mcp":
		g.Go(func() error {
			return s.runMCPServer(ctx)
		})
	default:
		return errors.Errorf("unknown mode: %s", s.config.Server.Mode)
	}

	return g.Wait()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down")

	if s.consumer != nil {
		if err := s.consumer.Stop(); err != nil {
			s.logger.Error("failed to stop consumer", "error", err)
		}
	}

	if err := s.producer.Close(); err != nil {
		s.logger.Error("failed to close message queue", "error", err)
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("failed to close redis", "error", err)
		}
	}

	return nil
}

func (s *Server) runHTTPServer(ctx context.Context) error {
	serverCfg := http.DefaultServerConfig()
	serverCfg.Port = s.config.Server.Port

	handler := http.NewHandler(s.docs, s.models, s.config.Index.IDField)
	srv := http.NewServer(handler, serverCfg)

	// Shutdown when context is cancelled
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
		return errors.WithMessage(err, "http server error")
	}
	return nil
}

func (s *Server) runMCPServer(ctx context.Context) error {
	server := mcp.NewServer(mcp.NewHandler(s.docs, s.models, s.config.Index.IDField), mcp.ServerConfig{
		Name:    "docstore",
		Version: "1.0.0",
	})

	if err := server.RunStdio(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return errors.WithMessage(err, "mcp server error")
	}
	return nil
}

func (s *Server) runConsumer(ctx context.Context) error {
	if err := s.consumer.Start(ctx); err != nil {
		return errors.WithMessage(err, "consumer start error")
	}

	// Wait for context cancellation
	<-ctx.Done()

	return s.consumer.Stop()
}
