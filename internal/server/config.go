package server

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/Zereker/docstore/pkg/engine"
	"github.com/Zereker/docstore/pkg/log"
	"github.com/Zereker/docstore/pkg/mq"
	"github.com/Zereker/docstore/pkg/redis"
)

// Config holds all configuration values
type Config struct {
	Server  ServerConfig            `toml:"server"`
	Log     log.Config              `toml:"log"`
	Storage engine.OpenSearchConfig `toml:"storage"`
	Index   IndexConfig             `toml:"index"`
	Models  ModelsConfig            `toml:"models"`
	Cull    CullConfig              `toml:"cull"`
	Redis   redis.Config            `toml:"redis"`
	Kafka   mq.KafkaConfig          `toml:"kafka"`
}

// ServerConfig contains server configuration
type ServerConfig struct {
	Mode string `toml:"mode"` // http, worker, both, or mcp
	Port int    `toml:"port"`
}

// IndexConfig 存储与文档服务配置
type IndexConfig struct {
	Namespace          string `toml:"namespace"`
	Shards             int    `toml:"shards"`
	Replicas           *int   `toml:"replicas"` // 未设置时使用引擎默认值
	CaseSensitive      bool   `toml:"case_sensitive"`
	IDField            string `toml:"id_field"`
	StoreID            bool   `toml:"store_id"`
	AutoCreate         bool   `toml:"auto_create"`
	DiscriminatorField string `toml:"discriminator_field"`
	Refresh            string `toml:"refresh"`
	PageSize           int    `toml:"page_size"`
	ScrollKeepAlive    string `toml:"scroll_keep_alive"`
}

// ModelsConfig 模型定义
type ModelsConfig struct {
	File string `toml:"file"` // YAML model registry
}

// CullConfig 过期文档清理配置
type CullConfig struct {
	Enabled  bool   `toml:"enabled"`
	Interval string `toml:"interval"`
	LockKey  string `toml:"lock_key"`
}

// Validate checks server configuration
func (s *ServerConfig) Validate() error {
	if s.Mode == "" {
		s.Mode = "http" // default mode
	}
	switch s.Mode {
	case "http", "worker", "both", "mcp":
		// valid
	default:
		return fmt.Errorf("invalid mode: %s, must be http, worker, both, or mcp", s.Mode)
	}
	if s.Mode == "mcp" {
		return nil // stdio only
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("port is required and must be between 1 and 65535")
	}
	return nil
}

// Validate checks index configuration
func (c *IndexConfig) Validate() error {
	if c.Shards < 0 {
		return fmt.Errorf("shards must not be negative")
	}
	if c.Replicas != nil && *c.Replicas < 0 {
		return fmt.Errorf("replicas must not be negative")
	}
	switch c.Refresh {
	case "", "true", "false", "wait_for":
	default:
		return fmt.Errorf("invalid refresh: %s", c.Refresh)
	}
	if c.ScrollKeepAlive != "" {
		if _, err := time.ParseDuration(c.ScrollKeepAlive); err != nil {
			return fmt.Errorf("scroll_keep_alive is invalid: %w", err)
		}
	}
	return nil
}

// Validate checks models configuration
func (c *ModelsConfig) Validate() error {
	if c.File == "" {
		return fmt.Errorf("file is required")
	}
	return nil
}

// Validate checks cull configuration
func (c *CullConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Interval == "" {
		c.Interval = "1m"
	}
	d, err := time.ParseDuration(c.Interval)
	if err != nil {
		return fmt.Errorf("interval is invalid: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	return nil
}

// Validate checks all configuration fields
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if c.Server.Mode == "mcp" {
		c.Log.Stderr = true
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.Index.Validate(); err != nil {
		return fmt.Errorf("index: %w", err)
	}
	if err := c.Models.Validate(); err != nil {
		return fmt.Errorf("models: %w", err)
	}
	if err := c.Cull.Validate(); err != nil {
		return fmt.Errorf("cull: %w", err)
	}
	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if err := c.Kafka.Validate(); err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	return nil
}

// LoadConfig reads and parses the configuration file. ${VAR} references are
// expanded from the environment, which is first populated from a .env file when present.
func LoadConfig(filename string) (Config, error) {
	var cfg Config

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}

	if err := toml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
