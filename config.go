package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/CriesofCarrots/solana-geyser-plugin-postgres/indexer"
)

// Config represents the application configuration
type Config struct {
	Service struct {
		Name       string `yaml:"name"`
		HealthPort int    `yaml:"health_port"`
	} `yaml:"service"`

	Postgres struct {
		Host      string `yaml:"host"`
		Port      int    `yaml:"port"`
		Database  string `yaml:"database"`
		User      string `yaml:"user"`
		Password  string `yaml:"password"`
		SSLMode   string `yaml:"sslmode"`
		BatchSize int    `yaml:"batch_size"` // Rows per bulk index upsert
	} `yaml:"postgres"`

	Indexes struct {
		TokenOwner bool `yaml:"token_owner"`
		TokenMint  bool `yaml:"token_mint"`
	} `yaml:"indexes"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Set defaults
	if cfg.Service.Name == "" {
		cfg.Service.Name = "account-index-writer"
	}
	if cfg.Service.HealthPort == 0 {
		cfg.Service.HealthPort = 8088
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
	if cfg.Postgres.BatchSize == 0 {
		cfg.Postgres.BatchSize = indexer.DefaultBatchSize
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Postgres.BatchSize < 0 {
		return nil, fmt.Errorf("postgres.batch_size must be positive, got %d", cfg.Postgres.BatchSize)
	}

	return &cfg, nil
}

// GetPostgresConnectionString returns a connection string for PostgreSQL
func (c *Config) GetPostgresConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Database,
		c.Postgres.SSLMode,
	)
}

// EngineConfig maps the loaded configuration onto the index engine's knobs.
func (c *Config) EngineConfig() indexer.Config {
	return indexer.Config{
		BatchSize:       c.Postgres.BatchSize,
		IndexTokenOwner: c.Indexes.TokenOwner,
		IndexTokenMint:  c.Indexes.TokenMint,
		Host:            c.Postgres.Host,
		User:            c.Postgres.User,
	}
}
