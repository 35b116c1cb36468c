package cfg

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "BLOCKDB"

const (
	EnvDev  Environment = "dev"
	EnvProd Environment = "prod"

	DefaultEnv = EnvDev
)

type Environment string

func (e Environment) Validate() error {
	if e != EnvDev && e != EnvProd {
		return errors.New("environment must be either dev or prod")
	}

	return nil
}

type Config struct {
	Environment Environment `split_words:"true" default:"dev"`

	DataDir string `split_words:"true" default:"./data"`
	LogFile string `split_words:"true" default:"blockdb.log"`

	BlockSize      int `split_words:"true" default:"400"`
	BufferPoolSize int `split_words:"true" default:"8"`

	WaitTimeoutMs        int `split_words:"true" default:"10000"`
	CheckpointIntervalMs int `split_words:"true" default:"0"`

	// MetricsIntervalMs is the stdout export period used in dev.
	MetricsIntervalMs int `split_words:"true" default:"30000"`
}

// Load reads BLOCKDB_* variables, first loading the .env file at path. An
// empty path loads ./.env if it exists.
func Load(path string) (Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return Config{}, fmt.Errorf("failed to load %s: %w", path, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	var c Config
	if err := envconfig.Process(EnvPrefix, &c); err != nil {
		return Config{}, fmt.Errorf("envconfig processing: %w", err)
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

func (c Config) Validate() error {
	if err := c.Environment.Validate(); err != nil {
		return fmt.Errorf("environment validation: %w", err)
	}
	if c.DataDir == "" {
		return errors.New("data dir must not be empty")
	}
	if c.LogFile == "" {
		return errors.New("log file must not be empty")
	}
	// the log needs room for its boundary and at least one record
	if c.BlockSize < 16 {
		return fmt.Errorf("block size %d is too small", c.BlockSize)
	}
	if c.BufferPoolSize <= 0 {
		return fmt.Errorf("buffer pool size must be positive, got %d", c.BufferPoolSize)
	}
	if c.WaitTimeoutMs <= 0 {
		return fmt.Errorf("wait timeout must be positive, got %d", c.WaitTimeoutMs)
	}
	if c.CheckpointIntervalMs < 0 {
		return fmt.Errorf("checkpoint interval must not be negative, got %d", c.CheckpointIntervalMs)
	}
	if c.MetricsIntervalMs < 0 {
		return fmt.Errorf("metrics interval must not be negative, got %d", c.MetricsIntervalMs)
	}

	return nil
}

func (c Config) WaitTimeout() time.Duration {
	return time.Duration(c.WaitTimeoutMs) * time.Millisecond
}

// CheckpointInterval is zero when periodic checkpoints are disabled.
func (c Config) CheckpointInterval() time.Duration {
	return time.Duration(c.CheckpointIntervalMs) * time.Millisecond
}

func (c Config) MetricsInterval() time.Duration {
	return time.Duration(c.MetricsIntervalMs) * time.Millisecond
}
