// Package config loads the runtime configuration of the dataview tools:
// transaction defaults, logging, telemetry and the activity journal.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/KevoDB/dataview/pkg/common/log"
	"github.com/KevoDB/dataview/pkg/telemetry"
	"github.com/KevoDB/dataview/pkg/transaction"
)

const CurrentConfigVersion = 1

var (
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrUnsupportedFormat = errors.New("unsupported configuration format")
)

// Duration is a time.Duration written as "250ms" or "5s" in config files.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// TransactionConfig holds the defaults every new transaction starts from.
type TransactionConfig struct {
	Enabled              bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	AutoCommit           bool     `json:"auto_commit" yaml:"auto_commit" toml:"auto_commit"`
	RequireConfirmation  bool     `json:"require_confirmation" yaml:"require_confirmation" toml:"require_confirmation"`
	AllowPartialSuccess  bool     `json:"allow_partial_success" yaml:"allow_partial_success" toml:"allow_partial_success"`
	EmitActivities       bool     `json:"emit_activities" yaml:"emit_activities" toml:"emit_activities"`
	MaxPendingOperations int      `json:"max_pending_operations" yaml:"max_pending_operations" toml:"max_pending_operations"`
	Timeout              Duration `json:"timeout" yaml:"timeout" toml:"timeout"`

	// OperationCost is the per-operation estimate behind progress hints
	OperationCost Duration `json:"operation_cost" yaml:"operation_cost" toml:"operation_cost"`
}

// LoggingConfig configures the default logger.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level" toml:"level"`
}

// ActivityConfig configures where activities are recorded.
type ActivityConfig struct {
	// JournalPath enables the append-only activity journal when set
	JournalPath    string `json:"journal_path" yaml:"journal_path" toml:"journal_path"`
	SyncEachRecord bool   `json:"sync_each_record" yaml:"sync_each_record" toml:"sync_each_record"`
}

type Config struct {
	Version int `json:"version" yaml:"version" toml:"version"`

	Transaction TransactionConfig `json:"transaction" yaml:"transaction" toml:"transaction"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging" toml:"logging"`
	Telemetry   telemetry.Config  `json:"telemetry" yaml:"telemetry" toml:"telemetry"`
	Activity    ActivityConfig    `json:"activity" yaml:"activity" toml:"activity"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig() *Config {
	tx := transaction.DefaultConfig()
	return &Config{
		Version: CurrentConfigVersion,
		Transaction: TransactionConfig{
			Enabled:              tx.Enabled,
			AutoCommit:           tx.AutoCommit,
			RequireConfirmation:  tx.RequireConfirmation,
			AllowPartialSuccess:  tx.AllowPartialSuccess,
			EmitActivities:       tx.EmitActivities,
			MaxPendingOperations: tx.MaxPendingOperations,
			Timeout:              Duration(tx.Timeout),
			OperationCost:        Duration(transaction.DefaultOperationCost),
		},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies DATAVIEW_* environment
// overrides and validates the result. The format follows the extension:
// .yaml, .yml, .toml or .json.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := NewDefaultConfig()
	if err := cfg.decode(path, data); err != nil {
		return nil, err
	}
	cfg.LoadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(path string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".toml":
		_, err = toml.Decode(string(data), c)
	case ".json":
		err = json.Unmarshal(data, c)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// LoadFromEnv overrides values from DATAVIEW_* environment variables.
// Unparseable values are ignored.
func (c *Config) LoadFromEnv() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if val := os.Getenv("DATAVIEW_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("DATAVIEW_TX_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			c.Transaction.Enabled = enabled
		}
	}
	if val := os.Getenv("DATAVIEW_TX_AUTO_COMMIT"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			c.Transaction.AutoCommit = enabled
		}
	}
	if val := os.Getenv("DATAVIEW_TX_ALLOW_PARTIAL_SUCCESS"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			c.Transaction.AllowPartialSuccess = enabled
		}
	}
	if val := os.Getenv("DATAVIEW_TX_MAX_PENDING"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Transaction.MaxPendingOperations = n
		}
	}
	if val := os.Getenv("DATAVIEW_TX_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Transaction.Timeout = Duration(d)
		}
	}
	if val := os.Getenv("DATAVIEW_ACTIVITY_JOURNAL"); val != "" {
		c.Activity.JournalPath = val
	}

	c.Telemetry.LoadFromEnv()
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validateLocked()
}

func (c *Config) validateLocked() error {
	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.Transaction.MaxPendingOperations < 0 {
		return fmt.Errorf("%w: max_pending_operations must not be negative", ErrInvalidConfig)
	}

	if c.Transaction.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidConfig)
	}

	if c.Transaction.OperationCost < 0 {
		return fmt.Errorf("%w: operation_cost must not be negative", ErrInvalidConfig)
	}

	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("%w: telemetry: %v", ErrInvalidConfig, err)
	}

	return nil
}

// Save writes the configuration to path, in the format its extension names,
// replacing any existing file atomically.
func (c *Config) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.validateLocked(); err != nil {
		return err
	}

	var data []byte
	var err error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	case ".toml":
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(c)
		data = buf.Bytes()
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename config: %w", err)
	}

	return nil
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

// TransactionDefaults converts the transaction section for transaction.WithDefaults.
func (c *Config) TransactionDefaults() transaction.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t := c.Transaction
	return transaction.Config{
		Enabled:              t.Enabled,
		AutoCommit:           t.AutoCommit,
		RequireConfirmation:  t.RequireConfirmation,
		AllowPartialSuccess:  t.AllowPartialSuccess,
		EmitActivities:       t.EmitActivities,
		MaxPendingOperations: t.MaxPendingOperations,
		Timeout:              time.Duration(t.Timeout),
	}
}

// ManagerOptions returns the manager options this configuration implies.
func (c *Config) ManagerOptions() []transaction.ManagerOption {
	opts := []transaction.ManagerOption{transaction.WithDefaults(c.TransactionDefaults())}

	c.mu.RLock()
	cost := time.Duration(c.Transaction.OperationCost)
	c.mu.RUnlock()
	if cost > 0 {
		opts = append(opts, transaction.WithOperationCost(cost))
	}
	return opts
}

// LogLevel returns the configured log level, or LevelInfo if it does not parse.
func (c *Config) LogLevel() log.Level {
	c.mu.RLock()
	defer c.mu.RUnlock()

	level, err := log.ParseLevel(c.Logging.Level)
	if err != nil {
		return log.LevelInfo
	}
	return level
}
