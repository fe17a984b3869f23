package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/KevoDB/dataview/pkg/common/log"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	if cfg.Version != CurrentConfigVersion {
		t.Errorf("expected version %d, got %d", CurrentConfigVersion, cfg.Version)
	}
	if !cfg.Transaction.Enabled || !cfg.Transaction.RequireConfirmation || !cfg.Transaction.EmitActivities {
		t.Errorf("unexpected transaction defaults %+v", cfg.Transaction)
	}
	if cfg.Transaction.AllowPartialSuccess {
		t.Error("partial success must be off by default")
	}
	if time.Duration(cfg.Transaction.OperationCost) != 150*time.Millisecond {
		t.Errorf("expected 150ms operation cost, got %s", time.Duration(cfg.Transaction.OperationCost))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to be valid, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name     string
		mutate   func(*Config)
		expected string
	}{
		{
			name:     "invalid version",
			mutate:   func(c *Config) { c.Version = 0 },
			expected: "invalid configuration: invalid version 0",
		},
		{
			name:     "negative max pending",
			mutate:   func(c *Config) { c.Transaction.MaxPendingOperations = -1 },
			expected: "max_pending_operations must not be negative",
		},
		{
			name:     "negative timeout",
			mutate:   func(c *Config) { c.Transaction.Timeout = Duration(-time.Second) },
			expected: "timeout must not be negative",
		},
		{
			name:     "unknown log level",
			mutate:   func(c *Config) { c.Logging.Level = "loud" },
			expected: "unknown log level",
		},
		{
			name:     "bad exporter",
			mutate:   func(c *Config) { c.Telemetry.Exporters = []string{"carrier-pigeon"} },
			expected: "telemetry: invalid exporter",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.expected) {
				t.Errorf("expected error containing %q, got %q", tc.expected, err.Error())
			}
		})
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadFormats(t *testing.T) {
	files := map[string]string{
		"dataview.yaml": `
version: 1
transaction:
  enabled: true
  allow_partial_success: true
  max_pending_operations: 25
  timeout: 2s
logging:
  level: debug
activity:
  journal_path: /var/lib/dataview/activity.journal
`,
		"dataview.toml": `
version = 1

[transaction]
enabled = true
allow_partial_success = true
max_pending_operations = 25
timeout = "2s"

[logging]
level = "debug"

[activity]
journal_path = "/var/lib/dataview/activity.journal"
`,
		"dataview.json": `{
  "version": 1,
  "transaction": {
    "enabled": true,
    "allow_partial_success": true,
    "max_pending_operations": 25,
    "timeout": "2s"
  },
  "logging": {"level": "debug"},
  "activity": {"journal_path": "/var/lib/dataview/activity.journal"}
}`,
	}

	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, name, content))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}

			tx := cfg.TransactionDefaults()
			if !tx.Enabled || !tx.AllowPartialSuccess || tx.MaxPendingOperations != 25 || tx.Timeout != 2*time.Second {
				t.Errorf("unexpected transaction config %+v", tx)
			}
			if !tx.RequireConfirmation {
				t.Error("fields missing from the file keep their defaults")
			}
			if cfg.LogLevel() != log.LevelDebug {
				t.Errorf("expected debug level, got %s", cfg.LogLevel())
			}
			if cfg.Activity.JournalPath != "/var/lib/dataview/activity.journal" {
				t.Errorf("unexpected journal path %q", cfg.Activity.JournalPath)
			}
			if cfg.Telemetry.ServiceName != "dataview" {
				t.Errorf("expected the telemetry defaults, got %q", cfg.Telemetry.ServiceName)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}

	if _, err := Load(writeFile(t, "dataview.ini", "version=1")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}

	if _, err := Load(writeFile(t, "bad.yaml", "transaction: [")); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for malformed YAML, got %v", err)
	}

	if _, err := Load(writeFile(t, "bad.json", `{"version": 0}`)); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for an invalid version, got %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DATAVIEW_LOG_LEVEL", "warn")
	t.Setenv("DATAVIEW_TX_AUTO_COMMIT", "true")
	t.Setenv("DATAVIEW_TX_MAX_PENDING", "3")
	t.Setenv("DATAVIEW_TX_TIMEOUT", "750ms")
	t.Setenv("DATAVIEW_TX_ALLOW_PARTIAL_SUCCESS", "not-a-bool")
	t.Setenv("DATAVIEW_ACTIVITY_JOURNAL", "/tmp/activity.journal")

	cfg, err := Load(writeFile(t, "dataview.yaml", "version: 1\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tx := cfg.TransactionDefaults()
	if !tx.AutoCommit || tx.MaxPendingOperations != 3 || tx.Timeout != 750*time.Millisecond {
		t.Errorf("environment overrides not applied: %+v", tx)
	}
	if tx.AllowPartialSuccess {
		t.Error("unparseable values must be ignored")
	}
	if cfg.LogLevel() != log.LevelWarn {
		t.Errorf("expected warn level, got %s", cfg.LogLevel())
	}
	if cfg.Activity.JournalPath != "/tmp/activity.journal" {
		t.Errorf("unexpected journal path %q", cfg.Activity.JournalPath)
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "dataview.yaml")

	cfg := NewDefaultConfig()
	cfg.Update(func(c *Config) {
		c.Transaction.MaxPendingOperations = 10
		c.Transaction.Timeout = Duration(5 * time.Second)
		c.Logging.Level = "error"
	})
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file should be renamed away")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Transaction.MaxPendingOperations != 10 || loaded.Transaction.Timeout != Duration(5*time.Second) {
		t.Errorf("unexpected reloaded transaction config %+v", loaded.Transaction)
	}
	if loaded.LogLevel() != log.LevelError {
		t.Errorf("expected error level, got %s", loaded.LogLevel())
	}

	cfg.Update(func(c *Config) { c.Version = 0 })
	if err := cfg.Save(path); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected Save to validate first, got %v", err)
	}
}

func TestManagerOptions(t *testing.T) {
	cfg := NewDefaultConfig()
	if got := len(cfg.ManagerOptions()); got != 2 {
		t.Errorf("expected defaults and operation cost options, got %d", got)
	}

	cfg.Update(func(c *Config) { c.Transaction.OperationCost = 0 })
	if got := len(cfg.ManagerOptions()); got != 1 {
		t.Errorf("a zero operation cost keeps the manager default, got %d options", got)
	}
}
