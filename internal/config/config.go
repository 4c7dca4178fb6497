package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/papapumpkin/calpipe/internal/storage"
)

// Worker launchers.
const (
	LauncherProcess   = "process"
	LauncherInProcess = "inprocess"
)

// Config holds all runtime configuration for a calpipe run.
// Values are populated from .calpipe.yaml, CALPIPE_* env vars, and CLI flags.
type Config struct {
	Workers           int            `mapstructure:"workers"`
	DryRun            bool           `mapstructure:"dry_run"`
	WorkDir           string         `mapstructure:"work_dir"`
	CheckpointDir     string         `mapstructure:"checkpoint_dir"`
	LedgerPath        string         `mapstructure:"ledger_path"`
	TelemetryPath     string         `mapstructure:"telemetry_path"`
	ToolkitPath       string         `mapstructure:"toolkit_path"`
	DatasetsFile      string         `mapstructure:"datasets_file"`
	WorkerLauncher    string         `mapstructure:"worker_launcher"`
	HeartbeatInterval time.Duration  `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration  `mapstructure:"heartbeat_timeout"`
	StaleJob          time.Duration  `mapstructure:"stale_job"`
	Storage           storage.Config `mapstructure:"storage"`
	Verbose           bool           `mapstructure:"verbose"`
}

// Load reads configuration from viper, applying built-in defaults for any
// values not set by config file, environment, or flags.
func Load() (Config, error) {
	viper.SetDefault("workers", 0)
	viper.SetDefault("dry_run", false)
	viper.SetDefault("work_dir", ".")
	viper.SetDefault("checkpoint_dir", ".calpipe")
	viper.SetDefault("ledger_path", ".calpipe/ledger.db")
	viper.SetDefault("telemetry_path", ".calpipe/telemetry.jsonl")
	viper.SetDefault("toolkit_path", "")
	viper.SetDefault("datasets_file", "")
	viper.SetDefault("worker_launcher", LauncherProcess)
	viper.SetDefault("heartbeat_interval", 10*time.Second)
	viper.SetDefault("heartbeat_timeout", time.Minute)
	viper.SetDefault("stale_job", 30*time.Minute)
	viper.SetDefault("storage.kind", storage.KindFS)
	viper.SetDefault("storage.root", "")
	viper.SetDefault("storage.minio.endpoint", "")
	viper.SetDefault("storage.minio.access_key", "")
	viper.SetDefault("storage.minio.secret_key", "")
	viper.SetDefault("storage.minio.bucket", "")
	viper.SetDefault("storage.minio.use_ssl", false)
	viper.SetDefault("verbose", false)

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges and the combinations the run command relies on.
func (c Config) Validate() error {
	var errs []error
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must be >= 0, got %d", c.Workers))
	}
	switch c.WorkerLauncher {
	case LauncherProcess, LauncherInProcess:
	default:
		errs = append(errs, fmt.Errorf("worker_launcher must be %q or %q, got %q", LauncherProcess, LauncherInProcess, c.WorkerLauncher))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat_interval must be positive, got %s", c.HeartbeatInterval))
	}
	if c.HeartbeatTimeout < 0 {
		errs = append(errs, fmt.Errorf("heartbeat_timeout must be >= 0, got %s", c.HeartbeatTimeout))
	} else if c.HeartbeatTimeout > 0 && c.HeartbeatTimeout <= c.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("heartbeat_timeout %s must exceed heartbeat_interval %s", c.HeartbeatTimeout, c.HeartbeatInterval))
	}
	switch c.Storage.Kind {
	case "", storage.KindFS:
	case storage.KindMinio:
		if err := c.Storage.Minio.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("storage.minio: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.kind must be %q or %q, got %q", storage.KindFS, storage.KindMinio, c.Storage.Kind))
	}
	if !c.DryRun && c.ToolkitPath == "" {
		errs = append(errs, errors.New("toolkit_path is required unless dry_run is set"))
	}
	return errors.Join(errs...)
}
