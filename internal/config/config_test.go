package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/papapumpkin/calpipe/internal/storage"
)

// resetViper clears all viper state between tests to avoid cross-contamination.
func resetViper() {
	viper.Reset()
}

func TestLoad_Defaults(t *testing.T) {
	resetViper()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"Workers", cfg.Workers, 0},
		{"DryRun", cfg.DryRun, false},
		{"WorkDir", cfg.WorkDir, "."},
		{"CheckpointDir", cfg.CheckpointDir, ".calpipe"},
		{"LedgerPath", cfg.LedgerPath, ".calpipe/ledger.db"},
		{"TelemetryPath", cfg.TelemetryPath, ".calpipe/telemetry.jsonl"},
		{"WorkerLauncher", cfg.WorkerLauncher, LauncherProcess},
		{"HeartbeatInterval", cfg.HeartbeatInterval, 10 * time.Second},
		{"HeartbeatTimeout", cfg.HeartbeatTimeout, time.Minute},
		{"StaleJob", cfg.StaleJob, 30 * time.Minute},
		{"StorageKind", cfg.Storage.Kind, storage.KindFS},
		{"Verbose", cfg.Verbose, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	resetViper()

	tests := []struct {
		name   string
		envKey string
		envVal string
		field  func(Config) any
		want   any
	}{
		{
			name:   "workers",
			envKey: "CALPIPE_WORKERS",
			envVal: "4",
			field:  func(c Config) any { return c.Workers },
			want:   4,
		},
		{
			name:   "dry_run",
			envKey: "CALPIPE_DRY_RUN",
			envVal: "true",
			field:  func(c Config) any { return c.DryRun },
			want:   true,
		},
		{
			name:   "toolkit_path",
			envKey: "CALPIPE_TOOLKIT_PATH",
			envVal: "/opt/casa/bin/casa-job",
			field:  func(c Config) any { return c.ToolkitPath },
			want:   "/opt/casa/bin/casa-job",
		},
		{
			name:   "heartbeat_interval",
			envKey: "CALPIPE_HEARTBEAT_INTERVAL",
			envVal: "2s",
			field:  func(c Config) any { return c.HeartbeatInterval },
			want:   2 * time.Second,
		},
		{
			name:   "worker_launcher",
			envKey: "CALPIPE_WORKER_LAUNCHER",
			envVal: "inprocess",
			field:  func(c Config) any { return c.WorkerLauncher },
			want:   LauncherInProcess,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetViper()
			// Set env prefix so CALPIPE_* env vars map to config keys.
			viper.SetEnvPrefix("CALPIPE")
			viper.AutomaticEnv()

			os.Setenv(tt.envKey, tt.envVal)
			defer os.Unsetenv(tt.envKey)

			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() returned unexpected error: %v", err)
			}
			got := tt.field(cfg)
			if got != tt.want {
				t.Errorf("%s: got %v (%T), want %v (%T)", tt.name, got, got, tt.want, tt.want)
			}
		})
	}
}

func TestLoad_NestedStorageKeys(t *testing.T) {
	resetViper()
	viper.Set("storage.kind", "minio")
	viper.Set("storage.minio.endpoint", "s3.example.org:9000")
	viper.Set("storage.minio.bucket", "calib")
	viper.Set("storage.minio.use_ssl", true)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}
	m := cfg.Storage.Minio
	if cfg.Storage.Kind != storage.KindMinio || m.Endpoint != "s3.example.org:9000" || m.Bucket != "calib" || !m.UseSSL {
		t.Errorf("storage = %+v", cfg.Storage)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		resetViper()
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() returned unexpected error: %v", err)
		}
		cfg.DryRun = true
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults in dry run", func(*Config) {}, ""},
		{"negative workers", func(c *Config) { c.Workers = -1 }, "workers must be >= 0"},
		{"unknown launcher", func(c *Config) { c.WorkerLauncher = "ssh" }, "worker_launcher"},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }, "heartbeat_interval must be positive"},
		{"timeout below interval", func(c *Config) { c.HeartbeatTimeout = time.Second }, "must exceed heartbeat_interval"},
		{"timeout disabled", func(c *Config) { c.HeartbeatTimeout = 0 }, ""},
		{"unknown storage", func(c *Config) { c.Storage.Kind = "gcs" }, "storage.kind"},
		{"minio without endpoint", func(c *Config) { c.Storage.Kind = storage.KindMinio }, "storage.minio"},
		{"real run needs toolkit", func(c *Config) { c.DryRun = false }, "toolkit_path is required"},
		{"real run with toolkit", func(c *Config) { c.DryRun = false; c.ToolkitPath = "casa-job" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
