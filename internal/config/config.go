package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/FairForge/bastion/internal/drtest"
	"github.com/FairForge/bastion/internal/scheduler"
)

// Config is the full DR subsystem configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Crypto     CryptoConfig     `yaml:"crypto"`
	Database   DatabaseConfig   `yaml:"database"`
	Backup     BackupConfig     `yaml:"backup"`
	Corruption CorruptionConfig `yaml:"corruption"`
	Failover   FailoverConfig   `yaml:"failover"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	DRTest     DRTestConfig     `yaml:"drtest"`

	// Components maps component names to their data locations. Each entry
	// becomes a file-tree backup source.
	Components map[string]ComponentConfig `yaml:"components"`
}

type ComponentConfig struct {
	Path    string            `yaml:"path"`
	Targets map[string]string `yaml:"targets"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr" default:":8080"`
	LogLevel string `yaml:"log_level" default:"info"`
}

type StorageConfig struct {
	// Mode selects the driver: "local" or "s3".
	Mode      string `yaml:"mode" default:"local"`
	LocalPath string `yaml:"local_path"`

	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`

	MaxAttempts  int           `yaml:"max_attempts" default:"3"`
	InitialDelay time.Duration `yaml:"initial_delay" default:"100ms"`
}

type CryptoConfig struct {
	// MasterKeyHex is the hex-encoded 32-byte master key. Derived
	// per-backup keys never leave the key manager.
	MasterKeyHex string `yaml:"master_key_hex"`
	Algorithm    string `yaml:"algorithm" default:"aes-256-gcm"`
}

type DatabaseConfig struct {
	// DSN enables catalog persistence through postgres when set.
	DSN string `yaml:"dsn"`
}

type BackupConfig struct {
	Container     string        `yaml:"container" default:"backups"`
	RetentionDays int           `yaml:"retention_days" default:"30"`
	VerifyAfter   bool          `yaml:"verify_after" default:"true"`
	OpTimeout     time.Duration `yaml:"op_timeout" default:"15m"`
}

type CorruptionConfig struct {
	RowCountDeltaPct float64       `yaml:"row_count_delta_pct" default:"0.5"`
	MediumFraction   float64       `yaml:"medium_fraction" default:"0.2"`
	AutoRecover      []string      `yaml:"auto_recover"`
	RestoreTarget    string        `yaml:"restore_target" default:"live"`
	ScanInterval     time.Duration `yaml:"scan_interval" default:"10m"`
}

type FailoverConfig struct {
	ProbeInterval        time.Duration     `yaml:"probe_interval" default:"10s"`
	ProbeThreshold       int               `yaml:"probe_threshold" default:"3"`
	ProbeWindow          time.Duration     `yaml:"probe_window" default:"2m"`
	ProbeTimeout         time.Duration     `yaml:"probe_timeout" default:"5s"`
	BackupBeforeFailover bool              `yaml:"backup_before_failover" default:"true"`
	Endpoints            map[string]string `yaml:"endpoints"`
	MaxReplicationLag    time.Duration     `yaml:"max_replication_lag" default:"5s"`

	// ReplicaDSN points at the postgres streaming replica; enables
	// database promotion when set.
	ReplicaDSN string `yaml:"replica_dsn"`
}

type SchedulerConfig struct {
	TickInterval    time.Duration             `yaml:"tick_interval" default:"30s"`
	MaxTaskDuration time.Duration             `yaml:"max_task_duration" default:"1h"`
	Windows         []scheduler.Window        `yaml:"maintenance_windows"`
	Entries         []scheduler.ScheduleEntry `yaml:"entries"`
}

type MonitoringConfig struct {
	WebhookURL    string `yaml:"webhook_url"`
	RatePerMinute int    `yaml:"rate_per_minute" default:"30"`
	BusBuffer     int    `yaml:"bus_buffer" default:"1024"`
}

type DRTestConfig struct {
	Scenarios []drtest.Scenario `yaml:"scenarios"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Addr: ":8080", LogLevel: "info"},
		Storage: StorageConfig{Mode: "local", LocalPath: "./data", MaxAttempts: 3, InitialDelay: 100 * time.Millisecond},
		Crypto:  CryptoConfig{Algorithm: "aes-256-gcm"},
		Backup:  BackupConfig{Container: "backups", RetentionDays: 30, VerifyAfter: true, OpTimeout: 15 * time.Minute},
		Corruption: CorruptionConfig{
			RowCountDeltaPct: 0.5,
			MediumFraction:   0.2,
			RestoreTarget:    "live",
			ScanInterval:     10 * time.Minute,
		},
		Failover: FailoverConfig{
			ProbeInterval:        10 * time.Second,
			ProbeThreshold:       3,
			ProbeWindow:          2 * time.Minute,
			ProbeTimeout:         5 * time.Second,
			BackupBeforeFailover: true,
			MaxReplicationLag:    5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			TickInterval:    30 * time.Second,
			MaxTaskDuration: time.Hour,
		},
		Monitoring: MonitoringConfig{RatePerMinute: 30, BusBuffer: 1024},
	}
}

// Load reads a YAML config file over the defaults, then applies env
// overrides. A missing file leaves defaults plus env in place.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch c.Storage.Mode {
	case "local", "s3":
	default:
		return fmt.Errorf("unknown storage mode %q", c.Storage.Mode)
	}
	if c.Storage.Mode == "s3" && c.Storage.Bucket == "" {
		return fmt.Errorf("s3 storage requires a bucket")
	}
	if c.Backup.RetentionDays < 0 {
		return fmt.Errorf("retention_days must not be negative")
	}
	for _, e := range c.Scheduler.Entries {
		if e.Name == "" {
			return fmt.Errorf("schedule entry without a name")
		}
	}
	return nil
}
