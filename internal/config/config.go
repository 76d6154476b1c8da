package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const DefaultPath = "/etc/aedwt-runner/config.toml"

type AppConfig struct {
	Listen       string `toml:"listen"`
	WorkflowFile string `toml:"workflow_file"`
	WorkDir      string `toml:"work_dir"`
	StateDir     string `toml:"state_dir"`
	Workers      int    `toml:"workers"`
	QueueSize    int    `toml:"queue_size"`
	Jitter       string `toml:"jitter"`
	RunOnStart   bool   `toml:"run_on_start"`

	Log      LogConfig      `toml:"log"`
	Dispatch DispatchConfig `toml:"dispatch"`
	Dataset  DatasetConfig  `toml:"dataset"`
	Scrape   ScrapeConfig   `toml:"scrape"`
}

type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// DispatchConfig bounds manual triggers over HTTP.
type DispatchConfig struct {
	PerMinute float64 `toml:"per_minute"`
	Burst     int     `toml:"burst"`
}

type DatasetConfig struct {
	Backend string `toml:"backend"` // "hf", "s3" or "fs"

	// hf
	Endpoint string `toml:"endpoint"`
	Repo     string `toml:"repo"`
	Revision string `toml:"revision"`
	TokenEnv string `toml:"token_env"`

	// s3
	S3Endpoint     string `toml:"s3_endpoint"`
	S3Region       string `toml:"s3_region"`
	S3Bucket       string `toml:"s3_bucket"`
	S3UseSSL       bool   `toml:"s3_use_ssl"`
	S3AccessKeyEnv string `toml:"s3_access_key_env"`
	S3SecretKeyEnv string `toml:"s3_secret_key_env"`

	// fs
	Dir string `toml:"dir"`
}

type ScrapeConfig struct {
	SourceURL  string `toml:"source_url"`
	Query      string `toml:"query"`
	Location   string `toml:"location"`
	StaleAfter string `toml:"stale_after"`
	Timeout    string `toml:"timeout"`
}

// Load reads the config at path, writing the defaults there first if the
// file does not exist yet.
func Load(path string) (*AppConfig, error) {
	cfg := &AppConfig{}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg = Defaults()
		if err := saveToDisk(path, cfg); err != nil {
			return nil, err
		}
	} else {
		*cfg = *Defaults()
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Defaults() *AppConfig {
	return &AppConfig{
		Listen:       ":9223",
		WorkflowFile: "/etc/aedwt-runner/workflow.yaml",
		WorkDir:      "/var/lib/aedwt-runner/work",
		StateDir:     "/var/lib/aedwt-runner",
		Workers:      1,
		QueueSize:    1,
		Jitter:       "0s",
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  25,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Dispatch: DispatchConfig{
			PerMinute: 6,
			Burst:     2,
		},
		Dataset: DatasetConfig{
			Backend:        "hf",
			Endpoint:       "https://huggingface.co",
			Repo:           "StannumX/aed-wait-time-data",
			Revision:       "main",
			TokenEnv:       "HF_TOKEN",
			S3Region:       "us-east-1",
			S3UseSSL:       true,
			S3AccessKeyEnv: "AEDWT_S3_ACCESS_KEY",
			S3SecretKeyEnv: "AEDWT_S3_SECRET_KEY",
			Dir:            "/var/lib/aedwt-runner/dataset",
		},
		Scrape: ScrapeConfig{
			SourceURL:  "https://www.ha.org.hk/aedwt/data/aedWtData.json",
			Query:      "[.result.hospData[] | {hospNameGb, topWait, hospTimeEn}]",
			Location:   "Asia/Hong_Kong",
			StaleAfter: "15m",
			Timeout:    "30s",
		},
	}
}

func (c *AppConfig) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive, got %d", c.QueueSize)
	}
	for name, v := range map[string]string{
		"jitter":             c.Jitter,
		"scrape.stale_after": c.Scrape.StaleAfter,
		"scrape.timeout":     c.Scrape.Timeout,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	switch c.Dataset.Backend {
	case "hf", "s3", "fs":
	default:
		return fmt.Errorf("unknown dataset backend %q", c.Dataset.Backend)
	}
	return nil
}

// JitterDuration is only valid after Validate.
func (c *AppConfig) JitterDuration() time.Duration {
	d, _ := time.ParseDuration(c.Jitter)
	return d
}

func (c *AppConfig) HistoryPath() string {
	return filepath.Join(c.StateDir, "history.db")
}

func (c *AppConfig) LockPath() string {
	return filepath.Join(c.StateDir, "run.lock")
}

func (c *AppConfig) KeyPath() string {
	return filepath.Join(c.StateDir, ".secret.key")
}

// PathFromEnv is AEDWT_CONFIG or DefaultPath.
func PathFromEnv() string {
	return getenv("AEDWT_CONFIG", DefaultPath)
}

func applyEnv(cfg *AppConfig) {
	cfg.Listen = getenv("AEDWT_LISTEN", cfg.Listen)
	cfg.WorkflowFile = getenv("AEDWT_WORKFLOW", cfg.WorkflowFile)
	cfg.StateDir = getenv("AEDWT_STATE_DIR", cfg.StateDir)
	cfg.Log.Level = getenv("AEDWT_LOG", cfg.Log.Level)
}

func getenv(k, fb string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return fb
}

func saveToDisk(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
