// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultWorkingDirectory = "/tmp"
	DefaultFilesMaxSize     = 5 // megabytes
	DefaultVirusTotalURL    = "https://www.virustotal.com/api/v3"
	DefaultPollInterval     = 15 * time.Second
	DefaultRequestTimeout   = 60 * time.Second
)

// VirusTotalConfig for the scanning service client
type VirusTotalConfig struct {
	BaseURL      string        `yaml:"base_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
	APIKey       string        `yaml:"-"` // from env only
}

// Config for the bot
type Config struct {
	WorkingDirectory string           `yaml:"working_directory"`
	FilesMaxSize     int              `yaml:"files_max_size"` // megabytes
	LogLevel         string           `yaml:"log_level"`
	LogFormat        string           `yaml:"log_format"` // "json" or "text"
	MetricsAddr      string           `yaml:"metrics_addr"`
	AuditDB          string           `yaml:"audit_db"`
	RemoveArtifacts  bool             `yaml:"remove_artifacts"`
	ReturnCleanFiles bool             `yaml:"return_clean_files"`
	VirusTotal       VirusTotalConfig `yaml:"virustotal"`
	BotAPIKey        string           `yaml:"-"` // from env only
}

// Load reads the config from an optional YAML file, applies defaults and env overrides
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Env overrides
	if v := os.Getenv("WORKING_DIRECTORY"); v != "" {
		cfg.WorkingDirectory = v
	}
	if v := os.Getenv("FILES_MAX_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("FILES_MAX_SIZE: %w", err)
		}
		cfg.FilesMaxSize = n
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("VTBOT_AUDIT_DB"); v != "" {
		cfg.AuditDB = v
	}
	cfg.BotAPIKey = os.Getenv("TELEGRAM_BOT_APIKEY")
	cfg.VirusTotal.APIKey = os.Getenv("VIRUS_TOTAL_APIKEY")

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.WorkingDirectory == "" {
		c.WorkingDirectory = DefaultWorkingDirectory
	}
	if c.FilesMaxSize == 0 {
		c.FilesMaxSize = DefaultFilesMaxSize
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.VirusTotal.BaseURL == "" {
		c.VirusTotal.BaseURL = DefaultVirusTotalURL
	}
	if c.VirusTotal.PollInterval <= 0 {
		c.VirusTotal.PollInterval = DefaultPollInterval
	}
	if c.VirusTotal.Timeout <= 0 {
		c.VirusTotal.Timeout = DefaultRequestTimeout
	}
}

// Validate checks the settings the bot cannot run without
func (c *Config) Validate() error {
	var errs []error
	if c.BotAPIKey == "" {
		errs = append(errs, errors.New("TELEGRAM_BOT_APIKEY is required"))
	}
	if c.VirusTotal.APIKey == "" {
		errs = append(errs, errors.New("VIRUS_TOTAL_APIKEY is required"))
	}
	if c.FilesMaxSize <= 0 {
		errs = append(errs, fmt.Errorf("files_max_size must be positive, got %d", c.FilesMaxSize))
	}
	return errors.Join(errs...)
}

// ArtifactsPath is where downloaded files are kept, one subdirectory per user
func (c *Config) ArtifactsPath() string {
	return filepath.Join(c.WorkingDirectory, "artifacts")
}

// LogsPath is where log files are written
func (c *Config) LogsPath() string {
	return filepath.Join(c.WorkingDirectory, "logs")
}

// EnsureDirs creates the artifacts and logs directories
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.ArtifactsPath(), c.LogsPath()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("make directory %s: %w", dir, err)
		}
	}
	return nil
}
