package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
	APIBind string `toml:"api_bind"`
}

// RenditionParams describe one derivative output target.
type RenditionParams struct {
	Format    string  `toml:"format"`
	Quality   float64 `toml:"quality"`
	MaxWidth  int     `toml:"max_width"`
	MaxHeight int     `toml:"max_height"`
}

// Encoder contains configuration for the derivative image encoder.
type Encoder struct {
	Workers  int             `toml:"workers"`
	Gallery  RenditionParams `toml:"gallery"`
	Document RenditionParams `toml:"document"`
}

// QueuePolicy contains retry and worker settings for one named queue.
type QueuePolicy struct {
	Workers           int `toml:"workers"`
	MaxAttempts       int `toml:"max_attempts"`
	BackoffBaseMs     int `toml:"backoff_base_ms"`
	AttemptTimeoutSec int `toml:"attempt_timeout_seconds"`
	PollIntervalSec   int `toml:"poll_interval_seconds"`
	HistoryLimit      int `toml:"history_limit"`
	DeadLetterLimit   int `toml:"dead_letter_limit"`
}

// Queues contains per-queue policy for the two background queues.
type Queues struct {
	ImageFinishing    QueuePolicy `toml:"image_finishing"`
	DocumentRendering QueuePolicy `toml:"document_rendering"`
	ShutdownGraceSec  int         `toml:"shutdown_grace_seconds"`
}

// StatusCache contains configuration for the protocol status cache.
type StatusCache struct {
	TTLSeconds int `toml:"ttl_seconds"`
}

// Drafts contains configuration for the local draft store.
type Drafts struct {
	// MaxAgeDays enables automatic disposal of incomplete drafts older than
	// the threshold. Zero disables expiry; incomplete capture work is user
	// data and is never discarded unless explicitly opted in.
	MaxAgeDays int `toml:"max_age_days"`
}

// Scheduler contains configuration for periodic maintenance tasks.
type Scheduler struct {
	MaintenanceIntervalMin int `toml:"maintenance_interval_minutes"`
}

// Upload contains configuration for the external upload surface.
type Upload struct {
	BaseURL        string `toml:"base_url"`
	Token          string `toml:"token"`
	RequestTimeout int    `toml:"request_timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for the capture pipeline.
//
// Configuration sections by subsystem:
//   - Paths: data/log directories and API bind address
//   - Encoder: derivative rendition targets and worker pool size
//   - Queues: image-finishing and document-rendering retry policy
//   - StatusCache: protocol status cache TTL
//   - Drafts: opt-in stale draft expiry
//   - Scheduler: maintenance task cadence
//   - Upload: external upload endpoint
//   - Logging: log format and level
type Config struct {
	Paths       Paths       `toml:"paths"`
	Encoder     Encoder     `toml:"encoder"`
	Queues      Queues      `toml:"queues"`
	StatusCache StatusCache `toml:"status_cache"`
	Drafts      Drafts      `toml:"drafts"`
	Scheduler   Scheduler   `toml:"scheduler"`
	Upload      Upload      `toml:"upload"`
	Logging     Logging     `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/protomedia/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. The second and third
// return values report the resolved path and whether a file was found there.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("protomedia.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

// WriteSample writes the embedded sample configuration to the given path.
func WriteSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file already exists at %s", expanded)
	}
	return os.WriteFile(expanded, []byte(sampleConfig), 0o644)
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.RenditionDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// RenditionDir returns the directory holding derivative rendition blobs.
func (c *Config) RenditionDir() string {
	return filepath.Join(c.Paths.DataDir, "renditions")
}

// StatusCachePath returns the path of the status cache slot file.
func (c *Config) StatusCachePath() string {
	return filepath.Join(c.Paths.DataDir, "status_cache.json")
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}
