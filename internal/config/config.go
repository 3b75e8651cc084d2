package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/reposter/internal/common"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Worker  WorkerConfig  `yaml:"worker"`
	Tracker TrackerConfig `yaml:"tracker"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr            string        `yaml:"address" env:"REPOSTER_ADDRESS"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	MaxBodySize     ByteSize      `yaml:"maxBodySize"`
	WorkerCount     int           `yaml:"workerCount" env:"REPOSTER_WORKER_COUNT"`
	QueueCapacity   int           `yaml:"queueCapacity"`
	StorageDir      string        `yaml:"storageDir" env:"REPOSTER_STORAGE_DIR"`
	DatabasePath    string        `yaml:"databasePath" env:"REPOSTER_DATABASE_PATH"` // optional, overrides default storage_dir/reposter.db
	ShutdownGrace   time.Duration `yaml:"shutdownGrace"`                             // time to wait for workers before forced stop
	CallbackRetries int           `yaml:"callbackRetries"`                           // number of callback attempts
	CallbackBackoff time.Duration `yaml:"callbackBackoff"`                           // base backoff duration
	LogLevel        string        `yaml:"logLevel" env:"REPOSTER_LOG_LEVEL"`         // debug|info|warn|error
	SubmitRate      float64       `yaml:"submitRate"`                                // submissions per second, 0 disables limiting
	SubmitBurst     int           `yaml:"submitBurst"`
}

// WorkerConfig describes how the external repost worker is invoked.
type WorkerConfig struct {
	Command         string   `yaml:"command" env:"REPOSTER_WORKER_COMMAND"`
	Args            []string `yaml:"args"` // prepended before the target url
	DefaultCaption  string   `yaml:"defaultCaption"`
	DefaultHashtags string   `yaml:"defaultHashtags"`
}

// TrackerConfig tunes log classification and exit resolution.
type TrackerConfig struct {
	// DebounceWindow is how long exit handling waits for in-flight lines.
	DebounceWindow    time.Duration   `yaml:"debounceWindow" env:"REPOSTER_DEBOUNCE_WINDOW"`
	Keywords          KeywordSettings `yaml:"keywords"`
	SuccessIndicators []string        `yaml:"successIndicators"`
}

// KeywordSettings holds marker tokens and heuristic phrases. Matching is case-insensitive.
type KeywordSettings struct {
	StepMarker        string   `yaml:"stepMarker"`
	FinalStatusMarker string   `yaml:"finalStatusMarker"`
	DownloadStarted   []string `yaml:"downloadStarted"`
	DownloadCompleted []string `yaml:"downloadCompleted"`
	LoginStarted      []string `yaml:"loginStarted"`
	LoginCompleted    []string `yaml:"loginCompleted"`
	UploadStarted     []string `yaml:"uploadStarted"`
	UploadCompleted   []string `yaml:"uploadCompleted"`
	Errors            []string `yaml:"errors"`
}

// DefaultKeywords returns the phrases emitted by the stock repost worker.
func DefaultKeywords() KeywordSettings {
	return KeywordSettings{
		StepMarker:        "STEP_MARKER:",
		FinalStatusMarker: "FINAL_STATUS:",
		DownloadStarted:   []string{"Downloading reel from:", "Downloading instagram video from:", "Downloading youtube video from:"},
		DownloadCompleted: []string{"Downloaded video:"},
		LoginStarted:      []string{"Logging into Instagram"},
		LoginCompleted:    []string{"Logged in successfully"},
		UploadStarted:     []string{"Uploading reel to Instagram", "Uploading instagram video to Instagram", "Uploading youtube video to Instagram"},
		UploadCompleted: []string{
			"Reel uploaded successfully",
			"Video uploaded successfully",
			"Upload successful",
			"Upload completed successfully",
		},
		Errors: []string{"Error:", "Failed to", "Upload failed"},
	}
}

// DefaultSuccessIndicators returns the phrases that mark a silent zero exit as a success.
func DefaultSuccessIndicators() []string {
	return []string{
		"upload successful",
		"upload completed",
		"video uploaded successfully",
		"reel uploaded successfully",
		"step_marker: upload_completed",
		"final_status: success",
	}
}

// ByteSize represents a size in bytes that unmarshals from strings like "10MiB", "20MB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
	}
	return b.UnmarshalText([]byte(value.Value))
}

// UnmarshalText lets env overrides use the same notation as the YAML file.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// ParseByteSize parses a human readable size ("10MiB", "20MB", "512KiB", "1024") into bytes.
func ParseByteSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}

// SlogLevel maps LogLevel to a slog.Level, defaulting to info.
func (s ServerConfig) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(s.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads YAML config from path, expands environment variables, applies
// REPOSTER_* overrides and validates the result.
// If path is empty, it will attempt to read from env var REPOSTER_CONFIG, then default to "config.yaml".
// A missing default file is not an error; the built-in defaults are used instead.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		if v := os.Getenv("REPOSTER_CONFIG"); v != "" {
			path = v
			explicit = true
		} else {
			path = "config.yaml"
		}
	}

	var cfg Config
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 - reading sanitized config file path is expected
	switch {
	case err == nil:
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure storage_dir: %w", err)
	}
	if cfg.Server.DatabasePath == "" {
		cfg.Server.DatabasePath = filepath.Join(cfg.Server.StorageDir, "reposter.db")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":5000"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxBodySize == 0 {
		cfg.Server.MaxBodySize = ByteSize(64 * 1024)
	}
	if cfg.Server.WorkerCount <= 0 {
		cfg.Server.WorkerCount = common.DefaultWorkerCount
	}
	if cfg.Server.QueueCapacity <= 0 {
		cfg.Server.QueueCapacity = common.DefaultQueueCapacity
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "data"
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if cfg.Server.CallbackRetries == 0 {
		cfg.Server.CallbackRetries = 3
	}
	if cfg.Server.CallbackBackoff == 0 {
		cfg.Server.CallbackBackoff = 2 * time.Second
	}
	if cfg.Server.SubmitRate > 0 && cfg.Server.SubmitBurst <= 0 {
		cfg.Server.SubmitBurst = 1
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}

	// Worker defaults
	if strings.TrimSpace(cfg.Worker.Command) == "" {
		cfg.Worker.Command = "python"
		if len(cfg.Worker.Args) == 0 {
			cfg.Worker.Args = []string{"-u", "simple_repost_api.py"}
		}
	}

	// Tracker defaults
	if cfg.Tracker.DebounceWindow == 0 {
		cfg.Tracker.DebounceWindow = 100 * time.Millisecond
	}
	applyKeywordDefaults(&cfg.Tracker.Keywords)
	if len(cfg.Tracker.SuccessIndicators) == 0 {
		cfg.Tracker.SuccessIndicators = DefaultSuccessIndicators()
	}
}

// applyKeywordDefaults fills every list left empty in the file; configured lists replace the defaults wholesale.
func applyKeywordDefaults(k *KeywordSettings) {
	def := DefaultKeywords()
	if strings.TrimSpace(k.StepMarker) == "" {
		k.StepMarker = def.StepMarker
	}
	if strings.TrimSpace(k.FinalStatusMarker) == "" {
		k.FinalStatusMarker = def.FinalStatusMarker
	}
	fill := func(dst *[]string, src []string) {
		if len(*dst) == 0 {
			*dst = src
		}
	}
	fill(&k.DownloadStarted, def.DownloadStarted)
	fill(&k.DownloadCompleted, def.DownloadCompleted)
	fill(&k.LoginStarted, def.LoginStarted)
	fill(&k.LoginCompleted, def.LoginCompleted)
	fill(&k.UploadStarted, def.UploadStarted)
	fill(&k.UploadCompleted, def.UploadCompleted)
	fill(&k.Errors, def.Errors)
}

func validate(cfg *Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Server.LogLevel)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("server.logLevel %q is not one of debug|info|warn|error", cfg.Server.LogLevel)
	}
	if cfg.Server.SubmitRate < 0 {
		return errors.New("server.submitRate must not be negative")
	}
	if cfg.Tracker.DebounceWindow < 0 {
		return errors.New("tracker.debounceWindow must not be negative")
	}
	for _, a := range cfg.Worker.Args {
		if strings.TrimSpace(a) == "" {
			return errors.New("worker.args must not contain empty entries")
		}
	}
	return nil
}
