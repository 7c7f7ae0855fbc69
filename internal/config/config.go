package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the mixdown configuration
type Config struct {
	// Telegram
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`

	// Media limits and encoder settings
	Media MediaConfig `json:"media" mapstructure:"media"`

	// Session lifetime
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Progress reporting
	Progress ProgressConfig `json:"progress" mapstructure:"progress"`

	// Liveness probe
	Health HealthConfig `json:"health" mapstructure:"health"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory; user assets live under <data_dir>/assets
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	BotToken    string `json:"bot_token" mapstructure:"bot_token"`
	PollTimeout int    `json:"poll_timeout" mapstructure:"poll_timeout"` // seconds
}

// MediaConfig bounds what users may submit and how the encoder runs.
type MediaConfig struct {
	MaxAssetSize           int64  `json:"max_asset_size" mapstructure:"max_asset_size"` // bytes
	MaxQueueLength         int    `json:"max_queue_length" mapstructure:"max_queue_length"`
	DownloadTimeoutSeconds int    `json:"download_timeout_seconds" mapstructure:"download_timeout_seconds"`
	EncodeTimeoutSeconds   int    `json:"encode_timeout_seconds" mapstructure:"encode_timeout_seconds"`
	FFmpegPath             string `json:"ffmpeg_path" mapstructure:"ffmpeg_path"`
	FFprobePath            string `json:"ffprobe_path" mapstructure:"ffprobe_path"`
	AudioBitrate           string `json:"audio_bitrate" mapstructure:"audio_bitrate"`
	VideoCRF               int    `json:"video_crf" mapstructure:"video_crf"`
}

// SessionConfig holds inactivity reaping settings
type SessionConfig struct {
	InactivityTimeoutMinutes int `json:"inactivity_timeout_minutes" mapstructure:"inactivity_timeout_minutes"`
	ReapIntervalSeconds      int `json:"reap_interval_seconds" mapstructure:"reap_interval_seconds"`
}

// ProgressConfig holds status-edit throttling settings
type ProgressConfig struct {
	MinIntervalMs int `json:"min_interval_ms" mapstructure:"min_interval_ms"`
	Step          int `json:"step" mapstructure:"step"`
}

// HealthConfig holds the liveness server settings
type HealthConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Host    string `json:"host" mapstructure:"host"`
	Port    int    `json:"port" mapstructure:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig controls OpenTelemetry spans around session events and jobs.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"` // 0..1
	// LogSpans writes finished spans to the debug log.
	LogSpans bool `json:"log_spans" mapstructure:"log_spans"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			PollTimeout: 60,
		},
		Media: MediaConfig{
			// Bot API getFile refuses anything larger.
			MaxAssetSize:           20 * 1024 * 1024,
			MaxQueueLength:         20,
			DownloadTimeoutSeconds: 60,
			EncodeTimeoutSeconds:   600,
			FFmpegPath:             "ffmpeg",
			FFprobePath:            "ffprobe",
			AudioBitrate:           "192k",
			VideoCRF:               28,
		},
		Session: SessionConfig{
			InactivityTimeoutMinutes: 30,
			ReapIntervalSeconds:      60,
		},
		Progress: ProgressConfig{
			MinIntervalMs: 1500,
			Step:          10,
		},
		Health: HealthConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    10000,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   50,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     true,
			SampleRatio: 1,
		},
	}
}

// DownloadTimeout returns the per-download deadline.
func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.Media.DownloadTimeoutSeconds) * time.Second
}

// EncodeTimeout returns the per-job encoder deadline.
func (c *Config) EncodeTimeout() time.Duration {
	return time.Duration(c.Media.EncodeTimeoutSeconds) * time.Second
}

// InactivityTimeout returns how long a session may stay idle before it is reaped.
func (c *Config) InactivityTimeout() time.Duration {
	return time.Duration(c.Session.InactivityTimeoutMinutes) * time.Minute
}

// ReapInterval returns the reaper period.
func (c *Config) ReapInterval() time.Duration {
	return time.Duration(c.Session.ReapIntervalSeconds) * time.Second
}

// ProgressInterval returns the minimum gap between status edits.
func (c *Config) ProgressInterval() time.Duration {
	return time.Duration(c.Progress.MinIntervalMs) * time.Millisecond
}

// HealthAddr returns the liveness listen address.
func (c *Config) HealthAddr() string {
	return fmt.Sprintf("%s:%d", c.Health.Host, c.Health.Port)
}

// String returns a JSON representation of the config with the token masked
func (c *Config) String() string {
	masked := *c
	if masked.Telegram.BotToken != "" {
		masked.Telegram.BotToken = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is usable
func (c *Config) Validate() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram bot token is required (set telegram.bot_token or BOT_TOKEN)")
	}
	if c.Media.MaxAssetSize <= 0 {
		return fmt.Errorf("media.max_asset_size must be positive")
	}
	if c.Media.MaxQueueLength < 2 {
		return fmt.Errorf("media.max_queue_length must be at least 2, got %d", c.Media.MaxQueueLength)
	}
	if c.Media.DownloadTimeoutSeconds <= 0 || c.Media.EncodeTimeoutSeconds <= 0 {
		return fmt.Errorf("media timeouts must be positive")
	}
	if c.Session.InactivityTimeoutMinutes <= 0 {
		return fmt.Errorf("session.inactivity_timeout_minutes must be positive")
	}
	// The reaper would otherwise expire sessions whose job is still encoding.
	if c.EncodeTimeout() >= c.InactivityTimeout() {
		return fmt.Errorf("media.encode_timeout_seconds (%ds) must be shorter than session.inactivity_timeout_minutes (%dm)",
			c.Media.EncodeTimeoutSeconds, c.Session.InactivityTimeoutMinutes)
	}
	if c.Session.ReapIntervalSeconds <= 0 {
		return fmt.Errorf("session.reap_interval_seconds must be positive")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1, got %g", c.Tracing.SampleRatio)
	}
	if c.Health.Enabled && (c.Health.Port <= 0 || c.Health.Port > 65535) {
		return fmt.Errorf("invalid health port: %d", c.Health.Port)
	}
	return nil
}
