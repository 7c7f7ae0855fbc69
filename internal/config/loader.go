package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. MIXDOWN_MEDIA_MAX_QUEUE_LENGTH.
const EnvPrefix = "MIXDOWN"

// legacyEnv maps keys to the bare variable names older deployments used.
var legacyEnv = map[string]string{
	"telegram.bot_token": "BOT_TOKEN",
	"health.port":        "PORT",
}

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file when present and applies environment overrides
// on top of the defaults.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindKeys(v, DefaultConfig()); err != nil {
		return nil, err
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".mixdown")
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "mixdown.log")
	}

	return cfg, nil
}

// bindKeys registers every config key with viper so that environment
// variables reach Unmarshal even when the key is absent from the file.
func bindKeys(v *viper.Viper, defaults *Config) error {
	for key, value := range flatten(defaults) {
		v.SetDefault(key, value)
		names := []string{key}
		if legacy, ok := legacyEnv[key]; ok {
			names = append(names, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), legacy)
		}
		if err := v.BindEnv(names...); err != nil {
			return fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}
	return nil
}

func flatten(cfg *Config) map[string]any {
	return map[string]any{
		"telegram.bot_token":                 cfg.Telegram.BotToken,
		"telegram.poll_timeout":              cfg.Telegram.PollTimeout,
		"media.max_asset_size":               cfg.Media.MaxAssetSize,
		"media.max_queue_length":             cfg.Media.MaxQueueLength,
		"media.download_timeout_seconds":     cfg.Media.DownloadTimeoutSeconds,
		"media.encode_timeout_seconds":       cfg.Media.EncodeTimeoutSeconds,
		"media.ffmpeg_path":                  cfg.Media.FFmpegPath,
		"media.ffprobe_path":                 cfg.Media.FFprobePath,
		"media.audio_bitrate":                cfg.Media.AudioBitrate,
		"media.video_crf":                    cfg.Media.VideoCRF,
		"session.inactivity_timeout_minutes": cfg.Session.InactivityTimeoutMinutes,
		"session.reap_interval_seconds":      cfg.Session.ReapIntervalSeconds,
		"progress.min_interval_ms":           cfg.Progress.MinIntervalMs,
		"progress.step":                      cfg.Progress.Step,
		"health.enabled":                     cfg.Health.Enabled,
		"health.host":                        cfg.Health.Host,
		"health.port":                        cfg.Health.Port,
		"logging.level":                      cfg.Logging.Level,
		"logging.file":                       cfg.Logging.File,
		"logging.pretty":                     cfg.Logging.Pretty,
		"logging.max_size":                   cfg.Logging.MaxSize,
		"logging.max_age":                    cfg.Logging.MaxAge,
		"logging.compress":                   cfg.Logging.Compress,
		"logging.redaction":                  cfg.Logging.Redaction,
		"tracing.enabled":                    cfg.Tracing.Enabled,
		"tracing.sample_ratio":               cfg.Tracing.SampleRatio,
		"tracing.log_spans":                  cfg.Tracing.LogSpans,
		"data_dir":                           cfg.DataDir,
	}
}

// Save writes the configuration to the config file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("telegram", cfg.Telegram)
	v.Set("media", cfg.Media)
	v.Set("session", cfg.Session)
	v.Set("progress", cfg.Progress)
	v.Set("health", cfg.Health)
	v.Set("logging", cfg.Logging)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	// The file holds the bot token.
	if err := os.Chmod(configPath, 0o600); err != nil {
		return fmt.Errorf("failed to restrict config file: %w", err)
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".mixdown", "mixdown.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
