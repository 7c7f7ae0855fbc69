package config

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	telegramTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)
	bitratePattern       = regexp.MustCompile(`^\d+k$`)
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateTelegramToken validates a Telegram bot token
func (v *Validator) ValidateTelegramToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram bot token cannot be empty")
	}

	// <bot_id>:<secret>, e.g. 123456789:ABCdefGHIjklMNOpqrsTUVwxyz
	if !telegramTokenPattern.MatchString(token) {
		return fmt.Errorf("invalid Telegram bot token format")
	}

	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateAudioBitrate accepts ffmpeg bitrate strings such as 128k or 192k.
func (v *Validator) ValidateAudioBitrate(bitrate string) error {
	if !bitratePattern.MatchString(bitrate) {
		return fmt.Errorf("invalid audio bitrate: %q (expected e.g. 192k)", bitrate)
	}
	return nil
}

// ValidateCRF checks the x264 constant rate factor range.
func (v *Validator) ValidateCRF(crf int) error {
	if crf < 0 || crf > 51 {
		return fmt.Errorf("video crf must be between 0 and 51, got %d", crf)
	}
	return nil
}

// ValidateConfig performs comprehensive validation and returns every problem found
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := cfg.Validate(); err != nil {
		errors = append(errors, err)
	}

	if cfg.Telegram.BotToken != "" {
		if err := v.ValidateTelegramToken(cfg.Telegram.BotToken); err != nil {
			errors = append(errors, err)
		}
	}
	if cfg.Telegram.PollTimeout < 0 {
		errors = append(errors, fmt.Errorf("telegram.poll_timeout must be >= 0"))
	}

	if strings.TrimSpace(cfg.Media.FFmpegPath) == "" {
		errors = append(errors, fmt.Errorf("media.ffmpeg_path is required"))
	}
	if strings.TrimSpace(cfg.Media.FFprobePath) == "" {
		errors = append(errors, fmt.Errorf("media.ffprobe_path is required"))
	}
	if err := v.ValidateAudioBitrate(cfg.Media.AudioBitrate); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateCRF(cfg.Media.VideoCRF); err != nil {
		errors = append(errors, err)
	}

	if cfg.Progress.MinIntervalMs < 0 {
		errors = append(errors, fmt.Errorf("progress.min_interval_ms must be >= 0"))
	}
	if cfg.Progress.Step <= 0 || cfg.Progress.Step > 100 {
		errors = append(errors, fmt.Errorf("progress.step must be between 1 and 100"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
