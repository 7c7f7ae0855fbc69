package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Wizard interactively builds a configuration file for a new deployment.
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and writing prompts to out.
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run prompts for the required and most commonly tuned settings.
func (w *Wizard) Run() (*Config, error) {
	fmt.Fprintln(w.out, "=== mixdown configuration ===")
	fmt.Fprintln(w.out)

	cfg := DefaultConfig()
	validator := NewValidator()

	for {
		fmt.Fprint(w.out, "Telegram bot token: ")
		token, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateTelegramToken(token); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Telegram.BotToken = token
		break
	}

	maxMB, err := w.readInt("Maximum upload size in MB", int(cfg.Media.MaxAssetSize/(1024*1024)))
	if err != nil {
		return nil, err
	}
	cfg.Media.MaxAssetSize = int64(maxMB) * 1024 * 1024

	cfg.Media.MaxQueueLength, err = w.readInt("Maximum clips per merge", cfg.Media.MaxQueueLength)
	if err != nil {
		return nil, err
	}

	cfg.Session.InactivityTimeoutMinutes, err = w.readInt("Session inactivity timeout in minutes", cfg.Session.InactivityTimeoutMinutes)
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(w.out, "Log level (debug/info/warn/error) [%s]: ", cfg.Logging.Level)
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, using default (%s)\n", err, cfg.Logging.Level)
		} else {
			cfg.Logging.Level = level
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return cfg, nil
}

func (w *Wizard) readInt(prompt string, def int) (int, error) {
	for {
		fmt.Fprintf(w.out, "%s [%d]: ", prompt, def)
		line, err := w.readLine()
		if err != nil {
			return 0, err
		}
		if line == "" {
			return def, nil
		}
		n, err := strconv.Atoi(line)
		if err != nil || n <= 0 {
			fmt.Fprintln(w.out, "Error: enter a positive number")
			continue
		}
		return n, nil
	}
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
