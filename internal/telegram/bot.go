package telegram

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/mixdown/internal/config"
	"github.com/harun/mixdown/internal/logger"
	"github.com/rs/zerolog"
)

// API is the subset of *tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// UpdateHandler receives every inbound update.
type UpdateHandler func(update tgbotapi.Update)

// Bot represents a Telegram bot instance
type Bot struct {
	api         API
	token       string
	username    string
	pollTimeout int
	http        *http.Client
	logger      zerolog.Logger

	// fileEndpoint is a format string taking the token and the file path.
	fileEndpoint string

	running bool
	done    chan struct{}
	mu      sync.Mutex
}

// New creates a new Telegram bot instance
func New(cfg *config.TelegramConfig, log *logger.Logger) (*Bot, error) {
	if cfg == nil {
		return nil, fmt.Errorf("telegram config is required")
	}

	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	client := &http.Client{Timeout: 90 * time.Second}
	api, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	bot := NewWithAPI(api, cfg.BotToken, log.GetZerolog())
	bot.username = api.Self.UserName
	if cfg.PollTimeout > 0 {
		bot.pollTimeout = cfg.PollTimeout
	}
	bot.http = client

	bot.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")

	return bot, nil
}

// NewWithAPI wraps an existing API client.
func NewWithAPI(api API, token string, base zerolog.Logger) *Bot {
	return &Bot{
		api:          api,
		token:        token,
		pollTimeout:  60,
		http:         &http.Client{Timeout: 90 * time.Second},
		logger:       base.With().Str("component", "telegram").Logger(),
		fileEndpoint: tgbotapi.FileEndpoint,
	}
}

// Start begins long polling and hands each update to handler on a single
// goroutine, preserving arrival order.
func (b *Bot) Start(handler UpdateHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("bot is already running")
	}

	b.logger.Info().Msg("Starting Telegram bot")

	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.pollTimeout
	u.AllowedUpdates = []string{"message", "callback_query"}

	updates := b.api.GetUpdatesChan(u)
	b.running = true
	b.done = make(chan struct{})

	go b.processUpdates(updates, handler, b.done)

	b.logger.Info().Msg("Telegram bot started")

	return nil
}

// Stop stops polling and waits for the update loop to drain.
func (b *Bot) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return fmt.Errorf("bot is not running")
	}
	b.running = false
	done := b.done
	b.mu.Unlock()

	b.logger.Info().Msg("Stopping Telegram bot")
	b.api.StopReceivingUpdates()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		b.logger.Warn().Msg("Update loop did not drain in time")
	}

	b.logger.Info().Msg("Telegram bot stopped")

	return nil
}

func (b *Bot) processUpdates(updates tgbotapi.UpdatesChannel, handler UpdateHandler, done chan struct{}) {
	defer close(done)
	for update := range updates {
		if !b.IsRunning() {
			return
		}
		handler(update)
	}
}

// IsRunning returns whether the bot is running
func (b *Bot) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Username returns the bot's username.
func (b *Bot) Username() string {
	return b.username
}

// ValidateToken validates a bot token by attempting to authenticate
func ValidateToken(token string) error {
	if token == "" {
		return fmt.Errorf("bot token is empty")
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return fmt.Errorf("invalid bot token: %w", err)
	}

	if api.Self.UserName == "" {
		return fmt.Errorf("failed to get bot info")
	}

	return nil
}

// call runs fn but stops waiting once ctx is done. The Bot API client has
// no context support; its own HTTP timeout bounds the abandoned call.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
