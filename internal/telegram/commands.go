package telegram

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Command is an entry in the bot's command menu.
type Command struct {
	Name        string
	Description string
}

// SetCommands publishes the command menu shown by Telegram clients.
func (b *Bot) SetCommands(ctx context.Context, commands []Command) error {
	if len(commands) == 0 {
		return nil
	}

	botCommands := make([]tgbotapi.BotCommand, 0, len(commands))
	for _, c := range commands {
		botCommands = append(botCommands, tgbotapi.BotCommand{Command: c.Name, Description: c.Description})
	}

	_, err := call(ctx, func() (*tgbotapi.APIResponse, error) {
		return b.api.Request(tgbotapi.NewSetMyCommands(botCommands...))
	})
	if err != nil {
		return fmt.Errorf("failed to set commands: %w", err)
	}

	b.logger.Debug().Int("count", len(commands)).Msg("Command menu published")
	return nil
}
