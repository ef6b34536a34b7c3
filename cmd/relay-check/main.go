package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	emailadapter "github.com/example/mail-relay/internal/adapters/email"
	"github.com/example/mail-relay/internal/composer"
	"github.com/example/mail-relay/internal/config"
	"github.com/example/mail-relay/internal/models"
	"github.com/example/mail-relay/internal/providers/factory"
)

// relay-check submits one message through the configured relay and exits
// non-zero when the relay does not accept it.
func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	provider, err := factory.Email(cfg.Providers, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise email provider")
	}

	adapter, err := emailadapter.NewAdapter(provider, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise email adapter")
	}

	doc := map[string]any{
		"subject": "Relay check",
		"body":    "<p>Hello from the relay check.</p>",
	}
	composition := composer.Flat().Compose(models.NewPayload(doc))

	msg := &models.ComposedMessage{
		MessageID: uuid.NewString(),
		Rule:      composition.Rule,
		From:      cfg.Providers.SMTP.User,
		To:        cfg.Providers.SMTP.SendTo,
		Subject:   composition.Subject,
		BodyType:  composition.BodyType,
		Body:      composition.Body,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.RelayTimeout())
	defer cancel()

	response, err := adapter.Send(ctx, msg)
	if err != nil {
		logger.Fatal().
			Err(err).
			Interface("response", response).
			Msg("relay rejected the check message")
	}

	logger.Info().
		Str("message_id", msg.MessageID).
		Str("to", msg.To).
		Str("status", response.Status).
		Int("code", response.CodeValue()).
		Msg("relay accepted the check message")
}
