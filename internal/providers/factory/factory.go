package factory

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/mail-relay/internal/config"
	emailprovider "github.com/example/mail-relay/internal/providers/email"
)

// Email constructs the configured email provider, supporting SMTP and mock backends.
func Email(cfg config.ProviderConfig, logger zerolog.Logger) (emailprovider.Provider, error) {
	backend := normalize(cfg.EmailProvider, "smtp")
	switch backend {
	case "smtp":
		provider, err := emailprovider.NewSMTPProvider(cfg.SMTP, logger,
			emailprovider.WithSMTPHelloName(cfg.SMTP.HelloName),
		)
		if err != nil {
			return nil, fmt.Errorf("factory: smtp provider init: %w", err)
		}
		logger.Info().
			Str("backend", "smtp").
			Str("relay", provider.Address()).
			Str("tls_mode", cfg.SMTP.TLSMode).
			Msg("email provider initialised")
		return provider, nil
	case "mock":
		provider := emailprovider.NewMockProvider(logger)
		logger.Warn().
			Str("backend", "mock").
			Msg("email provider initialised; messages will not leave the process")
		return provider, nil
	default:
		return nil, fmt.Errorf("factory: unsupported email provider backend %q", cfg.EmailProvider)
	}
}

func normalize(value, def string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return def
	}
	return value
}
