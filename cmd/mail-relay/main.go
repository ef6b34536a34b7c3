package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	emailadapter "github.com/example/mail-relay/internal/adapters/email"
	"github.com/example/mail-relay/internal/composer"
	"github.com/example/mail-relay/internal/config"
	"github.com/example/mail-relay/internal/guard"
	"github.com/example/mail-relay/internal/kafka/producer"
	kafkapublisher "github.com/example/mail-relay/internal/kafka/publisher"
	"github.com/example/mail-relay/internal/logger"
	"github.com/example/mail-relay/internal/payload"
	"github.com/example/mail-relay/internal/pipeline"
	"github.com/example/mail-relay/internal/providers/factory"
	"github.com/example/mail-relay/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New("mail-relay", cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := *baseLogger

	provider, err := factory.Email(cfg.Providers, logger.Component(log, "email-provider"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise email provider")
	}

	adapter, err := emailadapter.NewAdapter(provider, logger.Component(log, "email-adapter"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise email adapter")
	}

	var statusPublisher kafkapublisher.Publisher = kafkapublisher.NopPublisher{}
	if cfg.Kafka.Enabled() {
		prod, err := producer.New(cfg.Kafka.Brokers, logger.Component(log, "kafka"))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create kafka producer")
		}
		defer func() {
			if err := prod.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close kafka producer")
			}
		}()
		statusPublisher = kafkapublisher.NewStatusPublisher(prod, cfg.Kafka.StatusTopic, logger.Component(log, "status-publisher"))
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.StatusTopic).Msg("status events enabled")
	}

	comp, err := composer.New(cfg.Compose.Rules)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise composer")
	}

	deps := pipeline.Dependencies{
		Parser:    payload.NewParser(cfg.HTTP.BodyMaxBytes),
		Composer:  comp,
		Adapter:   adapter,
		Publisher: statusPublisher,
		Logger:    logger.Component(log, "pipeline"),
	}
	if cfg.HTTP.OriginGuard {
		originGuard := guard.New(cfg.HTTP.Origins, logger.Component(log, "origin-guard"))
		log.Info().Strs("origins", originGuard.Origins()).Msg("origin guard enabled")
		deps.Guard = originGuard
	} else {
		log.Warn().Msg("origin guard disabled; relying on browser CORS only")
	}

	relayAddr := cfg.Providers.EmailProvider
	if addressable, ok := provider.(interface{ Address() string }); ok {
		relayAddr = addressable.Address()
	}

	mailPipeline, err := pipeline.New(pipeline.Config{
		From:         cfg.Providers.SMTP.User,
		To:           cfg.Providers.SMTP.SendTo,
		Relay:        relayAddr,
		RelayTimeout: cfg.Timeouts.RelayTimeout(),
	}, deps)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise pipeline")
	}

	srv, err := server.New(server.Config{
		Addr:         cfg.App.Addr(),
		MailRoute:    cfg.HTTP.MailRoute,
		Origins:      cfg.HTTP.Origins,
		BodyMaxBytes: cfg.HTTP.BodyMaxBytes,
	}, mailPipeline, logger.Component(log, "http"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise http server")
	}

	errCh := make(chan error, 1)
	go func() {
		// Listen returns nil once Shutdown has run.
		if err := srv.Listen(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info().
		Str("addr", cfg.App.Addr()).
		Str("route", cfg.HTTP.MailRoute).
		Strs("rules", comp.Rules()).
		Msg("mail relay started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server terminated with error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
	// Drain status events before the deferred producer close.
	mailPipeline.Wait()
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("mail relay init failed")
}
