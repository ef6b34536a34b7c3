// Package server exposes the mail pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"reflect"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/example/mail-relay/internal/pipeline"
)

// HealthRoute is the liveness check path.
const HealthRoute = "/health"

// Handler runs one mail submission.
type Handler interface {
	Handle(ctx context.Context, req pipeline.Request) pipeline.Outcome
}

// Config controls the HTTP surface.
type Config struct {
	Addr         string
	MailRoute    string
	Origins      []string
	BodyMaxBytes int
}

// Server owns the fiber application.
type Server struct {
	app     *fiber.App
	addr    string
	handler Handler
	logger  zerolog.Logger
}

// New builds the application with routes and middleware registered.
func New(cfg Config, handler Handler, logger zerolog.Logger) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler is required")
	}
	if cfg.MailRoute == "" {
		cfg.MailRoute = "/mail"
	}
	if !strings.HasPrefix(cfg.MailRoute, "/") || cfg.MailRoute == HealthRoute {
		return nil, errors.New("server: invalid mail route " + cfg.MailRoute)
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	s := &Server{
		addr:    cfg.Addr,
		handler: handler,
		logger:  logger,
	}

	app := fiber.New(fiber.Config{
		AppName:               "mail-relay",
		BodyLimit:             cfg.BodyMaxBytes,
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})

	app.Use(requestID())
	app.Use(accessLog(logger))
	app.Use(recover.New())
	if len(cfg.Origins) > 0 {
		app.Use(cors.New(cors.Config{
			AllowOrigins: strings.Join(cfg.Origins, ","),
			AllowHeaders: fiber.HeaderContentType,
			AllowMethods: fiber.MethodPost,
		}))
	}

	app.Get(HealthRoute, s.health)
	app.Post(cfg.MailRoute, s.mail)

	s.app = app
	return s, nil
}

// App exposes the fiber application, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves until Shutdown is called.
func (s *Server) Listen() error {
	s.logger.Info().Str("addr", s.addr).Msg("http server listening")
	return s.app.Listen(s.addr)
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) health(c *fiber.Ctx) error {
	c.Status(fiber.StatusOK)
	return nil
}

func (s *Server) mail(c *fiber.Ctx) error {
	out := s.handler.Handle(c.UserContext(), pipeline.Request{
		Origin:    c.Get(fiber.HeaderOrigin),
		Body:      append([]byte(nil), c.Body()...),
		RequestID: RequestID(c),
	})
	if out.MessageID != "" {
		c.Set("X-Message-ID", out.MessageID)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.Status(out.Status).SendString(out.Body)
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.Status(code).SendString(err.Error())
}
