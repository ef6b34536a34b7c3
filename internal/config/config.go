package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/mail-relay/internal/util"
)

// ErrConfigMissing is returned by Load when required settings are absent or
// malformed. The process must not start when it is returned.
var ErrConfigMissing = errors.New("config validation failed")

// TLS modes supported for the relay connection.
const (
	TLSModeImplicit = "implicit"
	TLSModeStartTLS = "starttls"
	TLSModeNone     = "none"
)

// Composition rule names accepted in COMPOSE_RULES.
var knownRules = []string{"contact", "code", "flat"}

// Config captures all runtime configuration for the relay. It is loaded once
// at start and never mutated afterwards.
type Config struct {
	App       AppConfig
	HTTP      HTTPConfig
	Compose   ComposeConfig
	Providers ProviderConfig
	Kafka     KafkaConfig
	Timeouts  TimeoutConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	LogLevel string
	BindAddr string
	Port     int
}

// Addr returns the listen address.
func (a AppConfig) Addr() string {
	return net.JoinHostPort(a.BindAddr, strconv.Itoa(a.Port))
}

// HTTPConfig controls the inbound HTTP surface.
type HTTPConfig struct {
	MailRoute    string
	Origins      []string
	OriginGuard  bool
	BodyMaxBytes int
}

// ComposeConfig lists the composition rules enabled for this deployment.
type ComposeConfig struct {
	Rules []string
}

// SMTPConfig stores the relay credentials and the fixed recipient.
type SMTPConfig struct {
	Host      string
	Port      int
	User      string
	Pass      string
	SendTo    string
	TLSMode   string
	HelloName string
}

// ProviderConfig selects and configures the email provider.
type ProviderConfig struct {
	EmailProvider string
	SMTP          SMTPConfig
}

// KafkaConfig enables delivery status events when Brokers is not empty.
type KafkaConfig struct {
	Brokers     []string
	StatusTopic string
}

// Enabled reports whether status events should be published.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// TimeoutConfig contains timeout thresholds for outbound calls.
type TimeoutConfig struct {
	RelayTimeoutSeconds    int
	ShutdownTimeoutSeconds int
}

// RelayTimeout returns the bound applied to a single relay attempt.
func (t TimeoutConfig) RelayTimeout() time.Duration {
	return time.Duration(t.RelayTimeoutSeconds) * time.Second
}

// ShutdownTimeout returns the grace period for in-flight requests on exit.
func (t TimeoutConfig) ShutdownTimeout() time.Duration {
	return time.Duration(t.ShutdownTimeoutSeconds) * time.Second
}

// Load reads environment variables (and an optional .env file), applies
// defaults, validates required values and returns a populated Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)
	cfg.App.BindAddr = ldr.getString("BIND_ADDR", "127.0.0.1", false)
	cfg.App.Port = ldr.getPort("APP_PORT", 3000, false)

	cfg.HTTP.MailRoute = ldr.getRoute("MAIL_ROUTE", "/mail")
	cfg.HTTP.Origins = ldr.getOrigins("ORIGINS", true)
	cfg.HTTP.OriginGuard = ldr.getBool("ORIGIN_GUARD", true, false)
	cfg.HTTP.BodyMaxBytes = ldr.getInt("BODY_MAX_BYTES", 1<<20, false)

	cfg.Compose.Rules = ldr.getEnumList("COMPOSE_RULES", knownRules, knownRules)

	cfg.Providers.EmailProvider = ldr.getEnum("EMAIL_PROVIDER", "smtp", []string{"smtp", "mock"})
	cfg.Providers.SMTP.Host = ldr.getString("SMTP_HOST", "", true)
	cfg.Providers.SMTP.User = ldr.getString("SMTP_USER", "", true)
	cfg.Providers.SMTP.Pass = ldr.getString("SMTP_PASSWORD", "", true)
	cfg.Providers.SMTP.SendTo = ldr.getString("SEND_TO", "", true)
	cfg.Providers.SMTP.TLSMode = ldr.getEnum("SMTP_TLS_MODE", TLSModeImplicit, []string{TLSModeImplicit, TLSModeStartTLS, TLSModeNone})
	cfg.Providers.SMTP.Port = ldr.getPort("SMTP_PORT", defaultSMTPPort(cfg.Providers.SMTP.TLSMode), false)
	cfg.Providers.SMTP.HelloName = ldr.getString("SMTP_HELLO_NAME", "localhost", false)

	cfg.Kafka.Brokers = util.SplitList(ldr.getString("KAFKA_BROKERS", "", false))
	cfg.Kafka.StatusTopic = ldr.getString("KAFKA_STATUS_TOPIC", "mail.status", false)

	cfg.Timeouts.RelayTimeoutSeconds = ldr.getInt("RELAY_TIMEOUT_SECONDS", 30, false)
	cfg.Timeouts.ShutdownTimeoutSeconds = ldr.getInt("SHUTDOWN_TIMEOUT_SECONDS", 10, false)
	if cfg.Timeouts.RelayTimeoutSeconds <= 0 {
		ldr.addError("RELAY_TIMEOUT_SECONDS must be positive")
	}

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultSMTPPort(mode string) int {
	switch mode {
	case TLSModeStartTLS:
		return 587
	case TLSModeNone:
		return 25
	default:
		return 465
	}
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrConfigMissing, strings.Join(l.errs, "; "))
}

func (l *envLoader) lookup(key string, required bool) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val != "" {
			return val, true
		}
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return "", false
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := l.lookup(key, required); ok {
		return val
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

func (l *envLoader) getPort(key string, def int, required bool) int {
	port := l.getInt(key, def, required)
	if port <= 0 || port > 65535 {
		l.addError(fmt.Sprintf("%s must be between 1 and 65535", key))
		return def
	}
	return port
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid boolean", key))
		return def
	}
	return parsed
}

func (l *envLoader) getEnum(key, def string, allowed []string) string {
	val, ok := l.lookup(key, false)
	if !ok {
		return def
	}
	val = strings.ToLower(val)
	for _, a := range allowed {
		if val == a {
			return val
		}
	}
	l.addError(fmt.Sprintf("%s must be one of %s", key, strings.Join(allowed, ", ")))
	return def
}

func (l *envLoader) getEnumList(key string, def, allowed []string) []string {
	val, ok := l.lookup(key, false)
	if !ok {
		return append([]string(nil), def...)
	}
	var out []string
	for _, item := range util.SplitList(strings.ToLower(val)) {
		known := false
		for _, a := range allowed {
			if item == a {
				known = true
				break
			}
		}
		if !known {
			l.addError(fmt.Sprintf("%s: unknown entry %q", key, item))
			continue
		}
		out = append(out, item)
	}
	return out
}

func (l *envLoader) getRoute(key, def string) string {
	route := l.getString(key, def, false)
	if !strings.HasPrefix(route, "/") {
		l.addError(fmt.Sprintf("%s must start with '/'", key))
		return def
	}
	return route
}

func (l *envLoader) getOrigins(key string, required bool) []string {
	raw, ok := l.lookup(key, required)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range util.SplitFields(raw) {
		origin, err := util.ValidateOrigin(item)
		if err != nil {
			l.addError(fmt.Sprintf("%s: %v", key, err))
			continue
		}
		out = append(out, origin)
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
