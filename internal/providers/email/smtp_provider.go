package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/textproto"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
	"gopkg.in/gomail.v2"

	"github.com/example/mail-relay/internal/config"
	"github.com/example/mail-relay/internal/models"
	"github.com/example/mail-relay/internal/util"
)

// SMTPOption configures the behaviour of the SMTP provider.
type SMTPOption func(*SMTPProvider)

// WithSMTPTLSConfig overrides the TLS configuration used for implicit TLS and
// STARTTLS.
func WithSMTPTLSConfig(cfg *tls.Config) SMTPOption {
	return func(p *SMTPProvider) {
		if cfg != nil {
			p.tlsConfig = cfg
		}
	}
}

// WithSMTPDialer swaps the network dialer used to establish SMTP connections.
func WithSMTPDialer(d Dialer) SMTPOption {
	return func(p *SMTPProvider) {
		if d != nil {
			p.dialer = d
		}
	}
}

// WithSMTPClock replaces the clock used for Date headers and timestamps.
func WithSMTPClock(now func() time.Time) SMTPOption {
	return func(p *SMTPProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// WithSMTPHelloName customises the EHLO/HELO identity presented to the server.
func WithSMTPHelloName(name string) SMTPOption {
	return func(p *SMTPProvider) {
		if strings.TrimSpace(name) != "" {
			p.helloName = strings.TrimSpace(name)
		}
	}
}

// Dialer abstracts net.Dialer to simplify testing.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// SMTPProvider submits messages to an authenticated upstream relay. Every
// Send opens a fresh connection; nothing is pooled or retried.
type SMTPProvider struct {
	logger    zerolog.Logger
	host      string
	port      int
	from      string
	tlsMode   string
	tlsConfig *tls.Config
	dialer    Dialer
	newAuth   func() sasl.Client
	now       func() time.Time
	helloName string
}

// NewSMTPProvider constructs a Provider backed by an SMTP relay. The sender
// address defaults to the relay username.
func NewSMTPProvider(cfg config.SMTPConfig, logger zerolog.Logger, opts ...SMTPOption) (*SMTPProvider, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp provider: host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("smtp provider: invalid port %d", cfg.Port)
	}
	if strings.TrimSpace(cfg.User) == "" {
		return nil, errors.New("smtp provider: username is required")
	}

	mode := strings.ToLower(strings.TrimSpace(cfg.TLSMode))
	switch mode {
	case "":
		mode = config.TLSModeImplicit
	case config.TLSModeImplicit, config.TLSModeStartTLS, config.TLSModeNone:
	default:
		return nil, fmt.Errorf("smtp provider: unsupported tls mode %q", cfg.TLSMode)
	}

	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	user, pass := strings.TrimSpace(cfg.User), cfg.Pass
	p := &SMTPProvider{
		logger:    logger,
		host:      strings.TrimSpace(cfg.Host),
		port:      cfg.Port,
		from:      user,
		tlsMode:   mode,
		dialer:    &net.Dialer{Timeout: 30 * time.Second},
		now:       time.Now,
		helloName: "localhost",
		newAuth: func() sasl.Client {
			return sasl.NewPlainClient("", user, pass)
		},
	}

	p.tlsConfig = &tls.Config{
		ServerName: p.host,
		MinVersion: tls.VersionTLS12,
	}

	if cfg.HelloName != "" {
		p.helloName = cfg.HelloName
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	return p, nil
}

// Address returns host:port of the relay.
func (p *SMTPProvider) Address() string {
	return net.JoinHostPort(p.host, strconv.Itoa(p.port))
}

// Send renders and submits the payload in a single attempt.
func (p *SMTPProvider) Send(ctx context.Context, payload *Payload) (*RawResponse, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidMessage)
	}

	from := strings.TrimSpace(payload.From)
	if from == "" {
		from = p.from
	}
	sender, err := util.ParseMailbox(from)
	if err != nil {
		return nil, fmt.Errorf("%w: from: %v", ErrInvalidMessage, err)
	}

	recipients, err := parseRecipients(payload.To)
	if err != nil {
		return nil, err
	}

	message, err := p.buildMessage(payload, sender, recipients)
	if err != nil {
		return nil, err
	}

	envelopeTo := make([]string, 0, len(recipients))
	for _, r := range recipients {
		envelopeTo = append(envelopeTo, r.Address)
	}

	resp := &RawResponse{
		ID:        payload.MessageID,
		Timestamp: p.now(),
	}

	started := time.Now()
	if err := p.deliver(ctx, sender.Address, envelopeTo, message); err != nil {
		var relayErr *RelayError
		if errors.As(err, &relayErr) {
			resp.Code = relayErr.Code
		}
		resp.Body = err.Error()
		p.logger.Debug().
			Str("message_id", payload.MessageID).
			Str("relay", p.Address()).
			Dur("elapsed", time.Since(started)).
			Err(err).
			Msg("smtp submission failed")
		return resp, err
	}

	// go-smtp does not expose the reply to the final DATA dot, so Body is a
	// local marker rather than the relay's own acceptance text.
	resp.Code = 250
	resp.Body = "smtp: message accepted"
	p.logger.Debug().
		Str("message_id", payload.MessageID).
		Str("relay", p.Address()).
		Dur("elapsed", time.Since(started)).
		Msg("smtp submission accepted")

	return resp, nil
}

func (p *SMTPProvider) deliver(ctx context.Context, from string, recipients []string, message []byte) error {
	if err := ctx.Err(); err != nil {
		return newRelayError(PhaseConnect, err)
	}

	rawConn, err := p.dialer.DialContext(ctx, "tcp", p.Address())
	if err != nil {
		return newRelayError(PhaseConnect, fmt.Errorf("dial %s: %w", p.Address(), err))
	}
	defer rawConn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = rawConn.SetDeadline(deadline)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = rawConn.Close()
		case <-done:
		}
	}()
	defer close(done)

	fail := func(phase Phase, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return newRelayError(phase, err)
	}

	conn := rawConn
	if p.tlsMode == config.TLSModeImplicit {
		tlsConn := tls.Client(rawConn, p.sessionTLSConfig())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return fail(PhaseTLS, fmt.Errorf("handshake: %w", err))
		}
		conn = tlsConn
	}

	var client *smtp.Client
	if p.tlsMode == config.TLSModeStartTLS {
		// The greeting, the first EHLO and the STARTTLS capability check all
		// happen inside NewClientStartTLS, so their failures are reported as
		// tls. The handshake itself runs on the next command, which is the
		// EHLO below.
		c, err := smtp.NewClientStartTLS(conn, p.sessionTLSConfig())
		if err != nil {
			return fail(PhaseTLS, fmt.Errorf("starttls: %w", err))
		}
		client = c
		if err := client.Hello(p.helloName); err != nil {
			_ = client.Close()
			return fail(PhaseTLS, fmt.Errorf("starttls hello: %w", err))
		}
	} else {
		client = smtp.NewClient(conn)
		if err := client.Hello(p.helloName); err != nil {
			_ = client.Close()
			return fail(PhaseConnect, fmt.Errorf("hello: %w", err))
		}
	}
	defer client.Close()

	if ok, _ := client.Extension("AUTH"); !ok {
		return fail(PhaseAuth, errors.New("relay does not offer AUTH"))
	}
	if err := client.Auth(p.newAuth()); err != nil {
		return fail(PhaseAuth, err)
	}

	if err := client.Mail(from, nil); err != nil {
		return fail(PhaseEnvelope, fmt.Errorf("mail from: %w", err))
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return fail(PhaseEnvelope, fmt.Errorf("rcpt to %s: %w", rcpt, err))
		}
	}

	writer, err := client.Data()
	if err != nil {
		return fail(PhaseData, err)
	}
	if _, err := writer.Write(message); err != nil {
		_ = writer.Close()
		return fail(PhaseData, fmt.Errorf("write: %w", err))
	}
	if err := writer.Close(); err != nil {
		return fail(PhaseData, err)
	}

	// The relay already accepted the message; a failing QUIT changes nothing.
	if err := client.Quit(); err != nil {
		p.logger.Debug().Err(err).Msg("smtp quit failed after acceptance")
	}

	return nil
}

func (p *SMTPProvider) buildMessage(payload *Payload, sender *mail.Address, recipients []*mail.Address) ([]byte, error) {
	m := gomail.NewMessage()

	for key, value := range payload.Headers {
		canonical := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(key))
		if canonical == "" || strings.TrimSpace(value) == "" || reservedHeader(canonical) {
			continue
		}
		m.SetHeader(canonical, sanitizeHeaderValue(value))
	}

	m.SetAddressHeader("From", sender.Address, sender.Name)
	to := make([]string, 0, len(recipients))
	for _, r := range recipients {
		to = append(to, m.FormatAddress(r.Address, r.Name))
	}
	m.SetHeader("To", to...)
	m.SetHeader("Subject", sanitizeHeaderValue(payload.Subject))
	m.SetDateHeader("Date", p.now())
	if payload.MessageID != "" {
		m.SetHeader("Message-ID", fmt.Sprintf("<%s@%s>", payload.MessageID, util.AddressDomain(sender.Address)))
	}
	m.SetBody(models.MIMETypeFor(payload.BodyType), payload.Body)

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("%w: render: %v", ErrInvalidMessage, err)
	}
	return buf.Bytes(), nil
}

func (p *SMTPProvider) sessionTLSConfig() *tls.Config {
	cfg := p.tlsConfig.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = p.host
	}
	return cfg
}

func parseRecipients(list []string) ([]*mail.Address, error) {
	seen := make(map[string]struct{}, len(list))
	out := make([]*mail.Address, 0, len(list))
	for _, raw := range list {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		addr, err := util.ParseMailbox(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: to: %v", ErrInvalidMessage, err)
		}
		if _, ok := seen[addr.Address]; ok {
			continue
		}
		seen[addr.Address] = struct{}{}
		out = append(out, addr)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", ErrInvalidMessage)
	}
	return out, nil
}

func reservedHeader(key string) bool {
	switch key {
	case "From", "To", "Cc", "Bcc", "Subject", "Date", "Message-Id", "Mime-Version", "Content-Type", "Content-Transfer-Encoding":
		return true
	default:
		return false
	}
}

// sanitizeHeaderValue folds CR and LF into spaces. Surrounding whitespace is
// kept so subjects stay verbatim.
func sanitizeHeaderValue(value string) string {
	clean := strings.ReplaceAll(value, "\r", " ")
	return strings.ReplaceAll(clean, "\n", " ")
}
