package email_test

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/mail-relay/internal/config"
	emailprovider "github.com/example/mail-relay/internal/providers/email"
	"github.com/example/mail-relay/internal/testutil"
)

func relayConfig(relay *testutil.Relay) config.SMTPConfig {
	return config.SMTPConfig{
		Host:    relay.Host,
		Port:    relay.Port,
		User:    "forms@example.com",
		Pass:    "topsecret",
		TLSMode: config.TLSModeNone,
	}
}

func decodeBody(t *testing.T, data []byte) (*mail.Message, string) {
	t.Helper()
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("parse relayed message: %v", err)
	}
	var r io.Reader = msg.Body
	if strings.EqualFold(msg.Header.Get("Content-Transfer-Encoding"), "quoted-printable") {
		r = quotedprintable.NewReader(msg.Body)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return msg, strings.TrimRight(string(body), "\r\n")
}

func TestNewSMTPProviderValidation(t *testing.T) {
	logger := zerolog.New(io.Discard)

	tests := []struct {
		name string
		cfg  config.SMTPConfig
	}{
		{name: "missing host", cfg: config.SMTPConfig{Port: 465, User: "forms@example.com"}},
		{name: "invalid port", cfg: config.SMTPConfig{Host: "smtp.example.com", Port: 0, User: "forms@example.com"}},
		{name: "missing user", cfg: config.SMTPConfig{Host: "smtp.example.com", Port: 465}},
		{name: "bad tls mode", cfg: config.SMTPConfig{Host: "smtp.example.com", Port: 465, User: "forms@example.com", TLSMode: "ssl"}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if _, err := emailprovider.NewSMTPProvider(tc.cfg, logger); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}

func TestSendDeliversAuthenticatedMessage(t *testing.T) {
	relay := testutil.StartRelay(t, testutil.RelayOptions{Username: "forms@example.com", Password: "topsecret"})
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	provider, err := emailprovider.NewSMTPProvider(relayConfig(relay), zerolog.Nop(),
		emailprovider.WithSMTPClock(func() time.Time { return fixed }),
	)
	if err != nil {
		t.Fatalf("unexpected error creating provider: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := provider.Send(ctx, &emailprovider.Payload{
		MessageID: "4b6f3c1e-8a7d-4a55-9d2c-1f2e3d4c5b6a",
		To:        []string{"inbox@example.com", "inbox@example.com"},
		Subject:   "Build failed",
		BodyType:  "text",
		Body:      "branch=main\n\nstack trace...",
		Headers: map[string]string{
			"X-Request-Id": "req-1",
			"Bcc":          "hidden@example.com",
			"From":         "spoof@example.com",
		},
	})
	if err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if resp.Code != 250 || resp.ID != "4b6f3c1e-8a7d-4a55-9d2c-1f2e3d4c5b6a" || !resp.Timestamp.Equal(fixed) {
		t.Fatalf("unexpected response %#v", resp)
	}

	msgs := relay.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 relayed message, got %d", len(msgs))
	}
	env := msgs[0]
	if env.AuthUser != "forms@example.com" {
		t.Fatalf("expected authenticated session, got %q", env.AuthUser)
	}
	if env.From != "forms@example.com" {
		t.Fatalf("unexpected MAIL FROM %q", env.From)
	}
	if !reflect.DeepEqual(env.To, []string{"inbox@example.com"}) {
		t.Fatalf("unexpected RCPT TO list %v", env.To)
	}

	msg, body := decodeBody(t, env.Data)
	if got := msg.Header.Get("Subject"); got != "Build failed" {
		t.Fatalf("unexpected subject %q", got)
	}
	if got := msg.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Fatalf("expected plain text content type, got %q", got)
	}
	if got := msg.Header.Get("From"); !strings.Contains(got, "forms@example.com") {
		t.Fatalf("expected From header to use relay user, got %q", got)
	}
	if got := msg.Header.Get("Message-Id"); got != "<4b6f3c1e-8a7d-4a55-9d2c-1f2e3d4c5b6a@example.com>" {
		t.Fatalf("unexpected Message-ID %q", got)
	}
	if got := msg.Header.Get("X-Request-Id"); got != "req-1" {
		t.Fatalf("expected passthrough header, got %q", got)
	}
	if msg.Header.Get("Bcc") != "" || strings.Contains(string(env.Data), "spoof@example.com") {
		t.Fatalf("reserved headers must not be copied from payload headers")
	}
	if date, err := msg.Header.Date(); err != nil || !date.Equal(fixed) {
		t.Fatalf("unexpected Date header: %v (%v)", date, err)
	}
	if body != "branch=main\r\n\r\nstack trace..." {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestSendHTMLBody(t *testing.T) {
	relay := testutil.StartRelay(t, testutil.RelayOptions{Username: "forms@example.com", Password: "topsecret"})
	provider, err := emailprovider.NewSMTPProvider(relayConfig(relay), zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error creating provider: %v", err)
	}

	_, err = provider.Send(context.Background(), &emailprovider.Payload{
		To:       []string{"Inbox <inbox@example.com>"},
		Subject:  "Newsletter\r\nBcc: victim@example.com",
		BodyType: "html",
		Body:     "<p>Hello</p>",
	})
	if err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}

	msgs := relay.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 relayed message, got %d", len(msgs))
	}
	msg, body := decodeBody(t, msgs[0].Data)
	if got := msg.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/html") {
		t.Fatalf("expected html content type, got %q", got)
	}
	if msg.Header.Get("Bcc") != "" {
		t.Fatalf("header injection through subject must be neutralised")
	}
	if body != "<p>Hello</p>" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestSendOverTLS(t *testing.T) {
	tests := []struct {
		name    string
		relay   string
		tlsMode string
	}{
		{name: "implicit", relay: testutil.TLSImplicit, tlsMode: config.TLSModeImplicit},
		{name: "starttls", relay: testutil.TLSStartTLS, tlsMode: config.TLSModeStartTLS},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			relay := testutil.StartRelay(t, testutil.RelayOptions{
				Username: "forms@example.com",
				Password: "topsecret",
				TLS:      tc.relay,
			})
			cfg := relayConfig(relay)
			cfg.TLSMode = tc.tlsMode

			provider, err := emailprovider.NewSMTPProvider(cfg, zerolog.Nop(),
				emailprovider.WithSMTPTLSConfig(&tls.Config{RootCAs: relay.RootCAs, MinVersion: tls.VersionTLS12}),
			)
			if err != nil {
				t.Fatalf("unexpected error creating provider: %v", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			resp, err := provider.Send(ctx, &emailprovider.Payload{
				To:      []string{"inbox@example.com"},
				Subject: "over tls",
				Body:    "sealed",
			})
			if err != nil {
				t.Fatalf("unexpected send error: %v", err)
			}
			if resp.Code != 250 {
				t.Fatalf("unexpected response %#v", resp)
			}

			msgs := relay.Messages()
			if len(msgs) != 1 {
				t.Fatalf("expected 1 relayed message, got %d", len(msgs))
			}
			if !msgs[0].TLS {
				t.Fatalf("message must travel over an encrypted session")
			}
			if msgs[0].AuthUser != "forms@example.com" {
				t.Fatalf("expected authenticated session, got %q", msgs[0].AuthUser)
			}
			if _, body := decodeBody(t, msgs[0].Data); body != "sealed" {
				t.Fatalf("unexpected body %q", body)
			}
		})
	}
}

func TestSendRejectsUntrustedCertificate(t *testing.T) {
	for _, mode := range []string{config.TLSModeImplicit, config.TLSModeStartTLS} {
		mode := mode
		t.Run(mode, func(t *testing.T) {
			relayMode := testutil.TLSImplicit
			if mode == config.TLSModeStartTLS {
				relayMode = testutil.TLSStartTLS
			}
			relay := testutil.StartRelay(t, testutil.RelayOptions{
				Username: "forms@example.com",
				Password: "topsecret",
				TLS:      relayMode,
			})
			cfg := relayConfig(relay)
			cfg.TLSMode = mode

			provider, err := emailprovider.NewSMTPProvider(cfg, zerolog.Nop())
			if err != nil {
				t.Fatalf("unexpected error creating provider: %v", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_, err = provider.Send(ctx, &emailprovider.Payload{To: []string{"inbox@example.com"}, Subject: "s", Body: "b"})
			var relayErr *emailprovider.RelayError
			if !errors.As(err, &relayErr) || relayErr.Phase != emailprovider.PhaseTLS {
				t.Fatalf("expected tls failure, got %v", err)
			}
			if len(relay.Messages()) != 0 {
				t.Fatalf("no message should have been accepted")
			}
		})
	}
}

func TestSendFailurePhases(t *testing.T) {
	tests := []struct {
		name      string
		opts      testutil.RelayOptions
		mutate    func(*config.SMTPConfig)
		wantPhase emailprovider.Phase
		wantCode  int
	}{
		{
			name:      "wrong password",
			opts:      testutil.RelayOptions{Username: "forms@example.com", Password: "other"},
			wantPhase: emailprovider.PhaseAuth,
			wantCode:  -1,
		},
		{
			name:      "recipient rejected",
			opts:      testutil.RelayOptions{Username: "forms@example.com", Password: "topsecret", RejectRcpt: true},
			wantPhase: emailprovider.PhaseEnvelope,
			wantCode:  550,
		},
		{
			name:      "data rejected",
			opts:      testutil.RelayOptions{Username: "forms@example.com", Password: "topsecret", RejectData: true},
			wantPhase: emailprovider.PhaseData,
			wantCode:  554,
		},
		{
			name:      "implicit tls against plain relay",
			opts:      testutil.RelayOptions{Username: "forms@example.com", Password: "topsecret"},
			mutate:    func(c *config.SMTPConfig) { c.TLSMode = config.TLSModeImplicit },
			wantPhase: emailprovider.PhaseTLS,
		},
		{
			name:      "starttls not offered",
			opts:      testutil.RelayOptions{Username: "forms@example.com", Password: "topsecret"},
			mutate:    func(c *config.SMTPConfig) { c.TLSMode = config.TLSModeStartTLS },
			wantPhase: emailprovider.PhaseTLS,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			relay := testutil.StartRelay(t, tc.opts)
			cfg := relayConfig(relay)
			if tc.mutate != nil {
				tc.mutate(&cfg)
			}

			provider, err := emailprovider.NewSMTPProvider(cfg, zerolog.Nop())
			if err != nil {
				t.Fatalf("unexpected error creating provider: %v", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			resp, err := provider.Send(ctx, &emailprovider.Payload{
				To:      []string{"inbox@example.com"},
				Subject: "hello",
				Body:    "body",
			})
			var relayErr *emailprovider.RelayError
			if !errors.As(err, &relayErr) {
				t.Fatalf("expected RelayError, got %v", err)
			}
			if relayErr.Phase != tc.wantPhase {
				t.Fatalf("phase = %s, want %s (%v)", relayErr.Phase, tc.wantPhase, err)
			}
			if tc.wantCode < 0 && relayErr.Code < 400 {
				t.Fatalf("expected an SMTP error reply, got code %d (%v)", relayErr.Code, err)
			}
			if tc.wantCode > 0 && relayErr.Code != tc.wantCode {
				t.Fatalf("code = %d, want %d (%v)", relayErr.Code, tc.wantCode, err)
			}
			if resp == nil || resp.Code != relayErr.Code {
				t.Fatalf("expected raw response mirroring the relay code, got %#v", resp)
			}
			if !strings.Contains(err.Error(), string(tc.wantPhase)) {
				t.Fatalf("diagnostic must name the failing phase: %q", err.Error())
			}
			if len(relay.Messages()) != 0 {
				t.Fatalf("no message should have been accepted")
			}
		})
	}
}

func TestSendConnectionRefused(t *testing.T) {
	cfg := config.SMTPConfig{
		Host:    "127.0.0.1",
		Port:    testutil.ClosedPort(t),
		User:    "forms@example.com",
		Pass:    "topsecret",
		TLSMode: config.TLSModeNone,
	}
	provider, err := emailprovider.NewSMTPProvider(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error creating provider: %v", err)
	}

	_, err = provider.Send(context.Background(), &emailprovider.Payload{To: []string{"inbox@example.com"}})
	var relayErr *emailprovider.RelayError
	if !errors.As(err, &relayErr) || relayErr.Phase != emailprovider.PhaseConnect {
		t.Fatalf("expected connect phase failure, got %v", err)
	}
}

func TestSendInvalidAddressNeverDials(t *testing.T) {
	dialer := dialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		t.Fatalf("dialer must not be used for invalid messages")
		return nil, nil
	})

	cfg := config.SMTPConfig{Host: "smtp.example.com", Port: 465, User: "not-an-address", Pass: "x"}
	provider, err := emailprovider.NewSMTPProvider(cfg, zerolog.Nop(), emailprovider.WithSMTPDialer(dialer))
	if err != nil {
		t.Fatalf("unexpected error creating provider: %v", err)
	}

	cases := []*emailprovider.Payload{
		nil,
		{To: []string{"inbox@example.com"}},
		{From: "forms@example.com", To: []string{"inbox"}},
		{From: "forms@example.com"},
	}
	for i, payload := range cases {
		_, err := provider.Send(context.Background(), payload)
		if !errors.Is(err, emailprovider.ErrInvalidMessage) {
			t.Fatalf("case %d: expected ErrInvalidMessage, got %v", i, err)
		}
		var relayErr *emailprovider.RelayError
		if errors.As(err, &relayErr) {
			t.Fatalf("case %d: construction failures must not be relay errors", i)
		}
	}
}

func TestSendHonoursContextDeadline(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	dialer := dialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		return client, nil
	})

	cfg := config.SMTPConfig{Host: "smtp.example.com", Port: 25, User: "forms@example.com", Pass: "x", TLSMode: config.TLSModeNone}
	provider, err := emailprovider.NewSMTPProvider(cfg, zerolog.Nop(), emailprovider.WithSMTPDialer(dialer))
	if err != nil {
		t.Fatalf("unexpected error creating provider: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err = provider.Send(ctx, &emailprovider.Payload{To: []string{"inbox@example.com"}})
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(started) > 2*time.Second {
		t.Fatalf("send did not stop at the deadline")
	}
}

type dialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (d dialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d(ctx, network, address)
}
