// Package testutil provides an in-process SMTP relay for tests.
package testutil

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"net/mail"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// TLS modes the fake relay can serve.
const (
	TLSImplicit = "implicit"
	TLSStartTLS = "starttls"
)

// RelayOptions controls how the fake relay answers. TLS selects implicit TLS
// or STARTTLS with a self-signed certificate; empty means plain text.
type RelayOptions struct {
	Username   string
	Password   string
	RejectRcpt bool
	RejectData bool
	TLS        string
}

// Envelope is one message accepted by the relay.
type Envelope struct {
	AuthUser string
	TLS      bool
	From     string
	To       []string
	Data     []byte
}

// Header parses the stored message and returns the named header.
func (e Envelope) Header(key string) string {
	msg, err := mail.ReadMessage(bytes.NewReader(e.Data))
	if err != nil {
		return ""
	}
	return msg.Header.Get(key)
}

// Relay is an in-process SMTP server accepting PLAIN auth.
type Relay struct {
	Host string
	Port int
	// RootCAs trusts the relay certificate when TLS is enabled.
	RootCAs *x509.CertPool

	server *smtp.Server
	opts   RelayOptions

	mu       sync.Mutex
	sessions int
	messages []Envelope
}

// StartRelay listens on a random loopback port and stops on test cleanup.
func StartRelay(t *testing.T, opts RelayOptions) *Relay {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("relay listen: %v", err)
	}

	r := &Relay{opts: opts}
	host, port, _ := net.SplitHostPort(ln.Addr().String())
	r.Host = host
	r.Port, _ = strconv.Atoi(port)

	s := smtp.NewServer(r)
	s.Domain = "relay.test"
	s.AllowInsecureAuth = true
	s.ReadTimeout = 5 * time.Second
	s.WriteTimeout = 5 * time.Second
	r.server = s

	if opts.TLS != "" {
		tlsConfig, pool := selfSignedTLS(t)
		r.RootCAs = pool
		switch opts.TLS {
		case TLSImplicit:
			ln = tls.NewListener(ln, tlsConfig)
		case TLSStartTLS:
			s.TLSConfig = tlsConfig
		default:
			_ = ln.Close()
			t.Fatalf("relay: unknown tls mode %q", opts.TLS)
		}
	}

	go func() {
		_ = s.Serve(ln)
	}()
	t.Cleanup(func() {
		_ = s.Close()
	})

	return r
}

// Messages returns every accepted message.
func (r *Relay) Messages() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.messages...)
}

// Sessions returns how many connections the relay accepted.
func (r *Relay) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions
}

// NewSession implements smtp.Backend.
func (r *Relay) NewSession(c *smtp.Conn) (smtp.Session, error) {
	r.mu.Lock()
	r.sessions++
	r.mu.Unlock()
	return &relaySession{relay: r, conn: c}, nil
}

func (r *Relay) store(env Envelope) {
	r.mu.Lock()
	r.messages = append(r.messages, env)
	r.mu.Unlock()
}

type relaySession struct {
	relay    *Relay
	conn     *smtp.Conn
	authUser string
	from     string
	to       []string
}

func (s *relaySession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *relaySession) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, smtp.ErrAuthUnsupported
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.relay.opts.Username || password != s.relay.opts.Password {
			return &smtp.SMTPError{
				Code:         535,
				EnhancedCode: smtp.EnhancedCode{5, 7, 8},
				Message:      "Authentication credentials invalid",
			}
		}
		s.authUser = username
		return nil
	}), nil
}

func (s *relaySession) Mail(from string, _ *smtp.MailOptions) error {
	if s.relay.opts.Username != "" && s.authUser == "" {
		return smtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

func (s *relaySession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.relay.opts.RejectRcpt {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "Mailbox unavailable",
		}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *relaySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if s.relay.opts.RejectData {
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Message content rejected",
		}
	}
	_, secure := s.conn.TLSConnectionState()
	s.relay.store(Envelope{
		AuthUser: s.authUser,
		TLS:      secure,
		From:     s.from,
		To:       append([]string(nil), s.to...),
		Data:     data,
	})
	return nil
}

func (s *relaySession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *relaySession) Logout() error {
	return nil
}

// ClosedPort returns a loopback port nothing listens on.
func ClosedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		t.Fatalf("close: %v", err)
	}
	return port
}

func selfSignedTLS(t *testing.T) (*tls.Config, *x509.CertPool) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("relay key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "relay.test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("relay certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("relay certificate parse: %v", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}},
		MinVersion:   tls.VersionTLS12,
	}, pool
}
