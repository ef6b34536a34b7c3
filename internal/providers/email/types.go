package email

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"time"

	"github.com/emersion/go-smtp"
)

// ErrInvalidMessage marks failures that happen before any connection is made:
// bad address syntax or a message that cannot be rendered.
var ErrInvalidMessage = errors.New("smtp provider: invalid message")

// Payload is the canonical representation of an outbound email passed to the
// provider. Adapters are expected to normalize their inputs to this structure.
type Payload struct {
	MessageID string
	From      string
	To        []string
	Subject   string
	BodyType  string
	Body      string
	Headers   map[string]string
}

// RawResponse mirrors the low level relay reply that adapters inspect to
// derive higher level ProviderResponse values.
type RawResponse struct {
	ID        string
	Code      int
	Body      string
	Timestamp time.Time
}

// Provider is the contract exposed by the email provider implementation.
type Provider interface {
	Send(ctx context.Context, payload *Payload) (*RawResponse, error)
}

// Phase names the step of an SMTP session that failed.
type Phase string

const (
	PhaseConnect  Phase = "connect"
	PhaseTLS      Phase = "tls"
	PhaseAuth     Phase = "auth"
	PhaseEnvelope Phase = "envelope"
	PhaseData     Phase = "data"
)

// RelayError is returned for every failure after message construction. Code
// holds the SMTP reply code when the relay answered with one.
type RelayError struct {
	Phase Phase
	Code  int
	Err   error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("smtp provider: %s: %v", e.Phase, e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// Permanent reports whether the relay answered with a 5xx reply.
func (e *RelayError) Permanent() bool {
	return e.Code >= 500 && e.Code < 600
}

func newRelayError(phase Phase, err error) *RelayError {
	re := &RelayError{Phase: phase, Err: err}

	var smtpErr *smtp.SMTPError
	var tpErr *textproto.Error
	switch {
	case errors.As(err, &smtpErr):
		re.Code = smtpErr.Code
	case errors.As(err, &tpErr):
		re.Code = tpErr.Code
	}
	return re
}
