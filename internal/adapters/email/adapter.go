package email

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	common "github.com/example/mail-relay/internal/adapters/common"
	"github.com/example/mail-relay/internal/models"
	emailprovider "github.com/example/mail-relay/internal/providers/email"
)

// Option customises adapter behaviour.
type Option func(*Adapter)

// WithRawBodyLimit overrides the maximum number of characters retained from the
// relay reply.
func WithRawBodyLimit(limit int) Option {
	return func(a *Adapter) {
		if limit > 0 {
			a.maxRawChars = limit
		}
	}
}

// Adapter implements common.Adapter for SMTP relays, translating composed
// messages into provider payloads and classifying the outcome.
type Adapter struct {
	logger      zerolog.Logger
	provider    emailprovider.Provider
	maxRawChars int
}

// NewAdapter constructs an email adapter using the provided dependencies.
func NewAdapter(provider emailprovider.Provider, logger zerolog.Logger, opts ...Option) (*Adapter, error) {
	if provider == nil {
		return nil, errors.New("email adapter: provider dependency is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	a := &Adapter{
		logger:      logger,
		provider:    provider,
		maxRawChars: common.DefaultRawBodyLimit,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}

	return a, nil
}

// Send hands the message to the provider exactly once. Errors wrap
// common.ErrMessageConstruction when the message could not be built and
// common.ErrRelayFailed for everything that went wrong on the wire.
func (a *Adapter) Send(ctx context.Context, msg *models.ComposedMessage) (*common.ProviderResponse, error) {
	if msg == nil {
		return nil, common.WrapConstruction(errors.New("email adapter: message is nil"))
	}

	rawResp, err := a.provider.Send(ctx, buildPayload(msg))
	if err != nil {
		resp := a.buildErrorResponse(rawResp, err)
		a.logger.Info().
			Str("message_id", msg.MessageID).
			Str("rule", msg.Rule).
			Str("provider_status", resp.Status).
			Str("phase", resp.Phase).
			Int("code", resp.CodeValue()).
			Err(err).
			Msg("email adapter send failed")
		if errors.Is(err, emailprovider.ErrInvalidMessage) {
			return resp, common.WrapConstruction(err)
		}
		return resp, common.WrapRelay(err)
	}

	resp := a.buildSuccessResponse(rawResp)
	a.logger.Debug().
		Str("message_id", msg.MessageID).
		Str("rule", msg.Rule).
		Str("provider_status", resp.Status).
		Int("code", resp.CodeValue()).
		Msg("email adapter send succeeded")
	return resp, nil
}

func buildPayload(msg *models.ComposedMessage) *emailprovider.Payload {
	var headers map[string]string
	if len(msg.Headers) > 0 {
		headers = make(map[string]string, len(msg.Headers))
		for key, val := range msg.Headers {
			headers[key] = val
		}
	}

	var to []string
	if msg.To != "" {
		to = []string{msg.To}
	}

	return &emailprovider.Payload{
		MessageID: msg.MessageID,
		From:      msg.From,
		To:        to,
		Subject:   msg.Subject,
		BodyType:  msg.BodyType,
		Body:      msg.Body,
		Headers:   headers,
	}
}

func (a *Adapter) buildSuccessResponse(raw *emailprovider.RawResponse) *common.ProviderResponse {
	var codePtr *int
	if raw != nil {
		codePtr = new(int)
		*codePtr = raw.Code
	}

	return &common.ProviderResponse{
		Status:  common.StatusSent,
		Code:    codePtr,
		Message: "sent",
		Raw:     a.truncateRaw(raw),
		Meta:    responseMeta(raw),
	}
}

func (a *Adapter) buildErrorResponse(raw *emailprovider.RawResponse, err error) *common.ProviderResponse {
	resp := &common.ProviderResponse{
		Status:  common.StatusFailed,
		Message: err.Error(),
		Raw:     a.truncateRaw(raw),
		Meta:    responseMeta(raw),
	}

	var relayErr *emailprovider.RelayError
	if errors.As(err, &relayErr) {
		resp.Phase = string(relayErr.Phase)
		if relayErr.Code > 0 {
			code := relayErr.Code
			resp.Code = &code
		}
		if relayErr.Permanent() {
			resp.Status = common.StatusRejected
		}
	}
	if resp.Code == nil && raw != nil && raw.Code > 0 {
		code := raw.Code
		resp.Code = &code
	}

	return resp
}

func responseMeta(raw *emailprovider.RawResponse) map[string]string {
	if raw == nil {
		return nil
	}
	meta := make(map[string]string)
	if raw.ID != "" {
		meta["provider_id"] = raw.ID
	}
	if !raw.Timestamp.IsZero() {
		meta["provider_timestamp"] = raw.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

func (a *Adapter) truncateRaw(raw *emailprovider.RawResponse) string {
	if raw == nil || raw.Body == "" {
		return ""
	}
	return common.TruncateRaw(raw.Body, a.maxRawChars)
}
