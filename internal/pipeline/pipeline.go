// Package pipeline runs one mail submission: guard, parse, compose, relay.
// Transport concerns stay in the server package; Handle only returns an
// Outcome carrying the status code and plain-text body.
package pipeline

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	common "github.com/example/mail-relay/internal/adapters/common"
	"github.com/example/mail-relay/internal/composer"
	"github.com/example/mail-relay/internal/kafka/publisher"
	"github.com/example/mail-relay/internal/models"
)

// SuccessBody is returned to the client when the relay accepted the message.
const SuccessBody = "Email sent"

const publishTimeout = 5 * time.Second

// Guard decides whether an origin may submit mail.
type Guard interface {
	Check(origin string) error
}

// Parser decodes a raw request body.
type Parser interface {
	Parse(body []byte) (*models.Payload, error)
}

// Composer turns a payload into subject and body.
type Composer interface {
	Compose(p *models.Payload) composer.Composition
}

// Request is the transport-independent view of an inbound submission.
type Request struct {
	Origin    string
	Body      []byte
	RequestID string
}

// Outcome is what the transport writes back.
type Outcome struct {
	Status    int
	Body      string
	MessageID string
	Rule      string
	Err       error
}

// Config holds the fixed envelope and the relay bound.
type Config struct {
	From         string
	To           string
	Relay        string
	RelayTimeout time.Duration
}

// Dependencies wires the pipeline stages. A nil Guard disables origin checks
// and a nil Publisher disables status events.
type Dependencies struct {
	Guard     Guard
	Parser    Parser
	Composer  Composer
	Adapter   common.Adapter
	Publisher publisher.Publisher
	Logger    zerolog.Logger
	Now       func() time.Time
	NewID     func() string
}

// Pipeline is safe for concurrent use; it holds no per-request state.
// Status events are published in the background; Wait blocks until the
// outstanding ones are done.
type Pipeline struct {
	cfg  Config
	deps Dependencies

	inflight sync.WaitGroup
}

// New validates the dependencies and returns a ready pipeline.
func New(cfg Config, deps Dependencies) (*Pipeline, error) {
	if deps.Parser == nil {
		return nil, errors.New("pipeline: parser is required")
	}
	if deps.Composer == nil {
		return nil, errors.New("pipeline: composer is required")
	}
	if deps.Adapter == nil {
		return nil, errors.New("pipeline: adapter is required")
	}
	if deps.Publisher == nil {
		deps.Publisher = publisher.NopPublisher{}
	}
	if reflect.ValueOf(deps.Logger).IsZero() {
		deps.Logger = zerolog.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	return &Pipeline{cfg: cfg, deps: deps}, nil
}

// Handle processes a single submission. It never panics on bad input and
// makes at most one relay attempt.
func (p *Pipeline) Handle(ctx context.Context, req Request) Outcome {
	log := p.deps.Logger.With().Str("request_id", req.RequestID).Logger()

	if p.deps.Guard != nil {
		if err := p.deps.Guard.Check(req.Origin); err != nil {
			return failure(err)
		}
	}

	payload, err := p.deps.Parser.Parse(req.Body)
	if err != nil {
		log.Debug().Err(err).Msg("payload rejected")
		return failure(err)
	}

	composition := p.deps.Composer.Compose(payload)
	msg := &models.ComposedMessage{
		MessageID: p.deps.NewID(),
		Rule:      composition.Rule,
		From:      p.cfg.From,
		To:        p.cfg.To,
		Subject:   composition.Subject,
		BodyType:  composition.BodyType,
		Body:      composition.Body,
	}
	if req.RequestID != "" {
		msg.Headers = map[string]string{"X-Request-Id": req.RequestID}
	}

	sendCtx := ctx
	if p.cfg.RelayTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, p.cfg.RelayTimeout)
		defer cancel()
	}

	started := p.deps.Now()
	resp, err := p.deps.Adapter.Send(sendCtx, msg)
	elapsed := p.deps.Now().Sub(started)

	p.publishAsync(ctx, log, p.statusEvent(req, msg, resp, err, elapsed))

	if err != nil {
		log.Warn().
			Str("message_id", msg.MessageID).
			Str("rule", msg.Rule).
			Str("relay", p.cfg.Relay).
			Str("phase", phaseOf(resp)).
			Int("code", resp.CodeValue()).
			Dur("elapsed", elapsed).
			Err(err).
			Msg("mail submission failed")
		out := failure(err)
		out.MessageID = msg.MessageID
		out.Rule = msg.Rule
		return out
	}

	log.Info().
		Str("message_id", msg.MessageID).
		Str("rule", msg.Rule).
		Str("relay", p.cfg.Relay).
		Int("code", resp.CodeValue()).
		Str("detail", rawOf(resp)).
		Dur("elapsed", elapsed).
		Msg("mail submitted")

	return Outcome{
		Status:    http.StatusOK,
		Body:      SuccessBody,
		MessageID: msg.MessageID,
		Rule:      msg.Rule,
	}
}

// StatusFor maps a pipeline error onto the HTTP status returned to clients.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, common.ErrOriginDenied):
		return http.StatusForbidden
	case errors.Is(err, common.ErrMalformedPayload):
		return http.StatusNotAcceptable
	default:
		return http.StatusBadRequest
	}
}

func failure(err error) Outcome {
	return Outcome{Status: StatusFor(err), Body: err.Error(), Err: err}
}

// Wait blocks until every status event started by Handle has been published
// or has given up.
func (p *Pipeline) Wait() {
	p.inflight.Wait()
}

func (p *Pipeline) statusEvent(req Request, msg *models.ComposedMessage, resp *common.ProviderResponse, sendErr error, elapsed time.Duration) models.StatusEvent {
	event := models.StatusEvent{
		MessageID: msg.MessageID,
		RequestID: req.RequestID,
		EventType: models.StatusEventSent,
		Rule:      msg.Rule,
		Relay:     p.cfg.Relay,
		Code:      resp.CodeValue(),
		Phase:     phaseOf(resp),
		Duration:  elapsed.Milliseconds(),
		Timestamp: p.deps.Now().UTC(),
	}
	if sendErr != nil {
		event.EventType = models.StatusEventFailed
		if resp != nil && resp.Status == common.StatusRejected {
			event.EventType = models.StatusEventRejected
		}
		event.Error = sendErr.Error()
	}
	return event
}

// publishAsync hands the event to the publisher without holding up the
// response. The request context is detached so a finished request does not
// cancel its own event.
func (p *Pipeline) publishAsync(ctx context.Context, log zerolog.Logger, event models.StatusEvent) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		defer cancel()
		if err := p.deps.Publisher.PublishStatus(pubCtx, event); err != nil {
			log.Warn().Err(err).Str("message_id", event.MessageID).Msg("status event not published")
		}
	}()
}

func phaseOf(resp *common.ProviderResponse) string {
	if resp == nil {
		return ""
	}
	return resp.Phase
}

func rawOf(resp *common.ProviderResponse) string {
	if resp == nil {
		return ""
	}
	return resp.Raw
}
