package common

import (
	"context"

	"github.com/example/mail-relay/internal/models"
)

// Adapter hands a composed message to the relay and reports the normalized
// outcome. Returned errors wrap ErrMessageConstruction or ErrRelayFailed.
type Adapter interface {
	Send(ctx context.Context, msg *models.ComposedMessage) (*ProviderResponse, error)
}
