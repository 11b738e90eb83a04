// Package relay moves signal envelopes between users. Every user has one
// channel; a message published to it is pushed to every live subscriber of
// that user. Delivery is at-most-once and nothing is retried or stored.
package relay

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"callsignal/internal/domain"
	"callsignal/pkg/constants"
)

// ErrClosed is returned when publishing through a relay that has been shut down
var ErrClosed = errors.New("relay closed")

// Handler receives the raw JSON body of each envelope delivered to a channel.
// Handlers run on the subscription's own goroutine, in publish order.
type Handler func(payload []byte)

// Subscription is a live registration on one user's channel
type Subscription interface {
	Close() error
}

// Relay is the transport the registry fans envelopes out through
type Relay interface {
	Publish(ctx context.Context, userID uuid.UUID, env *domain.Envelope) error
	Subscribe(ctx context.Context, userID uuid.UUID, handler Handler) (Subscription, error)
}

// Channel returns the channel name that carries userID's signals
func Channel(userID uuid.UUID) string {
	return constants.UserSignalChannelPrefix + userID.String()
}
