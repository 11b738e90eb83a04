package transport

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsignal/internal/domain"
	"callsignal/internal/relay"
	"callsignal/internal/service/call"
	"callsignal/pkg/logger"
)

// LocalControl drives a registry in the same process on behalf of one user
type LocalControl struct {
	service *call.Service
	userID  uuid.UUID
}

// NewLocalControl binds service to userID
func NewLocalControl(service *call.Service, userID uuid.UUID) *LocalControl {
	return &LocalControl{service: service, userID: userID}
}

func (l *LocalControl) Start(ctx context.Context, target domain.CallTarget, callType domain.CallType) (*domain.CallSession, error) {
	return l.service.Start(ctx, &call.StartInput{CallerID: l.userID, Target: target, Type: callType})
}

func (l *LocalControl) JoinByToken(ctx context.Context, token string) (*domain.CallSession, error) {
	return l.service.JoinByInviteToken(ctx, token, l.userID)
}

func (l *LocalControl) Accept(ctx context.Context, sessionID uuid.UUID) error {
	_, err := l.service.Accept(ctx, sessionID, l.userID)
	return err
}

func (l *LocalControl) Decline(ctx context.Context, sessionID uuid.UUID) error {
	return l.service.Decline(ctx, sessionID, l.userID)
}

func (l *LocalControl) Leave(ctx context.Context, sessionID uuid.UUID) error {
	return l.service.Leave(ctx, sessionID, l.userID)
}

func (l *LocalControl) End(ctx context.Context, sessionID uuid.UUID) error {
	return l.service.End(ctx, sessionID, l.userID)
}

func (l *LocalControl) Signal(ctx context.Context, sig domain.Signal, targetID *uuid.UUID) error {
	return l.service.Signal(ctx, sig.Header().SessionID, l.userID, domain.EnvelopeOf(sig), targetID)
}

// LocalInbox subscribes one user to an in-process relay
type LocalInbox struct {
	relay  relay.Relay
	userID uuid.UUID
}

// NewLocalInbox binds r to userID
func NewLocalInbox(r relay.Relay, userID uuid.UUID) *LocalInbox {
	return &LocalInbox{relay: r, userID: userID}
}

// Subscribe decodes each payload on the user's channel and hands it to handler
func (l *LocalInbox) Subscribe(ctx context.Context, handler func(domain.Signal)) (relay.Subscription, error) {
	sub, err := l.relay.Subscribe(ctx, l.userID, func(payload []byte) {
		sig, err := domain.DecodeSignal(payload)
		if err != nil {
			logger.Warn("Dropping undecodable signal",
				zap.String("user_id", l.userID.String()),
				zap.Error(err))
			return
		}
		handler(sig)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: subscribing: %v", ErrTransport, err)
	}
	return sub, nil
}
