package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsignal/internal/domain"
	"callsignal/pkg/logger"
)

const memorySubscriberBuffer = 256

// MemoryRelay is an in-process Relay. It backs tests and single-instance
// deployments that run without Redis.
type MemoryRelay struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[*memorySubscription]struct{}
	closed bool
}

// NewMemoryRelay creates an empty in-process relay
func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{subs: make(map[uuid.UUID]map[*memorySubscription]struct{})}
}

type memorySubscription struct {
	relay   *MemoryRelay
	userID  uuid.UUID
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
	handler Handler
}

// Publish delivers env to every current subscriber of userID. A subscriber
// whose queue is full misses the message.
func (r *MemoryRelay) Publish(ctx context.Context, userID uuid.UUID, env *domain.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}

	for sub := range r.subs[userID] {
		select {
		case sub.queue <- payload:
		case <-sub.done:
		default:
			logger.Warn("Dropping signal for slow subscriber",
				zap.String("user_id", userID.String()),
				zap.String("kind", string(env.Kind)))
		}
	}
	return nil
}

// Subscribe registers handler on userID's channel until the subscription is
// closed or ctx is cancelled
func (r *MemoryRelay) Subscribe(ctx context.Context, userID uuid.UUID, handler Handler) (Subscription, error) {
	sub := &memorySubscription{
		relay:   r,
		userID:  userID,
		queue:   make(chan []byte, memorySubscriberBuffer),
		done:    make(chan struct{}),
		handler: handler,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if r.subs[userID] == nil {
		r.subs[userID] = make(map[*memorySubscription]struct{})
	}
	r.subs[userID][sub] = struct{}{}
	r.mu.Unlock()

	go sub.run(ctx)
	return sub, nil
}

// Subscribers reports how many live subscriptions userID has
func (r *MemoryRelay) Subscribers(userID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[userID])
}

// Close drops every subscription and rejects further publishes
func (r *MemoryRelay) Close() error {
	r.mu.Lock()
	r.closed = true
	var all []*memorySubscription
	for _, set := range r.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range all {
		_ = sub.Close()
	}
	return nil
}

func (s *memorySubscription) run(ctx context.Context) {
	defer s.Close() //nolint:errcheck
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case payload := <-s.queue:
			s.handler(payload)
		}
	}
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.relay.mu.Lock()
		delete(s.relay.subs[s.userID], s)
		if len(s.relay.subs[s.userID]) == 0 {
			delete(s.relay.subs, s.userID)
		}
		s.relay.mu.Unlock()
	})
	return nil
}
