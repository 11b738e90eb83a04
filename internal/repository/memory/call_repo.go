// Package memory provides in-process repositories. The call service uses them
// when CockroachDB is unreachable and tests use them as a realistic fake.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"callsignal/internal/domain"
)

// CallRepository keeps sessions, participants and active-call claims in memory.
// A single mutex makes every operation atomic, matching the transactional
// guarantees of the CockroachDB implementation.
type CallRepository struct {
	mu           sync.Mutex
	sessions     map[uuid.UUID]*domain.CallSession
	participants map[uuid.UUID]map[uuid.UUID]*domain.CallParticipant
	// activeCalls maps a user to the one non-ended session they are in
	activeCalls map[uuid.UUID]uuid.UUID
}

// NewCallRepository creates an empty repository
func NewCallRepository() *CallRepository {
	return &CallRepository{
		sessions:     make(map[uuid.UUID]*domain.CallSession),
		participants: make(map[uuid.UUID]map[uuid.UUID]*domain.CallParticipant),
		activeCalls:  make(map[uuid.UUID]uuid.UUID),
	}
}

// Create stores a new session with its initial participants and claims the
// caller as busy. Nothing is stored when the caller already has a call.
func (r *CallRepository) Create(ctx context.Context, session *domain.CallSession, participants []*domain.CallParticipant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.activeCalls[session.CallerID]; busy {
		return domain.ErrAlreadyInCall
	}

	stored := *session
	r.sessions[session.SessionID] = &stored
	members := make(map[uuid.UUID]*domain.CallParticipant, len(participants))
	for _, p := range participants {
		cp := *p
		members[p.UserID] = &cp
	}
	r.participants[session.SessionID] = members
	r.activeCalls[session.CallerID] = session.SessionID

	return nil
}

// GetByID returns a copy of the session
func (r *CallRepository) GetByID(ctx context.Context, sessionID uuid.UUID) (*domain.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	cp := *s
	return &cp, nil
}

// GetByInviteToken looks a meeting up by its join token
func (r *CallRepository) GetByInviteToken(ctx context.Context, token string) (*domain.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.InviteToken != nil && *s.InviteToken == token {
			cp := *s
			return &cp, nil
		}
	}
	return nil, domain.ErrCallNotFound
}

// Accept moves a pending session to accepted. It reports false when the
// session was not pending.
func (r *CallRepository) Accept(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return false, domain.ErrCallNotFound
	}
	if !s.Status.CanTransition(domain.CallStatusAccepted) {
		return false, nil
	}
	s.Status = domain.CallStatusAccepted
	return true, nil
}

// End marks the session ended and releases every claim on it. Only the first
// caller observes true.
func (r *CallRepository) End(ctx context.Context, sessionID uuid.UUID, reason domain.EndReason, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return false, domain.ErrCallNotFound
	}
	if !s.Status.CanTransition(domain.CallStatusEnded) {
		return false, nil
	}

	endedAt := at
	s.Status = domain.CallStatusEnded
	s.EndedAt = &endedAt
	s.EndReason = &reason

	for _, p := range r.participants[sessionID] {
		if p.Status == domain.ParticipantJoined {
			p.Status = domain.ParticipantLeft
			p.LeftAt = &endedAt
		}
	}
	for userID, callID := range r.activeCalls {
		if callID == sessionID {
			delete(r.activeCalls, userID)
		}
	}

	return true, nil
}

// JoinParticipant marks the user joined and claims them as busy. Joining the
// same session twice is idempotent.
func (r *CallRepository) JoinParticipant(ctx context.Context, sessionID, userID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.ErrCallNotFound
	}
	if s.IsEnded() {
		return domain.ErrCallEnded
	}
	if current, busy := r.activeCalls[userID]; busy && current != sessionID {
		return domain.ErrAlreadyInCall
	}

	members := r.participants[sessionID]
	p, ok := members[userID]
	if !ok {
		p = &domain.CallParticipant{SessionID: sessionID, UserID: userID}
		members[userID] = p
	}
	joinedAt := at
	p.Status = domain.ParticipantJoined
	p.JoinedAt = &joinedAt
	p.LeftAt = nil
	r.activeCalls[userID] = sessionID

	return nil
}

// SetParticipantStatus records a leave or decline and drops the user's claim
func (r *CallRepository) SetParticipantStatus(ctx context.Context, sessionID, userID uuid.UUID, status domain.ParticipantStatus, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[sessionID][userID]
	if !ok {
		return domain.ErrNotParticipant
	}
	p.Status = status
	if status == domain.ParticipantLeft {
		leftAt := at
		p.LeftAt = &leftAt
	}
	if r.activeCalls[userID] == sessionID {
		delete(r.activeCalls, userID)
	}

	return nil
}

// GetParticipants returns copies of the session's participants ordered by user
func (r *CallRepository) GetParticipants(ctx context.Context, sessionID uuid.UUID) ([]*domain.CallParticipant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.participants[sessionID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	out := make([]*domain.CallParticipant, 0, len(members))
	for _, p := range members {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID.String() < out[j].UserID.String() })
	return out, nil
}

// ListActive returns every session that has not ended
func (r *CallRepository) ListActive(ctx context.Context) ([]*domain.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.CallSession
	for _, s := range r.sessions {
		if !s.IsEnded() {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

// GetUserCalls returns the user's sessions, newest first
func (r *CallRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []*domain.CallSession
	for id, s := range r.sessions {
		if _, member := r.participants[id][userID]; member || s.CallerID == userID {
			cp := *s
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })

	if offset >= len(all) {
		return []*domain.CallSession{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// ActiveCall returns the session a user is currently claimed by
func (r *CallRepository) ActiveCall(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.activeCalls[userID]
	return id, ok
}
