// Package call implements the call session registry: the server-side
// authority over who is calling whom and in which session state.
package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsignal/internal/domain"
	"callsignal/pkg/constants"
	"callsignal/pkg/logger"
	"callsignal/pkg/metrics"
	"callsignal/pkg/pagination"
)

// CallRepository persists sessions and participants. Create, End and
// JoinParticipant must be atomic with respect to the one-active-call rule.
type CallRepository interface {
	Create(ctx context.Context, session *domain.CallSession, participants []*domain.CallParticipant) error
	GetByID(ctx context.Context, sessionID uuid.UUID) (*domain.CallSession, error)
	GetByInviteToken(ctx context.Context, token string) (*domain.CallSession, error)
	Accept(ctx context.Context, sessionID uuid.UUID) (bool, error)
	End(ctx context.Context, sessionID uuid.UUID, reason domain.EndReason, at time.Time) (bool, error)
	JoinParticipant(ctx context.Context, sessionID, userID uuid.UUID, at time.Time) error
	SetParticipantStatus(ctx context.Context, sessionID, userID uuid.UUID, status domain.ParticipantStatus, at time.Time) error
	GetParticipants(ctx context.Context, sessionID uuid.UUID) ([]*domain.CallParticipant, error)
	ListActive(ctx context.Context) ([]*domain.CallSession, error)
	GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error)
}

// Directory resolves call targets
type Directory interface {
	GetUser(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	GetGroup(ctx context.Context, groupID uuid.UUID) (*domain.Group, error)
	IsBlocked(ctx context.Context, blockerID, blockedID uuid.UUID) (bool, error)
}

// GroupCache is implemented by directories that cache group lookups
type GroupCache interface {
	InvalidateGroup(ctx context.Context, groupID uuid.UUID) error
}

// Publisher pushes an envelope onto a user's signal channel
type Publisher interface {
	Publish(ctx context.Context, userID uuid.UUID, env *domain.Envelope) error
}

// Auditor records call lifecycle events. Failures are logged and never fail
// the operation.
type Auditor interface {
	LogCallStart(ctx context.Context, sessionID, userID uuid.UUID, callType string) error
	LogCallEnd(ctx context.Context, sessionID, userID uuid.UUID, reason string, duration time.Duration) error
}

// Config holds the registry's timing rules
type Config struct {
	RingTimeout   time.Duration
	EmptyGrace    time.Duration
	MaxDuration   time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns the production timings
func DefaultConfig() Config {
	return Config{
		RingTimeout:   constants.CallRingTimeout,
		EmptyGrace:    constants.CallEmptyGrace,
		MaxDuration:   constants.MaxCallDuration,
		SweepInterval: constants.CallSweepInterval,
	}
}

// Service handles call session business logic
type Service struct {
	calls     CallRepository
	directory Directory
	relay     Publisher
	metrics   *metrics.Metrics
	audit     Auditor
	cfg       Config
	now       func() time.Time
}

// NewService creates a new call service. m may be nil.
func NewService(calls CallRepository, directory Directory, relay Publisher, m *metrics.Metrics, cfg Config) *Service {
	return &Service{
		calls:     calls,
		directory: directory,
		relay:     relay,
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
	}
}

// SetAuditor enables the audit trail. Call it before serving requests.
func (s *Service) SetAuditor(a Auditor) {
	s.audit = a
}

// StartInput contains call initiation data
type StartInput struct {
	CallerID  uuid.UUID
	Target    domain.CallTarget
	Type      domain.CallType
	IsMeeting bool
}

// SessionView is a session together with its participants
type SessionView struct {
	Session      *domain.CallSession       `json:"session"`
	Participants []*domain.CallParticipant `json:"participants"`
}

// Start creates a pending session and invites every recipient.
// No session is stored when the caller is busy or the target is invalid.
func (s *Service) Start(ctx context.Context, input *StartInput) (*domain.CallSession, error) {
	if !input.Type.Valid() {
		return nil, fmt.Errorf("call type %q: %w", input.Type, domain.ErrInvalidTarget)
	}
	if !input.Target.Valid() {
		s.rejected("start", domain.ErrInvalidTarget)
		return nil, fmt.Errorf("exactly one of callee and group is required: %w", domain.ErrInvalidTarget)
	}

	caller, err := s.directory.GetUser(ctx, input.CallerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load caller: %w", err)
	}

	recipients, err := s.resolveTarget(ctx, input.CallerID, input.Target)
	if err != nil {
		s.rejected("start", err)
		return nil, err
	}

	now := s.now()
	session := &domain.CallSession{
		SessionID: uuid.New(),
		CallerID:  input.CallerID,
		CalleeID:  input.Target.CalleeID,
		GroupID:   input.Target.GroupID,
		Type:      input.Type,
		Status:    domain.CallStatusPending,
		StartedAt: now,
		IsMeeting: input.IsMeeting,
	}
	if input.IsMeeting {
		hostID := input.CallerID
		token := strings.ReplaceAll(uuid.NewString(), "-", "")
		session.HostID = &hostID
		session.InviteToken = &token
	}

	participants := make([]*domain.CallParticipant, 0, len(recipients)+1)
	participants = append(participants, &domain.CallParticipant{
		SessionID: session.SessionID,
		UserID:    input.CallerID,
		Status:    domain.ParticipantJoined,
		JoinedAt:  &now,
		IsHost:    true,
	})
	for _, id := range recipients {
		participants = append(participants, &domain.CallParticipant{
			SessionID: session.SessionID,
			UserID:    id,
			Status:    domain.ParticipantInvited,
		})
	}

	if err := s.calls.Create(ctx, session, participants); err != nil {
		s.rejected("start", err)
		if errors.Is(err, domain.ErrAlreadyInCall) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create call session: %w", err)
	}

	if s.metrics != nil {
		target := "user"
		if session.IsGroup() {
			target = "group"
		}
		s.metrics.RecordCallStarted(string(session.Type), target)
	}

	logger.Info("Call started",
		zap.String("session_id", session.SessionID.String()),
		zap.String("caller_id", input.CallerID.String()),
		zap.String("type", string(session.Type)),
		zap.Int("recipients", len(recipients)))
	if s.audit != nil {
		if err := s.audit.LogCallStart(ctx, session.SessionID, input.CallerID, string(session.Type)); err != nil {
			logger.Warn("Failed to audit call start", zap.String("session_id", session.SessionID.String()), zap.Error(err))
		}
	}

	invite := domain.Invite{
		SignalHeader: domain.SignalHeader{SessionID: session.SessionID, SenderID: input.CallerID},
		CallType:     session.Type,
		Caller:       caller.CallerInfo(),
		GroupID:      session.GroupID,
	}
	s.fanOut(ctx, domain.EnvelopeOf(invite), recipients)

	return session, nil
}

// resolveTarget validates the target and returns the users to invite
func (s *Service) resolveTarget(ctx context.Context, callerID uuid.UUID, target domain.CallTarget) ([]uuid.UUID, error) {
	if target.CalleeID != nil {
		calleeID := *target.CalleeID
		if calleeID == callerID {
			return nil, fmt.Errorf("cannot call yourself: %w", domain.ErrInvalidTarget)
		}
		if _, err := s.directory.GetUser(ctx, calleeID); err != nil {
			if errors.Is(err, domain.ErrUserNotFound) {
				return nil, fmt.Errorf("callee %s: %w", calleeID, domain.ErrInvalidTarget)
			}
			return nil, fmt.Errorf("failed to load callee: %w", err)
		}
		blocked, err := s.directory.IsBlocked(ctx, calleeID, callerID)
		if err != nil {
			return nil, fmt.Errorf("failed to check block list: %w", err)
		}
		if blocked {
			return nil, fmt.Errorf("callee does not accept calls from caller: %w", domain.ErrInvalidTarget)
		}
		return []uuid.UUID{calleeID}, nil
	}

	group, err := s.memberGroup(ctx, *target.GroupID, callerID)
	if err != nil {
		return nil, err
	}

	recipients := make([]uuid.UUID, 0, len(group.MemberIDs))
	for _, id := range group.MemberIDs {
		if id != callerID {
			recipients = append(recipients, id)
		}
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("group has no one else to call: %w", domain.ErrInvalidTarget)
	}
	return recipients, nil
}

// memberGroup loads the group and checks callerID belongs to it. A cached
// copy that lacks the caller may predate the caller joining, so it is
// dropped and the group read again before refusing.
func (s *Service) memberGroup(ctx context.Context, groupID, callerID uuid.UUID) (*domain.Group, error) {
	group, err := s.directory.GetGroup(ctx, groupID)
	if err == nil && !group.HasMember(callerID) {
		if cache, ok := s.directory.(GroupCache); ok {
			if err := cache.InvalidateGroup(ctx, groupID); err != nil {
				logger.Debug("Failed to drop cached group", zap.String("group_id", groupID.String()), zap.Error(err))
			} else {
				group, err = s.directory.GetGroup(ctx, groupID)
			}
		}
	}
	if err != nil {
		if errors.Is(err, domain.ErrGroupNotFound) {
			return nil, fmt.Errorf("group %s: %w", groupID, domain.ErrInvalidTarget)
		}
		return nil, fmt.Errorf("failed to load group: %w", err)
	}
	if !group.HasMember(callerID) {
		return nil, fmt.Errorf("caller is not a member of the group: %w", domain.ErrInvalidTarget)
	}
	return group, nil
}

// Accept joins userID to the session. The first accept moves a pending
// session to accepted; every new join is announced to the others.
func (s *Service) Accept(ctx context.Context, sessionID, userID uuid.UUID) (*domain.CallSession, error) {
	session, participants, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.IsEnded() {
		return nil, domain.ErrCallEnded
	}
	if userID == session.CallerID {
		return nil, fmt.Errorf("caller cannot accept own call: %w", domain.ErrNotParticipant)
	}

	self := findParticipant(participants, userID)
	if self == nil {
		return nil, domain.ErrNotParticipant
	}
	if self.Status == domain.ParticipantJoined {
		return session, nil
	}

	if err := s.join(ctx, session, userID); err != nil {
		s.rejected("accept", err)
		return nil, err
	}

	return s.calls.GetByID(ctx, sessionID)
}

// JoinByInviteToken joins a meeting through its invite link
func (s *Service) JoinByInviteToken(ctx context.Context, token string, userID uuid.UUID) (*domain.CallSession, error) {
	session, err := s.calls.GetByInviteToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !session.IsMeeting {
		return nil, domain.ErrCallNotFound
	}
	if session.IsEnded() {
		return nil, domain.ErrCallEnded
	}
	if userID == session.CallerID {
		return session, nil
	}

	if err := s.join(ctx, session, userID); err != nil {
		s.rejected("join", err)
		return nil, err
	}

	return s.calls.GetByID(ctx, session.SessionID)
}

func (s *Service) join(ctx context.Context, session *domain.CallSession, userID uuid.UUID) error {
	if err := s.calls.JoinParticipant(ctx, session.SessionID, userID, s.now()); err != nil {
		return err
	}
	if _, err := s.calls.Accept(ctx, session.SessionID); err != nil {
		return fmt.Errorf("failed to accept call: %w", err)
	}

	logger.Info("Call accepted",
		zap.String("session_id", session.SessionID.String()),
		zap.String("user_id", userID.String()))

	accepted := domain.Accepted{SignalHeader: domain.SignalHeader{SessionID: session.SessionID, SenderID: userID}}
	s.broadcast(ctx, session.SessionID, domain.EnvelopeOf(accepted), userID)
	return nil
}

// Decline refuses an incoming call. A 1:1 session ends with reason declined;
// in a group only the decliner's participation changes.
func (s *Service) Decline(ctx context.Context, sessionID, userID uuid.UUID) error {
	session, participants, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if userID == session.CallerID || findParticipant(participants, userID) == nil {
		return domain.ErrNotParticipant
	}
	if session.IsEnded() {
		return nil
	}

	if err := s.calls.SetParticipantStatus(ctx, sessionID, userID, domain.ParticipantDeclined, s.now()); err != nil {
		return fmt.Errorf("failed to record decline: %w", err)
	}
	if session.IsGroup() {
		return nil
	}
	return s.endSession(ctx, session, participants, domain.EndReasonDeclined, userID)
}

// Leave removes userID from a group session. Leaving a 1:1 session ends it.
func (s *Service) Leave(ctx context.Context, sessionID, userID uuid.UUID) error {
	session, participants, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if findParticipant(participants, userID) == nil {
		return domain.ErrNotParticipant
	}
	if session.IsEnded() {
		return nil
	}
	if !session.IsGroup() {
		return s.endSession(ctx, session, participants, domain.EndReasonHangup, userID)
	}

	if err := s.calls.SetParticipantStatus(ctx, sessionID, userID, domain.ParticipantLeft, s.now()); err != nil {
		return fmt.Errorf("failed to record leave: %w", err)
	}

	logger.Info("Participant left call",
		zap.String("session_id", sessionID.String()),
		zap.String("user_id", userID.String()))

	left := domain.Left{SignalHeader: domain.SignalHeader{SessionID: sessionID, SenderID: userID}}
	s.broadcast(ctx, sessionID, domain.EnvelopeOf(left), userID)
	return nil
}

// Signal relays a negotiation envelope from senderID to the session's other
// reachable participants, or to targetID only when it is set. The payload is
// not interpreted beyond its kind; the header is re-stamped by the server.
func (s *Service) Signal(ctx context.Context, sessionID, senderID uuid.UUID, env *domain.Envelope, targetID *uuid.UUID) error {
	if env == nil || !env.Kind.ClientRelayable() {
		kind := domain.SignalKind("")
		if env != nil {
			kind = env.Kind
		}
		return fmt.Errorf("kind %q cannot be relayed: %w", kind, domain.ErrInvalidSignal)
	}

	session, participants, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.IsEnded() {
		return domain.ErrCallEnded
	}
	sender := findParticipant(participants, senderID)
	if sender == nil || !sender.Reachable() {
		return domain.ErrNotParticipant
	}

	relayed := *env
	relayed.SessionID = sessionID
	relayed.SenderID = senderID
	relayed.TargetID = nil
	if _, err := relayed.Signal(); err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrInvalidSignal)
	}

	var recipients []uuid.UUID
	if targetID != nil {
		target := findParticipant(participants, *targetID)
		if target == nil || !target.Reachable() || *targetID == senderID {
			return fmt.Errorf("signal target %s: %w", *targetID, domain.ErrNotParticipant)
		}
		recipients = []uuid.UUID{*targetID}
	} else {
		recipients = reachableExcept(participants, senderID)
	}

	s.fanOut(ctx, &relayed, recipients)
	return nil
}

// End terminates the session. Concurrent and repeated ends are safe: one
// round of ended envelopes goes out and later calls succeed without effect.
// In a group only the host terminates; anyone else hanging up leaves.
func (s *Service) End(ctx context.Context, sessionID, userID uuid.UUID) error {
	session, participants, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	self := findParticipant(participants, userID)
	if self == nil {
		return domain.ErrNotParticipant
	}
	if session.IsEnded() {
		return nil
	}
	if session.IsGroup() && !self.IsHost {
		return s.Leave(ctx, sessionID, userID)
	}
	return s.endSession(ctx, session, participants, domain.EndReasonHangup, userID)
}

// endSession compare-and-sets the session to ended and, only when this call
// won, announces it to every reachable participant. The ender is included so
// its other devices stop too.
func (s *Service) endSession(ctx context.Context, session *domain.CallSession, participants []*domain.CallParticipant, reason domain.EndReason, enderID uuid.UUID) error {
	now := s.now()
	ended, err := s.calls.End(ctx, session.SessionID, reason, now)
	if err != nil {
		return fmt.Errorf("failed to end call: %w", err)
	}
	if !ended {
		return nil
	}

	if s.metrics != nil {
		s.metrics.RecordCallEnded(string(session.Type), string(reason), now.Sub(session.StartedAt))
	}
	logger.Info("Call ended",
		zap.String("session_id", session.SessionID.String()),
		zap.String("reason", string(reason)),
		zap.Duration("duration", now.Sub(session.StartedAt)))
	if s.audit != nil {
		if err := s.audit.LogCallEnd(ctx, session.SessionID, enderID, string(reason), now.Sub(session.StartedAt)); err != nil {
			logger.Warn("Failed to audit call end", zap.String("session_id", session.SessionID.String()), zap.Error(err))
		}
	}

	msg := domain.Ended{
		SignalHeader: domain.SignalHeader{SessionID: session.SessionID, SenderID: enderID},
		Reason:       reason,
	}
	s.fanOut(ctx, domain.EnvelopeOf(msg), reachableExcept(participants, uuid.Nil))
	return nil
}

// Get returns the session and its participants to one of them
func (s *Service) Get(ctx context.Context, sessionID, requesterID uuid.UUID) (*SessionView, error) {
	session, participants, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if findParticipant(participants, requesterID) == nil {
		return nil, domain.ErrNotParticipant
	}
	return &SessionView{Session: session, Participants: participants}, nil
}

// History returns the user's sessions, newest first
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error) {
	page := pagination.Normalize(limit, offset)
	sessions, err := s.calls.GetUserCalls(ctx, userID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get call history: %w", err)
	}
	return sessions, nil
}

func (s *Service) load(ctx context.Context, sessionID uuid.UUID) (*domain.CallSession, []*domain.CallParticipant, error) {
	session, err := s.calls.GetByID(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	participants, err := s.calls.GetParticipants(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get participants: %w", err)
	}
	return session, participants, nil
}

// broadcast sends env to every reachable participant except exceptID
func (s *Service) broadcast(ctx context.Context, sessionID uuid.UUID, env *domain.Envelope, exceptID uuid.UUID) {
	participants, err := s.calls.GetParticipants(ctx, sessionID)
	if err != nil {
		logger.Error("Failed to load participants for broadcast",
			zap.String("session_id", sessionID.String()),
			zap.String("kind", string(env.Kind)),
			zap.Error(err))
		return
	}
	s.fanOut(ctx, env, reachableExcept(participants, exceptID))
}

// fanOut publishes env to each recipient once. Failures are logged and
// counted, never retried.
func (s *Service) fanOut(ctx context.Context, env *domain.Envelope, recipients []uuid.UUID) {
	for _, userID := range recipients {
		err := s.relay.Publish(ctx, userID, env)
		if s.metrics != nil {
			s.metrics.RecordSignal(string(env.Kind), err)
		}
		if err != nil {
			logger.Warn("Failed to deliver signal",
				zap.String("session_id", env.SessionID.String()),
				zap.String("kind", string(env.Kind)),
				zap.String("recipient_id", userID.String()),
				zap.Error(err))
		}
	}
}

func (s *Service) rejected(operation string, err error) {
	if s.metrics == nil {
		return
	}
	reason := "error"
	switch {
	case errors.Is(err, domain.ErrAlreadyInCall):
		reason = "already_in_call"
	case errors.Is(err, domain.ErrInvalidTarget):
		reason = "invalid_target"
	case errors.Is(err, domain.ErrCallEnded):
		reason = "call_ended"
	}
	s.metrics.RecordCallRejected(operation, reason)
}

func findParticipant(participants []*domain.CallParticipant, userID uuid.UUID) *domain.CallParticipant {
	for _, p := range participants {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

func reachableExcept(participants []*domain.CallParticipant, exceptID uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(participants))
	for _, p := range participants {
		if p.UserID != exceptID && p.Reachable() {
			out = append(out, p.UserID)
		}
	}
	return out
}
