package call

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsignal/internal/domain"
	"callsignal/pkg/logger"
)

// RunSweeper ends expired sessions every SweepInterval until ctx is cancelled
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				logger.Warn("Call sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep ends every session whose lifetime rule has lapsed and returns how
// many it ended:
//   - any session older than MaxDuration ends as expired
//   - a session still pending after RingTimeout ends as missed
//   - a group session with nobody joined for EmptyGrace ends as empty
func (s *Service) Sweep(ctx context.Context) (int, error) {
	sessions, err := s.calls.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	ended := 0
	for _, session := range sessions {
		participants, err := s.calls.GetParticipants(ctx, session.SessionID)
		if err != nil {
			logger.Warn("Failed to load participants during sweep",
				zap.String("session_id", session.SessionID.String()),
				zap.Error(err))
			continue
		}

		reason, expired := s.expiry(session, participants, now)
		if !expired {
			continue
		}
		if err := s.endSession(ctx, session, participants, reason, uuid.Nil); err != nil {
			logger.Warn("Failed to end expired call",
				zap.String("session_id", session.SessionID.String()),
				zap.String("reason", string(reason)),
				zap.Error(err))
			continue
		}
		ended++
	}
	return ended, nil
}

func (s *Service) expiry(session *domain.CallSession, participants []*domain.CallParticipant, now time.Time) (domain.EndReason, bool) {
	age := now.Sub(session.StartedAt)
	if age > s.cfg.MaxDuration {
		return domain.EndReasonExpired, true
	}
	if session.Status == domain.CallStatusPending && age > s.cfg.RingTimeout {
		return domain.EndReasonMissed, true
	}
	if !session.IsGroup() || session.Status != domain.CallStatusAccepted {
		return "", false
	}

	emptySince := session.StartedAt
	for _, p := range participants {
		if p.Status == domain.ParticipantJoined {
			return "", false
		}
		if p.LeftAt != nil && p.LeftAt.After(emptySince) {
			emptySince = *p.LeftAt
		}
	}
	if now.Sub(emptySince) > s.cfg.EmptyGrace {
		return domain.EndReasonEmpty, true
	}
	return "", false
}
