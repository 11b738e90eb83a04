package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"callsignal/internal/domain"
)

// CallRepository handles call session data operations.
//
// The one-active-call-per-user rule is enforced by the user_active_calls
// table: its primary key on user_id makes a second claim fail inside the
// same transaction that would create or join a session.
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

const sessionColumns = `call_id, caller_id, callee_id, group_id, call_type, status,
	started_at, ended_at, end_reason, is_meeting, host_id, invite_token`

func scanSession(row pgx.Row) (*domain.CallSession, error) {
	s := &domain.CallSession{}
	err := row.Scan(
		&s.SessionID,
		&s.CallerID,
		&s.CalleeID,
		&s.GroupID,
		&s.Type,
		&s.Status,
		&s.StartedAt,
		&s.EndedAt,
		&s.EndReason,
		&s.IsMeeting,
		&s.HostID,
		&s.InviteToken,
	)
	return s, err
}

// txQuerier is the part of pgx.Tx the write paths use
type txQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// claim inserts the user's active-call row. It reports false when the user is
// already claimed by a different session. The calls row must already exist.
func claim(ctx context.Context, tx txQuerier, userID, sessionID uuid.UUID) (bool, error) {
	query := `
		INSERT INTO user_active_calls (user_id, call_id, claimed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO NOTHING
	`
	tag, err := tx.Exec(ctx, query, userID, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to claim active call: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var current uuid.UUID
	err = tx.QueryRow(ctx, `SELECT call_id FROM user_active_calls WHERE user_id = $1`, userID).Scan(&current)
	if err != nil {
		return false, fmt.Errorf("failed to read active call: %w", err)
	}
	return current == sessionID, nil
}

// Create inserts the session, the caller's claim and the participants in one
// transaction
func (r *CallRepository) Create(ctx context.Context, session *domain.CallSession, participants []*domain.CallParticipant) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := createSession(ctx, tx, session, participants); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit call: %w", err)
	}
	return nil
}

// createSession writes in foreign key order: the calls row first, since both
// user_active_calls and call_participants reference it and CockroachDB checks
// references per statement.
func createSession(ctx context.Context, tx txQuerier, session *domain.CallSession, participants []*domain.CallParticipant) error {
	query := `
		INSERT INTO calls (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := tx.Exec(ctx, query,
		session.SessionID,
		session.CallerID,
		session.CalleeID,
		session.GroupID,
		session.Type,
		session.Status,
		session.StartedAt,
		session.EndedAt,
		session.EndReason,
		session.IsMeeting,
		session.HostID,
		session.InviteToken,
	)
	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}

	ok, err := claim(ctx, tx, session.CallerID, session.SessionID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrAlreadyInCall
	}

	batch := &pgx.Batch{}
	for _, p := range participants {
		batch.Queue(`
			INSERT INTO call_participants (call_id, user_id, status, joined_at, left_at, is_host)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, p.SessionID, p.UserID, p.Status, p.JoinedAt, p.LeftAt, p.IsHost)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to add participants: %w", err)
	}
	return nil
}

// GetByID retrieves a session by ID
func (r *CallRepository) GetByID(ctx context.Context, sessionID uuid.UUID) (*domain.CallSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM calls WHERE call_id = $1`

	s, err := scanSession(r.pool.QueryRow(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	return s, nil
}

// GetByInviteToken retrieves a meeting by its join token
func (r *CallRepository) GetByInviteToken(ctx context.Context, token string) (*domain.CallSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM calls WHERE invite_token = $1`

	s, err := scanSession(r.pool.QueryRow(ctx, query, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to get call by invite token: %w", err)
	}
	return s, nil
}

// Accept moves a pending session to accepted. It reports whether this call
// performed the transition.
func (r *CallRepository) Accept(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	query := `
		UPDATE calls
		SET status = 'accepted'
		WHERE call_id = $1 AND status = 'pending'
	`
	tag, err := r.pool.Exec(ctx, query, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to accept call: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetByID(ctx, sessionID); err != nil {
		return false, err
	}
	return false, nil
}

// End compare-and-sets the session to ended, closes joined participants and
// releases every claim. Only one concurrent caller observes true.
func (r *CallRepository) End(ctx context.Context, sessionID uuid.UUID, reason domain.EndReason, at time.Time) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		UPDATE calls
		SET status = 'ended', ended_at = $2, end_reason = $3
		WHERE call_id = $1 AND status <> 'ended'
	`, sessionID, at, reason)
	if err != nil {
		return false, fmt.Errorf("failed to end call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM calls WHERE call_id = $1)`, sessionID).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("failed to check call: %w", err)
		}
		if !exists {
			return false, domain.ErrCallNotFound
		}
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE call_participants
		SET status = 'left', left_at = $2
		WHERE call_id = $1 AND status = 'joined'
	`, sessionID, at)
	if err != nil {
		return false, fmt.Errorf("failed to close participants: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM user_active_calls WHERE call_id = $1`, sessionID); err != nil {
		return false, fmt.Errorf("failed to release active calls: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit end: %w", err)
	}
	return true, nil
}

// JoinParticipant marks the user joined and claims them, creating the
// participant row for meeting-link joins
func (r *CallRepository) JoinParticipant(ctx context.Context, sessionID, userID uuid.UUID, at time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var status domain.CallStatus
	err = tx.QueryRow(ctx, `SELECT status FROM calls WHERE call_id = $1 FOR UPDATE`, sessionID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrCallNotFound
		}
		return fmt.Errorf("failed to lock call: %w", err)
	}
	if status == domain.CallStatusEnded {
		return domain.ErrCallEnded
	}

	ok, err := claim(ctx, tx, userID, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrAlreadyInCall
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO call_participants (call_id, user_id, status, joined_at, left_at, is_host)
		VALUES ($1, $2, 'joined', $3, NULL, false)
		ON CONFLICT (call_id, user_id) DO UPDATE SET
			status = 'joined',
			joined_at = EXCLUDED.joined_at,
			left_at = NULL
	`, sessionID, userID, at)
	if err != nil {
		return fmt.Errorf("failed to join participant: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit join: %w", err)
	}
	return nil
}

// SetParticipantStatus records a leave or decline and releases the user's claim
func (r *CallRepository) SetParticipantStatus(ctx context.Context, sessionID, userID uuid.UUID, status domain.ParticipantStatus, at time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var leftAt *time.Time
	if status == domain.ParticipantLeft {
		leftAt = &at
	}
	tag, err := tx.Exec(ctx, `
		UPDATE call_participants
		SET status = $3, left_at = COALESCE($4, left_at)
		WHERE call_id = $1 AND user_id = $2
	`, sessionID, userID, status, leftAt)
	if err != nil {
		return fmt.Errorf("failed to update participant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotParticipant
	}

	_, err = tx.Exec(ctx, `DELETE FROM user_active_calls WHERE user_id = $1 AND call_id = $2`, userID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to release active call: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit participant status: %w", err)
	}
	return nil
}

// GetParticipants retrieves all participants of a session
func (r *CallRepository) GetParticipants(ctx context.Context, sessionID uuid.UUID) ([]*domain.CallParticipant, error) {
	query := `
		SELECT call_id, user_id, status, joined_at, left_at, is_host
		FROM call_participants
		WHERE call_id = $1
		ORDER BY user_id
	`

	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	var participants []*domain.CallParticipant
	for rows.Next() {
		p := &domain.CallParticipant{}
		if err := rows.Scan(&p.SessionID, &p.UserID, &p.Status, &p.JoinedAt, &p.LeftAt, &p.IsHost); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read participants: %w", err)
	}
	if len(participants) == 0 {
		if _, err := r.GetByID(ctx, sessionID); err != nil {
			return nil, err
		}
	}

	return participants, nil
}

// ListActive retrieves every session that has not ended
func (r *CallRepository) ListActive(ctx context.Context) ([]*domain.CallSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM calls WHERE status <> 'ended'`
	return r.querySessions(ctx, "failed to list active calls", query)
}

// GetUserCalls retrieves the user's sessions, newest first
func (r *CallRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM calls c
		WHERE c.caller_id = $1
		   OR EXISTS (SELECT 1 FROM call_participants cp WHERE cp.call_id = c.call_id AND cp.user_id = $1)
		ORDER BY c.started_at DESC
		LIMIT $2 OFFSET $3
	`
	return r.querySessions(ctx, "failed to get user calls", query, userID, limit, offset)
}

func (r *CallRepository) querySessions(ctx context.Context, errMsg, query string, args ...any) ([]*domain.CallSession, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMsg, err)
	}
	defer rows.Close()

	sessions := []*domain.CallSession{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", errMsg, err)
	}
	return sessions, nil
}
