package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"callsignal/internal/domain"
)

// Directory answers the registry's user, group and block-list lookups from
// the users, conversations and blocked_users tables. The call service only
// reads them.
type Directory struct {
	pool *pgxpool.Pool
}

// NewDirectory creates a Directory over pool
func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

// GetUser loads the identity shown to callees
func (d *Directory) GetUser(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	const query = `
		SELECT user_id, username, COALESCE(display_name, ''), avatar_url
		FROM users
		WHERE user_id = $1
	`

	var u domain.User
	err := d.pool.QueryRow(ctx, query, userID).Scan(&u.UserID, &u.Username, &u.DisplayName, &u.AvatarURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	return &u, nil
}

// GetGroup loads a group conversation and its members. Direct conversations
// are not callable as groups and report ErrGroupNotFound.
func (d *Directory) GetGroup(ctx context.Context, groupID uuid.UUID) (*domain.Group, error) {
	const groupQuery = `
		SELECT conversation_id, COALESCE(title, '')
		FROM conversations
		WHERE conversation_id = $1 AND type = 'group'
	`
	const membersQuery = `
		SELECT user_id FROM conversation_participants
		WHERE conversation_id = $1
		ORDER BY user_id
	`

	var g domain.Group
	err := d.pool.QueryRow(ctx, groupQuery, groupID).Scan(&g.GroupID, &g.Title)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group %s: %w", groupID, err)
	}

	rows, err := d.pool.Query(ctx, membersQuery, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members of %s: %w", groupID, err)
	}
	g.MemberIDs, err = pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to scan members of %s: %w", groupID, err)
	}
	return &g, nil
}

// IsBlocked reports whether blocker refuses calls from blocked
func (d *Directory) IsBlocked(ctx context.Context, blockerID, blockedID uuid.UUID) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM blocked_users WHERE blocker_id = $1 AND blocked_id = $2)`

	var blocked bool
	if err := d.pool.QueryRow(ctx, query, blockerID, blockedID).Scan(&blocked); err != nil {
		return false, fmt.Errorf("failed to check block list: %w", err)
	}
	return blocked, nil
}
