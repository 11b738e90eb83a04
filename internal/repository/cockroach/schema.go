package cockroach

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// callSchema creates the tables owned by the call service. The users,
// conversations and blocked_users tables belong to other services and are
// only read here.
const callSchema = `
CREATE TABLE IF NOT EXISTS calls (
	call_id      UUID PRIMARY KEY,
	caller_id    UUID NOT NULL,
	callee_id    UUID,
	group_id     UUID,
	call_type    STRING NOT NULL CHECK (call_type IN ('voice', 'video')),
	status       STRING NOT NULL CHECK (status IN ('pending', 'accepted', 'ended')),
	started_at   TIMESTAMPTZ NOT NULL,
	ended_at     TIMESTAMPTZ,
	end_reason   STRING,
	is_meeting   BOOL NOT NULL DEFAULT false,
	host_id      UUID,
	invite_token STRING UNIQUE,
	CHECK ((callee_id IS NULL) <> (group_id IS NULL)),
	INDEX calls_caller_idx (caller_id, started_at DESC),
	INDEX calls_status_idx (status)
);

CREATE TABLE IF NOT EXISTS call_participants (
	call_id   UUID NOT NULL REFERENCES calls (call_id) ON DELETE CASCADE,
	user_id   UUID NOT NULL,
	status    STRING NOT NULL CHECK (status IN ('invited', 'joined', 'left', 'declined')),
	joined_at TIMESTAMPTZ,
	left_at   TIMESTAMPTZ,
	is_host   BOOL NOT NULL DEFAULT false,
	PRIMARY KEY (call_id, user_id),
	INDEX call_participants_user_idx (user_id)
);

CREATE TABLE IF NOT EXISTS user_active_calls (
	user_id    UUID PRIMARY KEY,
	call_id    UUID NOT NULL REFERENCES calls (call_id) ON DELETE CASCADE,
	claimed_at TIMESTAMPTZ NOT NULL,
	INDEX user_active_calls_call_idx (call_id)
);
`

// Migrate creates the call tables when they do not exist
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, callSchema); err != nil {
		return fmt.Errorf("failed to apply call schema: %w", err)
	}
	return nil
}
