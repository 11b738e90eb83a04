package domain

import (
	"github.com/google/uuid"
)

// User is the directory view of an account: enough to show who is calling.
// Maps to CockroachDB users table
type User struct {
	UserID      uuid.UUID `json:"user_id" db:"user_id"`
	Username    string    `json:"username" db:"username"`
	DisplayName string    `json:"display_name" db:"display_name"`
	AvatarURL   *string   `json:"avatar_url,omitempty" db:"avatar_url"`
}

// CallerInfo builds the identity block sent with an invite
func (u *User) CallerInfo() CallerInfo {
	name := u.DisplayName
	if name == "" {
		name = u.Username
	}
	info := CallerInfo{ID: u.UserID, Name: name}
	if u.AvatarURL != nil {
		info.Avatar = *u.AvatarURL
	}
	return info
}

// Group is a set of users that can be called together.
// Maps to the conversations table (group conversations).
type Group struct {
	GroupID   uuid.UUID   `json:"group_id"`
	Title     string      `json:"title"`
	MemberIDs []uuid.UUID `json:"member_ids"`
}

// HasMember reports whether userID belongs to the group
func (g *Group) HasMember(userID uuid.UUID) bool {
	for _, id := range g.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}
