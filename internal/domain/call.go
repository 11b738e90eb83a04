package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallType is the media type a session was started with
type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a known call type
func (t CallType) Valid() bool {
	return t == CallTypeVoice || t == CallTypeVideo
}

// CallStatus is the server-side lifecycle status of a session
type CallStatus string

const (
	CallStatusPending  CallStatus = "pending"
	CallStatusAccepted CallStatus = "accepted"
	CallStatusEnded    CallStatus = "ended"
)

// CanTransition reports whether a session may move from one status to another.
// Status only ever moves forward and ended is absorbing.
func (s CallStatus) CanTransition(to CallStatus) bool {
	switch s {
	case CallStatusPending:
		return to == CallStatusAccepted || to == CallStatusEnded
	case CallStatusAccepted:
		return to == CallStatusEnded
	default:
		return false
	}
}

// EndReason records why a session ended
type EndReason string

const (
	EndReasonHangup   EndReason = "hangup"
	EndReasonDeclined EndReason = "declined"
	EndReasonMissed   EndReason = "missed"
	EndReasonFailed   EndReason = "failed"
	EndReasonExpired  EndReason = "expired"
	EndReasonEmpty    EndReason = "empty"
)

// CallSession represents a call session record.
// Exactly one of CalleeID and GroupID is set.
type CallSession struct {
	SessionID   uuid.UUID  `json:"session_id"`
	CallerID    uuid.UUID  `json:"caller_id"`
	CalleeID    *uuid.UUID `json:"callee_id,omitempty"`
	GroupID     *uuid.UUID `json:"group_id,omitempty"`
	Type        CallType   `json:"type"`
	Status      CallStatus `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	EndReason   *EndReason `json:"end_reason,omitempty"`
	IsMeeting   bool       `json:"is_meeting"`
	HostID      *uuid.UUID `json:"host_id,omitempty"`
	InviteToken *string    `json:"invite_token,omitempty"`
}

// IsGroup reports whether the session targets a group
func (c *CallSession) IsGroup() bool {
	return c.GroupID != nil
}

// IsEnded reports whether the session reached its terminal status
func (c *CallSession) IsEnded() bool {
	return c.Status == CallStatusEnded
}

// ParticipantStatus is the membership state of a user within a session
type ParticipantStatus string

const (
	ParticipantInvited  ParticipantStatus = "invited"
	ParticipantJoined   ParticipantStatus = "joined"
	ParticipantLeft     ParticipantStatus = "left"
	ParticipantDeclined ParticipantStatus = "declined"
)

// CallParticipant represents a participant in a call
type CallParticipant struct {
	SessionID uuid.UUID         `json:"call_session_id"`
	UserID    uuid.UUID         `json:"user_id"`
	Status    ParticipantStatus `json:"status"`
	JoinedAt  *time.Time        `json:"joined_at,omitempty"`
	LeftAt    *time.Time        `json:"left_at,omitempty"`
	IsHost    bool              `json:"is_host"`
}

// Reachable reports whether signals should still be delivered to the participant
func (p *CallParticipant) Reachable() bool {
	return p.Status == ParticipantInvited || p.Status == ParticipantJoined
}

// CallTarget names who a call is placed to. Exactly one field is set.
type CallTarget struct {
	CalleeID *uuid.UUID
	GroupID  *uuid.UUID
}

// Valid reports whether exactly one of the target fields is set
func (t CallTarget) Valid() bool {
	return (t.CalleeID != nil) != (t.GroupID != nil)
}
