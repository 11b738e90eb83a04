package domain

import "errors"

// Registry invariant violations. They are rejected synchronously and never
// partially applied.
var (
	ErrAlreadyInCall  = errors.New("user already in a call")
	ErrInvalidTarget  = errors.New("invalid call target")
	ErrCallNotFound   = errors.New("call not found")
	ErrNotParticipant = errors.New("not a participant of this call")
	ErrCallEnded      = errors.New("call has ended")
	ErrUserNotFound   = errors.New("user not found")
	ErrGroupNotFound  = errors.New("group not found")
	ErrInvalidSignal  = errors.New("invalid signal payload")
)
