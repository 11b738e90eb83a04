package domain

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SignalKind identifies the variant carried by an Envelope
type SignalKind string

const (
	KindInvite       SignalKind = "invite"
	KindAccepted     SignalKind = "accepted"
	KindOffer        SignalKind = "offer"
	KindAnswer       SignalKind = "answer"
	KindICECandidate SignalKind = "ice-candidate"
	KindRenegotiate  SignalKind = "renegotiate"
	KindLeft         SignalKind = "left"
	KindEnded        SignalKind = "ended"
)

// ClientRelayable reports whether a client may send this kind through the
// signal operation. Lifecycle kinds are only ever produced by the registry.
func (k SignalKind) ClientRelayable() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate, KindRenegotiate:
		return true
	default:
		return false
	}
}

// CallerInfo is the caller identity shown on an incoming call
type CallerInfo struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Avatar string    `json:"avatar,omitempty"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit shape
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Envelope is the JSON body carried on a user's relay channel
type Envelope struct {
	Kind      SignalKind    `json:"kind"`
	SessionID uuid.UUID     `json:"session_id"`
	SenderID  uuid.UUID     `json:"sender_id"`
	TargetID  *uuid.UUID    `json:"target_id,omitempty"`
	CallType  CallType      `json:"call_type,omitempty"`
	GroupID   *uuid.UUID    `json:"group_id,omitempty"`
	SDP       string        `json:"sdp,omitempty"`
	Candidate *ICECandidate `json:"candidate,omitempty"`
	Caller    *CallerInfo   `json:"caller,omitempty"`
	Reason    EndReason     `json:"reason,omitempty"`
	Media     []string      `json:"media,omitempty"`
}

// UnmarshalJSON accepts the legacy "action" discriminator as an alias of "kind"
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type plain Envelope
	var aux struct {
		plain
		Action SignalKind `json:"action"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*e = Envelope(aux.plain)
	if e.Kind == "" {
		e.Kind = aux.Action
	}
	return nil
}

// Signal is the decoded form of an Envelope. Exactly one concrete type exists
// per SignalKind.
type Signal interface {
	Header() SignalHeader
	Kind() SignalKind
}

// SignalHeader holds the fields common to every signal
type SignalHeader struct {
	SessionID uuid.UUID
	SenderID  uuid.UUID
}

func (h SignalHeader) Header() SignalHeader { return h }

type Invite struct {
	SignalHeader
	CallType CallType
	Caller   CallerInfo
	GroupID  *uuid.UUID
}

type Accepted struct {
	SignalHeader
}

type Offer struct {
	SignalHeader
	SDP string
}

type Answer struct {
	SignalHeader
	SDP string
}

type IceCandidate struct {
	SignalHeader
	Candidate ICECandidate
}

// Renegotiate asks the session's offerer to produce a new offer that can carry
// the listed media kinds.
type Renegotiate struct {
	SignalHeader
	Media []string
}

type Left struct {
	SignalHeader
}

type Ended struct {
	SignalHeader
	Reason EndReason
}

func (Invite) Kind() SignalKind       { return KindInvite }
func (Accepted) Kind() SignalKind     { return KindAccepted }
func (Offer) Kind() SignalKind        { return KindOffer }
func (Answer) Kind() SignalKind       { return KindAnswer }
func (IceCandidate) Kind() SignalKind { return KindICECandidate }
func (Renegotiate) Kind() SignalKind  { return KindRenegotiate }
func (Left) Kind() SignalKind         { return KindLeft }
func (Ended) Kind() SignalKind        { return KindEnded }

// Signal validates the envelope and converts it to its tagged variant
func (e *Envelope) Signal() (Signal, error) {
	if e.SessionID == uuid.Nil {
		return nil, fmt.Errorf("%s envelope missing session_id", e.Kind)
	}
	h := SignalHeader{SessionID: e.SessionID, SenderID: e.SenderID}

	switch e.Kind {
	case KindInvite:
		if e.Caller == nil {
			return nil, fmt.Errorf("invite envelope missing caller")
		}
		callType := e.CallType
		if callType == "" {
			callType = CallTypeVoice
		}
		if !callType.Valid() {
			return nil, fmt.Errorf("invite envelope has call_type=%q", e.CallType)
		}
		return Invite{SignalHeader: h, CallType: callType, Caller: *e.Caller, GroupID: e.GroupID}, nil
	case KindAccepted:
		return Accepted{SignalHeader: h}, nil
	case KindOffer:
		if e.SDP == "" {
			return nil, fmt.Errorf("offer envelope missing sdp")
		}
		return Offer{SignalHeader: h, SDP: e.SDP}, nil
	case KindAnswer:
		if e.SDP == "" {
			return nil, fmt.Errorf("answer envelope missing sdp")
		}
		return Answer{SignalHeader: h, SDP: e.SDP}, nil
	case KindICECandidate:
		if e.Candidate == nil {
			return nil, fmt.Errorf("ice-candidate envelope missing candidate")
		}
		return IceCandidate{SignalHeader: h, Candidate: *e.Candidate}, nil
	case KindRenegotiate:
		return Renegotiate{SignalHeader: h, Media: e.Media}, nil
	case KindLeft:
		return Left{SignalHeader: h}, nil
	case KindEnded:
		reason := e.Reason
		if reason == "" {
			reason = EndReasonHangup
		}
		return Ended{SignalHeader: h, Reason: reason}, nil
	case "":
		return nil, fmt.Errorf("envelope missing kind")
	default:
		return nil, fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
}

// DecodeSignal parses a relay message body into its tagged variant
func DecodeSignal(data []byte) (Signal, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return env.Signal()
}

// EnvelopeOf converts a tagged signal back to its wire envelope
func EnvelopeOf(sig Signal) *Envelope {
	h := sig.Header()
	env := &Envelope{Kind: sig.Kind(), SessionID: h.SessionID, SenderID: h.SenderID}

	switch s := sig.(type) {
	case Invite:
		caller := s.Caller
		env.CallType = s.CallType
		env.Caller = &caller
		env.GroupID = s.GroupID
	case Offer:
		env.SDP = s.SDP
	case Answer:
		env.SDP = s.SDP
	case IceCandidate:
		c := s.Candidate
		env.Candidate = &c
	case Renegotiate:
		env.Media = s.Media
	case Ended:
		env.Reason = s.Reason
	}
	return env
}
