// Package negotiation drives one WebRTC peer connection per call session.
//
// The role of each side is fixed when the engine is created: the caller is
// the offerer for the whole session and the callee only ever answers. The
// callee asks for a new offer with a renegotiate signal instead of offering
// itself, so offers never cross.
package negotiation

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"callsignal/internal/domain"
	"callsignal/pkg/logger"
)

var (
	// ErrNegotiation wraps offer, answer and remote description failures.
	// They are fatal to the call.
	ErrNegotiation = errors.New("negotiation failed")

	// ErrWrongRole is returned for a signal the engine's role never accepts
	ErrWrongRole = errors.New("signal not valid for negotiation role")

	ErrClosed = errors.New("negotiation engine closed")
)

// Role is a side's fixed part in the offer/answer exchange
type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

// Listener receives engine output. Methods are invoked on pion goroutines
// and must not call back into the engine synchronously.
type Listener interface {
	SendSignal(sig domain.Signal)
	RemoteTrack(kind webrtc.RTPCodecType)
	StateChanged(state webrtc.PeerConnectionState)
}

// Params identify the session an engine negotiates
type Params struct {
	SessionID uuid.UUID
	LocalID   uuid.UUID
	Role      Role
}

// peerConnection is the subset of *webrtc.PeerConnection the engine drives
type peerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error)
	GetTransceivers() []*webrtc.RTPTransceiver
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

// Engine owns a session's peer connection
type Engine struct {
	pc       peerConnection
	params   Params
	listener Listener
	log      *zap.Logger

	mu sync.Mutex
	// remote candidates received before the first remote description
	pending           []webrtc.ICECandidateInit
	remoteSet         bool
	offerOutstanding  bool
	renegotiateQueued bool
	closed            bool
}

// NewEngine creates the session's peer connection from api
func NewEngine(api *webrtc.API, cfg Config, params Params, listener Listener) (*Engine, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return newEngine(pc, params, listener), nil
}

func newEngine(pc peerConnection, params Params, listener Listener) *Engine {
	e := &Engine{
		pc:       pc,
		params:   params,
		listener: listener,
		log: logger.Named("negotiation").With(
			zap.String("session_id", params.SessionID.String()),
			zap.Stringer("role", params.Role)),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		e.listener.SendSignal(domain.IceCandidate{
			SignalHeader: e.header(),
			Candidate: domain.ICECandidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			},
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.log.Info("Remote track received",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType))
		e.listener.RemoteTrack(track.Kind())
		go drain(track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.log.Debug("Peer connection state changed", zap.String("state", state.String()))
		e.listener.StateChanged(state)
	})

	return e
}

// Role returns the engine's fixed role
func (e *Engine) Role() Role { return e.params.Role }

// HasRemoteDescription reports whether a remote description was ever applied
func (e *Engine) HasRemoteDescription() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteSet
}

// AddTracks attaches local tracks to the connection. Tracks added after the
// first exchange take effect on the next offer.
func (e *Engine) AddTracks(tracks []webrtc.TrackLocal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	for _, t := range tracks {
		sender, err := e.pc.AddTrack(t)
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", t.Kind(), err)
		}
		if sender != nil {
			go drainRTCP(sender)
		}
	}
	return nil
}

// Start sends the initial offer. Only the offerer starts.
func (e *Engine) Start() error {
	if e.params.Role != RoleOfferer {
		return ErrWrongRole
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return e.offerLocked()
}

// HandleOffer applies a remote offer and answers it
func (e *Engine) HandleOffer(sdp string) error {
	if e.params.Role != RoleAnswerer {
		e.log.Warn("Ignoring offer received by the offerer")
		return ErrWrongRole
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	if err := e.setRemoteLocked(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return err
	}

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("%w: create answer: %v", ErrNegotiation, err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: set local answer: %v", ErrNegotiation, err)
	}

	e.listener.SendSignal(domain.Answer{SignalHeader: e.header(), SDP: answer.SDP})
	return nil
}

// HandleAnswer applies the answer to the outstanding offer and sends any
// renegotiation queued meanwhile
func (e *Engine) HandleAnswer(sdp string) error {
	if e.params.Role != RoleOfferer {
		e.log.Warn("Ignoring answer received by the answerer")
		return ErrWrongRole
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if !e.offerOutstanding {
		e.log.Warn("Ignoring answer with no offer outstanding")
		return nil
	}

	if err := e.setRemoteLocked(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return err
	}
	e.offerOutstanding = false

	if e.renegotiateQueued {
		e.renegotiateQueued = false
		e.log.Debug("Sending queued renegotiation")
		return e.offerLocked()
	}
	return nil
}

// HandleCandidate applies a remote candidate, or buffers it until the first
// remote description is set. A rejected candidate is logged and skipped.
func (e *Engine) HandleCandidate(c domain.ICECandidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	if !e.remoteSet {
		e.pending = append(e.pending, init)
		return nil
	}
	e.addCandidateLocked(init)
	return nil
}

// Renegotiate starts a new exchange after local tracks changed. The offerer
// re-offers, or queues the offer while one is outstanding. The answerer asks
// the offerer for an offer carrying media; before it holds a remote
// description there is nothing to renegotiate and it only warns.
func (e *Engine) Renegotiate(media []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	if e.params.Role == RoleAnswerer {
		if !e.remoteSet {
			e.log.Warn("Renegotiation skipped: no remote description yet")
			return nil
		}
		e.listener.SendSignal(domain.Renegotiate{SignalHeader: e.header(), Media: media})
		return nil
	}

	if err := e.ensureReceiversLocked(media); err != nil {
		return err
	}
	return e.offerLocked()
}

// HandleRenegotiate answers the answerer's request for a new offer
func (e *Engine) HandleRenegotiate(media []string) error {
	if e.params.Role != RoleOfferer {
		e.log.Warn("Ignoring renegotiate request received by the answerer")
		return ErrWrongRole
	}
	return e.Renegotiate(media)
}

// Close tears the peer connection down. It is safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.pending = nil
	e.mu.Unlock()

	return e.pc.Close()
}

func (e *Engine) offerLocked() error {
	if e.offerOutstanding {
		e.renegotiateQueued = true
		e.log.Debug("Offer outstanding, renegotiation queued")
		return nil
	}

	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local offer: %v", ErrNegotiation, err)
	}
	e.offerOutstanding = true

	e.listener.SendSignal(domain.Offer{SignalHeader: e.header(), SDP: offer.SDP})
	return nil
}

func (e *Engine) setRemoteLocked(desc webrtc.SessionDescription) error {
	if err := e.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote %s: %v", ErrNegotiation, desc.Type, err)
	}
	if e.remoteSet {
		return nil
	}

	e.remoteSet = true
	pending := e.pending
	e.pending = nil
	if len(pending) > 0 {
		e.log.Debug("Flushing buffered candidates", zap.Int("count", len(pending)))
	}
	for _, c := range pending {
		e.addCandidateLocked(c)
	}
	return nil
}

func (e *Engine) addCandidateLocked(c webrtc.ICECandidateInit) {
	if err := e.pc.AddICECandidate(c); err != nil {
		e.log.Warn("Failed to add remote candidate", zap.String("candidate", c.Candidate), zap.Error(err))
	}
}

// ensureReceiversLocked gives the next offer an m-line for every media kind
// the peer wants to send
func (e *Engine) ensureReceiversLocked(media []string) error {
	for _, m := range media {
		kind := webrtc.NewRTPCodecType(m)
		if kind == 0 {
			e.log.Warn("Ignoring unknown media kind", zap.String("media", m))
			continue
		}

		present := false
		for _, t := range e.pc.GetTransceivers() {
			if t.Kind() == kind {
				present = true
				break
			}
		}
		if present {
			continue
		}

		if _, err := e.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("%w: add %s receiver: %v", ErrNegotiation, m, err)
		}
	}
	return nil
}

func (e *Engine) header() domain.SignalHeader {
	return domain.SignalHeader{SessionID: e.params.SessionID, SenderID: e.params.LocalID}
}

func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
