package callstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"callsignal/internal/client/device"
	"callsignal/internal/client/negotiation"
	"callsignal/internal/domain"
	"callsignal/pkg/constants"
	"callsignal/pkg/logger"
)

// Registry is the control API as the client uses it
type Registry interface {
	Start(ctx context.Context, target domain.CallTarget, callType domain.CallType) (*domain.CallSession, error)
	Accept(ctx context.Context, sessionID uuid.UUID) error
	Decline(ctx context.Context, sessionID uuid.UUID) error
	End(ctx context.Context, sessionID uuid.UUID) error
	Signal(ctx context.Context, sig domain.Signal, targetID *uuid.UUID) error
}

// Media acquires local devices
type Media interface {
	RequestPermissions(ctx context.Context, needVideo bool) error
	Acquire(ctx context.Context, needVideo bool) (*device.LocalMedia, error)
	AcquireVideo(ctx context.Context) (*device.LocalMedia, error)
}

// Engine negotiates one session's peer connection
type Engine interface {
	AddTracks(tracks []webrtc.TrackLocal) error
	Start() error
	HandleOffer(sdp string) error
	HandleAnswer(sdp string) error
	HandleCandidate(c domain.ICECandidate) error
	Renegotiate(media []string) error
	HandleRenegotiate(media []string) error
	Close() error
}

// EngineFactory creates the engine for a new session
type EngineFactory func(params negotiation.Params, listener negotiation.Listener) (Engine, error)

// Config holds controller settings
type Config struct {
	UserID uuid.UUID

	// ConnectTimeout bounds ringing and connection setup. In Connected the
	// peer connection's own ICE timeouts detect a vanished peer.
	ConnectTimeout time.Duration

	// RequestTimeout bounds registry calls the loop makes on its own
	RequestTimeout time.Duration
}

var errPeerFailed = errors.New("peer connection failed")

// Controller owns the client's call state
type Controller struct {
	cfg      Config
	registry Registry
	media    Media
	engines  EngineFactory
	observer Observer
	log      *zap.Logger

	inbox  *mailbox
	outbox *mailbox

	pubMu     sync.RWMutex
	published Snapshot

	// owned by the event loop
	snap     Snapshot
	gen      uint64
	accepted bool
	engine   Engine
	local    *device.LocalMedia
	held     []domain.Signal
	timer    *time.Timer
}

// NewController creates a controller. Nothing happens until Run is called.
func NewController(cfg Config, registry Registry, media Media, engines EngineFactory, observer Observer) *Controller {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = constants.ClientConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = constants.DefaultTimeout
	}
	if observer == nil {
		observer = ObserverFunc(func(Snapshot) {})
	}

	return &Controller{
		cfg:      cfg,
		registry: registry,
		media:    media,
		engines:  engines,
		observer: observer,
		log:      logger.Named("callstate").With(zap.String("user_id", cfg.UserID.String())),
		inbox:    newMailbox(),
		outbox:   newMailbox(),
	}
}

// Run processes events until ctx is cancelled. A call still active at that
// point is ended.
func (c *Controller) Run(ctx context.Context) {
	var wg sync.WaitGroup
	outCtx, stopOut := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.drain(outCtx, c.outbox)
	}()

	c.drain(ctx, c.inbox)

	if c.snap.State.Active() {
		c.log.Info("Ending call on shutdown", zap.String("session_id", c.snap.SessionID.String()))
		c.hangup()
	}
	stopOut()
	wg.Wait()
}

func (c *Controller) drain(ctx context.Context, m *mailbox) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ready:
			for _, f := range m.take() {
				f()
			}
		}
	}
}

// exec runs fn on the event loop and waits for its result
func (c *Controller) exec(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	c.inbox.put(func() { reply <- fn() })

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the last published state
func (c *Controller) Snapshot() Snapshot {
	c.pubMu.RLock()
	defer c.pubMu.RUnlock()
	return c.published
}

// HandleSignal queues a signal received from the relay
func (c *Controller) HandleSignal(sig domain.Signal) {
	c.inbox.put(func() { c.onSignal(sig) })
}

// Start places a call. Media permission is checked before the registry is
// contacted, and the registry must accept the call before any device is
// opened for it.
func (c *Controller) Start(ctx context.Context, target domain.CallTarget, callType domain.CallType) (*domain.CallSession, error) {
	var session *domain.CallSession
	err := c.exec(ctx, func() error {
		var err error
		session, err = c.start(ctx, target, callType)
		return err
	})
	return session, err
}

// Accept answers the ringing call
func (c *Controller) Accept(ctx context.Context) error {
	return c.exec(ctx, func() error { return c.accept(ctx) })
}

// Decline rejects the ringing call without opening any device
func (c *Controller) Decline(ctx context.Context) error {
	return c.exec(ctx, func() error { return c.decline(ctx) })
}

// End hangs up. Ending a ringing call declines it.
func (c *Controller) End(ctx context.Context) error {
	return c.exec(ctx, func() error {
		switch {
		case !c.snap.State.Active():
			return ErrNoCall
		case c.snap.State == Incoming:
			return c.decline(ctx)
		}
		c.endRemote(ctx)
		c.finish(domain.EndReasonHangup)
		return nil
	})
}

// EnableVideo adds a camera track to a connected voice call
func (c *Controller) EnableVideo(ctx context.Context) error {
	return c.exec(ctx, func() error { return c.enableVideo(ctx) })
}

// SetMinimized toggles the display flag. Media is not touched.
func (c *Controller) SetMinimized(ctx context.Context, minimized bool) error {
	return c.exec(ctx, func() error {
		if !c.snap.State.Active() {
			return ErrNoCall
		}
		c.snap.Minimized = minimized
		c.notify()
		return nil
	})
}

func (c *Controller) start(ctx context.Context, target domain.CallTarget, callType domain.CallType) (*domain.CallSession, error) {
	if target.GroupID != nil {
		return nil, ErrGroupCall
	}
	if c.snap.State != Idle {
		return nil, fmt.Errorf("call %s in progress: %w", c.snap.SessionID, domain.ErrAlreadyInCall)
	}
	needVideo := callType == domain.CallTypeVideo

	if err := c.media.RequestPermissions(ctx, needVideo); err != nil {
		return nil, err
	}

	session, err := c.registry.Start(ctx, target, callType)
	if err != nil {
		return nil, err
	}

	remote := domain.CallerInfo{}
	if target.CalleeID != nil {
		remote.ID = *target.CalleeID
	}
	c.snap = Snapshot{
		State:       Outgoing,
		SessionID:   session.SessionID,
		Role:        RoleCaller,
		Type:        callType,
		RemoteParty: remote,
		LocalVideo:  needVideo,
	}
	c.accepted = false
	c.armTimer()
	c.notify()

	local, err := c.media.Acquire(ctx, needVideo)
	if err != nil {
		c.fail(err)
		return session, err
	}
	c.local = local

	if err := c.openEngine(negotiation.RoleOfferer); err != nil {
		c.fail(err)
		return session, err
	}
	if err := c.engine.Start(); err != nil {
		c.fail(err)
		return session, err
	}

	c.transition(Connecting)
	return session, nil
}

func (c *Controller) accept(ctx context.Context) error {
	if c.snap.State != Incoming {
		return ErrInvalidState
	}
	needVideo := c.snap.Type == domain.CallTypeVideo

	if err := c.media.RequestPermissions(ctx, needVideo); err != nil {
		return err
	}
	local, err := c.media.Acquire(ctx, needVideo)
	if err != nil {
		return err
	}

	if err := c.registry.Accept(ctx, c.snap.SessionID); err != nil {
		local.Stop()
		if errors.Is(err, domain.ErrCallEnded) || errors.Is(err, domain.ErrCallNotFound) {
			c.finish(domain.EndReasonMissed)
		}
		return err
	}

	c.local = local
	c.snap.LocalVideo = needVideo
	c.accepted = true

	if err := c.openEngine(negotiation.RoleAnswerer); err != nil {
		c.fail(err)
		return err
	}
	c.transition(Connecting)

	held := c.held
	c.held = nil
	for _, sig := range held {
		if !c.snap.State.Active() {
			break
		}
		c.dispatch(sig)
	}
	return nil
}

func (c *Controller) decline(ctx context.Context) error {
	if c.snap.State != Incoming {
		return ErrInvalidState
	}
	if err := c.registry.Decline(ctx, c.snap.SessionID); err != nil {
		c.log.Warn("Failed to decline call",
			zap.String("session_id", c.snap.SessionID.String()),
			zap.Error(err))
	}
	c.finish(domain.EndReasonDeclined)
	return nil
}

func (c *Controller) enableVideo(ctx context.Context) error {
	if c.snap.State != Connected {
		return ErrInvalidState
	}
	if c.local.HasVideo() {
		return nil
	}

	video, err := c.media.AcquireVideo(ctx)
	if err != nil {
		return err
	}
	if err := c.engine.AddTracks(video.Tracks()); err != nil {
		video.Stop()
		return err
	}
	c.local.Merge(video)

	if err := c.engine.Renegotiate([]string{"video"}); err != nil {
		if errors.Is(err, negotiation.ErrNegotiation) {
			c.fail(err)
		}
		return err
	}

	c.snap.LocalVideo = true
	c.snap.Type = domain.CallTypeVideo
	c.notify()
	return nil
}

func (c *Controller) onSignal(sig domain.Signal) {
	if invite, ok := sig.(domain.Invite); ok {
		c.onInvite(invite)
		return
	}

	h := sig.Header()
	if !c.snap.State.Active() || h.SessionID != c.snap.SessionID {
		c.log.Debug("Ignoring signal for another session",
			zap.String("kind", string(sig.Kind())),
			zap.String("session_id", h.SessionID.String()))
		return
	}

	switch s := sig.(type) {
	case domain.Ended:
		c.log.Info("Call ended by peer", zap.String("reason", string(s.Reason)))
		c.finish(s.Reason)
	case domain.Accepted:
		c.accepted = true
		if c.snap.State == Connecting {
			c.armTimer()
		}
	case domain.Left:
		c.log.Debug("Participant left", zap.String("participant", s.SenderID.String()))
	default:
		if c.engine == nil {
			c.held = append(c.held, sig)
			return
		}
		c.dispatch(sig)
	}
}

func (c *Controller) onInvite(invite domain.Invite) {
	if invite.GroupID != nil {
		c.log.Info("Ignoring group call invite",
			zap.String("session_id", invite.SessionID.String()),
			zap.String("group_id", invite.GroupID.String()))
		return
	}
	if c.snap.State != Idle {
		c.log.Info("Ignoring invite while busy",
			zap.String("session_id", invite.SessionID.String()),
			zap.Stringer("state", c.snap.State))
		return
	}

	c.snap = Snapshot{
		State:       Incoming,
		SessionID:   invite.SessionID,
		Role:        RoleCallee,
		Type:        invite.CallType,
		RemoteParty: invite.Caller,
	}
	c.accepted = false
	c.held = nil
	c.armTimer()
	c.notify()
}

// dispatch hands a negotiation signal to the engine
func (c *Controller) dispatch(sig domain.Signal) {
	var err error
	switch s := sig.(type) {
	case domain.Offer:
		err = c.engine.HandleOffer(s.SDP)
	case domain.Answer:
		err = c.engine.HandleAnswer(s.SDP)
		if err == nil && c.snap.State == Connecting {
			c.transition(Connected)
		}
	case domain.IceCandidate:
		err = c.engine.HandleCandidate(s.Candidate)
	case domain.Renegotiate:
		err = c.engine.HandleRenegotiate(s.Media)
	}

	switch {
	case err == nil:
	case errors.Is(err, negotiation.ErrNegotiation):
		c.fail(err)
	default:
		c.log.Warn("Signal not applied",
			zap.String("kind", string(sig.Kind())),
			zap.Error(err))
	}
}

func (c *Controller) openEngine(role negotiation.Role) error {
	listener := &sessionListener{c: c, gen: c.gen}
	engine, err := c.engines(negotiation.Params{
		SessionID: c.snap.SessionID,
		LocalID:   c.cfg.UserID,
		Role:      role,
	}, listener)
	if err != nil {
		return err
	}
	c.engine = engine
	return engine.AddTracks(c.local.Tracks())
}

func (c *Controller) onRemoteTrack(kind webrtc.RTPCodecType) {
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		c.snap.RemoteAudio = true
	case webrtc.RTPCodecTypeVideo:
		c.snap.RemoteVideo = true
	}
	if c.snap.State == Connecting {
		c.transition(Connected)
		return
	}
	c.notify()
}

func (c *Controller) onPeerState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateFailed:
		c.fail(errPeerFailed)
	case webrtc.PeerConnectionStateDisconnected:
		c.log.Warn("Peer connection disconnected", zap.String("session_id", c.snap.SessionID.String()))
	}
}

func (c *Controller) onConnectTimeout() {
	c.log.Warn("Call setup timed out",
		zap.String("session_id", c.snap.SessionID.String()),
		zap.Stringer("state", c.snap.State))

	if c.snap.State == Incoming {
		c.finish(domain.EndReasonMissed)
		return
	}

	reason := domain.EndReasonFailed
	if !c.accepted {
		reason = domain.EndReasonMissed
	}
	c.hangupWith(reason)
}

// fail ends the call after an unrecoverable local error
func (c *Controller) fail(err error) {
	c.log.Error("Call failed",
		zap.String("session_id", c.snap.SessionID.String()),
		zap.Error(err))
	c.hangupWith(domain.EndReasonFailed)
}

func (c *Controller) hangup() { c.hangupWith(domain.EndReasonHangup) }

func (c *Controller) hangupWith(reason domain.EndReason) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	c.endRemote(ctx)
	c.finish(reason)
}

func (c *Controller) endRemote(ctx context.Context) {
	if err := c.registry.End(ctx, c.snap.SessionID); err != nil {
		c.log.Warn("Failed to end call in registry",
			zap.String("session_id", c.snap.SessionID.String()),
			zap.Error(err))
	}
}

// finish is the single cleanup path. It runs on every exit from a call.
func (c *Controller) finish(reason domain.EndReason) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.engine != nil {
		if err := c.engine.Close(); err != nil {
			c.log.Debug("Failed to close peer connection", zap.Error(err))
		}
		c.engine = nil
	}
	if c.local != nil {
		c.local.Stop()
		c.local = nil
	}
	c.held = nil
	c.gen++

	c.snap.State = Ended
	c.snap.EndReason = reason
	c.notify()

	c.snap = Snapshot{State: Idle}
	c.notify()
}

func (c *Controller) transition(to State) {
	c.log.Debug("Call state changed",
		zap.String("session_id", c.snap.SessionID.String()),
		zap.Stringer("from", c.snap.State),
		zap.Stringer("to", to))

	c.snap.State = to
	switch to {
	case Connecting:
		c.armTimer()
	case Connected:
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
	}
	c.notify()
}

func (c *Controller) armTimer() {
	if c.timer != nil {
		c.timer.Stop()
	}
	gen := c.gen
	c.timer = time.AfterFunc(c.cfg.ConnectTimeout, func() {
		c.inbox.put(func() {
			if c.gen == gen && c.snap.State.Active() && c.snap.State != Connected {
				c.onConnectTimeout()
			}
		})
	})
}

func (c *Controller) notify() {
	s := c.snap
	c.pubMu.Lock()
	c.published = s
	c.pubMu.Unlock()
	c.observer.CallStateChanged(s)
}

func (c *Controller) send(sig domain.Signal) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	if err := c.registry.Signal(ctx, sig, nil); err != nil {
		c.log.Warn("Failed to send signal",
			zap.String("kind", string(sig.Kind())),
			zap.String("session_id", sig.Header().SessionID.String()),
			zap.Error(err))
	}
}

// sessionListener feeds one engine's callbacks back into the controller.
// Callbacks from an engine whose call has finished are dropped.
type sessionListener struct {
	c   *Controller
	gen uint64
}

func (l *sessionListener) SendSignal(sig domain.Signal) {
	l.c.outbox.put(func() { l.c.send(sig) })
}

func (l *sessionListener) RemoteTrack(kind webrtc.RTPCodecType) {
	l.c.inbox.put(func() {
		if l.c.gen == l.gen {
			l.c.onRemoteTrack(kind)
		}
	})
}

func (l *sessionListener) StateChanged(state webrtc.PeerConnectionState) {
	l.c.inbox.put(func() {
		if l.c.gen == l.gen {
			l.c.onPeerState(state)
		}
	})
}
