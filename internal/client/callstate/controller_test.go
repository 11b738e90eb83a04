package callstate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsignal/internal/client/device"
	"callsignal/internal/client/negotiation"
	"callsignal/internal/domain"
)

type trackedTrack struct {
	device.Track
	closed atomic.Bool
}

func (t *trackedTrack) Close() error {
	t.closed.Store(true)
	return t.Track.Close()
}

// countingBackend counts every device open, the equivalent of getUserMedia
type countingBackend struct {
	*device.SyntheticBackend
	mu     sync.Mutex
	opens  int
	deny   error
	tracks []*trackedTrack
}

func (b *countingBackend) Open(ctx context.Context, audio, video bool) ([]device.Track, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens++
	if b.deny != nil {
		return nil, b.deny
	}

	tracks, err := b.SyntheticBackend.Open(ctx, audio, video)
	if err != nil {
		return nil, err
	}
	out := make([]device.Track, 0, len(tracks))
	for _, t := range tracks {
		tt := &trackedTrack{Track: t}
		b.tracks = append(b.tracks, tt)
		out = append(out, tt)
	}
	return out, nil
}

func (b *countingBackend) openCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

// liveTracks counts opened tracks not yet closed
func (b *countingBackend) liveTracks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, t := range b.tracks {
		if !t.closed.Load() {
			n++
		}
	}
	return n
}

type fakeEngine struct {
	mu        sync.Mutex
	params    negotiation.Params
	listener  negotiation.Listener
	calls     []string
	tracks    int
	offerErr  error
	tracksErr error
	closed    bool
}

func (e *fakeEngine) record(call string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call)
}

func (e *fakeEngine) AddTracks(tracks []webrtc.TrackLocal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tracksErr != nil {
		return e.tracksErr
	}
	e.tracks += len(tracks)
	return nil
}

func (e *fakeEngine) failTracks(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracksErr = err
}

func (e *fakeEngine) Start() error {
	e.record("start")
	return nil
}

func (e *fakeEngine) HandleOffer(sdp string) error {
	e.record("offer:" + sdp)
	return e.offerErr
}

func (e *fakeEngine) HandleAnswer(sdp string) error {
	e.record("answer:" + sdp)
	return nil
}

func (e *fakeEngine) HandleCandidate(c domain.ICECandidate) error {
	e.record("candidate:" + c.Candidate)
	return nil
}

func (e *fakeEngine) Renegotiate(media []string) error {
	e.record(fmt.Sprintf("renegotiate:%v", media))
	return nil
}

func (e *fakeEngine) HandleRenegotiate(media []string) error {
	e.record(fmt.Sprintf("handle-renegotiate:%v", media))
	return nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEngine) snapshot() ([]string, int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...), e.tracks, e.closed
}

type fakeRegistry struct {
	mu       sync.Mutex
	calls    []string
	startErr error
	sessions []uuid.UUID
}

func (r *fakeRegistry) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *fakeRegistry) Start(ctx context.Context, target domain.CallTarget, callType domain.CallType) (*domain.CallSession, error) {
	r.record("start")
	if r.startErr != nil {
		return nil, r.startErr
	}
	session := &domain.CallSession{SessionID: uuid.New(), Type: callType, Status: domain.CallStatusPending}
	r.mu.Lock()
	r.sessions = append(r.sessions, session.SessionID)
	r.mu.Unlock()
	return session, nil
}

func (r *fakeRegistry) Accept(ctx context.Context, sessionID uuid.UUID) error {
	r.record("accept")
	return nil
}

func (r *fakeRegistry) Decline(ctx context.Context, sessionID uuid.UUID) error {
	r.record("decline")
	return nil
}

func (r *fakeRegistry) End(ctx context.Context, sessionID uuid.UUID) error {
	r.record("end")
	return nil
}

func (r *fakeRegistry) Signal(ctx context.Context, sig domain.Signal, targetID *uuid.UUID) error {
	return nil
}

func (r *fakeRegistry) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type stateLog struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (l *stateLog) CallStateChanged(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snaps = append(l.snaps, s)
}

func (l *stateLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, 0, len(l.snaps))
	for _, s := range l.snaps {
		out = append(out, s.State)
	}
	return out
}

func (l *stateLog) lastEnded() (Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.snaps) - 1; i >= 0; i-- {
		if l.snaps[i].State == Ended {
			return l.snaps[i], true
		}
	}
	return Snapshot{}, false
}

type harness struct {
	ctrl     *Controller
	registry *fakeRegistry
	backend  *countingBackend
	log      *stateLog
	offerErr error

	mu      sync.Mutex
	engines []*fakeEngine
}

func newHarness(t *testing.T, connectTimeout time.Duration, offerErr error) *harness {
	t.Helper()
	h := &harness{
		registry: &fakeRegistry{},
		backend:  &countingBackend{SyntheticBackend: device.NewSyntheticBackend()},
		log:      &stateLog{},
		offerErr: offerErr,
	}

	factory := func(params negotiation.Params, listener negotiation.Listener) (Engine, error) {
		e := &fakeEngine{params: params, listener: listener, offerErr: h.offerErr}
		h.mu.Lock()
		h.engines = append(h.engines, e)
		h.mu.Unlock()
		return e, nil
	}

	h.ctrl = NewController(Config{UserID: uuid.New(), ConnectTimeout: connectTimeout},
		h.registry, device.NewManager(h.backend), factory, h.log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.ctrl.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) engine(t *testing.T, i int) *fakeEngine {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Greater(t, len(h.engines), i)
	return h.engines[i]
}

func (h *harness) engineCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.engines)
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ctrl.Snapshot().State == want },
		2*time.Second, 5*time.Millisecond, "want state %s", want)
}

func header(sessionID uuid.UUID) domain.SignalHeader {
	return domain.SignalHeader{SessionID: sessionID, SenderID: uuid.New()}
}

func invite(sessionID uuid.UUID, callType domain.CallType) domain.Invite {
	return domain.Invite{
		SignalHeader: header(sessionID),
		CallType:     callType,
		Caller:       domain.CallerInfo{ID: uuid.New(), Name: "Alice"},
	}
}

func TestController_StartRequiresPermission(t *testing.T) {
	h := newHarness(t, time.Minute, nil)
	h.backend.deny = device.ErrPermissionDenied
	bob := uuid.New()

	_, err := h.ctrl.Start(context.Background(), domain.CallTarget{CalleeID: &bob}, domain.CallTypeVoice)
	assert.ErrorIs(t, err, device.ErrPermissionDenied)
	assert.Empty(t, h.registry.recorded(), "no registry traffic without a consented device")
	assert.Equal(t, Idle, h.ctrl.Snapshot().State)
	assert.Zero(t, h.engineCount())
}

func TestController_RegistryRejectionLeavesIdle(t *testing.T) {
	h := newHarness(t, time.Minute, nil)
	h.registry.startErr = domain.ErrInvalidTarget
	bob := uuid.New()

	_, err := h.ctrl.Start(context.Background(), domain.CallTarget{CalleeID: &bob}, domain.CallTypeVoice)
	assert.ErrorIs(t, err, domain.ErrInvalidTarget)
	assert.Equal(t, 1, h.backend.openCount(), "only the permission probe ran")
	assert.Zero(t, h.backend.liveTracks())
	assert.Empty(t, h.log.states())
}

func TestController_CallerLifecycle(t *testing.T) {
	h := newHarness(t, time.Minute, nil)
	ctx := context.Background()
	bob := uuid.New()

	session, err := h.ctrl.Start(ctx, domain.CallTarget{CalleeID: &bob}, domain.CallTypeVoice)
	require.NoError(t, err)
	snap := h.ctrl.Snapshot()
	assert.Equal(t, Connecting, snap.State)
	assert.Equal(t, RoleCaller, snap.Role)
	assert.Equal(t, bob, snap.RemoteParty.ID)

	e := h.engine(t, 0)
	assert.Equal(t, negotiation.RoleOfferer, e.params.Role)
	assert.Equal(t, session.SessionID, e.params.SessionID)
	calls, tracks, _ := e.snapshot()
	assert.Equal(t, []string{"start"}, calls)
	assert.Equal(t, 1, tracks)

	h.ctrl.HandleSignal(domain.Accepted{SignalHeader: header(session.SessionID)})
	h.ctrl.HandleSignal(domain.Answer{SignalHeader: header(session.SessionID), SDP: "a"})
	h.waitState(t, Connected)

	_, err = h.ctrl.Start(ctx, domain.CallTarget{CalleeID: &bob}, domain.CallTypeVoice)
	assert.ErrorIs(t, err, domain.ErrAlreadyInCall)
	assert.Equal(t, []string{"start"}, h.registry.recorded())

	require.NoError(t, h.ctrl.End(ctx))
	assert.Equal(t, []string{"start", "end"}, h.registry.recorded())
	_, _, closed := e.snapshot()
	assert.True(t, closed)
	assert.Zero(t, h.backend.liveTracks())
	assert.Equal(t, []State{Outgoing, Connecting, Connected, Ended, Idle}, h.log.states())
	ended, _ := h.log.lastEnded()
	assert.Equal(t, domain.EndReasonHangup, ended.EndReason)

	assert.ErrorIs(t, h.ctrl.End(ctx), ErrNoCall)

	// callbacks from the finished engine are dropped
	e.listener.StateChanged(webrtc.PeerConnectionStateFailed)
	assert.ErrorIs(t, h.ctrl.SetMinimized(ctx, true), ErrNoCall)
	assert.Equal(t, []string{"start", "end"}, h.registry.recorded())
	assert.Len(t, h.log.states(), 5)
}

func TestController_InviteIgnoredWhileBusy(t *testing.T) {
	h := newHarness(t, time.Minute, nil)
	bob := uuid.New()

	session, err := h.ctrl.Start(context.Background(), domain.CallTarget{CalleeID: &bob}, domain.CallTypeVoice)
	require.NoError(t, err)

	h.ctrl.HandleSignal(invite(uuid.New(), domain.CallTypeVoice))
	h.ctrl.HandleSignal(domain.Answer{SignalHeader: header(session.SessionID), SDP: "a"})
	h.waitState(t, Connected)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, session.SessionID, snap.SessionID)
	assert.Equal(t, RoleCaller, snap.Role)
	assert.NotContains(t, h.registry.recorded(), "decline")
}

func TestController_DeclineAcquiresNoMedia(t *testing.T) {
	h := newHarness(t, time.Minute, nil)
	sessionID := uuid.New()

	h.ctrl.HandleSignal(invite(sessionID, domain.CallTypeVideo))
	h.waitState(t, Incoming)
	snap := h.ctrl.Snapshot()
	assert.Equal(t, "Alice", snap.RemoteParty.Name)
	assert.Equal(t, RoleCallee, snap.Role)

	h.ctrl.HandleSignal(domain.Offer{SignalHeader: header(sessionID), SDP: "o"})
	require.NoError(t, h.ctrl.Decline(context.Background()))

	assert.Zero(t, h.backend.openCount(), "declining must never open a device")
	assert.Zero(t, h.engineCount())
	assert.Equal(t, []string{"decline"}, h.registry.recorded())
	assert.Equal(t, []State{Incoming, Ended, Idle}, h.log.states())
	ended, _ := h.log.lastEnded()
	assert.Equal(t, domain.EndReasonDeclined, ended.EndReason)
}

func TestController_OfferHeldUntilAccept(t *testing.T) {
	h := newHarness(t, time.Minute, nil)
	ctx := context.Background()
	sessionID := uuid.New()

	h.ctrl.HandleSignal(invite(sessionID, domain.CallTypeVoice))
	h.ctrl.HandleSignal(domain.Offer{SignalHeader: header(sessionID), SDP: "o"})
	h.ctrl.HandleSignal(domain.IceCandidate{SignalHeader: header(sessionID), Candidate: domain.ICECandidate{Candidate: "c1"}})
	h.ctrl.HandleSignal(domain.IceCandidate{SignalHeader: header(sessionID), Candidate: domain.ICECandidate{Candidate: "c2"}})
	h.ctrl.HandleSignal(domain.Offer{SignalHeader: header(uuid.New()), SDP: "stranger"})

	require.NoError(t, h.ctrl.SetMinimized(ctx, true))
	assert.Zero(t, h.engineCount())
	assert.Zero(t, h.backend.openCount())
	assert.True(t, h.ctrl.Snapshot().Minimized)

	require.NoError(t, h.ctrl.Accept(ctx))
	assert.Equal(t, []string{"accept"}, h.registry.recorded())
	assert.Equal(t, 2, h.backend.openCount(), "permission probe then acquisition")

	e := h.engine(t, 0)
	assert.Equal(t, negotiation.RoleAnswerer, e.params.Role)
	calls, tracks, _ := e.snapshot()
	assert.Equal(t, []string{"offer:o", "candidate:c1", "candidate:c2"}, calls)
	assert.Equal(t, 1, tracks)
	assert.Equal(t, Connecting, h.ctrl.Snapshot().State)
	assert.True(t, h.ctrl.Snapshot().Minimized, "minimizing never touches the call")

	e.listener.RemoteTrack(webrtc.RTPCodecTypeAudio)
	h.waitState(t, Connected)
	assert.True(t, h.ctrl.Snapshot().RemoteAudio)

	assert.ErrorIs(t, h.ctrl.Accept(ctx), ErrInvalidState)
}

func TestController_NegotiationFailureEndsCall(t *testing.T) {
	h := newHarness(t, time.Minute, fmt.Errorf("%w: malformed offer", negotiation.ErrNegotiation))
	sessionID := uuid.New()

	h.ctrl.HandleSignal(invite(sessionID, domain.CallTypeVoice))
	h.ctrl.HandleSignal(domain.Offer{SignalHeader: header(sessionID), SDP: "garbage"})
	h.waitState(t, Incoming)

	require.NoError(t, h.ctrl.Accept(context.Background()))
	assert.Equal(t, Idle, h.ctrl.Snapshot().State)
	assert.Equal(t, []string{"accept", "end"}, h.registry.recorded())
	_, _, closed := h.engine(t, 0).snapshot()
	assert.True(t, closed)
	assert.Zero(t, h.backend.liveTracks())

	ended, ok := h.log.lastEnded()
	require.True(t, ok)
	assert.Equal(t, domain.EndReasonFailed, ended.EndReason)
}

func TestController_PeerFailureEndsConnectedCall(t *testing.T) {
	h := newHarness(t, time.Minute, nil)
	bob := uuid.New()

	session, err := h.ctrl.Start(context.Background(), domain.CallTarget{CalleeID: &bob}, domain.CallTypeVoice)
	require.NoError(t, err)
	h.ctrl.HandleSignal(domain.Answer{SignalHeader: header(session.SessionID), SDP: "a"})
	h.waitState(t, Connected)

	h.engine(t, 0).listener.StateChanged(webrtc.PeerConnectionStateDisconnected)
	h.engine(t, 0).listener.StateChanged(webrtc.PeerConnectionStateFailed)
	h.waitState(t, Idle)

	ended, _ := h.log.lastEnded()
	assert.Equal(t, domain.EndReasonFailed, ended.EndReason)
	assert.Contains(t, h.registry.recorded(), "end")
	assert.Zero(t, h.backend.liveTracks())
}

func TestController_RemoteEnded(t *testing.T) {
	h := newHarness(t, time.Minute, nil)
	sessionID := uuid.New()

	h.ctrl.HandleSignal(invite(sessionID, domain.CallTypeVoice))
	h.ctrl.HandleSignal(domain.Ended{SignalHeader: header(sessionID), Reason: domain.EndReasonHangup})
	require.Eventually(t, func() bool { return len(h.log.states()) == 3 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []State{Incoming, Ended, Idle}, h.log.states())
	assert.Equal(t, Idle, h.ctrl.Snapshot().State)
	assert.Empty(t, h.registry.recorded(), "a remote end is not echoed back")
	assert.Zero(t, h.backend.openCount())
}

func TestController_ConnectTimeout(t *testing.T) {
	t.Run("unanswered outgoing call", func(t *testing.T) {
		h := newHarness(t, 50*time.Millisecond, nil)
		bob := uuid.New()

		_, err := h.ctrl.Start(context.Background(), domain.CallTarget{CalleeID: &bob}, domain.CallTypeVoice)
		require.NoError(t, err)
		h.waitState(t, Idle)

		ended, _ := h.log.lastEnded()
		assert.Equal(t, domain.EndReasonMissed, ended.EndReason)
		assert.Equal(t, []string{"start", "end"}, h.registry.recorded())
		assert.Zero(t, h.backend.liveTracks())
	})

	t.Run("accepted but never connected", func(t *testing.T) {
		h := newHarness(t, 300*time.Millisecond, nil)
		sessionID := uuid.New()

		h.ctrl.HandleSignal(invite(sessionID, domain.CallTypeVoice))
		h.waitState(t, Incoming)
		require.NoError(t, h.ctrl.Accept(context.Background()))
		h.waitState(t, Idle)

		ended, _ := h.log.lastEnded()
		assert.Equal(t, domain.EndReasonFailed, ended.EndReason)
		assert.Equal(t, []string{"accept", "end"}, h.registry.recorded())
	})

	t.Run("unanswered incoming call", func(t *testing.T) {
		h := newHarness(t, 50*time.Millisecond, nil)

		h.ctrl.HandleSignal(invite(uuid.New(), domain.CallTypeVoice))
		require.Eventually(t, func() bool { return len(h.log.states()) == 3 }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, []State{Incoming, Ended, Idle}, h.log.states())

		ended, _ := h.log.lastEnded()
		assert.Equal(t, domain.EndReasonMissed, ended.EndReason)
		assert.Empty(t, h.registry.recorded())
	})
}

func TestController_EnableVideo(t *testing.T) {
	h := newHarness(t, time.Minute, nil)
	ctx := context.Background()
	sessionID := uuid.New()

	h.ctrl.HandleSignal(invite(sessionID, domain.CallTypeVoice))
	h.waitState(t, Incoming)
	assert.ErrorIs(t, h.ctrl.EnableVideo(ctx), ErrInvalidState)

	h.ctrl.HandleSignal(domain.Offer{SignalHeader: header(sessionID), SDP: "o"})
	require.NoError(t, h.ctrl.Accept(ctx))
	e := h.engine(t, 0)
	e.listener.RemoteTrack(webrtc.RTPCodecTypeAudio)
	h.waitState(t, Connected)
	assert.False(t, h.ctrl.Snapshot().LocalVideo)

	require.NoError(t, h.ctrl.EnableVideo(ctx))
	calls, tracks, _ := e.snapshot()
	assert.Equal(t, "renegotiate:[video]", calls[len(calls)-1])
	assert.Equal(t, 2, tracks)

	snap := h.ctrl.Snapshot()
	assert.True(t, snap.LocalVideo)
	assert.Equal(t, domain.CallTypeVideo, snap.Type)
	assert.Equal(t, Connected, snap.State)

	require.NoError(t, h.ctrl.EnableVideo(ctx))
	assert.Equal(t, 3, h.backend.openCount(), "video is only acquired once")

	require.NoError(t, h.ctrl.End(ctx))
	assert.Zero(t, h.backend.liveTracks())
}

func TestController_EnableVideoRetriesAfterTrackFailure(t *testing.T) {
	h := newHarness(t, time.Minute, nil)
	ctx := context.Background()
	sessionID := uuid.New()

	h.ctrl.HandleSignal(invite(sessionID, domain.CallTypeVoice))
	h.waitState(t, Incoming)
	require.NoError(t, h.ctrl.Accept(ctx))
	e := h.engine(t, 0)
	e.listener.RemoteTrack(webrtc.RTPCodecTypeAudio)
	h.waitState(t, Connected)

	e.failTracks(fmt.Errorf("sender rejected"))
	assert.Error(t, h.ctrl.EnableVideo(ctx))
	assert.False(t, h.ctrl.Snapshot().LocalVideo)
	assert.Equal(t, 1, h.backend.liveTracks(), "the unused camera is released")

	e.failTracks(nil)
	require.NoError(t, h.ctrl.EnableVideo(ctx))
	assert.Equal(t, 4, h.backend.openCount(), "the retry acquires the camera again")
	calls, tracks, _ := e.snapshot()
	assert.Equal(t, "renegotiate:[video]", calls[len(calls)-1])
	assert.Equal(t, 2, tracks)
	assert.True(t, h.ctrl.Snapshot().LocalVideo)
	assert.Equal(t, Connected, h.ctrl.Snapshot().State)
}

func TestController_GroupCallsRefused(t *testing.T) {
	h := newHarness(t, time.Minute, nil)
	groupID := uuid.New()

	_, err := h.ctrl.Start(context.Background(), domain.CallTarget{GroupID: &groupID}, domain.CallTypeVoice)
	assert.ErrorIs(t, err, ErrGroupCall)
	assert.Empty(t, h.registry.recorded())
	assert.Zero(t, h.backend.openCount())

	groupInvite := invite(uuid.New(), domain.CallTypeVoice)
	groupInvite.GroupID = &groupID
	h.ctrl.HandleSignal(groupInvite)

	direct := uuid.New()
	h.ctrl.HandleSignal(invite(direct, domain.CallTypeVoice))
	h.waitState(t, Incoming)
	assert.Equal(t, direct, h.ctrl.Snapshot().SessionID)
	assert.Equal(t, []State{Incoming}, h.log.states(), "the group invite never rang")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, Incoming.Active())
	assert.False(t, Ended.Active())
	assert.Equal(t, "callee", RoleCallee.String())
}
