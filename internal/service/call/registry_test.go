package call

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsignal/internal/domain"
	"callsignal/internal/repository/memory"
)

// recorder captures every envelope published per user
type recorder struct {
	mu   sync.Mutex
	sent map[uuid.UUID][]*domain.Envelope
}

func newRecorder() *recorder {
	return &recorder{sent: make(map[uuid.UUID][]*domain.Envelope)}
}

func (r *recorder) Publish(ctx context.Context, userID uuid.UUID, env *domain.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *env
	r.sent[userID] = append(r.sent[userID], &cp)
	return nil
}

func (r *recorder) kinds(userID uuid.UUID) []domain.SignalKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.SignalKind
	for _, env := range r.sent[userID] {
		out = append(out, env.Kind)
	}
	return out
}

func (r *recorder) last(userID uuid.UUID) *domain.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	envs := r.sent[userID]
	if len(envs) == 0 {
		return nil
	}
	return envs[len(envs)-1]
}

func (r *recorder) count(kind domain.SignalKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, envs := range r.sent {
		for _, env := range envs {
			if env.Kind == kind {
				n++
			}
		}
	}
	return n
}

type registryFixture struct {
	svc   *Service
	repo  *memory.CallRepository
	dir   *memory.Directory
	relay *recorder
	clock time.Time
}

func newRegistry(t *testing.T, users ...uuid.UUID) *registryFixture {
	t.Helper()
	f := &registryFixture{
		repo:  memory.NewCallRepository(),
		dir:   memory.NewDirectory(),
		relay: newRecorder(),
		clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	for i, id := range users {
		f.dir.AddUser(&domain.User{UserID: id, Username: "user" + string(rune('a'+i))})
	}
	f.svc = NewService(f.repo, f.dir, f.relay, nil, DefaultConfig())
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func (f *registryFixture) call(t *testing.T, caller, callee uuid.UUID) *domain.CallSession {
	t.Helper()
	s, err := f.svc.Start(context.Background(), &StartInput{
		CallerID: caller,
		Target:   domain.CallTarget{CalleeID: &callee},
		Type:     domain.CallTypeVoice,
	})
	require.NoError(t, err)
	return s
}

func TestRegistry_OneToOneLifecycle(t *testing.T) {
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	f := newRegistry(t, alice, bob)

	s := f.call(t, alice, bob)
	assert.Equal(t, []domain.SignalKind{domain.KindInvite}, f.relay.kinds(bob))
	assert.Empty(t, f.relay.kinds(alice))

	accepted, err := f.svc.Accept(ctx, s.SessionID, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusAccepted, accepted.Status)
	assert.Equal(t, []domain.SignalKind{domain.KindAccepted}, f.relay.kinds(alice))

	require.NoError(t, f.svc.Signal(ctx, s.SessionID, alice, &domain.Envelope{Kind: domain.KindOffer, SDP: "v=0 offer"}, nil))
	require.NoError(t, f.svc.Signal(ctx, s.SessionID, bob, &domain.Envelope{Kind: domain.KindAnswer, SDP: "v=0 answer"}, nil))

	offer := f.relay.last(bob)
	assert.Equal(t, domain.KindOffer, offer.Kind)
	assert.Equal(t, s.SessionID, offer.SessionID)
	assert.Equal(t, alice, offer.SenderID)
	assert.Equal(t, "v=0 answer", f.relay.last(alice).SDP)

	require.NoError(t, f.svc.End(ctx, s.SessionID, alice))
	ended := f.relay.last(bob)
	assert.Equal(t, domain.KindEnded, ended.Kind)
	assert.Equal(t, domain.EndReasonHangup, ended.Reason)
	assert.Equal(t, domain.KindEnded, f.relay.last(alice).Kind, "the ender's other devices hear it too")

	got, err := f.repo.GetByID(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, got.Status)
	require.NotNil(t, got.EndedAt)
}

func TestRegistry_BusyCalleeRejectsSecondCaller(t *testing.T) {
	ctx := context.Background()
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	f := newRegistry(t, alice, bob, carol)

	s := f.call(t, alice, bob)
	_, err := f.svc.Accept(ctx, s.SessionID, bob)
	require.NoError(t, err)

	_, err = f.svc.Start(ctx, &StartInput{
		CallerID: bob,
		Target:   domain.CallTarget{CalleeID: &carol},
		Type:     domain.CallTypeVoice,
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyInCall)
	assert.Empty(t, f.relay.kinds(carol), "carol must not receive an invite")

	// carol may still ring bob; bob simply cannot accept while busy
	s2, err := f.svc.Start(ctx, &StartInput{
		CallerID: carol,
		Target:   domain.CallTarget{CalleeID: &bob},
		Type:     domain.CallTypeVoice,
	})
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, s2.SessionID, bob)
	assert.ErrorIs(t, err, domain.ErrAlreadyInCall)

	require.NoError(t, f.svc.End(ctx, s.SessionID, bob))
	_, err = f.svc.Accept(ctx, s2.SessionID, bob)
	assert.NoError(t, err, "bob is free once the first call ended")
}

func TestRegistry_CallerCannotStartTwice(t *testing.T) {
	ctx := context.Background()
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	f := newRegistry(t, alice, bob, carol)

	f.call(t, alice, bob)
	_, err := f.svc.Start(ctx, &StartInput{
		CallerID: alice,
		Target:   domain.CallTarget{CalleeID: &carol},
		Type:     domain.CallTypeVideo,
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyInCall)
}

func TestRegistry_ConcurrentEndBroadcastsOnce(t *testing.T) {
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	f := newRegistry(t, alice, bob)

	s := f.call(t, alice, bob)
	_, err := f.svc.Accept(ctx, s.SessionID, bob)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for _, user := range []uuid.UUID{alice, bob} {
			wg.Add(1)
			go func(user uuid.UUID) {
				defer wg.Done()
				assert.NoError(t, f.svc.End(ctx, s.SessionID, user))
			}(user)
		}
	}
	wg.Wait()

	assert.Equal(t, 2, f.relay.count(domain.KindEnded), "one per participant")
}

func TestRegistry_EndEndedSessionIsSilent(t *testing.T) {
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	f := newRegistry(t, alice, bob)
	s := f.call(t, alice, bob)

	require.NoError(t, f.svc.End(ctx, s.SessionID, alice))
	require.NoError(t, f.svc.End(ctx, s.SessionID, alice))
	require.NoError(t, f.svc.End(ctx, s.SessionID, bob))
	assert.Equal(t, 2, f.relay.count(domain.KindEnded))

	assert.ErrorIs(t, f.svc.End(ctx, s.SessionID, uuid.New()), domain.ErrNotParticipant)
	assert.ErrorIs(t, f.svc.End(ctx, uuid.New(), alice), domain.ErrCallNotFound)
}

func TestRegistry_DeclineEndsOneToOne(t *testing.T) {
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	f := newRegistry(t, alice, bob)
	s := f.call(t, alice, bob)

	require.NoError(t, f.svc.Decline(ctx, s.SessionID, bob))

	ended := f.relay.last(alice)
	require.NotNil(t, ended)
	assert.Equal(t, domain.KindEnded, ended.Kind)
	assert.Equal(t, domain.EndReasonDeclined, ended.Reason)
	assert.Equal(t, bob, ended.SenderID)
	assert.Equal(t, []domain.SignalKind{domain.KindInvite, domain.KindEnded}, f.relay.kinds(bob))

	_, busy := f.repo.ActiveCall(ctx, alice)
	assert.False(t, busy)

	assert.ErrorIs(t, f.svc.Decline(ctx, s.SessionID, alice), domain.ErrNotParticipant)
}

func TestRegistry_SignalRules(t *testing.T) {
	ctx := context.Background()
	alice, bob, mallory := uuid.New(), uuid.New(), uuid.New()
	f := newRegistry(t, alice, bob, mallory)
	s := f.call(t, alice, bob)

	candidate := &domain.Envelope{Kind: domain.KindICECandidate, Candidate: &domain.ICECandidate{Candidate: "candidate:1"}}

	assert.ErrorIs(t, f.svc.Signal(ctx, s.SessionID, mallory, candidate, nil), domain.ErrNotParticipant)
	assert.ErrorIs(t, f.svc.Signal(ctx, s.SessionID, alice, &domain.Envelope{Kind: domain.KindOffer}, nil), domain.ErrInvalidSignal)
	assert.ErrorIs(t, f.svc.Signal(ctx, s.SessionID, alice, candidate, &mallory), domain.ErrNotParticipant)

	// the invited callee may already trickle candidates before accepting
	require.NoError(t, f.svc.Signal(ctx, s.SessionID, bob, candidate, &alice))
	assert.Equal(t, domain.KindICECandidate, f.relay.last(alice).Kind)

	spoofed := &domain.Envelope{Kind: domain.KindOffer, SDP: "v=0", SessionID: uuid.New(), SenderID: mallory}
	require.NoError(t, f.svc.Signal(ctx, s.SessionID, alice, spoofed, nil))
	relayed := f.relay.last(bob)
	assert.Equal(t, s.SessionID, relayed.SessionID)
	assert.Equal(t, alice, relayed.SenderID)

	require.NoError(t, f.svc.End(ctx, s.SessionID, alice))
	assert.ErrorIs(t, f.svc.Signal(ctx, s.SessionID, alice, candidate, nil), domain.ErrCallEnded)
}

func TestRegistry_GroupCall(t *testing.T) {
	ctx := context.Background()
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	f := newRegistry(t, alice, bob, carol)
	groupID := uuid.New()
	f.dir.AddGroup(&domain.Group{GroupID: groupID, Title: "team", MemberIDs: []uuid.UUID{alice, bob, carol}})

	s, err := f.svc.Start(ctx, &StartInput{
		CallerID: alice,
		Target:   domain.CallTarget{GroupID: &groupID},
		Type:     domain.CallTypeVideo,
	})
	require.NoError(t, err)
	assert.True(t, s.IsGroup())
	for _, u := range []uuid.UUID{bob, carol} {
		invite := f.relay.last(u)
		require.NotNil(t, invite)
		assert.Equal(t, domain.KindInvite, invite.Kind)
		require.NotNil(t, invite.GroupID)
		assert.Equal(t, groupID, *invite.GroupID)
	}

	require.NoError(t, f.svc.Decline(ctx, s.SessionID, carol))
	got, err := f.repo.GetByID(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusPending, got.Status, "a group decline does not end the session")

	_, err = f.svc.Accept(ctx, s.SessionID, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.KindAccepted, f.relay.last(alice).Kind)
	assert.Equal(t, []domain.SignalKind{domain.KindInvite}, f.relay.kinds(carol), "declined members get no further signals")

	require.NoError(t, f.svc.Leave(ctx, s.SessionID, bob))
	assert.Equal(t, domain.KindLeft, f.relay.last(alice).Kind)

	view, err := f.svc.Get(ctx, s.SessionID, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusAccepted, view.Session.Status)
	assert.Len(t, view.Participants, 3)
}

func TestRegistry_GroupMemberHangupLeaves(t *testing.T) {
	ctx := context.Background()
	x, y, z := uuid.New(), uuid.New(), uuid.New()
	f := newRegistry(t, x, y, z)
	groupID := uuid.New()
	f.dir.AddGroup(&domain.Group{GroupID: groupID, Title: "trio", MemberIDs: []uuid.UUID{x, y, z}})

	s, err := f.svc.Start(ctx, &StartInput{
		CallerID: x,
		Target:   domain.CallTarget{GroupID: &groupID},
		Type:     domain.CallTypeVoice,
	})
	require.NoError(t, err)
	for _, u := range []uuid.UUID{y, z} {
		_, err := f.svc.Accept(ctx, s.SessionID, u)
		require.NoError(t, err)
	}

	require.NoError(t, f.svc.End(ctx, s.SessionID, z))

	view, err := f.svc.Get(ctx, s.SessionID, x)
	require.NoError(t, err)
	assert.NotEqual(t, domain.CallStatusEnded, view.Session.Status)
	for _, p := range view.Participants {
		want := domain.ParticipantJoined
		if p.UserID == z {
			want = domain.ParticipantLeft
		}
		assert.Equal(t, want, p.Status, "participant %s", p.UserID)
	}
	assert.Equal(t, 0, f.relay.count(domain.KindEnded))
	assert.Equal(t, domain.KindLeft, f.relay.last(x).Kind)
	assert.Equal(t, domain.KindLeft, f.relay.last(y).Kind)

	_, busy := f.repo.ActiveCall(ctx, z)
	assert.False(t, busy, "a member who left is free for other calls")

	require.NoError(t, f.svc.End(ctx, s.SessionID, x))
	got, err := f.repo.GetByID(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, got.Status)
	assert.Equal(t, domain.KindEnded, f.relay.last(y).Kind)
}

func TestRegistry_MeetingInviteToken(t *testing.T) {
	ctx := context.Background()
	alice, bob, dave := uuid.New(), uuid.New(), uuid.New()
	f := newRegistry(t, alice, bob, dave)
	groupID := uuid.New()
	f.dir.AddGroup(&domain.Group{GroupID: groupID, MemberIDs: []uuid.UUID{alice, bob}})

	s, err := f.svc.Start(ctx, &StartInput{
		CallerID:  alice,
		Target:    domain.CallTarget{GroupID: &groupID},
		Type:      domain.CallTypeVideo,
		IsMeeting: true,
	})
	require.NoError(t, err)
	require.NotNil(t, s.InviteToken)
	require.NotNil(t, s.HostID)
	assert.Equal(t, alice, *s.HostID)

	joined, err := f.svc.JoinByInviteToken(ctx, *s.InviteToken, dave)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusAccepted, joined.Status)
	assert.Equal(t, domain.KindAccepted, f.relay.last(alice).Kind)
	assert.Equal(t, dave, f.relay.last(alice).SenderID)

	_, err = f.svc.JoinByInviteToken(ctx, "unknown", dave)
	assert.ErrorIs(t, err, domain.ErrCallNotFound)
}

func TestRegistry_SweeperEndsMissedAndEmpty(t *testing.T) {
	ctx := context.Background()
	alice, bob, carol, dave := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	f := newRegistry(t, alice, bob, carol, dave)
	groupID := uuid.New()
	f.dir.AddGroup(&domain.Group{GroupID: groupID, MemberIDs: []uuid.UUID{carol, dave}})

	f.call(t, alice, bob)

	group, err := f.svc.Start(ctx, &StartInput{CallerID: carol, Target: domain.CallTarget{GroupID: &groupID}, Type: domain.CallTypeVoice})
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, group.SessionID, dave)
	require.NoError(t, err)
	require.NoError(t, f.svc.Leave(ctx, group.SessionID, carol))
	require.NoError(t, f.svc.Leave(ctx, group.SessionID, dave))

	n, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing has lapsed yet")

	f.clock = f.clock.Add(DefaultConfig().RingTimeout + time.Second)
	n, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	missed := f.relay.last(alice)
	assert.Equal(t, domain.KindEnded, missed.Kind)
	assert.Equal(t, domain.EndReasonMissed, missed.Reason)
	assert.Equal(t, domain.EndReasonMissed, f.relay.last(bob).Reason)

	f.clock = f.clock.Add(DefaultConfig().EmptyGrace)
	n, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.repo.GetByID(ctx, group.SessionID)
	require.NoError(t, err)
	require.NotNil(t, got.EndReason)
	assert.Equal(t, domain.EndReasonEmpty, *got.EndReason)
}

type auditEntry struct {
	kind     string
	session  uuid.UUID
	user     uuid.UUID
	detail   string
	duration time.Duration
}

type fakeAuditor struct {
	mu      sync.Mutex
	entries []auditEntry
}

func (a *fakeAuditor) LogCallStart(ctx context.Context, sessionID, userID uuid.UUID, callType string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, auditEntry{kind: "start", session: sessionID, user: userID, detail: callType})
	return nil
}

func (a *fakeAuditor) LogCallEnd(ctx context.Context, sessionID, userID uuid.UUID, reason string, duration time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, auditEntry{kind: "end", session: sessionID, user: userID, detail: reason, duration: duration})
	return nil
}

func TestRegistry_AuditTrail(t *testing.T) {
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	f := newRegistry(t, alice, bob)
	auditor := &fakeAuditor{}
	f.svc.SetAuditor(auditor)

	s := f.call(t, alice, bob)
	_, err := f.svc.Accept(ctx, s.SessionID, bob)
	require.NoError(t, err)

	f.clock = f.clock.Add(90 * time.Second)
	require.NoError(t, f.svc.End(ctx, s.SessionID, bob))
	require.NoError(t, f.svc.End(ctx, s.SessionID, alice))

	require.Len(t, auditor.entries, 2, "a repeated end is not audited")
	assert.Equal(t, auditEntry{kind: "start", session: s.SessionID, user: alice, detail: "voice"}, auditor.entries[0])
	assert.Equal(t, auditEntry{kind: "end", session: s.SessionID, user: bob, detail: "hangup", duration: 90 * time.Second}, auditor.entries[1])
}

func TestRegistry_EmptyDirectoryRejectsAndSeedAllows(t *testing.T) {
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	f := newRegistry(t)

	_, err := f.svc.Start(ctx, &StartInput{CallerID: alice, Target: domain.CallTarget{CalleeID: &bob}, Type: domain.CallTypeVoice})
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	seed := `{"users": [{"user_id": "` + alice.String() + `", "username": "alice"}, {"user_id": "` + bob.String() + `", "username": "bob"}]}`
	require.NoError(t, f.dir.LoadSeed(strings.NewReader(seed)))

	s := f.call(t, alice, bob)
	assert.Equal(t, []domain.SignalKind{domain.KindInvite}, f.relay.kinds(bob))
	assert.Equal(t, domain.CallStatusPending, s.Status)
}

// staleGroups serves a frozen copy of each group until it is invalidated
type staleGroups struct {
	*memory.Directory
	mu     sync.Mutex
	frozen map[uuid.UUID]*domain.Group
	drops  int
}

func (d *staleGroups) GetGroup(ctx context.Context, groupID uuid.UUID) (*domain.Group, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if g, ok := d.frozen[groupID]; ok {
		return g, nil
	}
	g, err := d.Directory.GetGroup(ctx, groupID)
	if err == nil {
		d.frozen[groupID] = g
	}
	return g, err
}

func (d *staleGroups) InvalidateGroup(ctx context.Context, groupID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.frozen, groupID)
	d.drops++
	return nil
}

func TestRegistry_StaleGroupCacheIsRefreshed(t *testing.T) {
	ctx := context.Background()
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	f := newRegistry(t, alice, bob, carol)
	groupID := uuid.New()
	f.dir.AddGroup(&domain.Group{GroupID: groupID, Title: "team", MemberIDs: []uuid.UUID{alice, bob}})

	dir := &staleGroups{Directory: f.dir, frozen: map[uuid.UUID]*domain.Group{}}
	svc := NewService(f.repo, dir, f.relay, nil, DefaultConfig())
	_, err := dir.GetGroup(ctx, groupID)
	require.NoError(t, err)

	// carol joins after the group was cached
	f.dir.AddGroup(&domain.Group{GroupID: groupID, Title: "team", MemberIDs: []uuid.UUID{alice, bob, carol}})

	s, err := svc.Start(ctx, &StartInput{CallerID: carol, Target: domain.CallTarget{GroupID: &groupID}, Type: domain.CallTypeVoice})
	require.NoError(t, err)
	assert.True(t, s.IsGroup())
	assert.Equal(t, 1, dir.drops)
	assert.Equal(t, domain.KindInvite, f.relay.last(alice).Kind)

	outsider := uuid.New()
	f.dir.AddUser(&domain.User{UserID: outsider, Username: "eve"})
	_, err = svc.Start(ctx, &StartInput{CallerID: outsider, Target: domain.CallTarget{GroupID: &groupID}, Type: domain.CallTypeVoice})
	assert.ErrorIs(t, err, domain.ErrInvalidTarget)
	assert.Equal(t, 2, dir.drops)
}
