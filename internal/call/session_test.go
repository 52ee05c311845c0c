package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddlechat/huddle/internal/domain"
	"github.com/huddlechat/huddle/internal/protocol"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

// fakePeer records every interaction; callbacks are wired back to the
// test so it can play the underlying peer connection.
type fakePeer struct {
	mu             sync.Mutex
	remoteSet      bool
	applied        []protocol.Candidate
	offersCreated  int
	answersCreated int
	closed         int
	tracksAdded    int

	failAcceptOffer  bool
	failAddCandidate bool

	onCandidate func(protocol.Candidate)
	onConnected func()
}

func (p *fakePeer) AddTracks(tracks []webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracksAdded++
	return nil
}

func (p *fakePeer) CreateOffer() (*protocol.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offersCreated++
	return &protocol.SessionDescription{Type: "offer", SDP: "v=0 offer"}, nil
}

func (p *fakePeer) AcceptOffer(sd protocol.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAcceptOffer {
		return errors.New("malformed offer")
	}
	p.remoteSet = true
	return nil
}

func (p *fakePeer) CreateAnswer() (*protocol.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answersCreated++
	return &protocol.SessionDescription{Type: "answer", SDP: "v=0 answer"}, nil
}

func (p *fakePeer) AcceptAnswer(sd protocol.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteSet = true
	return nil
}

func (p *fakePeer) AddCandidate(c protocol.Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAddCandidate {
		return errors.New("invalid candidate")
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSet
}

func (p *fakePeer) OnCandidate(fn func(protocol.Candidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = fn
}

func (p *fakePeer) OnConnected(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnected = fn
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePeer) fireCandidate(c protocol.Candidate) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (p *fakePeer) fireConnected() {
	p.mu.Lock()
	fn := p.onConnected
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *fakePeer) appliedCandidates() []protocol.Candidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.Candidate, len(p.applied))
	copy(out, p.applied)
	return out
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeMedia struct {
	mu          sync.Mutex
	acquired    int
	released    int
	failAcquire bool
}

func (m *fakeMedia) Acquire(ctx context.Context) ([]webrtc.TrackLocal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAcquire {
		return nil, errors.New("camera unavailable")
	}
	m.acquired++
	return nil, nil
}

func (m *fakeMedia) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released++
}

func (m *fakeMedia) releaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// fakeSignaler records the outbound traffic; optionally it forwards
// signals to another session, playing the relay between two ends.
type fakeSignaler struct {
	mu      sync.Mutex
	joins   int
	leaves  int
	signals []protocol.SignalData

	forwardTo *Session
}

func (f *fakeSignaler) SendJoin(room domain.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins++
	return nil
}

func (f *fakeSignaler) SendSignal(room domain.RoomID, data protocol.SignalData) error {
	f.mu.Lock()
	f.signals = append(f.signals, data)
	to := f.forwardTo
	f.mu.Unlock()
	if to != nil {
		d := data
		to.Signal(&d)
	}
	return nil
}

func (f *fakeSignaler) SendLeave(room domain.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	return nil
}

func (f *fakeSignaler) counts() (joins, leaves int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins, f.leaves
}

func (f *fakeSignaler) sent() []protocol.SignalData {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.SignalData, len(f.signals))
	copy(out, f.signals)
	return out
}

func (f *fakeSignaler) lastOfKind(pick func(protocol.SignalData) bool) bool {
	for _, s := range f.sent() {
		if pick(s) {
			return true
		}
	}
	return false
}

func cand(s string) protocol.Candidate { return protocol.Candidate{Candidate: s} }

func newTestSession(t *testing.T, opts ...Option) (*Session, *fakePeer, *fakeMedia, *fakeSignaler) {
	t.Helper()
	fp := &fakePeer{}
	fm := &fakeMedia{}
	fs := &fakeSignaler{}
	sess := NewSession("r1", fs, fm, func() (Peer, error) { return fp, nil }, opts...)
	return sess, fp, fm, fs
}

func startSession(t *testing.T, sess *Session) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, sess.Start(ctx))
	t.Cleanup(sess.End)
}

func TestSessionStartJoins(t *testing.T) {
	sess, fp, fm, fs := newTestSession(t)
	startSession(t, sess)

	assert.Equal(t, StateJoining, sess.State())
	joins, _ := fs.counts()
	assert.Equal(t, 1, joins)
	assert.Equal(t, 1, fm.acquired)
	assert.Equal(t, 1, fp.tracksAdded)
}

func TestSessionMediaFailureStaysIdle(t *testing.T) {
	sess, _, fm, fs := newTestSession(t)
	fm.failAcquire = true

	err := sess.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateIdle, sess.State())
	joins, _ := fs.counts()
	assert.Zero(t, joins)
}

func TestSessionStartTwice(t *testing.T) {
	sess, _, _, _ := newTestSession(t)
	startSession(t, sess)

	assert.ErrorIs(t, sess.Start(context.Background()), ErrAlreadyStarted)
}

// The side that observes user-joined produces the offer.
func TestSessionOffererFlow(t *testing.T) {
	sess, fp, _, fs := newTestSession(t)
	startSession(t, sess)

	sess.PeerJoined()

	require.Eventually(t, func() bool {
		return sess.State() == StateNegotiating
	}, waitFor, tick)
	assert.True(t, fs.lastOfKind(func(d protocol.SignalData) bool { return d.Offer != nil }))

	sess.Signal(&protocol.SignalData{Answer: &protocol.SessionDescription{Type: "answer", SDP: "v=0"}})

	require.Eventually(t, func() bool {
		return sess.State() == StateActive
	}, waitFor, tick)
	assert.True(t, fp.HasRemoteDescription())
}

// The side that receives an offer answers and reaches active once the
// peer connection connects.
func TestSessionAnswererFlow(t *testing.T) {
	sess, fp, _, fs := newTestSession(t)
	startSession(t, sess)

	sess.Signal(&protocol.SignalData{Offer: &protocol.SessionDescription{Type: "offer", SDP: "v=0"}})

	require.Eventually(t, func() bool {
		return sess.State() == StateNegotiating
	}, waitFor, tick)
	assert.True(t, fs.lastOfKind(func(d protocol.SignalData) bool { return d.Answer != nil }))

	fp.fireConnected()

	require.Eventually(t, func() bool {
		return sess.State() == StateActive
	}, waitFor, tick)
}

// Candidates arriving before any remote descriptor must be buffered
// and applied, in receipt order, right after the descriptor lands.
func TestSessionEarlyCandidatesBuffered(t *testing.T) {
	sess, fp, _, _ := newTestSession(t)
	startSession(t, sess)

	sess.Signal(&protocol.SignalData{Candidate: ptr(cand("c1"))})
	sess.Signal(&protocol.SignalData{Candidate: ptr(cand("c2"))})
	sess.Signal(&protocol.SignalData{ICECandidate: ptr(cand("c3"))}) // legacy alias

	// Still buffered: no remote descriptor yet.
	assert.Never(t, func() bool {
		return len(fp.appliedCandidates()) > 0
	}, 100*time.Millisecond, tick)

	sess.Signal(&protocol.SignalData{Offer: &protocol.SessionDescription{Type: "offer", SDP: "v=0"}})

	require.Eventually(t, func() bool {
		return len(fp.appliedCandidates()) == 3
	}, waitFor, tick)
	assert.Equal(t, []protocol.Candidate{cand("c1"), cand("c2"), cand("c3")}, fp.appliedCandidates())

	// The buffer is cleared: a later candidate applies directly and
	// nothing is replayed.
	sess.Signal(&protocol.SignalData{Candidate: ptr(cand("c4"))})
	require.Eventually(t, func() bool {
		return len(fp.appliedCandidates()) == 4
	}, waitFor, tick)
}

func TestSessionCandidateAppliedImmediatelyAfterRemote(t *testing.T) {
	sess, fp, _, _ := newTestSession(t)
	startSession(t, sess)

	sess.Signal(&protocol.SignalData{Offer: &protocol.SessionDescription{Type: "offer", SDP: "v=0"}})
	require.Eventually(t, func() bool {
		return sess.State() == StateNegotiating
	}, waitFor, tick)

	sess.Signal(&protocol.SignalData{Candidate: ptr(cand("direct"))})
	require.Eventually(t, func() bool {
		return len(fp.appliedCandidates()) == 1
	}, waitFor, tick)
}

// Locally gathered candidates go out right away, even while still
// joining; only the receiving side buffers.
func TestSessionLocalCandidatesSentImmediately(t *testing.T) {
	sess, fp, _, fs := newTestSession(t)
	startSession(t, sess)

	fp.fireCandidate(cand("local-1"))

	require.Eventually(t, func() bool {
		return fs.lastOfKind(func(d protocol.SignalData) bool {
			return d.Candidate != nil && d.Candidate.Candidate == "local-1"
		})
	}, waitFor, tick)
	assert.Equal(t, StateJoining, sess.State())
}

func TestSessionEndIdempotent(t *testing.T) {
	sess, fp, fm, fs := newTestSession(t)
	startSession(t, sess)

	sess.End()
	<-sess.Done()
	sess.End()

	assert.Equal(t, StateEnded, sess.State())
	assert.Equal(t, 1, fp.closeCount())
	assert.Equal(t, 1, fm.releaseCount())
	_, leaves := fs.counts()
	assert.Equal(t, 1, leaves)
}

// A remote leave tears the session down without emitting a leave of
// its own.
func TestSessionPeerLeftEndsWithoutLeave(t *testing.T) {
	sess, fp, fm, fs := newTestSession(t)
	startSession(t, sess)

	sess.PeerLeft()
	<-sess.Done()

	assert.Equal(t, StateEnded, sess.State())
	assert.Equal(t, 1, fp.closeCount())
	assert.Equal(t, 1, fm.releaseCount())
	_, leaves := fs.counts()
	assert.Zero(t, leaves)
}

func TestSessionTransportDownEnds(t *testing.T) {
	sess, _, fm, fs := newTestSession(t)
	startSession(t, sess)

	sess.TransportDown()
	<-sess.Done()

	assert.Equal(t, StateEnded, sess.State())
	assert.Equal(t, 1, fm.releaseCount())
	_, leaves := fs.counts()
	assert.Zero(t, leaves)
}

func TestSessionNegotiationTimeout(t *testing.T) {
	sess, _, _, _ := newTestSession(t, WithNegotiationTimeout(50*time.Millisecond))
	startSession(t, sess)

	select {
	case <-sess.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not time out")
	}
	assert.Equal(t, StateEnded, sess.State())
}

func TestSessionTimeoutCanceledOnceActive(t *testing.T) {
	sess, _, _, _ := newTestSession(t, WithNegotiationTimeout(100*time.Millisecond))
	startSession(t, sess)

	sess.PeerJoined()
	sess.Signal(&protocol.SignalData{Answer: &protocol.SessionDescription{Type: "answer", SDP: "v=0"}})
	require.Eventually(t, func() bool {
		return sess.State() == StateActive
	}, waitFor, tick)

	assert.Never(t, func() bool {
		return sess.State() == StateEnded
	}, 200*time.Millisecond, tick)
}

// A failure applying a remote descriptor is logged and the session
// stays where it was; no retry, no crash.
func TestSessionApplyFailureKeepsState(t *testing.T) {
	sess, fp, _, fs := newTestSession(t)
	fp.failAcceptOffer = true
	startSession(t, sess)

	sess.Signal(&protocol.SignalData{Offer: &protocol.SessionDescription{Type: "offer", SDP: "bogus"}})

	assert.Never(t, func() bool {
		return sess.State() != StateJoining
	}, 100*time.Millisecond, tick)
	assert.False(t, fs.lastOfKind(func(d protocol.SignalData) bool { return d.Answer != nil }))
}

func TestSessionBadCandidateDoesNotEndSession(t *testing.T) {
	sess, fp, _, _ := newTestSession(t)
	fp.failAddCandidate = true
	startSession(t, sess)

	sess.Signal(&protocol.SignalData{Offer: &protocol.SessionDescription{Type: "offer", SDP: "v=0"}})
	require.Eventually(t, func() bool {
		return sess.State() == StateNegotiating
	}, waitFor, tick)

	sess.Signal(&protocol.SignalData{Candidate: ptr(cand("broken"))})

	assert.Never(t, func() bool {
		return sess.State() == StateEnded
	}, 100*time.Millisecond, tick)
}

// Two sessions wired back to back through forwarding signalers: the
// full happy path, including a candidate that races ahead of the
// answer.
func TestSessionsReachActiveEndToEnd(t *testing.T) {
	fpA, fpB := &fakePeer{}, &fakePeer{}
	fmA, fmB := &fakeMedia{}, &fakeMedia{}
	fsA, fsB := &fakeSignaler{}, &fakeSignaler{}

	sessA := NewSession("r1", fsA, fmA, func() (Peer, error) { return fpA, nil })
	sessB := NewSession("r1", fsB, fmB, func() (Peer, error) { return fpB, nil })
	fsA.forwardTo = sessB
	fsB.forwardTo = sessA

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, sessA.Start(ctx))
	require.NoError(t, sessB.Start(ctx))
	t.Cleanup(sessA.End)
	t.Cleanup(sessB.End)

	// B's candidate races ahead of any descriptor: A must buffer it.
	fpB.fireCandidate(cand("b-early"))

	// A was already in the room; it observes B's join and offers.
	sessA.PeerJoined()

	require.Eventually(t, func() bool {
		return sessA.State() == StateActive
	}, waitFor, tick, "offerer should reach active on answer")

	fpB.fireConnected()
	require.Eventually(t, func() bool {
		return sessB.State() == StateActive
	}, waitFor, tick, "answerer should reach active on connect")

	// The early candidate was applied exactly once, after the answer.
	applied := fpA.appliedCandidates()
	count := 0
	for _, c := range applied {
		if c.Candidate == "b-early" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

// Disconnect mid-call: the survivor gets a peer-left and releases
// everything.
func TestSessionRemoteDisconnectMidCall(t *testing.T) {
	sess, fp, fm, _ := newTestSession(t)
	startSession(t, sess)

	sess.PeerJoined()
	sess.Signal(&protocol.SignalData{Answer: &protocol.SessionDescription{Type: "answer", SDP: "v=0"}})
	require.Eventually(t, func() bool {
		return sess.State() == StateActive
	}, waitFor, tick)

	sess.PeerLeft()
	<-sess.Done()

	assert.Equal(t, StateEnded, sess.State())
	assert.Equal(t, 1, fp.closeCount())
	assert.Equal(t, 1, fm.releaseCount())
}

func ptr[T any](v T) *T { return &v }
