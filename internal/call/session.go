// Package call implements the client side of a two-party call: a
// state machine around one peer connection, driven by relay messages
// and peer-connection callbacks merged into a single event queue.
package call

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/huddlechat/huddle/internal/domain"
	"github.com/huddlechat/huddle/internal/protocol"
)

type State int32

const (
	StateIdle State = iota
	StateJoining
	StateNegotiating
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Signaler is the session's outbound edge: everything it emits goes
// through here to the relay.
type Signaler interface {
	SendJoin(room domain.RoomID) error
	SendSignal(room domain.RoomID, data protocol.SignalData) error
	SendLeave(room domain.RoomID) error
}

const DefaultNegotiationTimeout = 30 * time.Second

var ErrAlreadyStarted = errors.New("session already started")

type eventKind int

const (
	evPeerJoined eventKind = iota
	evSignal
	evLocalCandidate
	evConnected
	evPeerLeft
	evEndLocal
	evTransportDown
	evTimeout
)

type event struct {
	kind      eventKind
	data      *protocol.SignalData
	candidate protocol.Candidate
}

// Session drives one call attempt through joining, negotiation and
// teardown. All state below the channel fields belongs to the run
// goroutine; callers interact only via the enqueue methods and the
// atomic state snapshot.
type Session struct {
	room     domain.RoomID
	signaler Signaler
	media    MediaSource
	newPeer  PeerFactory
	timeout  time.Duration
	onState  func(State)

	events chan event
	done   chan struct{}

	state   atomic.Int32
	started atomic.Bool

	// run-loop owned
	peer           Peer
	tracksAttached bool
	pending        []protocol.Candidate
	timer          *time.Timer
}

type Option func(*Session)

// WithNegotiationTimeout bounds how long the session may sit in
// joining or negotiating before giving up.
func WithNegotiationTimeout(d time.Duration) Option {
	return func(s *Session) { s.timeout = d }
}

// WithStateFunc registers a callback invoked from the run goroutine on
// every state change; the call UI uses it to render controls.
func WithStateFunc(fn func(State)) Option {
	return func(s *Session) { s.onState = fn }
}

func NewSession(room domain.RoomID, sig Signaler, media MediaSource, newPeer PeerFactory, opts ...Option) *Session {
	s := &Session{
		room:     room,
		signaler: sig,
		media:    media,
		newPeer:  newPeer,
		timeout:  DefaultNegotiationTimeout,
		events:   make(chan event, 64),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session reaches ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start acquires media, builds the peer connection and emits the join.
// Media failure surfaces synchronously and the session never leaves
// idle.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	tracks, err := s.media.Acquire(ctx)
	if err != nil {
		s.started.Store(false)
		return err
	}

	peer, err := s.newPeer()
	if err != nil {
		s.media.Release()
		s.started.Store(false)
		return err
	}
	if err := peer.AddTracks(tracks); err != nil {
		_ = peer.Close()
		s.media.Release()
		s.started.Store(false)
		return err
	}
	s.peer = peer
	s.tracksAttached = true

	// Locally discovered candidates go out immediately, in any state;
	// buffering happens only on the receiving side.
	peer.OnCandidate(func(c protocol.Candidate) {
		s.enqueue(event{kind: evLocalCandidate, candidate: c})
	})
	peer.OnConnected(func() {
		s.enqueue(event{kind: evConnected})
	})

	s.setState(StateJoining)
	if err := s.signaler.SendJoin(s.room); err != nil {
		log.Error().Err(err).Str("module", "call.session").Msg("send join")
	}

	s.timer = time.AfterFunc(s.timeout, func() {
		s.enqueue(event{kind: evTimeout})
	})

	go s.run(ctx)
	return nil
}

// ---- inbound edges, safe from any goroutine ----

// PeerJoined reports that a second participant entered the room.
func (s *Session) PeerJoined() { s.enqueue(event{kind: evPeerJoined}) }

// Signal delivers a relayed negotiation payload.
func (s *Session) Signal(data *protocol.SignalData) {
	s.enqueue(event{kind: evSignal, data: data})
}

// PeerLeft reports that the other participant left the room.
func (s *Session) PeerLeft() { s.enqueue(event{kind: evPeerLeft}) }

// TransportDown reports loss of the signaling connection.
func (s *Session) TransportDown() { s.enqueue(event{kind: evTransportDown}) }

// End requests local teardown. Idempotent.
func (s *Session) End() { s.enqueue(event{kind: evEndLocal}) }

func (s *Session) enqueue(ev event) {
	select {
	case <-s.done:
	case s.events <- ev:
	}
}

// ---- run loop; exclusive owner of session state ----

func (s *Session) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.teardown(true)
			return
		case ev := <-s.events:
			s.handle(ev)
			if s.State() == StateEnded {
				return
			}
		}
	}
}

func (s *Session) handle(ev event) {
	switch ev.kind {
	case evPeerJoined:
		s.onPeerJoined()
	case evSignal:
		s.onSignal(ev.data)
	case evLocalCandidate:
		s.sendCandidate(ev.candidate)
	case evConnected:
		if s.State() == StateNegotiating {
			s.setState(StateActive)
			s.stopTimer()
		}
	case evPeerLeft:
		log.Info().Str("module", "call.session").Str("room", string(s.room)).Msg("peer left")
		s.teardown(true)
	case evEndLocal:
		s.teardown(false)
	case evTransportDown:
		log.Warn().Str("module", "call.session").Str("room", string(s.room)).Msg("transport down")
		s.teardown(true)
	case evTimeout:
		if st := s.State(); st == StateJoining || st == StateNegotiating {
			log.Warn().Str("module", "call.session").Str("room", string(s.room)).Str("state", st.String()).Msg("negotiation timed out")
			s.teardown(false)
		}
	}
}

// onPeerJoined makes this side the offerer: whoever observes the
// second join produces the offer.
func (s *Session) onPeerJoined() {
	if s.State() != StateJoining {
		return
	}
	offer, err := s.peer.CreateOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "call.session").Msg("create offer")
		return
	}
	if err := s.signaler.SendSignal(s.room, protocol.SignalData{Offer: offer}); err != nil {
		log.Error().Err(err).Str("module", "call.session").Msg("send offer")
		return
	}
	s.setState(StateNegotiating)
}

func (s *Session) onSignal(data *protocol.SignalData) {
	if data == nil {
		return
	}
	switch {
	case data.Offer != nil:
		s.onOffer(*data.Offer)
	case data.Answer != nil:
		s.onAnswer(*data.Answer)
	case data.AnyCandidate() != nil:
		s.onCandidate(*data.AnyCandidate())
	}
}

func (s *Session) onOffer(offer protocol.SessionDescription) {
	if st := s.State(); st != StateJoining && st != StateNegotiating {
		return
	}
	if err := s.peer.AcceptOffer(offer); err != nil {
		log.Error().Err(err).Str("module", "call.session").Msg("apply offer")
		return
	}
	answer, err := s.peer.CreateAnswer()
	if err != nil {
		log.Error().Err(err).Str("module", "call.session").Msg("create answer")
		return
	}
	if err := s.signaler.SendSignal(s.room, protocol.SignalData{Answer: answer}); err != nil {
		log.Error().Err(err).Str("module", "call.session").Msg("send answer")
	}
	s.setState(StateNegotiating)
	s.drainCandidates()
}

func (s *Session) onAnswer(answer protocol.SessionDescription) {
	if s.State() != StateNegotiating {
		return
	}
	if err := s.peer.AcceptAnswer(answer); err != nil {
		log.Error().Err(err).Str("module", "call.session").Msg("apply answer")
		return
	}
	s.drainCandidates()
	s.setState(StateActive)
	s.stopTimer()
}

// onCandidate applies the candidate when a remote descriptor exists,
// otherwise buffers it. Candidates racing ahead of their descriptor
// are the central ordering hazard of the whole exchange.
func (s *Session) onCandidate(c protocol.Candidate) {
	if !s.peer.HasRemoteDescription() {
		s.pending = append(s.pending, c)
		return
	}
	if err := s.peer.AddCandidate(c); err != nil {
		log.Error().Err(err).Str("module", "call.session").Msg("add candidate")
	}
}

// drainCandidates applies the buffer in receipt order, exactly once.
func (s *Session) drainCandidates() {
	for _, c := range s.pending {
		if err := s.peer.AddCandidate(c); err != nil {
			log.Error().Err(err).Str("module", "call.session").Msg("apply buffered candidate")
		}
	}
	s.pending = nil
}

func (s *Session) sendCandidate(c protocol.Candidate) {
	if s.State() == StateEnded {
		return
	}
	if err := s.signaler.SendSignal(s.room, protocol.SignalData{Candidate: &c}); err != nil {
		log.Error().Err(err).Str("module", "call.session").Msg("send candidate")
	}
}

// teardown releases everything owned by the session. remote marks
// teardowns that react to the other side (or the transport) going
// away, in which case no leave is emitted.
func (s *Session) teardown(remote bool) {
	if s.State() == StateEnded {
		return
	}
	s.stopTimer()
	if s.peer != nil {
		if err := s.peer.Close(); err != nil {
			log.Warn().Err(err).Str("module", "call.session").Msg("close peer")
		}
	}
	s.media.Release()
	s.pending = nil
	if !remote {
		if err := s.signaler.SendLeave(s.room); err != nil {
			log.Warn().Err(err).Str("module", "call.session").Msg("send leave")
		}
	}
	s.setState(StateEnded)
	close(s.done)
	log.Info().Str("module", "call.session").Str("room", string(s.room)).Msg("session ended")
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
	}
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	log.Debug().Str("module", "call.session").Str("room", string(s.room)).Str("state", st.String()).Msg("state change")
	if s.onState != nil {
		s.onState(st)
	}
}
