package mesh

import (
	"encoding/json"
	"errors"

	"github.com/benbjohnson/clock"

	"github.com/dkeye/Studyroom/internal/collab/media"
	"github.com/dkeye/Studyroom/internal/domain"
)

var (
	ErrNotInVoice         = errors.New("not in voice channel")
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrVoiceJoinRejected  = errors.New("voice join rejected")
	errIllegalTransition  = errors.New("illegal peer state transition")
)

type PeerState int

const (
	StateNone PeerState = iota
	StateNegotiating
	StateConnected
	StateClosed
)

func (s PeerState) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "none"
	}
}

// Role decides who sends the first offer of a pair.
type Role int

const (
	RoleAnswerer Role = iota
	RoleInitiator
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "answerer"
}

// Negotiator is the negotiation handle of one peer connection.
type Negotiator interface {
	// Start begins negotiation. An initiator produces the first offer.
	Start() error
	HandleSignal(payload json.RawMessage) error
	AddTrack(t *media.LocalTrack) error
	RemoveTrack(t *media.LocalTrack) error
	Close() error
}

// PeerEvents are how a negotiator reports back. They may be called from any
// goroutine, including from inside a Negotiator method.
type PeerEvents struct {
	Signal func(payload json.RawMessage)
	Track  func(track media.RemoteTrack)
	Failed func(err error)
}

// NegotiatorFactory builds the handle for one remote user. local holds the
// tracks to send from the start.
type NegotiatorFactory func(remote domain.UserID, role Role, local *media.LocalStream, ev PeerEvents) (Negotiator, error)

// PeerInfo is a read-only view of one tracked connection.
type PeerInfo struct {
	UserID    domain.UserID
	UserName  string
	Role      Role
	State     PeerState
	HasStream bool
}

type peer struct {
	id    domain.UserID
	name  string
	role  Role
	state PeerState
	neg   Negotiator
	sinks []*media.Sink
	timer *clock.Timer
}

// to moves the peer along none → negotiating → connected → closed.
// Closing is allowed from any state; nothing leaves closed.
func (p *peer) to(next PeerState) error {
	ok := false
	switch next {
	case StateNegotiating:
		ok = p.state == StateNone
	case StateConnected:
		ok = p.state == StateNegotiating
	case StateClosed:
		ok = p.state != StateClosed
	}
	if !ok {
		return errIllegalTransition
	}
	p.state = next
	return nil
}

func (p *peer) info() PeerInfo {
	return PeerInfo{UserID: p.id, UserName: p.name, Role: p.role, State: p.state, HasStream: len(p.sinks) > 0}
}

// release stops everything the peer holds. The negotiator is returned so the
// caller can close it outside the mesh lock.
func (p *peer) release() Negotiator {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	for _, s := range p.sinks {
		s.Stop()
	}
	p.sinks = nil
	neg := p.neg
	p.neg = nil
	return neg
}
