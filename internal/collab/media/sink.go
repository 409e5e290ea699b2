package media

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

// RemoteTrack is an inbound track of a peer connection.
type RemoteTrack interface {
	ID() string
	Kind() Kind
	ReadRTP() (*rtp.Packet, error)
}

// Sink plays one remote track. Volume 0 keeps reading but drops everything,
// so a deafened peer never becomes briefly audible.
type Sink struct {
	track    RemoteTrack
	volume   atomic.Uint64
	received atomic.Uint64
	played   atomic.Uint64
	stopped  atomic.Bool
	once     sync.Once
	done     chan struct{}
}

// NewSink attaches track with the given initial volume. Nothing is read until Start.
func NewSink(track RemoteTrack, volume float64) *Sink {
	s := &Sink{track: track, done: make(chan struct{})}
	s.SetVolume(volume)
	return s
}

func (s *Sink) Track() RemoteTrack { return s.track }

func (s *Sink) SetVolume(v float64) {
	s.volume.Store(math.Float64bits(min(max(v, 0), 1)))
}

func (s *Sink) Volume() float64 { return math.Float64frombits(s.volume.Load()) }

func (s *Sink) Received() uint64 { return s.received.Load() }
func (s *Sink) Played() uint64   { return s.played.Load() }

// Start pumps the track until it ends or the sink is stopped.
func (s *Sink) Start() {
	go func() {
		defer s.once.Do(func() { close(s.done) })
		for !s.stopped.Load() {
			if _, err := s.track.ReadRTP(); err != nil {
				log.Debug().Err(err).Str("module", "collab.media").Str("track", s.track.ID()).Msg("sink read ended")
				return
			}
			s.received.Add(1)
			if s.Volume() > 0 && !s.stopped.Load() {
				s.played.Add(1)
			}
		}
	}()
}

// Stop pauses and detaches the sink. The pump exits on its next read.
func (s *Sink) Stop() {
	s.stopped.Store(true)
}

func (s *Sink) Stopped() bool { return s.stopped.Load() }

// Done is closed once the pump has exited.
func (s *Sink) Done() <-chan struct{} { return s.done }
