// Package media holds the narrow media capabilities the mesh needs: local
// tracks and streams, device capture, and playback sinks for remote tracks.
package media

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

var ErrTrackStopped = errors.New("track stopped")

var (
	OpusCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	VP8Codec  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

// LocalTrack is one captured outbound track. Disabling it keeps the track
// negotiated: audio goes out as silence and video packets are dropped.
type LocalTrack struct {
	kind    Kind
	rtp     *webrtc.TrackLocalStaticRTP
	enabled atomic.Bool
	stopped atomic.Bool
	release func()
}

// NewLocalTrack wraps a pion static RTP track. release frees the capture source.
func NewLocalTrack(kind Kind, streamID string, release func()) (*LocalTrack, error) {
	codec := OpusCodec
	if kind == KindVideo {
		codec = VP8Codec
	}
	tr, err := webrtc.NewTrackLocalStaticRTP(codec, string(kind)+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}
	t := &LocalTrack{kind: kind, rtp: tr, release: release}
	t.enabled.Store(true)
	return t, nil
}

func (t *LocalTrack) ID() string               { return t.rtp.ID() }
func (t *LocalTrack) Kind() Kind               { return t.kind }
func (t *LocalTrack) Local() webrtc.TrackLocal { return t.rtp }
func (t *LocalTrack) Enabled() bool            { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(on bool)       { t.enabled.Store(on) }
func (t *LocalTrack) Stopped() bool            { return t.stopped.Load() }

// WriteRTP forwards p to every bound connection. A disabled audio track
// still sends, with silence in place of the payload, so the far side keeps
// receiving a live track.
func (t *LocalTrack) WriteRTP(p *rtp.Packet) error {
	if t.stopped.Load() {
		return ErrTrackStopped
	}
	if !t.enabled.Load() {
		if t.kind != KindAudio {
			return nil
		}
		silent := *p
		silent.Payload = opusSilence
		return t.rtp.WriteRTP(&silent)
	}
	return t.rtp.WriteRTP(p)
}

// Stop releases the device. It is safe to call more than once.
func (t *LocalTrack) Stop() {
	if t.stopped.Swap(true) {
		return
	}
	if t.release != nil {
		t.release()
	}
}

// LocalStream is the single local capture shared by every peer connection.
type LocalStream struct {
	id     string
	mu     sync.RWMutex
	tracks []*LocalTrack
}

func NewLocalStream() *LocalStream {
	return &LocalStream{id: "stream-" + uuid.NewString()}
}

func (s *LocalStream) ID() string { return s.id }

func (s *LocalStream) Add(t *LocalTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.tracks, t) {
		s.tracks = append(s.tracks, t)
	}
}

func (s *LocalStream) Remove(t *LocalTrack) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.tracks, t)
	if i < 0 {
		return false
	}
	s.tracks = slices.Delete(s.tracks, i, i+1)
	return true
}

func (s *LocalStream) Tracks() []*LocalTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.tracks)
}

func (s *LocalStream) ByKind(k Kind) []*LocalTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*LocalTrack
	for _, t := range s.tracks {
		if t.kind == k {
			out = append(out, t)
		}
	}
	return out
}

// SetAudioEnabled flips every audio track without touching negotiation.
func (s *LocalStream) SetAudioEnabled(on bool) {
	for _, t := range s.ByKind(KindAudio) {
		t.SetEnabled(on)
	}
}

// Stop stops and removes every track.
func (s *LocalStream) Stop() {
	s.mu.Lock()
	tracks := s.tracks
	s.tracks = nil
	s.mu.Unlock()
	for _, t := range tracks {
		t.Stop()
	}
}
