package mesh

import (
	"context"
	"fmt"

	"github.com/dkeye/Studyroom/internal/collab/media"
)

// ToggleMute flips the outbound audio track. Connections are not renegotiated.
func (m *Manager) ToggleMute() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = !m.muted
	if m.stream != nil {
		m.stream.SetAudioEnabled(!m.muted)
	}
	return m.muted
}

// ToggleDeafen silences every remote sink. Deafening also mutes; undeafening
// leaves mute as it is.
func (m *Manager) ToggleDeafen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deafened = !m.deafened
	vol := 1.0
	if m.deafened {
		vol = 0
		m.muted = true
		if m.stream != nil {
			m.stream.SetAudioEnabled(false)
		}
	}
	for _, p := range m.peers {
		for _, s := range p.sinks {
			s.SetVolume(vol)
		}
	}
	return m.deafened
}

func (m *Manager) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

func (m *Manager) Deafened() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deafened
}

func (m *Manager) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream != nil && len(m.stream.ByKind(media.KindVideo)) > 0
}

// ToggleVideo adds a camera track to the stream and every connection, or
// stops and removes it. Audio is never touched.
func (m *Manager) ToggleVideo(ctx context.Context) (bool, error) {
	m.mu.Lock()
	stream := m.stream
	m.mu.Unlock()
	if stream == nil {
		return false, ErrNotInVoice
	}

	if tracks := stream.ByKind(media.KindVideo); len(tracks) > 0 {
		for _, t := range tracks {
			stream.Remove(t)
			t.Stop()
			for p, neg := range m.negotiators() {
				if err := neg.RemoveTrack(t); err != nil {
					m.log.Debug().Err(err).Str("peer", string(p.id)).Msg("remove video track")
				}
			}
		}
		m.log.Info().Msg("video off")
		return false, nil
	}

	video, err := m.capturer.Video(context.WithoutCancel(ctx), stream.ID())
	if err != nil {
		m.log.Warn().Err(err).Msg("camera capture failed")
		m.notify.Error(media.UserMessage(err))
		return false, err
	}

	m.mu.Lock()
	if m.stream != stream {
		m.mu.Unlock()
		video.Stop()
		return false, ErrNotInVoice
	}
	stream.Add(video)
	m.mu.Unlock()

	for p, neg := range m.negotiators() {
		if err := neg.AddTrack(video); err != nil {
			m.fail(p, fmt.Errorf("add video track: %w", err))
		}
	}
	m.log.Info().Msg("video on")
	return true, nil
}

// negotiators snapshots the live handles so they can be called without the lock.
func (m *Manager) negotiators() map[*peer]Negotiator {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[*peer]Negotiator, len(m.peers))
	for _, p := range m.peers {
		if p.neg != nil && p.state != StateClosed {
			out[p] = p.neg
		}
	}
	return out
}
