package media

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

// Capturer acquires local devices. Failures are *CaptureError.
type Capturer interface {
	Audio(ctx context.Context, streamID string) (*LocalTrack, error)
	Video(ctx context.Context, streamID string) (*LocalTrack, error)
}

// opusSilence is one 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Synthetic is a Capturer without devices: audio is Opus silence every 20ms,
// video is a fixed filler payload at 15fps that no decoder will render.
// AudioErr and VideoErr simulate device failures.
type Synthetic struct {
	Clock    clock.Clock
	AudioErr error
	VideoErr error
}

func (s Synthetic) clock() clock.Clock {
	if s.Clock == nil {
		return clock.New()
	}
	return s.Clock
}

func (s Synthetic) Audio(ctx context.Context, streamID string) (*LocalTrack, error) {
	if s.AudioErr != nil {
		return nil, Classify(KindAudio, s.AudioErr)
	}
	return s.start(ctx, KindAudio, streamID, 20*time.Millisecond, 960, opusSilence)
}

func (s Synthetic) Video(ctx context.Context, streamID string) (*LocalTrack, error) {
	if s.VideoErr != nil {
		return nil, Classify(KindVideo, s.VideoErr)
	}
	return s.start(ctx, KindVideo, streamID, time.Second/15, 6000, make([]byte, 64))
}

func (s Synthetic) start(ctx context.Context, kind Kind, streamID string, every time.Duration, step uint32, payload []byte) (*LocalTrack, error) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	track, err := NewLocalTrack(kind, streamID, func() {
		cancel()
		wg.Wait()
	})
	if err != nil {
		cancel()
		return nil, Classify(kind, err)
	}

	ticker := s.clock().Ticker(every)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				SequenceNumber: uint16(rand.Uint32()),
				Timestamp:      rand.Uint32(),
				SSRC:           rand.Uint32(),
			},
			Payload: payload,
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pkt.SequenceNumber++
				pkt.Timestamp += step
				if err := track.WriteRTP(pkt); err != nil {
					log.Debug().Err(err).Str("module", "collab.media").Str("track", track.ID()).Msg("synthetic write")
					return
				}
			}
		}
	}()
	return track, nil
}
