package rtc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Studyroom/internal/collab/media"
	"github.com/dkeye/Studyroom/internal/collab/mesh"
)

// endpoint forwards signals to its counterpart asynchronously, as the relay would.
type endpoint struct {
	neg    mesh.Negotiator
	mu     sync.Mutex
	tracks []media.RemoteTrack
	errs   []error
	in     chan json.RawMessage
	done   chan struct{}
}

func newEndpoint() *endpoint {
	return &endpoint{in: make(chan json.RawMessage, 64), done: make(chan struct{})}
}

func (e *endpoint) deliver(p json.RawMessage) {
	select {
	case e.in <- p:
	case <-e.done:
	}
}

func (e *endpoint) pump() {
	go func() {
		for {
			select {
			case p := <-e.in:
				if err := e.neg.HandleSignal(p); err != nil {
					e.mu.Lock()
					e.errs = append(e.errs, err)
					e.mu.Unlock()
				}
			case <-e.done:
				return
			}
		}
	}()
}

func (e *endpoint) received() []media.RemoteTrack {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]media.RemoteTrack(nil), e.tracks...)
}

func connectPair(t *testing.T, a, b *media.LocalStream) (*endpoint, *endpoint) {
	t.Helper()
	f, err := NewFactory(webrtc.Configuration{}, WithLoopback())
	require.NoError(t, err)

	ea, eb := newEndpoint(), newEndpoint()
	events := func(self, other *endpoint) mesh.PeerEvents {
		return mesh.PeerEvents{
			Signal: other.deliver,
			Track: func(tr media.RemoteTrack) {
				self.mu.Lock()
				self.tracks = append(self.tracks, tr)
				self.mu.Unlock()
			},
			Failed: func(err error) {
				self.mu.Lock()
				self.errs = append(self.errs, err)
				self.mu.Unlock()
			},
		}
	}

	ea.neg, err = f.New("b", mesh.RoleInitiator, a, events(ea, eb))
	require.NoError(t, err)
	eb.neg, err = f.New("a", mesh.RoleAnswerer, b, events(eb, ea))
	require.NoError(t, err)
	t.Cleanup(func() {
		close(ea.done)
		close(eb.done)
		_ = ea.neg.Close()
		_ = eb.neg.Close()
	})
	ea.pump()
	eb.pump()
	require.NoError(t, eb.neg.Start())
	require.NoError(t, ea.neg.Start())
	return ea, eb
}

func audioStream(t *testing.T) *media.LocalStream {
	t.Helper()
	s := media.NewLocalStream()
	tr, err := media.Synthetic{}.Audio(context.Background(), s.ID())
	require.NoError(t, err)
	s.Add(tr)
	t.Cleanup(s.Stop)
	return s
}

func TestPairExchangesAudio(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE/DTLS sessions on loopback")
	}
	a, b := connectPair(t, audioStream(t), audioStream(t))

	require.Eventually(t, func() bool {
		return len(a.received()) == 1 && len(b.received()) == 1
	}, 15*time.Second, 50*time.Millisecond)

	got := b.received()[0]
	assert.Equal(t, media.KindAudio, got.Kind())
	p, err := got.ReadRTP()
	require.NoError(t, err)
	assert.NotEmpty(t, p.Payload)
}

func TestMutedSideStillConnects(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE/DTLS sessions on loopback")
	}
	muted := audioStream(t)
	muted.SetAudioEnabled(false)
	a, b := connectPair(t, audioStream(t), muted)

	require.Eventually(t, func() bool {
		return len(a.received()) == 1 && len(b.received()) == 1
	}, 15*time.Second, 50*time.Millisecond)

	p, err := a.received()[0].ReadRTP()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xf8, 0xff, 0xfe}, p.Payload, "muted side sends silence")
}

func TestAnswererVideoTriggersRenegotiation(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE/DTLS sessions on loopback")
	}
	a, b := connectPair(t, audioStream(t), audioStream(t))
	require.Eventually(t, func() bool {
		return len(a.received()) == 1 && len(b.received()) == 1
	}, 15*time.Second, 50*time.Millisecond)

	s := media.NewLocalStream()
	video, err := media.Synthetic{}.Video(context.Background(), s.ID())
	require.NoError(t, err)
	t.Cleanup(video.Stop)
	require.NoError(t, b.neg.AddTrack(video))

	require.Eventually(t, func() bool {
		for _, tr := range a.received() {
			if tr.Kind() == media.KindVideo {
				return true
			}
		}
		return false
	}, 15*time.Second, 50*time.Millisecond)
}

func TestUnexpectedSignals(t *testing.T) {
	f, err := NewFactory(Configuration(nil))
	require.NoError(t, err)
	nop := mesh.PeerEvents{
		Signal: func(json.RawMessage) {},
		Track:  func(media.RemoteTrack) {},
		Failed: func(error) {},
	}
	n, err := f.New("b", mesh.RoleInitiator, nil, nop)
	require.NoError(t, err)
	defer n.Close()

	assert.ErrorIs(t, n.HandleSignal(json.RawMessage(`{"type":"offer","sdp":"v=0"}`)), errUnexpectedSignal)
	assert.ErrorIs(t, n.HandleSignal(json.RawMessage(`{"type":"bogus"}`)), errUnexpectedSignal)
	assert.Error(t, n.HandleSignal(json.RawMessage(`not json`)))
	// candidates before any description are held, not rejected
	assert.NoError(t, n.HandleSignal(json.RawMessage(`{"type":"candidate","candidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host"}}`)))
	assert.NoError(t, n.Close())
	assert.NoError(t, n.Close())
}

func TestConfiguration(t *testing.T) {
	assert.Empty(t, Configuration(nil).ICEServers)
	cfg := Configuration([]string{"stun:example.org:3478"})
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"stun:example.org:3478"}, cfg.ICEServers[0].URLs)
}
