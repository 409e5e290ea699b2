package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpadapter "github.com/dkeye/Studyroom/internal/adapters/http"
	"github.com/dkeye/Studyroom/internal/app/orch"
	"github.com/dkeye/Studyroom/internal/collab/notify"
	"github.com/dkeye/Studyroom/internal/config"
	"github.com/dkeye/Studyroom/internal/domain"
	"github.com/dkeye/Studyroom/internal/protocol"
	"github.com/dkeye/Studyroom/internal/store"
)

type relay struct {
	srv  *httptest.Server
	orch *orch.Orchestrator
	url  string
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Mode:       "test",
		Secret:     "test-secret",
		ReadLimit:  1 << 20,
		PingPeriod: time.Minute,
		SendBuffer: 32,
		ChatRate:   config.RateConfig{Limit: 100, Interval: time.Second},
	}
	ctx, cancel := context.WithCancel(context.Background())
	r, o := httpadapter.Build(ctx, cfg, store.NewMemory(0))
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &relay{srv: srv, orch: o, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"}
}

func newClient(t *testing.T, url string, mock *clock.Mock, rec *notify.Recorder) *Transport {
	t.Helper()
	tr := New(Config{
		URL:               url,
		ReconnectAttempts: 3,
		ReconnectDelay:    time.Second,
		AckTimeout:        time.Hour,
		PingPeriod:        time.Hour,
	}, WithClock(mock), WithNotifier(rec))
	t.Cleanup(tr.Disconnect)
	return tr
}

// collector gathers events of one type from the dispatch goroutine.
type collector[E protocol.Event] struct {
	mu     sync.Mutex
	events []E
}

func collect[E protocol.Event](tr *Transport) (*collector[E], func()) {
	c := &collector[E]{}
	off := On(tr, func(e E) {
		c.mu.Lock()
		c.events = append(c.events, e)
		c.mu.Unlock()
	})
	return c, off
}

func (c *collector[E]) all() []E {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]E(nil), c.events...)
}

func (c *collector[E]) len() int { return len(c.all()) }

const wait = 2 * time.Second
const tick = 10 * time.Millisecond

func TestConnectDeferredUntilIdentityComplete(t *testing.T) {
	rl := newRelay(t)
	tr := newClient(t, rl.url, clock.NewMock(), &notify.Recorder{})

	ack, err := tr.Connect(context.Background(), "s1", "", "Ann")
	require.NoError(t, err)
	assert.Nil(t, ack)
	assert.Equal(t, protocol.StateDisconnected, tr.State())
	assert.Empty(t, rl.orch.Sessions.List())
}

func TestConnectReturnsBaselineAndEmitsSessionJoined(t *testing.T) {
	rl := newRelay(t)
	tr := newClient(t, rl.url, clock.NewMock(), &notify.Recorder{})
	joined, _ := collect[protocol.SessionJoined](tr)
	states, _ := collect[protocol.ConnectionState](tr)

	ack, err := tr.Connect(context.Background(), "s1", "u1", "Ann")
	require.NoError(t, err)
	require.NotNil(t, ack)
	assert.True(t, ack.Success)
	require.Len(t, ack.Participants, 1)
	assert.Equal(t, domain.UserID("u1"), ack.Participants[0].UserID)
	assert.True(t, tr.Connected())

	require.Eventually(t, func() bool { return joined.len() == 1 }, wait, tick)
	assert.False(t, joined.all()[0].Reconnect)
	got := states.all()
	require.GreaterOrEqual(t, len(got), 2)
	assert.Equal(t, protocol.StateConnecting, got[0].State)
	assert.Equal(t, protocol.StateConnected, got[1].State)
}

func TestConnectIsIdempotentForSameIdentity(t *testing.T) {
	rl := newRelay(t)
	tr := newClient(t, rl.url, clock.NewMock(), &notify.Recorder{})
	joined, _ := collect[protocol.SessionJoined](tr)

	first, err := tr.Connect(context.Background(), "s1", "u1", "Ann")
	require.NoError(t, err)
	second, err := tr.Connect(context.Background(), "s1", "u1", "Ann")
	require.NoError(t, err)
	assert.Equal(t, first.Participants, second.Participants)

	require.Eventually(t, func() bool { return joined.len() == 1 }, wait, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, joined.len())
	assert.Equal(t, 1, rl.orch.Registry.Len())
}

func TestSendWhileDisconnectedFails(t *testing.T) {
	rec := &notify.Recorder{}
	tr := New(Config{URL: "ws://127.0.0.1:1/none"}, WithNotifier(rec))

	err := tr.SendChat(domain.ChatMessage{Content: "hi"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, tr.LeaveVoice(), ErrNotConnected)

	done := make(chan error, 1)
	tr.JoinVoice(func(_ protocol.VoiceJoinAck, err error) { done <- err })
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(wait):
		t.Fatal("voice join callback not called")
	}
	assert.Len(t, rec.Messages(notify.KindError), 3)
}

func TestChatEchoAndUnsubscribe(t *testing.T) {
	rl := newRelay(t)
	mock := clock.NewMock()
	a := newClient(t, rl.url, mock, &notify.Recorder{})
	b := newClient(t, rl.url, mock, &notify.Recorder{})

	_, err := a.Connect(context.Background(), "s1", "u1", "Ann")
	require.NoError(t, err)
	_, err = b.Connect(context.Background(), "s1", "u2", "Bob")
	require.NoError(t, err)

	onA, offA := collect[protocol.NewMessage](a)
	onB, _ := collect[protocol.NewMessage](b)

	msg := domain.NewChatMessage("s1", domain.Participant{UserID: "u1", UserName: "Ann"}, "hello", time.Now())
	require.NoError(t, a.SendChat(msg))

	require.Eventually(t, func() bool { return onA.len() == 1 && onB.len() == 1 }, wait, tick)
	assert.Equal(t, msg.ID, onA.all()[0].ID)
	assert.Equal(t, "hello", onB.all()[0].Content)

	offA()
	offA()
	require.NoError(t, b.SendChat(domain.NewChatMessage("s1", domain.Participant{UserID: "u2", UserName: "Bob"}, "again", time.Now())))
	require.Eventually(t, func() bool { return onB.len() == 2 }, wait, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, onA.len())
}

func TestJoinVoiceReturnsPeers(t *testing.T) {
	rl := newRelay(t)
	mock := clock.NewMock()
	a := newClient(t, rl.url, mock, &notify.Recorder{})
	b := newClient(t, rl.url, mock, &notify.Recorder{})
	_, err := a.Connect(context.Background(), "s1", "u1", "Ann")
	require.NoError(t, err)
	_, err = b.Connect(context.Background(), "s1", "u2", "Bob")
	require.NoError(t, err)

	peerJoined, _ := collect[protocol.PeerJoined](a)

	joinVoice := func(tr *Transport) protocol.VoiceJoinAck {
		done := make(chan protocol.VoiceJoinAck, 1)
		tr.JoinVoice(func(ack protocol.VoiceJoinAck, err error) {
			assert.NoError(t, err)
			done <- ack
		})
		select {
		case ack := <-done:
			return ack
		case <-time.After(wait):
			t.Fatal("no voice ack")
			return protocol.VoiceJoinAck{}
		}
	}

	assert.Empty(t, joinVoice(a).Peers)
	ack := joinVoice(b)
	require.Len(t, ack.Peers, 1)
	assert.Equal(t, domain.UserID("u1"), ack.Peers[0].UserID)
	require.Eventually(t, func() bool { return peerJoined.len() == 1 }, wait, tick)
	assert.Equal(t, domain.UserID("u2"), peerJoined.all()[0].UserID)
}

func TestReconnectRejoinsAfterServerDrop(t *testing.T) {
	rl := newRelay(t)
	mock := clock.NewMock()
	rec := &notify.Recorder{}
	tr := newClient(t, rl.url, mock, rec)
	joined, _ := collect[protocol.SessionJoined](tr)
	states, _ := collect[protocol.ConnectionState](tr)

	_, err := tr.Connect(context.Background(), "s1", "u1", "Ann")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return joined.len() == 1 }, wait, tick)

	rl.orch.EvictSession("s1")
	require.Eventually(t, func() bool { return tr.State() == protocol.StateReconnecting }, wait, tick)

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return joined.len() == 2
	}, wait, tick)
	assert.True(t, joined.all()[1].Reconnect)
	assert.True(t, tr.Connected())
	assert.Contains(t, rec.Messages(notify.KindSuccess), "Reconnected")

	var seen []protocol.State
	for _, s := range states.all() {
		seen = append(seen, s.State)
	}
	assert.Contains(t, seen, protocol.StateReconnecting)
	assert.Equal(t, protocol.StateConnected, seen[len(seen)-1])
}

func TestReconnectGivesUpWhenRelayIsGone(t *testing.T) {
	rl := newRelay(t)
	mock := clock.NewMock()
	rec := &notify.Recorder{}
	tr := newClient(t, rl.url, mock, rec)

	_, err := tr.Connect(context.Background(), "s1", "u1", "Ann")
	require.NoError(t, err)

	rl.srv.Close()
	rl.orch.EvictSession("s1")

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return tr.State() == protocol.StateFailed
	}, wait, tick)
	require.Eventually(t, func() bool { return len(rec.Messages(notify.KindPersistent)) == 1 }, wait, tick)

	assert.ErrorIs(t, tr.SendChat(domain.ChatMessage{Content: "x"}), ErrNotConnected)
}

func TestDisconnectIsAlwaysSafe(t *testing.T) {
	rl := newRelay(t)
	tr := newClient(t, rl.url, clock.NewMock(), &notify.Recorder{})
	tr.Disconnect()

	_, err := tr.Connect(context.Background(), "s1", "u1", "Ann")
	require.NoError(t, err)
	tr.Disconnect()
	tr.Disconnect()
	assert.Equal(t, protocol.StateDisconnected, tr.State())
	require.Eventually(t, func() bool { return rl.orch.Registry.Len() == 0 }, wait, tick)
}
