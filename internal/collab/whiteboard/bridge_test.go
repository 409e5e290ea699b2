package whiteboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dkeye/Studyroom/internal/domain"
	"github.com/dkeye/Studyroom/internal/protocol"
	"github.com/dkeye/Studyroom/internal/store"
)

func el(t *testing.T, id string, version int) domain.Element {
	t.Helper()
	e, err := domain.NewElement([]byte(fmt.Sprintf(`{"id":%q,"version":%d,"type":"rectangle","x":10}`, id, version)))
	require.NoError(t, err)
	return e
}

type pubRecorder struct {
	mu   sync.Mutex
	sent [][]domain.Element
}

func (p *pubRecorder) SendWhiteboardUpdate(elements []domain.Element, _ domain.AppState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, elements)
	return nil
}

func (p *pubRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func (p *pubRecorder) last() []domain.Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent[len(p.sent)-1]
}

type fixture struct {
	mock   *clock.Mock
	scene  *Scene
	pub    *pubRecorder
	store  *MockSnapshotStore
	bridge *Bridge
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &fixture{mock: clock.NewMock(), scene: NewScene(), pub: &pubRecorder{}, store: NewMockSnapshotStore(ctrl)}
	f.bridge = New(Config{}, "s1", "u1", f.scene, f.store, f.pub, WithClock(f.mock))
	return f
}

func (f *fixture) start(t *testing.T) {
	f.bridge.Start(context.Background())
	t.Cleanup(func() { _ = f.bridge.Stop() })
}

// advance moves the mock clock in small steps so the loops keep up.
func (f *fixture) advance(d time.Duration) {
	for step := time.Duration(0); step < d; step += 50 * time.Millisecond {
		f.mock.Add(50 * time.Millisecond)
	}
}

func TestLocalEditBroadcastOnce(t *testing.T) {
	f := newFixture(t)
	f.store.EXPECT().LoadSnapshot(gomock.Any(), domain.SessionID("s1")).Return(domain.Snapshot{}, store.ErrNotFound)
	f.start(t)

	f.scene.Upsert(el(t, "a", 1))
	f.scene.Upsert(el(t, "b", 1))
	require.Eventually(t, func() bool {
		f.advance(100 * time.Millisecond)
		return f.pub.count() == 1
	}, 2*time.Second, time.Millisecond)
	assert.Len(t, f.pub.last(), 2)

	f.advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.pub.count())

	f.scene.Upsert(el(t, "a", 2))
	require.Eventually(t, func() bool {
		f.advance(100 * time.Millisecond)
		return f.pub.count() == 2
	}, 2*time.Second, time.Millisecond)
}

func TestRemoteApplyIsNotRebroadcast(t *testing.T) {
	f := newFixture(t)
	f.store.EXPECT().LoadSnapshot(gomock.Any(), gomock.Any()).Return(domain.Snapshot{}, store.ErrNotFound)
	f.start(t)

	remote := []domain.Element{el(t, "r1", 3), el(t, "r2", 1)}
	f.bridge.ApplyRemote(remote, domain.AppState{ViewBackgroundColor: "#000"})
	assert.True(t, f.bridge.Applying())
	assert.Equal(t, Fingerprint(remote), Fingerprint(f.scene.Elements()))

	f.advance(3 * time.Second)
	require.Eventually(t, func() bool { return !f.bridge.Applying() }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, f.pub.count())
}

func TestLocalEditDuringSettleIsStillSent(t *testing.T) {
	f := newFixture(t)
	f.store.EXPECT().LoadSnapshot(gomock.Any(), gomock.Any()).Return(domain.Snapshot{}, errors.New("backend down"))
	f.start(t)

	f.bridge.ApplyRemote([]domain.Element{el(t, "r1", 1)}, domain.AppState{})
	f.scene.Upsert(el(t, "mine", 1))

	require.Eventually(t, func() bool {
		f.advance(100 * time.Millisecond)
		return f.pub.count() == 1
	}, 2*time.Second, time.Millisecond)
	assert.Len(t, f.pub.last(), 2)
}

func TestSeededSnapshotIsNotBroadcast(t *testing.T) {
	f := newFixture(t)
	snap := domain.Snapshot{Elements: []domain.Element{el(t, "a", 4)}, AppState: domain.AppState{Zoom: domain.Zoom{Value: 2}}}
	f.store.EXPECT().LoadSnapshot(gomock.Any(), gomock.Any()).Return(snap, nil)
	f.start(t)

	assert.Equal(t, 2.0, f.scene.AppState().Zoom.Value)
	f.advance(3 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, f.pub.count())
}

type chanSource struct {
	fn func(protocol.Event)
}

func (s *chanSource) Subscribe(_ protocol.Type, fn func(protocol.Event)) func() {
	s.fn = fn
	return func() {}
}

func TestAttachIgnoresOwnEcho(t *testing.T) {
	f := newFixture(t)
	src := &chanSource{}
	f.bridge.Attach(src)

	src.fn(protocol.WhiteboardChanged{UserID: "u1", Elements: []domain.Element{el(t, "x", 1)}})
	assert.Empty(t, f.scene.Elements())

	src.fn(protocol.WhiteboardChanged{UserID: "u2", Elements: []domain.Element{el(t, "y", 1)}})
	require.Len(t, f.scene.Elements(), 1)
	assert.Equal(t, "y", f.scene.Elements()[0].ID)
}

func TestAutosaveRetriesOnNextTick(t *testing.T) {
	f := newFixture(t)
	f.store.EXPECT().LoadSnapshot(gomock.Any(), gomock.Any()).Return(domain.Snapshot{}, store.ErrNotFound)

	var mu sync.Mutex
	calls := 0
	f.store.EXPECT().SaveSnapshot(gomock.Any(), domain.SessionID("s1"), gomock.Any()).DoAndReturn(
		func(context.Context, domain.SessionID, domain.Snapshot) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return errors.New("503")
			}
			return nil
		}).MinTimes(2)
	f.start(t)

	f.advance(30 * time.Second)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 1
	}, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, calls, "a failed save is not retried before the next tick")
	mu.Unlock()

	require.Eventually(t, func() bool {
		f.advance(time.Second)
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, 2*time.Second, time.Millisecond)
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	mem := store.NewMemory(0)
	app := domain.AppState{
		ViewBackgroundColor:    "#ffffff",
		CurrentItemStrokeColor: "#1e1e1e",
		CurrentItemFillStyle:   "hachure",
		CurrentItemStrokeWidth: 2,
		CurrentItemOpacity:     100,
		ScrollX:                -40.5,
		ScrollY:                12,
		Zoom:                   domain.Zoom{Value: 1.25},
	}
	src := NewScene()
	src.Apply([]domain.Element{el(t, "a", 1), el(t, "b", 7)}, app)
	a := New(Config{}, "s1", "u1", src, mem, &pubRecorder{}, WithClock(clock.NewMock()))
	require.NoError(t, a.Save(context.Background()))

	dst := NewScene()
	b := New(Config{}, "s1", "u2", dst, mem, &pubRecorder{}, WithClock(clock.NewMock()))
	b.Start(context.Background())
	defer b.Stop()

	want, err := json.Marshal(src.Elements())
	require.NoError(t, err)
	got, err := json.Marshal(dst.Elements())
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))
	assert.Equal(t, app, dst.AppState())
}

func TestStopBeforeStart(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.bridge.Stop(), ErrNotStarted)
}

func TestFingerprintTracksIDAndVersion(t *testing.T) {
	a := []domain.Element{el(t, "a", 1), el(t, "b", 1)}
	assert.Equal(t, Fingerprint(a), Fingerprint([]domain.Element{el(t, "a", 1), el(t, "b", 1)}))
	assert.NotEqual(t, Fingerprint(a), Fingerprint([]domain.Element{el(t, "a", 2), el(t, "b", 1)}))
	assert.NotEqual(t, Fingerprint(a), Fingerprint([]domain.Element{el(t, "ab", 1)}))
}
