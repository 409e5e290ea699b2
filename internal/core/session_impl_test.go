package core

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Studyroom/internal/domain"
)

var errFull = errors.New("full")

type fakeConn struct {
	mu     sync.Mutex
	frames []Frame
	full   bool
}

func (c *fakeConn) TrySend(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return errFull
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {}

func member(id, name string) (MemberSession, *fakeConn) {
	c := &fakeConn{}
	u := &domain.User{ID: domain.UserID(id), Username: name, Role: domain.RoleStudent}
	return NewMemberSession(domain.NewMember(u), c), c
}

func TestSessionMembersKeepInsertionOrder(t *testing.T) {
	s := NewSessionService(&domain.Session{ID: "s1"})
	for _, id := range []string{"c", "a", "b"} {
		ms, _ := member(id, "user-"+id)
		s.AddMember(ConnID("conn-"+id), ms)
	}
	snap := s.MembersSnapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []domain.UserID{"c", "a", "b"}, []domain.UserID{snap[0].UserID, snap[1].UserID, snap[2].UserID})
}

func TestSessionRejoinReplacesBinding(t *testing.T) {
	s := NewSessionService(&domain.Session{ID: "s1"})
	first, _ := member("u1", "ann")
	second, _ := member("u1", "ann")

	_, replaced := s.AddMember("conn-1", first)
	assert.False(t, replaced)
	prev, replaced := s.AddMember("conn-2", second)
	assert.True(t, replaced)
	assert.Equal(t, ConnID("conn-1"), prev)
	assert.Equal(t, 1, s.MemberCount())

	// The stale connection closing must not evict the live one.
	_, removed := s.RemoveMember("conn-1")
	assert.False(t, removed)
	assert.Equal(t, 1, s.MemberCount())

	uid, removed := s.RemoveMember("conn-2")
	assert.True(t, removed)
	assert.Equal(t, domain.UserID("u1"), uid)
	assert.Zero(t, s.MemberCount())
}

func TestSessionVoiceSetReturnsExistingPeers(t *testing.T) {
	s := NewSessionService(&domain.Session{ID: "s1"})
	for _, id := range []string{"a", "b", "c"} {
		ms, _ := member(id, id)
		s.AddMember(ConnID(id), ms)
	}

	peers, ok := s.JoinVoice("a")
	require.True(t, ok)
	assert.Empty(t, peers)

	peers, _ = s.JoinVoice("b")
	require.Len(t, peers, 1)
	assert.Equal(t, domain.UserID("a"), peers[0].UserID)

	peers, _ = s.JoinVoice("c")
	assert.Len(t, peers, 2)

	assert.True(t, s.LeaveVoice("b"))
	assert.False(t, s.LeaveVoice("b"))
	assert.Equal(t, []domain.UserID{"a", "c"}, s.VoiceSnapshot())

	_, ok = s.JoinVoice("stranger")
	assert.False(t, ok)

	s.RemoveMember("a")
	assert.False(t, s.InVoice("a"))
}

func TestSessionBroadcastSkipsSenderAndReportsDropped(t *testing.T) {
	s := NewSessionService(&domain.Session{ID: "s1"})
	a, ca := member("a", "a")
	b, cb := member("b", "b")
	c, cc := member("c", "c")
	cc.full = true
	s.AddMember("a", a)
	s.AddMember("b", b)
	s.AddMember("c", c)

	res := s.Broadcast("a", Frame("hi"))
	assert.Equal(t, 1, res.SendTo)
	require.Len(t, res.Dropped, 1)
	assert.Same(t, c, res.Dropped[0])
	assert.Empty(t, ca.frames)
	assert.Len(t, cb.frames, 1)

	require.NoError(t, s.SendTo("a", Frame("direct")))
	assert.Len(t, ca.frames, 1)
	assert.ErrorIs(t, s.SendTo("zed", Frame("x")), ErrNotMember)
}
