package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Studyroom/internal/core"
	"github.com/dkeye/Studyroom/internal/domain"
)

type nopConn struct{}

func (nopConn) TrySend(core.Frame) error { return nil }
func (nopConn) Close()                   {}

func TestRegistryAttachDetach(t *testing.T) {
	r := NewRegistry()
	canceled := false
	r.Bind("c1", "token", nopConn{}, func() { canceled = true })

	_, _, ok := r.SessionOf("c1")
	assert.False(t, ok, "not joined yet")

	u, err := domain.NewUser("u1", "ann", "")
	require.NoError(t, err)
	ms := core.NewMemberSession(domain.NewMember(u), nopConn{})
	require.True(t, r.Attach("c1", "s1", ms))
	assert.False(t, r.Attach("missing", "s1", ms))

	sid, got, ok := r.SessionOf("c1")
	require.True(t, ok)
	assert.Equal(t, domain.SessionID("s1"), sid)
	assert.Same(t, ms, got)

	r.Detach("c1")
	_, _, ok = r.SessionOf("c1")
	assert.False(t, ok)

	assert.True(t, r.Cancel("c1"))
	assert.True(t, canceled)
	r.Unbind("c1")
	assert.False(t, r.Cancel("c1"))
	assert.Zero(t, r.Len())
}

func TestSessionManagerGetOrCreate(t *testing.T) {
	m := NewSessionManager()
	a := m.GetOrCreate("b")
	assert.Same(t, a, m.GetOrCreate("b"))
	m.GetOrCreate("a")

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, domain.SessionID("a"), list[0].ID)

	m.StopSession("b")
	_, ok := m.Get("b")
	assert.False(t, ok)
}
