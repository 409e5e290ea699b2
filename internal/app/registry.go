package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/core"
	"github.com/dkeye/Studyroom/internal/domain"
)

type connEntry struct {
	Token     string
	Conn      core.SignalConnection
	SessionID domain.SessionID
	Member    core.MemberSession
	Cancel    context.CancelFunc
}

// Registry tracks every live websocket connection and the session it joined.
type Registry struct {
	mu    sync.RWMutex
	conns map[core.ConnID]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[core.ConnID]*connEntry)}
}

func (r *Registry) Bind(cid core.ConnID, token string, conn core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[cid] = &connEntry{Token: token, Conn: conn, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("cid", string(cid)).Str("token", token).Msg("bound connection")
}

func (r *Registry) Conn(cid core.ConnID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[cid]
	if !ok {
		return nil, false
	}
	return e.Conn, true
}

// Attach records that cid joined sid as ms.
func (r *Registry) Attach(cid core.ConnID, sid domain.SessionID, ms core.MemberSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[cid]
	if !ok {
		return false
	}
	e.SessionID = sid
	e.Member = ms
	log.Info().Str("module", "app.registry").Str("cid", string(cid)).Str("session", string(sid)).Msg("attached to session")
	return true
}

// SessionOf returns the session cid joined and the member it joined as.
func (r *Registry) SessionOf(cid core.ConnID) (domain.SessionID, core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[cid]
	if !ok || e.SessionID == "" {
		return "", nil, false
	}
	return e.SessionID, e.Member, true
}

func (r *Registry) Detach(cid core.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[cid]; ok {
		e.SessionID = ""
		e.Member = nil
	}
}

func (r *Registry) Unbind(cid core.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, cid)
	log.Info().Str("module", "app.registry").Str("cid", string(cid)).Msg("unbound connection")
}

// Cancel stops the pumps of cid; cleanup happens when its read pump exits.
func (r *Registry) Cancel(cid core.ConnID) bool {
	r.mu.RLock()
	e, ok := r.conns[cid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("cid", string(cid)).Msg("canceled connection")
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
