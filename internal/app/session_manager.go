package app

import (
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/core"
	"github.com/dkeye/Studyroom/internal/domain"
)

type SessionManagerImpl struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]core.SessionService
}

func NewSessionManager() core.SessionManager {
	return &SessionManagerImpl{sessions: make(map[domain.SessionID]core.SessionService)}
}

func (m *SessionManagerImpl) GetOrCreate(id domain.SessionID) core.SessionService {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.sessions[id]; ok {
		return s
	}
	s = core.NewSessionService(&domain.Session{ID: id, Status: domain.StatusActive})
	m.sessions[id] = s
	log.Info().Str("module", "app.sessions").Str("session", string(id)).Msg("live session created")
	return s
}

func (m *SessionManagerImpl) Get(id domain.SessionID) (core.SessionService, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *SessionManagerImpl) List() []core.SessionInfo {
	m.mu.RLock()
	out := make([]core.SessionInfo, 0, len(m.sessions))
	for id, s := range m.sessions {
		out = append(out, core.SessionInfo{ID: id, MemberCount: s.MemberCount(), VoiceCount: len(s.VoiceSnapshot())})
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b core.SessionInfo) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

func (m *SessionManagerImpl) StopSession(id domain.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	log.Info().Str("module", "app.sessions").Str("session", string(id)).Msg("live session stopped")
}
