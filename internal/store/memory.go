package store

import (
	"context"
	"slices"
	"sync"

	"github.com/dkeye/Studyroom/internal/domain"
)

type sessionRecord struct {
	meta     domain.Session
	enrolled []domain.UserID
}

// Memory keeps everything in process. Used by default and in tests.
type Memory struct {
	mu        sync.RWMutex
	limit     int
	snapshots map[domain.SessionID]domain.Snapshot
	messages  map[domain.SessionID][]domain.ChatMessage
	seen      map[domain.MessageID]struct{}
	sessions  map[domain.SessionID]*sessionRecord
}

func NewMemory(historyLimit int) *Memory {
	return &Memory{
		limit:     historyLimit,
		snapshots: make(map[domain.SessionID]domain.Snapshot),
		messages:  make(map[domain.SessionID][]domain.ChatMessage),
		seen:      make(map[domain.MessageID]struct{}),
		sessions:  make(map[domain.SessionID]*sessionRecord),
	}
}

func (m *Memory) LoadSnapshot(_ context.Context, sid domain.SessionID) (domain.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[sid]
	if !ok {
		return domain.Snapshot{}, ErrNotFound
	}
	return domain.Snapshot{Elements: slices.Clone(snap.Elements), AppState: snap.AppState}, nil
}

func (m *Memory) SaveSnapshot(_ context.Context, sid domain.SessionID, snap domain.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[sid] = domain.Snapshot{Elements: slices.Clone(snap.Elements), AppState: snap.AppState}
	return nil
}

func (m *Memory) AppendMessage(_ context.Context, msg domain.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.seen[msg.ID]; dup {
		return nil
	}
	m.seen[msg.ID] = struct{}{}
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], msg)
	return nil
}

func (m *Memory) Messages(_ context.Context, sid domain.SessionID, limit int) ([]domain.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.messages[sid]
	n := historyLimit(limit, m.limit)
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return slices.Clone(all), nil
}

func (m *Memory) Session(_ context.Context, sid domain.SessionID) (domain.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sid]
	if !ok {
		return domain.Enrollment{}, ErrNotFound
	}
	return domain.Enrollment{Session: rec.meta, Enrolled: slices.Clone(rec.enrolled)}, nil
}

func (m *Memory) PutSession(_ context.Context, s domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[s.ID]; ok {
		rec.meta = s
		return nil
	}
	m.sessions[s.ID] = &sessionRecord{meta: s}
	return nil
}

func (m *Memory) Enroll(_ context.Context, sid domain.SessionID, uid domain.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sid]
	if !ok {
		return ErrNotFound
	}
	if !slices.Contains(rec.enrolled, uid) {
		rec.enrolled = append(rec.enrolled, uid)
	}
	return nil
}

func (m *Memory) Close() error { return nil }
