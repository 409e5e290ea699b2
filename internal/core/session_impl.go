package core

import (
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/domain"
)

var ErrNotMember = errors.New("user is not a member of the session")

type memberSession struct {
	meta *domain.Member
	conn SignalConnection
}

func NewMemberSession(meta *domain.Member, conn SignalConnection) MemberSession {
	return &memberSession{meta: meta, conn: conn}
}

func (m *memberSession) Meta() *domain.Member     { return m.meta }
func (m *memberSession) Signal() SignalConnection { return m.conn }

type binding struct {
	cid  ConnID
	ms   MemberSession
	meta domain.Participant
}

// sessionImpl is a threadsafe in-memory live session.
// It never closes adapter-owned resources.
type sessionImpl struct {
	session *domain.Session
	op      sync.Mutex
	mu      sync.RWMutex
	byConn  map[ConnID]domain.UserID
	byUser  map[domain.UserID]*binding
	order   []domain.UserID
	voice   []domain.UserID
}

func NewSessionService(session *domain.Session) SessionService {
	return &sessionImpl{
		session: session,
		byConn:  make(map[ConnID]domain.UserID),
		byUser:  make(map[domain.UserID]*binding),
	}
}

func (s *sessionImpl) Session() *domain.Session { return s.session }

func (s *sessionImpl) Exclusive(fn func()) {
	s.op.Lock()
	defer s.op.Unlock()
	fn()
}

func (s *sessionImpl) MemberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byUser)
}

func (s *sessionImpl) Member(uid domain.UserID) (ConnID, MemberSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byUser[uid]
	if !ok {
		return "", nil, false
	}
	return b.cid, b.ms, true
}

func (s *sessionImpl) AddMember(cid ConnID, ms MemberSession) (ConnID, bool) {
	u := ms.Meta().User
	meta := u.Participant()
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev ConnID
	replaced := false
	if old, ok := s.byUser[u.ID]; ok {
		prev, replaced = old.cid, old.cid != cid
		delete(s.byConn, old.cid)
	} else {
		s.order = append(s.order, u.ID)
	}
	s.byUser[u.ID] = &binding{cid: cid, ms: ms, meta: meta}
	s.byConn[cid] = u.ID
	log.Info().Str("module", "core.session").Str("session", string(s.session.ID)).
		Str("cid", string(cid)).Str("user", string(u.ID)).Bool("replaced", replaced).Msg("member added")
	return prev, replaced
}

func (s *sessionImpl) RemoveMember(cid ConnID) (domain.UserID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid, ok := s.byConn[cid]
	if !ok {
		return "", false
	}
	delete(s.byConn, cid)
	delete(s.byUser, uid)
	s.order = slices.DeleteFunc(s.order, func(id domain.UserID) bool { return id == uid })
	s.voice = slices.DeleteFunc(s.voice, func(id domain.UserID) bool { return id == uid })
	log.Info().Str("module", "core.session").Str("session", string(s.session.ID)).
		Str("cid", string(cid)).Str("user", string(uid)).Msg("member removed")
	return uid, true
}

func (s *sessionImpl) MembersSnapshot() []domain.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Participant, 0, len(s.order))
	for _, uid := range s.order {
		out = append(out, s.byUser[uid].meta)
	}
	return out
}

// JoinVoice adds uid to the voice set and returns the peers that were already there.
func (s *sessionImpl) JoinVoice(uid domain.UserID) ([]domain.Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byUser[uid]; !ok {
		return nil, false
	}
	peers := make([]domain.Participant, 0, len(s.voice))
	for _, id := range s.voice {
		if id != uid {
			peers = append(peers, s.byUser[id].meta)
		}
	}
	if !slices.Contains(s.voice, uid) {
		s.voice = append(s.voice, uid)
	}
	s.byUser[uid].ms.Meta().InVoice = true
	return peers, true
}

func (s *sessionImpl) LeaveVoice(uid domain.UserID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := slices.Index(s.voice, uid)
	if idx < 0 {
		return false
	}
	s.voice = slices.Delete(s.voice, idx, idx+1)
	if b, ok := s.byUser[uid]; ok {
		b.ms.Meta().InVoice = false
	}
	return true
}

func (s *sessionImpl) InVoice(uid domain.UserID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.voice, uid)
}

func (s *sessionImpl) VoiceSnapshot() []domain.UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.voice)
}

func (s *sessionImpl) Broadcast(from ConnID, data Frame) PublishResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := PublishResult{}
	for cid, uid := range s.byConn {
		if cid == from {
			continue
		}
		m := s.byUser[uid].ms
		if err := m.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.session").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (s *sessionImpl) SendTo(uid domain.UserID, data Frame) error {
	s.mu.RLock()
	b, ok := s.byUser[uid]
	s.mu.RUnlock()
	if !ok {
		return ErrNotMember
	}
	return b.ms.Signal().TrySend(data)
}
