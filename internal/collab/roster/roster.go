// Package roster keeps who is connected to a session right now, and who may
// be there at all. Presence comes from the relay; enrollment from the backend.
// Access decisions only ever read enrollment.
package roster

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/collab/notify"
	"github.com/dkeye/Studyroom/internal/domain"
	"github.com/dkeye/Studyroom/internal/protocol"
)

// Source is where presence events come from; the session transport satisfies it.
type Source interface {
	Subscribe(typ protocol.Type, fn func(protocol.Event)) func()
}

// EnrollmentFetcher reads the backend's view of a session.
type EnrollmentFetcher interface {
	Session(ctx context.Context, sid domain.SessionID) (domain.Enrollment, error)
}

type Roster struct {
	self   domain.UserID
	notify notify.Notifier

	mu       sync.RWMutex
	present  []domain.Participant
	index    map[domain.UserID]int
	owner    domain.UserID
	enrolled map[domain.UserID]struct{}
}

func New(self domain.UserID, n notify.Notifier) *Roster {
	if n == nil {
		n = notify.Log{}
	}
	return &Roster{
		self:     self,
		notify:   n,
		index:    make(map[domain.UserID]int),
		enrolled: make(map[domain.UserID]struct{}),
	}
}

// Replace installs a join acknowledgment as the new baseline. Duplicates in
// the list keep their first position.
func (r *Roster) Replace(list []domain.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.present = r.present[:0]
	clear(r.index)
	for _, p := range list {
		if _, dup := r.index[p.UserID]; dup || p.UserID == "" {
			continue
		}
		r.index[p.UserID] = len(r.present)
		r.present = append(r.present, p)
	}
}

// Join adds p and reports whether it was new.
func (r *Roster) Join(p domain.Participant) bool {
	if p.UserID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[p.UserID]; ok {
		return false
	}
	r.index[p.UserID] = len(r.present)
	r.present = append(r.present, p)
	return true
}

// Leave removes uid and returns who left. An absent uid is a no-op.
func (r *Roster) Leave(uid domain.UserID) (domain.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[uid]
	if !ok {
		return domain.Participant{}, false
	}
	p := r.present[i]
	r.present = slices.Delete(r.present, i, i+1)
	delete(r.index, uid)
	for j := i; j < len(r.present); j++ {
		r.index[r.present[j].UserID] = j
	}
	return p, true
}

// Clear empties presence; enrollment is kept.
func (r *Roster) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.present = nil
	clear(r.index)
}

// Present lists connected participants in arrival order.
func (r *Roster) Present() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.present)
}

func (r *Roster) Has(uid domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[uid]
	return ok
}

func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.present)
}

func (r *Roster) SetEnrollment(owner domain.UserID, enrolled []domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owner = owner
	r.enrolled = make(map[domain.UserID]struct{}, len(enrolled))
	for _, uid := range enrolled {
		r.enrolled[uid] = struct{}{}
	}
}

func (r *Roster) Owner() domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owner
}

func (r *Roster) Enrolled(uid domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.enrolled[uid]
	return ok
}

// CanAccess is true for the owner and for enrolled users. Being present does
// not grant access.
func (r *Roster) CanAccess(uid domain.UserID) bool {
	if uid == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if uid == r.owner {
		return true
	}
	_, ok := r.enrolled[uid]
	return ok
}

// Reconcile refreshes enrollment from the backend.
func (r *Roster) Reconcile(ctx context.Context, sid domain.SessionID, f EnrollmentFetcher) (domain.Enrollment, error) {
	e, err := f.Session(ctx, sid)
	if err != nil {
		return domain.Enrollment{}, fmt.Errorf("fetch enrollment: %w", err)
	}
	r.SetEnrollment(e.Session.OwnerID, e.Enrolled)
	log.Debug().Str("module", "collab.roster").Str("session", string(sid)).Int("enrolled", len(e.Enrolled)).Msg("enrollment reconciled")
	return e, nil
}

// Attach follows presence events from src until the returned func is called.
func (r *Roster) Attach(src Source) func() {
	offs := []func(){
		src.Subscribe(protocol.TypeSessionJoined, r.handle),
		src.Subscribe(protocol.TypeUserJoined, r.handle),
		src.Subscribe(protocol.TypeUserLeft, r.handle),
		src.Subscribe(protocol.TypeConnectionState, r.handle),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

func (r *Roster) handle(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.SessionJoined:
		r.Replace(e.Ack.Participants)
	case protocol.UserJoined:
		p := e.Participant()
		if r.Join(p) && p.UserID != r.self {
			r.notify.Info(fmt.Sprintf("%s joined", displayName(p)))
		}
	case protocol.UserLeft:
		if p, ok := r.Leave(e.UserID); ok && p.UserID != r.self {
			r.notify.Info(fmt.Sprintf("%s left", displayName(p)))
		}
	case protocol.ConnectionState:
		if e.State == protocol.StateDisconnected || e.State == protocol.StateFailed {
			r.Clear()
		}
	}
}

func displayName(p domain.Participant) string {
	if p.UserName != "" {
		return p.UserName
	}
	return string(p.UserID)
}
