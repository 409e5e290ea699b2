package orch

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/app"
	"github.com/dkeye/Studyroom/internal/core"
	"github.com/dkeye/Studyroom/internal/domain"
	"github.com/dkeye/Studyroom/internal/protocol"
)

// MessageStore is where relayed chat messages are persisted.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg domain.ChatMessage) error
}

type Orchestrator struct {
	Registry *app.Registry
	Sessions core.SessionManager
	Policy   app.Policy
	Chat     MessageStore
	Clock    clock.Clock
}

// Reply acknowledges the request being handled. Handlers call it before they
// announce the change to others; a nil Reply is ignored.
type Reply func(protocol.Acknowledgement)

func (r Reply) send(body protocol.Acknowledgement) {
	if r != nil {
		r(body)
	}
}

func (o *Orchestrator) Now() time.Time {
	if o.Clock == nil {
		return time.Now()
	}
	return o.Clock.Now()
}

// member resolves the session and identity cid joined with.
func (o *Orchestrator) member(cid core.ConnID) (core.SessionService, *domain.User, bool) {
	sid, ms, ok := o.Registry.SessionOf(cid)
	if !ok {
		return nil, nil, false
	}
	sess, ok := o.Sessions.Get(sid)
	if !ok {
		return nil, nil, false
	}
	return sess, ms.Meta().User, true
}

// broadcast fans ev out to every member except from. An empty from reaches everyone.
func (o *Orchestrator) broadcast(sess core.SessionService, from core.ConnID, ev protocol.Event) {
	data, err := protocol.Encode(ev, 0)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode broadcast")
		return
	}
	res := sess.Broadcast(from, data)
	o.applyPolicy(sess, res.Dropped)
}

func (o *Orchestrator) applyPolicy(sess core.SessionService, dropped []core.MemberSession) {
	if o.Policy == nil {
		return
	}
	for _, slow := range dropped {
		switch o.Policy.OnBackPressure(sess, slow) {
		case app.KickMember:
			cid, cur, ok := sess.Member(slow.Meta().User.ID)
			if ok && cur == slow {
				log.Warn().Str("module", "orch").Str("cid", string(cid)).Str("user", string(slow.Meta().User.ID)).Msg("kicking slow member")
				o.Kick(cid)
			}
		case app.MarkSlow, app.DropFrame, app.NoAction:
		}
	}
}

// Kick closes the connection; the usual disconnect cleanup follows.
func (o *Orchestrator) Kick(cid core.ConnID) {
	o.Registry.Cancel(cid)
}

// EvictSession disconnects everyone from a live session and forgets it.
func (o *Orchestrator) EvictSession(sid domain.SessionID) {
	sess, ok := o.Sessions.Get(sid)
	if !ok {
		return
	}
	for _, p := range sess.MembersSnapshot() {
		if cid, _, ok := sess.Member(p.UserID); ok {
			o.Kick(cid)
		}
	}
	o.Sessions.StopSession(sid)
	log.Info().Str("module", "orch").Str("session", string(sid)).Msg("session evicted")
}
