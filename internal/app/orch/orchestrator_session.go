package orch

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/core"
	"github.com/dkeye/Studyroom/internal/domain"
	"github.com/dkeye/Studyroom/internal/protocol"
)

const (
	errMissingIdentity = "missing session_id or user_id"
	errNotInSession    = "not in session"
)

// JoinSession binds cid to the session as the given user. A user joining again
// from another connection takes over the binding; the old connection is detached.
// The ack goes out before user_joined, so everyone announced to the joiner
// afterwards is missing from its participant list.
func (o *Orchestrator) JoinSession(cid core.ConnID, ev protocol.JoinSession, reply Reply) protocol.JoinAck {
	if ev.SessionID == "" || ev.UserID == "" {
		return protocol.JoinAck{Result: protocol.Fail(errMissingIdentity)}
	}
	name := ev.UserName
	if name == "" {
		name = string(ev.UserID)
	}
	user, err := domain.NewUser(ev.UserID, name, ev.Role)
	if err != nil {
		return protocol.JoinAck{Result: protocol.Fail(err.Error())}
	}
	conn, ok := o.Registry.Conn(cid)
	if !ok {
		return protocol.JoinAck{Result: protocol.Fail("connection closed")}
	}

	if cur, ms, ok := o.Registry.SessionOf(cid); ok && (cur != ev.SessionID || ms.Meta().User.ID != ev.UserID) {
		o.LeaveSession(cid)
	}

	ms := core.NewMemberSession(domain.NewMember(user), conn)
	sess := o.Sessions.GetOrCreate(ev.SessionID)
	var ack protocol.JoinAck
	sess.Exclusive(func() {
		if prev, replaced := sess.AddMember(cid, ms); replaced {
			o.Registry.Detach(prev)
			log.Info().Str("module", "orch").Str("cid", string(cid)).Str("prev", string(prev)).Str("user", string(user.ID)).Msg("binding replaced")
		}
		o.Registry.Attach(cid, ev.SessionID, ms)

		ack = protocol.JoinAck{
			Result:       protocol.OK(),
			Participants: sess.MembersSnapshot(),
			Peers:        sess.VoiceSnapshot(),
		}
		reply.send(ack)
		o.broadcast(sess, cid, protocol.UserJoined{
			SessionID: ev.SessionID,
			UserID:    user.ID,
			UserName:  user.Username,
			Role:      user.Role,
		})
	})
	log.Info().Str("module", "orch").Str("cid", string(cid)).Str("session", string(ev.SessionID)).Str("user", string(user.ID)).Msg("joined session")
	return ack
}

// LeaveSession runs on disconnect: voice first, then presence.
func (o *Orchestrator) LeaveSession(cid core.ConnID) {
	sid, ms, ok := o.Registry.SessionOf(cid)
	if !ok {
		return
	}
	o.Registry.Detach(cid)
	sess, ok := o.Sessions.Get(sid)
	if !ok {
		return
	}
	uid := ms.Meta().User.ID
	sess.Exclusive(func() {
		if cur, _, ok := sess.Member(uid); !ok || cur != cid {
			return
		}
		if sess.LeaveVoice(uid) {
			o.broadcast(sess, cid, protocol.PeerLeft{UserID: uid})
		}
		if _, removed := sess.RemoveMember(cid); removed {
			o.broadcast(sess, cid, protocol.UserLeft{SessionID: sid, UserID: uid})
		}
		log.Info().Str("module", "orch").Str("cid", string(cid)).Str("session", string(sid)).Str("user", string(uid)).Msg("left session")

		if sess.MemberCount() == 0 {
			o.Sessions.StopSession(sid)
		}
	})
}

// SendChat persists the message and echoes it to everyone, sender included.
// The sender gets its ack ahead of the echo.
func (o *Orchestrator) SendChat(ctx context.Context, cid core.ConnID, ev protocol.SendMessage, reply Reply) protocol.Result {
	sess, user, ok := o.member(cid)
	if !ok {
		return protocol.Fail(errNotInSession)
	}
	sid := sess.Session().ID
	if ev.SessionID != "" && ev.SessionID != sid {
		return protocol.Fail("session mismatch")
	}
	msg := ev.Message
	if strings.TrimSpace(msg.Content) == "" {
		return protocol.Fail("empty message")
	}
	if msg.ID == "" {
		msg.ID = domain.MessageID(uuid.NewString())
	}
	msg.SessionID = sid
	msg.SenderID = user.ID
	if msg.SenderName == "" {
		msg.SenderName = user.Username
	}
	if msg.SenderRole == "" {
		msg.SenderRole = user.Role
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = o.Now().UTC()
	}

	if o.Chat != nil {
		saveCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := o.Chat.AppendMessage(saveCtx, msg); err != nil {
			log.Error().Err(err).Str("module", "orch").Str("session", string(sid)).Str("message", string(msg.ID)).Msg("persist chat message")
		}
		cancel()
	}

	reply.send(protocol.OK())
	o.broadcast(sess, "", protocol.NewMessage{ChatMessage: msg})
	return protocol.OK()
}

// UpdateWhiteboard relays a whiteboard update to everyone but the sender.
func (o *Orchestrator) UpdateWhiteboard(cid core.ConnID, ev protocol.WhiteboardUpdate) protocol.Result {
	sess, user, ok := o.member(cid)
	if !ok {
		return protocol.Fail(errNotInSession)
	}
	o.broadcast(sess, cid, protocol.WhiteboardChanged{
		UserID:   user.ID,
		Elements: ev.Elements,
		AppState: ev.AppState,
	})
	return protocol.OK()
}
