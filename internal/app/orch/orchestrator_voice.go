package orch

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/core"
	"github.com/dkeye/Studyroom/internal/protocol"
)

const (
	errPeerNotFound   = "peer not found"
	errTargetNotFound = "target peer not found"
)

// JoinVoice acks the peers already in voice; they are told about the newcomer,
// and the newcomer initiates toward each of them. The ack is queued before
// peer_joined, inside the session's exclusive section, so a peer announced to
// the joiner later was never part of its ack.
func (o *Orchestrator) JoinVoice(cid core.ConnID, _ protocol.VoiceJoin, reply Reply) protocol.VoiceJoinAck {
	sess, user, ok := o.member(cid)
	if !ok {
		return protocol.VoiceJoinAck{Result: protocol.Fail(errNotInSession)}
	}
	ack := protocol.VoiceJoinAck{Result: protocol.Fail(errNotInSession)}
	sess.Exclusive(func() {
		peers, ok := sess.JoinVoice(user.ID)
		if !ok {
			return
		}
		ack = protocol.VoiceJoinAck{Result: protocol.OK(), Peers: peers}
		reply.send(ack)
		o.broadcast(sess, cid, protocol.PeerJoined{UserID: user.ID, UserName: user.Username})
	})
	if ack.Success {
		log.Info().Str("module", "orch").Str("session", string(sess.Session().ID)).Str("user", string(user.ID)).Int("peers", len(ack.Peers)).Msg("joined voice")
	}
	return ack
}

func (o *Orchestrator) LeaveVoice(cid core.ConnID, reply Reply) protocol.Result {
	sess, user, ok := o.member(cid)
	if !ok {
		return protocol.Fail(errNotInSession)
	}
	res := protocol.Fail(errPeerNotFound)
	sess.Exclusive(func() {
		if !sess.LeaveVoice(user.ID) {
			return
		}
		res = protocol.OK()
		reply.send(res)
		o.broadcast(sess, cid, protocol.PeerLeft{UserID: user.ID})
	})
	if res.Success {
		log.Info().Str("module", "orch").Str("session", string(sess.Session().ID)).Str("user", string(user.ID)).Msg("left voice")
	}
	return res
}

// RelaySignal forwards an opaque negotiation payload to its target only.
// The source is always the sender's own identity.
func (o *Orchestrator) RelaySignal(cid core.ConnID, ev protocol.Signal) protocol.Result {
	sess, user, ok := o.member(cid)
	if !ok {
		return protocol.Fail(errNotInSession)
	}
	if ev.TargetUserID == "" || !sess.InVoice(ev.TargetUserID) {
		log.Warn().Str("module", "orch").Str("from", string(user.ID)).Str("target", string(ev.TargetUserID)).Msg("signal target not in voice")
		return protocol.Fail(errTargetNotFound)
	}
	data, err := protocol.Encode(protocol.Signal{
		SessionID:    sess.Session().ID,
		FromUserID:   user.ID,
		TargetUserID: ev.TargetUserID,
		Signal:       ev.Signal,
	}, 0)
	if err != nil {
		return protocol.Fail(err.Error())
	}
	err = sess.SendTo(ev.TargetUserID, data)
	switch {
	case err == nil:
		return protocol.OK()
	case errors.Is(err, core.ErrNotMember):
		return protocol.Fail(errTargetNotFound)
	default:
		if _, target, ok := sess.Member(ev.TargetUserID); ok {
			o.applyPolicy(sess, []core.MemberSession{target})
		}
		return protocol.Fail("target peer unreachable")
	}
}
