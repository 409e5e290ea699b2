package signal

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/app/orch"
	"github.com/dkeye/Studyroom/internal/core"
	"github.com/dkeye/Studyroom/internal/protocol"
)

func (ctl *SignalWSController) handleSendMessage(
	ctx context.Context,
	cid core.ConnID,
	conn *WsSignalConn,
	ack uint64,
	ev protocol.SendMessage,
) {
	if _, ms, ok := ctl.Orch.Registry.SessionOf(cid); ok && ctl.Limiter != nil {
		if uid := ms.Meta().User.ID; !ctl.Limiter.Allow(uid) {
			log.Warn().Str("module", "signal").Str("cid", string(cid)).Str("user", string(uid)).Msg("chat rate limited")
			ctl.reply(conn, ack, protocol.Fail("rate_limited"))
			return
		}
	}
	ctl.respond(conn, ack, func(r orch.Reply) protocol.Acknowledgement { return ctl.Orch.SendChat(ctx, cid, ev, r) })
}
