package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/app/orch"
	"github.com/dkeye/Studyroom/internal/core"
	"github.com/dkeye/Studyroom/internal/protocol"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cid core.ConnID, c *WsSignalConn, cancel context.CancelFunc) {
	defer func() {
		log.Info().Str("module", "signal").Str("cid", string(cid)).Msg("readPump closing")
		if _, ms, ok := ctl.Orch.Registry.SessionOf(cid); ok && ctl.Limiter != nil {
			ctl.Limiter.Forget(ms.Meta().User.ID)
		}
		ctl.Orch.LeaveSession(cid)
		ctl.Orch.Registry.Unbind(cid)
		cancel()
		c.Close()
	}()

	pongWait := ctl.opts.PingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error().Err(err).Str("module", "signal").Str("cid", string(cid)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		ctl.handleFrame(ctx, cid, c, data)
	}
}

// handleFrame runs on the read goroutine, so frames of one connection are
// handled strictly in arrival order.
func (ctl *SignalWSController) handleFrame(ctx context.Context, cid core.ConnID, c *WsSignalConn, data []byte) {
	f, err := protocol.ParseFrame(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("cid", string(cid)).Msg("bad json")
		ctl.sendError(c, "bad_frame")
		return
	}
	ev, err := protocol.Decode(f)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("cid", string(cid)).Str("type", string(f.Type)).Msg("undecodable frame")
		ctl.reply(c, f.Ack, protocol.Fail("bad_payload"))
		return
	}

	switch e := ev.(type) {
	case protocol.JoinSession:
		ctl.respond(c, f.Ack, func(r orch.Reply) protocol.Acknowledgement { return ctl.Orch.JoinSession(cid, e, r) })
	case protocol.SendMessage:
		ctl.handleSendMessage(ctx, cid, c, f.Ack, e)
	case protocol.WhiteboardUpdate:
		ctl.reply(c, f.Ack, ctl.Orch.UpdateWhiteboard(cid, e))
	case protocol.VoiceJoin:
		ctl.respond(c, f.Ack, func(r orch.Reply) protocol.Acknowledgement { return ctl.Orch.JoinVoice(cid, e, r) })
	case protocol.VoiceLeave:
		ctl.respond(c, f.Ack, func(r orch.Reply) protocol.Acknowledgement { return ctl.Orch.LeaveVoice(cid, r) })
	case protocol.Signal:
		ctl.reply(c, f.Ack, ctl.Orch.RelaySignal(cid, e))
	case protocol.Ping:
		ctl.handlePing(c)
	case protocol.Pong:
	default:
		log.Warn().Str("module", "signal").Str("type", string(ev.Type())).Msg("unsupported signal")
		ctl.reply(c, f.Ack, protocol.Fail("unsupported"))
	}
}

// respond lets the orchestrator ack mid-operation, ahead of what it announces.
// Requests it did not ack itself are answered with the returned body.
func (ctl *SignalWSController) respond(c *WsSignalConn, ack uint64, run func(orch.Reply) protocol.Acknowledgement) {
	sent := false
	body := run(func(b protocol.Acknowledgement) {
		sent = true
		ctl.reply(c, ack, b)
	})
	if !sent {
		ctl.reply(c, ack, body)
	}
}

// reply answers with an ack when one was requested. Without one, only failures
// are reported, as an error frame.
func (ctl *SignalWSController) reply(c *WsSignalConn, ack uint64, body protocol.Acknowledgement) {
	if ack == 0 {
		if res := body.Outcome(); !res.Success {
			ctl.sendError(c, res.Error)
		}
		return
	}
	data, err := protocol.EncodeAck(ack, body)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode ack")
		return
	}
	_ = c.TrySend(data)
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, msg string) {
	ctl.send(c, protocol.ErrorEvent{Error: msg})
}

func (ctl *SignalWSController) send(c *WsSignalConn, ev protocol.Event) {
	data, err := protocol.Encode(ev, 0)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("send marshal")
		return
	}
	_ = c.TrySend(data)
}
