package signal

import "github.com/dkeye/Studyroom/internal/protocol"

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.send(conn, protocol.Pong{})
}
