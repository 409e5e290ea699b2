package app

import "github.com/dkeye/Studyroom/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

type Policy interface {
	OnBackPressure(session core.SessionService, member core.MemberSession) BackpressureAction
}

// SimplePolicy kicks any member whose send buffer is full. The client reconnects
// and rejoins, which is cheaper than letting it fall behind.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(core.SessionService, core.MemberSession) BackpressureAction {
	return KickMember
}
