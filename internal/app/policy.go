package app

import "roomrelay/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	Disconnect
)

// Policy decides what happens to a connection whose bounded outbound
// queue overflowed during a fan-out.
type Policy interface {
	OnBackpressure(connID core.ConnID) BackpressureAction
}

// KickSlowPolicy disconnects slow consumers so one unresponsive client
// never stalls delivery to the rest of the room.
type KickSlowPolicy struct{}

func (KickSlowPolicy) OnBackpressure(core.ConnID) BackpressureAction {
	return Disconnect
}
